package siope

import (
	"fmt"
	"path/filepath"
	"sort"

	"siope-etl/core/types"
	"siope-etl/internal/config"
	"siope-etl/internal/errors"
)

// Locator finds each table's staged file in a source directory by name
// pattern
type Locator struct {
	dir      string
	year     int
	allYears bool
}

// NewLocator creates a locator for cfg
func NewLocator(cfg config.SourceConfig) *Locator {
	return &Locator{dir: cfg.Dir, year: cfg.Year, allYears: cfg.AllYears}
}

// Pattern returns the glob matching table's file
func (l *Locator) Pattern(table types.Table) (string, error) {
	switch table.Name {
	case types.TableEntities.Name:
		return "*ENTI_SIOPE*.csv", nil
	case types.TableSectors.Name:
		return "*_COMPARTI*.csv", nil
	case types.TableSubSectors.Name:
		return "*SOTTOCOMPARTI*.csv", nil
	case types.TableMunicipalities.Name:
		return "*COMUNI*.csv", nil
	case types.TableProvinces.Name:
		return "*REG_PROV*.csv", nil
	case types.TableIncomeCodes.Name:
		return "*CODGEST_ENTRATE*.csv", nil
	case types.TableOutflowCodes.Name:
		return "*CODGEST_USCITE*.csv", nil
	case types.TableIncome.Name:
		if l.allYears {
			return IncomeAggregate, nil
		}
		return fmt.Sprintf("ENTRATE_%d*.csv", l.year), nil
	case types.TableOutflow.Name:
		if l.allYears {
			return OutflowAggregate, nil
		}
		return fmt.Sprintf("USCITE_%d*.csv", l.year), nil
	default:
		return "", errors.Newf(errors.TypeInput, "no source pattern for table %s", table.Name)
	}
}

// Locate returns the first file, in name order, matching table's pattern
func (l *Locator) Locate(table types.Table) (string, error) {
	pattern, err := l.Pattern(table)
	if err != nil {
		return "", err
	}

	matches, err := filepath.Glob(filepath.Join(l.dir, pattern))
	if err != nil {
		return "", errors.Wrapf(errors.TypeInput, err, "matching %s", pattern)
	}
	if len(matches) == 0 {
		return "", errors.NotFound("source file", filepath.Join(l.dir, pattern)).
			WithContext("table", table.Name)
	}
	sort.Strings(matches)
	return matches[0], nil
}
