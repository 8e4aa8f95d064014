package types

import (
	"strings"

	"github.com/shopspring/decimal"

	"siope-etl/internal/errors"
)

// ParseInt coerces a raw numeric field. Empty text is 0; decimal text is
// truncated to its integer part. Anything else is a parsing error.
func ParseInt(field, s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Parsing("invalid integer", err).
			WithContext("field", field).
			WithContext("value", s)
	}
	return d.IntPart(), nil
}

// Key coerces the uniqueness key of a raw transaction row
func (r TransactionRow) Key() (TransactionKey, error) {
	year, err := ParseInt("ANNO", r.Year)
	if err != nil {
		return TransactionKey{}, err
	}
	period, err := ParseInt("PERIODO", r.Period)
	if err != nil {
		return TransactionKey{}, err
	}
	return TransactionKey{EntityCode: r.EntityCode, Year: year, Period: period, ClassCode: r.Code}, nil
}

// ParseAmount coerces the raw amount
func (r TransactionRow) ParseAmount() (int64, error) {
	return ParseInt("IMP_USCITE_ATT", r.Amount)
}
