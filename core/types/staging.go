package types

// Staging rows decode raw records by schema field name. Every value is the
// text found in the source file; nothing is coerced at load time.

// EntityRow is a row of csv_enti
type EntityRow struct {
	Code             string `bson:"COD_ENTE"`
	JoinedOn         string `bson:"DATA_INC_SIOPE"`
	LeftOn           string `bson:"DATA_ESC_SIOPE"`
	FiscalCode       string `bson:"COD_FISCALE"`
	Name             string `bson:"DESCR_ENTE"`
	MunicipalityCode string `bson:"COD_COMUNE"`
	ProvinceCode     string `bson:"COD_PROVINCIA"`
	Population       string `bson:"NUM_ABITANTI"`
	SubSectorCode    string `bson:"SOTTOCOMPARTO_SIOPE"`
}

// SectorRow is a row of csv_comparti
type SectorRow struct {
	Code        string `bson:"COD_COMPARTO"`
	Description string `bson:"DESCRIZIONE_COMPARTO"`
}

// SubSectorRow is a row of csv_sottocomparti
type SubSectorRow struct {
	Code        string `bson:"SOTTOCOMPARTO"`
	Description string `bson:"DESCRIZIONE"`
	SectorCode  string `bson:"COD_COMPARTO"`
}

// MunicipalityRow is a row of csv_comuni
type MunicipalityRow struct {
	Code         string `bson:"COD_COMUNE"`
	Description  string `bson:"DESCR_COMUNE"`
	ProvinceCode string `bson:"COD_PROVINCIA"`
}

// ProvinceRow is a row of csv_regprov
type ProvinceRow struct {
	GeoPartition      string `bson:"RIPART_GEO"`
	RegionCode        string `bson:"COD_REGIONE"`
	RegionDescription string `bson:"DESCRIZIONE REGIONE"`
	Code              string `bson:"COD_PROVINCIA"`
	Description       string `bson:"DESCRIZIONE_PROVINCIA"`
}

// CodeRow is a row of either classification table. Only the description
// column of the row's own flow is populated.
type CodeRow struct {
	Code               string `bson:"COD_GEST"`
	Category           string `bson:"COD_CATEG"`
	IncomeDescription  string `bson:"DESCRIZIONE_CGE,omitempty"`
	OutflowDescription string `bson:"DESCRIZIONE_CGU,omitempty"`
	ValidFrom          string `bson:"DATA_INIZIO_VALIDITA"`
	ValidTo            string `bson:"DATA_FINE_VALIDITA"`
}

// Entry renames the flow-specific description to the shared field
func (r CodeRow) Entry(f Flow) ClassificationEntry {
	desc := r.OutflowDescription
	if f.Name == Income.Name {
		desc = r.IncomeDescription
	}
	return ClassificationEntry{
		Code:        r.Code,
		Category:    r.Category,
		Description: desc,
		ValidFrom:   r.ValidFrom,
		ValidTo:     r.ValidTo,
	}
}

// TransactionRow is a row of csv_entrate or csv_uscite
type TransactionRow struct {
	EntityCode string `bson:"COD_ENTE"`
	Year       string `bson:"ANNO"`
	Period     string `bson:"PERIODO"`
	Code       string `bson:"CODICE_GESTIONALE"`
	Amount     string `bson:"IMP_USCITE_ATT"`
}
