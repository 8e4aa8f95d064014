// Package types defines core domain types shared across all layers.
// This package contains NO store access - only record shapes, the fixed
// table schemas and the field copying used by the joins.
package types

// Table is a source table: its staging collection and the ordered field
// names of its header-less rows
type Table struct {
	// Name identifies the table in logs, metrics and file lookup
	Name string

	// Collection is the staging collection rows are loaded into
	Collection string

	// Fields is the column order of every row
	Fields []string
}

// Staging tables
var (
	TableEntities = Table{
		Name:       "enti",
		Collection: "csv_enti",
		Fields: []string{
			"COD_ENTE", "DATA_INC_SIOPE", "DATA_ESC_SIOPE",
			"COD_FISCALE", "DESCR_ENTE", "COD_COMUNE", "COD_PROVINCIA",
			"NUM_ABITANTI", "SOTTOCOMPARTO_SIOPE",
		},
	}

	TableSectors = Table{
		Name:       "comparti",
		Collection: "csv_comparti",
		Fields:     []string{"COD_COMPARTO", "DESCRIZIONE_COMPARTO"},
	}

	TableSubSectors = Table{
		Name:       "sottocomparti",
		Collection: "csv_sottocomparti",
		Fields:     []string{"SOTTOCOMPARTO", "DESCRIZIONE", "COD_COMPARTO"},
	}

	TableMunicipalities = Table{
		Name:       "comuni",
		Collection: "csv_comuni",
		Fields:     []string{"COD_COMUNE", "DESCR_COMUNE", "COD_PROVINCIA"},
	}

	TableProvinces = Table{
		Name:       "regprov",
		Collection: "csv_regprov",
		Fields: []string{
			"RIPART_GEO", "COD_REGIONE", "DESCRIZIONE REGIONE",
			"COD_PROVINCIA", "DESCRIZIONE_PROVINCIA",
		},
	}

	TableIncomeCodes = Table{
		Name:       "codgest_entrate",
		Collection: "csv_codgest_entrate",
		Fields: []string{
			"COD_GEST", "COD_CATEG", "DESCRIZIONE_CGE",
			"DATA_INIZIO_VALIDITA", "DATA_FINE_VALIDITA",
		},
	}

	TableOutflowCodes = Table{
		Name:       "codgest_uscite",
		Collection: "csv_codgest_uscite",
		Fields: []string{
			"COD_GEST", "COD_CATEG", "DESCRIZIONE_CGU",
			"DATA_INIZIO_VALIDITA", "DATA_FINE_VALIDITA",
		},
	}

	TableIncome = Table{
		Name:       "entrate",
		Collection: "csv_entrate",
		Fields:     transactionFields,
	}

	TableOutflow = Table{
		Name:       "uscite",
		Collection: "csv_uscite",
		Fields:     transactionFields,
	}
)

// Both flows publish the amount under the same column name.
var transactionFields = []string{"COD_ENTE", "ANNO", "PERIODO", "CODICE_GESTIONALE", "IMP_USCITE_ATT"}

// Tables returns every staging table in load order
func Tables() []Table {
	return []Table{
		TableEntities, TableSectors, TableSubSectors, TableMunicipalities, TableProvinces,
		TableIncomeCodes, TableOutflowCodes, TableIncome, TableOutflow,
	}
}

// CollectionEntities holds one enriched entity per entity code
const CollectionEntities = "mdb_enti"

// Flow describes one transaction kind and the collections derived from it
type Flow struct {
	// Name is "entrate" or "uscite"
	Name string

	// Raw is the staging transaction table
	Raw Table

	// Codes is the staging classification table
	Codes Table

	// CodesCollection holds the flow's ClassificationEntry documents
	CodesCollection string

	// TransactionsCollection holds the flow's EnrichedTransaction documents
	TransactionsCollection string

	// SeriesCollection holds the flow's TimeSeriesDocument documents
	SeriesCollection string
}

// Transaction flows
var (
	Income = Flow{
		Name:                   "entrate",
		Raw:                    TableIncome,
		Codes:                  TableIncomeCodes,
		CodesCollection:        "mdb_codgest_entrate",
		TransactionsCollection: "mdb_entrate",
		SeriesCollection:       "mdb_entrate_mensili",
	}

	Outflow = Flow{
		Name:                   "uscite",
		Raw:                    TableOutflow,
		Codes:                  TableOutflowCodes,
		CodesCollection:        "mdb_codgest_uscite",
		TransactionsCollection: "mdb_uscite",
		SeriesCollection:       "mdb_uscite_mensili",
	}
)

// Flows returns both flows
func Flows() []Flow {
	return []Flow{Income, Outflow}
}

// String returns the flow name
func (f Flow) String() string {
	return f.Name
}
