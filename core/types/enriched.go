package types

import "fmt"

// Entity is the enriched entity document of mdb_enti, keyed by Code
type Entity struct {
	Code                    string `bson:"COD_ENTE"`
	JoinedOn                string `bson:"DATA_INC_SIOPE"`
	LeftOn                  string `bson:"DATA_ESC_SIOPE"`
	FiscalCode              string `bson:"COD_FISCALE"`
	Name                    string `bson:"DESCR_ENTE"`
	MunicipalityCode        string `bson:"COD_COMUNE"`
	ProvinceCode            string `bson:"COD_PROVINCIA"`
	Population              int64  `bson:"NUM_ABITANTI"`
	SubSectorCode           string `bson:"COD_SOTTOCOMPARTO"`
	SubSectorDescription    string `bson:"DESCR_SOTTOCOMPARTO"`
	SectorCode              string `bson:"COD_COMPARTO"`
	SectorDescription       string `bson:"DESCR_COMPARTO"`
	ProvinceDescription     string `bson:"DESCR_PROVINCIA"`
	RegionDescription       string `bson:"DESCR_REGIONE"`
	RegionCode              string `bson:"COD_REGIONE"`
	GeoPartition            string `bson:"RIPART_GEO"`
	MunicipalityDescription string `bson:"DESCR_COMUNE"`
}

// NewEntity copies the identity fields of a raw entity row. Population
// must already be coerced.
func NewEntity(row EntityRow, population int64) Entity {
	return Entity{
		Code:             row.Code,
		JoinedOn:         row.JoinedOn,
		LeftOn:           row.LeftOn,
		FiscalCode:       row.FiscalCode,
		Name:             row.Name,
		MunicipalityCode: row.MunicipalityCode,
		ProvinceCode:     row.ProvinceCode,
		Population:       population,
		SubSectorCode:    row.SubSectorCode,
	}
}

// WithSubSector copies the sub-sector description and its sector code
func (e Entity) WithSubSector(s SubSectorRow) Entity {
	e.SubSectorDescription = s.Description
	e.SectorCode = s.SectorCode
	return e
}

// WithSector copies the sector description
func (e Entity) WithSector(s SectorRow) Entity {
	e.SectorDescription = s.Description
	return e
}

// WithProvince copies the province, region and geographic partition
func (e Entity) WithProvince(p ProvinceRow) Entity {
	e.ProvinceDescription = p.Description
	e.RegionDescription = p.RegionDescription
	e.RegionCode = p.RegionCode
	e.GeoPartition = p.GeoPartition
	return e
}

// WithMunicipality copies the municipality description
func (e Entity) WithMunicipality(m MunicipalityRow) Entity {
	e.MunicipalityDescription = m.Description
	return e
}

// ClassificationEntry is a document of mdb_codgest_entrate/uscite, keyed by
// (Code, Category) where Category is a sector code
type ClassificationEntry struct {
	Code        string `bson:"COD_GEST"`
	Category    string `bson:"COD_CATEG"`
	Description string `bson:"DESCRIZIONE_CG"`
	ValidFrom   string `bson:"DATA_INIZIO_VALIDITA"`
	ValidTo     string `bson:"DATA_FINE_VALIDITA"`
}

// Transaction is the enriched transaction document of mdb_entrate/uscite.
// Its uniqueness key is (COD_ENTE, ANNO, PERIODO, COD_GEST).
type Transaction struct {
	Entity `bson:",inline"`

	Year        int64  `bson:"ANNO"`
	Period      int64  `bson:"PERIODO"`
	ClassCode   string `bson:"COD_GEST"`
	Amount      int64  `bson:"IMPORTO"`
	Description string `bson:"DESCRIZIONE_CG"`
	ValidFrom   string `bson:"DATA_INIZIO_VALIDITA"`
	ValidTo     string `bson:"DATA_FINE_VALIDITA"`
}

// TransactionKey is the uniqueness key of a Transaction
type TransactionKey struct {
	EntityCode string
	Year       int64
	Period     int64
	ClassCode  string
}

// NewTransaction joins an entity and its classification entry with the
// coerced values of a raw row. The entry's category is dropped.
func NewTransaction(key TransactionKey, amount int64, entity Entity, entry ClassificationEntry) Transaction {
	return Transaction{
		Entity:      entity,
		Year:        key.Year,
		Period:      key.Period,
		ClassCode:   key.ClassCode,
		Amount:      amount,
		Description: entry.Description,
		ValidFrom:   entry.ValidFrom,
		ValidTo:     entry.ValidTo,
	}
}

// Key returns the uniqueness key
func (t Transaction) Key() TransactionKey {
	return TransactionKey{EntityCode: t.Entity.Code, Year: t.Year, Period: t.Period, ClassCode: t.ClassCode}
}

// SeriesKeySeparator joins the parts of a series key
const SeriesKeySeparator = "/"

// SeriesKey composes year, period and entity code, e.g. "2016/3/E001"
func SeriesKey(year, period int64, entityCode string) string {
	return fmt.Sprintf("%d%s%d%s%s", year, SeriesKeySeparator, period, SeriesKeySeparator, entityCode)
}

// SeriesEnvelope holds the per-key fields of a series document. They are
// written on first insert only.
type SeriesEnvelope struct {
	Entity `bson:",inline"`

	Year   int64 `bson:"ANNO"`
	Period int64 `bson:"PERIODO"`
}

// LineItem is one classification amount appended to a series document
type LineItem struct {
	ClassCode   string `bson:"COD_GEST"`
	Description string `bson:"DESCRIZIONE_CG"`
	Amount      int64  `bson:"IMPORTO"`
	ValidFrom   string `bson:"DATA_INIZIO_VALIDITA"`
	ValidTo     string `bson:"DATA_FINE_VALIDITA"`
}

// LineItemsField is the array field line items are pushed into
const LineItemsField = "IMPORTI"

// SeriesDocument is a document of mdb_entrate_mensili/mdb_uscite_mensili
type SeriesDocument struct {
	ID             string `bson:"_id"`
	SeriesEnvelope `bson:",inline"`
	Items          []LineItem `bson:"IMPORTI"`
}

// SeriesKey returns the key of the series the transaction folds into
func (t Transaction) SeriesKey() string {
	return SeriesKey(t.Year, t.Period, t.Entity.Code)
}

// Split separates the envelope from the line item
func (t Transaction) Split() (SeriesEnvelope, LineItem) {
	return SeriesEnvelope{Entity: t.Entity, Year: t.Year, Period: t.Period},
		LineItem{
			ClassCode:   t.ClassCode,
			Description: t.Description,
			Amount:      t.Amount,
			ValidFrom:   t.ValidFrom,
			ValidTo:     t.ValidTo,
		}
}
