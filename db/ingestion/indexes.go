package ingestion

import (
	"context"

	"go.uber.org/zap"

	"siope-etl/core/types"
	"siope-etl/db"
)

// ReferenceIndex is a lookup index on a staging collection
type ReferenceIndex struct {
	Collection string
	Index      db.Index
}

// ReferenceIndexes are the staging lookups used by entity denormalization.
// They only speed up the joins.
var ReferenceIndexes = []ReferenceIndex{
	{Collection: types.TableSubSectors.Collection, Index: db.Index{Keys: []string{"SOTTOCOMPARTO"}}},
	{Collection: types.TableSectors.Collection, Index: db.Index{Keys: []string{"COD_COMPARTO"}}},
	{Collection: types.TableProvinces.Collection, Index: db.Index{Keys: []string{"COD_PROVINCIA"}}},
	{Collection: types.TableMunicipalities.Collection, Index: db.Index{Keys: []string{"COD_COMUNE", "COD_PROVINCIA"}}},
}

// BuildReferenceIndexes creates every ReferenceIndexes entry
func BuildReferenceIndexes(ctx context.Context, opener db.Opener, log *zap.Logger) error {
	store, err := opener.Open(ctx)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	for _, ri := range ReferenceIndexes {
		if err := store.EnsureIndex(ctx, ri.Collection, ri.Index); err != nil {
			return err
		}
		if log != nil {
			log.Debug("Created index", zap.String("collection", ri.Collection), zap.String("index", ri.Index.Name()))
		}
	}
	return nil
}
