package ingestion

import (
	"context"

	"go.uber.org/zap"

	"siope-etl/core/types"
	"siope-etl/db"
	"siope-etl/internal/config"
	"siope-etl/internal/errors"
	"siope-etl/internal/logging"
	"siope-etl/internal/metrics"
)

// EntityStats reports one entity denormalization pass
type EntityStats struct {
	Read                    int
	Written                 int
	SkippedExisting         int
	SkippedMissingReference int
	Duplicates              int
}

// EntityDenormalizer builds mdb_enti from the staging entity registry and
// its classification and geography tables
type EntityDenormalizer struct {
	opener    db.Opener
	batchSize int
	policy    config.ReferenceMissPolicy
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// NewEntityDenormalizer creates a denormalizer applying policy to lookup misses
func NewEntityDenormalizer(opener db.Opener, batchSize int, policy config.ReferenceMissPolicy, log *zap.Logger, m *metrics.Metrics) *EntityDenormalizer {
	if batchSize < 1 {
		batchSize = 1
	}
	if policy == "" {
		policy = config.ReferenceMissSkip
	}
	return &EntityDenormalizer{
		opener:    opener,
		batchSize: batchSize,
		policy:    policy,
		log:       logging.OrNop(log).Named("entities"),
		metrics:   m,
	}
}

// EntityIndex is the uniqueness constraint of mdb_enti
var EntityIndex = db.Index{Keys: []string{"COD_ENTE"}, Unique: true}

// Run inserts one enriched entity per entity code not already present.
// The first row seen for a code wins.
func (d *EntityDenormalizer) Run(ctx context.Context) (EntityStats, error) {
	var stats EntityStats

	store, err := d.opener.Open(ctx)
	if err != nil {
		return stats, err
	}
	defer store.Close(context.Background())

	if err := store.EnsureIndex(ctx, types.CollectionEntities, EntityIndex); err != nil {
		return stats, err
	}

	refs := newLookup(store)
	seen := make(map[string]struct{})
	batch := store.NewBatch(types.CollectionEntities)

	flush := func() error {
		res, err := batch.Flush(ctx)
		stats.Written += res.Written
		stats.Duplicates += res.Duplicates
		d.metrics.Written(types.CollectionEntities, res.Written)
		d.metrics.Duplicates(types.CollectionEntities, res.Duplicates)
		return err
	}

	err = store.Scan(ctx, types.TableEntities.Collection, db.All(), func(dec db.Decoder) error {
		var row types.EntityRow
		if err := dec.Decode(&row); err != nil {
			return errors.Store("decoding entity row", err)
		}
		stats.Read++

		if _, ok := seen[row.Code]; ok {
			stats.SkippedExisting++
			return nil
		}

		exists, err := store.Exists(ctx, types.CollectionEntities, db.Filter{"COD_ENTE": row.Code})
		if err != nil {
			return err
		}
		if exists {
			stats.SkippedExisting++
			return nil
		}

		entity, err := d.enrich(ctx, refs, row)
		if err != nil {
			if errors.IsType(err, errors.TypeLookup) && d.policy == config.ReferenceMissSkip {
				stats.SkippedMissingReference++
				d.metrics.Skipped("entities", "missing_reference")
				d.log.Debug("Skipping entity", zap.String("entity", row.Code), zap.Error(err))
				return nil
			}
			return err
		}

		// Skipped rows do not claim the code
		seen[row.Code] = struct{}{}
		batch.Insert(entity)
		if batch.Len() >= d.batchSize {
			return flush()
		}
		return nil
	})
	if ferr := flush(); err == nil {
		err = ferr
	}

	d.log.Info("Denormalized entities",
		zap.Int("read", stats.Read),
		zap.Int("written", stats.Written),
		zap.Int("skipped_existing", stats.SkippedExisting),
		zap.Int("skipped_missing_reference", stats.SkippedMissingReference),
		zap.Int("duplicates", stats.Duplicates),
	)
	return stats, err
}

// enrich resolves the classification and geography chains of row
func (d *EntityDenormalizer) enrich(ctx context.Context, refs *lookup, row types.EntityRow) (types.Entity, error) {
	population, err := types.ParseInt("NUM_ABITANTI", row.Population)
	if err != nil {
		return types.Entity{}, err
	}
	entity := types.NewEntity(row, population)

	sub, ok, err := find[types.SubSectorRow](ctx, refs, types.TableSubSectors.Collection,
		db.Filter{"SOTTOCOMPARTO": row.SubSectorCode}, row.SubSectorCode)
	if err != nil {
		return entity, err
	}
	if !ok {
		return entity, missing("sub-sector", row.SubSectorCode, row.Code)
	}
	entity = entity.WithSubSector(sub)

	sector, ok, err := find[types.SectorRow](ctx, refs, types.TableSectors.Collection,
		db.Filter{"COD_COMPARTO": sub.SectorCode}, sub.SectorCode)
	if err != nil {
		return entity, err
	}
	if !ok {
		return entity, missing("sector", sub.SectorCode, row.Code)
	}
	entity = entity.WithSector(sector)

	province, ok, err := find[types.ProvinceRow](ctx, refs, types.TableProvinces.Collection,
		db.Filter{"COD_PROVINCIA": row.ProvinceCode}, row.ProvinceCode)
	if err != nil {
		return entity, err
	}
	if !ok {
		return entity, missing("province", row.ProvinceCode, row.Code)
	}
	entity = entity.WithProvince(province)

	municipality, ok, err := find[types.MunicipalityRow](ctx, refs, types.TableMunicipalities.Collection,
		db.Filter{"COD_COMUNE": row.MunicipalityCode, "COD_PROVINCIA": row.ProvinceCode},
		row.MunicipalityCode, row.ProvinceCode)
	if err != nil {
		return entity, err
	}
	if !ok {
		return entity, missing("municipality", row.MunicipalityCode+"/"+row.ProvinceCode, row.Code)
	}
	return entity.WithMunicipality(municipality), nil
}

func missing(reference, key, entity string) error {
	return errors.Lookup(reference, key).WithContext("entity", entity)
}
