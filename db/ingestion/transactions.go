package ingestion

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"siope-etl/core/types"
	"siope-etl/db"
	"siope-etl/internal/errors"
	"siope-etl/internal/logging"
	"siope-etl/internal/metrics"
)

// TransactionStats reports a transaction denormalization pass, summed over
// its partitions
type TransactionStats struct {
	Read                         int
	Written                      int
	SkippedExisting              int
	SkippedMissingEntity         int
	SkippedMissingClassification int
	Duplicates                   int
}

// Add accumulates other into s
func (s *TransactionStats) Add(other TransactionStats) {
	s.Read += other.Read
	s.Written += other.Written
	s.SkippedExisting += other.SkippedExisting
	s.SkippedMissingEntity += other.SkippedMissingEntity
	s.SkippedMissingClassification += other.SkippedMissingClassification
	s.Duplicates += other.Duplicates
}

// TransactionIndex is the uniqueness constraint of the enriched
// transaction collections
var TransactionIndex = db.Index{Keys: []string{"COD_ENTE", "ANNO", "PERIODO", "COD_GEST"}, Unique: true}

// TransactionDenormalizer joins one flow's raw transactions with mdb_enti
// and the flow's classification entries
type TransactionDenormalizer struct {
	opener     db.Opener
	flow       types.Flow
	partitions int
	batchSize  int
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// NewTransactionDenormalizer creates a denormalizer for flow running one
// worker per partition
func NewTransactionDenormalizer(opener db.Opener, flow types.Flow, partitions, batchSize int, log *zap.Logger, m *metrics.Metrics) *TransactionDenormalizer {
	if partitions < 1 {
		partitions = 1
	}
	if batchSize < 1 {
		batchSize = 1
	}
	return &TransactionDenormalizer{
		opener:     opener,
		flow:       flow,
		partitions: partitions,
		batchSize:  batchSize,
		log:        logging.OrNop(log).Named("transactions").With(zap.String("flow", flow.Name)),
		metrics:    m,
	}
}

// Run splits the raw collection into contiguous ranges and denormalizes
// each range in its own worker. Every worker runs to completion; the
// returned error combines all worker failures.
func (d *TransactionDenormalizer) Run(ctx context.Context) (TransactionStats, error) {
	var total TransactionStats

	store, err := d.opener.Open(ctx)
	if err != nil {
		return total, err
	}
	count, err := store.Count(ctx, d.flow.Raw.Collection)
	if err == nil {
		err = store.EnsureIndex(ctx, d.flow.TransactionsCollection, TransactionIndex)
	}
	store.Close(context.Background())
	if err != nil {
		return total, err
	}

	ranges := Split(count, d.partitions)
	d.log.Info("Denormalizing transactions", zap.Int64("rows", count), zap.Int("partitions", len(ranges)))

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for i, r := range ranges {
		g.Go(func() error {
			stats, err := d.runPartition(ctx, i, r)
			mu.Lock()
			defer mu.Unlock()
			total.Add(stats)
			errs = multierr.Append(errs, err)
			return nil
		})
	}
	_ = g.Wait()

	d.log.Info("Denormalized transactions",
		zap.Int("read", total.Read),
		zap.Int("written", total.Written),
		zap.Int("skipped_existing", total.SkippedExisting),
		zap.Int("skipped_missing_entity", total.SkippedMissingEntity),
		zap.Int("skipped_missing_classification", total.SkippedMissingClassification),
		zap.Int("duplicates", total.Duplicates),
	)
	return total, errs
}

// runPartition processes one range on its own store handle
func (d *TransactionDenormalizer) runPartition(ctx context.Context, partition int, r db.Range) (TransactionStats, error) {
	var stats TransactionStats
	log := d.log.With(zap.Int("partition", partition), zap.Stringer("range", r))

	store, err := d.opener.Open(ctx)
	if err != nil {
		return stats, err
	}
	defer store.Close(context.Background())

	refs := newLookup(store)
	batch := store.NewBatch(d.flow.TransactionsCollection)
	flush := func() error {
		res, err := batch.Flush(ctx)
		stats.Written += res.Written
		stats.Duplicates += res.Duplicates
		d.metrics.Written(d.flow.TransactionsCollection, res.Written)
		d.metrics.Duplicates(d.flow.TransactionsCollection, res.Duplicates)
		return err
	}
	skip := func(reason string, key types.TransactionKey) {
		d.metrics.Skipped("transactions", reason)
		log.Debug("Skipping transaction", zap.String("reason", reason),
			zap.String("entity", key.EntityCode), zap.Int64("year", key.Year),
			zap.Int64("period", key.Period), zap.String("code", key.ClassCode))
	}

	err = store.Scan(ctx, d.flow.Raw.Collection, r, func(dec db.Decoder) error {
		var row types.TransactionRow
		if err := dec.Decode(&row); err != nil {
			return errors.Store("decoding transaction row", err)
		}
		stats.Read++

		key, err := row.Key()
		if err != nil {
			return err
		}
		amount, err := row.ParseAmount()
		if err != nil {
			return err
		}

		exists, err := store.Exists(ctx, d.flow.TransactionsCollection, db.Filter{
			"COD_ENTE": key.EntityCode,
			"ANNO":     key.Year,
			"PERIODO":  key.Period,
			"COD_GEST": key.ClassCode,
		})
		if err != nil {
			return err
		}
		if exists {
			stats.SkippedExisting++
			return nil
		}

		entity, ok, err := find[types.Entity](ctx, refs, types.CollectionEntities,
			db.Filter{"COD_ENTE": key.EntityCode}, key.EntityCode)
		if err != nil {
			return err
		}
		if !ok {
			stats.SkippedMissingEntity++
			skip("missing_entity", key)
			return nil
		}

		entry, ok, err := find[types.ClassificationEntry](ctx, refs, d.flow.CodesCollection,
			db.Filter{"COD_GEST": key.ClassCode, "COD_CATEG": entity.SectorCode},
			key.ClassCode, entity.SectorCode)
		if err != nil {
			return err
		}
		if !ok {
			stats.SkippedMissingClassification++
			skip("missing_classification", key)
			return nil
		}

		batch.Insert(types.NewTransaction(key, amount, entity, entry))
		if batch.Len() >= d.batchSize {
			return flush()
		}
		return nil
	})
	if ferr := flush(); err == nil {
		err = ferr
	}

	log.Info("Partition done",
		zap.Int("read", stats.Read),
		zap.Int("written", stats.Written),
		zap.Int("skipped", stats.SkippedExisting+stats.SkippedMissingEntity+stats.SkippedMissingClassification),
	)
	if err != nil {
		return stats, errors.Wrapf(errors.TypeOf(err), err, "%s partition %d %s", d.flow.Name, partition, r)
	}
	return stats, nil
}
