package ingestion

import (
	"context"

	"go.uber.org/zap"

	"siope-etl/core/types"
	"siope-etl/db"
	"siope-etl/internal/errors"
	"siope-etl/internal/logging"
	"siope-etl/internal/metrics"
)

// FoldStats reports one time-series fold
type FoldStats struct {
	Read    int
	Upserts int
	Batches int
}

// Folder groups a flow's enriched transactions into one document per
// (year, period, entity)
type Folder struct {
	opener    db.Opener
	flow      types.Flow
	batchSize int
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// NewFolder creates a folder for flow
func NewFolder(opener db.Opener, flow types.Flow, batchSize int, log *zap.Logger, m *metrics.Metrics) *Folder {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Folder{
		opener:    opener,
		flow:      flow,
		batchSize: batchSize,
		log:       logging.OrNop(log).Named("timeseries").With(zap.String("flow", flow.Name)),
		metrics:   m,
	}
}

// Rebuild drops the series collection and folds every transaction into it
func (f *Folder) Rebuild(ctx context.Context) (FoldStats, error) {
	store, err := f.opener.Open(ctx)
	if err != nil {
		return FoldStats{}, err
	}
	defer store.Close(context.Background())

	if err := store.Drop(ctx, f.flow.SeriesCollection); err != nil {
		return FoldStats{}, err
	}
	return f.fold(ctx, store)
}

// Fold appends every transaction to its series document without clearing
// the collection first. Folding twice duplicates every line item.
func (f *Folder) Fold(ctx context.Context) (FoldStats, error) {
	store, err := f.opener.Open(ctx)
	if err != nil {
		return FoldStats{}, err
	}
	defer store.Close(context.Background())

	return f.fold(ctx, store)
}

func (f *Folder) fold(ctx context.Context, store db.Store) (FoldStats, error) {
	var stats FoldStats

	batch := store.NewBatch(f.flow.SeriesCollection)
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		res, err := batch.Flush(ctx)
		stats.Upserts += res.Written
		stats.Batches++
		f.metrics.Written(f.flow.SeriesCollection, res.Written)
		return err
	}

	err := store.Scan(ctx, f.flow.TransactionsCollection, db.All(), func(dec db.Decoder) error {
		var tx types.Transaction
		if err := dec.Decode(&tx); err != nil {
			return errors.Store("decoding transaction", err)
		}
		stats.Read++

		envelope, item := tx.Split()
		batch.UpsertPush(tx.SeriesKey(), envelope, types.LineItemsField, item)
		if batch.Len() >= f.batchSize {
			return flush()
		}
		return nil
	})
	if ferr := flush(); err == nil {
		err = ferr
	}

	f.log.Info("Folded transactions",
		zap.String("collection", f.flow.SeriesCollection),
		zap.Int("read", stats.Read),
		zap.Int("upserts", stats.Upserts),
		zap.Int("batches", stats.Batches),
	)
	return stats, err
}
