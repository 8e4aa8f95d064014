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

// ClassificationIndex serves the (code, sector) join of transaction
// denormalization
var ClassificationIndex = db.Index{Keys: []string{"COD_GEST", "COD_CATEG"}}

// CopyClassifications rebuilds a flow's classification collection from its
// staging code table, renaming the flow-specific description column to
// DESCRIZIONE_CG. It returns the number of entries written.
func CopyClassifications(ctx context.Context, opener db.Opener, flow types.Flow, batchSize int, log *zap.Logger, m *metrics.Metrics) (int, error) {
	log = logging.OrNop(log).Named("classifications").With(zap.String("flow", flow.Name))
	if batchSize < 1 {
		batchSize = 1
	}

	store, err := opener.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer store.Close(context.Background())

	if err := store.Drop(ctx, flow.CodesCollection); err != nil {
		return 0, err
	}

	written := 0
	batch := store.NewBatch(flow.CodesCollection)
	flush := func() error {
		res, err := batch.Flush(ctx)
		written += res.Written
		m.Written(flow.CodesCollection, res.Written)
		return err
	}

	err = store.Scan(ctx, flow.Codes.Collection, db.All(), func(dec db.Decoder) error {
		var row types.CodeRow
		if err := dec.Decode(&row); err != nil {
			return errors.Store("decoding classification row", err)
		}
		batch.Insert(row.Entry(flow))
		if batch.Len() >= batchSize {
			return flush()
		}
		return nil
	})
	if ferr := flush(); err == nil {
		err = ferr
	}
	if err != nil {
		return written, err
	}

	if err := store.EnsureIndex(ctx, flow.CodesCollection, ClassificationIndex); err != nil {
		return written, err
	}

	log.Info("Copied classifications", zap.Int("entries", written))
	return written, nil
}
