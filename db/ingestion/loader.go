// Package ingestion turns staged flat files into the enriched and
// time-series collections: load, denormalize, fold.
package ingestion

import (
	"context"
	"encoding/csv"
	stderrors "errors"
	"io"
	"os"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"siope-etl/core/types"
	"siope-etl/db"
	"siope-etl/internal/errors"
	"siope-etl/internal/logging"
	"siope-etl/internal/metrics"
)

// LoadStats reports one table load
type LoadStats struct {
	Table   string
	Rows    int
	Batches int
}

// Loader bulk-inserts header-less delimited rows into a staging collection
type Loader struct {
	opener    db.Opener
	batchSize int
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// NewLoader creates a loader writing chunks of batchSize rows
func NewLoader(opener db.Opener, batchSize int, log *zap.Logger, m *metrics.Metrics) *Loader {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Loader{
		opener:    opener,
		batchSize: batchSize,
		log:       logging.OrNop(log).Named("loader"),
		metrics:   m,
	}
}

// LoadFile replaces table's staging collection with the rows of path
func (l *Loader) LoadFile(ctx context.Context, table types.Table, path string) (LoadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return LoadStats{Table: table.Name}, errors.NotFound("source file", path).
				WithContext("table", table.Name)
		}
		return LoadStats{Table: table.Name}, errors.Wrapf(errors.TypeInput, err, "opening %s", path)
	}
	defer f.Close()

	return l.Load(ctx, table, f)
}

// Load drops table's staging collection and inserts every row read from r.
// Values are stored as found. A row with the wrong number of fields aborts
// the load; rows already flushed stay in the collection.
func (l *Loader) Load(ctx context.Context, table types.Table, r io.Reader) (LoadStats, error) {
	stats := LoadStats{Table: table.Name}
	log := l.log.With(zap.String("table", table.Name), zap.String("collection", table.Collection))

	store, err := l.opener.Open(ctx)
	if err != nil {
		return stats, err
	}
	defer store.Close(context.Background())

	if err := store.Drop(ctx, table.Collection); err != nil {
		return stats, err
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(table.Fields)
	reader.ReuseRecord = true
	reader.LazyQuotes = true

	batch := store.NewBatch(table.Collection)
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		n := batch.Len()
		if _, err := batch.Flush(ctx); err != nil {
			return err
		}
		stats.Rows += n
		stats.Batches++
		l.metrics.Loaded(table.Name, n)
		log.Debug("Flushed batch", zap.Int("rows", n), zap.Int("total", stats.Rows))
		return nil
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ferr := flush(); ferr != nil {
				return stats, ferr
			}
			return stats, rowError(table, err)
		}

		doc := make(bson.D, len(record))
		for i, value := range record {
			doc[i] = bson.E{Key: table.Fields[i], Value: value}
		}
		batch.Insert(doc)

		if batch.Len() >= l.batchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}

	if err := flush(); err != nil {
		return stats, err
	}

	log.Info("Loaded table", zap.Int("rows", stats.Rows), zap.Int("batches", stats.Batches))
	return stats, nil
}

func rowError(table types.Table, err error) error {
	var perr *csv.ParseError
	if stderrors.As(err, &perr) {
		if stderrors.Is(perr.Err, csv.ErrFieldCount) {
			return errors.Schema("wrong column count", err).
				WithContext("table", table.Name).
				WithContext("line", perr.Line).
				WithContext("expected", len(table.Fields))
		}
		return errors.Parsing("malformed row", err).
			WithContext("table", table.Name).
			WithContext("line", perr.Line)
	}
	return errors.Wrapf(errors.TypeInput, err, "reading %s", table.Name)
}
