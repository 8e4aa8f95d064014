// Package db provides the document store the pipeline reads and writes.
// Every worker opens its own Store through an Opener; handles are never
// shared between workers.
package db

import (
	"context"
	"fmt"

	"siope-etl/internal/config"
)

// Filter matches documents whose fields equal every given value
type Filter map[string]interface{}

// Index describes an ascending index over Keys
type Index struct {
	Keys   []string
	Unique bool
}

// Name returns the conventional index name, e.g. COD_ENTE_1_ANNO_1
func (i Index) Name() string {
	name := ""
	for n, k := range i.Keys {
		if n > 0 {
			name += "_"
		}
		name += k + "_1"
	}
	return name
}

// Range selects documents [Start, End) in natural order. An open range
// runs from Start to the end of the collection.
type Range struct {
	Start int64
	End   int64
	Open  bool
}

// All selects every document
func All() Range {
	return Range{Open: true}
}

// Empty reports whether the range selects nothing
func (r Range) Empty() bool {
	return !r.Open && r.End <= r.Start
}

// Len returns the number of selected documents, or -1 for an open range
func (r Range) Len() int64 {
	if r.Open {
		return -1
	}
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// String renders the range for logs
func (r Range) String() string {
	if r.Open {
		return fmt.Sprintf("[%d, end)", r.Start)
	}
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Decoder decodes the current document into v
type Decoder interface {
	Decode(v interface{}) error
}

// FlushStats reports the outcome of a batch flush
type FlushStats struct {
	// Written counts inserted documents plus upserted or updated ones
	Written int

	// Duplicates counts inserts rejected by a unique index
	Duplicates int
}

// Add accumulates other into s
func (s *FlushStats) Add(other FlushStats) {
	s.Written += other.Written
	s.Duplicates += other.Duplicates
}

// Batch accumulates unordered writes for one collection
type Batch interface {
	// Insert queues a new document
	Insert(doc interface{})

	// UpsertPush queues an upsert of document id: when absent it is created
	// from onInsert with field holding [item]; when present only item is
	// appended to field
	UpsertPush(id string, onInsert interface{}, field string, item interface{})

	// Len returns the number of queued writes
	Len() int

	// Flush executes the queued writes and empties the batch. Flushing an
	// empty batch does nothing. Unique-index rejections are counted, not
	// returned as errors.
	Flush(ctx context.Context) (FlushStats, error)
}

// Store is a handle to the document store
type Store interface {
	// Drop removes a collection and its indexes; dropping a missing
	// collection is not an error
	Drop(ctx context.Context, collection string) error

	// EnsureIndex creates index if it does not exist
	EnsureIndex(ctx context.Context, collection string, index Index) error

	// Count returns the number of documents in collection
	Count(ctx context.Context, collection string) (int64, error)

	// FindOne decodes the first match into out and reports whether one existed
	FindOne(ctx context.Context, collection string, filter Filter, out interface{}) (bool, error)

	// Exists reports whether any document matches
	Exists(ctx context.Context, collection string, filter Filter) (bool, error)

	// Scan calls fn for every document of r in natural order
	Scan(ctx context.Context, collection string, r Range, fn func(Decoder) error) error

	// NewBatch starts an unordered batch on collection
	NewBatch(collection string) Batch

	// Close releases the handle
	Close(ctx context.Context) error
}

// Opener opens independent store handles
type Opener interface {
	Open(ctx context.Context) (Store, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context) (Store, error)

// Open calls f
func (f OpenerFunc) Open(ctx context.Context) (Store, error) {
	return f(ctx)
}

// NewOpener returns the opener for the configured backend
func NewOpener(cfg config.StoreConfig) (Opener, error) {
	switch cfg.Backend {
	case "", "mongo":
		return NewMongoOpener(cfg), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}
