//go:build integration

package db

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/bson"

	"siope-etl/internal/config"
)

func startMongo(t *testing.T) Opener {
	t.Helper()
	ctx := context.Background()

	container, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		t.Fatalf("starting mongo container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminating container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return NewMongoOpener(config.StoreConfig{
		Backend:        "mongo",
		URI:            uri,
		Database:       "siope_test",
		ConnectTimeout: 30 * time.Second,
	})
}

// TestMongoStoreContract runs the batch semantics against a real server
func TestMongoStoreContract(t *testing.T) {
	ctx := context.Background()
	opener := startMongo(t)

	s, err := opener.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close(ctx)

	t.Run("empty flush", func(t *testing.T) {
		stats, err := s.NewBatch("empty").Flush(ctx)
		if err != nil || stats != (FlushStats{}) {
			t.Errorf("expected no-op, got %+v (%v)", stats, err)
		}
	})

	t.Run("duplicates counted", func(t *testing.T) {
		if err := s.EnsureIndex(ctx, "enti", Index{Keys: []string{"COD_ENTE"}, Unique: true}); err != nil {
			t.Fatalf("index: %v", err)
		}
		b := s.NewBatch("enti")
		b.Insert(bson.M{"COD_ENTE": "E001"})
		b.Insert(bson.M{"COD_ENTE": "E001"})
		b.Insert(bson.M{"COD_ENTE": "E002"})
		stats, err := b.Flush(ctx)
		if err != nil {
			t.Fatalf("flush: %v", err)
		}
		if stats.Written != 2 || stats.Duplicates != 1 {
			t.Errorf("expected 2 written and 1 duplicate, got %+v", stats)
		}
	})

	t.Run("upsert push", func(t *testing.T) {
		b := s.NewBatch("series")
		b.UpsertPush("2016/3/E001", envelope{Entity: "E001", Year: 2016}, "IMPORTI", item{Code: "G1", Amount: 10})
		b.UpsertPush("2016/3/E001", envelope{Entity: "CHANGED", Year: 1999}, "IMPORTI", item{Code: "G2", Amount: 20})
		if _, err := b.Flush(ctx); err != nil {
			t.Fatalf("flush: %v", err)
		}

		var got series
		found, err := s.FindOne(ctx, "series", Filter{"_id": "2016/3/E001"}, &got)
		if err != nil || !found {
			t.Fatalf("expected series document, found=%v err=%v", found, err)
		}
		if got.Entity != "E001" || len(got.Items) != 2 {
			t.Errorf("unexpected series document %+v", got)
		}
	})

	t.Run("range scan", func(t *testing.T) {
		b := s.NewBatch("rows")
		for i := int64(0); i < 10; i++ {
			b.Insert(bson.M{"N": i})
		}
		if _, err := b.Flush(ctx); err != nil {
			t.Fatalf("flush: %v", err)
		}

		seen := 0
		for _, r := range []Range{{Start: 0, End: 3}, {Start: 3, End: 6}, {Start: 6, Open: true}} {
			err := s.Scan(ctx, "rows", r, func(d Decoder) error {
				seen++
				return nil
			})
			if err != nil {
				t.Fatalf("scan %s: %v", r, err)
			}
		}
		if seen != 10 {
			t.Errorf("expected 10 documents across ranges, got %d", seen)
		}
	})
}
