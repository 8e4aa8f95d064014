package ingestion

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"siope-etl/core/types"
	"siope-etl/db"
	"siope-etl/internal/errors"
)

// TestTransactionScenario checks the classification-miss drop: G1 joins,
// G2 has no entry for sector C1
func TestTransactionScenario(t *testing.T) {
	mem := db.NewMemory()
	seedAll(t, mem, nil)
	denormalizeReferences(t, mem)

	stats, err := NewTransactionDenormalizer(mem, types.Outflow, 4, 1000, nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Read != 2 || stats.Written != 1 || stats.SkippedMissingClassification != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	var tx types.Transaction
	if !findOne(t, mem, types.Outflow.TransactionsCollection, db.Filter{"COD_GEST": "G1"}, &tx) {
		t.Fatal("expected transaction G1")
	}
	if tx.Entity.Code != "E001" || tx.Year != 2016 || tx.Period != 3 || tx.Amount != 150 {
		t.Errorf("unexpected transaction %+v", tx)
	}
	if tx.Description != "d1" || tx.ValidFrom != "20150101" || tx.ValidTo != "99991231" {
		t.Errorf("classification fields not copied: %+v", tx)
	}
	if tx.SectorDescription != "desc-c1" || tx.RegionDescription != "LAZIO" {
		t.Errorf("entity fields not copied: %+v", tx)
	}
	if findOne(t, mem, types.Outflow.TransactionsCollection, db.Filter{"COD_GEST": "G2"}, &tx) {
		t.Error("expected G2 to be dropped")
	}
	if mem.OpenHandles() != 0 {
		t.Errorf("expected all handles closed, got %d", mem.OpenHandles())
	}
}

// TestTransactionIdempotence checks that a second pass adds nothing
func TestTransactionIdempotence(t *testing.T) {
	mem := db.NewMemory()
	var b strings.Builder
	for p := 1; p <= 12; p++ {
		fmt.Fprintf(&b, "E001,2016,%d,G1,%d\n", p, p*10)
	}
	b.WriteString("E001,2016,1,G2,5\n")
	seedAll(t, mem, map[string]string{types.TableOutflow.Name: b.String()})
	denormalizeReferences(t, mem)

	ctx := context.Background()
	d := NewTransactionDenormalizer(mem, types.Outflow, 4, 3, nil, nil)

	first, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Written != 12 {
		t.Fatalf("expected 12 written, got %+v", first)
	}

	second, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Written != 0 || second.SkippedExisting != 12 || second.SkippedMissingClassification != 1 {
		t.Errorf("expected second run to skip every existing key, got %+v", second)
	}
	if n := count(t, mem, types.Outflow.TransactionsCollection); n != 12 {
		t.Errorf("expected 12 transactions, got %d", n)
	}
}

// TestTransactionPartitionCounts checks every row is processed exactly once
// for several partition counts
func TestTransactionPartitionCounts(t *testing.T) {
	var b strings.Builder
	for p := 1; p <= 13; p++ {
		fmt.Fprintf(&b, "E001,2016,%d,G1,1\n", p)
	}

	for _, k := range []int{1, 2, 4, 5, 13, 20} {
		t.Run(fmt.Sprintf("partitions=%d", k), func(t *testing.T) {
			mem := db.NewMemory()
			seedAll(t, mem, map[string]string{types.TableOutflow.Name: b.String()})
			denormalizeReferences(t, mem)

			stats, err := NewTransactionDenormalizer(mem, types.Outflow, k, 2, nil, nil).Run(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if stats.Read != 13 || stats.Written != 13 || stats.Duplicates != 0 {
				t.Errorf("expected 13 read and written once, got %+v", stats)
			}
		})
	}
}

// TestTransactionNullCoercion checks empty year, period and amount become 0
func TestTransactionNullCoercion(t *testing.T) {
	mem := db.NewMemory()
	seedAll(t, mem, map[string]string{types.TableOutflow.Name: "E001,,,G1,\n"})
	denormalizeReferences(t, mem)

	if _, err := NewTransactionDenormalizer(mem, types.Outflow, 2, 10, nil, nil).Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var tx types.Transaction
	if !findOne(t, mem, types.Outflow.TransactionsCollection, db.Filter{"COD_ENTE": "E001"}, &tx) {
		t.Fatal("expected transaction")
	}
	if tx.Year != 0 || tx.Period != 0 || tx.Amount != 0 {
		t.Errorf("expected zeros, got %d/%d/%d", tx.Year, tx.Period, tx.Amount)
	}
}

// TestTransactionMissingEntity checks rows of unknown entities are dropped
func TestTransactionMissingEntity(t *testing.T) {
	mem := db.NewMemory()
	seedAll(t, mem, map[string]string{types.TableOutflow.Name: "E404,2016,3,G1,10\nE001,2016,3,G1,20\n"})
	denormalizeReferences(t, mem)

	stats, err := NewTransactionDenormalizer(mem, types.Outflow, 1, 10, nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Written != 1 || stats.SkippedMissingEntity != 1 {
		t.Errorf("expected 1 written and 1 missing entity, got %+v", stats)
	}
}

// TestTransactionDuplicateInput checks repeated keys within a pass are
// rejected by the unique index, not inserted twice
func TestTransactionDuplicateInput(t *testing.T) {
	mem := db.NewMemory()
	seedAll(t, mem, map[string]string{types.TableOutflow.Name: "E001,2016,3,G1,10\nE001,2016,3,G1,10\n"})
	denormalizeReferences(t, mem)

	stats, err := NewTransactionDenormalizer(mem, types.Outflow, 1, 10, nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Written != 1 || stats.Duplicates != 1 {
		t.Errorf("expected 1 written and 1 duplicate, got %+v", stats)
	}
}

// TestTransactionParsingErrorFailsPartition checks a bad amount is fatal
// for its worker only
func TestTransactionParsingErrorFailsPartition(t *testing.T) {
	mem := db.NewMemory()
	seedAll(t, mem, map[string]string{types.TableOutflow.Name: "E001,2016,1,G1,oops\nE001,2016,2,G1,20\n"})
	denormalizeReferences(t, mem)

	stats, err := NewTransactionDenormalizer(mem, types.Outflow, 2, 10, nil, nil).Run(context.Background())
	if !errors.IsType(err, errors.TypeParsing) {
		t.Fatalf("expected parsing error, got %v", err)
	}
	if stats.Written != 1 {
		t.Errorf("expected the other partition to finish, got %+v", stats)
	}
}
