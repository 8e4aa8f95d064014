package ingestion

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"siope-etl/core/types"
	"siope-etl/db"
	"siope-etl/internal/errors"
)

// TestLoaderBatches checks chunking, including a final chunk boundary that
// coincides with the end of input
func TestLoaderBatches(t *testing.T) {
	tests := []struct {
		name      string
		rows      int
		batchSize int
		batches   int
	}{
		{name: "empty input", rows: 0, batchSize: 2, batches: 0},
		{name: "partial last chunk", rows: 5, batchSize: 2, batches: 3},
		{name: "exact chunks", rows: 4, batchSize: 2, batches: 2},
		{name: "single chunk", rows: 3, batchSize: 50000, batches: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := db.NewMemory()
			var b strings.Builder
			for i := 0; i < tt.rows; i++ {
				b.WriteString("C1,descrizione\n")
			}

			stats, err := NewLoader(mem, tt.batchSize, nil, nil).Load(context.Background(), types.TableSectors, strings.NewReader(b.String()))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if stats.Rows != tt.rows || stats.Batches != tt.batches {
				t.Errorf("expected %d rows in %d batches, got %+v", tt.rows, tt.batches, stats)
			}
			if n := count(t, mem, types.TableSectors.Collection); n != int64(tt.rows) {
				t.Errorf("expected %d documents, got %d", tt.rows, n)
			}
			if mem.OpenHandles() != 0 {
				t.Errorf("expected all handles closed, got %d", mem.OpenHandles())
			}
		})
	}
}

// TestLoaderStoresValuesUnchanged checks field naming and no coercion
func TestLoaderStoresValuesUnchanged(t *testing.T) {
	mem := db.NewMemory()
	seed(t, mem, types.TableIncome, "E001,,3,1100, 12.50\n")

	var row types.TransactionRow
	if !findOne(t, mem, types.TableIncome.Collection, db.Filter{"COD_ENTE": "E001"}, &row) {
		t.Fatal("expected loaded row")
	}
	expected := types.TransactionRow{EntityCode: "E001", Year: "", Period: "3", Code: "1100", Amount: " 12.50"}
	if row != expected {
		t.Errorf("expected %+v, got %+v", expected, row)
	}
}

// TestLoaderReplacesCollection checks drop-and-recreate
func TestLoaderReplacesCollection(t *testing.T) {
	mem := db.NewMemory()
	seed(t, mem, types.TableSectors, "C1,a\nC2,b\nC3,c\n")
	seed(t, mem, types.TableSectors, "C9,z\n")

	if n := count(t, mem, types.TableSectors.Collection); n != 1 {
		t.Errorf("expected 1 document after reload, got %d", n)
	}
}

// TestLoaderWrongColumnCount checks that a malformed row is fatal
func TestLoaderWrongColumnCount(t *testing.T) {
	mem := db.NewMemory()
	input := "C1,a\nC2,b\nC3\nC4,d\n"

	stats, err := NewLoader(mem, 1, nil, nil).Load(context.Background(), types.TableSectors, strings.NewReader(input))
	if !errors.IsType(err, errors.TypeSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
	if stats.Rows != 2 {
		t.Errorf("expected the 2 rows before the bad one to be flushed, got %d", stats.Rows)
	}
	if n := count(t, mem, types.TableSectors.Collection); n != 2 {
		t.Errorf("expected 2 documents, got %d", n)
	}
}

// TestLoaderAcceptsStrayQuotes checks quotes inside unquoted fields are kept
func TestLoaderAcceptsStrayQuotes(t *testing.T) {
	mem := db.NewMemory()
	seed(t, mem, types.TableSectors, "C1,ENTE \"PROVA\" SPA\nC2,\"quoted, field\"\n")

	tests := []struct {
		code        string
		description string
	}{
		{code: "C1", description: `ENTE "PROVA" SPA`},
		{code: "C2", description: "quoted, field"},
	}
	for _, tt := range tests {
		var row types.SectorRow
		if !findOne(t, mem, types.TableSectors.Collection, db.Filter{"COD_COMPARTO": tt.code}, &row) {
			t.Fatalf("expected %s loaded", tt.code)
		}
		if row.Description != tt.description {
			t.Errorf("expected %q, got %q", tt.description, row.Description)
		}
	}
}

// TestLoaderMissingFile checks the not-found error
func TestLoaderMissingFile(t *testing.T) {
	mem := db.NewMemory()
	_, err := NewLoader(mem, 10, nil, nil).LoadFile(context.Background(), types.TableSectors, filepath.Join(t.TempDir(), "missing.csv"))
	if !errors.IsType(err, errors.TypeNotFound) {
		t.Errorf("expected not found error, got %v", err)
	}
}
