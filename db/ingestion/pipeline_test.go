package ingestion

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"siope-etl/core/types"
	"siope-etl/db"
	"siope-etl/internal/config"
	"siope-etl/internal/metrics"
)

func pipelineConfig() config.PipelineConfig {
	cfg := config.Default().Pipeline
	cfg.BatchSize = 2
	return cfg
}

// TestPipelineEndToEnd runs every stage on the memory store
func TestPipelineEndToEnd(t *testing.T) {
	mem := db.NewMemory()
	m := metrics.New(prometheus.NewRegistry())

	result, err := NewPipeline(mem, writeSources(t), pipelineConfig(), nil, m).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(result.Stages))
	}
	if result.Duration() < 0 || result.RunID.String() == "" {
		t.Errorf("unexpected run identity %+v", result)
	}

	expected := map[string]int64{
		types.CollectionEntities:             1,
		types.Income.CodesCollection:         1,
		types.Outflow.CodesCollection:        1,
		types.Income.TransactionsCollection:  1,
		types.Outflow.TransactionsCollection: 1,
		types.Income.SeriesCollection:        1,
		types.Outflow.SeriesCollection:       1,
		types.TableOutflow.Collection:        2,
	}
	for collection, n := range expected {
		if got := count(t, mem, collection); got != n {
			t.Errorf("%s: expected %d documents, got %d", collection, n, got)
		}
	}

	if mem.OpenHandles() != 0 {
		t.Errorf("expected all handles closed, got %d", mem.OpenHandles())
	}
	if got := testutil.ToFloat64(m.RecordsSkipped.WithLabelValues("transactions", "missing_classification")); got != 1 {
		t.Errorf("expected 1 skipped classification, got %v", got)
	}

	denormalize, ok := result.Stage(config.StageDenormalize)
	if !ok {
		t.Fatal("expected denormalize stage result")
	}
	for _, j := range denormalize.Jobs {
		if j.Name != types.Outflow.TransactionsCollection {
			continue
		}
		stats := j.Stats.(TransactionStats)
		if stats.Written != 1 || stats.SkippedMissingClassification != 1 {
			t.Errorf("unexpected outflow stats %+v", stats)
		}
	}
}

// TestPipelineRerunWithoutResumeRebuilds checks a second full run yields
// the same collections
func TestPipelineRerunWithoutResumeRebuilds(t *testing.T) {
	mem := db.NewMemory()
	sources := writeSources(t)
	p := NewPipeline(mem, sources, pipelineConfig(), nil, nil)

	for i := 0; i < 2; i++ {
		if _, err := p.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	var doc types.SeriesDocument
	if !findOne(t, mem, types.Outflow.SeriesCollection, db.Filter{"_id": "2016/3/E001"}, &doc) {
		t.Fatal("expected series document")
	}
	if len(doc.Items) != 1 {
		t.Errorf("expected 1 line item after rerun, got %d", len(doc.Items))
	}
}

// TestPipelineResumeKeepsTransactions checks the denormalize stage skips
// existing keys when resumed
func TestPipelineResumeKeepsTransactions(t *testing.T) {
	mem := db.NewMemory()
	sources := writeSources(t)

	if _, err := NewPipeline(mem, sources, pipelineConfig(), nil, nil).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	cfg := pipelineConfig()
	cfg.Resume = true
	cfg.Stages = []string{config.StageDenormalize}
	result, err := NewPipeline(mem, nil, cfg, nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	stage, _ := result.Stage(config.StageDenormalize)
	for _, j := range stage.Jobs {
		switch stats := j.Stats.(type) {
		case TransactionStats:
			if stats.Written != 0 || stats.SkippedExisting != 1 {
				t.Errorf("%s: expected existing key skipped, got %+v", j.Name, stats)
			}
		case EntityStats:
			if stats.Written != 0 || stats.SkippedExisting != 1 {
				t.Errorf("expected existing entity skipped, got %+v", stats)
			}
		}
	}
}

// TestPipelineMissingSourceFailsOnlyThatTable checks best-effort loading
// and that later stages stop unless ContinueOnError is set
func TestPipelineMissingSourceFailsOnlyThatTable(t *testing.T) {
	tests := []struct {
		name            string
		continueOnError bool
		stages          int
	}{
		{name: "stop", continueOnError: false, stages: 1},
		{name: "continue", continueOnError: true, stages: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := db.NewMemory()
			cfg := pipelineConfig()
			cfg.ContinueOnError = tt.continueOnError

			result, err := NewPipeline(mem, writeSources(t, types.TableIncome.Name), cfg, nil, nil).Run(context.Background())
			if err == nil {
				t.Fatal("expected error for missing income file")
			}
			if len(result.Stages) != tt.stages {
				t.Errorf("expected %d stages to run, got %d", tt.stages, len(result.Stages))
			}

			load, _ := result.Stage(config.StageLoad)
			if failed := load.Failed(); len(failed) != 1 || failed[0].Name != types.TableIncome.Name {
				t.Errorf("expected only %s to fail, got %+v", types.TableIncome.Name, failed)
			}
			if got := count(t, mem, types.TableOutflow.Collection); got != 2 {
				t.Errorf("expected sibling tables loaded, got %d outflow rows", got)
			}
		})
	}
}

// TestPipelineRequiresSourcesForLoad checks the configuration guard
func TestPipelineRequiresSourcesForLoad(t *testing.T) {
	_, err := NewPipeline(db.NewMemory(), nil, pipelineConfig(), nil, nil).Run(context.Background())
	if err == nil {
		t.Error("expected error without sources")
	}
}
