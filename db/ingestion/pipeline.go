package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"siope-etl/core/types"
	"siope-etl/db"
	"siope-etl/internal/config"
	"siope-etl/internal/errors"
	"siope-etl/internal/logging"
	"siope-etl/internal/metrics"
)

// Sources locates the staged flat file of each table
type Sources interface {
	Locate(table types.Table) (string, error)
}

// Result is the outcome of one pipeline run
type Result struct {
	RunID    uuid.UUID
	Started  time.Time
	Finished time.Time
	Stages   []StageResult

	// Err combines the errors of every stage that ran
	Err error
}

// Duration returns the wall time of the run
func (r *Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Stage returns the result of the named stage, if it ran
func (r *Result) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// Pipeline sequences the load, denormalize and fold stages
type Pipeline struct {
	opener  db.Opener
	sources Sources
	cfg     config.PipelineConfig
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewPipeline creates a pipeline. sources may be nil when the load stage
// is not selected.
func NewPipeline(opener db.Opener, sources Sources, cfg config.PipelineConfig, log *zap.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		opener:  opener,
		sources: sources,
		cfg:     cfg,
		log:     logging.OrNop(log),
		metrics: m,
	}
}

// Run executes the selected stages in order. A stage with failed jobs stops
// the run unless ContinueOnError is set; the result is returned either way.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	result := &Result{RunID: uuid.New(), Started: time.Now()}
	log := p.log.With(zap.String("run_id", result.RunID.String()))

	if p.cfg.RunsStage(config.StageLoad) && p.sources == nil {
		result.Finished = time.Now()
		result.Err = errors.Config("load stage selected without a source locator")
		return result, result.Err
	}

	log.Info("Run started",
		zap.Strings("stages", p.cfg.Stages),
		zap.Int("partitions", p.cfg.Partitions),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Bool("resume", p.cfg.Resume),
	)

	runner := NewStageRunner(log, p.metrics)
	stages := []struct {
		name  string
		steps func() [][]Job
	}{
		{config.StageLoad, func() [][]Job { return p.loadSteps(log) }},
		{config.StageDenormalize, func() [][]Job { return p.denormalizeSteps(log) }},
		{config.StageFold, func() [][]Job { return p.foldSteps(log) }},
	}

	for _, stage := range stages {
		if !p.cfg.RunsStage(stage.name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			result.Err = multierr.Append(result.Err, err)
			break
		}

		sr := runner.Run(ctx, stage.name, stage.steps()...)
		result.Stages = append(result.Stages, sr)
		if sr.Err != nil {
			result.Err = multierr.Append(result.Err, sr.Err)
			if !p.cfg.ContinueOnError {
				log.Warn("Stopping after failed stage", zap.String("stage", stage.name))
				break
			}
		}
	}

	result.Finished = time.Now()
	log.Info("Run finished",
		zap.Time("started", result.Started),
		zap.Time("finished", result.Finished),
		zap.Duration("duration", result.Duration()),
		zap.Bool("success", result.Err == nil),
	)
	return result, result.Err
}

// loadSteps loads every table concurrently. A missing file fails only
// that table.
func (p *Pipeline) loadSteps(log *zap.Logger) [][]Job {
	loader := NewLoader(p.opener, p.cfg.BatchSize, log, p.metrics)

	var jobs []Job
	for _, table := range types.Tables() {
		table := table
		jobs = append(jobs, Job{
			Name: table.Name,
			Run: func(ctx context.Context) (interface{}, error) {
				path, err := p.sources.Locate(table)
				if err != nil {
					return LoadStats{Table: table.Name}, err
				}
				return loader.LoadFile(ctx, table, path)
			},
		})
	}
	return [][]Job{jobs}
}

// denormalizeSteps prepares the enriched collections, then builds entities,
// classifications and transactions in that order
func (p *Pipeline) denormalizeSteps(log *zap.Logger) [][]Job {
	prepare := Job{
		Name: "prepare",
		Run: func(ctx context.Context) (interface{}, error) {
			if !p.cfg.Resume {
				if err := p.drop(ctx, log, types.CollectionEntities, types.Income.TransactionsCollection, types.Outflow.TransactionsCollection); err != nil {
					return nil, err
				}
			}
			return nil, BuildReferenceIndexes(ctx, p.opener, log)
		},
	}

	entities := NewEntityDenormalizer(p.opener, p.cfg.BatchSize, p.cfg.ReferenceMiss, log, p.metrics)

	var codes, transactions []Job
	for _, flow := range types.Flows() {
		flow := flow
		codes = append(codes, Job{
			Name: "codgest_" + flow.Name,
			Run: func(ctx context.Context) (interface{}, error) {
				return CopyClassifications(ctx, p.opener, flow, p.cfg.BatchSize, log, p.metrics)
			},
		})

		d := NewTransactionDenormalizer(p.opener, flow, p.cfg.Partitions, p.cfg.BatchSize, log, p.metrics)
		transactions = append(transactions, Job{
			Name: flow.TransactionsCollection,
			Run: func(ctx context.Context) (interface{}, error) {
				return d.Run(ctx)
			},
		})
	}

	return [][]Job{
		{prepare},
		{{Name: types.CollectionEntities, Run: func(ctx context.Context) (interface{}, error) { return entities.Run(ctx) }}},
		codes,
		transactions,
	}
}

// foldSteps rebuilds both series collections concurrently
func (p *Pipeline) foldSteps(log *zap.Logger) [][]Job {
	var jobs []Job
	for _, flow := range types.Flows() {
		f := NewFolder(p.opener, flow, p.cfg.BatchSize, log, p.metrics)
		jobs = append(jobs, Job{
			Name: flow.SeriesCollection,
			Run: func(ctx context.Context) (interface{}, error) {
				return f.Rebuild(ctx)
			},
		})
	}
	return [][]Job{jobs}
}

func (p *Pipeline) drop(ctx context.Context, log *zap.Logger, collections ...string) error {
	store, err := p.opener.Open(ctx)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	for _, c := range collections {
		if err := store.Drop(ctx, c); err != nil {
			return err
		}
		log.Debug("Dropped collection", zap.String("collection", c))
	}
	return nil
}
