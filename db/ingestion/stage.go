package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"siope-etl/internal/metrics"
)

// Job is one independent sub-job of a stage step
type Job struct {
	Name string
	Run  func(ctx context.Context) (interface{}, error)
}

// JobResult records the outcome of a job
type JobResult struct {
	Name     string
	Stats    interface{}
	Duration time.Duration
	Err      error
}

// StageResult records the outcome of a stage
type StageResult struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Jobs     []JobResult

	// Err combines every failed job
	Err error
}

// Failed returns the jobs that returned an error
func (r StageResult) Failed() []JobResult {
	var failed []JobResult
	for _, j := range r.Jobs {
		if j.Err != nil {
			failed = append(failed, j)
		}
	}
	return failed
}

// StageRunner runs a stage as a sequence of steps. Jobs within a step run
// concurrently and always to completion; a step starts only when the
// previous one finished without errors.
type StageRunner struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewStageRunner creates a runner
func NewStageRunner(log *zap.Logger, m *metrics.Metrics) *StageRunner {
	if log == nil {
		log = zap.NewNop()
	}
	return &StageRunner{log: log, metrics: m}
}

// Run executes steps in order and returns the stage result
func (s *StageRunner) Run(ctx context.Context, name string, steps ...[]Job) StageResult {
	result := StageResult{Name: name, Started: time.Now()}
	log := s.log.With(zap.String("stage", name))
	log.Info("Stage started")

	for i, step := range steps {
		jobs, err := s.runStep(ctx, name, step)
		result.Jobs = append(result.Jobs, jobs...)
		if err != nil {
			result.Err = err
			if remaining := len(steps) - i - 1; remaining > 0 {
				log.Warn("Skipping remaining steps", zap.Int("steps", remaining), zap.Error(err))
			}
			break
		}
	}

	result.Duration = time.Since(result.Started)
	s.metrics.Observe(name, result.Duration)

	if result.Err != nil {
		log.Error("Stage failed",
			zap.Duration("duration", result.Duration),
			zap.Int("failed_jobs", len(result.Failed())),
			zap.Error(result.Err))
	} else {
		log.Info("Stage finished", zap.Duration("duration", result.Duration), zap.Int("jobs", len(result.Jobs)))
	}
	return result
}

// runStep runs every job of a step concurrently and waits for all of them
func (s *StageRunner) runStep(ctx context.Context, stage string, step []Job) ([]JobResult, error) {
	results := make([]JobResult, len(step))

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for i, job := range step {
		g.Go(func() error {
			start := time.Now()
			stats, err := job.Run(ctx)
			if err != nil {
				err = fmt.Errorf("%s: %w", job.Name, err)
			}

			results[i] = JobResult{Name: job.Name, Stats: stats, Duration: time.Since(start), Err: err}
			s.metrics.Observe(stage+"/"+job.Name, results[i].Duration)

			if err != nil {
				s.log.Error("Job failed", zap.String("stage", stage), zap.String("job", job.Name), zap.Error(err))
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			} else {
				s.log.Debug("Job finished", zap.String("stage", stage), zap.String("job", job.Name),
					zap.Duration("duration", results[i].Duration))
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, errs
}
