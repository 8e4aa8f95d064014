// Package metrics exposes pipeline progress as prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the pipeline collectors. A nil *Metrics is valid and
// records nothing, so components never need to check for it.
type Metrics struct {
	RowsLoaded       *prometheus.CounterVec
	DocumentsWritten *prometheus.CounterVec
	RecordsSkipped   *prometheus.CounterVec
	DuplicateKeys    *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siope",
			Name:      "rows_loaded_total",
			Help:      "Raw rows inserted into staging collections.",
		}, []string{"table"}),
		DocumentsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siope",
			Name:      "documents_written_total",
			Help:      "Documents inserted or upserted into derived collections.",
		}, []string{"collection"}),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siope",
			Name:      "records_skipped_total",
			Help:      "Records skipped during denormalization, by reason.",
		}, []string{"stage", "reason"}),
		DuplicateKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siope",
			Name:      "duplicate_keys_total",
			Help:      "Inserts rejected by a unique index.",
		}, []string{"collection"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "siope",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline job.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(m.RowsLoaded, m.DocumentsWritten, m.RecordsSkipped, m.DuplicateKeys, m.StageDuration)
	}
	return m
}

// Loaded counts n staging rows for table
func (m *Metrics) Loaded(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RowsLoaded.WithLabelValues(table).Add(float64(n))
}

// Written counts n documents written to collection
func (m *Metrics) Written(collection string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DocumentsWritten.WithLabelValues(collection).Add(float64(n))
}

// Skipped counts one record skipped by stage for reason
func (m *Metrics) Skipped(stage, reason string) {
	if m == nil {
		return
	}
	m.RecordsSkipped.WithLabelValues(stage, reason).Inc()
}

// Duplicates counts n unique-index rejections on collection
func (m *Metrics) Duplicates(collection string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DuplicateKeys.WithLabelValues(collection).Add(float64(n))
}

// Observe records how long stage took
func (m *Metrics) Observe(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Serve exposes gatherer on addr at /metrics until ctx is done
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
