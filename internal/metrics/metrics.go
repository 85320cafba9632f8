// Package metrics exposes Prometheus counters for differential test runs.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional metrics sink without branching.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gpudiff"

// Metrics holds the collectors of one run.
type Metrics struct {
	registry *prometheus.Registry

	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	divergences *prometheus.CounterVec
	batches     prometheus.Counter
	generated   prometheus.Counter
	reductions  *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "harness_runs_total",
			Help:      "Harness runs by backend and outcome",
		}, []string{"backend", "outcome"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "harness_run_duration_seconds",
			Help:      "Harness run wall time in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"backend"}),
		divergences: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "divergences_total",
			Help:      "Retained divergent test cases by severity",
		}, []string{"severity"}),
		batches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Processed batches",
		}),
		generated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "programs_generated_total",
			Help:      "Test programs produced by the generator",
		}),
		reductions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reductions_total",
			Help:      "Reducer invocations by result",
		}, []string{"result"}),
	}
}

// ObserveRun records one harness run.
func (m *Metrics) ObserveRun(backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(backend, outcome).Inc()
	m.runDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// Divergence counts one retained divergent case.
func (m *Metrics) Divergence(severity string) {
	if m == nil {
		return
	}
	m.divergences.WithLabelValues(severity).Inc()
}

// Batch counts one processed batch.
func (m *Metrics) Batch() {
	if m == nil {
		return
	}
	m.batches.Inc()
}

// Generated counts n generated programs.
func (m *Metrics) Generated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.generated.Add(float64(n))
}

// Reduction counts one reducer outcome.
func (m *Metrics) Reduction(result string) {
	if m == nil {
		return
	}
	m.reductions.WithLabelValues(result).Inc()
}

// Registry returns the underlying registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes Handler on addr under /metrics until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
