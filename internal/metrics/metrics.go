// Package metrics exposes Prometheus counters and histograms for the
// engine's own operation: iteration throughput, stage duration, agent
// failures, and lock contention. Grounded on
// coreengine/observability/metrics.go (Jeeves), generalized from
// pipeline/agent/LLM/gRPC metric families to the engine's own iteration
// and stage vocabulary. Off by default — recording these never affects
// a state transition, only what a scrape sees.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	iterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpipe_iterations_total",
			Help: "Total number of agent iterations run, by stage and outcome",
		},
		[]string{"stage", "outcome"}, // outcome: completed, exit_code, missing_status, invalid_status
	)

	iterationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentpipe_iteration_duration_seconds",
			Help:    "Duration of a single agent iteration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"stage"},
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentpipe_stage_duration_seconds",
			Help:    "Duration of an entire stage (all iterations) in seconds",
			Buckets: []float64{5, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"stage", "termination_reason"},
	)

	agentFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpipe_agent_failures_total",
			Help: "Total agent subprocess failures, by provider and error type",
		},
		[]string{"provider", "error_type"},
	)

	lockConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpipe_lock_conflicts_total",
			Help: "Total session-lock acquisition attempts that found a live holder",
		},
		[]string{"session"},
	)
)

// RecordIteration records one completed iteration's outcome and duration.
func RecordIteration(stage, outcome string, duration time.Duration) {
	iterationsTotal.WithLabelValues(stage, outcome).Inc()
	iterationDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStage records a stage's total wall-clock duration and the reason
// its termination strategy stopped it (or "max_iterations"/"failed").
func RecordStage(stage, terminationReason string, duration time.Duration) {
	stageDurationSeconds.WithLabelValues(stage, terminationReason).Observe(duration.Seconds())
}

// RecordAgentFailure records a provider subprocess failure by its error
// taxonomy type (exit_code, timeout, missing_status, invalid_status).
func RecordAgentFailure(provider, errorType string) {
	agentFailuresTotal.WithLabelValues(provider, errorType).Inc()
}

// RecordLockConflict records a session-lock acquisition that found a live
// holder and had to fail or wait.
func RecordLockConflict(session string) {
	lockConflictsTotal.WithLabelValues(session).Inc()
}

// Server serves the default registry's /metrics endpoint. It is only
// constructed when --metrics-addr is passed; a nil *Server is always safe
// to call Shutdown on.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a metrics HTTP server bound to addr, not yet listening.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Start begins serving in the background. The returned error channel
// receives at most one error (nil on a clean Shutdown).
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: serve %s: %w", s.httpServer.Addr, err)
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
