// Package metrics instruments the runner's perceive-reason-act loop for Prometheus scraping:
// scenes processed, compaction invocations, retry counts, and LLM call latency.
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

// Recorder exposes the counters and histograms the runner updates as it works. It wraps its
// own registry rather than using prometheus.DefaultRegisterer so that constructing more than
// one (e.g. in tests) never panics on duplicate registration.
type Recorder struct {
	registry *prometheus.Registry

	ScenesProcessed  *prometheus.CounterVec
	Compactions      *prometheus.CounterVec
	RetriesAttempted *prometheus.CounterVec
	LLMCallSeconds   *prometheus.HistogramVec
	CuratorDecisions *prometheus.CounterVec
}

// NewRecorder builds a Recorder with all series registered against a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		ScenesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "annotator_scenes_processed_total",
			Help: "Scenes the runner has finished processing, by thread boundary status.",
		}, []string{"thread_end"}),
		Compactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "annotator_compactions_total",
			Help: "Context compaction invocations, by trigger reason.",
		}, []string{"reason"}),
		RetriesAttempted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "annotator_llm_retries_total",
			Help: "LLM call retry attempts, by resulting error classification.",
		}, []string{"error_type"}),
		LLMCallSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "annotator_llm_call_seconds",
			Help:    "Latency of LLM chat-completion calls.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"outcome"}),
		CuratorDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "annotator_curator_decisions_total",
			Help: "Curator decisions applied to tentative glossary entries, by action.",
		}, []string{"action"}),
	}
}

// ObserveLLMCall times fn and records both its latency and outcome (success/error).
func (r *Recorder) ObserveLLMCall(fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.LLMCallSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return err
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Server runs an HTTP listener exposing the recorder's /metrics endpoint until the context is
// canceled or Serve returns. A zero addr disables the server entirely (ServeContext is a no-op).
type Server struct {
	addr     string
	recorder *Recorder
}

// NewServer wires a Server for the given listen address (e.g. ":9090"). An empty addr disables
// scraping; ServeContext returns nil immediately in that case.
func NewServer(addr string, recorder *Recorder) *Server {
	return &Server{addr: addr, recorder: recorder}
}

// ServeContext starts the metrics HTTP server and blocks until ctx is canceled, at which point
// it shuts down gracefully. Returns nil on a clean shutdown.
func (s *Server) ServeContext(ctx context.Context) error {
	if s.addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.recorder.Handler())
	srv := &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Addr reports the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}
