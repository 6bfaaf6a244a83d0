// Package metrics exposes daemon counters and gauges in Prometheus format.
// All methods are safe to call on a nil *Metrics so that components can be
// built in tests without a registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voxd"

// Metrics owns a private registry and every collector the daemon updates.
type Metrics struct {
	registry *prometheus.Registry

	recognitions  *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	errors        *prometheus.CounterVec
	backendState  *prometheus.GaugeVec
	handles       *prometheus.GaugeVec
	checkStatus   *prometheus.GaugeVec
	remediations  *prometheus.CounterVec
	daemonState   *prometheus.GaugeVec
	queueRejected prometheus.Counter
	residentBytes prometheus.Gauge
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		recognitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognitions_total",
			Help:      "Recognition attempts by backend and outcome.",
		}, []string{"backend", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recognition_seconds",
			Help:      "Latency of successful recognitions.",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10, 30},
		}, []string{"backend"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Classified failures by category and decided action.",
		}, []string{"category", "action"}),
		backendState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_state",
			Help:      "1 for the current state of each backend, 0 otherwise.",
		}, []string{"backend", "state"}),
		handles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_handles",
			Help:      "Registered resource handles by kind.",
		}, []string{"kind"}),
		checkStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_check_status",
			Help:      "Last status per check: 0 healthy, 1 warning, 2 critical, 3 error.",
		}, []string{"check"}),
		remediations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Remediation actions dispatched per check.",
		}, []string{"check"}),
		daemonState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daemon_state",
			Help:      "1 for the current lifecycle state, 0 otherwise.",
		}, []string{"state"}),
		queueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Requests rejected because the recognition queue was full.",
		}),
		residentBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resident_memory_sampled_bytes",
			Help:      "Resident memory as last sampled by the resource manager.",
		}),
	}
	reg.MustRegister(
		m.recognitions, m.latency, m.errors, m.backendState, m.handles,
		m.checkStatus, m.remediations, m.daemonState, m.queueRejected, m.residentBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry (used by tests and Serve).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ObserveRecognition counts one attempt; latency is recorded for successes.
func (m *Metrics) ObserveRecognition(backend, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.recognitions.WithLabelValues(backend, outcome).Inc()
	if outcome == "success" {
		m.latency.WithLabelValues(backend).Observe(latency.Seconds())
	}
}

func (m *Metrics) ObserveError(category, action string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(category, action).Inc()
}

// SetBackendState flips the state gauge of backend to state.
func (m *Metrics) SetBackendState(backend, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.backendState.WithLabelValues(backend, s).Set(v)
	}
}

func (m *Metrics) SetHandles(kind string, n int) {
	if m == nil {
		return
	}
	m.handles.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) SetCheckStatus(check string, level int) {
	if m == nil {
		return
	}
	m.checkStatus.WithLabelValues(check).Set(float64(level))
}

func (m *Metrics) IncRemediation(check string) {
	if m == nil {
		return
	}
	m.remediations.WithLabelValues(check).Inc()
}

// SetDaemonState flips the lifecycle gauge to state.
func (m *Metrics) SetDaemonState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.daemonState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) IncQueueRejected() {
	if m == nil {
		return
	}
	m.queueRejected.Inc()
}

func (m *Metrics) SetResidentBytes(n uint64) {
	if m == nil {
		return
	}
	m.residentBytes.Set(float64(n))
}
