package supervisor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports supervisor activity to Prometheus. A nil *Metrics is a no-op.
type Metrics struct {
	transitions  *prometheus.CounterVec
	up           *prometheus.GaugeVec
	spawns       *prometheus.CounterVec
	crashes      *prometheus.CounterVec
	restarts     *prometheus.CounterVec
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	pending      *prometheus.GaugeVec
	protocolErrs *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates collectors registered on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "plughost"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "server_state_transitions_total",
		Help:      "Total number of plugin server status transitions",
	}, []string{"plugin", "from_state", "to_state"})

	m.up = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_up",
		Help:      "1 when the plugin server is running",
	}, []string{"plugin"})

	m.spawns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "server_spawns_total",
		Help:      "Total number of plugin processes spawned",
	}, []string{"plugin"})

	m.crashes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "server_crashes_total",
		Help:      "Total number of abnormal plugin process exits",
	}, []string{"plugin"})

	m.restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "server_restarts_total",
		Help:      "Total number of automatic restarts scheduled",
	}, []string{"plugin"})

	m.calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Total number of plugin calls by outcome",
	}, []string{"plugin", "method", "outcome"})

	m.callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Duration of plugin calls",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"plugin", "method"})

	m.pending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_calls",
		Help:      "Calls awaiting a response",
	}, []string{"plugin"})

	m.protocolErrs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "Stdout lines dropped because they were malformed or oversized",
	}, []string{"plugin"})

	m.registry.MustRegister(
		m.transitions,
		m.up,
		m.spawns,
		m.crashes,
		m.restarts,
		m.calls,
		m.callDuration,
		m.pending,
		m.protocolErrs,
	)
	return m
}

// Registry returns the Prometheus registry for HTTP handler setup.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) transition(plugin string, from, to Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(plugin, string(from), string(to)).Inc()
	up := 0.0
	if to == StatusRunning {
		up = 1
	}
	m.up.WithLabelValues(plugin).Set(up)
}

func (m *Metrics) spawned(plugin string) {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(plugin).Inc()
}

func (m *Metrics) crashed(plugin string) {
	if m == nil {
		return
	}
	m.crashes.WithLabelValues(plugin).Inc()
}

func (m *Metrics) restartScheduled(plugin string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(plugin).Inc()
}

func (m *Metrics) callFinished(plugin, method string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(plugin, method, outcomeLabel(err)).Inc()
	m.callDuration.WithLabelValues(plugin, method).Observe(time.Since(started).Seconds())
}

func (m *Metrics) pendingCalls(plugin string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(plugin).Set(float64(n))
}

func (m *Metrics) protocolError(plugin string) {
	if m == nil {
		return
	}
	m.protocolErrs.WithLabelValues(plugin).Inc()
}

func outcomeLabel(err error) string {
	if kind := ErrorKind(err); kind != "" {
		return kind
	}
	return "ok"
}
