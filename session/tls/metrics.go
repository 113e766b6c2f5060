package tls

import (
	"pvd-tls/network/pvd"
	"pvd-tls/session/tls/engine"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	roleClient = "client"
	roleServer = "server"
)

// Metrics holds Prometheus metrics for session setup.
// A nil *Metrics records nothing.
type Metrics struct {
	handshakesTotal   *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	handshakeWaits    *prometheus.CounterVec
	dialsTotal        *prometheus.CounterVec
	pvdBindsTotal     *prometheus.CounterVec

	registry *prometheus.Registry
}

type MetricsOption func(*Metrics)

// WithRegistry registers the metrics with registry instead of a new one.
func WithRegistry(registry *prometheus.Registry) MetricsOption {
	return func(m *Metrics) {
		m.registry = registry
	}
}

func NewMetrics(namespace string, opts ...MetricsOption) *Metrics {
	if namespace == "" {
		namespace = "pvdtls"
	}

	m := &Metrics{}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	m.handshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshakes_total",
			Help:      "Total number of TLS handshakes by role and result",
		},
		[]string{"role", "result"},
	)

	m.handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshake_duration_seconds",
			Help:      "TLS handshake duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"role"},
	)

	m.handshakeWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshake_waits_total",
			Help:      "Total number of readiness waits during TLS handshakes by interest",
		},
		[]string{"interest"},
	)

	m.dialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "dials_total",
			Help:      "Total number of candidate address dials by result",
		},
		[]string{"result"},
	)

	m.pvdBindsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pvd",
			Name:      "binds_total",
			Help:      "Total number of process PvD binds by result",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(
		m.handshakesTotal,
		m.handshakeDuration,
		m.handshakeWaits,
		m.dialsTotal,
		m.pvdBindsTotal,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) recordHandshake(role string, err error, duration time.Duration) {
	if m == nil {
		return
	}

	result := "established"
	if err != nil {
		result = KindProtocol.String()
		if hsErr, ok := err.(*HandshakeError); ok {
			result = hsErr.Kind.String()
		}
	}

	m.handshakesTotal.WithLabelValues(role, result).Inc()
	m.handshakeDuration.WithLabelValues(role).Observe(duration.Seconds())
}

func (m *Metrics) recordWait(interest engine.Status) {
	if m == nil {
		return
	}
	m.handshakeWaits.WithLabelValues(interest.String()).Inc()
}

func (m *Metrics) recordDial(err error) {
	if m == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "failure"
	}
	m.dialsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) recordBind(result pvd.BindResult) {
	if m == nil {
		return
	}
	m.pvdBindsTotal.WithLabelValues(result.String()).Inc()
}
