// Package metrics exposes the limiter's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "rate_limiter"

	// OtherResource is the label for resources outside the known set.
	OtherResource = "other"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	decisions     *prometheus.CounterVec
	backendErrors *prometheus.CounterVec
	latency       *prometheus.HistogramVec

	resources map[string]struct{}
}

type Option func(*Metrics)

// WithResources sets the resources that get their own label value. Any
// other resource is counted as OtherResource.
func WithResources(resources ...string) Option {
	return func(m *Metrics) {
		for _, r := range resources {
			m.resources[r] = struct{}{}
		}
	}
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, opts ...Option) *Metrics {
	m := &Metrics{
		resources: map[string]struct{}{},
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Number of admission decisions by resource and outcome.",
		}, []string{"resource", "decision"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Number of failed calls to the window store by operation.",
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_seconds",
			Help:      "Latency of calls to the window store by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"op"}),
	}
	for _, opt := range opts {
		opt(m)
	}
	reg.MustRegister(m.decisions, m.backendErrors, m.latency)
	return m
}

func (m *Metrics) ObserveDecision(resource string, allowed bool) {
	if m == nil {
		return
	}
	if _, ok := m.resources[resource]; !ok {
		resource = OtherResource
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.decisions.WithLabelValues(resource, decision).Inc()
}

// ObserveCall records the latency of one store call and counts it as an
// error when err is non-nil.
func (m *Metrics) ObserveCall(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.backendErrors.WithLabelValues(op).Inc()
	}
}
