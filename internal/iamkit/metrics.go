package iamkit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricSignUpSuccess        = "auth.sign_up.success"
	metricSignUpConflict       = "auth.sign_up.conflict"
	metricSignInSuccess        = "auth.sign_in.success"
	metricSignInFailure        = "auth.sign_in.failure"
	metricRefreshSuccess       = "auth.refresh.success"
	metricRefreshFailure       = "auth.refresh.failure"
	metricRefreshReuseDetected = "auth.refresh.reuse_detected"
	metricSignOut              = "auth.sign_out"
	metricAuthenticationDenied = "auth.guard.unauthenticated"
	metricAuthorizationDenied  = "auth.guard.forbidden"
	metricPolicyHandlerMissing = "auth.guard.policy_handler_missing"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// PrometheusMetrics exports auth events as a labelled counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the iam_auth_events_total counter with registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_auth_events_total",
		Help: "Authentication and authorization events by outcome.",
	}, []string{"event"})
	if err := registerer.Register(events); err != nil {
		return nil, err
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}
