// Package metrics holds the Prometheus metrics of the session-lease daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "session_lease"

// Metrics holds all Prometheus metrics for session-lease.
// Pass to components that need to record metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RenewalsTotal    *prometheus.CounterVec
	RenewalDuration  prometheus.Histogram
	GateDenials      prometheus.Counter
	TickFailures     prometheus.Counter
	MirrorErrors     *prometheus.CounterVec
	State            *prometheus.GaugeVec
	RemainingSeconds prometheus.Gauge
	ForcedLogouts    prometheus.Counter
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RenewalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "renewals_total",
				Help:      "Total lease renewal attempts",
			},
			[]string{"result"}, // result=success/rejected/network
		),
		RenewalDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "renewal_duration_seconds",
				Help:      "Duration of renewal requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		GateDenials: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_denials_total",
				Help:      "Renewal attempts skipped because another attempt was in flight or cooling down",
			},
		),
		TickFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tick_failures_total",
				Help:      "Coordinator ticks that failed and were skipped",
			},
		),
		MirrorErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mirror_errors_total",
				Help:      "Failed expiry store mirror operations",
			},
			[]string{"mirror", "op"}, // op=load/save/clear
		),
		State: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state",
				Help:      "Current coordinator state (1 for the active state label)",
			},
			[]string{"state"},
		),
		RemainingSeconds: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "remaining_seconds",
				Help:      "Seconds left on the current lease",
			},
		),
		ForcedLogouts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forced_logouts_total",
				Help:      "Sessions ended by expiry or failed renewal",
			},
		),
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests served",
			},
			[]string{"path", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}
}

// ObserveRenewal records the outcome and duration of one renewal attempt.
func (m *Metrics) ObserveRenewal(result string, seconds float64) {
	if m == nil {
		return
	}
	m.RenewalsTotal.WithLabelValues(result).Inc()
	m.RenewalDuration.Observe(seconds)
}

// GateDenied records a renewal skipped by the gate.
func (m *Metrics) GateDenied() {
	if m == nil {
		return
	}
	m.GateDenials.Inc()
}

// TickFailed records a skipped coordinator tick.
func (m *Metrics) TickFailed() {
	if m == nil {
		return
	}
	m.TickFailures.Inc()
}

// MirrorFailed records a failed mirror operation.
func (m *Metrics) MirrorFailed(mirror, op string) {
	if m == nil {
		return
	}
	m.MirrorErrors.WithLabelValues(mirror, op).Inc()
}

// SetState marks state as the current coordinator state.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

// SetRemaining publishes the seconds left on the lease.
func (m *Metrics) SetRemaining(seconds float64) {
	if m == nil {
		return
	}
	if seconds < 0 {
		seconds = 0
	}
	m.RemainingSeconds.Set(seconds)
}

// LoggedOut records a forced logout.
func (m *Metrics) LoggedOut() {
	if m == nil {
		return
	}
	m.ForcedLogouts.Inc()
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(path, status).Inc()
	m.RequestDuration.WithLabelValues(path).Observe(seconds)
}
