package reminder

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the reminder collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Scheduled        *prometheus.CounterVec
	Fired            *prometheus.CounterVec
	Cancelled        *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	SweepErrors      prometheus.Counter
	EphemeralPending prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remindbot",
			Name:      "reminders_scheduled_total",
			Help:      "Reminders scheduled, by tier.",
		}, []string{"tier"}),
		Fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remindbot",
			Name:      "reminders_fired_total",
			Help:      "Reminders fired, by tier and delivery outcome.",
		}, []string{"tier", "outcome"}),
		Cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remindbot",
			Name:      "reminders_cancelled_total",
			Help:      "Reminders cancelled by their owner, by tier.",
		}, []string{"tier"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "remindbot",
			Name:      "sweep_duration_seconds",
			Help:      "Time spent in one durable sweep, delivery included.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remindbot",
			Name:      "sweep_errors_total",
			Help:      "Sweeps that failed to query the store.",
		}),
		EphemeralPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "remindbot",
			Name:      "ephemeral_pending",
			Help:      "Ephemeral reminders currently armed in memory.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Scheduled, m.Fired, m.Cancelled, m.SweepDuration, m.SweepErrors, m.EphemeralPending)
	}
	return m
}

func (m *Metrics) scheduled(t Tier) {
	if m != nil {
		m.Scheduled.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) fired(t Tier, o Outcome) {
	if m != nil {
		m.Fired.WithLabelValues(t.String(), o.String()).Inc()
	}
}

func (m *Metrics) cancelled(t Tier) {
	if m != nil {
		m.Cancelled.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) sweep(seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(seconds)
	if failed {
		m.SweepErrors.Inc()
	}
}

func (m *Metrics) pending(n int) {
	if m != nil {
		m.EphemeralPending.Set(float64(n))
	}
}
