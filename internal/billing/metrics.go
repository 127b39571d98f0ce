package billing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the billing-side operational counters. All methods
// are safe on a nil receiver so code paths that do not care about
// metrics (the CLI, most tests) can pass nil.
type Metrics struct {
	admissions     prometheus.Counter
	settlements    *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	debitedUnits   prometheus.Counter
	settleDuration prometheus.Histogram
}

// NewMetrics registers the billing metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kepler_work_admissions_total",
			Help: "Work records admitted for processing.",
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kepler_work_settlements_total",
			Help: "Work records settled, by terminal status.",
		}, []string{"status"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kepler_authorization_rejections_total",
			Help: "Requests rejected before admission, by reason.",
		}, []string{"reason"}),
		debitedUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kepler_debited_units_total",
			Help: "Total amount debited, in fixed-point units.",
		}),
		settleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kepler_settlement_duration_seconds",
			Help:    "Time from admission to settlement, engine run included.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
	reg.MustRegister(m.admissions, m.settlements, m.rejections, m.debitedUnits, m.settleDuration)
	return m
}

func (m *Metrics) Admitted() {
	if m != nil {
		m.admissions.Inc()
	}
}

func (m *Metrics) Settled(status WorkStatus, elapsed time.Duration) {
	if m != nil {
		m.settlements.WithLabelValues(string(status)).Inc()
		m.settleDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Debited(cost Amount) {
	if m != nil {
		m.debitedUnits.Add(float64(cost))
	}
}
