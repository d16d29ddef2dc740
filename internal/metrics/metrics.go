package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry        prometheus.Registerer
	deliveriesTotal *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	mentionsTotal   *prometheus.CounterVec
	activeUnits     prometheus.Gauge
	tasks           *prometheus.GaugeVec
}

// New registers the scheduler metrics on reg. A nil reg uses the default
// registerer; tests pass a fresh prometheus.NewRegistry().
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registry: reg,
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		deliveryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Duration of delivery attempts",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		mentionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mentions_total",
				Help:      "Member mention messages by outcome",
			},
			[]string{"outcome"},
		),
		activeUnits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_units_active",
				Help:      "Number of live scheduler units",
			},
		),
		tasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks",
				Help:      "Registered tasks by status",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.deliveriesTotal,
		m.deliveryLatency,
		m.mentionsTotal,
		m.activeUnits,
		m.tasks,
	)
	return m
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) ObserveDelivery(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(outcome(ok)).Inc()
	m.deliveryLatency.WithLabelValues(outcome(ok)).Observe(took.Seconds())
}

func (m *Metrics) ObserveMention(ok bool) {
	if m == nil {
		return
	}
	m.mentionsTotal.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) UnitStarted() {
	if m == nil {
		return
	}
	m.activeUnits.Inc()
}

func (m *Metrics) UnitStopped() {
	if m == nil {
		return
	}
	m.activeUnits.Dec()
}

// SetTaskCounts overwrites the per-status task gauge.
func (m *Metrics) SetTaskCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.tasks.Reset()
	for status, n := range counts {
		m.tasks.WithLabelValues(status).Set(float64(n))
	}
}
