package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"i4.energy/across/simhub/modem"
)

// Metrics are the Prometheus collectors of a Coordinator. A nil *Metrics
// records nothing.
type Metrics struct {
	modems     *prometheus.GaugeVec
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	events     *prometheus.CounterVec
	dropped    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		modems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "simhub",
			Name:      "modems",
			Help:      "Number of modems in the registry by connection state.",
		}, []string{"state"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simhub",
			Name:      "operations_total",
			Help:      "Modem operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "simhub",
			Name:      "operation_duration_seconds",
			Help:      "Duration of modem operations.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simhub",
			Name:      "events_total",
			Help:      "Events emitted to subscribers by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simhub",
			Name:      "events_dropped_total",
			Help:      "Events not delivered because a subscriber was full.",
		}),
	}
	reg.MustRegister(m.modems, m.operations, m.duration, m.events, m.dropped)
	return m
}

func (m *Metrics) observe(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = modem.KindOf(err).String()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) setStates(counts map[State]int) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		m.modems.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (m *Metrics) emitted(kind EventKind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) droppedEvent() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
