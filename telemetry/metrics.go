package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink counts events and observes session durations.
type MetricsSink struct {
	events   *prometheus.CounterVec
	sessions prometheus.Histogram
}

// NewMetricsSink registers its collectors with reg.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	factory := promauto.With(reg)
	return &MetricsSink{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mxgate",
			Name:      "events_total",
			Help:      "Session events by type.",
		}, []string{"type"}),
		sessions: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mxgate",
			Name:      "session_duration_seconds",
			Help:      "Time from session start to session end.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 600},
		}),
	}
}

func (m *MetricsSink) Emit(ev Event) {
	m.events.WithLabelValues(ev.Type.String()).Inc()
	if ev.Type == EventSessionEnd {
		m.sessions.Observe(ev.Elapsed.Seconds())
	}
}

// RegisterInFlight exposes a listener's active session count as a gauge.
func RegisterInFlight(reg prometheus.Registerer, listenerID string, active func() int64) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   "mxgate",
		Name:        "sessions_in_flight",
		Help:        "Sessions currently holding a concurrency permit.",
		ConstLabels: prometheus.Labels{"listener": listenerID},
	}, func() float64 { return float64(active()) })
}
