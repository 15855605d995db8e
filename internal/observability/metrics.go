package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's prometheus collectors. Components receive a
// *Metrics at construction; a nil receiver disables recording so tests can
// pass nil without wiring a registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	syncCycles      *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	samplesUploaded prometheus.Counter
	eventsUploaded  *prometheus.CounterVec
	eventsPending   *prometheus.GaugeVec
	settingsChanged prometheus.Counter
	commands        *prometheus.CounterVec
}

// NewMetrics builds and registers the collectors against reg. A nil reg
// falls back to the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	gatherer := prometheus.Gatherer(prometheus.DefaultGatherer)
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	m := &Metrics{
		gatherer: gatherer,
		syncCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dataplicity",
				Subsystem: "sync",
				Name:      "cycles_total",
				Help:      "Reconciliation cycles by outcome.",
			},
			[]string{"outcome"},
		),
		syncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "dataplicity",
				Subsystem: "sync",
				Name:      "cycle_duration_seconds",
				Help:      "Reconciliation cycle duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		samplesUploaded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dataplicity",
				Subsystem: "sync",
				Name:      "snapshots_uploaded_total",
				Help:      "Sampler snapshots confirmed delivered.",
			},
		),
		eventsUploaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dataplicity",
				Subsystem: "timeline",
				Name:      "events_uploaded_total",
				Help:      "Timeline events confirmed delivered.",
			},
			[]string{"timeline"},
		),
		eventsPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dataplicity",
				Subsystem: "timeline",
				Name:      "events_pending",
				Help:      "Events awaiting delivery per timeline.",
			},
			[]string{"timeline"},
		),
		settingsChanged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "dataplicity",
				Subsystem: "sync",
				Name:      "settings_changed_total",
				Help:      "Settings updated from the remote authority.",
			},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dataplicity",
				Subsystem: "daemon",
				Name:      "commands_total",
				Help:      "Local control commands by verb.",
			},
			[]string{"verb"},
		),
	}
	reg.MustRegister(
		m.syncCycles,
		m.syncDuration,
		m.samplesUploaded,
		m.eventsUploaded,
		m.eventsPending,
		m.settingsChanged,
		m.commands,
	)
	return m
}

// Handler serves the registered collectors in exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordCycle(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.syncCycles.WithLabelValues(outcome).Inc()
	m.syncDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordSnapshotUploaded() {
	if m == nil {
		return
	}
	m.samplesUploaded.Inc()
}

func (m *Metrics) RecordEventsUploaded(timeline string, count int) {
	if m == nil {
		return
	}
	m.eventsUploaded.WithLabelValues(timeline).Add(float64(count))
}

func (m *Metrics) SetEventsPending(timeline string, count int) {
	if m == nil {
		return
	}
	m.eventsPending.WithLabelValues(timeline).Set(float64(count))
}

func (m *Metrics) RecordSettingsChanged(count int) {
	if m == nil {
		return
	}
	m.settingsChanged.Add(float64(count))
}

func (m *Metrics) RecordCommand(verb string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(verb).Inc()
}
