// Package metrics exposes relay counters and gauges in Prometheus format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/servermint/relay/internal/events"
	"github.com/servermint/relay/internal/relay"
)

const namespace = "relay"

// StatsSource provides live relay counts, read at scrape time.
type StatsSource interface {
	Stats() relay.Stats
}

// Metrics holds the relay's Prometheus collectors on a private registry.
// It implements events.Sink.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal          *prometheus.CounterVec
	FramesForwardedTotal *prometheus.CounterVec
	FramesRejectedTotal  *prometheus.CounterVec
	RecipientsTotal      prometheus.Counter
}

// New registers relay metrics. source may be nil and attached later with
// TrackStats.
func New(source StatsSource) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Relay lifecycle events by kind.",
		}, []string{"kind"}),
		FramesForwardedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Frames forwarded, by routing category and message type.",
		}, []string{"category", "type"}),
		FramesRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Frames answered with an Error, by error code.",
		}, []string{"code"}),
		RecipientsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_recipients_total",
			Help:      "Copies of forwarded frames queued to sockets.",
		}),
	}

	if source != nil {
		m.TrackStats(source)
	}

	return m
}

// TrackStats registers gauges that read source on every scrape. Call it
// once; New does so when given a source.
func (m *Metrics) TrackStats(source StatsSource) {
	factory := promauto.With(m.registry)
	gauge := func(name, help string, read func(relay.Stats) int) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(source.Stats())) })
	}
	gauge("connections", "Open sockets.", func(s relay.Stats) int { return s.Connections })
	gauge("agents", "Authenticated agent sockets.", func(s relay.Stats) int { return s.Roles.Agents })
	gauge("desktops", "Authenticated desktop sockets.", func(s relay.Stats) int { return s.Roles.Desktops })
	gauge("tokens", "Outstanding pairing tokens.", func(s relay.Stats) int { return s.Tokens })
	gauge("nodes", "Nodes in the ownership directory.", func(s relay.Stats) int { return s.Nodes })
}

// TrackDropped exports the number of events dropped by the event bus.
func (m *Metrics) TrackDropped(dropped func() uint64) {
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Lifecycle events dropped because the event queue was full.",
	}, func() float64 { return float64(dropped()) })
}

// Publish implements events.Sink.
func (m *Metrics) Publish(_ context.Context, e events.Event) error {
	m.EventsTotal.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case events.KindFrameForwarded:
		m.FramesForwardedTotal.WithLabelValues(e.Category, e.MessageType).Inc()
		m.RecipientsTotal.Add(float64(e.Recipients))
	case events.KindFrameRejected, events.KindAuthFailed:
		m.FramesRejectedTotal.WithLabelValues(e.Code).Inc()
	}
	return nil
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
