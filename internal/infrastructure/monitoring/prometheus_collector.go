package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	connectionsActive  prometheus.Gauge
	roomsActive        prometheus.Gauge
	participantsActive prometheus.Gauge

	// Counters
	joinsTotal           prometheus.Counter
	disconnectsTotal     prometheus.Counter
	relayedTotal         *prometheus.CounterVec
	droppedRelaysTotal   prometheus.Counter
	malformedTotal       prometheus.Counter
	presenceEventsTotal  prometheus.Counter
	connectionsRejected  prometheus.Counter

	// Histograms
	broadcastDuration prometheus.Histogram
}

// NewPrometheusCollector registers with the default registry, which the
// /metrics endpoint serves.
func NewPrometheusCollector() *PrometheusCollector {
	return NewPrometheusCollectorWith(prometheus.DefaultRegisterer)
}

// NewPrometheusCollectorWith registers the metrics against a specific
// registerer. Tests pass a fresh registry to avoid duplicate registration.
func NewPrometheusCollectorWith(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dicksword_connections_active",
			Help: "Number of registered signaling connections",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dicksword_voice_rooms_active",
			Help: "Number of non-empty voice rooms",
		}),

		participantsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dicksword_voice_participants_active",
			Help: "Number of voice-room memberships across all rooms",
		}),

		joinsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dicksword_voice_joins_total",
			Help: "Total voice room join requests",
		}),

		disconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dicksword_disconnects_total",
			Help: "Total signaling connection disconnects",
		}),

		relayedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dicksword_relayed_messages_total",
			Help: "Negotiation payloads forwarded, by kind",
		}, []string{"kind"}),

		droppedRelaysTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dicksword_dropped_relays_total",
			Help: "Relays dropped because the target connection was gone",
		}),

		malformedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dicksword_malformed_messages_total",
			Help: "Client messages rejected as malformed",
		}),

		presenceEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dicksword_presence_events_total",
			Help: "Online/offline notifications emitted to contacts",
		}),

		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "dicksword_connections_rejected_total",
			Help: "Connections rejected at upgrade (bad token or identity already connected)",
		}),

		broadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dicksword_room_broadcast_duration_seconds",
			Help:    "Time spent fanning a room event out to all members",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}
}

func (p *PrometheusCollector) ConnectionOpened()   { p.connectionsActive.Inc() }
func (p *PrometheusCollector) ConnectionClosed()   { p.connectionsActive.Dec(); p.disconnectsTotal.Inc() }
func (p *PrometheusCollector) ConnectionRejected() { p.connectionsRejected.Inc() }

func (p *PrometheusCollector) JoinRequested() { p.joinsTotal.Inc() }

func (p *PrometheusCollector) SetActiveRooms(n int)        { p.roomsActive.Set(float64(n)) }
func (p *PrometheusCollector) SetActiveParticipants(n int) { p.participantsActive.Set(float64(n)) }

func (p *PrometheusCollector) MessageRelayed(kind string) {
	p.relayedTotal.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RelayDropped()         { p.droppedRelaysTotal.Inc() }
func (p *PrometheusCollector) MalformedMessage()     { p.malformedTotal.Inc() }
func (p *PrometheusCollector) PresenceEventEmitted() { p.presenceEventsTotal.Inc() }

func (p *PrometheusCollector) ObserveBroadcast(d time.Duration) {
	p.broadcastDuration.Observe(d.Seconds())
}
