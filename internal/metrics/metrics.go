// Package metrics holds every Prometheus instrument the fabric
// exports. One struct, constructed once in the composition root and
// handed to the components that record into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the event fabric.
type Metrics struct {
	// Bus
	EventsPublished *prometheus.CounterVec
	BusOverflow     *prometheus.CounterVec
	DedupDrops      *prometheus.CounterVec

	// Connectors
	ConnectorState     *prometheus.GaugeVec
	ReconnectAttempts  *prometheus.CounterVec
	FrameDecodeErrors  *prometheus.CounterVec
	HeartbeatMisses    *prometheus.CounterVec
	CapabilityRequests *prometheus.CounterVec

	// Dispatcher
	ActionsTotal    *prometheus.CounterVec
	ActionDuration  *prometheus.HistogramVec
	ActionQueueFull prometheus.Counter
	ActionQueueSize prometheus.Gauge

	// Correlation
	SpeedSamples    *prometheus.CounterVec
	SpeedAlerts     *prometheus.CounterVec
	TracksActive    prometheus.Gauge
	RuleSuppressed  *prometheus.CounterVec
	RuleEvaluations *prometheus.CounterVec
}

// New creates and registers all fabric metrics on the default
// registerer.
func New() *Metrics {
	return &Metrics{
		EventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_events_published_total",
				Help: "Events published to the bus, by source connector and type",
			},
			[]string{"source", "type"},
		),
		BusOverflow: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_bus_overflow_total",
				Help: "Events dropped by bounded bus queues",
			},
			[]string{"source"},
		),
		DedupDrops: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_dedup_drops_total",
				Help: "Inbound events rejected as duplicates",
			},
			[]string{"connector"},
		),

		ConnectorState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aegis_connector_state",
				Help: "Connector lifecycle state (1 on the active state's label)",
			},
			[]string{"connector", "state"},
		),
		ReconnectAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_reconnect_attempts_total",
				Help: "Reconnection attempts per connector",
			},
			[]string{"connector"},
		),
		FrameDecodeErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_frame_decode_errors_total",
				Help: "Duplex-socket frames dropped for protocol errors",
			},
			[]string{"connector"},
		),
		HeartbeatMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_heartbeat_misses_total",
				Help: "Liveness probes that went unacknowledged",
			},
			[]string{"connector"},
		),
		CapabilityRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_capability_requests_total",
				Help: "Capability executions per connector and outcome kind",
			},
			[]string{"connector", "capability", "outcome"},
		),

		ActionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_actions_total",
				Help: "Action invocations by final outcome",
			},
			[]string{"outcome"}, // completed, failed, rejected, cancelled
		),
		ActionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_action_duration_seconds",
				Help:    "Wall time of action executions including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"capability"},
		),
		ActionQueueFull: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_action_queue_rejections_total",
				Help: "Invocations rejected because the dispatch queue was full",
			},
		),
		ActionQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_action_queue_depth",
				Help: "Current dispatch queue depth",
			},
		),

		SpeedSamples: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_speed_samples_total",
				Help: "Accepted transit speed samples per detection point pair",
			},
			[]string{"point_from", "point_to"},
		),
		SpeedAlerts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_speed_alerts_total",
				Help: "Speed limit breaches per detection point",
			},
			[]string{"point"},
		),
		TracksActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_tracks_active",
				Help: "Tracks currently held by the correlation core",
			},
		),
		RuleSuppressed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_rule_suppressed_total",
				Help: "Rule matches suppressed by throttling",
			},
			[]string{"rule"},
		),
		RuleEvaluations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_rule_evaluations_total",
				Help: "Rule predicate evaluations by result",
			},
			[]string{"rule", "result"}, // match, no_match, error
		),
	}
}

// SetConnectorState flips the state gauge so exactly one state label
// carries 1 for the connector.
func (m *Metrics) SetConnectorState(connector, active string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == active {
			v = 1.0
		}
		m.ConnectorState.WithLabelValues(connector, s).Set(v)
	}
}
