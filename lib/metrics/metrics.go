package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for change detection.
type Metrics struct {
	// Pull
	PollCycles         *prometheus.CounterVec
	RecordsDelivered   *prometheus.CounterVec
	CheckpointAdvances *prometheus.CounterVec
	WatchResults       *prometheus.CounterVec

	// Push
	SessionTransitions *prometheus.CounterVec
	SessionState       prometheus.Gauge
	Resubscriptions    prometheus.Counter
	Renewals           *prometheus.CounterVec
	InboundMessages    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.PollCycles = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordwatch_poll_cycles_total",
			Help: "Poll cycles by entity type and outcome",
		},
		[]string{"entity", "outcome"},
	)
	m.RecordsDelivered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordwatch_records_delivered_total",
			Help: "Changed records delivered to the application",
		},
		[]string{"entity", "source"},
	)
	m.CheckpointAdvances = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordwatch_checkpoint_advances_total",
			Help: "Successful checkpoint advances by entity type",
		},
		[]string{"entity"},
	)
	m.WatchResults = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordwatch_watch_results_total",
			Help: "Scheduled and chased watch polls by result",
		},
		[]string{"trigger", "result"},
	)

	m.SessionTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordwatch_session_transitions_total",
			Help: "Notification session state transitions",
		},
		[]string{"from", "to"},
	)
	m.SessionState = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "recordwatch_session_state",
			Help: "Current notification session state (0 disconnected, 1 handshaking, 2 connected, 3 rehandshaking)",
		},
	)
	m.Resubscriptions = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "recordwatch_resubscriptions_total",
			Help: "Channel attachments replayed after a rehandshake",
		},
	)
	m.Renewals = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordwatch_session_renewals_total",
			Help: "Session renewals by outcome",
		},
		[]string{"outcome"},
	)
	m.InboundMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordwatch_inbound_messages_total",
			Help: "Push messages delivered to handlers by channel",
		},
		[]string{"channel"},
	)

	return m
}

// NewUnregistered is for tests and callers that do not export metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
