package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stream client metrics
var (
	// ConnectionState is 0 disconnected, 1 connecting, 2 connected
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consolestream_connection_state",
			Help: "Broker connection state (0 disconnected, 1 connecting, 2 connected)",
		},
	)

	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consolestream_connect_attempts_total",
			Help: "Broker connection attempts by result",
		},
		[]string{"result"}, // connected, failed, aborted
	)

	ReconnectsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consolestream_reconnects_scheduled_total",
			Help: "Reconnection timers armed after a failed or dropped connection",
		},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consolestream_frames_received_total",
			Help: "Inbound STOMP frames by command",
		},
		[]string{"command"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consolestream_frames_dropped_total",
			Help: "Inbound frames discarded by reason",
		},
		[]string{"reason"}, // malformed, unrouted, stale
	)

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consolestream_events_delivered_total",
			Help: "Decoded events applied to server state by kind",
		},
		[]string{"kind"},
	)

	BufferEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consolestream_buffer_evictions_total",
			Help: "Buffered events evicted on overflow by kind",
		},
		[]string{"kind"},
	)

	CommandsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consolestream_commands_total",
			Help: "Console commands by publish outcome",
		},
		[]string{"outcome"},
	)

	LiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consolestream_live_subscriptions",
			Help: "Subscriptions bound to the current broker connection",
		},
	)

	ViewerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consolestream_viewer_connections",
			Help: "Viewer WebSockets attached to the bridge",
		},
	)

	ViewerMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "consolestream_viewer_messages_dropped_total",
			Help: "Messages dropped from slow viewer queues",
		},
	)
)
