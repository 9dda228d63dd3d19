package models

import (
	"encoding/json"
	"time"
)

// Kind identifies one of the three per-server topics
type Kind string

const (
	KindConsole Kind = "console"
	KindStatus  Kind = "status"
	KindMetrics Kind = "metrics"
)

// Kinds lists every topic kind in subscription order
var Kinds = []Kind{KindConsole, KindStatus, KindMetrics}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	switch k {
	case KindConsole, KindStatus, KindMetrics:
		return true
	}
	return false
}

// ServerStatus is the lifecycle state reported by the backend
type ServerStatus string

const (
	StatusStopped  ServerStatus = "STOPPED"
	StatusStarting ServerStatus = "STARTING"
	StatusRunning  ServerStatus = "RUNNING"
	StatusStopping ServerStatus = "STOPPING"
	StatusError    ServerStatus = "ERROR"
)

// MetricsSample is one decoded metrics snapshot
type MetricsSample struct {
	SampledAt time.Time          `json:"sampled_at"`
	Values    map[string]float64 `json:"values"`
}

// Event is a decoded inbound message. Exactly one of Line, Status or
// Metrics is meaningful, selected by Kind.
type Event struct {
	Kind       Kind            `json:"kind"`
	Topic      string          `json:"topic"`
	ReceivedAt time.Time       `json:"received_at"`
	Line       string          `json:"line,omitempty"`
	Status     ServerStatus    `json:"status,omitempty"`
	Metrics    *MetricsSample  `json:"metrics,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Snapshot is the externally read state of one server's stream
type Snapshot struct {
	ServerID       string  `json:"server_id"`
	Version        uint64  `json:"version"`
	Connected      bool    `json:"connected"`
	ConsoleHistory []Event `json:"console_history"`
	Status         *Event  `json:"status"`
	Metrics        *Event  `json:"metrics"`
	MetricsHistory []Event `json:"metrics_history,omitempty"`
}

// Update is emitted once per state change. Event is nil for connection
// changes and clears.
type Update struct {
	ServerID  string `json:"server_id"`
	Version   uint64 `json:"version"`
	Connected bool   `json:"connected"`
	Event     *Event `json:"event,omitempty"`
	Cleared   Kind   `json:"cleared,omitempty"`
}

// ViewerMessage represents messages from a viewer socket to the bridge
type ViewerMessage struct {
	Type      string `json:"type"` // auth, command, clear, ping
	APIKey    string `json:"api_key,omitempty"`
	Command   string `json:"command,omitempty"`
	Kind      Kind   `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// BridgeMessage represents messages from the bridge to a viewer socket
type BridgeMessage struct {
	Type      string     `json:"type"` // snapshot, event, state, ack, error, pong
	RequestID string     `json:"request_id,omitempty"`
	Snapshot  *Snapshot  `json:"snapshot,omitempty"`
	Update    *Update    `json:"update,omitempty"`
	Status    string     `json:"status,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp string     `json:"ts"`
}

// ErrorInfo represents error details
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CommandRequest is the body of POST /servers/:id/command
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// CommandResponse reports what happened to a submitted command
type CommandResponse struct {
	ServerID string `json:"server_id"`
	Outcome  string `json:"outcome"`
}

// HealthResponse represents the /health endpoint response
type HealthResponse struct {
	UptimeSec  int      `json:"uptime_sec"`
	Connection string   `json:"connection"`
	Topics     int      `json:"topics"`
	Watched    []string `json:"watched"`
}

// ClearResponse represents the response for clearing a buffer
type ClearResponse struct {
	Status   string `json:"status"`
	ServerID string `json:"server_id"`
	Kind     Kind   `json:"kind"`
}
