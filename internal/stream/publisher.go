package stream

import (
	"errors"
	"strings"

	"github.com/tarunm/consolestream/internal/codec"
	"github.com/tarunm/consolestream/internal/metrics"
	"go.uber.org/zap"
)

// Outcome reports what happened to a published command
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeNotConnected
	OutcomeRejected // blank command or server id
	OutcomeFailed   // encode failure or send queue overflow
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeNotConnected:
		return "not_connected"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Sent reports whether a frame was handed to the connection
func (o Outcome) Sent() bool {
	return o == OutcomeSent
}

// Publisher sends console commands to a server's command destination over
// the shared connection. Commands are fire-and-forget.
type Publisher struct {
	manager *Manager
	dests   codec.Destinations
	logger  *zap.Logger
}

// NewPublisher creates a publisher bound to manager
func NewPublisher(manager *Manager, dests codec.Destinations, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{manager: manager, dests: dests, logger: logger.Named("publisher")}
}

// Publish sends command to serverID. Nothing is sent unless the connection
// is up at the time of the call.
func (p *Publisher) Publish(serverID, command string) Outcome {
	outcome := p.publish(serverID, command)
	metrics.CommandsPublished.WithLabelValues(outcome.String()).Inc()
	return outcome
}

func (p *Publisher) publish(serverID, command string) Outcome {
	if strings.TrimSpace(serverID) == "" || strings.TrimSpace(command) == "" {
		return OutcomeRejected
	}
	if !p.manager.Connected() {
		p.logger.Debug("command not sent, not connected", zap.String("server_id", serverID))
		return OutcomeNotConnected
	}

	f, err := codec.Command(p.dests, serverID, command)
	if err != nil {
		p.logger.Warn("command encode failed", zap.String("server_id", serverID), zap.Error(err))
		return OutcomeFailed
	}

	switch err := p.manager.Send(f); {
	case err == nil:
		p.logger.Debug("command sent", zap.String("server_id", serverID))
		return OutcomeSent
	case errors.Is(err, ErrNotConnected):
		return OutcomeNotConnected
	default:
		p.logger.Warn("command not sent", zap.String("server_id", serverID), zap.Error(err))
		return OutcomeFailed
	}
}
