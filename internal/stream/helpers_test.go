package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tarunm/consolestream/internal/stomptest"
	"go.uber.org/zap"
)

type testConfig struct {
	endpoint  string
	reconnect time.Duration
	hbOut     time.Duration
	hbIn      time.Duration
	handshake time.Duration
	queue     int
}

func (c testConfig) GetEndpoint() string                 { return c.endpoint }
func (c testConfig) GetHost() string                     { return "localhost" }
func (c testConfig) GetCredentials() (string, string)    { return "", "" }
func (c testConfig) GetReconnectDelay() time.Duration    { return c.reconnect }
func (c testConfig) GetHeartbeatOutgoing() time.Duration { return c.hbOut }
func (c testConfig) GetHeartbeatIncoming() time.Duration { return c.hbIn }
func (c testConfig) GetHandshakeTimeout() time.Duration  { return c.handshake }
func (c testConfig) GetWriteWait() time.Duration         { return time.Second }
func (c testConfig) GetSendQueue() int                   { return c.queue }

func newTestConfig(endpoint string) testConfig {
	return testConfig{
		endpoint:  endpoint,
		reconnect: 50 * time.Millisecond,
		handshake: 2 * time.Second,
		queue:     64,
	}
}

// testLogger is a no-op: manager goroutines may still log briefly after a
// test returns, which a testing.T-backed logger does not allow
func testLogger(t *testing.T) *zap.Logger {
	return zap.NewNop()
}

// newTestManager returns a manager pointed at broker, disconnected at cleanup
func newTestManager(t *testing.T, broker *stomptest.Broker) *Manager {
	t.Helper()
	m := NewManager(newTestConfig(broker.URL), NewWebSocketDialer(nil), testLogger(t))
	t.Cleanup(m.Disconnect)
	return m
}

// failingDialer never connects, so a manager using it stays Connecting or
// Disconnected
type failingDialer struct{}

func (failingDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return nil, errors.New("dial refused")
}

func newOfflineManager(t *testing.T) *Manager {
	t.Helper()
	cfg := newTestConfig("ws://offline.invalid/ws")
	cfg.reconnect = time.Hour
	m := NewManager(cfg, failingDialer{}, testLogger(t))
	t.Cleanup(m.Disconnect)
	return m
}

// stateRecorder collects state transitions
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *stateRecorder) count(s State) int {
	n := 0
	for _, got := range r.get() {
		if got == s {
			n++
		}
	}
	return n
}

// messageRecorder collects handler invocations
type messageRecorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *messageRecorder) handle(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *messageRecorder) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = string(m.Body)
	}
	return out
}

func (r *messageRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, m.Connected, 3*time.Second, 10*time.Millisecond, "manager never connected")
}

func waitSubscribed(t *testing.T, b *stomptest.Broker, destination string) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Subscribed(destination) }, 3*time.Second, 10*time.Millisecond,
		"broker never saw SUBSCRIBE for %s", destination)
}
