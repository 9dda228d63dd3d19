package stream

import (
	"context"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tarunm/consolestream/internal/codec"
	"github.com/tarunm/consolestream/internal/metrics"
	"go.uber.org/zap"
)

// State is the lifecycle state of the broker connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// DefaultReconnectDelay matches the web console's reconnect delay
const DefaultReconnectDelay = 5 * time.Second

// ErrBrokerError is returned when the broker sends an ERROR frame
var ErrBrokerError = errors.New("broker error frame")

// ReconnectPolicy decides when the next connection attempt starts. The
// Manager never runs more than one attempt at a time.
type ReconnectPolicy struct {
	Delay time.Duration
}

// Next returns the wait before attempt number attempt (1-based)
func (p ReconnectPolicy) Next(attempt int) time.Duration {
	if p.Delay <= 0 {
		return DefaultReconnectDelay
	}
	return p.Delay
}

// Config interface for extracting connection settings
type Config interface {
	GetEndpoint() string
	GetHost() string
	GetCredentials() (login, passcode string)
	GetReconnectDelay() time.Duration
	GetHeartbeatOutgoing() time.Duration
	GetHeartbeatIncoming() time.Duration
	GetHandshakeTimeout() time.Duration
	GetWriteWait() time.Duration
	GetSendQueue() int
}

// Manager owns the single broker connection shared by every consumer in the
// process. It connects on the first registration, reconnects forever after
// failures, and resubscribes every registered topic on each new connection.
type Manager struct {
	cfg      Config
	dialer   Dialer
	policy   ReconnectPolicy
	registry *Registry
	logger   *zap.Logger

	mu       sync.Mutex
	state    State
	active   bool   // Connect called and Disconnect not yet
	pinned   bool   // Connect called explicitly, survives last Unregister
	gen      uint64 // bumped for every attempt and every Disconnect
	attempts int    // consecutive failed attempts
	sess     *session
	cancel   context.CancelFunc
	timer    *time.Timer

	listeners   map[string]func(State)
	listenerSeq []string

	// deliverMu serializes handler and listener callbacks and lets
	// Disconnect wait out any callback already running
	deliverMu sync.Mutex
}

// NewManager creates a disconnected manager
func NewManager(cfg Config, dialer Dialer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		dialer:    dialer,
		policy:    ReconnectPolicy{Delay: cfg.GetReconnectDelay()},
		registry:  NewRegistry(),
		logger:    logger.Named("stream"),
		listeners: make(map[string]func(State)),
	}
}

// Connect starts connecting in the background and keeps the connection up
// until Disconnect. It returns immediately; observe progress through
// OnStateChange.
func (m *Manager) Connect() {
	m.mu.Lock()
	m.pinned = true
	gen, started := m.activateLocked()
	m.mu.Unlock()

	if started {
		m.notify(gen, StateConnecting)
	}
}

// Disconnect tears the connection down, cancels any pending reconnection
// and detaches all subscriptions. It is idempotent. When it returns, no
// handler or listener belonging to the old connection will run again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.active && m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.pinned = false
	m.gen++
	m.attempts = 0
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	sess := m.sess
	m.sess = nil
	prev := m.state
	m.setStateLocked(StateDisconnected)
	m.registry.Reset()
	metrics.LiveSubscriptions.Set(0)
	m.mu.Unlock()

	if sess != nil {
		sess.shutdown()
	}
	m.logger.Info("broker connection closed", zap.String("endpoint", m.cfg.GetEndpoint()))

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	if prev != StateDisconnected {
		for _, l := range m.listenerList() {
			l(StateDisconnected)
		}
	}
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether frames can be sent right now
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// OnStateChange registers fn for every state transition and returns a
// function that removes it. fn runs on the event goroutine.
func (m *Manager) OnStateChange(fn func(State)) func() {
	id := uuid.New().String()

	m.mu.Lock()
	m.listeners[id] = fn
	m.listenerSeq = append(m.listenerSeq, id)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
			for i, lid := range m.listenerSeq {
				if lid == id {
					m.listenerSeq = append(m.listenerSeq[:i], m.listenerSeq[i+1:]...)
					break
				}
			}
		})
	}
}

// Register adds handler for topic and returns its registration id. A topic
// registered while connected is subscribed immediately; otherwise it is
// subscribed on the next connection. The first registration activates the
// manager.
func (m *Manager) Register(topic string, handler Handler) string {
	regID := "reg-" + uuid.New().String()[:8]

	m.mu.Lock()
	m.registry.Add(regID, topic, handler)
	if m.sess != nil && m.state == StateConnected {
		if b, ok := m.registry.BindOne(topic, m.gen, m.sess.nextSubID); ok {
			m.subscribeLocked(m.sess, b)
		}
	}
	gen, started := m.activateLocked()
	m.mu.Unlock()

	m.logger.Debug("topic registered", zap.String("topic", topic), zap.String("registration", regID))
	if started {
		m.notify(gen, StateConnecting)
	}
	return regID
}

// Unregister removes a registration. The topic's live subscription is torn
// down with its last registration, and the connection is torn down with the
// last topic unless Connect pinned it.
func (m *Manager) Unregister(regID string) {
	m.mu.Lock()
	topic, subID, last, ok := m.registry.Remove(regID)
	if !ok {
		m.mu.Unlock()
		return
	}
	if last && subID != "" && m.sess != nil {
		if err := m.sess.enqueueFrame(codec.Unsubscribe(subID)); err != nil {
			m.logger.Warn("unsubscribe not sent", zap.String("topic", topic), zap.Error(err))
		}
		metrics.LiveSubscriptions.Set(float64(m.registry.LiveCount()))
	}
	teardown := m.registry.Len() == 0 && !m.pinned && m.active
	m.mu.Unlock()

	m.logger.Debug("topic unregistered", zap.String("topic", topic), zap.String("registration", regID))
	if teardown {
		m.Disconnect()
	}
}

// Send queues f on the live connection
func (m *Manager) Send(f *frame.Frame) error {
	m.mu.Lock()
	sess := m.sess
	connected := m.state == StateConnected
	m.mu.Unlock()

	if sess == nil || !connected {
		return ErrNotConnected
	}
	return sess.enqueueFrame(f)
}

// Topics returns the registered topics
func (m *Manager) Topics() []string {
	return m.registry.Topics()
}

// LiveSubscriptions returns destination -> subscription id for the current
// connection
func (m *Manager) LiveSubscriptions() map[string]string {
	return m.registry.Live()
}

// activateLocked starts the first attempt if the manager is idle
func (m *Manager) activateLocked() (uint64, bool) {
	if m.active {
		return 0, false
	}
	m.active = true
	m.logger.Info("activating broker connection", zap.String("endpoint", m.cfg.GetEndpoint()))
	return m.startAttemptLocked(), true
}

func (m *Manager) startAttemptLocked() uint64 {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setStateLocked(StateConnecting)
	go m.run(ctx, gen)
	return gen
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.ConnectionState.Set(float64(s))
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active && m.gen == gen
}

func (m *Manager) listenerList() []func(State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]func(State), 0, len(m.listenerSeq))
	for _, id := range m.listenerSeq {
		out = append(out, m.listeners[id])
	}
	return out
}

// notify delivers a state transition unless gen has been superseded
func (m *Manager) notify(gen uint64, s State) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	if !m.isCurrent(gen) {
		return
	}
	for _, l := range m.listenerList() {
		l(s)
	}
}

func (m *Manager) subscribeLocked(sess *session, b binding) {
	if err := sess.enqueueFrame(codec.Subscribe(b.subID, b.destination)); err != nil {
		m.logger.Warn("subscribe not sent", zap.String("topic", b.destination), zap.Error(err))
		return
	}
	m.logger.Debug("subscribed", zap.String("topic", b.destination), zap.String("subscription", b.subID))
	metrics.LiveSubscriptions.Set(float64(m.registry.LiveCount()))
}

// run is one connection attempt and, if it succeeds, the connection's read
// loop
func (m *Manager) run(ctx context.Context, gen uint64) {
	sess, err := m.handshake(ctx, gen)
	if err != nil {
		if ctx.Err() != nil {
			metrics.ConnectAttempts.WithLabelValues("aborted").Inc()
			return
		}
		metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		m.ended(gen, nil, err)
		return
	}
	go sess.writePump()

	m.mu.Lock()
	if !m.active || m.gen != gen {
		m.mu.Unlock()
		metrics.ConnectAttempts.WithLabelValues("aborted").Inc()
		sess.shutdown()
		return
	}
	m.sess = sess
	m.attempts = 0
	m.setStateLocked(StateConnected)
	bindings := m.registry.Bind(gen, sess.nextSubID)
	for _, b := range bindings {
		m.subscribeLocked(sess, b)
	}
	m.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues("connected").Inc()
	m.logger.Info("broker connected",
		zap.String("endpoint", m.cfg.GetEndpoint()),
		zap.Int("topics", len(bindings)),
		zap.Duration("heartbeat_send", sess.heartbeat),
		zap.Duration("heartbeat_receive", sess.receive),
	)
	m.notify(gen, StateConnected)

	err = m.readPump(sess)
	m.ended(gen, sess, err)
}

// handshake dials the endpoint and completes CONNECT/CONNECTED
func (m *Manager) handshake(ctx context.Context, gen uint64) (*session, error) {
	timeout := m.cfg.GetHandshakeTimeout()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := m.dialer.Dial(dialCtx, m.cfg.GetEndpoint())
	if err != nil {
		return nil, err
	}
	// closing the transport is how a cancelled attempt or a torn-down
	// session unblocks its reader
	context.AfterFunc(ctx, func() { conn.Close() })

	login, passcode := m.cfg.GetCredentials()
	outgoing, incoming := m.cfg.GetHeartbeatOutgoing(), m.cfg.GetHeartbeatIncoming()
	data, err := codec.Marshal(codec.Connect(codec.ConnectOptions{
		Host:              m.cfg.GetHost(),
		Login:             login,
		Passcode:          passcode,
		HeartbeatOutgoing: outgoing,
		HeartbeatIncoming: incoming,
	}))
	if err != nil {
		conn.Close()
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "write CONNECT")
	}

	conn.SetReadDeadline(deadline)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "await CONNECTED")
		}
		f, err := codec.Unmarshal(msg)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.CONNECTED:
			send, receive, err := codec.NegotiateHeartBeat(outgoing, incoming, f.Header.Get(frame.HeartBeat))
			if err != nil {
				m.logger.Warn("ignoring broker heart-beat header", zap.Error(err))
			}
			return newSession(gen, conn, m.cfg.GetSendQueue(), m.cfg.GetWriteWait(), send, receive, m.logger), nil
		case frame.ERROR:
			conn.Close()
			return nil, errors.Wrapf(ErrBrokerError, "connect rejected: %s", f.Header.Get(frame.Message))
		default:
			conn.Close()
			return nil, errors.Wrapf(codec.ErrMalformed, "unexpected %s before CONNECTED", f.Command)
		}
	}
}

// readPump reads frames until the connection fails or the broker goes silent
func (m *Manager) readPump(sess *session) error {
	grace := sess.readGrace()
	for {
		if grace > 0 {
			sess.conn.SetReadDeadline(time.Now().Add(grace))
		} else {
			sess.conn.SetReadDeadline(time.Time{})
		}

		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return err
		}

		f, err := codec.Unmarshal(data)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			m.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if f == nil {
			continue
		}
		metrics.FramesReceived.WithLabelValues(f.Command).Inc()

		switch f.Command {
		case frame.MESSAGE:
			m.deliver(sess.gen, f)
		case frame.ERROR:
			m.logger.Warn("broker sent ERROR",
				zap.String("message", f.Header.Get(frame.Message)),
				zap.ByteString("body", f.Body),
			)
			return errors.Wrap(ErrBrokerError, f.Header.Get(frame.Message))
		default:
			m.logger.Debug("ignoring frame", zap.String("frame", codec.Describe(f)))
		}
	}
}

// deliver routes one MESSAGE frame to its topic handlers
func (m *Manager) deliver(gen uint64, f *frame.Frame) {
	msg := Message{
		Destination:  f.Header.Get(frame.Destination),
		Subscription: f.Header.Get(frame.Subscription),
		MessageID:    f.Header.Get(frame.MessageId),
		ContentType:  f.Header.Get(frame.ContentType),
		Body:         f.Body,
	}

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	if !m.isCurrent(gen) {
		metrics.FramesDropped.WithLabelValues("stale").Inc()
		return
	}
	handlers := m.registry.Route(msg.Subscription, msg.Destination)
	if len(handlers) == 0 {
		metrics.FramesDropped.WithLabelValues("unrouted").Inc()
		m.logger.Debug("no handler for message", zap.String("destination", msg.Destination), zap.String("subscription", msg.Subscription))
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

// ended handles the loss of connection gen and arms the reconnect timer
func (m *Manager) ended(gen uint64, sess *session, cause error) {
	if sess != nil {
		sess.close()
	}

	m.mu.Lock()
	if !m.active || m.gen != gen {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.sess = nil
	m.registry.Reset()
	metrics.LiveSubscriptions.Set(0)
	m.setStateLocked(StateDisconnected)
	m.attempts++
	delay := m.policy.Next(m.attempts)
	m.timer = time.AfterFunc(delay, func() { m.retry(gen) })
	attempts := m.attempts
	m.mu.Unlock()

	metrics.ReconnectsScheduled.Inc()
	m.logger.Warn("broker connection lost, reconnecting",
		zap.Error(cause),
		zap.Duration("delay", delay),
		zap.Int("attempt", attempts),
	)
	m.notify(gen, StateDisconnected)
}

// retry is the reconnect timer callback for the connection it replaces
func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if !m.active || m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	next := m.startAttemptLocked()
	m.mu.Unlock()

	m.notify(next, StateConnecting)
}
