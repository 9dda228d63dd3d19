package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tarunm/consolestream/internal/codec"
	"github.com/tarunm/consolestream/internal/metrics"
	"github.com/tarunm/consolestream/internal/models"
	"go.uber.org/zap"
)

// ClientOptions configures the per-server state surface
type ClientOptions struct {
	ConsoleCapacity int
	MetricsHistory  int
	Destinations    codec.Destinations
}

// BufferConfig interface for extracting buffer settings
type BufferConfig interface {
	GetConsoleCapacity() int
	GetMetricsHistory() int
	GetTopicPrefix() string
	GetAppPrefix() string
}

// OptionsFromConfig builds ClientOptions from configuration
func OptionsFromConfig(cfg BufferConfig) ClientOptions {
	return ClientOptions{
		ConsoleCapacity: cfg.GetConsoleCapacity(),
		MetricsHistory:  cfg.GetMetricsHistory(),
		Destinations: codec.Destinations{
			TopicPrefix: cfg.GetTopicPrefix(),
			AppPrefix:   cfg.GetAppPrefix(),
		},
	}
}

// Client mirrors one server's console, status and metrics topics into
// bounded buffers and exposes them as a Snapshot. Each accepted event and
// each flip of the connected flag produces exactly one Update.
type Client struct {
	serverID  string
	manager   *Manager
	publisher *Publisher
	dests     codec.Destinations
	buffers   *Buffers
	logger    *zap.Logger
	now       func() time.Time

	// lifeMu serializes Open and Close
	lifeMu sync.Mutex

	mu          sync.Mutex
	open        bool
	connected   bool
	version     uint64
	regs        []string
	stopState   func()
	listeners   map[string]func(models.Update)
	listenerSeq []string
}

// NewClient creates a closed client for serverID
func NewClient(serverID string, manager *Manager, publisher *Publisher, opts ClientOptions, logger *zap.Logger) *Client {
	if opts.ConsoleCapacity <= 0 {
		opts.ConsoleCapacity = DefaultConsoleCapacity
	}
	if opts.MetricsHistory <= 0 {
		opts.MetricsHistory = DefaultMetricsHistory
	}
	if opts.Destinations == (codec.Destinations{}) {
		opts.Destinations = codec.DefaultDestinations
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		serverID:  serverID,
		manager:   manager,
		publisher: publisher,
		dests:     opts.Destinations,
		buffers:   NewBuffers(opts.ConsoleCapacity, opts.MetricsHistory),
		logger:    logger.Named("client").With(zap.String("server_id", serverID)),
		now:       time.Now,
		listeners: make(map[string]func(models.Update)),
	}
}

// ServerID returns the server this client mirrors
func (c *Client) ServerID() string {
	return c.serverID
}

// Open registers the server's three topics, connecting if needed
func (c *Client) Open() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return
	}
	c.open = true
	c.mu.Unlock()

	stop := c.manager.OnStateChange(c.onState)
	regs := make([]string, 0, len(models.Kinds))
	for _, kind := range models.Kinds {
		kind := kind
		topic := c.dests.Topic(c.serverID, kind)
		regs = append(regs, c.manager.Register(topic, func(msg Message) {
			c.onMessage(kind, msg)
		}))
	}

	c.mu.Lock()
	c.regs = regs
	c.stopState = stop
	c.mu.Unlock()

	// the connection may already be up when we attach
	c.onState(c.manager.State())
	c.logger.Info("watching server")
}

// Close unregisters the topics. Buffers are kept until the client is
// discarded; a closed client can be opened again.
func (c *Client) Close() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	regs := c.regs
	stop := c.stopState
	c.regs = nil
	c.stopState = nil
	c.connected = false
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, id := range regs {
		c.manager.Unregister(id)
	}
	c.logger.Info("stopped watching server")
}

// Snapshot returns a copy of the current state
func (c *Client) Snapshot() models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := models.Snapshot{
		ServerID:       c.serverID,
		Version:        c.version,
		Connected:      c.connected,
		ConsoleHistory: c.buffers.History(models.KindConsole),
		Status:         c.buffers.Latest(models.KindStatus),
		Metrics:        c.buffers.Latest(models.KindMetrics),
	}
	if c.buffers.Capacity(models.KindMetrics) > 1 {
		snap.MetricsHistory = c.buffers.History(models.KindMetrics)
	}
	return snap
}

// OnUpdate registers fn for every state update and returns a function that
// removes it. Updates from inbound events arrive in order on the event
// goroutine; Version orders them against updates from Clear.
func (c *Client) OnUpdate(fn func(models.Update)) func() {
	id := uuid.New().String()

	c.mu.Lock()
	c.listeners[id] = fn
	c.listenerSeq = append(c.listenerSeq, id)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners, id)
			for i, lid := range c.listenerSeq {
				if lid == id {
					c.listenerSeq = append(c.listenerSeq[:i], c.listenerSeq[i+1:]...)
					break
				}
			}
		})
	}
}

// SendCommand publishes a console command to this server
func (c *Client) SendCommand(command string) Outcome {
	return c.publisher.Publish(c.serverID, command)
}

// Clear empties the buffer of kind without touching subscriptions
func (c *Client) Clear(kind models.Kind) {
	if !kind.Valid() {
		return
	}

	c.mu.Lock()
	c.buffers.Clear(kind)
	c.version++
	update := models.Update{
		ServerID:  c.serverID,
		Version:   c.version,
		Connected: c.connected,
		Cleared:   kind,
	}
	listeners := c.listenerListLocked()
	c.mu.Unlock()

	for _, l := range listeners {
		l(update)
	}
}

// ClearConsole empties the console history
func (c *Client) ClearConsole() {
	c.Clear(models.KindConsole)
}

func (c *Client) onMessage(kind models.Kind, msg Message) {
	ev, err := codec.DecodeEvent(kind, msg.Destination, msg.Body, c.now())
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		c.logger.Warn("dropping undecodable event",
			zap.String("topic", msg.Destination),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return
	}

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.buffers.Append(ev)
	c.version++
	update := models.Update{
		ServerID:  c.serverID,
		Version:   c.version,
		Connected: c.connected,
		Event:     &ev,
	}
	listeners := c.listenerListLocked()
	c.mu.Unlock()

	metrics.EventsDelivered.WithLabelValues(string(kind)).Inc()
	for _, l := range listeners {
		l(update)
	}
}

func (c *Client) onState(s State) {
	connected := s == StateConnected

	c.mu.Lock()
	if !c.open || c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	c.version++
	update := models.Update{
		ServerID:  c.serverID,
		Version:   c.version,
		Connected: connected,
	}
	listeners := c.listenerListLocked()
	c.mu.Unlock()

	for _, l := range listeners {
		l(update)
	}
}

func (c *Client) listenerListLocked() []func(models.Update) {
	out := make([]func(models.Update), 0, len(c.listenerSeq))
	for _, id := range c.listenerSeq {
		out = append(out, c.listeners[id])
	}
	return out
}
