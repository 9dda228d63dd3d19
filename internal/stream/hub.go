package stream

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

type hubEntry struct {
	client *Client
	refs   int
}

// Hub hands out one Client per server id, shared by every viewer watching
// that server. A client is opened by its first Acquire and closed when its
// last holder releases it.
type Hub struct {
	manager   *Manager
	publisher *Publisher
	opts      ClientOptions
	logger    *zap.Logger

	mu      sync.Mutex
	clients map[string]*hubEntry
}

// NewHub creates an empty hub
func NewHub(manager *Manager, publisher *Publisher, opts ClientOptions, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		manager:   manager,
		publisher: publisher,
		opts:      opts,
		logger:    logger.Named("hub"),
		clients:   make(map[string]*hubEntry),
	}
}

// Acquire returns the client for serverID and a release function. The
// release function may be called more than once.
func (h *Hub) Acquire(serverID string) (*Client, func()) {
	h.mu.Lock()
	entry, ok := h.clients[serverID]
	if !ok {
		entry = &hubEntry{client: NewClient(serverID, h.manager, h.publisher, h.opts, h.logger)}
		h.clients[serverID] = entry
	}
	entry.refs++
	client := entry.client
	h.mu.Unlock()

	if !ok {
		client.Open()
	}

	var once sync.Once
	return client, func() {
		once.Do(func() { h.release(serverID, client) })
	}
}

func (h *Hub) release(serverID string, client *Client) {
	h.mu.Lock()
	entry, ok := h.clients[serverID]
	if !ok || entry.client != client {
		h.mu.Unlock()
		return
	}
	entry.refs--
	last := entry.refs <= 0
	if last {
		delete(h.clients, serverID)
	}
	h.mu.Unlock()

	if last {
		client.Close()
	}
}

// Get returns the client for serverID if someone holds it
func (h *Hub) Get(serverID string) (*Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.clients[serverID]
	if !ok {
		return nil, false
	}
	return entry.client, true
}

// Watched returns the ids of servers with at least one holder
func (h *Hub) Watched() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Publisher returns the shared command publisher
func (h *Hub) Publisher() *Publisher {
	return h.publisher
}

// Manager returns the shared connection manager
func (h *Hub) Manager() *Manager {
	return h.manager
}

// Close closes every client regardless of holders
func (h *Hub) Close() {
	h.mu.Lock()
	entries := h.clients
	h.clients = make(map[string]*hubEntry)
	h.mu.Unlock()

	for _, entry := range entries {
		entry.client.Close()
	}
}
