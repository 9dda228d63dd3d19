package stream

import (
	"sort"
	"sync"
)

// Message is one inbound MESSAGE frame as seen by a topic handler
type Message struct {
	Destination  string
	Subscription string
	MessageID    string
	ContentType  string
	Body         []byte
}

// Handler consumes messages of one topic. Handlers run on the connection's
// read goroutine in arrival order and must not call Manager.Disconnect.
type Handler func(Message)

// topicEntry is one registered topic. The entry outlives connections; subID
// and gen describe its live subscription on the current one, if any.
type topicEntry struct {
	destination string
	handlers    map[string]Handler
	order       []string // registration ids in registration order
	subID       string
	gen         uint64
}

// binding is a topic that needs a SUBSCRIBE on a given connection
type binding struct {
	destination string
	subID       string
}

// Registry is the source of truth for which topics are wanted. Live
// subscriptions are a disposable projection of it onto the current
// connection.
type Registry struct {
	topics map[string]*topicEntry // by destination
	regs   map[string]string      // registration id -> destination
	live   map[string]string      // subscription id -> destination
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		topics: make(map[string]*topicEntry),
		regs:   make(map[string]string),
		live:   make(map[string]string),
	}
}

// Add registers handler for destination under regID. It reports whether the
// destination is new to the registry.
func (r *Registry) Add(regID, destination string, handler Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.topics[destination]
	if !exists {
		entry = &topicEntry{
			destination: destination,
			handlers:    make(map[string]Handler),
		}
		r.topics[destination] = entry
	}
	entry.handlers[regID] = handler
	entry.order = append(entry.order, regID)
	r.regs[regID] = destination
	return !exists
}

// Remove drops a registration. When it was the topic's last one the topic is
// removed and its live subscription id, if any, is returned for teardown.
func (r *Registry) Remove(regID string) (destination, subID string, last, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	destination, ok = r.regs[regID]
	if !ok {
		return "", "", false, false
	}
	delete(r.regs, regID)

	entry := r.topics[destination]
	delete(entry.handlers, regID)
	for i, id := range entry.order {
		if id == regID {
			entry.order = append(entry.order[:i], entry.order[i+1:]...)
			break
		}
	}
	if len(entry.handlers) > 0 {
		return destination, "", false, true
	}

	delete(r.topics, destination)
	if entry.subID != "" {
		delete(r.live, entry.subID)
	}
	return destination, entry.subID, true, true
}

// Bind assigns a subscription id on connection gen to every topic that does
// not already have one there, and returns those topics. Binding the same
// generation twice yields nothing the second time.
func (r *Registry) Bind(gen uint64, nextID func() string) []binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []binding
	for _, dest := range r.sortedDestinations() {
		entry := r.topics[dest]
		if entry.gen == gen && entry.subID != "" {
			continue
		}
		if entry.subID != "" {
			delete(r.live, entry.subID)
		}
		entry.subID = nextID()
		entry.gen = gen
		r.live[entry.subID] = dest
		pending = append(pending, binding{destination: dest, subID: entry.subID})
	}
	return pending
}

// BindOne binds a single destination, used when a topic is registered while
// connected
func (r *Registry) BindOne(destination string, gen uint64, nextID func() string) (binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.topics[destination]
	if !ok || (entry.gen == gen && entry.subID != "") {
		return binding{}, false
	}
	if entry.subID != "" {
		delete(r.live, entry.subID)
	}
	entry.subID = nextID()
	entry.gen = gen
	r.live[entry.subID] = destination
	return binding{destination: destination, subID: entry.subID}, true
}

// Reset forgets every live subscription, called when a connection goes away
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.topics {
		entry.subID = ""
		entry.gen = 0
	}
	clear(r.live)
}

// Route returns the handlers for an inbound message, looked up by
// subscription id and falling back to destination
func (r *Registry) Route(subID, destination string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if dest, ok := r.live[subID]; ok {
		destination = dest
	}
	entry, ok := r.topics[destination]
	if !ok {
		return nil
	}
	handlers := make([]Handler, 0, len(entry.order))
	for _, id := range entry.order {
		handlers = append(handlers, entry.handlers[id])
	}
	return handlers
}

// Topics returns the registered destinations in sorted order
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedDestinations()
}

// Len returns the number of registered topics
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// LiveCount returns the number of live subscriptions
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Live returns subscription id by destination for the live subscriptions
func (r *Registry) Live() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.live))
	for subID, dest := range r.live {
		out[dest] = subID
	}
	return out
}

func (r *Registry) sortedDestinations() []string {
	dests := make([]string, 0, len(r.topics))
	for dest := range r.topics {
		dests = append(dests, dest)
	}
	sort.Strings(dests)
	return dests
}
