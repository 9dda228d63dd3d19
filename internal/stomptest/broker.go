// Package stomptest provides an in-process STOMP-over-WebSocket broker for
// tests. It speaks just enough STOMP 1.2 to drive the stream client.
package stomptest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/tarunm/consolestream/internal/codec"
)

// Subscription is one live SUBSCRIBE on a broker connection
type Subscription struct {
	Conn        int
	ID          string
	Destination string
}

// Option configures a Broker
type Option func(*Broker)

// WithHeartBeat sets the heart-beat header sent in CONNECTED
func WithHeartBeat(header string) Option {
	return func(b *Broker) { b.heartBeat = header }
}

// WithHandshakeDelay holds CONNECTED back by d
func WithHandshakeDelay(d time.Duration) Option {
	return func(b *Broker) { b.handshakeDelay.Store(int64(d)) }
}

// WithRejectConnect answers CONNECT with an ERROR frame
func WithRejectConnect() Option {
	return func(b *Broker) { b.reject.Store(true) }
}

// Broker is a test STOMP broker on an httptest server
type Broker struct {
	server *httptest.Server
	URL    string // ws:// URL of the broker endpoint

	heartBeat      string
	handshakeDelay atomic.Int64
	reject         atomic.Bool

	connects atomic.Int64
	msgSeq   atomic.Int64
	connSeq  atomic.Int64

	mu         sync.Mutex
	conns      map[int]*brokerConn
	subscribes map[string]int // destination -> SUBSCRIBE frames ever received
	sent       []*frame.Frame
	closed     chan struct{}
	closeOnce  sync.Once
}

type brokerConn struct {
	id          int
	ws          *websocket.Conn
	mu          sync.Mutex
	established bool
	subs        map[string]string // subscription id -> destination
}

func (c *brokerConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"v12.stomp", "v11.stomp"},
	CheckOrigin:  func(*http.Request) bool { return true },
}

// NewBroker starts a broker and registers its shutdown with t.Cleanup
func NewBroker(t testing.TB, opts ...Option) *Broker {
	t.Helper()

	b := &Broker{
		heartBeat:  "0,0",
		conns:      make(map[int]*brokerConn),
		subscribes: make(map[string]int),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.server = httptest.NewServer(http.HandlerFunc(b.serve))
	b.URL = "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws/websocket"
	t.Cleanup(b.Close)
	return b
}

// SetHandshakeDelay changes the CONNECTED delay for later connections
func (b *Broker) SetHandshakeDelay(d time.Duration) {
	b.handshakeDelay.Store(int64(d))
}

// SetRejectConnect toggles ERROR replies to CONNECT
func (b *Broker) SetRejectConnect(reject bool) {
	b.reject.Store(reject)
}

func (b *Broker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &brokerConn{id: int(b.connSeq.Add(1)), ws: ws, subs: make(map[string]string)}
	b.mu.Lock()
	b.conns[conn.id] = conn
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn.id)
		b.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := codec.Unmarshal(data)
		if err != nil || f == nil {
			continue
		}

		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			if !b.handshake(conn) {
				return
			}
		case frame.SUBSCRIBE:
			id, dest := f.Header.Get(frame.Id), f.Header.Get(frame.Destination)
			b.mu.Lock()
			b.subscribes[dest]++
			b.mu.Unlock()
			conn.mu.Lock()
			conn.subs[id] = dest
			conn.mu.Unlock()
		case frame.UNSUBSCRIBE:
			conn.mu.Lock()
			delete(conn.subs, f.Header.Get(frame.Id))
			conn.mu.Unlock()
		case frame.SEND:
			b.mu.Lock()
			b.sent = append(b.sent, f)
			b.mu.Unlock()
		case frame.DISCONNECT:
			return
		}
	}
}

func (b *Broker) handshake(conn *brokerConn) bool {
	b.connects.Add(1)

	if d := time.Duration(b.handshakeDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-b.closed:
			return false
		}
	}

	if b.reject.Load() {
		data, _ := codec.Marshal(frame.New(frame.ERROR, frame.Message, "access denied"))
		conn.write(data)
		return false
	}

	data, _ := codec.Marshal(frame.New(frame.CONNECTED,
		frame.Version, codec.ProtocolVersion,
		frame.HeartBeat, b.heartBeat,
	))
	if err := conn.write(data); err != nil {
		return false
	}

	conn.mu.Lock()
	conn.established = true
	conn.mu.Unlock()
	return true
}

// connList returns connections that completed the handshake, or every
// connection when all is set
func (b *Broker) connList(all bool) []*brokerConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*brokerConn, 0, len(b.conns))
	for _, c := range b.conns {
		c.mu.Lock()
		ok := all || c.established
		c.mu.Unlock()
		if ok {
			out = append(out, c)
		}
	}
	return out
}

// Publish sends body as a MESSAGE to every subscription on destination and
// returns how many subscriptions received it
func (b *Broker) Publish(destination string, body []byte) int {
	delivered := 0
	for _, conn := range b.connList(false) {
		conn.mu.Lock()
		var ids []string
		for id, dest := range conn.subs {
			if dest == destination {
				ids = append(ids, id)
			}
		}
		conn.mu.Unlock()

		for _, id := range ids {
			f := frame.New(frame.MESSAGE,
				frame.Destination, destination,
				frame.Subscription, id,
				frame.MessageId, strconv.FormatInt(b.msgSeq.Add(1), 10),
				frame.ContentType, codec.ContentTypeJSON,
			)
			f.Body = body
			data, err := codec.Marshal(f)
			if err != nil {
				continue
			}
			if conn.write(data) == nil {
				delivered++
			}
		}
	}
	return delivered
}

// PublishRaw writes data verbatim to every connection
func (b *Broker) PublishRaw(data []byte) {
	for _, conn := range b.connList(false) {
		conn.write(data)
	}
}

// SendError sends an ERROR frame to every connection
func (b *Broker) SendError(message string) {
	data, _ := codec.Marshal(frame.New(frame.ERROR, frame.Message, message))
	b.PublishRaw(data)
}

// DropConnections closes every connection without a DISCONNECT
func (b *Broker) DropConnections() {
	for _, conn := range b.connList(true) {
		conn.ws.Close()
	}
}

// Subscriptions returns the live subscriptions across connections
func (b *Broker) Subscriptions() []Subscription {
	var out []Subscription
	for _, conn := range b.connList(false) {
		conn.mu.Lock()
		for id, dest := range conn.subs {
			out = append(out, Subscription{Conn: conn.id, ID: id, Destination: dest})
		}
		conn.mu.Unlock()
	}
	return out
}

// Subscribed reports whether destination has a live subscription
func (b *Broker) Subscribed(destination string) bool {
	for _, s := range b.Subscriptions() {
		if s.Destination == destination {
			return true
		}
	}
	return false
}

// SubscribeCount returns how many SUBSCRIBE frames named destination
func (b *Broker) SubscribeCount(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes[destination]
}

// Sent returns the SEND frames received so far
func (b *Broker) Sent() []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*frame.Frame(nil), b.sent...)
}

// Connections returns the number of established connections
func (b *Broker) Connections() int {
	return len(b.connList(false))
}

// ConnectCount returns how many CONNECT frames were received
func (b *Broker) ConnectCount() int {
	return int(b.connects.Load())
}

// Close stops the broker
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.DropConnections()
		b.server.CloseClientConnections()
		b.server.Close()
	})
}
