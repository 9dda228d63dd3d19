package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Conn is the subset of *websocket.Conn the stream client uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens one transport session to the broker endpoint
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// stompSubprotocols are offered on upgrade; brokers that ignore them still work
var stompSubprotocols = []string{"v12.stomp", "v11.stomp"}

// WebSocketDialer dials the broker with gorilla/websocket. Header carries
// whatever the existing session needs (cookie, bearer token).
type WebSocketDialer struct {
	Header http.Header
}

// NewWebSocketDialer creates a dialer that sends the given upgrade headers
func NewWebSocketDialer(headers map[string][]string) *WebSocketDialer {
	return &WebSocketDialer{Header: http.Header(headers).Clone()}
}

// Dial implements Dialer. The handshake is bounded by ctx.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:           http.ProxyFromEnvironment,
		Subprotocols:    stompSubprotocols,
		ReadBufferSize:  4096,
		WriteBufferSize: 1024,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: http status %d", endpoint, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", endpoint)
	}
	return conn, nil
}
