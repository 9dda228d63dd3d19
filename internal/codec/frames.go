// Package codec converts between STOMP frames carried in WebSocket messages
// and the typed events of a game-server stream.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/pkg/errors"
	"github.com/tarunm/consolestream/internal/models"
)

// ProtocolVersion is the only STOMP version we negotiate
const ProtocolVersion = "1.2"

// ContentTypeJSON is attached to every SEND body
const ContentTypeJSON = "application/json"

// ErrMalformed marks a frame or body that cannot be decoded
var ErrMalformed = errors.New("malformed frame")

// Destinations derives broker destinations from server identifiers
type Destinations struct {
	TopicPrefix string // e.g. /topic
	AppPrefix   string // e.g. /app
}

// DefaultDestinations matches the backend's Spring STOMP layout
var DefaultDestinations = Destinations{TopicPrefix: "/topic", AppPrefix: "/app"}

// Topic returns <topic-prefix>/servers/<id>/<kind>
func (d Destinations) Topic(serverID string, kind models.Kind) string {
	return d.TopicPrefix + "/servers/" + serverID + "/" + string(kind)
}

// Command returns <app-prefix>/servers/<id>/command
func (d Destinations) Command(serverID string) string {
	return d.AppPrefix + "/servers/" + serverID + "/command"
}

// ParseTopic is the inverse of Topic
func (d Destinations) ParseTopic(dest string) (string, models.Kind, bool) {
	rest, ok := strings.CutPrefix(dest, d.TopicPrefix+"/servers/")
	if !ok {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 {
		return "", "", false
	}
	kind := models.Kind(rest[i+1:])
	if !kind.Valid() {
		return "", "", false
	}
	return rest[:i], kind, true
}

// ConnectOptions are the values carried by the CONNECT frame
type ConnectOptions struct {
	Host              string
	Login             string
	Passcode          string
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
}

// Connect builds the CONNECT frame
func Connect(opts ConnectOptions) *frame.Frame {
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, ProtocolVersion,
		frame.Host, opts.Host,
		frame.HeartBeat, FormatHeartBeat(opts.HeartbeatOutgoing, opts.HeartbeatIncoming),
	)
	if opts.Login != "" {
		f.Header.Set(frame.Login, opts.Login)
		f.Header.Set(frame.Passcode, opts.Passcode)
	}
	return f
}

// Subscribe builds a SUBSCRIBE frame for one destination
func Subscribe(id, dest string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, dest,
		frame.Ack, "auto",
	)
}

// Unsubscribe builds an UNSUBSCRIBE frame
func Unsubscribe(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, frame.Id, id)
}

// Send builds a SEND frame with a JSON body
func Send(dest string, body []byte) *frame.Frame {
	f := frame.New(frame.SEND,
		frame.Destination, dest,
		frame.ContentType, ContentTypeJSON,
	)
	f.Body = body
	return f
}

// commandBody is the payload the backend expects on the command destination
type commandBody struct {
	Command string `json:"command"`
}

// Command builds the SEND frame for one console command of one server
func Command(d Destinations, serverID, text string) (*frame.Frame, error) {
	body, err := json.Marshal(commandBody{Command: text})
	if err != nil {
		return nil, errors.Wrap(err, "encode command")
	}
	return Send(d.Command(serverID), body), nil
}

// Disconnect builds the DISCONNECT frame
func Disconnect() *frame.Frame {
	return frame.New(frame.DISCONNECT)
}

// Marshal renders one frame as a WebSocket message payload. A nil frame
// renders a heart-beat.
func Marshal(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, errors.Wrap(err, "write frame")
	}
	return buf.Bytes(), nil
}

// Unmarshal parses one WebSocket message payload. A heart-beat yields a nil
// frame and a nil error.
func Unmarshal(data []byte) (*frame.Frame, error) {
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "read frame: %v", err)
	}
	if f == nil {
		return nil, nil
	}
	return f, nil
}

// FormatHeartBeat renders the heart-beat header value in milliseconds
func FormatHeartBeat(outgoing, incoming time.Duration) string {
	return strconv.FormatInt(outgoing.Milliseconds(), 10) + "," + strconv.FormatInt(incoming.Milliseconds(), 10)
}

// NegotiateHeartBeat applies the STOMP 1.2 rules to our offer (cx, cy) and
// the server's heart-beat header. A zero result disables that direction.
func NegotiateHeartBeat(cx, cy time.Duration, serverHeader string) (send, receive time.Duration, err error) {
	if serverHeader == "" {
		return 0, 0, nil
	}
	sx, sy, err := frame.ParseHeartBeat(serverHeader)
	if err != nil {
		return 0, 0, errors.Wrapf(ErrMalformed, "heart-beat %q", serverHeader)
	}
	if cx > 0 && sy > 0 {
		send = max(cx, sy)
	}
	if sx > 0 && cy > 0 {
		receive = max(sx, cy)
	}
	return send, receive, nil
}

// Describe renders a frame for debug logs without its body
func Describe(f *frame.Frame) string {
	if f == nil {
		return "heart-beat"
	}
	var b strings.Builder
	b.WriteString(f.Command)
	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		if k == frame.Passcode {
			v = "***"
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	return b.String()
}
