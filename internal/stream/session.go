package stream

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tarunm/consolestream/internal/codec"
	"go.uber.org/zap"
)

const (
	// DefaultSendQueue is the buffer size of a session's outbound frame queue
	DefaultSendQueue = 256

	// DefaultWriteWait is the time allowed to write a frame to the broker
	DefaultWriteWait = 10 * time.Second

	// heartbeatGraceFactor scales the negotiated receive interval into the
	// silence window after which the connection is declared dead
	heartbeatGraceFactor = 2

	// disconnectWait bounds the courtesy DISCONNECT write on teardown
	disconnectWait = time.Second
)

var (
	// ErrNotConnected is returned when there is no live broker connection
	ErrNotConnected = errors.New("not connected")

	// ErrQueueFull is returned when the outbound queue overflows; the
	// connection is closed and the reconnection loop takes over
	ErrQueueFull = errors.New("send queue full")
)

var heartbeatFrame = []byte("\n")

// session is one established STOMP connection. It owns the transport and
// the write pump; reads happen on the Manager's run goroutine.
type session struct {
	gen       uint64
	conn      Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
	subSeq    atomic.Uint64
	logger    *zap.Logger

	writeWait time.Duration
	heartbeat time.Duration // negotiated send interval, 0 = off
	receive   time.Duration // negotiated receive interval, 0 = off
}

func newSession(gen uint64, conn Conn, queueSize int, writeWait, heartbeat, receive time.Duration, logger *zap.Logger) *session {
	if queueSize <= 0 {
		queueSize = DefaultSendQueue
	}
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}
	return &session{
		gen:       gen,
		conn:      conn,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
		logger:    logger,
		writeWait: writeWait,
		heartbeat: heartbeat,
		receive:   receive,
	}
}

// nextSubID returns a subscription id unique across connections
func (s *session) nextSubID() string {
	return "sub-" + strconv.FormatUint(s.gen, 10) + "-" + strconv.FormatUint(s.subSeq.Add(1)-1, 10)
}

// readGrace is how long the broker may stay silent, 0 for no limit
func (s *session) readGrace() time.Duration {
	return s.receive * heartbeatGraceFactor
}

// enqueueFrame encodes f and queues it for the write pump. A full queue
// closes the session rather than blocking the caller.
func (s *session) enqueueFrame(f *frame.Frame) error {
	data, err := codec.Marshal(f)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}

	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrNotConnected
	default:
		s.logger.Warn("send queue overflow, closing connection", zap.Int("queue", cap(s.send)))
		s.close()
		return ErrQueueFull
	}
}

// writePump drains the send queue and emits heart-beats
func (s *session) writePump() {
	var tick <-chan time.Time
	if s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer s.close()

	for {
		select {
		case <-s.done:
			return

		case data := <-s.send:
			if err := s.write(data); err != nil {
				s.logger.Warn("write error", zap.Error(err))
				return
			}

		case <-tick:
			if err := s.write(heartbeatFrame); err != nil {
				s.logger.Warn("heart-beat error", zap.Error(err))
				return
			}
		}
	}
}

func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// shutdown sends DISCONNECT on a best-effort basis and closes the session
func (s *session) shutdown() {
	select {
	case <-s.done:
		return
	default:
	}

	if data, err := codec.Marshal(codec.Disconnect()); err == nil {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(disconnectWait))
		_ = s.conn.WriteMessage(websocket.TextMessage, data)
		s.writeMu.Unlock()
	}
	s.close()
}

// close tears down the transport; safe to call more than once
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
