package handlers

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tarunm/consolestream/internal/metrics"
	"github.com/tarunm/consolestream/internal/models"
	"go.uber.org/zap"
)

const (
	// ViewerQueueSize is the buffer size of each viewer's outbound queue
	ViewerQueueSize = 100

	// WriteWait is the time allowed to write a message to the viewer
	WriteWait = 10 * time.Second

	// PongWait is the time allowed to read the next pong from the viewer
	PongWait = 60 * time.Second

	// PingPeriod sends pings with this period; must be less than PongWait
	PingPeriod = 30 * time.Second
)

// Viewer is one WebSocket watching a server through the bridge
type Viewer struct {
	ID       string
	ServerID string
	Conn     *websocket.Conn

	send      chan models.BridgeMessage
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger

	pingPeriod time.Duration
	pongWait   time.Duration
	writeWait  time.Duration
}

// NewViewer creates a viewer with its own outbound queue
func NewViewer(id, serverID string, conn *websocket.Conn, queueSize int, pingPeriod, pongWait, writeWait time.Duration, logger *zap.Logger) *Viewer {
	if queueSize <= 0 {
		queueSize = ViewerQueueSize
	}
	if pingPeriod <= 0 {
		pingPeriod = PingPeriod
	}
	if pongWait <= 0 {
		pongWait = PongWait
	}
	if writeWait <= 0 {
		writeWait = WriteWait
	}
	return &Viewer{
		ID:         id,
		ServerID:   serverID,
		Conn:       conn,
		send:       make(chan models.BridgeMessage, queueSize),
		done:       make(chan struct{}),
		pumpDone:   make(chan struct{}),
		logger:     logger.With(zap.String("viewer_id", id), zap.String("server_id", serverID)),
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		writeWait:  writeWait,
	}
}

// Send queues msg for the viewer. A full queue drops its oldest message so
// a slow viewer sees the newest state.
func (v *Viewer) Send(msg models.BridgeMessage) {
	select {
	case <-v.done:
		return
	default:
	}

	for {
		select {
		case v.send <- msg:
			return
		default:
		}

		select {
		case <-v.send:
			metrics.ViewerMessagesDropped.Inc()
			v.logger.Debug("slow viewer, dropped oldest message")
		default:
		}
	}
}

// WritePump drains the queue to the socket and pings the viewer
func (v *Viewer) WritePump() {
	ticker := time.NewTicker(v.pingPeriod)
	defer func() {
		ticker.Stop()
		v.Close()
		close(v.pumpDone)
	}()

	for {
		select {
		case <-v.done:
			v.flush()
			return

		case msg := <-v.send:
			v.Conn.SetWriteDeadline(time.Now().Add(v.writeWait))
			if err := v.Conn.WriteJSON(msg); err != nil {
				v.logger.Debug("viewer write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			v.Conn.SetWriteDeadline(time.Now().Add(v.writeWait))
			if err := v.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				v.logger.Debug("viewer ping failed", zap.Error(err))
				return
			}
		}
	}
}

// flush writes whatever is still queued, then a close frame
func (v *Viewer) flush() {
	deadline := time.Now().Add(v.writeWait)
	v.Conn.SetWriteDeadline(deadline)
	for {
		select {
		case msg := <-v.send:
			if err := v.Conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			v.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Wait blocks until the write pump has exited or timeout elapses
func (v *Viewer) Wait(timeout time.Duration) {
	select {
	case <-v.pumpDone:
	case <-time.After(timeout):
	}
}

// Done is closed once the viewer is closed
func (v *Viewer) Done() <-chan struct{} {
	return v.done
}

// Close stops the write pump; the read side closes the socket
func (v *Viewer) Close() {
	v.closeOnce.Do(func() {
		close(v.done)
	})
}

// updateGate holds back client updates until the initial snapshot is
// queued, then passes only updates newer than it
type updateGate struct {
	mu      sync.Mutex
	ready   bool
	version uint64
	pending []models.Update
	emit    func(models.Update)
}

func (g *updateGate) push(u models.Update) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.ready {
		g.pending = append(g.pending, u)
		return
	}
	if u.Version > g.version {
		g.emit(u)
	}
}

// open sends the snapshot through send and flushes held updates
func (g *updateGate) open(snap models.Snapshot, send func(models.Snapshot)) {
	g.mu.Lock()
	defer g.mu.Unlock()

	send(snap)
	g.version = snap.Version
	g.ready = true
	for _, u := range g.pending {
		if u.Version > g.version {
			g.emit(u)
		}
	}
	g.pending = nil
}
