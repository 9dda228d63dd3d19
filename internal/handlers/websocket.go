package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tarunm/consolestream/internal/auth"
	"github.com/tarunm/consolestream/internal/metrics"
	"github.com/tarunm/consolestream/internal/models"
	"github.com/tarunm/consolestream/internal/stream"
	"go.uber.org/zap"
)

// authTimeout bounds how long a viewer may take to send its auth message
const authTimeout = 10 * time.Second

// Error codes sent to viewers
const (
	ErrCodeBadRequest   = "BAD_REQUEST"
	ErrCodeNotConnected = "NOT_CONNECTED"
	ErrCodeRateLimited  = "RATE_LIMITED"
	ErrCodeSendFailed   = "SEND_FAILED"
)

// WebSocketConfig interface for viewer socket configuration
type WebSocketConfig interface {
	GetViewerQueue() int
	GetViewerPingPeriod() time.Duration
	GetViewerPongWait() time.Duration
	GetWriteWait() time.Duration
	GetAllowedOrigins() []string
}

// WebSocketHandler serves viewer sockets at /ws/servers/:id
type WebSocketHandler struct {
	hub       *stream.Hub
	config    WebSocketConfig
	validator *auth.APIKeyValidator
	limiter   *CommandLimiter
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// NewWebSocketHandler creates a new viewer socket handler
func NewWebSocketHandler(hub *stream.Hub, config WebSocketConfig, validator *auth.APIKeyValidator, limiter *CommandLimiter, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		hub:       hub,
		config:    config,
		validator: validator,
		limiter:   limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(config.GetAllowedOrigins()),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.Named("viewer"),
	}
}

// originChecker allows the configured origins, or the upgrader's same-origin
// default when none are configured
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket upgrades the request and streams the server's state until
// the viewer goes away
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	serverID := strings.TrimSpace(c.Param("id"))
	if serverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "server id is required"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	viewerID := c.Query("viewer_id")
	if viewerID == "" {
		viewerID = generateViewerID()
	}

	viewer := NewViewer(
		viewerID,
		serverID,
		conn,
		h.config.GetViewerQueue(),
		h.config.GetViewerPingPeriod(),
		h.config.GetViewerPongWait(),
		h.config.GetWriteWait(),
		h.logger,
	)
	metrics.ViewerConnections.Inc()
	defer metrics.ViewerConnections.Dec()

	h.logger.Info("viewer connected",
		zap.String("viewer_id", viewerID),
		zap.String("server_id", serverID),
		zap.String("client_ip", c.ClientIP()),
	)

	go viewer.WritePump()
	h.serve(viewer, c.Request)

	viewer.Close()
	viewer.Wait(viewer.writeWait)
	conn.Close()
	h.limiter.Forget(viewerID)
	h.logger.Info("viewer disconnected", zap.String("viewer_id", viewerID), zap.String("server_id", serverID))
}

func (h *WebSocketHandler) serve(viewer *Viewer, r *http.Request) {
	conn := viewer.Conn
	pongWait := viewer.pongWait
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if h.validator.IsEnabled() && !h.authenticate(viewer, r) {
		return
	}

	client, release := h.hub.Acquire(viewer.ServerID)
	defer release()

	gate := &updateGate{emit: func(u models.Update) { viewer.Send(updateMessage(u)) }}
	stop := client.OnUpdate(gate.push)
	defer stop()

	gate.open(client.Snapshot(), func(snap models.Snapshot) {
		viewer.Send(models.BridgeMessage{
			Type:      "snapshot",
			Snapshot:  &snap,
			Timestamp: timestamp(),
		})
	})

	for {
		var msg models.ViewerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Warn("viewer read error", zap.String("viewer_id", viewer.ID), zap.Error(err))
			}
			return
		}

		// any message proves the viewer is alive
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(viewer, client, msg)
	}
}

// authenticate accepts a key from the upgrade request, or else requires the
// first message to be of type auth
func (h *WebSocketHandler) authenticate(viewer *Viewer, r *http.Request) bool {
	if key := auth.ExtractKey(r); key != "" {
		if h.validator.ValidateKey(key) {
			return true
		}
		h.sendError(viewer, "", auth.ErrCodeInvalidAPIKey, auth.ErrMsgInvalidAPIKey)
		return false
	}

	viewer.Conn.SetReadDeadline(time.Now().Add(authTimeout))
	var msg models.ViewerMessage
	if err := viewer.Conn.ReadJSON(&msg); err != nil {
		h.sendError(viewer, "", auth.ErrCodeUnauthorized, "Authentication timeout")
		h.logger.Warn("viewer authentication failed", zap.String("viewer_id", viewer.ID), zap.Error(err))
		return false
	}
	viewer.Conn.SetReadDeadline(time.Now().Add(viewer.pongWait))

	if msg.Type != "auth" {
		h.sendError(viewer, msg.RequestID, auth.ErrCodeUnauthorized, "Authentication required. First message must be of type 'auth'")
		return false
	}
	if !h.validator.ValidateKey(msg.APIKey) {
		h.sendError(viewer, msg.RequestID, auth.ErrCodeInvalidAPIKey, auth.ErrMsgInvalidAPIKey)
		return false
	}

	viewer.Send(models.BridgeMessage{
		Type:      "ack",
		RequestID: msg.RequestID,
		Status:    "authenticated",
		Timestamp: timestamp(),
	})
	h.logger.Info("viewer authenticated", zap.String("viewer_id", viewer.ID))
	return true
}

// handleMessage routes messages based on type
func (h *WebSocketHandler) handleMessage(viewer *Viewer, client *stream.Client, msg models.ViewerMessage) {
	switch msg.Type {
	case "command":
		h.handleCommand(viewer, client, msg)
	case "clear":
		h.handleClear(viewer, client, msg)
	case "ping":
		viewer.Send(models.BridgeMessage{Type: "pong", RequestID: msg.RequestID, Timestamp: timestamp()})
	case "auth":
		h.sendError(viewer, msg.RequestID, ErrCodeBadRequest, "Already authenticated")
	default:
		h.sendError(viewer, msg.RequestID, ErrCodeBadRequest, "Unknown message type: "+msg.Type)
	}
}

func (h *WebSocketHandler) handleCommand(viewer *Viewer, client *stream.Client, msg models.ViewerMessage) {
	if strings.TrimSpace(msg.Command) == "" {
		h.sendError(viewer, msg.RequestID, ErrCodeBadRequest, "command is required")
		return
	}
	if !h.limiter.Allow(viewer.ID) {
		metrics.CommandsPublished.WithLabelValues("rate_limited").Inc()
		h.sendError(viewer, msg.RequestID, ErrCodeRateLimited, "too many commands")
		return
	}

	switch outcome := client.SendCommand(msg.Command); outcome {
	case stream.OutcomeSent:
		viewer.Send(models.BridgeMessage{
			Type:      "ack",
			RequestID: msg.RequestID,
			Status:    outcome.String(),
			Timestamp: timestamp(),
		})
	case stream.OutcomeNotConnected:
		h.sendError(viewer, msg.RequestID, ErrCodeNotConnected, "not connected, command not sent")
	case stream.OutcomeRejected:
		h.sendError(viewer, msg.RequestID, ErrCodeBadRequest, "command rejected")
	default:
		h.sendError(viewer, msg.RequestID, ErrCodeSendFailed, "command not sent")
	}
}

func (h *WebSocketHandler) handleClear(viewer *Viewer, client *stream.Client, msg models.ViewerMessage) {
	kind := msg.Kind
	if kind == "" {
		kind = models.KindConsole
	}
	if !kind.Valid() {
		h.sendError(viewer, msg.RequestID, ErrCodeBadRequest, fmt.Sprintf("unknown kind %q", kind))
		return
	}

	client.Clear(kind)
	viewer.Send(models.BridgeMessage{
		Type:      "ack",
		RequestID: msg.RequestID,
		Status:    "cleared",
		Timestamp: timestamp(),
	})
}

// sendError sends an error message to the viewer
func (h *WebSocketHandler) sendError(viewer *Viewer, requestID, code, message string) {
	viewer.Send(models.BridgeMessage{
		Type:      "error",
		RequestID: requestID,
		Error: &models.ErrorInfo{
			Code:    code,
			Message: message,
		},
		Timestamp: timestamp(),
	})
}

// updateMessage wraps a client update for the wire
func updateMessage(u models.Update) models.BridgeMessage {
	msgType := "state"
	switch {
	case u.Event != nil:
		msgType = "event"
	case u.Cleared != "":
		msgType = "cleared"
	}
	return models.BridgeMessage{Type: msgType, Update: &u, Timestamp: timestamp()}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// generateViewerID generates a unique viewer ID
func generateViewerID() string {
	return fmt.Sprintf("viewer-%s", uuid.New().String()[:8])
}
