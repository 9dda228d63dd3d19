package handlers

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tarunm/consolestream/internal/metrics"
	"github.com/tarunm/consolestream/internal/models"
	"github.com/tarunm/consolestream/internal/stream"
	"go.uber.org/zap"
)

// RESTHandler handles REST API endpoints
type RESTHandler struct {
	hub       *stream.Hub
	limiter   *CommandLimiter
	startTime time.Time
	logger    *zap.Logger

	// servers watched through PUT /servers/:id/watch
	mu      sync.Mutex
	watches map[string]func()
}

// NewRESTHandler creates a new REST handler
func NewRESTHandler(hub *stream.Hub, limiter *CommandLimiter, logger *zap.Logger) *RESTHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RESTHandler{
		hub:       hub,
		limiter:   limiter,
		startTime: time.Now(),
		logger:    logger.Named("rest"),
		watches:   make(map[string]func()),
	}
}

// GetHealth handles GET /health
func (h *RESTHandler) GetHealth(c *gin.Context) {
	manager := h.hub.Manager()
	c.JSON(http.StatusOK, models.HealthResponse{
		UptimeSec:  int(time.Since(h.startTime).Seconds()),
		Connection: manager.State().String(),
		Topics:     len(manager.Topics()),
		Watched:    h.hub.Watched(),
	})
}

// GetState handles GET /servers/:id/state
func (h *RESTHandler) GetState(c *gin.Context) {
	client, ok := h.hub.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "server is not watched"})
		return
	}
	c.JSON(http.StatusOK, client.Snapshot())
}

// Watch handles PUT /servers/:id/watch. The server stays watched until
// DELETE /servers/:id/watch.
func (h *RESTHandler) Watch(c *gin.Context) {
	serverID := strings.TrimSpace(c.Param("id"))
	if serverID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "server id is required"})
		return
	}

	h.mu.Lock()
	_, exists := h.watches[serverID]
	if !exists {
		_, release := h.hub.Acquire(serverID)
		h.watches[serverID] = release
	}
	h.mu.Unlock()

	status := http.StatusOK
	if !exists {
		status = http.StatusCreated
		h.logger.Info("server watched", zap.String("server_id", serverID))
	}
	c.JSON(status, gin.H{"status": "watching", "server_id": serverID})
}

// Unwatch handles DELETE /servers/:id/watch
func (h *RESTHandler) Unwatch(c *gin.Context) {
	serverID := c.Param("id")

	h.mu.Lock()
	release, ok := h.watches[serverID]
	delete(h.watches, serverID)
	h.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "server is not watched"})
		return
	}
	release()
	h.logger.Info("server unwatched", zap.String("server_id", serverID))
	c.JSON(http.StatusOK, gin.H{"status": "unwatched", "server_id": serverID})
}

// SendCommand handles POST /servers/:id/command
func (h *RESTHandler) SendCommand(c *gin.Context) {
	serverID := strings.TrimSpace(c.Param("id"))

	var req models.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}
	if !h.limiter.Allow("rest:" + c.ClientIP()) {
		metrics.CommandsPublished.WithLabelValues("rate_limited").Inc()
		c.JSON(http.StatusTooManyRequests, models.CommandResponse{ServerID: serverID, Outcome: "rate_limited"})
		return
	}

	outcome := h.hub.Publisher().Publish(serverID, req.Command)
	resp := models.CommandResponse{ServerID: serverID, Outcome: outcome.String()}
	switch outcome {
	case stream.OutcomeSent:
		c.JSON(http.StatusAccepted, resp)
	case stream.OutcomeRejected:
		c.JSON(http.StatusBadRequest, resp)
	default:
		c.JSON(http.StatusServiceUnavailable, resp)
	}
}

// ClearConsole handles DELETE /servers/:id/console
func (h *RESTHandler) ClearConsole(c *gin.Context) {
	client, ok := h.hub.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "server is not watched"})
		return
	}

	client.ClearConsole()
	c.JSON(http.StatusOK, models.ClearResponse{
		Status:   "cleared",
		ServerID: client.ServerID(),
		Kind:     models.KindConsole,
	})
}

// Close releases every server watched through the REST API
func (h *RESTHandler) Close() {
	h.mu.Lock()
	watches := h.watches
	h.watches = make(map[string]func())
	h.mu.Unlock()

	for _, release := range watches {
		release()
	}
}
