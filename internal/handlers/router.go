package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/tarunm/consolestream/internal/auth"
	"go.uber.org/zap"
)

// Router bundles the bridge handlers behind one http.Handler
type Router struct {
	REST      *RESTHandler
	WebSocket *WebSocketHandler
	handler   http.Handler
}

// NewRouter wires every bridge route. Mutating routes sit behind the API-key
// middleware and viewer sockets authenticate themselves.
func NewRouter(rest *RESTHandler, ws *WebSocketHandler, validator *auth.APIKeyValidator, allowedOrigins []string, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(requestLogger(logger.Named("http")))
	router.Use(gin.Recovery())

	router.GET("/health", rest.GetHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/servers/:id/state", rest.GetState)

	// viewer sockets authenticate in-band when no key is on the upgrade
	router.GET("/ws/servers/:id", ws.HandleWebSocket)

	protected := router.Group("/servers/:id", auth.AuthMiddleware(validator, logger))
	protected.PUT("/watch", rest.Watch)
	protected.DELETE("/watch", rest.Unwatch)
	protected.POST("/command", rest.SendCommand)
	protected.DELETE("/console", rest.ClearConsole)

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "consolestream bridge",
			"endpoints": gin.H{
				"viewer":  "/ws/servers/:id",
				"state":   "/servers/:id/state",
				"command": "/servers/:id/command",
				"health":  "/health",
				"metrics": "/metrics",
			},
		})
	})

	var handler http.Handler = router
	if len(allowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-Key"},
			AllowCredentials: true,
		}).Handler(router)
	}

	return &Router{REST: rest, WebSocket: ws, handler: handler}
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// requestLogger logs one line per request with zap
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request", fields...)
			return
		}
		logger.Debug("request", fields...)
	}
}
