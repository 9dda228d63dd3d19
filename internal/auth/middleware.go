package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ExtractKey returns the API key from X-API-Key or an Authorization bearer
// token, in that order
func ExtractKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	authz := r.Header.Get("Authorization")
	if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

// AuthMiddleware rejects requests without a valid API key when auth is
// enabled
func AuthMiddleware(validator *APIKeyValidator, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("auth")

	return func(c *gin.Context) {
		if !validator.IsEnabled() {
			c.Next()
			return
		}

		apiKey := ExtractKey(c.Request)
		if apiKey == "" {
			logger.Debug("missing api key", zap.String("path", c.FullPath()), zap.String("client_ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    ErrCodeMissingAPIKey,
					"message": ErrMsgMissingAPIKey,
				},
			})
			return
		}

		if !validator.ValidateKey(apiKey) {
			logger.Warn("invalid api key", zap.String("path", c.FullPath()), zap.String("client_ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    ErrCodeInvalidAPIKey,
					"message": ErrMsgInvalidAPIKey,
				},
			})
			return
		}

		c.Next()
	}
}
