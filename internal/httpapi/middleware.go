package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/auth"
	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// RequestLogger logs all incoming requests with detailed information.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		duration := time.Since(start)
		log.Debug("Request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("request_id", requestID),
		)
	}
}

// Recovery recovers from panics and logs them.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "An internal server error occurred",
					"code":  apperrors.ErrCodeInternalError,
				})
			}
		}()

		c.Next()
	}
}

// authSkipPrefixes are reachable without a token even when auth is
// enabled: clients must be able to discover the regime and log in.
var authSkipPrefixes = []string{
	"/api/auth/status",
	"/api/auth/login/",
}

// AuthRequired rejects requests without a valid bearer token while
// password auth is enabled. When auth is disabled everything passes,
// including the enable call itself.
func AuthRequired(store *auth.Store, tokens *auth.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !store.Enabled() {
			c.Next()
			return
		}

		path := c.Request.URL.Path
		for _, prefix := range authSkipPrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}

		if tokens.Valid(requestToken(c)) {
			c.Next()
			return
		}

		appErr := apperrors.Unauthorized("authentication required")
		c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
			"error": appErr.Message,
			"code":  appErr.Code,
		})
	}
}

// requestToken extracts the credential from the session cookie or an
// Authorization: Bearer header.
func requestToken(c *gin.Context) string {
	if cookie, err := c.Request.Cookie(auth.CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
