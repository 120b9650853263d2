package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/logger"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/protocol"
	"go.uber.org/zap"
)

const (
	requestIDHeader = "X-Request-Id"
	requestIDKey    = "request_id"
	healthPath      = "/health"
)

// RequestID injects a unique X-Request-Id header into every request/response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// BearerAuth rejects requests whose bearer token does not match key. The
// health endpoint is always reachable.
func BearerAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == healthPath {
			c.Next()
			return
		}

		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			abortWithError(c, http.StatusUnauthorized, "invalid or missing API key", "authentication_error")
			return
		}
		c.Next()
	}
}

// Logging logs every request except health checks.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == healthPath {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		if logger.Log == nil {
			return
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", c.GetString(requestIDKey)),
		}
		switch {
		case c.Writer.Status() >= 500:
			logger.Log.Error("HTTP request", fields...)
		case c.Writer.Status() >= 400:
			logger.Log.Warn("HTTP request", fields...)
		default:
			logger.Log.Info("HTTP request", fields...)
		}
	}
}

// Recovery recovers from panics in handlers and logs the stack.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				if logger.Log != nil {
					logger.Log.Error("Panic recovered",
						zap.String("error", fmt.Sprintf("%v", err)),
						zap.ByteString("stack", debug.Stack()),
						zap.String("path", c.Request.URL.Path),
					)
				}
				if !c.Writer.Written() {
					abortWithError(c, http.StatusInternalServerError, "internal server error", "InternalError")
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

func abortWithError(c *gin.Context, status int, message, typ string) {
	writeRecord(c, status, protocol.ErrorResponse{Error: protocol.ErrorPayload{Message: message, Type: typ}})
	c.Abort()
}

// writeRecord writes v as a JSON body without HTML escaping, the encoding
// used for every record on the wire.
func writeRecord(c *gin.Context, status int, v any) {
	body, err := protocol.Marshal(v)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json", body)
}
