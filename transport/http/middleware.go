package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/gatekeeper/adapters/tokenizer"
	"github.com/layer-3/gatekeeper/internal/logging"
	"github.com/layer-3/gatekeeper/ports"
)

const sessionKey = "adminSession"

// AdminMiddleware creates middleware that validates admin bearer tokens
func AdminMiddleware(tokens ports.Tokenizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")

		// Check if the Authorization header is present and in correct format
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			return
		}

		session, err := tokens.TokenToAdminSession(token)
		if err != nil {
			msg := "Invalid token"
			if errors.Is(err, tokenizer.ErrTokenExpired) {
				msg = "Token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(sessionKey, session)
		c.Next()
	}
}

// RequestLogger logs each request at debug level, and server errors at error level
func RequestLogger() gin.HandlerFunc {
	log := logging.With(logging.Component("http"))
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(started)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.ErrorContext(c.Request.Context(), "request failed", attrs...)
			return
		}
		log.DebugContext(c.Request.Context(), "request served", attrs...)
	}
}
