// Package middleware holds the Gin middleware of the gatekeeper API:
// correlation ids, access logging (plain or redacted), panic recovery,
// Prometheus instrumentation, the per-client edge limiter, security headers
// and the admin token guard.
//
// Handlers annotate the request with SetUserID and SetDecision; both access
// loggers read those values after the handler returns, so the line written
// for POST /api/v1/admissions names the user and the admission reason.
package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Gin context keys.
const (
	requestIDKey = "requestID"
	userIDKey    = "userID"
	decisionKey  = "decision"
	loggerKey    = "logger"
)

// decision is what SetDecision stores for the access log.
type decision struct {
	accepted bool
	reason   string
}

// SetUserID records the user the request acts on.
func SetUserID(c *gin.Context, id int64) {
	c.Set(userIDKey, strconv.FormatInt(id, 10))
}

// SetDecision records the admission outcome of the request.
func SetDecision(c *gin.Context, accepted bool, reason string) {
	c.Set(decisionKey, decision{accepted: accepted, reason: reason})
}

// RequestIDFrom returns the correlation id assigned by RequestID, or "".
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// LoggerFrom returns the request-scoped logger installed by Logger or
// RedactingLogger, falling back to the global logger. Never nil.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// abortJSON writes the error envelope shared with the handlers package:
// {"request_id", "code", "message"}.
func abortJSON(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": RequestIDFrom(c),
		"code":       code,
		"message":    msg,
	})
}

// routeOf is the registered route, or the raw path when nothing matched.
func routeOf(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}
