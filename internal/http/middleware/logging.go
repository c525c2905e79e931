package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDHeader = "X-Request-ID"
	// maxRequestIDLen bounds inbound correlation ids; longer ones are replaced.
	maxRequestIDLen = 128
	// maxQueryLogLength caps the logged raw query.
	maxQueryLogLength = 1024
)

// RequestID propagates a caller-supplied X-Request-ID or generates a UUID.
// Inbound ids are accepted only when short and made of [A-Za-z0-9._:-], so a
// client cannot inject arbitrary text into logs and response headers.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if !validRequestID(rid) {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

func validRequestID(s string) bool {
	if s == "" || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch b := s[i]; {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		case b == '-' || b == '_' || b == '.' || b == ':':
		default:
			return false
		}
	}
	return true
}

// Logger writes one structured access line per request and installs a
// request-scoped logger (request id, method, route) for LoggerFrom.
//
// Level: error for 5xx or gin errors, warn for 4xx, info otherwise. Admission
// rejections are 200 responses and stay at info; the line carries the
// decision so they can be filtered on "admitted":false.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		l := log.With().
			Str("request_id", RequestIDFrom(c)).
			Str("method", c.Request.Method).
			Str("path", routeOf(c)).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		accessEvent(&l, c).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("query", truncate(c.Request.URL.RawQuery, maxQueryLogLength)).
			Int64("bytes_in", c.Request.ContentLength).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// accessEvent opens the access log event at the level matching the outcome
// and adds the fields handlers record while serving.
func accessEvent(l *zerolog.Logger, c *gin.Context) *zerolog.Event {
	status := c.Writer.Status()
	var ev *zerolog.Event
	switch {
	case len(c.Errors) > 0:
		ev = l.Error().Str("errors", c.Errors.String())
	case status >= http.StatusInternalServerError:
		ev = l.Error()
	case status >= http.StatusBadRequest:
		ev = l.Warn()
	default:
		ev = l.Info()
	}
	if uid := c.GetString(userIDKey); uid != "" {
		ev = ev.Str("user_id", uid)
	}
	if v, ok := c.Get(decisionKey); ok {
		if d, ok := v.(decision); ok {
			ev = ev.Bool("admitted", d.accepted).Str("reason", d.reason)
		}
	}
	return ev.Int("status", status).Int("bytes_out", c.Writer.Size())
}

// Recovery turns a handler panic into a 500 with the standard error
// envelope and logs the stack on the request-scoped logger. When the handler
// already wrote a response only the status is forced.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			abortJSON(c, http.StatusInternalServerError, "internal_error", "internal server error")
		}()
		c.Next()
	}
}

// truncate cuts s to max bytes and appends an ellipsis; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
