package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/chat-gatekeeper/internal/security"
)

const redacted = "[REDACTED]"

// RedactOptions lists extra headers whose values are replaced wholesale.
// Authorization, Cookie, Set-Cookie and X-Admin-Token are always masked.
type RedactOptions struct {
	MaskHeaders []string
}

// RedactingLogger is the access logger used when LOG_REDACT is on (the
// default). It writes the same line as Logger plus the request headers, with
// credentials masked and e-mail addresses, phone numbers and ids in the query
// and remaining header values scrubbed by security.Redact, the scrubber the
// admission path applies to message previews. Bodies are never logged.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	mask := make(map[string]struct{})
	builtin := []string{"Authorization", "Cookie", "Set-Cookie", AdminTokenHeader}
	for _, h := range append(builtin, opts.MaskHeaders...) {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			mask[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		rid := RequestIDFrom(c)
		if rid == "" {
			// Installed without RequestID; use what the client sent.
			rid = c.Writer.Header().Get(requestIDHeader)
			if rid == "" {
				rid = c.GetHeader(requestIDHeader)
			}
		}
		l := log.With().
			Str("request_id", rid).
			Str("method", c.Request.Method).
			Str("path", routeOf(c)).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		accessEvent(&l, c).
			Str("query", truncate(security.Redact(c.Request.URL.RawQuery), maxQueryLogLength)).
			Interface("headers", scrubHeaders(c.Request.Header, mask)).
			Dur("latency", time.Since(start)).
			Msg("http_request")
	}
}

// scrubHeaders flattens h, masking names in mask and redacting the rest.
func scrubHeaders(h http.Header, mask map[string]struct{}) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := mask[strings.ToLower(k)]; ok {
			out[k] = redacted
			continue
		}
		out[k] = security.Redact(strings.Join(vv, ", "))
	}
	return out
}
