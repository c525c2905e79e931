// Health HTTP handler.
//
// GET /health pings every dependency registered in Services.Health (the
// message store, and Redis when counters live there) with a short timeout
// each. It sits outside the API base path and the edge rate limiter so
// orchestrator probes never get throttled.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chat-gatekeeper/internal/http/middleware"
)

// healthTimeout bounds each dependency ping.
const healthTimeout = 2 * time.Second

// Pinger is implemented by storage backends that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Health godoc
// @ID          health
// @Summary     Liveness and dependency check
// @Description Reports "ok" when every configured dependency answers a ping, and "degraded" with the failing dependency names otherwise.
// @Tags        Health
// @Produce     json
//
// @Success     200  {object}  map[string]any  "status ok"
// @Failure     503  {object}  map[string]any  "status degraded with down dependencies"
// @Router      /health [get]
func (h *Handlers) Health(c *gin.Context) {
	down := map[string]string{}
	for name, p := range h.svc.Health {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		if err := p.Ping(ctx); err != nil {
			down[name] = err.Error()
		}
		cancel()
	}
	if len(down) > 0 {
		lg := middleware.LoggerFrom(c)
		lg.Warn().Interface("down", down).Msg("health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "down": down})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
