// Package httpapi wires the HTTP transport (Gin) to the gatekeeper handlers
// and middleware. It centralizes cross-cutting concerns such as tracing,
// correlation IDs, logging/redaction, panic recovery, compression, metrics,
// edge rate limiting, CORS, security headers and admin authentication.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/chat-gatekeeper/internal/config"
	"github.com/tbourn/chat-gatekeeper/internal/http/handlers"
	"github.com/tbourn/chat-gatekeeper/internal/http/middleware"
)

// maxBodyBytes caps request bodies. Messages are limited far below this.
const maxBodyBytes = 1 << 20

var (
	corsMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.AdminTokenHeader}
	corsExpose  = []string{"X-Request-ID", "Content-Length", "Retry-After"}
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the public API and the admin API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Access log (redacting unless LOG_REDACT=false)
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Gzip responses (except /metrics, which promhttp compresses itself)
//  7. Metrics
//  8. Edge rate limiter (per client IP; probes exempt)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, h *handlers.Handlers, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())

	if cfg.Security.RedactLogs {
		r.Use(middleware.RedactingLogger(middleware.RedactOptions{
			MaskHeaders: []string{"X-API-Key"},
		}))
	} else {
		r.Use(middleware.Logger())
	}

	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP())
	rl.Skip = middleware.SkipPaths("/health", "/metrics")
	r.Use(rl.Handler())

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)

	// HSTS only when enabled and request is HTTPS
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", h.Health)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/admissions", h.Admit)
		api.POST("/admissions/commit", h.CommitAdmission)
		api.POST("/messages", h.PostMessage)

		users := api.Group("/users/:id")
		users.GET("", h.GetUser)
		users.PUT("", h.RegisterUser)
		users.DELETE("", h.DeleteUser)
		users.PATCH("/consent", h.SetConsent)
		users.PATCH("/gender", h.SetGender)
		users.PATCH("/language", h.SetLanguage)
		users.PATCH("/subscription", h.SetSubscription)
		users.GET("/quota", h.GetQuota)
		users.GET("/quota/history", h.GetQuotaHistory)
		users.GET("/messages", h.GetMessages)
	}

	admin := api.Group("/admin", middleware.AdminToken(cfg.Security.AdminToken))
	{
		admin.GET("/ratelimit", h.RateLimitOverview)
		admin.GET("/ratelimit/:subject", h.RateLimitStats)
		admin.POST("/ratelimit/:subject/unblock", h.RateLimitUnblock)
		admin.DELETE("/ratelimit/:subject/history", h.RateLimitClearHistory)

		admin.GET("/blocks", h.ListBlocks)
		admin.POST("/blocks", h.CreateBlock)
		admin.DELETE("/blocks/:subject", h.DeleteBlock)

		admin.GET("/cache", h.CacheStats)
		admin.DELETE("/cache", h.ClearCache)
		admin.DELETE("/cache/:id", h.InvalidateCache)

		admin.GET("/partitions", h.PartitionStatus)
		admin.POST("/partitions", h.CreatePartition)
		admin.DELETE("/partitions/:month", h.DropPartition)

		admin.GET("/counters/reset", h.LastReset)
		admin.POST("/counters/reset", h.ResetCounters)
		admin.POST("/counters/cleanup", h.CleanupCounters)

		admin.GET("/metrics/daily", h.DailyMetrics)
	}
}

// corsMiddleware allows every origin when none are configured, and echoes
// allowlisted origins otherwise.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	if len(origins) == 0 {
		return []gin.HandlerFunc{
			// Force ACAO: * even without an Origin header (simple health checks).
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins:  true,
				AllowMethods:     corsMethods,
				AllowHeaders:     corsHeaders,
				ExposeHeaders:    corsExpose,
				AllowCredentials: false, // must remain false with AllowAllOrigins
				MaxAge:           12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     corsMethods,
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    corsExpose,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}),
	}
}

// limitBody caps the request body size for all endpoints to maxBytes using
// http.MaxBytesReader. Requests exceeding the cap cause downstream body reads
// to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
