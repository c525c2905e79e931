package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbourn/chat-gatekeeper/internal/metrics"
)

const (
	// idleBucketTTL is how long an unused client bucket survives.
	idleBucketTTL = 10 * time.Minute
	// sweepEvery is the number of lookups between idle-bucket sweeps.
	sweepEvery = 5000
)

// KeyFunc maps a request to the identity its bucket is keyed by.
type KeyFunc func(*gin.Context) string

// KeyByIP keys buckets by client address. The edge limiter runs before any
// handler has parsed the body, so the caller's address is the only identity
// it can trust; per-user limits belong to the admission pipeline.
func KeyByIP() KeyFunc {
	return func(c *gin.Context) string { return "ip:" + c.ClientIP() }
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is the process-local token bucket in front of the whole API
// (RATE_RPS / RATE_BURST). It only shields the process from floods; it is
// not the per-action limiter of the admission pipeline.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc

	mu      sync.Mutex
	buckets map[string]*bucket
	lookups int

	// Skip exempts matching requests, typically probes.
	Skip func(*gin.Context) bool
	now  func() time.Time
}

// NewRateLimiter returns a limiter refilling rps tokens per second up to
// burst (at least 1) per key.
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	if keyFn == nil {
		keyFn = KeyByIP()
	}
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		keyFn:   keyFn,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// limiterFor returns the bucket of key, creating it on first use. Every
// sweepEvery lookups idle buckets are dropped first, so a stale bucket is
// evicted even when it is the one being requested.
func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.lookups++; rl.lookups >= sweepEvery {
		rl.sweepLocked(now)
		rl.lookups = 0
	}
	if b, ok := rl.buckets[key]; ok {
		b.lastSeen = now
		return b.lim
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.buckets[key] = &bucket{lim: lim, lastSeen: now}
	return lim
}

func (rl *RateLimiter) sweepLocked(now time.Time) int {
	n := 0
	for k, b := range rl.buckets {
		if now.Sub(b.lastSeen) >= idleBucketTTL {
			delete(rl.buckets, k)
			n++
		}
	}
	return n
}

// SkipPaths matches requests whose route (or raw path) is one of paths.
func SkipPaths(paths ...string) func(*gin.Context) bool {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return func(c *gin.Context) bool {
		_, ok := set[routeOf(c)]
		return ok
	}
}

// Handler enforces the limit. A refused request gets 429 with the standard
// error envelope and Retry-After set to the whole seconds until the next
// token, at least 1.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.Skip != nil && rl.Skip(c) {
			c.Next()
			return
		}

		lim := rl.limiterFor(rl.keyFn(c))
		now := rl.now()
		res := lim.ReserveN(now, 1)
		if res.OK() && res.DelayFrom(now) == 0 {
			c.Next()
			return
		}
		wait := time.Second
		if res.OK() {
			wait = res.DelayFrom(now)
			res.CancelAt(now)
		}

		metrics.EdgeRejections.Inc()
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
		abortJSON(c, http.StatusTooManyRequests, "too_many_requests", "rate limit exceeded")
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
