package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/chat-gatekeeper/internal/metrics"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), rl.Handler())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/v1/admissions", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func fromIP(method, path, ip string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = ip + ":5555"
	return req
}

func TestRateLimiter_PerClientBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	base := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return base }
	r := limitedRouter(rl)
	rejected := testutil.ToFloat64(metrics.EdgeRejections)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, fromIP(http.MethodPost, "/api/v1/admissions", "203.0.113.1"))
		if w.Code != http.StatusOK {
			t.Fatalf("burst request %d: status %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, fromIP(http.MethodPost, "/api/v1/admissions", "203.0.113.1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q", got)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["code"] != "too_many_requests" || body["request_id"] == "" {
		t.Fatalf("unexpected envelope: %v", body)
	}
	if got := testutil.ToFloat64(metrics.EdgeRejections); got != rejected+1 {
		t.Fatalf("edge rejections = %v, want %v", got, rejected+1)
	}

	// Another client has its own bucket.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, fromIP(http.MethodPost, "/api/v1/admissions", "198.51.100.2"))
	if w.Code != http.StatusOK {
		t.Fatalf("other client: status %d", w.Code)
	}

	// One second later the first client has a token again.
	base = base.Add(time.Second)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, fromIP(http.MethodPost, "/api/v1/admissions", "203.0.113.1"))
	if w.Code != http.StatusOK {
		t.Fatalf("after refill: status %d", w.Code)
	}
}

func TestRateLimiter_ZeroRateRetryAfter(t *testing.T) {
	rl := NewRateLimiter(0, 0, KeyByIP())
	r := limitedRouter(rl)

	r.ServeHTTP(httptest.NewRecorder(), fromIP(http.MethodPost, "/api/v1/admissions", "203.0.113.9"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, fromIP(http.MethodPost, "/api/v1/admissions", "203.0.113.9"))
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "1" {
		t.Fatalf("status %d, Retry-After %q", w.Code, w.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_SkipProbes(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, nil)
	rl.Skip = SkipPaths("/health", "/metrics")
	r := limitedRouter(rl)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, fromIP(http.MethodGet, "/health", "203.0.113.3"))
		if w.Code != http.StatusOK {
			t.Fatalf("probe %d limited: %d", i, w.Code)
		}
	}
}

func TestRateLimiter_SweepsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	base := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return base }

	rl.limiterFor("ip:stale")
	base = base.Add(idleBucketTTL)
	for i := 0; i < sweepEvery-1; i++ {
		rl.limiterFor("ip:busy")
	}
	if _, ok := rl.buckets["ip:stale"]; ok {
		t.Fatalf("idle bucket survived the sweep")
	}
	if _, ok := rl.buckets["ip:busy"]; !ok {
		t.Fatalf("active bucket evicted")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       1,
		300 * time.Millisecond:  1,
		1500 * time.Millisecond: 2,
		3 * time.Second:         3,
	}
	for d, want := range cases {
		if got := retryAfterSeconds(d); got != want {
			t.Fatalf("retryAfterSeconds(%v) = %d, want %d", d, got, want)
		}
	}
}
