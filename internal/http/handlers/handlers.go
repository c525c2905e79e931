// Package handlers implements the HTTP endpoints of the gatekeeper API.
//
// Handlers are transport-thin: they validate input, call application
// services, and translate results into HTTP responses. Admission rejections
// are returned as decisions with a 200 status; only malformed input,
// missing resources and infrastructure failures use the error envelope.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chat-gatekeeper/internal/cache"
	"github.com/tbourn/chat-gatekeeper/internal/domain"
	"github.com/tbourn/chat-gatekeeper/internal/http/middleware"
	"github.com/tbourn/chat-gatekeeper/internal/metrics"
	"github.com/tbourn/chat-gatekeeper/internal/ratelimit"
	"github.com/tbourn/chat-gatekeeper/internal/scheduler"
	"github.com/tbourn/chat-gatekeeper/internal/services"
	"github.com/tbourn/chat-gatekeeper/internal/utils"
)

//
// Service contracts (context-aware)
//

// AdmissionService decides and commits inbound events.
type AdmissionService interface {
	Admit(ctx context.Context, req services.Request) services.Decision
	Commit(ctx context.Context, d services.Decision) (int64, error)
}

// MessageService admits, stores and counts chat messages.
type MessageService interface {
	// Submit admits, stores and commits one message.
	Submit(ctx context.Context, req services.Request) (services.Submission, error)
	// List returns up to limit of a user's messages from one month, oldest
	// first.
	List(ctx context.Context, userID int64, month time.Time, limit int) ([]domain.Message, error)
}

// UserService manages user state behind the state cache.
type UserService interface {
	State(ctx context.Context, userID int64) (domain.CachedUserState, error)
	Register(ctx context.Context, userID int64, lang string) (domain.CachedUserState, bool, error)
	SetConsent(ctx context.Context, userID int64, given bool) (domain.CachedUserState, error)
	SetGender(ctx context.Context, userID int64, g domain.Gender) (domain.CachedUserState, error)
	SetLanguage(ctx context.Context, userID int64, code string) (domain.CachedUserState, error)
	SetSubscription(ctx context.Context, userID int64, sub domain.Subscription, expiresAt *time.Time) (domain.CachedUserState, error)
	ResetAccount(ctx context.Context, userID int64) (bool, error)
}

// QuotaService reports daily usage.
type QuotaService interface {
	Status(ctx context.Context, userID int64) (services.QuotaStatus, error)
	History(ctx context.Context, userID int64, days int) ([]domain.DailyCount, error)
}

// RateLimitAdmin exposes limiter diagnostics and overrides.
type RateLimitAdmin interface {
	Stats(subject domain.Subject) ratelimit.SubjectStats
	GlobalStats() ratelimit.GlobalStats
	Unblock(subject domain.Subject) bool
	ClearHistory(subject domain.Subject) int
}

// BlockAdmin manages the block list.
type BlockAdmin interface {
	List() []domain.BlockRecord
	Block(subject domain.Subject, reason domain.BlockReason, duration time.Duration, note string) domain.BlockRecord
	Unblock(subject domain.Subject) bool
}

// CacheAdmin inspects and clears the state cache.
type CacheAdmin interface {
	Stats() cache.Stats
	Clear() int
	Invalidate(userID int64) bool
}

// PartitionAdmin drives the partition scheduler by hand.
type PartitionAdmin interface {
	Status(ctx context.Context) (scheduler.PartitionStatus, error)
	ForceCreate(ctx context.Context, month time.Time) (bool, error)
	ForceDrop(ctx context.Context, month time.Time) (bool, error)
}

// ResetAdmin drives the daily counter reset by hand.
type ResetAdmin interface {
	ForceReset(ctx context.Context, day domain.Day) (int64, error)
	LastResult() (scheduler.ResetResult, bool)
}

// CounterAdmin removes counter history beyond retention.
type CounterAdmin interface {
	Today() domain.Day
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

// DailyStats exposes today's in-process aggregates.
type DailyStats interface {
	Snapshot() metrics.DailySnapshot
}

//
// Handler wiring
//

// Services bundles the collaborators of Handlers.
type Services struct {
	Admission AdmissionService
	Messages  MessageService
	Users     UserService
	Quota     QuotaService

	RateLimits RateLimitAdmin
	Blocks     BlockAdmin
	Cache      CacheAdmin
	Partitions PartitionAdmin
	Resets     ResetAdmin
	Counters   CounterAdmin
	Daily      DailyStats

	// Health maps dependency names ("storage", "redis") to their pingers.
	Health map[string]Pinger
}

// Handlers groups the public and admin endpoints.
type Handlers struct {
	svc Services
}

// New constructs Handlers bound to the given services.
func New(s Services) *Handlers {
	return &Handlers{svc: s}
}

//
// Helpers
//

// userIDParam parses the :id path parameter. It writes a 400 and returns
// false when the id is not a positive integer. The id is also recorded for
// the access log.
func userIDParam(c *gin.Context) (int64, bool) {
	raw := c.Param("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, ErrCodeInvalidUser, "user id must be a positive integer")
		return 0, false
	}
	middleware.SetUserID(c, id)
	return id, true
}

// parseSubject accepts "user:<id>", "ip:<addr>" or a bare user id.
func parseSubject(s string) (domain.Subject, bool) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "user:"):
		id, err := strconv.ParseInt(strings.TrimPrefix(s, "user:"), 10, 64)
		if err != nil || id <= 0 {
			return "", false
		}
		return domain.UserSubject(id), true
	case strings.HasPrefix(s, "ip:"):
		ip := strings.TrimPrefix(s, "ip:")
		if ip == "" {
			return "", false
		}
		return domain.IPSubject(ip), true
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
		return domain.UserSubject(id), true
	}
	return "", false
}

func subjectParam(c *gin.Context) (domain.Subject, bool) {
	sub, ok := parseSubject(c.Param("subject"))
	if !ok {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "subject must be user:<id> or ip:<addr>")
	}
	return sub, ok
}

// clampDays parses the days query parameter into [1, maxDays].
func clampDays(c *gin.Context, def, maxDays int) int {
	d := utils.AtoiDefault(c.Query("days"), def)
	if d < 1 {
		d = 1
	}
	if d > maxDays {
		d = maxDays
	}
	return d
}

// clampLimit parses ?limit= and bounds it to [1, maxLimit].
func clampLimit(c *gin.Context, def, maxLimit int) int {
	n := utils.AtoiDefault(c.Query("limit"), def)
	if n < 1 {
		n = 1
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n
}
