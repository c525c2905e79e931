// Admin HTTP handlers.
//
// This file exposes the operator API. The router mounts every route below
// behind the X-Admin-Token check: a missing header is 401, a wrong token is
// 403, and with no token configured every request is 403.
//
//   - GET    /admin/ratelimit                      (global limiter stats)
//   - GET    /admin/ratelimit/{subject}            (subject stats)
//   - POST   /admin/ratelimit/{subject}/unblock
//   - DELETE /admin/ratelimit/{subject}/history
//   - GET    /admin/blocks, POST /admin/blocks, DELETE /admin/blocks/{subject}
//   - GET    /admin/cache, DELETE /admin/cache, DELETE /admin/cache/{id}
//   - GET    /admin/partitions, POST /admin/partitions, DELETE /admin/partitions/{month}
//   - GET    /admin/counters/reset, POST /admin/counters/reset, POST /admin/counters/cleanup
//   - GET    /admin/metrics/daily
//
// Subjects in paths and bodies are "user:<id>", "ip:<addr>" or a bare user
// id. Forced partition and counter operations share the schedulers' code
// paths, so they log and record status the same way a scheduled run does.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
	"github.com/tbourn/chat-gatekeeper/internal/http/middleware"
	"github.com/tbourn/chat-gatekeeper/internal/utils"
)

// monthLayout is the format of partition months in requests, e.g. "2025-03".
const monthLayout = "2006-01"

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// BlockRequest is the JSON payload of POST /admin/blocks. An empty Duration
// blocks permanently.
type BlockRequest struct {
	Subject  string `json:"subject" binding:"required"`
	Reason   string `json:"reason"`
	Duration string `json:"duration" example:"24h"`
	Note     string `json:"note"`
}

// PartitionRequest is the JSON payload of POST /admin/partitions.
type PartitionRequest struct {
	Month string `json:"month" binding:"required" example:"2025-03"`
}

// PartitionResponse reports the outcome of a forced partition operation.
type PartitionResponse struct {
	Partition string `json:"partition"`
	Created   *bool  `json:"created,omitempty"`
	Dropped   *bool  `json:"dropped,omitempty"`
}

// ResetRequest is the JSON payload of POST /admin/counters/reset. Date
// defaults to yesterday in the server's time zone.
type ResetRequest struct {
	Date string `json:"date" example:"2025-03-09"`
}

// CleanupRequest is the JSON payload of POST /admin/counters/cleanup. Days
// defaults to the configured retention.
type CleanupRequest struct {
	Days int `json:"days"`
}

// CountResponse carries the number of affected entries.
type CountResponse struct {
	Affected int64 `json:"affected"`
}

var blockReasons = map[domain.BlockReason]struct{}{
	domain.ReasonSpam:            {},
	domain.ReasonFlood:           {},
	domain.ReasonAbuse:           {},
	domain.ReasonSecurityThreat:  {},
	domain.ReasonRateLimit:       {},
	domain.ReasonManual:          {},
	domain.ReasonRepeatViolation: {},
}

// bindOptionalJSON binds the body into dst unless the body is empty.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return false
	}
	return true
}

//
// Rate limiter
//

// RateLimitOverview godoc
// @ID          rateLimitOverview
// @Summary     Rate limiter overview
// @Description Returns subject and block counts across the limiter and the active per-action rules.
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
//
// @Success     200  {object}  ratelimit.GlobalStats
// @Failure     401  {object}  handlers.ErrorResponse  "Missing token"
// @Failure     403  {object}  handlers.ErrorResponse  "Wrong token or admin API disabled"
// @Router      /admin/ratelimit [get]
func (h *Handlers) RateLimitOverview(c *gin.Context) {
	ok(c, http.StatusOK, h.svc.RateLimits.GlobalStats())
}

// RateLimitStats godoc
// @ID          rateLimitStats
// @Summary     Subject rate limit usage
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Param       subject  path  string  true  "user:<id>, ip:<addr> or a bare user id"  example(user:42)
//
// @Success     200  {object}  ratelimit.SubjectStats
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid subject"
// @Router      /admin/ratelimit/{subject} [get]
func (h *Handlers) RateLimitStats(c *gin.Context) {
	sub, valid := subjectParam(c)
	if !valid {
		return
	}
	ok(c, http.StatusOK, h.svc.RateLimits.Stats(sub))
}

// RateLimitUnblock godoc
// @ID          rateLimitUnblock
// @Summary     Lift a limiter block
// @Description Lifts the temporary block the limiter placed on a subject. Blocks from the block list are not touched.
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Param       subject  path  string  true  "user:<id>, ip:<addr> or a bare user id"  example(user:42)
//
// @Success     200  {object}  map[string]any  "subject and whether a block was lifted"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid subject"
// @Router      /admin/ratelimit/{subject}/unblock [post]
func (h *Handlers) RateLimitUnblock(c *gin.Context) {
	sub, valid := subjectParam(c)
	if !valid {
		return
	}
	ok(c, http.StatusOK, gin.H{"subject": sub, "unblocked": h.svc.RateLimits.Unblock(sub)})
}

// RateLimitClearHistory godoc
// @ID          rateLimitClearHistory
// @Summary     Forget request windows
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Param       subject  path  string  true  "user:<id>, ip:<addr> or a bare user id"  example(user:42)
//
// @Success     200  {object}  handlers.CountResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid subject"
// @Router      /admin/ratelimit/{subject}/history [delete]
func (h *Handlers) RateLimitClearHistory(c *gin.Context) {
	sub, valid := subjectParam(c)
	if !valid {
		return
	}
	n := h.svc.RateLimits.ClearHistory(sub)
	ok(c, http.StatusOK, CountResponse{Affected: int64(n)})
}

//
// Block list
//

// BlockListResponse is one page of active blocks, oldest first.
type BlockListResponse struct {
	utils.Page
	Total  int                  `json:"total"`
	Blocks []domain.BlockRecord `json:"blocks"`
}

// ListBlocks godoc
// @ID          listBlocks
// @Summary     List active blocks (paginated)
// @Description Returns a page of active blocks, oldest first. Expired blocks are not listed.
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Param       page       query  int  false  "Page number (1-based)"  default(1)
// @Param       page_size  query  int  false  "Page size (1..500)"     default(50)
//
// @Success     200  {object}  handlers.BlockListResponse
// @Router      /admin/blocks [get]
func (h *Handlers) ListBlocks(c *gin.Context) {
	all := h.svc.Blocks.List()
	page := utils.NewPage(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)
	start, end := page.Bounds(len(all))
	ok(c, http.StatusOK, BlockListResponse{Page: page, Total: len(all), Blocks: all[start:end]})
}

// CreateBlock godoc
// @ID          createBlock
// @Summary     Block a subject
// @Description Blocks a subject for Duration, or permanently when Duration is empty. Reason defaults to "manual".
// @Tags        Admin
// @Accept      json
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Param       body  body  handlers.BlockRequest  true  "Block payload"
//
// @Success     201  {object}  domain.BlockRecord
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid subject, reason or duration"
// @Router      /admin/blocks [post]
func (h *Handlers) CreateBlock(c *gin.Context) {
	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	sub, valid := parseSubject(req.Subject)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "subject must be user:<id> or ip:<addr>")
		return
	}
	reason := domain.ReasonManual
	if r := strings.TrimSpace(req.Reason); r != "" {
		reason = domain.BlockReason(r)
		if _, known := blockReasons[reason]; !known {
			fail(c, http.StatusBadRequest, ErrCodeInvalidField, "unknown block reason")
			return
		}
	}
	var dur time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			fail(c, http.StatusBadRequest, ErrCodeInvalidField, "duration must be a positive Go duration such as 24h")
			return
		}
		dur = d
	}
	rec := h.svc.Blocks.Block(sub, reason, dur, strings.TrimSpace(req.Note))
	middleware.LoggerFrom(c).Info().Str("subject", string(sub)).Str("reason", string(reason)).Msg("admin block")
	ok(c, http.StatusCreated, rec)
}

// DeleteBlock godoc
// @ID          deleteBlock
// @Summary     Unblock a subject
// @Tags        Admin
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Param       subject  path  string  true  "user:<id>, ip:<addr> or a bare user id"  example(user:42)
//
// @Success     204  "Unblocked"
// @Failure     404  {object}  handlers.ErrorResponse  "Subject is not blocked"
// @Router      /admin/blocks/{subject} [delete]
func (h *Handlers) DeleteBlock(c *gin.Context) {
	sub, valid := subjectParam(c)
	if !valid {
		return
	}
	if !h.svc.Blocks.Unblock(sub) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "subject is not blocked")
		return
	}
	noContent(c)
}

//
// State cache
//

// CacheStats godoc
// @ID          cacheStats
// @Summary     State cache statistics
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
//
// @Success     200  {object}  cache.Stats
// @Router      /admin/cache [get]
func (h *Handlers) CacheStats(c *gin.Context) {
	ok(c, http.StatusOK, h.svc.Cache.Stats())
}

// ClearCache godoc
// @ID          clearCache
// @Summary     Drop every cached user state
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
//
// @Success     200  {object}  handlers.CountResponse
// @Router      /admin/cache [delete]
func (h *Handlers) ClearCache(c *gin.Context) {
	n := h.svc.Cache.Clear()
	ok(c, http.StatusOK, CountResponse{Affected: int64(n)})
}

// InvalidateCache godoc
// @ID          invalidateCache
// @Summary     Drop one user's cached state
// @Tags        Admin
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Param       id  path  int  true  "User ID"
//
// @Success     204  "Invalidated"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid user id"
// @Failure     404  {object}  handlers.ErrorResponse  "User not cached"
// @Router      /admin/cache/{id} [delete]
func (h *Handlers) InvalidateCache(c *gin.Context) {
	id, valid := userIDParam(c)
	if !valid {
		return
	}
	if !h.svc.Cache.Invalidate(id) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "user not cached")
		return
	}
	noContent(c)
}

//
// Partitions
//

// PartitionStatus godoc
// @ID          partitionStatus
// @Summary     Message partitions
// @Description Lists existing month partitions with row counts and the partition scheduler's state.
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
//
// @Success     200  {object}  scheduler.PartitionStatus
// @Failure     503  {object}  handlers.ErrorResponse  "Storage unavailable"
// @Router      /admin/partitions [get]
func (h *Handlers) PartitionStatus(c *gin.Context) {
	st, err := h.svc.Partitions.Status(c.Request.Context())
	if err != nil {
		failErr(c, err, http.StatusServiceUnavailable, ErrCodeListFailed, "cannot list partitions")
		return
	}
	ok(c, http.StatusOK, st)
}

// CreatePartition godoc
// @ID          createPartition
// @Summary     Create a month partition now
// @Description Idempotent: created is false when the partition already existed.
// @Tags        Admin
// @Accept      json
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Param       body  body  handlers.PartitionRequest  true  "Month as YYYY-MM"
//
// @Success     200  {object}  handlers.PartitionResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid month"
// @Failure     503  {object}  handlers.ErrorResponse  "Scheduler failed"
// @Router      /admin/partitions [post]
func (h *Handlers) CreatePartition(c *gin.Context) {
	var req PartitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	month, err := time.Parse(monthLayout, req.Month)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidField, "month must be YYYY-MM")
		return
	}
	created, err := h.svc.Partitions.ForceCreate(c.Request.Context(), month)
	if err != nil {
		failErr(c, err, http.StatusServiceUnavailable, ErrCodeSchedulerFailed, "partition create failed")
		return
	}
	ok(c, http.StatusOK, PartitionResponse{Partition: domain.PartitionName(month), Created: &created})
}

// DropPartition godoc
// @ID          dropPartition
// @Summary     Drop a month partition now
// @Description Deletes the month's messages. dropped is false when the partition did not exist.
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Param       month  path  string  true  "Month as YYYY-MM"  example(2025-01)
//
// @Success     200  {object}  handlers.PartitionResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid month"
// @Failure     503  {object}  handlers.ErrorResponse  "Scheduler failed"
// @Router      /admin/partitions/{month} [delete]
func (h *Handlers) DropPartition(c *gin.Context) {
	month, err := time.Parse(monthLayout, c.Param("month"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidField, "month must be YYYY-MM")
		return
	}
	dropped, err := h.svc.Partitions.ForceDrop(c.Request.Context(), month)
	if err != nil {
		failErr(c, err, http.StatusServiceUnavailable, ErrCodeSchedulerFailed, "partition drop failed")
		return
	}
	ok(c, http.StatusOK, PartitionResponse{Partition: domain.PartitionName(month), Dropped: &dropped})
}

//
// Counters and daily aggregates
//

// LastReset godoc
// @ID          lastReset
// @Summary     Last daily reset
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
//
// @Success     200  {object}  scheduler.ResetResult
// @Failure     404  {object}  handlers.ErrorResponse  "No reset has run yet"
// @Router      /admin/counters/reset [get]
func (h *Handlers) LastReset(c *gin.Context) {
	res, ran := h.svc.Resets.LastResult()
	if !ran {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no reset has run yet")
		return
	}
	ok(c, http.StatusOK, res)
}

// ResetCounters godoc
// @ID          resetCounters
// @Summary     Reset one day's counters
// @Description Deletes the message counters of Date, which defaults to yesterday in the server's time zone.
// @Tags        Admin
// @Accept      json
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Param       body  body  handlers.ResetRequest  false  "Day to reset"
//
// @Success     200  {object}  map[string]any  "day and affected"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid date"
// @Failure     503  {object}  handlers.ErrorResponse  "Counter storage unavailable"
// @Router      /admin/counters/reset [post]
func (h *Handlers) ResetCounters(c *gin.Context) {
	var req ResetRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	var day domain.Day
	if req.Date == "" {
		day = h.svc.Counters.Today().AddDays(-1)
	} else {
		d, err := domain.ParseDay(req.Date)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeInvalidField, err.Error())
			return
		}
		day = d
	}
	n, err := h.svc.Resets.ForceReset(c.Request.Context(), day)
	if err != nil {
		serviceError(c, err, "reset counters")
		return
	}
	ok(c, http.StatusOK, gin.H{"day": day, "affected": n})
}

// CleanupCounters godoc
// @ID          cleanupCounters
// @Summary     Delete old counters
// @Description Deletes counters older than Days, which defaults to the configured retention.
// @Tags        Admin
// @Accept      json
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
// @Param       body  body  handlers.CleanupRequest  false  "Retention in days"
//
// @Success     200  {object}  handlers.CountResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Negative days"
// @Failure     503  {object}  handlers.ErrorResponse  "Counter storage unavailable"
// @Router      /admin/counters/cleanup [post]
func (h *Handlers) CleanupCounters(c *gin.Context) {
	var req CleanupRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.Days < 0 {
		fail(c, http.StatusBadRequest, ErrCodeInvalidField, "days must not be negative")
		return
	}
	n, err := h.svc.Counters.CleanupOlderThan(c.Request.Context(), req.Days)
	if err != nil {
		serviceError(c, err, "cleanup counters")
		return
	}
	ok(c, http.StatusOK, CountResponse{Affected: n})
}

// DailyMetrics godoc
// @ID          dailyMetrics
// @Summary     Today's aggregates
// @Description Returns the in-process counters for the current day. They are reset after the daily counter reset.
// @Tags        Admin
// @Produce     json
//
// @Param       X-Admin-Token  header  string  true  "Operator token"
//
// @Success     200  {object}  metrics.DailySnapshot
// @Router      /admin/metrics/daily [get]
func (h *Handlers) DailyMetrics(c *gin.Context) {
	ok(c, http.StatusOK, h.svc.Daily.Snapshot())
}
