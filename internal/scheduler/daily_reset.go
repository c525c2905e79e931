package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
	"github.com/tbourn/chat-gatekeeper/internal/metrics"
)

// CounterResetter is the part of quota.Counter the reset task needs.
type CounterResetter interface {
	ResetForDate(ctx context.Context, day domain.Day) (int64, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

// DailyAggregates is reset together with the counters.
type DailyAggregates interface {
	Reset() metrics.DailySnapshot
}

// ResetResult describes one completed reset.
type ResetResult struct {
	Day      domain.Day            `json:"day"`
	Deleted  int64                 `json:"deleted"`
	Cleaned  int64                 `json:"cleaned"`
	At       time.Time             `json:"at"`
	Previous metrics.DailySnapshot `json:"previous"`
}

// DailyReset wakes at local midnight, clears yesterday's counters and
// zeroes the in-process daily aggregates.
type DailyReset struct {
	Counter  CounterResetter
	Daily    DailyAggregates // optional
	Location *time.Location
	Backoff  time.Duration

	// RetentionDays bounds counter history; zero skips the cleanup step.
	RetentionDays int

	Clock Clock
	Log   zerolog.Logger

	mu   sync.Mutex
	last *ResetResult
	loop loop
}

// NewDailyReset returns a reset task with a one hour backoff.
func NewDailyReset(counter CounterResetter, daily DailyAggregates, loc *time.Location, retentionDays int) *DailyReset {
	if loc == nil {
		loc = time.Local
	}
	return &DailyReset{
		Counter:       counter,
		Daily:         daily,
		Location:      loc,
		Backoff:       time.Hour,
		RetentionDays: retentionDays,
		Clock:         RealClock(),
		Log:           log.Logger.With().Str("task", "daily_reset").Logger(),
	}
}

// NextRun returns the first local midnight strictly after now.
func (r *DailyReset) NextRun(now time.Time) time.Time {
	now = now.In(r.Location)
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, r.Location)
}

// Run loops until ctx is cancelled. Days are reset in order: when retries
// outlast a midnight, the days that passed meanwhile are reset right after
// the late one succeeds instead of being skipped.
func (r *DailyReset) Run(ctx context.Context) {
	var pending domain.Day // oldest day not yet reset; set at the first midnight
	for {
		if pending == "" || pending > r.yesterday() {
			at := r.NextRun(r.Clock.Now())
			r.Log.Info().Time("at", at).Msg("waiting for midnight")
			if sleepUntil(ctx, r.Clock, at) != nil {
				return
			}
			if pending == "" {
				pending = domain.DayOf(at.In(r.Location)).AddDays(-1)
			}
		}
		if _, ok := r.resetWithRetry(ctx, pending); !ok {
			return
		}
		pending = pending.AddDays(1)
	}
}

func (r *DailyReset) yesterday() domain.Day {
	return domain.DayOf(r.Clock.Now().In(r.Location)).AddDays(-1)
}

// resetWithRetry retries the counter reset every Backoff until it succeeds.
// The day is fixed on entry so a retry after midnight still clears the
// intended date. It returns false when ctx ends first.
func (r *DailyReset) resetWithRetry(ctx context.Context, day domain.Day) (ResetResult, bool) {
	for {
		deleted, err := r.Counter.ResetForDate(ctx, day)
		if err == nil {
			res := r.finish(ctx, day, deleted)
			return res, true
		}
		metrics.SchedulerRuns.WithLabelValues("daily_reset", "error").Inc()
		r.Log.Error().Err(err).Str("day", day.String()).Dur("backoff", r.Backoff).
			Msg("daily counter reset failed, retrying after backoff")
		if sleep(ctx, r.Clock, r.Backoff) != nil {
			return ResetResult{}, false
		}
	}
}

func (r *DailyReset) finish(ctx context.Context, day domain.Day, deleted int64) ResetResult {
	res := ResetResult{Day: day, Deleted: deleted, At: r.Clock.Now()}
	// The aggregates describe the current day; a catch-up of an older day
	// leaves them alone.
	if r.Daily != nil && day == r.yesterday() {
		res.Previous = r.Daily.Reset()
	}
	metrics.SchedulerRuns.WithLabelValues("daily_reset", "ok").Inc()

	if r.RetentionDays > 0 {
		cleaned, err := r.Counter.CleanupOlderThan(ctx, r.RetentionDays)
		if err != nil {
			metrics.SchedulerRuns.WithLabelValues("counter_cleanup", "error").Inc()
			r.Log.Warn().Err(err).Msg("old counter cleanup failed")
		} else {
			metrics.SchedulerRuns.WithLabelValues("counter_cleanup", "ok").Inc()
			res.Cleaned = cleaned
		}
	}

	r.Log.Info().
		Str("day", day.String()).
		Int64("deleted", res.Deleted).
		Int64("cleaned", res.Cleaned).
		Int64("messages", res.Previous.Messages).
		Int("active_users", res.Previous.ActiveUsers).
		Msg("daily reset complete")

	r.mu.Lock()
	r.last = &res
	r.mu.Unlock()
	return res
}

// ForceReset clears the counters of day immediately, without retries or
// touching the daily aggregates. An empty day means yesterday.
func (r *DailyReset) ForceReset(ctx context.Context, day domain.Day) (int64, error) {
	if day == "" {
		day = domain.DayOf(r.Clock.Now().In(r.Location)).AddDays(-1)
	}
	n, err := r.Counter.ResetForDate(ctx, day)
	if err != nil {
		r.Log.Error().Err(err).Str("day", day.String()).Msg("forced reset failed")
		return 0, err
	}
	r.Log.Info().Str("day", day.String()).Int64("deleted", n).Msg("forced reset")
	return n, nil
}

// LastResult returns the most recent completed scheduled reset, if any.
func (r *DailyReset) LastResult() (ResetResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return ResetResult{}, false
	}
	return *r.last, true
}

// Start runs the task in a goroutine. A second Start is a no-op.
func (r *DailyReset) Start(ctx context.Context) {
	if !r.loop.start(ctx, r.Run) {
		r.Log.Warn().Msg("daily reset already running")
	}
}

// Stop cancels the loop and waits for it to return.
func (r *DailyReset) Stop() { r.loop.stop() }
