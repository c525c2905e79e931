// Package quota counts messages per user per calendar day on top of a
// persistent Store. The Counter itself is stateless: counts are never
// cached beyond a single call.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
	"github.com/tbourn/chat-gatekeeper/internal/metrics"
)

// DefaultRetentionDays is how many days of counters CleanupOlderThan keeps
// when called with a non-positive argument.
const DefaultRetentionDays = 30

// ErrInvalidUser is returned for non-positive user ids.
var ErrInvalidUser = errors.New("invalid user id")

// Store is the persistence contract. Increment must be atomic under
// concurrent calls for the same (user, day).
type Store interface {
	IncrementDailyCount(ctx context.Context, userID int64, day domain.Day) (int64, error)
	GetDailyCount(ctx context.Context, userID int64, day domain.Day) (int64, error)
	ResetDailyCounters(ctx context.Context, day domain.Day) (int64, error)
	CleanupCountersBefore(ctx context.Context, day domain.Day) (int64, error)
	DailyCountHistory(ctx context.Context, userID int64, from, to domain.Day) ([]domain.DailyCount, error)
}

// Counter wraps a Store with per-call timeouts and the send policy.
type Counter struct {
	Store Store

	// Timeout bounds every storage call. Zero disables it.
	Timeout time.Duration

	// Location defines the calendar day. Nil means time.Local.
	Location *time.Location

	Now func() time.Time
}

// NewCounter returns a Counter with the given store and timeout.
func NewCounter(store Store, timeout time.Duration, loc *time.Location) *Counter {
	return &Counter{Store: store, Timeout: timeout, Location: loc, Now: time.Now}
}

// Today returns the current calendar day in the counter's location.
func (c *Counter) Today() domain.Day {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	return domain.DayOf(now().In(loc))
}

func (c *Counter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.Timeout)
}

func observe(op string, start time.Time) {
	metrics.StorageLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Increment adds one message for userID on day and returns the new count.
func (c *Counter) Increment(ctx context.Context, userID int64, day domain.Day) (int64, error) {
	if userID <= 0 {
		return 0, ErrInvalidUser
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	defer observe("increment", time.Now())

	n, err := c.Store.IncrementDailyCount(ctx, userID, day)
	if err != nil {
		return 0, domain.Transient(err)
	}
	return n, nil
}

// Get returns the count for userID on day, zero when absent.
func (c *Counter) Get(ctx context.Context, userID int64, day domain.Day) (int64, error) {
	if userID <= 0 {
		return 0, ErrInvalidUser
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	defer observe("get", time.Now())

	n, err := c.Store.GetDailyCount(ctx, userID, day)
	if err != nil {
		return 0, domain.Transient(err)
	}
	return n, nil
}

// CanSend reports whether userID is still under limit on day. Storage
// failures fail closed: the answer is false and the error is returned.
func (c *Counter) CanSend(ctx context.Context, userID int64, limit int64, day domain.Day) (bool, error) {
	n, err := c.Get(ctx, userID, day)
	if err != nil {
		return false, err
	}
	return n < limit, nil
}

// Remaining returns max(0, limit - count).
func (c *Counter) Remaining(ctx context.Context, userID int64, limit int64, day domain.Day) (int64, error) {
	n, err := c.Get(ctx, userID, day)
	if err != nil {
		return 0, err
	}
	if n >= limit {
		return 0, nil
	}
	return limit - n, nil
}

// ResetForDate deletes all counters of day. Running it again returns 0.
func (c *Counter) ResetForDate(ctx context.Context, day domain.Day) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	defer observe("reset", time.Now())

	n, err := c.Store.ResetDailyCounters(ctx, day)
	if err != nil {
		return 0, domain.Transient(err)
	}
	return n, nil
}

// CleanupOlderThan deletes counters older than days before today.
func (c *Counter) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	cutoff := c.Today().AddDays(-days)

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	defer observe("cleanup", time.Now())

	n, err := c.Store.CleanupCountersBefore(ctx, cutoff)
	if err != nil {
		return 0, domain.Transient(err)
	}
	return n, nil
}

// History returns one row per day for the last days days ending today,
// oldest first, with zero counts filled in.
func (c *Counter) History(ctx context.Context, userID int64, days int) ([]domain.DailyCount, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	if days <= 0 {
		days = 7
	}
	to := c.Today()
	from := to.AddDays(-(days - 1))

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	defer observe("history", time.Now())

	rows, err := c.Store.DailyCountHistory(ctx, userID, from, to)
	if err != nil {
		return nil, domain.Transient(err)
	}
	byDay := make(map[domain.Day]int64, len(rows))
	for _, r := range rows {
		byDay[r.Date] = r.Count
	}
	out := make([]domain.DailyCount, 0, days)
	for d := from; d <= to; d = d.AddDays(1) {
		out = append(out, domain.DailyCount{Date: d, Count: byDay[d]})
	}
	return out, nil
}
