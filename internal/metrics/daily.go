package metrics

import (
	"sync"
	"time"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// DailySnapshot is a copy of the aggregates for one day.
type DailySnapshot struct {
	Day         domain.Day `json:"day"`
	ActiveUsers int        `json:"active_users"`
	NewUsers    int64      `json:"new_users"`
	Messages    int64      `json:"messages"`
	Rejections  int64      `json:"rejections"`
}

// Daily aggregates today's activity in memory. The daily reset task calls
// Reset at local midnight.
type Daily struct {
	mu         sync.Mutex
	day        domain.Day
	active     map[int64]struct{}
	newUsers   int64
	messages   int64
	rejections int64

	now func() time.Time
}

// NewDaily returns empty aggregates for the current day in loc (nil means
// time.Local).
func NewDaily(loc *time.Location) *Daily {
	if loc == nil {
		loc = time.Local
	}
	d := &Daily{
		active: make(map[int64]struct{}),
		now:    func() time.Time { return time.Now().In(loc) },
	}
	d.day = domain.DayOf(d.now())
	return d
}

// MarkActive records that userID sent an accepted message today.
func (d *Daily) MarkActive(userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[userID] = struct{}{}
	d.messages++
	d.publishLocked()
}

// MarkNewUser counts a registration.
func (d *Daily) MarkNewUser() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newUsers++
	d.publishLocked()
}

// MarkRejection counts a rejected admission.
func (d *Daily) MarkRejection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejections++
	d.publishLocked()
}

// Snapshot returns the current aggregates.
func (d *Daily) Snapshot() DailySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// Reset zeroes the aggregates, starts a new day and returns the figures of
// the day that ended.
func (d *Daily) Reset() DailySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.snapshotLocked()
	d.active = make(map[int64]struct{})
	d.newUsers, d.messages, d.rejections = 0, 0, 0
	d.day = domain.DayOf(d.now())
	d.publishLocked()
	return prev
}

func (d *Daily) snapshotLocked() DailySnapshot {
	return DailySnapshot{
		Day:         d.day,
		ActiveUsers: len(d.active),
		NewUsers:    d.newUsers,
		Messages:    d.messages,
		Rejections:  d.rejections,
	}
}

func (d *Daily) publishLocked() {
	dailyGauge.WithLabelValues("active_users").Set(float64(len(d.active)))
	dailyGauge.WithLabelValues("new_users").Set(float64(d.newUsers))
	dailyGauge.WithLabelValues("messages").Set(float64(d.messages))
	dailyGauge.WithLabelValues("rejections").Set(float64(d.rejections))
}
