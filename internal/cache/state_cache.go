// Package cache keeps recently used user states in memory with a TTL and a
// least-recently-accessed eviction policy.
//
// The admission pipeline reads a user's consent, gender, language and
// subscription on every event, so the user service serves those reads from
// a StateCache and writes through it: storage is updated first, then the
// cached entry is patched with UpdateField or replaced with Set. A miss or
// an expired entry makes the service reload from storage.
//
// Expiry is measured from CachedAt, so a patch refreshes an entry's
// lifetime while plain reads do not. Reads only bump LastAccessed, which
// drives eviction when the table is full. A background loop started with
// Start sweeps expired entries; Get never returns one even between sweeps.
//
// Hits, misses, evictions and expirations are counted locally for the
// admin API and exported as Prometheus counters.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
	"github.com/tbourn/chat-gatekeeper/internal/metrics"
)

// Defaults used when New or Start get non-positive values.
const (
	DefaultTTL             = 30 * time.Minute
	DefaultMaxSize         = 10000
	DefaultCleanupInterval = 5 * time.Minute
)

// entry is one cached state. lastAccessed is atomic so Get can bump it
// under the read lock.
type entry struct {
	state        domain.CachedUserState
	lastAccessed atomic.Int64 // unix nanos
}

// Stats describes the cache at a point in time.
type Stats struct {
	Size        int           `json:"size"`
	MaxSize     int           `json:"max_size"`
	TTL         time.Duration `json:"ttl"`
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	Evictions   int64         `json:"evictions"`
	Expirations int64         `json:"expirations"`
}

// StateCache maps user ids to CachedUserState. Entries older than TTL
// (measured from CachedAt) are never returned. When the table is full the
// entry with the oldest LastAccessed is evicted.
type StateCache struct {
	mu      sync.RWMutex
	entries map[int64]*entry
	ttl     time.Duration
	maxSize int

	hits, misses, evictions, expirations atomic.Int64

	// Log is optional.
	Log *zerolog.Logger

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an empty cache. Non-positive arguments fall back to defaults.
func New(ttl time.Duration, maxSize int) *StateCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &StateCache{
		entries: make(map[int64]*entry, 64),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (c *StateCache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.state.CachedAt) > c.ttl
}

// Get returns a copy of the cached state for userID. An expired entry is
// removed and reported as a miss.
func (c *StateCache) Get(userID int64) (domain.CachedUserState, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[userID]
	if ok && !c.expired(e, now) {
		e.lastAccessed.Store(now.UnixNano())
		st := e.state.Clone()
		c.mu.RUnlock()
		st.LastAccessed = now
		c.hits.Add(1)
		metrics.CacheEvents.WithLabelValues("hit").Inc()
		return st, true
	}
	c.mu.RUnlock()

	if ok {
		c.mu.Lock()
		// Re-check under the write lock, a concurrent Set may have refreshed it.
		if cur, still := c.entries[userID]; still && c.expired(cur, now) {
			delete(c.entries, userID)
			c.expirations.Add(1)
			metrics.CacheEvents.WithLabelValues("expired").Inc()
			metrics.CacheEntries.Set(float64(len(c.entries)))
		}
		c.mu.Unlock()
	}
	c.misses.Add(1)
	metrics.CacheEvents.WithLabelValues("miss").Inc()
	return domain.CachedUserState{}, false
}

// Set stores state for its UserID, stamping CachedAt and LastAccessed.
func (c *StateCache) Set(state domain.CachedUserState) {
	now := c.now()
	st := state.Clone()
	st.CachedAt = now
	st.LastAccessed = now

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[st.UserID]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	e := &entry{state: st}
	e.lastAccessed.Store(now.UnixNano())
	c.entries[st.UserID] = e
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

// evictLocked drops the least recently accessed entry.
func (c *StateCache) evictLocked() {
	var (
		victim int64
		oldest int64
		found  bool
	)
	for id, e := range c.entries {
		la := e.lastAccessed.Load()
		if !found || la < oldest {
			victim, oldest, found = id, la, true
		}
	}
	if !found {
		return
	}
	delete(c.entries, victim)
	c.evictions.Add(1)
	metrics.CacheEvents.WithLabelValues("evicted").Inc()
	if c.Log != nil {
		c.Log.Debug().Int64("user_id", victim).Msg("state cache eviction")
	}
}

// UpdateField applies u to a live entry and refreshes its CachedAt. It
// reports false when the user is not cached or the entry has expired; the
// caller then reloads from storage.
func (c *StateCache) UpdateField(userID int64, u domain.FieldUpdate) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok || c.expired(e, now) {
		return false
	}
	st := e.state.Clone()
	u.Apply(&st)
	st.CachedAt = now
	st.LastAccessed = now

	ne := &entry{state: st}
	ne.lastAccessed.Store(now.UnixNano())
	c.entries[userID] = ne
	return true
}

// Invalidate removes userID. It reports whether an entry was present.
func (c *StateCache) Invalidate(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[userID]; !ok {
		return false
	}
	delete(c.entries, userID)
	metrics.CacheEvents.WithLabelValues("invalidated").Inc()
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return true
}

// Clear drops every entry and returns how many there were.
func (c *StateCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[int64]*entry, 64)
	metrics.CacheEntries.Set(0)
	return n
}

// Len returns the number of entries, expired ones included until swept.
func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns counters and sizing.
func (c *StateCache) Stats() Stats {
	return Stats{
		Size:        c.Len(),
		MaxSize:     c.maxSize,
		TTL:         c.ttl,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
}

// CleanupExpired removes all expired entries and returns how many.
func (c *StateCache) CleanupExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, id)
			n++
		}
	}
	if n > 0 {
		c.expirations.Add(int64(n))
		metrics.CacheEvents.WithLabelValues("expired").Add(float64(n))
		metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	return n
}

// Start runs CleanupExpired every interval until ctx is cancelled or Stop
// is called. Calling Start twice is a no-op.
func (c *StateCache) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.CleanupExpired(); n > 0 && c.Log != nil {
					c.Log.Debug().Int("removed", n).Msg("state cache cleanup")
				}
			}
		}
	}()
}

// Stop halts the cleanup loop and waits for it to exit.
func (c *StateCache) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
