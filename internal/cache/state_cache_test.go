package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(ttl time.Duration, size int) (*StateCache, *clock) {
	clk := &clock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	c := New(ttl, size)
	c.now = clk.Now
	return c, clk
}

func state(id int64) domain.CachedUserState {
	return domain.CachedUserState{
		UserID:       id,
		ConsentGiven: true,
		Gender:       domain.GenderFemale,
		Subscription: domain.SubscriptionFree,
		Language:     "en",
	}
}

func TestGet_TTL(t *testing.T) {
	c, clk := newTestCache(30*time.Minute, 10)
	c.Set(state(1))

	clk.Advance(29 * time.Minute)
	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.UserID)
	assert.Equal(t, clk.Now(), got.LastAccessed)

	// Reads do not extend the TTL.
	clk.Advance(2 * time.Minute)
	_, ok = c.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry removed on read")

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Expirations)
}

func TestSet_EvictsLeastRecentlyAccessed(t *testing.T) {
	c, clk := newTestCache(time.Hour, 3)
	for id := int64(1); id <= 3; id++ {
		c.Set(state(id))
		clk.Advance(time.Second)
	}
	// Touch 1 so 2 becomes the oldest.
	_, ok := c.Get(1)
	require.True(t, ok)
	clk.Advance(time.Second)

	c.Set(state(4))
	assert.Equal(t, 3, c.Len())
	_, ok = c.Get(2)
	assert.False(t, ok)
	for _, id := range []int64{1, 3, 4} {
		_, ok := c.Get(id)
		assert.True(t, ok, "user %d", id)
	}
	assert.Equal(t, int64(1), c.Stats().Evictions)

	// Overwriting an existing key never evicts.
	c.Set(state(4))
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestUpdateField(t *testing.T) {
	c, clk := newTestCache(30*time.Minute, 10)
	c.Set(state(42))
	clk.Advance(20 * time.Minute)

	require.True(t, c.UpdateField(42, domain.SetGender(domain.GenderMale)))
	got, ok := c.Get(42)
	require.True(t, ok)
	assert.Equal(t, domain.GenderMale, got.Gender)
	assert.Equal(t, clk.Now(), got.CachedAt, "update refreshes CachedAt")

	// TTL now counts from the update.
	clk.Advance(25 * time.Minute)
	_, ok = c.Get(42)
	assert.True(t, ok)

	assert.False(t, c.UpdateField(99, domain.SetConsent(true)), "absent user")

	clk.Advance(31 * time.Minute)
	assert.False(t, c.UpdateField(42, domain.SetLanguage("de")), "expired entry not updated")
}

func TestGet_ReturnsCopy(t *testing.T) {
	c, _ := newTestCache(time.Hour, 10)
	exp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := state(5)
	s.SubscriptionExpiresAt = &exp
	c.Set(s)

	got, _ := c.Get(5)
	*got.SubscriptionExpiresAt = time.Time{}
	again, _ := c.Get(5)
	assert.Equal(t, exp, *again.SubscriptionExpiresAt)
}

func TestInvalidateClearCleanup(t *testing.T) {
	c, clk := newTestCache(time.Minute, 10)
	c.Set(state(1))
	c.Set(state(2))
	assert.True(t, c.Invalidate(1))
	assert.False(t, c.Invalidate(1))

	clk.Advance(30 * time.Second)
	c.Set(state(3))
	clk.Advance(40 * time.Second)
	assert.Equal(t, 1, c.CleanupExpired())
	assert.Equal(t, 1, c.Len())

	assert.Equal(t, 1, c.Clear())
	assert.Equal(t, 0, c.Len())
}

func TestStartStop(t *testing.T) {
	c := New(time.Millisecond, 10)
	c.Set(state(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx, 5*time.Millisecond)
	c.Start(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	c := New(time.Hour, 50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := int64((g*200 + i) % 100)
				c.Set(state(id))
				c.Get(id)
				c.UpdateField(id, domain.SetConsent(i%2 == 0))
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}
