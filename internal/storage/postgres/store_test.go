package postgres

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// Runs only when PG_TEST_URL points at a disposable database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("PG_TEST_URL")
	if url == "" {
		t.Skip("PG_TEST_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := DefaultConfig(url)
	cfg.RetryInterval = 200 * time.Millisecond
	pool, err := Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool, cfg.MigrationsTable, zerolog.Nop()))
	return NewStore(pool)
}

func testUserID() int64 { return rand.Int63n(1<<40) + 1 }

func TestConnect_BadConfig(t *testing.T) {
	_, err := Connect(context.Background(), Config{ConnectionString: "postgres://%zz"})
	assert.True(t, errors.Is(err, ErrFailedToParseConfig))
}

func TestStore_Users(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testUserID()
	t.Cleanup(func() { _, _ = s.DeleteUser(context.Background(), id) })

	_, err := s.GetUser(ctx, id)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	u, created, err := s.CreateUser(ctx, domain.User{ID: id})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.GenderFemale, u.Gender)

	_, created, err = s.CreateUser(ctx, domain.User{ID: id})
	require.NoError(t, err)
	assert.False(t, created)

	u, err = s.UpdateUser(ctx, id, domain.SetGender(domain.GenderMale), domain.SetConsent(true))
	require.NoError(t, err)
	assert.Equal(t, domain.GenderMale, u.Gender)
	assert.True(t, u.ConsentGiven)

	existed, err := s.DeleteUser(ctx, id)
	require.NoError(t, err)
	assert.True(t, existed)
}

func TestStore_Counters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := testUserID()
	d := domain.Day("1999-03-10")

	for i := int64(1); i <= 3; i++ {
		n, err := s.IncrementDailyCount(ctx, id, d)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err := s.GetDailyCount(ctx, id, d)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	hist, err := s.DailyCountHistory(ctx, id, d.AddDays(-1), d)
	require.NoError(t, err)
	assert.Equal(t, []domain.DailyCount{{Date: d, Count: 3}}, hist)

	n, err = s.ResetDailyCounters(ctx, d)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	n, err = s.ResetDailyCounters(ctx, d)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_Partitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	month := time.Date(2099, 7, 1, 0, 0, 0, 0, time.UTC)
	t.Cleanup(func() { _, _ = s.DropPartition(context.Background(), month) })

	created, err := s.EnsurePartition(ctx, month)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.EnsurePartition(ctx, month)
	require.NoError(t, err)
	assert.False(t, created)

	parts, err := s.ListPartitions(ctx)
	require.NoError(t, err)
	found := 0
	for _, p := range parts {
		if p.Name == "messages_2099_07" {
			found++
		}
	}
	assert.Equal(t, 1, found)

	dropped, err := s.DropPartition(ctx, month)
	require.NoError(t, err)
	assert.True(t, dropped)
	dropped, err = s.DropPartition(ctx, month)
	require.NoError(t, err)
	assert.False(t, dropped)
}

func TestStore_MessagesByMonth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	created, err := s.EnsurePartition(ctx, now)
	require.NoError(t, err)
	if created {
		t.Cleanup(func() { _, _ = s.DropPartition(context.Background(), now) })
	}

	userID := time.Now().UnixNano()
	t.Cleanup(func() { _, _ = s.Pool.Exec(context.Background(), "DELETE FROM messages WHERE user_id = $1", userID) })

	first, err := s.CreateMessage(ctx, userID, "message", "hello", "CONTAINS_URL")
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, userID, "message", "again", "")
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, userID, now, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, "CONTAINS_URL", msgs[0].Flags)
	assert.Empty(t, msgs[1].Flags)

	msgs, err = s.ListMessages(ctx, userID, now, 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	msgs, err = s.ListMessages(ctx, userID, now.AddDate(-1, 0, 0), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
