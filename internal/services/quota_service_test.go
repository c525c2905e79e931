package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
	"github.com/tbourn/chat-gatekeeper/internal/quota"
)

func TestQuotaService_Status(t *testing.T) {
	premium := consenting(2)
	premium.Subscription = domain.SubscriptionPremium
	h := newHarness(t, nil, consenting(1), premium)
	h.pipeline.FreeLimit = 2
	counter := quota.NewCounter(h.counts, time.Second, time.UTC)
	svc := &QuotaService{Users: h.pipeline.Users.(*UserService), Counter: counter, Limits: h.pipeline}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := counter.Increment(ctx, 1, counter.Today())
		require.NoError(t, err)
	}

	st, err := svc.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Used)
	assert.Equal(t, int64(2), st.Limit)
	assert.Zero(t, st.Remaining, "remaining never goes negative")
	assert.False(t, st.Premium)

	st, err = svc.Status(ctx, 2)
	require.NoError(t, err)
	assert.True(t, st.Premium)
	assert.Equal(t, int64(1000), st.Remaining)

	_, err = svc.Status(ctx, 99)
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = svc.History(ctx, 99, 7)
	assert.ErrorIs(t, err, ErrUserNotFound)
}
