package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

var (
	ErrRedisURL      = errors.New("failed to parse redis connection string")
	ErrRedisNotReady = errors.New("redis did not become ready")
)

// ConnectRedis parses url and pings the server, retrying attempts times.
func ConnectRedis(ctx context.Context, url string, attempts int, interval time.Duration) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrRedisURL, err)
	}
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		rdb := redis.NewClient(opt)
		if lastErr = rdb.Ping(ctx).Err(); lastErr == nil {
			return rdb, nil
		}
		_ = rdb.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(interval):
		}
	}
	return nil, errors.Join(ErrRedisNotReady, lastErr)
}

// RedisStore keeps one integer key per (day, user): <prefix>:<day>:<user>.
// Keys expire on their own after TTL; ResetDailyCounters and
// CleanupCountersBefore delete them explicitly.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix (default "quota").
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithKeyTTL sets the expiry applied on first increment (default 31 days).
func WithKeyTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "quota",
		ttl:    (DefaultRetentionDays + 1) * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(userID int64, day domain.Day) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, day, userID)
}

// incrScript increments and sets the expiry on the first hit in one round-trip.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

func (s *RedisStore) IncrementDailyCount(ctx context.Context, userID int64, day domain.Day) (int64, error) {
	return incrScript.Run(ctx, s.rdb, []string{s.key(userID, day)}, s.ttl.Milliseconds()).Int64()
}

func (s *RedisStore) GetDailyCount(ctx context.Context, userID int64, day domain.Day) (int64, error) {
	n, err := s.rdb.Get(ctx, s.key(userID, day)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) ResetDailyCounters(ctx context.Context, day domain.Day) (int64, error) {
	return s.deleteMatching(ctx, fmt.Sprintf("%s:%s:*", s.prefix, day), nil)
}

func (s *RedisStore) CleanupCountersBefore(ctx context.Context, cutoff domain.Day) (int64, error) {
	return s.deleteMatching(ctx, s.prefix+":*", func(key string) bool {
		day, ok := s.dayOf(key)
		return ok && day < cutoff
	})
}

func (s *RedisStore) DailyCountHistory(ctx context.Context, userID int64, from, to domain.Day) ([]domain.DailyCount, error) {
	var (
		days []domain.Day
		keys []string
	)
	for d := from; d <= to; d = d.AddDays(1) {
		days = append(days, d)
		keys = append(keys, s.key(userID, d))
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.DailyCount, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("quota key %s: %w", keys[i], err)
		}
		out = append(out, domain.DailyCount{Date: days[i], Count: n})
	}
	return out, nil
}

// dayOf extracts the day segment of <prefix>:<day>:<user>.
func (s *RedisStore) dayOf(key string) (domain.Day, bool) {
	rest, ok := strings.CutPrefix(key, s.prefix+":")
	if !ok {
		return "", false
	}
	day, _, ok := strings.Cut(rest, ":")
	if !ok {
		return "", false
	}
	d, err := domain.ParseDay(day)
	if err != nil {
		return "", false
	}
	return d, true
}

// deleteMatching scans keys matching pattern and deletes them. When match is
// non-nil only the keys it returns true for are deleted.
func (s *RedisStore) deleteMatching(ctx context.Context, pattern string, match func(string) bool) (int64, error) {
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return deleted, err
		}
		if keys = filterKeys(keys, match); len(keys) > 0 {
			n, err := s.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// filterKeys keeps the keys match selects, in place. A nil match selects
// every key.
func filterKeys(keys []string, match func(string) bool) []string {
	if match == nil {
		return keys
	}
	out := keys[:0]
	for _, k := range keys {
		if match(k) {
			out = append(out, k)
		}
	}
	return out
}
