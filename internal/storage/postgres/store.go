package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// Store implements the user, counter, partition and message stores on a
// pgx pool.
type Store struct {
	Pool *pgxpool.Pool
}

// NewStore wraps pool.
func NewStore(pool *pgxpool.Pool) *Store { return &Store{Pool: pool} }

const userColumns = `id, consent_given, gender, subscription, subscription_expires_at,
	language, last_message_at, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u            domain.User
		gender, tier string
	)
	err := row.Scan(&u.ID, &u.ConsentGiven, &gender, &tier, &u.SubscriptionExpiresAt,
		&u.Language, &u.LastMessageAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Gender = domain.Gender(gender)
	u.Subscription = domain.Subscription(tier)
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	u, err := scanUser(s.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if IsNotFound(err) {
		return nil, domain.ErrUserNotFound
	}
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, u domain.User) (*domain.User, bool, error) {
	if u.Gender == "" {
		u.Gender = domain.GenderFemale
	}
	if u.Subscription == "" {
		u.Subscription = domain.SubscriptionFree
	}
	if u.Language == "" {
		u.Language = "en"
	}
	created, err := scanUser(s.Pool.QueryRow(ctx, `
		INSERT INTO users (id, consent_given, gender, subscription, subscription_expires_at, language, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+userColumns,
		u.ID, u.ConsentGiven, string(u.Gender), string(u.Subscription), u.SubscriptionExpiresAt, u.Language, u.LastMessageAt))
	if err == nil {
		return created, true, nil
	}
	if !IsNotFound(err) {
		return nil, false, err
	}
	existing, err := s.GetUser(ctx, u.ID)
	return existing, false, err
}

func (s *Store) UpdateUser(ctx context.Context, id int64, updates ...domain.FieldUpdate) (*domain.User, error) {
	var out *domain.User
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		u, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
		if IsNotFound(err) {
			return domain.ErrUserNotFound
		}
		if err != nil {
			return err
		}
		for _, up := range updates {
			up.ApplyToUser(u)
		}
		u.UpdatedAt = time.Now().UTC()
		_, err = tx.Exec(ctx, `
			UPDATE users SET consent_given = $2, gender = $3, subscription = $4,
				subscription_expires_at = $5, language = $6, last_message_at = $7, updated_at = $8
			WHERE id = $1`,
			u.ID, u.ConsentGiven, string(u.Gender), string(u.Subscription),
			u.SubscriptionExpiresAt, u.Language, u.LastMessageAt, u.UpdatedAt)
		if err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

func (s *Store) DeleteUser(ctx context.Context, id int64) (bool, error) {
	var existed bool
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM daily_counters WHERE user_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return err
		}
		existed = tag.RowsAffected() > 0
		return nil
	})
	return existed, err
}

func (s *Store) callCount(ctx context.Context, sql string, args ...any) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx, sql, args...).Scan(&n)
	return n, err
}

func (s *Store) IncrementDailyCount(ctx context.Context, userID int64, day domain.Day) (int64, error) {
	return s.callCount(ctx, `SELECT increment_user_daily_count($1, $2::date)`, userID, day.String())
}

func (s *Store) GetDailyCount(ctx context.Context, userID int64, day domain.Day) (int64, error) {
	return s.callCount(ctx, `SELECT get_user_daily_count($1, $2::date)`, userID, day.String())
}

func (s *Store) ResetDailyCounters(ctx context.Context, day domain.Day) (int64, error) {
	return s.callCount(ctx, `SELECT reset_daily_counters_for_date($1::date)`, day.String())
}

func (s *Store) CleanupCountersBefore(ctx context.Context, cutoff domain.Day) (int64, error) {
	return s.callCount(ctx, `SELECT cleanup_counters_before($1::date)`, cutoff.String())
}

func (s *Store) DailyCountHistory(ctx context.Context, userID int64, from, to domain.Day) ([]domain.DailyCount, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT to_char(date, 'YYYY-MM-DD'), count FROM daily_counters
		WHERE user_id = $1 AND date BETWEEN $2::date AND $3::date
		ORDER BY date`, userID, from.String(), to.String())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.DailyCount, error) {
		var (
			d string
			c domain.DailyCount
		)
		err := r.Scan(&d, &c.Count)
		c.Date = domain.Day(d)
		return c, err
	})
}

func monthArg(month time.Time) string {
	return domain.DayOf(domain.MonthStart(month)).String()
}

func (s *Store) EnsurePartition(ctx context.Context, month time.Time) (bool, error) {
	var created bool
	err := s.Pool.QueryRow(ctx, `SELECT ensure_messages_partition($1::date)`, monthArg(month)).Scan(&created)
	return created, err
}

func (s *Store) DropPartition(ctx context.Context, month time.Time) (bool, error) {
	var dropped bool
	err := s.Pool.QueryRow(ctx, `SELECT drop_messages_partition($1::date)`, monthArg(month)).Scan(&dropped)
	return dropped, err
}

// ListPartitions reads the attached partitions of messages with their
// on-disk size and the planner's live row estimate.
func (s *Store) ListPartitions(ctx context.Context) ([]domain.Partition, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT c.relname, pg_total_relation_size(c.oid), COALESCE(st.n_live_tup, 0)
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		LEFT JOIN pg_stat_user_tables st ON st.relid = c.oid
		WHERE p.relname = 'messages'
		ORDER BY c.relname`)
	if err != nil {
		return nil, err
	}
	parts, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Partition, error) {
		var p domain.Partition
		err := r.Scan(&p.Name, &p.SizeBytes, &p.Rows)
		return p, err
	})
	if err != nil {
		return nil, err
	}
	out := parts[:0]
	for _, p := range parts {
		m, ok := domain.ParsePartitionName(p.Name)
		if !ok {
			continue
		}
		p.Month = m
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) CreateMessage(ctx context.Context, userID int64, action, content, flags string) (*domain.Message, error) {
	m := &domain.Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Action:    action,
		Content:   content,
		Flags:     flags,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO messages (id, user_id, action, content, flags, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`,
		m.ID, m.UserID, m.Action, m.Content, m.Flags, m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages reads one month of a user's messages. The range predicate on
// created_at lets the planner prune to that month's partition.
func (s *Store) ListMessages(ctx context.Context, userID int64, month time.Time, limit int) ([]domain.Message, error) {
	from := domain.MonthStart(month.UTC())
	rows, err := s.Pool.Query(ctx, `
		SELECT id::text, user_id, action, content, COALESCE(flags, ''), created_at
		FROM messages
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC, id ASC
		LIMIT NULLIF($4::int, 0)`,
		userID, from, from.AddDate(0, 1, 0), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Message, error) {
		var m domain.Message
		err := row.Scan(&m.ID, &m.UserID, &m.Action, &m.Content, &m.Flags, &m.CreatedAt)
		return m, err
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return Healthcheck(s.Pool)(ctx)
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}
