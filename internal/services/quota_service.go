package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// QuotaReader is the read side of the daily counter.
type QuotaReader interface {
	Today() domain.Day
	Get(ctx context.Context, userID int64, day domain.Day) (int64, error)
	History(ctx context.Context, userID int64, days int) ([]domain.DailyCount, error)
}

// QuotaStatus is a user's standing against today's limit.
type QuotaStatus struct {
	UserID    int64      `json:"user_id"`
	Day       domain.Day `json:"day"`
	Used      int64      `json:"used"`
	Limit     int64      `json:"limit"`
	Remaining int64      `json:"remaining"`
	Premium   bool       `json:"premium"`
}

// QuotaService reports daily usage. Limits come from the admission pipeline
// so both agree on free and premium allowances.
type QuotaService struct {
	Users   *UserService
	Counter QuotaReader
	Limits  *AdmissionPipeline
	Now     func() time.Time
}

func (s *QuotaService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Status returns today's usage for userID. Unknown users yield ErrUserNotFound.
func (s *QuotaService) Status(ctx context.Context, userID int64) (QuotaStatus, error) {
	ctx, span := otel.Tracer("services/QuotaService").Start(ctx, "Status",
		trace.WithAttributes(attribute.Int64("user.id", userID)),
	)
	defer span.End()

	st, err := s.Users.State(ctx, userID)
	if err != nil {
		return QuotaStatus{}, err
	}
	now := s.now()
	day := s.Counter.Today()
	used, err := s.Counter.Get(ctx, userID, day)
	if err != nil {
		span.RecordError(err)
		return QuotaStatus{}, err
	}
	limit := s.Limits.LimitFor(st, now)
	return QuotaStatus{
		UserID:    userID,
		Day:       day,
		Used:      used,
		Limit:     limit,
		Remaining: max(limit-used, 0),
		Premium:   st.IsPremium(now),
	}, nil
}

// History returns the last days of counters for userID, oldest first.
func (s *QuotaService) History(ctx context.Context, userID int64, days int) ([]domain.DailyCount, error) {
	if _, err := s.Users.State(ctx, userID); err != nil {
		return nil, err
	}
	return s.Counter.History(ctx, userID, days)
}
