package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// UserStore is the persistent source of truth for users.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	CreateUser(ctx context.Context, u domain.User) (*domain.User, bool, error)
	UpdateUser(ctx context.Context, id int64, updates ...domain.FieldUpdate) (*domain.User, error)
	DeleteUser(ctx context.Context, id int64) (bool, error)
}

// StateCache is the in-memory view of user state. It is satisfied by
// *cache.StateCache.
type StateCache interface {
	Get(userID int64) (domain.CachedUserState, bool)
	Set(state domain.CachedUserState)
	UpdateField(userID int64, u domain.FieldUpdate) bool
	Invalidate(userID int64) bool
}

// NewUserCounter is notified of registrations. *metrics.Daily satisfies it.
type NewUserCounter interface {
	MarkNewUser()
}

// UserService serves user state from the cache and falls back to the store
// on a miss. Writes go to the store first; the cache is then patched in
// place, or invalidated after destructive writes.
type UserService struct {
	Store UserStore
	Cache StateCache

	// Timeout bounds every store call. Zero disables it.
	Timeout time.Duration

	// DefaultLanguage is used for users registered implicitly.
	DefaultLanguage string

	// Daily is optional.
	Daily NewUserCounter

	Log *zerolog.Logger
	Now func() time.Time
}

func (s *UserService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *UserService) logger() *zerolog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return &log.Logger
}

func (s *UserService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.Timeout)
}

func (s *UserService) startSpan(ctx context.Context, op string, userID int64) (context.Context, trace.Span) {
	return otel.Tracer("services/UserService").Start(ctx, op,
		trace.WithAttributes(attribute.Int64("user.id", userID)),
	)
}

// State returns the user's cached state, reading through to the store on a
// miss or an expired entry. Unknown users yield ErrUserNotFound; any other
// store failure is transient and leaves the cache untouched.
func (s *UserService) State(ctx context.Context, userID int64) (domain.CachedUserState, error) {
	if userID <= 0 {
		return domain.CachedUserState{}, ErrInvalidUserID
	}
	if st, ok := s.Cache.Get(userID); ok {
		return st, nil
	}

	ctx, span := s.startSpan(ctx, "State", userID)
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	u, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrUserNotFound) {
			span.RecordError(err)
		}
		return domain.CachedUserState{}, domain.Transient(err)
	}
	st := domain.StateFromUser(*u, s.now())
	s.Cache.Set(st)
	return st, nil
}

// Register creates the user unless it already exists and caches its state.
// created reports whether a new record was written.
func (s *UserService) Register(ctx context.Context, userID int64, lang string) (domain.CachedUserState, bool, error) {
	if userID <= 0 {
		return domain.CachedUserState{}, false, ErrInvalidUserID
	}
	if lang == "" {
		lang = s.DefaultLanguage
	}
	if lang != "" {
		code, err := canonicalLanguage(lang)
		if err != nil {
			return domain.CachedUserState{}, false, err
		}
		lang = code
	}

	ctx, span := s.startSpan(ctx, "Register", userID)
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	u, created, err := s.Store.CreateUser(ctx, domain.User{ID: userID, Language: lang})
	if err != nil {
		span.RecordError(err)
		return domain.CachedUserState{}, false, domain.Transient(err)
	}
	if created {
		if s.Daily != nil {
			s.Daily.MarkNewUser()
		}
		s.logger().Info().Int64("user_id", userID).Str("language", u.Language).Msg("user registered")
	}
	st := domain.StateFromUser(*u, s.now())
	s.Cache.Set(st)
	return st, created, nil
}

// Ensure returns the user's state, registering unknown users with the
// default language.
func (s *UserService) Ensure(ctx context.Context, userID int64) (domain.CachedUserState, error) {
	st, err := s.State(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		st, _, err = s.Register(ctx, userID, "")
	}
	return st, err
}

// update persists updates and patches the cached entry if there is one. The
// returned state reflects the persisted record.
func (s *UserService) update(ctx context.Context, op string, userID int64, updates ...domain.FieldUpdate) (domain.CachedUserState, error) {
	if userID <= 0 {
		return domain.CachedUserState{}, ErrInvalidUserID
	}
	ctx, span := s.startSpan(ctx, op, userID)
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	u, err := s.Store.UpdateUser(ctx, userID, updates...)
	if err != nil {
		if !errors.Is(err, domain.ErrUserNotFound) {
			span.RecordError(err)
		}
		return domain.CachedUserState{}, domain.Transient(err)
	}
	for _, up := range updates {
		s.Cache.UpdateField(userID, up)
	}
	return domain.StateFromUser(*u, s.now()), nil
}

// SetConsent records whether the user accepted the terms of use.
func (s *UserService) SetConsent(ctx context.Context, userID int64, given bool) (domain.CachedUserState, error) {
	return s.update(ctx, "SetConsent", userID, domain.SetConsent(given))
}

// SetGender records the persona preference.
func (s *UserService) SetGender(ctx context.Context, userID int64, g domain.Gender) (domain.CachedUserState, error) {
	if !g.Valid() {
		return domain.CachedUserState{}, ErrInvalidGender
	}
	return s.update(ctx, "SetGender", userID, domain.SetGender(g))
}

// SetLanguage records a BCP 47 language code in canonical form.
func (s *UserService) SetLanguage(ctx context.Context, userID int64, code string) (domain.CachedUserState, error) {
	canon, err := canonicalLanguage(code)
	if err != nil {
		return domain.CachedUserState{}, err
	}
	return s.update(ctx, "SetLanguage", userID, domain.SetLanguage(canon))
}

// SetSubscription records tier and expiry. Free tiers carry no expiry.
func (s *UserService) SetSubscription(ctx context.Context, userID int64, sub domain.Subscription, expiresAt *time.Time) (domain.CachedUserState, error) {
	if !sub.Valid() {
		return domain.CachedUserState{}, ErrInvalidSubscription
	}
	if sub == domain.SubscriptionFree {
		expiresAt = nil
	} else if expiresAt != nil && !expiresAt.After(s.now()) {
		return domain.CachedUserState{}, ErrInvalidSubscription
	}
	return s.update(ctx, "SetSubscription", userID, domain.SetSubscription(sub, expiresAt))
}

// Touch records the time of the user's last accepted message.
func (s *UserService) Touch(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.update(ctx, "Touch", userID, domain.SetLastMessageAt(at))
	return err
}

// ResetAccount deletes the user together with its counters and drops the
// cached state. existed reports whether there was anything to delete.
func (s *UserService) ResetAccount(ctx context.Context, userID int64) (bool, error) {
	if userID <= 0 {
		return false, ErrInvalidUserID
	}
	ctx, span := s.startSpan(ctx, "ResetAccount", userID)
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	existed, err := s.Store.DeleteUser(ctx, userID)
	// Invalidate even on failure: the row may be gone already.
	s.Cache.Invalidate(userID)
	if err != nil {
		span.RecordError(err)
		return false, domain.Transient(err)
	}
	if existed {
		s.logger().Info().Int64("user_id", userID).Msg("account reset")
	}
	return existed, nil
}

// canonicalLanguage parses code as a BCP 47 tag and returns its canonical
// string, e.g. "EN-us" becomes "en-US".
func canonicalLanguage(code string) (string, error) {
	tag, err := language.Parse(code)
	if err != nil || tag == language.Und {
		return "", ErrInvalidLanguage
	}
	return tag.String(), nil
}
