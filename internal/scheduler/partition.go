package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
	"github.com/tbourn/chat-gatekeeper/internal/metrics"
)

// PartitionStore creates and drops month partitions. Both operations are
// idempotent and report whether they changed anything.
type PartitionStore interface {
	EnsurePartition(ctx context.Context, month time.Time) (bool, error)
	DropPartition(ctx context.Context, month time.Time) (bool, error)
	ListPartitions(ctx context.Context) ([]domain.Partition, error)
}

// PartitionState is the phase of the partition maintenance loop.
type PartitionState int

const (
	StateIdle PartitionState = iota
	StateWaitingForCreateWindow
	StateCreating
	StateWaitingForDropWindow
	StateDropping
)

func (s PartitionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForCreateWindow:
		return "waiting_for_create_window"
	case StateCreating:
		return "creating"
	case StateWaitingForDropWindow:
		return "waiting_for_drop_window"
	case StateDropping:
		return "dropping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PartitionConfig fixes the monthly windows. Days must be 1..28 so every
// month has them.
type PartitionConfig struct {
	CreateDay       int
	DropDay         int
	Hour            int
	RetentionMonths int
	Backoff         time.Duration
	Location        *time.Location
}

// DefaultPartitionConfig creates next month's partition on the 25th and
// drops the one two months back on the 1st, both at 05:00 local time.
func DefaultPartitionConfig() PartitionConfig {
	return PartitionConfig{
		CreateDay:       25,
		DropDay:         1,
		Hour:            5,
		RetentionMonths: 2,
		Backoff:         time.Hour,
		Location:        time.Local,
	}
}

var ErrInvalidPartitionConfig = errors.New("invalid partition schedule")

// Validate checks day and hour ranges.
func (c PartitionConfig) Validate() error {
	switch {
	case c.CreateDay < 1 || c.CreateDay > 28:
		return fmt.Errorf("%w: create day %d not in 1..28", ErrInvalidPartitionConfig, c.CreateDay)
	case c.DropDay < 1 || c.DropDay > 28:
		return fmt.Errorf("%w: drop day %d not in 1..28", ErrInvalidPartitionConfig, c.DropDay)
	case c.Hour < 0 || c.Hour > 23:
		return fmt.Errorf("%w: hour %d not in 0..23", ErrInvalidPartitionConfig, c.Hour)
	case c.RetentionMonths < 1:
		return fmt.Errorf("%w: retention must be at least one month", ErrInvalidPartitionConfig)
	case c.Backoff <= 0:
		return fmt.Errorf("%w: backoff must be positive", ErrInvalidPartitionConfig)
	}
	return nil
}

// PartitionStatus is the operational view returned to admins.
type PartitionStatus struct {
	State       string             `json:"state"`
	NextCreate  time.Time          `json:"next_create"`
	NextDrop    time.Time          `json:"next_drop"`
	LastError   string             `json:"last_error,omitempty"`
	LastSuccess *time.Time         `json:"last_success,omitempty"`
	Partitions  []domain.Partition `json:"partitions"`
}

// PartitionScheduler keeps message partitions for the current and next
// month and retires those older than RetentionMonths.
type PartitionScheduler struct {
	Store  PartitionStore
	Config PartitionConfig
	Clock  Clock
	Log    zerolog.Logger

	// OnTransition, if set, observes every state change.
	OnTransition func(from, to PartitionState)

	mu          sync.Mutex
	state       PartitionState
	lastErr     error
	lastSuccess time.Time
	loop        loop
}

// NewPartitionScheduler validates cfg and returns an idle scheduler.
func NewPartitionScheduler(store PartitionStore, cfg PartitionConfig) (*PartitionScheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PartitionScheduler{
		Store:  store,
		Config: cfg,
		Clock:  RealClock(),
		Log:    log.Logger.With().Str("task", "partitions").Logger(),
	}, nil
}

func (s *PartitionScheduler) setState(to PartitionState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to && s.OnTransition != nil {
		s.OnTransition(from, to)
	}
}

func (s *PartitionScheduler) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if err == nil {
		s.lastSuccess = s.Clock.Now()
	}
}

// State returns the current phase.
func (s *PartitionScheduler) State() PartitionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *PartitionScheduler) window(now time.Time, day int) time.Time {
	now = now.In(s.Config.Location)
	at := time.Date(now.Year(), now.Month(), day, s.Config.Hour, 0, 0, 0, s.Config.Location)
	if !at.After(now) {
		at = time.Date(now.Year(), now.Month()+1, day, s.Config.Hour, 0, 0, 0, s.Config.Location)
	}
	return at
}

// NextCreateWindow returns the first create window strictly after now.
func (s *PartitionScheduler) NextCreateWindow(now time.Time) time.Time {
	return s.window(now, s.Config.CreateDay)
}

// NextDropWindow returns the first drop window strictly after now.
func (s *PartitionScheduler) NextDropWindow(now time.Time) time.Time {
	return s.window(now, s.Config.DropDay)
}

func (s *PartitionScheduler) monthOf(t time.Time) time.Time {
	return domain.MonthStart(t.In(s.Config.Location))
}

// Bootstrap ensures partitions for the current and next month exist and
// drops the one that already aged out. Run calls it before the first wait
// and repeats it after Backoff until it succeeds.
func (s *PartitionScheduler) Bootstrap(ctx context.Context) error {
	cur := s.monthOf(s.Clock.Now())
	var errs []error
	for _, m := range []time.Time{cur, cur.AddDate(0, 1, 0)} {
		if _, err := s.Store.EnsurePartition(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("ensure %s: %w", domain.PartitionName(m), err))
		}
	}
	old := cur.AddDate(0, -s.Config.RetentionMonths, 0)
	if _, err := s.Store.DropPartition(ctx, old); err != nil {
		errs = append(errs, fmt.Errorf("drop %s: %w", domain.PartitionName(old), err))
	}
	return errors.Join(errs...)
}

// Run drives the state machine until ctx is cancelled. Storage failures
// never end the loop: the same transition is retried after Backoff.
func (s *PartitionScheduler) Run(ctx context.Context) {
	defer s.setState(StateIdle)

	// The current month must exist before messages arrive, so bootstrap is
	// retried until it succeeds instead of waiting for the next window.
	for !s.afterStep(ctx, "partition_bootstrap", s.monthOf(s.Clock.Now()), s.Bootstrap(ctx)) {
		if ctx.Err() != nil {
			return
		}
	}

	now := s.Clock.Now()
	next := StateWaitingForCreateWindow
	if s.NextDropWindow(now).Before(s.NextCreateWindow(now)) {
		next = StateWaitingForDropWindow
	}

	var target time.Time
	for ctx.Err() == nil {
		s.setState(next)
		switch next {
		case StateWaitingForCreateWindow:
			at := s.NextCreateWindow(s.Clock.Now())
			s.Log.Info().Time("at", at).Msg("waiting for partition create window")
			if sleepUntil(ctx, s.Clock, at) != nil {
				return
			}
			target = s.monthOf(s.Clock.Now()).AddDate(0, 1, 0)
			next = StateCreating

		case StateCreating:
			created, err := s.Store.EnsurePartition(ctx, target)
			if !s.afterStep(ctx, "partition_create", target, err) {
				continue
			}
			s.Log.Info().Str("partition", domain.PartitionName(target)).Bool("created", created).Msg("partition ensured")
			next = StateWaitingForDropWindow

		case StateWaitingForDropWindow:
			at := s.NextDropWindow(s.Clock.Now())
			s.Log.Info().Time("at", at).Msg("waiting for partition drop window")
			if sleepUntil(ctx, s.Clock, at) != nil {
				return
			}
			target = s.monthOf(s.Clock.Now()).AddDate(0, -s.Config.RetentionMonths, 0)
			next = StateDropping

		case StateDropping:
			dropped, err := s.Store.DropPartition(ctx, target)
			if !s.afterStep(ctx, "partition_drop", target, err) {
				continue
			}
			s.Log.Info().Str("partition", domain.PartitionName(target)).Bool("dropped", dropped).Msg("partition retired")
			next = StateWaitingForCreateWindow
		}
	}
}

// afterStep records the outcome of a create/drop. On failure it sleeps the
// backoff and returns false so the caller repeats the same state.
func (s *PartitionScheduler) afterStep(ctx context.Context, task string, target time.Time, err error) bool {
	s.record(err)
	if err == nil {
		metrics.SchedulerRuns.WithLabelValues(task, "ok").Inc()
		return true
	}
	metrics.SchedulerRuns.WithLabelValues(task, "error").Inc()
	s.Log.Error().Err(err).
		Str("partition", domain.PartitionName(target)).
		Dur("backoff", s.Config.Backoff).
		Msg("partition maintenance failed, retrying after backoff")
	_ = sleep(ctx, s.Clock, s.Config.Backoff)
	return false
}

// Start runs the scheduler in a goroutine. A second Start is a no-op.
func (s *PartitionScheduler) Start(ctx context.Context) {
	if !s.loop.start(ctx, s.Run) {
		s.Log.Warn().Msg("partition scheduler already running")
	}
}

// Stop cancels the loop and waits for it to return.
func (s *PartitionScheduler) Stop() { s.loop.stop() }

// ForceCreate ensures the partition holding month exists.
func (s *PartitionScheduler) ForceCreate(ctx context.Context, month time.Time) (bool, error) {
	m := domain.MonthStart(month)
	created, err := s.Store.EnsurePartition(ctx, m)
	s.Log.Info().Str("partition", domain.PartitionName(m)).Bool("created", created).Err(err).Msg("forced partition create")
	return created, err
}

// ForceDrop drops the partition holding month if it exists.
func (s *PartitionScheduler) ForceDrop(ctx context.Context, month time.Time) (bool, error) {
	m := domain.MonthStart(month)
	dropped, err := s.Store.DropPartition(ctx, m)
	s.Log.Info().Str("partition", domain.PartitionName(m)).Bool("dropped", dropped).Err(err).Msg("forced partition drop")
	return dropped, err
}

// Status lists the existing partitions together with the loop's state.
func (s *PartitionScheduler) Status(ctx context.Context) (PartitionStatus, error) {
	parts, err := s.Store.ListPartitions(ctx)
	if err != nil {
		return PartitionStatus{}, err
	}
	now := s.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := PartitionStatus{
		State:      s.state.String(),
		NextCreate: s.NextCreateWindow(now),
		NextDrop:   s.NextDropWindow(now),
		Partitions: parts,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if !s.lastSuccess.IsZero() {
		t := s.lastSuccess
		st.LastSuccess = &t
	}
	return st, nil
}
