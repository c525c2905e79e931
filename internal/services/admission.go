package services

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
	"github.com/tbourn/chat-gatekeeper/internal/metrics"
	"github.com/tbourn/chat-gatekeeper/internal/ratelimit"
	"github.com/tbourn/chat-gatekeeper/internal/security"
)

// Collaborators of the pipeline. The ratelimit, security, quota and metrics
// packages provide the production implementations.
type (
	BlockChecker interface {
		IsBlocked(subject domain.Subject) (domain.BlockRecord, bool)
		RecordViolation(subject domain.Subject, reason domain.BlockReason) (domain.BlockRecord, bool)
	}

	FloodChecker interface {
		Check(subject domain.Subject) ratelimit.FloodDecision
	}

	RateChecker interface {
		Allow(subject domain.Subject, action ratelimit.Action) ratelimit.Decision
	}

	ContentChecker interface {
		Validate(text string, limit int) security.Result
	}

	QuotaCounter interface {
		Today() domain.Day
		CanSend(ctx context.Context, userID int64, limit int64, day domain.Day) (bool, error)
		Increment(ctx context.Context, userID int64, day domain.Day) (int64, error)
	}

	UserStates interface {
		Ensure(ctx context.Context, userID int64) (domain.CachedUserState, error)
		Touch(ctx context.Context, userID int64, at time.Time) error
	}

	ActivityRecorder interface {
		MarkActive(userID int64)
		MarkRejection()
	}
)

// Reason explains a Decision.
type Reason string

const (
	ReasonAccepted       Reason = "accepted"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonBlocked        Reason = "blocked"
	ReasonFlood          Reason = "flood"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonInvalidContent Reason = "invalid_content"
	ReasonConsent        Reason = "consent_required"
	ReasonQuotaExceeded  Reason = "quota_exceeded"
	ReasonInternal       Reason = "internal_error"
)

// User-facing texts attached to rejections.
const (
	msgInvalidRequest = "This request cannot be processed."
	msgBlocked        = "You have been temporarily restricted. Please try again later."
	msgFlood          = "You are sending messages too quickly. Please slow down."
	msgRateLimited    = "Too many requests. Please wait a moment and try again."
	msgEmpty          = "Your message is empty."
	msgTooLong        = "Your message is too long. Please shorten it and try again."
	msgUnsafe         = "Your message contains content that cannot be processed."
	msgConsent        = "Please accept the terms of use before sending messages."
	msgQuotaExceeded  = "You have reached your daily message limit. It resets at midnight."
	msgRetryLater     = "Something went wrong on our side. Please try again later."
)

// Request is one inbound event.
type Request struct {
	UserID int64            `json:"user_id"`
	Action ratelimit.Action `json:"action"`
	Text   string           `json:"text"`
	IP     string           `json:"-"`
}

// Decision is the admission outcome. A rejection is a value, never an error.
type Decision struct {
	Accepted    bool             `json:"accepted"`
	Reason      Reason           `json:"reason"`
	UserMessage string           `json:"user_message,omitempty"`
	RetryAfter  time.Duration    `json:"-"`
	Flags       []security.Flag  `json:"flags,omitempty"`
	Score       int              `json:"security_score"`
	UserID      int64            `json:"user_id"`
	Action      ratelimit.Action `json:"action"`

	// Text is the sanitized message text of an accepted message.
	Text string `json:"-"`
	// Day is the quota day the decision was evaluated against; Commit
	// increments the same day even if midnight passed in between.
	Day   domain.Day             `json:"day,omitempty"`
	Limit int64                  `json:"daily_limit,omitempty"`
	State domain.CachedUserState `json:"-"`
}

// attempt carries what earlier steps learned to later ones.
type attempt struct {
	req      Request
	decision Decision
	subject  domain.Subject
	now      time.Time
}

// step is one link of the admission chain. It returns a non-nil rejection to
// stop the chain or an error for unexpected failures; (nil, nil) continues.
type step struct {
	name string
	run  func(ctx context.Context, a *attempt) (*Decision, error)
}

// AdmissionPipeline decides whether an inbound event may proceed. Steps run
// in a fixed order: block list, flood, rate limit, content, user state,
// consent, quota. Optional collaborators left nil skip their step.
type AdmissionPipeline struct {
	Blocks  BlockChecker
	Flood   FloodChecker
	Limiter RateChecker
	Content ContentChecker
	Users   UserStates
	Quota   QuotaCounter
	Daily   ActivityRecorder

	FreeLimit      int64
	PremiumLimit   int64
	LengthLimit    int
	RequireConsent bool

	Log *zerolog.Logger
	Now func() time.Time
}

func (p *AdmissionPipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *AdmissionPipeline) logger() *zerolog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return &log.Logger
}

func (p *AdmissionPipeline) steps() []step {
	return []step{
		{"request", p.checkRequest},
		{"blocklist", p.checkBlocks},
		{"flood", p.checkFlood},
		{"ratelimit", p.checkRate},
		{"content", p.checkContent},
		{"user", p.loadUser},
		{"consent", p.checkConsent},
		{"quota", p.checkQuota},
	}
}

// Admit runs the chain. It never returns an error: unexpected failures
// reject with a generic retry-later message and nothing is mutated.
func (p *AdmissionPipeline) Admit(ctx context.Context, req Request) Decision {
	if req.Action == "" {
		req.Action = ratelimit.ActionMessage
	}
	ctx, span := otel.Tracer("services/AdmissionPipeline").Start(ctx, "Admit",
		trace.WithAttributes(
			attribute.Int64("user.id", req.UserID),
			attribute.String("action", string(req.Action)),
		),
	)
	defer span.End()

	a := &attempt{
		req:     req,
		subject: domain.UserSubject(req.UserID),
		now:     p.now(),
		decision: Decision{
			UserID: req.UserID,
			Action: req.Action,
			Text:   req.Text,
		},
	}

	var out Decision
	rejected := false
	for _, s := range p.steps() {
		d, err := s.run(ctx, a)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, s.name)
			p.logger().Error().Err(err).
				Str("step", s.name).
				Int64("user_id", req.UserID).
				Str("action", string(req.Action)).
				Msg("admission step failed")
			out = p.reject(a, ReasonInternal, msgRetryLater, 0)
			rejected = true
			break
		}
		if d != nil {
			out = *d
			rejected = true
			break
		}
	}
	if !rejected {
		out = a.decision
		out.Accepted = true
		out.Reason = ReasonAccepted
	}

	span.SetAttributes(
		attribute.Bool("admission.accepted", out.Accepted),
		attribute.String("admission.reason", string(out.Reason)),
	)
	outcome := "accepted"
	if !out.Accepted {
		outcome = "rejected"
		if p.Daily != nil {
			p.Daily.MarkRejection()
		}
	}
	metrics.AdmissionDecisions.WithLabelValues(outcome, string(out.Reason)).Inc()
	return out
}

func (p *AdmissionPipeline) reject(a *attempt, reason Reason, msg string, retryAfter time.Duration) Decision {
	d := a.decision
	d.Accepted = false
	d.Reason = reason
	d.UserMessage = msg
	d.RetryAfter = retryAfter
	d.Text = ""
	return d
}

func (p *AdmissionPipeline) violation(subject domain.Subject, reason domain.BlockReason) {
	if p.Blocks == nil {
		return
	}
	if rec, blocked := p.Blocks.RecordViolation(subject, reason); blocked {
		p.logger().Warn().
			Str("subject", string(subject)).
			Str("reason", string(rec.Reason)).
			Msg("subject auto-blocked after repeated violations")
	}
}

func (p *AdmissionPipeline) checkRequest(_ context.Context, a *attempt) (*Decision, error) {
	if a.req.UserID <= 0 || !a.req.Action.Valid() {
		d := p.reject(a, ReasonInvalidRequest, msgInvalidRequest, 0)
		return &d, nil
	}
	return nil, nil
}

func (p *AdmissionPipeline) checkBlocks(_ context.Context, a *attempt) (*Decision, error) {
	if p.Blocks == nil {
		return nil, nil
	}
	subjects := []domain.Subject{a.subject}
	if a.req.IP != "" {
		subjects = append(subjects, domain.IPSubject(a.req.IP))
	}
	for _, s := range subjects {
		rec, blocked := p.Blocks.IsBlocked(s)
		if !blocked {
			continue
		}
		var retry time.Duration
		if rec.ExpiresAt != nil {
			retry = rec.ExpiresAt.Sub(a.now)
		}
		d := p.reject(a, ReasonBlocked, msgBlocked, retry)
		return &d, nil
	}
	return nil, nil
}

func (p *AdmissionPipeline) checkFlood(_ context.Context, a *attempt) (*Decision, error) {
	if p.Flood == nil || a.req.Action != ratelimit.ActionMessage {
		return nil, nil
	}
	fd := p.Flood.Check(a.subject)
	if fd.Allowed {
		return nil, nil
	}
	metrics.RateLimitDecisions.WithLabelValues(string(a.req.Action), string(ratelimit.ReasonFlood)).Inc()
	p.logger().Warn().Int64("user_id", a.req.UserID).Int("rapid", fd.RapidCount).Msg("message flood detected")
	p.violation(a.subject, domain.ReasonFlood)
	d := p.reject(a, ReasonFlood, msgFlood, 0)
	return &d, nil
}

func (p *AdmissionPipeline) checkRate(_ context.Context, a *attempt) (*Decision, error) {
	if p.Limiter == nil {
		return nil, nil
	}
	rd := p.Limiter.Allow(a.subject, a.req.Action)
	metrics.RateLimitDecisions.WithLabelValues(string(a.req.Action), string(rd.Reason)).Inc()
	if rd.Allowed {
		return nil, nil
	}
	if rd.Reason == ratelimit.ReasonRateLimited {
		p.violation(a.subject, domain.ReasonRateLimit)
	}
	d := p.reject(a, ReasonRateLimited, msgRateLimited, rd.RetryAfter)
	return &d, nil
}

func (p *AdmissionPipeline) checkContent(_ context.Context, a *attempt) (*Decision, error) {
	if p.Content == nil || a.req.Action != ratelimit.ActionMessage {
		return nil, nil
	}
	res := p.Content.Validate(a.req.Text, p.LengthLimit)
	a.decision.Flags = res.Flags
	a.decision.Score = res.Score
	if res.Valid {
		a.decision.Text = res.Sanitized
		return nil, nil
	}

	msg := msgUnsafe
	switch {
	case res.Has(security.FlagEmpty):
		msg = msgEmpty
	case res.Has(security.FlagLong):
		msg = msgTooLong
	}
	if res.Has(security.FlagUnsafe) {
		p.violation(a.subject, domain.ReasonSecurityThreat)
	}
	d := p.reject(a, ReasonInvalidContent, msg, 0)
	return &d, nil
}

func (p *AdmissionPipeline) loadUser(ctx context.Context, a *attempt) (*Decision, error) {
	if p.Users == nil {
		return nil, nil
	}
	st, err := p.Users.Ensure(ctx, a.req.UserID)
	if err != nil {
		return nil, err
	}
	a.decision.State = st
	return nil, nil
}

// checkConsent only gates messages: commands and callbacks must stay open so
// the user can accept the terms.
func (p *AdmissionPipeline) checkConsent(_ context.Context, a *attempt) (*Decision, error) {
	if !p.RequireConsent || p.Users == nil || a.req.Action != ratelimit.ActionMessage {
		return nil, nil
	}
	if a.decision.State.ConsentGiven {
		return nil, nil
	}
	d := p.reject(a, ReasonConsent, msgConsent, 0)
	return &d, nil
}

// LimitFor returns the daily message limit of a user state.
func (p *AdmissionPipeline) LimitFor(st domain.CachedUserState, now time.Time) int64 {
	if st.IsPremium(now) {
		return p.PremiumLimit
	}
	return p.FreeLimit
}

func (p *AdmissionPipeline) checkQuota(ctx context.Context, a *attempt) (*Decision, error) {
	if p.Quota == nil || a.req.Action != ratelimit.ActionMessage {
		return nil, nil
	}
	day := p.Quota.Today()
	limit := p.LimitFor(a.decision.State, a.now)
	a.decision.Day = day
	a.decision.Limit = limit

	ok, err := p.Quota.CanSend(ctx, a.req.UserID, limit, day)
	if err != nil {
		return nil, err
	}
	if !ok {
		d := p.reject(a, ReasonQuotaExceeded, msgQuotaExceeded, 0)
		return &d, nil
	}
	return nil, nil
}

// Commit applies the side effects of an accepted message: the daily counter
// is incremented and the user's last message time recorded. It must be
// called after downstream processing succeeded. Non-message actions only
// count towards daily activity.
func (p *AdmissionPipeline) Commit(ctx context.Context, d Decision) (int64, error) {
	if !d.Accepted {
		return 0, ErrNotAccepted
	}
	if d.Action != ratelimit.ActionMessage {
		return 0, nil
	}

	ctx, span := otel.Tracer("services/AdmissionPipeline").Start(ctx, "Commit",
		trace.WithAttributes(attribute.Int64("user.id", d.UserID)),
	)
	defer span.End()

	var count int64
	if p.Quota != nil {
		day := d.Day
		if day == "" {
			day = p.Quota.Today()
		}
		n, err := p.Quota.Increment(ctx, d.UserID, day)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		count = n
	}
	if p.Users != nil {
		if err := p.Users.Touch(ctx, d.UserID, p.now()); err != nil {
			p.logger().Warn().Err(err).Int64("user_id", d.UserID).Msg("last message time not recorded")
		}
	}
	if p.Daily != nil {
		p.Daily.MarkActive(d.UserID)
	}
	return count, nil
}

// FlagString joins flags for storage, e.g. "CONTAINS_URL,POTENTIAL_SPAM".
func FlagString(flags []security.Flag) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}
