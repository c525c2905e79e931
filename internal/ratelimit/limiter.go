// Package ratelimit – Limiter
//
// This file implements the sliding-window limiter. Each (subject, action)
// pair keeps the accepted request times of the current window, oldest
// first; an attempt is allowed while fewer than Rule.MaxRequests remain
// after purging timestamps older than Rule.Window. The attempt that would
// exceed the limit blocks the subject for Rule.BlockDuration, and while the
// block lasts every action of that subject is refused with RetryAfter set.
//
// Memory: windows and blocks of quiet subjects are reclaimed by Sweep and,
// between sweeps, by an opportunistic GC that runs on every 5000th Allow.

package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonAllowed     Reason = "allowed"
	ReasonBlocked     Reason = "blocked"
	ReasonRateLimited Reason = "rate_limited"
	ReasonNoRule      Reason = "no_rule"
	ReasonFlood       Reason = "flood"
)

// Decision is the outcome of Limiter.Allow.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     Reason        `json:"reason"`
	RetryAfter time.Duration `json:"retry_after"`
	Remaining  int           `json:"remaining"`
}

type windowKey struct {
	subject domain.Subject
	action  Action
}

// window is the ordered list of accepted request times within the current
// window, oldest first.
type window struct {
	hits []time.Time
}

func (w *window) purge(now time.Time, length time.Duration) {
	i := 0
	for i < len(w.hits) && now.Sub(w.hits[i]) >= length {
		i++
	}
	if i == 0 {
		return
	}
	// Reslice, then compact once the dead prefix dominates the backing array.
	w.hits = w.hits[i:]
	if cap(w.hits) > 2*len(w.hits)+8 {
		w.hits = append([]time.Time(nil), w.hits...)
	}
}

// Limiter is a sliding-window rate limiter keyed by (subject, action) with a
// per-subject block: exceeding any action's limit blocks the subject for
// that action's BlockDuration.
//
// Expired timestamps and blocks are removed lazily on access; Sweep and the
// opportunistic GC reclaim entries of subjects that went quiet.
type Limiter struct {
	mu      sync.Mutex
	rules   map[Action]Rule
	windows map[windowKey]*window
	blocks  map[domain.Subject]time.Time

	now     func() time.Time
	gcEvery uint64
	lookups uint64
}

// NewLimiter validates rules and returns a Limiter. Every action in Actions
// must have a valid rule; rules for unknown actions are rejected.
func NewLimiter(rules map[Action]Rule) (*Limiter, error) {
	cp := make(map[Action]Rule, len(rules))
	for a, r := range rules {
		if !a.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAction, a)
		}
		if err := r.validate(a); err != nil {
			return nil, err
		}
		cp[a] = r
	}
	for _, a := range Actions {
		if _, ok := cp[a]; !ok {
			return nil, fmt.Errorf("%w for %q", ErrMissingRule, a)
		}
	}
	return &Limiter{
		rules:   cp,
		windows: make(map[windowKey]*window),
		blocks:  make(map[domain.Subject]time.Time),
		now:     time.Now,
		gcEvery: 5000,
	}, nil
}

// Rules returns a copy of the configured rules.
func (l *Limiter) Rules() map[Action]Rule {
	out := make(map[Action]Rule, len(l.rules))
	for a, r := range l.rules {
		out[a] = r
	}
	return out
}

// Allow records an attempt of action by subject and reports whether it may
// proceed. Actions without a rule are always allowed with ReasonNoRule.
func (l *Limiter) Allow(subject domain.Subject, action Action) Decision {
	rule, ok := l.rules[action]
	if !ok {
		return Decision{Allowed: true, Reason: ReasonNoRule}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeGC(now)

	if until, blocked := l.blocks[subject]; blocked {
		if now.Before(until) {
			return Decision{Reason: ReasonBlocked, RetryAfter: until.Sub(now)}
		}
		delete(l.blocks, subject)
	}

	key := windowKey{subject: subject, action: action}
	w, ok := l.windows[key]
	if !ok {
		w = &window{}
		l.windows[key] = w
	}
	w.purge(now, rule.Window)

	if len(w.hits) >= rule.MaxRequests {
		if rule.BlockDuration > 0 {
			l.blocks[subject] = now.Add(rule.BlockDuration)
			return Decision{Reason: ReasonRateLimited, RetryAfter: rule.BlockDuration}
		}
		return Decision{Reason: ReasonRateLimited, RetryAfter: rule.Window - now.Sub(w.hits[0])}
	}

	w.hits = append(w.hits, now)
	return Decision{Allowed: true, Reason: ReasonAllowed, Remaining: rule.MaxRequests - len(w.hits)}
}

// Unblock lifts subject's block, if any. History is kept.
func (l *Limiter) Unblock(subject domain.Subject) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.blocks[subject]
	delete(l.blocks, subject)
	return ok
}

// ClearHistory forgets every window of subject. An active block is kept.
func (l *Limiter) ClearHistory(subject domain.Subject) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, a := range Actions {
		key := windowKey{subject: subject, action: a}
		if _, ok := l.windows[key]; ok {
			delete(l.windows, key)
			n++
		}
	}
	return n
}

// ActionStats is the diagnostic view of one (subject, action) window.
type ActionStats struct {
	Used      int           `json:"used"`
	Limit     int           `json:"limit"`
	Remaining int           `json:"remaining"`
	Window    time.Duration `json:"window"`
	ResetIn   time.Duration `json:"reset_in"`
}

// SubjectStats is the diagnostic view of a subject across actions.
type SubjectStats struct {
	Subject      domain.Subject         `json:"subject"`
	Blocked      bool                   `json:"blocked"`
	BlockedUntil *time.Time             `json:"blocked_until,omitempty"`
	Actions      map[Action]ActionStats `json:"actions"`
}

// Stats reports remaining quota per action for subject without recording an
// attempt.
func (l *Limiter) Stats(subject domain.Subject) SubjectStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := SubjectStats{Subject: subject, Actions: make(map[Action]ActionStats, len(l.rules))}
	if until, ok := l.blocks[subject]; ok && now.Before(until) {
		u := until
		st.Blocked = true
		st.BlockedUntil = &u
	}
	for a, r := range l.rules {
		as := ActionStats{Limit: r.MaxRequests, Window: r.Window}
		if w, ok := l.windows[windowKey{subject: subject, action: a}]; ok {
			w.purge(now, r.Window)
			as.Used = len(w.hits)
			if len(w.hits) > 0 {
				as.ResetIn = r.Window - now.Sub(w.hits[0])
			}
		}
		as.Remaining = r.MaxRequests - as.Used
		if as.Remaining < 0 {
			as.Remaining = 0
		}
		st.Actions[a] = as
	}
	return st
}

// GlobalStats summarizes limiter memory use.
type GlobalStats struct {
	Windows         int             `json:"windows"`
	Subjects        int             `json:"subjects"`
	BlockedSubjects int             `json:"blocked_subjects"`
	Rules           map[Action]Rule `json:"rules"`
}

// GlobalStats returns counts across all subjects.
func (l *Limiter) GlobalStats() GlobalStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	subjects := make(map[domain.Subject]struct{})
	for k := range l.windows {
		subjects[k.subject] = struct{}{}
	}
	blocked := 0
	for _, until := range l.blocks {
		if now.Before(until) {
			blocked++
		}
	}
	return GlobalStats{
		Windows:         len(l.windows),
		Subjects:        len(subjects),
		BlockedSubjects: blocked,
		Rules:           l.Rules(),
	}
}

// Sweep drops expired blocks and windows with no live timestamps. It returns
// the number of entries removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

func (l *Limiter) maybeGC(now time.Time) {
	l.lookups++
	if l.lookups < l.gcEvery {
		return
	}
	l.lookups = 0
	l.sweepLocked(now)
}

func (l *Limiter) sweepLocked(now time.Time) int {
	n := 0
	for s, until := range l.blocks {
		if !now.Before(until) {
			delete(l.blocks, s)
			n++
		}
	}
	for k, w := range l.windows {
		w.purge(now, l.rules[k.action].Window)
		if len(w.hits) == 0 {
			delete(l.windows, k)
			n++
		}
	}
	return n
}
