// Package ratelimit – FloodDetector
//
// This file implements burst detection for chat messages. It complements
// the limiter: a user can stay within the per-minute rule and still send a
// scripted burst of messages milliseconds apart, which the detector rejects
// until the subject has been quiet for SessionIdle.

package ratelimit

import (
	"sync"
	"time"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// FloodConfig tunes FloodDetector.
type FloodConfig struct {
	// MinGap is the shortest gap between two messages that is not "rapid".
	MinGap time.Duration
	// MaxRapid is the rapid-message count at which messages are rejected.
	MaxRapid int
	// SessionIdle resets the rapid count after this much silence.
	SessionIdle time.Duration
}

// DefaultFloodConfig returns the stock flood settings: six messages less
// than a second apart trip the detector.
func DefaultFloodConfig() FloodConfig {
	return FloodConfig{MinGap: time.Second, MaxRapid: 5, SessionIdle: 10 * time.Minute}
}

// FloodDecision is the outcome of FloodDetector.Check.
type FloodDecision struct {
	Allowed    bool `json:"allowed"`
	Rapid      bool `json:"rapid"`
	RapidCount int  `json:"rapid_count"`
}

type floodState struct {
	last  time.Time
	rapid int
}

// FloodDetector catches automated message bursts: a message arriving less
// than MinGap after the previous one counts as rapid, and once MaxRapid rapid
// messages accumulate within a session every further message is rejected
// until the subject goes quiet for SessionIdle.
type FloodDetector struct {
	mu    sync.Mutex
	cfg   FloodConfig
	state map[domain.Subject]*floodState
	now   func() time.Time
}

// NewFloodDetector returns a detector; zero fields of cfg take defaults.
func NewFloodDetector(cfg FloodConfig) *FloodDetector {
	def := DefaultFloodConfig()
	if cfg.MinGap <= 0 {
		cfg.MinGap = def.MinGap
	}
	if cfg.MaxRapid <= 0 {
		cfg.MaxRapid = def.MaxRapid
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = def.SessionIdle
	}
	return &FloodDetector{cfg: cfg, state: make(map[domain.Subject]*floodState), now: time.Now}
}

// Check records a message from subject and reports whether it is a flood.
func (f *FloodDetector) Check(subject domain.Subject) FloodDecision {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	st, ok := f.state[subject]
	if !ok {
		f.state[subject] = &floodState{last: now}
		return FloodDecision{Allowed: true}
	}

	gap := now.Sub(st.last)
	rapid := gap < f.cfg.MinGap
	switch {
	case rapid:
		st.rapid++
	case gap > f.cfg.SessionIdle:
		st.rapid = 0
	}
	st.last = now

	return FloodDecision{
		Allowed:    st.rapid < f.cfg.MaxRapid,
		Rapid:      rapid,
		RapidCount: st.rapid,
	}
}

// Reset forgets subject's session.
func (f *FloodDetector) Reset(subject domain.Subject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state, subject)
}

// Sweep drops sessions idle for longer than SessionIdle.
func (f *FloodDetector) Sweep() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	n := 0
	for s, st := range f.state {
		if now.Sub(st.last) > f.cfg.SessionIdle {
			delete(f.state, s)
			n++
		}
	}
	return n
}
