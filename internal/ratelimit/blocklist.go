// Package ratelimit – BlockList
//
// This file implements the block list consulted before any limiter check.
// Blocks come from operators (the admin API) or from RecordViolation, which
// turns repeated rate-limit and security violations into a temporary
// auto-block. Permanent blocks never expire; temporary ones are dropped the
// first time they are read after expiry.

package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// BlockList holds administrative and automatic blocks of users and IPs.
// Temporary blocks expire lazily; Sweep reclaims their memory.
type BlockList struct {
	mu         sync.Mutex
	records    map[domain.Subject]domain.BlockRecord
	violations map[domain.Subject]int

	// ViolationsBeforeBlock is the number of recorded violations that
	// triggers an automatic temporary block (default 5).
	ViolationsBeforeBlock int
	// AutoBlockDuration is the length of automatic blocks (default 24h).
	AutoBlockDuration time.Duration

	Log *zerolog.Logger
	now func() time.Time
}

// NewBlockList returns an empty list with the given auto-block policy.
func NewBlockList(violationsBeforeBlock int, autoBlock time.Duration) *BlockList {
	if violationsBeforeBlock <= 0 {
		violationsBeforeBlock = 5
	}
	if autoBlock <= 0 {
		autoBlock = 24 * time.Hour
	}
	return &BlockList{
		records:               make(map[domain.Subject]domain.BlockRecord),
		violations:            make(map[domain.Subject]int),
		ViolationsBeforeBlock: violationsBeforeBlock,
		AutoBlockDuration:     autoBlock,
		now:                   time.Now,
	}
}

// Block adds or replaces a block. A duration <= 0 makes it permanent.
func (b *BlockList) Block(subject domain.Subject, reason domain.BlockReason, duration time.Duration, note string) domain.BlockRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockLocked(subject, reason, duration, note)
}

func (b *BlockList) blockLocked(subject domain.Subject, reason domain.BlockReason, duration time.Duration, note string) domain.BlockRecord {
	now := b.now()
	rec := domain.BlockRecord{
		Subject:   subject,
		Reason:    reason,
		Type:      domain.BlockPermanent,
		Note:      note,
		CreatedAt: now,
	}
	if duration > 0 {
		exp := now.Add(duration)
		rec.Type = domain.BlockTemporary
		rec.ExpiresAt = &exp
	}
	b.records[subject] = rec
	b.logger().Warn().
		Str("subject", string(subject)).
		Str("reason", string(reason)).
		Str("type", string(rec.Type)).
		Dur("duration", duration).
		Msg("subject blocked")
	return rec
}

// Unblock removes subject's block and resets its violation count.
func (b *BlockList) Unblock(subject domain.Subject) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.records[subject]
	delete(b.records, subject)
	delete(b.violations, subject)
	return ok
}

// IsBlocked returns subject's active block. Expired temporary blocks are
// reported as absent and removed.
func (b *BlockList) IsBlocked(subject domain.Subject) (domain.BlockRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[subject]
	if !ok {
		return domain.BlockRecord{}, false
	}
	if !rec.Active(b.now()) {
		delete(b.records, subject)
		return domain.BlockRecord{}, false
	}
	return rec, true
}

// List returns the active blocks ordered by creation time.
func (b *BlockList) List() []domain.BlockRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	out := make([]domain.BlockRecord, 0, len(b.records))
	for _, rec := range b.records {
		if rec.Active(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RecordViolation counts a violation against subject. When the count reaches
// ViolationsBeforeBlock the subject is blocked for AutoBlockDuration and the
// count starts over.
func (b *BlockList) RecordViolation(subject domain.Subject, reason domain.BlockReason) (domain.BlockRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.violations[subject]++
	if b.violations[subject] < b.ViolationsBeforeBlock {
		return domain.BlockRecord{}, false
	}
	delete(b.violations, subject)
	return b.blockLocked(subject, reason, b.AutoBlockDuration, "automatic block after repeated violations"), true
}

// Violations returns subject's current violation count.
func (b *BlockList) Violations(subject domain.Subject) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.violations[subject]
}

// Sweep removes expired temporary blocks and returns how many were dropped.
func (b *BlockList) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	n := 0
	for s, rec := range b.records {
		if !rec.Active(now) {
			delete(b.records, s)
			n++
		}
	}
	return n
}

func (b *BlockList) logger() *zerolog.Logger {
	if b.Log != nil {
		return b.Log
	}
	return &log.Logger
}
