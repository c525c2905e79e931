package domain

import (
	"strconv"
	"time"
)

// BlockType distinguishes expiring blocks from permanent ones.
type BlockType string

const (
	BlockTemporary BlockType = "temporary"
	BlockPermanent BlockType = "permanent"
)

// BlockReason is the administrative reason recorded with a block.
type BlockReason string

const (
	ReasonSpam            BlockReason = "spam"
	ReasonFlood           BlockReason = "flood"
	ReasonAbuse           BlockReason = "abuse"
	ReasonSecurityThreat  BlockReason = "security_threat"
	ReasonRateLimit       BlockReason = "rate_limit_exceeded"
	ReasonManual          BlockReason = "manual"
	ReasonRepeatViolation BlockReason = "repeated_violations"
)

// Subject identifies who a block or rate window applies to: a user
// ("user:42") or a network address ("ip:203.0.113.7").
type Subject string

// UserSubject returns the subject for a user id.
func UserSubject(id int64) Subject { return Subject("user:" + strconv.FormatInt(id, 10)) }

// IPSubject returns the subject for a client address.
func IPSubject(ip string) Subject { return Subject("ip:" + ip) }

// BlockRecord is a single block entry. A temporary block past ExpiresAt is
// treated as absent.
type BlockRecord struct {
	Subject   Subject     `json:"subject"`
	Reason    BlockReason `json:"reason"`
	Type      BlockType   `json:"type"`
	Note      string      `json:"note,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}

// Active reports whether the block is in force at now.
func (b BlockRecord) Active(now time.Time) bool {
	if b.Type == BlockPermanent {
		return true
	}
	return b.ExpiresAt != nil && now.Before(*b.ExpiresAt)
}
