// Package domain defines the persistence models and in-memory records shared
// by the admission layer: users and their cached state, per-day message
// counters, month-scoped message partitions and block records.
package domain

import (
	"fmt"
	"time"
)

// User is the persistent source of truth for a chat user. CachedUserState is
// always reconstructible from a User row.
//
// Fields:
//   - ID: chat-platform user identifier (> 0).
//   - ConsentGiven: whether the user accepted the terms of use.
//   - Gender: preferred assistant persona, "female" or "male".
//   - Subscription: "free" or "premium"; SubscriptionExpiresAt bounds premium.
//   - Language: BCP 47 language code (e.g. "en", "ru").
type User struct {
	ID                    int64        `json:"id"                                gorm:"primaryKey;autoIncrement:false"`
	ConsentGiven          bool         `json:"consent_given"                     gorm:"not null;default:false"`
	Gender                Gender       `json:"gender"                            gorm:"type:varchar(16);not null;default:'female'"`
	Subscription          Subscription `json:"subscription"                      gorm:"type:varchar(16);not null;default:'free'"`
	SubscriptionExpiresAt *time.Time   `json:"subscription_expires_at,omitempty"`
	Language              string       `json:"language"                          gorm:"type:varchar(16);not null;default:'en'"`
	LastMessageAt         *time.Time   `json:"last_message_at,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// DailyCounter is the number of messages a user sent on one calendar day.
// (UserID, Date) is unique; Count never decreases within a day.
type DailyCounter struct {
	ID        uint      `json:"-"       gorm:"primaryKey"`
	UserID    int64     `json:"user_id" gorm:"not null;uniqueIndex:ux_daily_counters_user_date,priority:1"`
	Date      Day       `json:"date"    gorm:"column:date;type:varchar(10);not null;index;uniqueIndex:ux_daily_counters_user_date,priority:2"`
	Count     int64     `json:"count"   gorm:"column:count;not null;default:0"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// TableName returns the database table name for DailyCounter.
func (DailyCounter) TableName() string { return "daily_counters" }

// DailyCount is one row of a user's counter history.
type DailyCount struct {
	Date  Day   `json:"date"`
	Count int64 `json:"count"`
}

// Message is an accepted inbound message. Messages are stored in the
// partition of the month they were created in.
type Message struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    int64     `json:"user_id"    gorm:"not null;index"`
	Action    string    `json:"action"     gorm:"type:varchar(32);not null"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	Flags     string    `json:"flags"      gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"created_at" gorm:"not null;index"`
}

// Partition describes one month of message storage.
type Partition struct {
	Name      string    `json:"name"`
	Month     time.Time `json:"month"`
	Rows      int64     `json:"rows"`
	SizeBytes int64     `json:"size_bytes"`
}

// PartitionName returns the storage name of the partition holding month,
// e.g. "messages_2025_03".
func PartitionName(month time.Time) string {
	return fmt.Sprintf("messages_%04d_%02d", month.Year(), int(month.Month()))
}

// ParsePartitionName is the inverse of PartitionName.
func ParsePartitionName(name string) (time.Time, bool) {
	var y, m int
	if _, err := fmt.Sscanf(name, "messages_%04d_%02d", &y, &m); err != nil {
		return time.Time{}, false
	}
	if m < 1 || m > 12 || PartitionName(time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC)) != name {
		return time.Time{}, false
	}
	return time.Date(y, time.Month(m), 1, 0, 0, 0, 0, time.UTC), true
}

// MonthStart truncates t to midnight of the first day of its month, keeping
// t's location.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
