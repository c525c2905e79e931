// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model, routed to the partition of the message's month.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// CreateMessage inserts an accepted message into the partition of its
// creation month. The partition must exist; the scheduler creates it ahead
// of time and a missing table surfaces as an error.
func CreateMessage(ctx context.Context, db *gorm.DB, userID int64, action, content, flags string) (*domain.Message, error) {
	m := &domain.Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Action:    action,
		Content:   content,
		Flags:     flags,
		CreatedAt: time.Now().UTC(),
	}
	return m, db.WithContext(ctx).Table(domain.PartitionName(m.CreatedAt)).Create(m).Error
}

// ListMessages returns up to limit of a user's messages from the partition
// of month, oldest first (CreatedAt ASC, ID ASC). A month without a
// partition has no messages. limit <= 0 means no limit.
func ListMessages(ctx context.Context, db *gorm.DB, userID int64, month time.Time, limit int) ([]domain.Message, error) {
	name := domain.PartitionName(month)
	exists, err := tableExists(ctx, db, name)
	if err != nil || !exists {
		return nil, err
	}

	var out []domain.Message
	q := db.WithContext(ctx).
		Table(name).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err = q.Find(&out).Error
	return out, err
}
