// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the daily message counters.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// IncrementDailyCount adds one to the (userID, day) counter, creating it on
// first use, and returns the post-increment value. The upsert and read-back
// run in one transaction so concurrent increments never lose a count.
func IncrementDailyCount(ctx context.Context, db *gorm.DB, userID int64, day domain.Day) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		row := domain.DailyCounter{UserID: userID, Date: day, Count: 1, CreatedAt: now, UpdatedAt: now}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]any{
				"count":      gorm.Expr("count + 1"),
				"updated_at": now,
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return tx.Model(&domain.DailyCounter{}).
			Select("count").
			Where("user_id = ? AND date = ?", userID, day).
			Scan(&count).Error
	})
	return count, err
}

// GetDailyCount returns the counter value, 0 when no row exists.
func GetDailyCount(ctx context.Context, db *gorm.DB, userID int64, day domain.Day) (int64, error) {
	var counts []int64
	err := db.WithContext(ctx).Model(&domain.DailyCounter{}).
		Where("user_id = ? AND date = ?", userID, day).
		Limit(1).
		Pluck("count", &counts).Error
	if err != nil || len(counts) == 0 {
		return 0, err
	}
	return counts[0], nil
}

// ResetDailyCounters deletes all counters of day and returns how many rows
// were removed.
func ResetDailyCounters(ctx context.Context, db *gorm.DB, day domain.Day) (int64, error) {
	res := db.WithContext(ctx).Where("date = ?", day).Delete(&domain.DailyCounter{})
	return res.RowsAffected, res.Error
}

// CleanupCountersBefore deletes counters dated strictly before cutoff.
func CleanupCountersBefore(ctx context.Context, db *gorm.DB, cutoff domain.Day) (int64, error) {
	res := db.WithContext(ctx).Where("date < ?", cutoff).Delete(&domain.DailyCounter{})
	return res.RowsAffected, res.Error
}

// DailyCountHistory returns the stored counters of userID between from and
// to inclusive, oldest first. Days without a row are omitted.
func DailyCountHistory(ctx context.Context, db *gorm.DB, userID int64, from, to domain.Day) ([]domain.DailyCount, error) {
	var out []domain.DailyCount
	err := db.WithContext(ctx).Model(&domain.DailyCounter{}).
		Select("date, count").
		Where("user_id = ? AND date >= ? AND date <= ?", userID, from, to).
		Order("date ASC").
		Scan(&out).Error
	return out, err
}
