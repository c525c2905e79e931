// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model.
//
// Functions are context-aware and accept a *gorm.DB handle so they can run
// inside a transaction. Unknown users surface as domain.ErrUserNotFound;
// every other database error is returned as-is and classified by the caller.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = domain.ErrUserNotFound

// GetUser fetches a user by id.
func GetUser(ctx context.Context, db *gorm.DB, id int64) (*domain.User, error) {
	var u domain.User
	err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts u unless a row with the same id exists. It returns the
// stored row and whether it was created by this call.
func CreateUser(ctx context.Context, db *gorm.DB, u domain.User) (*domain.User, bool, error) {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Gender == "" {
		u.Gender = domain.GenderFemale
	}
	if u.Subscription == "" {
		u.Subscription = domain.SubscriptionFree
	}
	if u.Language == "" {
		u.Language = "en"
	}

	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&u)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return &u, true, nil
	}
	existing, err := GetUser(ctx, db, u.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// UpdateUser applies updates to the stored user in one transaction and
// returns the new row.
func UpdateUser(ctx context.Context, db *gorm.DB, id int64, updates ...domain.FieldUpdate) (*domain.User, error) {
	var out *domain.User
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := GetUser(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, up := range updates {
			up.ApplyToUser(u)
		}
		u.UpdatedAt = time.Now().UTC()
		if err := tx.Save(u).Error; err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

// DeleteUser removes the user and all their daily counters. It reports
// whether the user existed.
func DeleteUser(ctx context.Context, db *gorm.DB, id int64) (bool, error) {
	var existed bool
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&domain.DailyCounter{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.User{})
		if res.Error != nil {
			return res.Error
		}
		existed = res.RowsAffected > 0
		return nil
	})
	return existed, err
}

// CountUsers returns the number of registered users.
func CountUsers(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.User{}).Count(&n).Error
	return n, err
}
