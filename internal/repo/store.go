// Package repo implements the data persistence layer for domain entities,
// backed by GORM. Store binds the package functions to one *gorm.DB so the
// SQLite backend can be injected wherever a user, counter, partition or
// message store is expected.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// Store is the SQLite storage backend.
type Store struct {
	DB *gorm.DB
}

// NewStore wraps db.
func NewStore(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return GetUser(ctx, s.DB, id)
}

func (s *Store) CreateUser(ctx context.Context, u domain.User) (*domain.User, bool, error) {
	return CreateUser(ctx, s.DB, u)
}

func (s *Store) UpdateUser(ctx context.Context, id int64, updates ...domain.FieldUpdate) (*domain.User, error) {
	return UpdateUser(ctx, s.DB, id, updates...)
}

func (s *Store) DeleteUser(ctx context.Context, id int64) (bool, error) {
	return DeleteUser(ctx, s.DB, id)
}

func (s *Store) IncrementDailyCount(ctx context.Context, userID int64, day domain.Day) (int64, error) {
	return IncrementDailyCount(ctx, s.DB, userID, day)
}

func (s *Store) GetDailyCount(ctx context.Context, userID int64, day domain.Day) (int64, error) {
	return GetDailyCount(ctx, s.DB, userID, day)
}

func (s *Store) ResetDailyCounters(ctx context.Context, day domain.Day) (int64, error) {
	return ResetDailyCounters(ctx, s.DB, day)
}

func (s *Store) CleanupCountersBefore(ctx context.Context, cutoff domain.Day) (int64, error) {
	return CleanupCountersBefore(ctx, s.DB, cutoff)
}

func (s *Store) DailyCountHistory(ctx context.Context, userID int64, from, to domain.Day) ([]domain.DailyCount, error) {
	return DailyCountHistory(ctx, s.DB, userID, from, to)
}

func (s *Store) EnsurePartition(ctx context.Context, month time.Time) (bool, error) {
	return EnsurePartition(ctx, s.DB, month)
}

func (s *Store) DropPartition(ctx context.Context, month time.Time) (bool, error) {
	return DropPartition(ctx, s.DB, month)
}

func (s *Store) ListPartitions(ctx context.Context) ([]domain.Partition, error) {
	return ListPartitions(ctx, s.DB)
}

func (s *Store) CreateMessage(ctx context.Context, userID int64, action, content, flags string) (*domain.Message, error) {
	return CreateMessage(ctx, s.DB, userID, action, content, flags)
}

func (s *Store) ListMessages(ctx context.Context, userID int64, month time.Time, limit int) ([]domain.Message, error) {
	return ListMessages(ctx, s.DB, userID, month, limit)
}

// Ping checks the connection for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
