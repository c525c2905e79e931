// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file emulates monthly message partitions on SQLite:
// each month is a table named messages_YYYY_MM with its own indexes.
package repo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

func partitionDDL(name string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id         CHAR(36)     PRIMARY KEY,
	user_id    INTEGER      NOT NULL,
	action     VARCHAR(32)  NOT NULL,
	content    TEXT         NOT NULL,
	flags      VARCHAR(255),
	created_at DATETIME     NOT NULL
)`, name),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_user_id ON %s (user_id)", name, name),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s (created_at)", name, name),
	}
}

func tableExists(ctx context.Context, db *gorm.DB, name string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).
		Scan(&n).Error
	return n > 0, err
}

// EnsurePartition creates the table for month if missing. It reports
// whether a table was created; calling it again is a no-op.
func EnsurePartition(ctx context.Context, db *gorm.DB, month time.Time) (bool, error) {
	name := domain.PartitionName(month)
	var created bool
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := tableExists(ctx, tx, name)
		if err != nil {
			return err
		}
		for _, stmt := range partitionDDL(name) {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		created = !exists
		return nil
	})
	return created, err
}

// DropPartition drops the table for month. Dropping a missing partition is
// not an error; the result reports whether a table was removed.
func DropPartition(ctx context.Context, db *gorm.DB, month time.Time) (bool, error) {
	name := domain.PartitionName(month)
	exists, err := tableExists(ctx, db, name)
	if err != nil || !exists {
		return false, err
	}
	if err := db.WithContext(ctx).Exec("DROP TABLE IF EXISTS " + name).Error; err != nil {
		return false, err
	}
	return true, nil
}

// ListPartitions returns every message partition ordered by month. Rows is
// exact; SizeBytes is the stored content payload, SQLite has no per-table
// size accounting without the dbstat extension.
func ListPartitions(ctx context.Context, db *gorm.DB) ([]domain.Partition, error) {
	var names []string
	err := db.WithContext(ctx).
		Raw(`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'messages\_%' ESCAPE '\'`).
		Scan(&names).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.Partition, 0, len(names))
	for _, name := range names {
		month, ok := domain.ParsePartitionName(name)
		if !ok {
			continue
		}
		var row struct {
			RowCount  int64
			SizeBytes int64
		}
		q := fmt.Sprintf("SELECT COUNT(*) AS row_count, COALESCE(SUM(LENGTH(content) + LENGTH(id) + COALESCE(LENGTH(flags), 0)), 0) AS size_bytes FROM %s", name)
		if err := db.WithContext(ctx).Raw(q).Scan(&row).Error; err != nil {
			return nil, err
		}
		out = append(out, domain.Partition{Name: name, Month: month, Rows: row.RowCount, SizeBytes: row.SizeBytes})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out, nil
}
