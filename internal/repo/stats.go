// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/theodore-app/go-citation-backend/internal/domain"
)

// URLsStats returns aggregate metadata for the URL table: the total number
// of rows and the maximum UpdatedAt timestamp among them. When the table is
// empty, the returned count is 0 and maxUpdatedAt is nil.
//
// Return values:
//   - count:        total tracked URLs
//   - maxUpdatedAt: pointer to the greatest UpdatedAt, or nil if no rows
//   - err:          database error, if any
func URLsStats(ctx context.Context, db *gorm.DB) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.URL{})

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// StatusCounts returns the number of URLs per processing status. Empty
// statuses are absent from the map.
func StatusCounts(ctx context.Context, db *gorm.DB) (map[domain.ProcessingStatus]int64, error) {
	var rows []struct {
		ProcessingStatus domain.ProcessingStatus
		N                int64
	}
	err := db.WithContext(ctx).
		Model(&domain.URL{}).
		Select("processing_status, COUNT(*) AS n").
		Group("processing_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.ProcessingStatus]int64, len(rows))
	for _, r := range rows {
		out[r.ProcessingStatus] = r.N
	}
	return out, nil
}
