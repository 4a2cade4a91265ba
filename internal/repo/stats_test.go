package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/theodore-app/go-citation-backend/internal/domain"
)

func newStatsDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("stats_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func TestURLsStats_Empty(t *testing.T) {
	db := newStatsDB(t, &domain.URL{})

	count, maxUpdated, err := URLsStats(context.Background(), db)
	if err != nil {
		t.Fatalf("URLsStats: %v", err)
	}
	if count != 0 || maxUpdated != nil {
		t.Fatalf("empty table: count=%d max=%v", count, maxUpdated)
	}
}

func TestURLsStats_NonEmpty(t *testing.T) {
	db := newStatsDB(t, &domain.URL{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		u := &domain.URL{RawURL: fmt.Sprintf("https://example.com/%d", i)}
		if err := CreateURL(ctx, db, u); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	count, maxUpdated, err := URLsStats(ctx, db)
	if err != nil {
		t.Fatalf("URLsStats: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d; want 3", count)
	}
	if maxUpdated == nil || maxUpdated.IsZero() {
		t.Fatalf("maxUpdatedAt missing: %v", maxUpdated)
	}
}

func TestURLsStats_Error_NoTable(t *testing.T) {
	db := newStatsDB(t)
	if _, _, err := URLsStats(context.Background(), db); err == nil {
		t.Fatalf("expected error without migrations")
	}
}

func TestStatusCounts(t *testing.T) {
	db := newStatsDB(t, &domain.URL{})
	ctx := context.Background()

	seed := []domain.ProcessingStatus{
		domain.StatusNotStarted,
		domain.StatusNotStarted,
		domain.StatusStored,
		domain.StatusExhausted,
	}
	for i, st := range seed {
		u := &domain.URL{
			RawURL:           fmt.Sprintf("https://example.com/%d", i),
			ProcessingStatus: st,
		}
		if err := CreateURL(ctx, db, u); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	counts, err := StatusCounts(ctx, db)
	if err != nil {
		t.Fatalf("StatusCounts: %v", err)
	}
	if counts[domain.StatusNotStarted] != 2 {
		t.Fatalf("not_started = %d; want 2", counts[domain.StatusNotStarted])
	}
	if counts[domain.StatusStored] != 1 || counts[domain.StatusExhausted] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if _, ok := counts[domain.StatusIgnored]; ok {
		t.Fatalf("empty statuses must be absent from the map")
	}
}

func TestStatusCounts_Empty(t *testing.T) {
	db := newStatsDB(t, &domain.URL{})
	counts, err := StatusCounts(context.Background(), db)
	if err != nil {
		t.Fatalf("StatusCounts: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("expected empty map, got %v", counts)
	}
}
