package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newIdemDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestIdempotency_Migration_Indexes_AndInsert(t *testing.T) {
	db := newIdemDB(t)

	if err := db.AutoMigrate(&Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	if !m.HasTable(&Idempotency{}) {
		t.Fatalf("expected table %q to exist", Idempotency{}.TableName())
	}
	if !m.HasIndex(&Idempotency{}, "ux_client_scope_key") {
		t.Fatalf("expected composite index ux_client_scope_key to exist")
	}

	now := time.Now().UTC()
	rec := &Idempotency{
		ID:        "idem-1",
		ClientID:  "inst-1",
		Scope:     "/batches",
		Key:       "k-1",
		SessionID: "s-1",
		Status:    201,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := db.Create(rec).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}

	// (client, scope, key) is unique; a retry with a new id must be rejected.
	dup := &Idempotency{
		ID:        "idem-2",
		ClientID:  "inst-1",
		Scope:     "/batches",
		Key:       "k-1",
		SessionID: "s-other",
		Status:    201,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := db.Create(dup).Error; err == nil {
		t.Fatalf("expected unique violation on (client_id, scope, key)")
	}

	// Same key under a different scope is a distinct record.
	other := &Idempotency{
		ID:        "idem-3",
		ClientID:  "inst-1",
		Scope:     "/urls/:id/transition",
		Key:       "k-1",
		SessionID: "s-2",
		Status:    200,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := db.Create(other).Error; err != nil {
		t.Fatalf("insert different scope: %v", err)
	}
}
