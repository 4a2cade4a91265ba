package domain

import (
	"reflect"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:domain_models?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	if (URL{}).TableName() != "urls" {
		t.Fatalf("URL.TableName() = %q; want %q", (URL{}).TableName(), "urls")
	}
	if (ZoteroItemLink{}).TableName() != "zotero_item_links" {
		t.Fatalf("ZoteroItemLink.TableName() = %q; want %q", (ZoteroItemLink{}).TableName(), "zotero_item_links")
	}
}

func TestProcessingStatus_Valid(t *testing.T) {
	for _, s := range AllStatuses {
		if !s.Valid() {
			t.Fatalf("status %q should be valid", s)
		}
	}
	if ProcessingStatus("completed").Valid() {
		t.Fatalf("legacy mirror value must not be a valid processing status")
	}
	if ProcessingStatus("").Valid() {
		t.Fatalf("empty status must not be valid")
	}
}

func TestProcessingStatus_IsStored_IsTerminal(t *testing.T) {
	storedStates := map[ProcessingStatus]bool{
		StatusStored:           true,
		StatusStoredIncomplete: true,
		StatusStoredCustom:     true,
	}
	terminalStates := map[ProcessingStatus]bool{
		StatusStored:       true,
		StatusStoredCustom: true,
		StatusExhausted:    true,
		StatusIgnored:      true,
		StatusArchived:     true,
	}
	for _, s := range AllStatuses {
		if got := s.IsStored(); got != storedStates[s] {
			t.Fatalf("%s.IsStored() = %v; want %v", s, got, storedStates[s])
		}
		if got := s.IsTerminal(); got != terminalStates[s] {
			t.Fatalf("%s.IsTerminal() = %v; want %v", s, got, terminalStates[s])
		}
	}
	// stored_incomplete is re-processable, so terminal must be false.
	if StatusStoredIncomplete.IsTerminal() {
		t.Fatalf("stored_incomplete must not be terminal")
	}
}

func TestUserIntent_Valid(t *testing.T) {
	for _, i := range []UserIntent{IntentAuto, IntentIgnore, IntentPriority, IntentManualOnly, IntentArchive} {
		if !i.Valid() {
			t.Fatalf("intent %q should be valid", i)
		}
	}
	if UserIntent("delete").Valid() {
		t.Fatalf("unknown intent should be invalid")
	}
}

func TestProcessingHistory_ValueAndScan(t *testing.T) {
	// nil history serializes to the empty JSON array
	var nilHist ProcessingHistory
	v, err := nilHist.Value()
	if err != nil {
		t.Fatalf("Value(nil): %v", err)
	}
	if v != "[]" {
		t.Fatalf("Value(nil) = %v; want []", v)
	}

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hist := ProcessingHistory{
		{
			Timestamp: ts,
			Stage:     "zotero",
			Success:   true,
			Transition: &StatusChange{
				From: StatusNotStarted,
				To:   StatusProcessingZotero,
			},
		},
		{
			Timestamp: ts.Add(time.Second),
			Stage:     "llm_extraction",
			Success:   false,
			Error:     "provider timeout",
		},
	}
	v, err = hist.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}

	var back ProcessingHistory
	if err := back.Scan(v); err != nil {
		t.Fatalf("Scan(string): %v", err)
	}
	if !reflect.DeepEqual(back, hist) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", back, hist)
	}

	// []byte source
	var fromBytes ProcessingHistory
	if err := fromBytes.Scan([]byte(v.(string))); err != nil {
		t.Fatalf("Scan([]byte): %v", err)
	}
	if len(fromBytes) != 2 {
		t.Fatalf("Scan([]byte) len = %d; want 2", len(fromBytes))
	}

	// nil and empty sources yield an empty, non-nil history
	var fromNil ProcessingHistory
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	if fromNil == nil || len(fromNil) != 0 {
		t.Fatalf("Scan(nil) should give empty history, got %+v", fromNil)
	}

	// unsupported source type
	var bad ProcessingHistory
	if err := bad.Scan(42); err == nil {
		t.Fatalf("Scan(int) should fail")
	}
}

func TestURL_ItemKey(t *testing.T) {
	u := &URL{}
	if u.ItemKey() != "" {
		t.Fatalf("unlinked URL should report empty item key")
	}
	k := "ABCD1234"
	u.ZoteroItemKey = &k
	if u.ItemKey() != k {
		t.Fatalf("ItemKey() = %q; want %q", u.ItemKey(), k)
	}
}

func TestMigrations_Indexes_AndHistoryColumn(t *testing.T) {
	db := newDomainDB(t)

	if err := db.AutoMigrate(&URL{}, &ZoteroItemLink{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()

	for _, tbl := range []any{&URL{}, &ZoteroItemLink{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
	if !m.HasIndex(&URL{}, "ux_urls_raw") {
		t.Fatalf("expected unique index ux_urls_raw on urls")
	}
	if !m.HasIndex(&ZoteroItemLink{}, "ux_links_item_url") {
		t.Fatalf("expected unique index ux_links_item_url on zotero_item_links")
	}

	// History survives a round trip through the JSON column.
	now := time.Now().UTC().Truncate(time.Second)
	u := &URL{
		RawURL:           "https://example.com/paper",
		Domain:           "example.com",
		ProcessingStatus: StatusProcessingZotero,
		UserIntent:       IntentAuto,
		ProcessingHistory: ProcessingHistory{
			{Timestamp: now, Stage: "zotero", Success: true},
		},
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("insert url: %v", err)
	}

	var got URL
	if err := db.First(&got, u.ID).Error; err != nil {
		t.Fatalf("load url: %v", err)
	}
	if len(got.ProcessingHistory) != 1 || got.ProcessingHistory[0].Stage != "zotero" {
		t.Fatalf("history did not survive persistence: %+v", got.ProcessingHistory)
	}

	// RawURL is unique.
	dup := &URL{RawURL: "https://example.com/paper"}
	if err := db.Create(dup).Error; err == nil {
		t.Fatalf("expected unique constraint violation on raw_url")
	}

	// Link edges are unique per (item, url).
	l1 := &ZoteroItemLink{ItemKey: "K1", URLID: u.ID, LinkedAt: now}
	if err := db.Create(l1).Error; err != nil {
		t.Fatalf("insert link: %v", err)
	}
	l2 := &ZoteroItemLink{ItemKey: "K1", URLID: u.ID, LinkedAt: now}
	if err := db.Create(l2).Error; err == nil {
		t.Fatalf("expected unique constraint violation on (item_key, url_id)")
	}
}
