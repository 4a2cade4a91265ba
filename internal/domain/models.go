// Package domain defines the persistence models for tracked URLs and their
// links to Zotero bibliographic items. These types are mapped with GORM and
// form the core data layer of the citation backend.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ProcessingStatus describes a URL's current pipeline stage. The status is
// mutated exclusively through the state machine service so that every change
// passes the guard graph and is recorded in ProcessingHistory.
type ProcessingStatus string

// Pipeline states. NotStarted is the initial state for every imported URL.
const (
	StatusNotStarted        ProcessingStatus = "not_started"
	StatusProcessingZotero  ProcessingStatus = "processing_zotero"
	StatusProcessingContent ProcessingStatus = "processing_content"
	StatusProcessingLLM     ProcessingStatus = "processing_llm"
	StatusAwaitingSelection ProcessingStatus = "awaiting_selection"
	StatusAwaitingMetadata  ProcessingStatus = "awaiting_metadata"
	StatusStored            ProcessingStatus = "stored"
	StatusStoredIncomplete  ProcessingStatus = "stored_incomplete"
	StatusStoredCustom      ProcessingStatus = "stored_custom"
	StatusExhausted         ProcessingStatus = "exhausted"
	StatusIgnored           ProcessingStatus = "ignored"
	StatusArchived          ProcessingStatus = "archived"
)

// AllStatuses lists every valid processing status in declaration order.
var AllStatuses = []ProcessingStatus{
	StatusNotStarted,
	StatusProcessingZotero,
	StatusProcessingContent,
	StatusProcessingLLM,
	StatusAwaitingSelection,
	StatusAwaitingMetadata,
	StatusStored,
	StatusStoredIncomplete,
	StatusStoredCustom,
	StatusExhausted,
	StatusIgnored,
	StatusArchived,
}

// Valid reports whether s is one of the known processing statuses.
func (s ProcessingStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsStored reports whether s is one of the stored* states, i.e. the URL has
// (or should have) a bibliographic item behind it.
func (s ProcessingStatus) IsStored() bool {
	return s == StatusStored || s == StatusStoredIncomplete || s == StatusStoredCustom
}

// IsTerminal reports whether s can only be left via an explicit reset or
// unignore. stored_incomplete is deliberately not terminal: incomplete items
// may be re-processed or upgraded to stored.
func (s ProcessingStatus) IsTerminal() bool {
	switch s {
	case StatusStored, StatusStoredCustom, StatusExhausted, StatusIgnored, StatusArchived:
		return true
	}
	return false
}

// UserIntent is a user-set override of automatic processing.
type UserIntent string

// Intent values. IntentAuto is the default for imported URLs.
const (
	IntentAuto       UserIntent = "auto"
	IntentIgnore     UserIntent = "ignore"
	IntentPriority   UserIntent = "priority"
	IntentManualOnly UserIntent = "manual_only"
	IntentArchive    UserIntent = "archive"
)

// Valid reports whether i is one of the known user intents.
func (i UserIntent) Valid() bool {
	switch i {
	case IntentAuto, IntentIgnore, IntentPriority, IntentManualOnly, IntentArchive:
		return true
	}
	return false
}

// StatusChange records the endpoints of a single state-machine transition.
type StatusChange struct {
	From ProcessingStatus `json:"from"`
	To   ProcessingStatus `json:"to"`
}

// HistoryEntry is one record in a URL's append-only processing history.
// Entries are never edited or removed except by an explicit reset, which
// replaces the whole sequence with an empty one.
type HistoryEntry struct {
	Timestamp  time.Time     `json:"timestamp"`
	Stage      string        `json:"stage,omitempty"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Transition *StatusChange `json:"transition,omitempty"`
	ItemKey    string        `json:"itemKey,omitempty"`
}

// ProcessingHistory is the ordered, append-only sequence of attempt records
// for a URL. It is persisted as a JSON column so history travels with the
// row without a second table.
type ProcessingHistory []HistoryEntry

// Value implements driver.Valuer, serializing the history to JSON.
func (h ProcessingHistory) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner, deserializing the history from JSON.
func (h *ProcessingHistory) Scan(src any) error {
	if src == nil {
		*h = ProcessingHistory{}
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("processing history: unsupported scan source")
	}
	if len(data) == 0 {
		*h = ProcessingHistory{}
		return nil
	}
	return json.Unmarshal(data, h)
}

// URL represents one tracked URL moving through the enrichment pipeline.
//
// Fields:
//   - ID: auto-increment primary key.
//   - RawURL: the URL exactly as imported; unique.
//   - Domain: host portion of RawURL, denormalized for filtering.
//   - Section: identifier of the source section the URL was extracted from.
//   - ProcessingStatus: current pipeline stage (see ProcessingStatus).
//   - UserIntent: user override of automatic processing.
//   - ZoteroItemKey: key of the bibliographic item this URL is linked to,
//     nil while no item exists.
//   - ZoteroProcessingStatus: legacy secondary status mirror kept for older
//     clients; guards flag disagreement with ProcessingStatus.
//   - ProcessingAttempts: number of pipeline attempts so far (>= 0).
//   - ProcessingHistory: append-only audit trail of attempts and transitions.
//   - CreatedByTheodore: whether the linked item was created by this system
//     (as opposed to pre-existing in the user's library).
//   - UserModifiedInZotero: whether the user has edited the item directly.
//   - LinkedURLCount: denormalized count of URLs sharing this item key.
type URL struct {
	ID                     uint              `json:"id"                      gorm:"primaryKey"`
	RawURL                 string            `json:"url"                     gorm:"type:text;not null;uniqueIndex:ux_urls_raw"`
	Domain                 string            `json:"domain"                  gorm:"type:varchar(255);index"`
	Section                string            `json:"section,omitempty"       gorm:"type:varchar(128);index"`
	ProcessingStatus       ProcessingStatus  `json:"processingStatus"        gorm:"type:varchar(32);not null;default:'not_started';index"`
	UserIntent             UserIntent        `json:"userIntent"              gorm:"type:varchar(16);not null;default:'auto'"`
	ZoteroItemKey          *string           `json:"zoteroItemKey,omitempty" gorm:"type:varchar(64);index"`
	ZoteroProcessingStatus string            `json:"zoteroProcessingStatus"  gorm:"type:varchar(32);not null;default:'pending'"`
	ProcessingAttempts     int               `json:"processingAttempts"      gorm:"not null;default:0"`
	ProcessingHistory      ProcessingHistory `json:"processingHistory"       gorm:"type:text"`
	CreatedByTheodore      bool              `json:"createdByTheodore"       gorm:"not null;default:false"`
	UserModifiedInZotero   bool              `json:"userModifiedInZotero"    gorm:"not null;default:false"`
	LinkedURLCount         int               `json:"linkedUrlCount"          gorm:"not null;default:0"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
	DeletedAt              gorm.DeletedAt    `json:"-"                       gorm:"index"`
}

// TableName returns the database table name for URL.
func (URL) TableName() string { return "urls" }

// ItemKey returns the linked item key or "" when the URL is unlinked.
func (u *URL) ItemKey() string {
	if u.ZoteroItemKey == nil {
		return ""
	}
	return *u.ZoteroItemKey
}

// ZoteroItemLink is the many-URLs-to-one-item join entity. It is the
// mechanism by which deduplication keeps multiple URLs pointing at a single
// bibliographic item instead of duplicating it.
//
// Fields:
//   - ItemKey / URLID: the edge; unique as a pair.
//   - CreatedByTheodore: the item behind this link was created by this system.
//   - UserModified: the user edited the item after linking.
//   - LinkedAt: when the edge was created.
type ZoteroItemLink struct {
	ID                uint           `json:"id"                gorm:"primaryKey"`
	ItemKey           string         `json:"itemKey"           gorm:"type:varchar(64);not null;index;uniqueIndex:ux_links_item_url,priority:1"`
	URLID             uint           `json:"urlId"             gorm:"not null;index;uniqueIndex:ux_links_item_url,priority:2"`
	CreatedByTheodore bool           `json:"createdByTheodore" gorm:"not null;default:false"`
	UserModified      bool           `json:"userModified"      gorm:"not null;default:false"`
	LinkedAt          time.Time      `json:"linkedAt"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `json:"-"                 gorm:"index"`
}

// TableName returns the database table name for ZoteroItemLink.
func (ZoteroItemLink) TableName() string { return "zotero_item_links" }

// Capability describes which operations are currently available for a URL.
// Flags are computed from content-cache and extraction state, never stored,
// and the struct is passed by value into guard functions so a guard can
// never mutate shared capability state.
type Capability struct {
	HasIdentifiers        bool `json:"hasIdentifiers"`
	HasWebTranslators     bool `json:"hasWebTranslators"`
	HasContent            bool `json:"hasContent"`
	IsAccessible          bool `json:"isAccessible"`
	CanUseLLM             bool `json:"canUseLLM"`
	IsPDF                 bool `json:"isPDF"`
	ManualCreateAvailable bool `json:"manualCreateAvailable"`
}

// DuplicateGroup is an ephemeral, computed set of URLs whose normalized URL
// strings collide, together with the distinct bibliographic items those URLs
// reference. Groups are never persisted; ids are derived deterministically
// from the canonical key so a group can be re-identified across requests.
type DuplicateGroup struct {
	GroupID      string   `json:"groupId"`
	CanonicalURL string   `json:"canonicalUrl"`
	URLs         []URL    `json:"urls"`
	ItemKeys     []string `json:"zoteroItemKeys"`
}
