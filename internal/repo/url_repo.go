// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the URL model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. In particular, no function here decides
// whether a status change is legal; that belongs to the state machine
// service. What this layer does guarantee is that a status change is a
// single conditional read-modify-write keyed on (id, current status), so two
// writers racing on the same URL cannot interleave history appends.
//
// Error semantics:
//   - When a URL is not found, functions return ErrNotFound
//     (aliasing gorm.ErrRecordNotFound).
//   - UpdateStatusGuarded returns ErrStaleStatus when the row's status no
//     longer matches the expected one; callers may re-read and retry.
//   - On other DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/theodore-app/go-citation-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrStaleStatus indicates a guarded status update lost a race: the row's
// current status no longer matches the status the caller read.
var ErrStaleStatus = errors.New("processing status changed concurrently")

// CreateURL inserts a new URL row in the initial not_started state. The
// processing history starts empty and intent defaults to auto unless set on
// the passed struct.
func CreateURL(ctx context.Context, db *gorm.DB, u *domain.URL) error {
	if u.ProcessingStatus == "" {
		u.ProcessingStatus = domain.StatusNotStarted
	}
	if u.UserIntent == "" {
		u.UserIntent = domain.IntentAuto
	}
	if u.ZoteroProcessingStatus == "" {
		u.ZoteroProcessingStatus = "pending"
	}
	if u.ProcessingHistory == nil {
		u.ProcessingHistory = domain.ProcessingHistory{}
	}
	u.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(u).Error
}

// GetURL fetches a single URL by id, or ErrNotFound if missing.
func GetURL(ctx context.Context, db *gorm.DB, id uint) (*domain.URL, error) {
	var u domain.URL
	if err := db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetURLByRaw fetches a URL by its exact raw string, or ErrNotFound.
func GetURLByRaw(ctx context.Context, db *gorm.DB, raw string) (*domain.URL, error) {
	var u domain.URL
	if err := db.WithContext(ctx).Where("raw_url = ?", raw).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ListURLs returns all URLs, optionally restricted to the given sections,
// ordered by id for deterministic grouping.
func ListURLs(ctx context.Context, db *gorm.DB, sections []string) ([]domain.URL, error) {
	var out []domain.URL
	q := db.WithContext(ctx).Order("id ASC")
	if len(sections) > 0 {
		q = q.Where("section IN ?", sections)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListURLsByIDs returns the URLs with the given ids, ordered by id. Missing
// ids are simply absent from the result; the caller decides whether that is
// an error.
func ListURLsByIDs(ctx context.Context, db *gorm.DB, ids []uint) ([]domain.URL, error) {
	var out []domain.URL
	if len(ids) == 0 {
		return out, nil
	}
	err := db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&out).Error
	return out, err
}

// URLFilter narrows bulk URL queries. Zero values mean "no constraint".
type URLFilter struct {
	Status  domain.ProcessingStatus
	Section string
	Linked  *bool // true: item key present; false: absent
}

// CountURLs returns the number of URLs matching the filter.
func CountURLs(ctx context.Context, db *gorm.DB, f URLFilter) (int64, error) {
	var total int64
	err := applyURLFilter(db.WithContext(ctx).Model(&domain.URL{}), f).Count(&total).Error
	return total, err
}

// ListURLsPage returns a page of URLs matching the filter, ordered by id.
// The caller computes offset and limit (e.g., (page-1)*limit).
func ListURLsPage(ctx context.Context, db *gorm.DB, f URLFilter, offset, limit int) ([]domain.URL, error) {
	var out []domain.URL
	err := applyURLFilter(db.WithContext(ctx), f).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

func applyURLFilter(q *gorm.DB, f URLFilter) *gorm.DB {
	if f.Status != "" {
		q = q.Where("processing_status = ?", f.Status)
	}
	if f.Section != "" {
		q = q.Where("section = ?", f.Section)
	}
	if f.Linked != nil {
		if *f.Linked {
			q = q.Where("zotero_item_key IS NOT NULL AND zotero_item_key != ''")
		} else {
			q = q.Where("zotero_item_key IS NULL OR zotero_item_key = ''")
		}
	}
	return q
}

// UpdateStatusGuarded performs the single atomic read-modify-write that
// backs every state-machine transition: it sets the status to `to` and
// appends `entry` to the history, but only while the row still carries the
// status `from` the caller observed. When the conditional write affects no
// rows the function distinguishes a vanished row (ErrNotFound) from a lost
// race (ErrStaleStatus).
//
// bumpAttempts additionally increments processing_attempts by one, used when
// a transition corresponds to a new pipeline attempt.
func UpdateStatusGuarded(ctx context.Context, db *gorm.DB, id uint, from, to domain.ProcessingStatus, entry domain.HistoryEntry, bumpAttempts bool) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u domain.URL
		if err := tx.First(&u, id).Error; err != nil {
			return err
		}
		if u.ProcessingStatus != from {
			return ErrStaleStatus
		}

		hist := append(u.ProcessingHistory, entry)
		updates := map[string]any{
			"processing_status":  to,
			"processing_history": hist,
			"updated_at":         time.Now().UTC(),
		}
		if bumpAttempts {
			updates["processing_attempts"] = gorm.Expr("processing_attempts + 1")
		}

		res := tx.Model(&domain.URL{}).
			Where("id = ? AND processing_status = ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleStatus
		}
		return nil
	})
}

// ResetURL unconditionally returns a URL to the initial state: not_started,
// zero attempts, empty history. The item key and intent are left untouched.
// Returns ErrNotFound when the row does not exist.
func ResetURL(ctx context.Context, db *gorm.DB, id uint) error {
	res := db.WithContext(ctx).Model(&domain.URL{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processing_status":   domain.StatusNotStarted,
			"processing_attempts": 0,
			"processing_history":  domain.ProcessingHistory{},
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetIntentAndStatus writes userIntent and, when status is non-empty, forces
// processingStatus alongside it, appending the given history entry. This is
// the escape hatch used by ignore/unignore, which bypass the guard graph.
func SetIntentAndStatus(ctx context.Context, db *gorm.DB, id uint, intent domain.UserIntent, status domain.ProcessingStatus, entry *domain.HistoryEntry) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u domain.URL
		if err := tx.First(&u, id).Error; err != nil {
			return err
		}
		updates := map[string]any{
			"user_intent": intent,
			"updated_at":  time.Now().UTC(),
		}
		if status != "" {
			updates["processing_status"] = status
		}
		if entry != nil {
			updates["processing_history"] = append(u.ProcessingHistory, *entry)
		}
		return tx.Model(&domain.URL{}).Where("id = ?", id).Updates(updates).Error
	})
}

// SetItemKey points a URL at a bibliographic item (or clears the reference
// when key is nil) and marks whether this system created the item.
func SetItemKey(ctx context.Context, db *gorm.DB, id uint, key *string, createdByTheodore bool) error {
	res := db.WithContext(ctx).Model(&domain.URL{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"zotero_item_key":     key,
			"created_by_theodore": createdByTheodore,
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLegacyStatus updates only the legacy zoteroProcessingStatus mirror.
// Used by the "sync" repair action.
func SetLegacyStatus(ctx context.Context, db *gorm.DB, id uint, legacy string) error {
	res := db.WithContext(ctx).Model(&domain.URL{}).
		Where("id = ?", id).
		Update("zotero_processing_status", legacy)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteURL removes a URL row (soft delete). Used only when deduplication
// absorbs an exact-duplicate row into its primary.
func DeleteURL(ctx context.Context, db *gorm.DB, id uint) error {
	res := db.WithContext(ctx).Delete(&domain.URL{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearItemKeyForItem drops the item reference from every URL pointing at
// itemKey. Used when a duplicate bibliographic item is deleted so no row is
// left with a dangling reference.
func ClearItemKeyForItem(ctx context.Context, db *gorm.DB, itemKey string) error {
	return db.WithContext(ctx).Model(&domain.URL{}).
		Where("zotero_item_key = ?", itemKey).
		Updates(map[string]any{
			"zotero_item_key":  nil,
			"linked_url_count": 0,
			"updated_at":       time.Now().UTC(),
		}).Error
}

// SetLinkedURLCount writes the denormalized linked-URL count on every URL
// referencing itemKey. Called after link rows change so the counter and the
// join table drift only inside the mutating transaction.
func SetLinkedURLCount(ctx context.Context, db *gorm.DB, itemKey string, count int) error {
	return db.WithContext(ctx).Model(&domain.URL{}).
		Where("zotero_item_key = ?", itemKey).
		Update("linked_url_count", count).Error
}
