// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// ZoteroItemLink join model, the edge set mapping many URLs onto one
// bibliographic item.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/theodore-app/go-citation-backend/internal/domain"
)

// UpsertLink creates the (itemKey, urlID) edge, or refreshes LinkedAt when
// the edge already exists. Flags are overwritten on refresh.
func UpsertLink(ctx context.Context, db *gorm.DB, itemKey string, urlID uint, createdByTheodore bool) error {
	now := time.Now().UTC()
	var existing domain.ZoteroItemLink
	err := db.WithContext(ctx).
		Where("item_key = ? AND url_id = ?", itemKey, urlID).
		First(&existing).Error
	switch {
	case err == nil:
		return db.WithContext(ctx).Model(&existing).
			Updates(map[string]any{
				"created_by_theodore": createdByTheodore,
				"linked_at":           now,
			}).Error
	case err == gorm.ErrRecordNotFound:
		link := &domain.ZoteroItemLink{
			ItemKey:           itemKey,
			URLID:             urlID,
			CreatedByTheodore: createdByTheodore,
			LinkedAt:          now,
		}
		return db.WithContext(ctx).Create(link).Error
	default:
		return err
	}
}

// ListLinksForItem returns all edges for an item key, ordered by URL id.
func ListLinksForItem(ctx context.Context, db *gorm.DB, itemKey string) ([]domain.ZoteroItemLink, error) {
	var out []domain.ZoteroItemLink
	err := db.WithContext(ctx).
		Where("item_key = ?", itemKey).
		Order("url_id ASC").
		Find(&out).Error
	return out, err
}

// CountLinksForItem returns the number of URLs linked to itemKey. This is
// the ground truth the denormalized URL.LinkedURLCount must match.
func CountLinksForItem(ctx context.Context, db *gorm.DB, itemKey string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.ZoteroItemLink{}).
		Where("item_key = ?", itemKey).
		Count(&total).Error
	return total, err
}

// DeleteLinksForItem removes every edge referencing itemKey. Used when a
// duplicate bibliographic item is deleted during resolution.
func DeleteLinksForItem(ctx context.Context, db *gorm.DB, itemKey string) error {
	return db.WithContext(ctx).
		Where("item_key = ?", itemKey).
		Delete(&domain.ZoteroItemLink{}).Error
}

// DeleteLinksForURL removes every edge referencing urlID. Used when a
// secondary URL row is absorbed into its primary.
func DeleteLinksForURL(ctx context.Context, db *gorm.DB, urlID uint) error {
	return db.WithContext(ctx).
		Where("url_id = ?", urlID).
		Delete(&domain.ZoteroItemLink{}).Error
}

// ReassignLink moves a URL's edge from whatever item it pointed at onto
// toItemKey. Existing edges for the URL are dropped first so the unique
// (item, url) pair cannot conflict.
func ReassignLink(ctx context.Context, db *gorm.DB, urlID uint, toItemKey string, createdByTheodore bool) error {
	if err := DeleteLinksForURL(ctx, db, urlID); err != nil {
		return err
	}
	return UpsertLink(ctx, db, toItemKey, urlID, createdByTheodore)
}
