// Package services: duplicate detection and resolution.
//
// DedupService finds groups of URLs whose normalized forms collide and
// resolves a group down to a single primary bibliographic item. Detection is
// a pure in-memory pass over the URL table; resolution validates every
// requested resolution against one fresh snapshot and then applies all of
// them inside one database transaction, with remote store writes ordered
// last so a remote failure rolls the whole batch back.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/theodore-app/go-citation-backend/internal/domain"
	"github.com/theodore-app/go-citation-backend/internal/repo"
	"github.com/theodore-app/go-citation-backend/internal/urlnorm"
	"github.com/theodore-app/go-citation-backend/internal/zotero"
)

// FindOptions controls a duplicate detection pass.
//
// Fields:
//   - Normalize: URL canonicalization settings; nil means defaults. A
//     non-nil all-false value is honored as-is, so callers can turn every
//     normalization step off.
//   - MinGroupSize: smallest collision set reported; values below 2 are
//     raised to 2 because a single URL is never a duplicate of itself.
//   - Sections: restrict the scan to these document sections; empty scans all.
type FindOptions struct {
	Normalize    *urlnorm.Options
	MinGroupSize int
	Sections     []string
}

// DuplicateReport is the outcome of one detection pass.
type DuplicateReport struct {
	Groups                 []domain.DuplicateGroup `json:"groups"`
	TotalGroups            int                     `json:"totalGroups"`
	TotalDuplicateURLs     int                     `json:"totalDuplicateUrls"`
	TotalUniqueZoteroItems int                     `json:"totalUniqueZoteroItems"`
	ScannedURLs            int                     `json:"scannedUrls"`
}

// Resolution describes how one duplicate group should be collapsed.
//
// Fields:
//   - GroupID: the deterministic id from a prior detection pass.
//   - PrimaryURLID: the URL that survives; must belong to the group.
//   - PrimaryZoteroItemKey: the item every group URL ends up linked to; must
//     be one of the group's item keys.
//   - SecondaryURLIDs: the remaining group URLs; byte-identical raw URLs are
//     absorbed (deleted), distinct raw URLs are relinked to the primary item.
//   - ItemsToDelete: non-primary item keys to remove from the remote store.
//   - MergeMetadata: fill empty primary item fields from deleted items first.
type Resolution struct {
	GroupID              string   `json:"groupId"`
	PrimaryURLID         uint     `json:"primaryUrlId"`
	PrimaryZoteroItemKey string   `json:"primaryZoteroItemKey"`
	SecondaryURLIDs      []uint   `json:"secondaryUrlIds"`
	ItemsToDelete        []string `json:"itemsToDelete,omitempty"`
	MergeMetadata        bool     `json:"mergeMetadata,omitempty"`
}

// ResolutionOutcome reports what one applied resolution did.
type ResolutionOutcome struct {
	GroupID      string   `json:"groupId"`
	PrimaryURLID uint     `json:"primaryUrlId"`
	RelinkedURLs []uint   `json:"relinkedUrls"`
	AbsorbedURLs []uint   `json:"absorbedUrls"`
	DeletedItems []string `json:"deletedItems"`
	MergedFields bool     `json:"mergedFields"`
}

// DedupService implements duplicate detection and resolution over the URL
// table and the bibliographic store.
type DedupService struct {
	DB    *gorm.DB
	Store zotero.BibliographicStore
	State *StateService
}

// NewDedupService wires a DedupService.
func NewDedupService(db *gorm.DB, store zotero.BibliographicStore, state *StateService) *DedupService {
	return &DedupService{DB: db, Store: store, State: state}
}

// FindDuplicateGroups scans the URL table and groups rows whose canonical
// forms collide. Groups come back ordered by canonical URL so repeated scans
// over unchanged data produce identical output.
func (s *DedupService) FindDuplicateGroups(ctx context.Context, opts FindOptions) (*DuplicateReport, error) {
	tr := otel.Tracer("services/DedupService")
	ctx, span := tr.Start(ctx, "FindDuplicateGroups")
	defer span.End()

	if opts.MinGroupSize < 2 {
		opts.MinGroupSize = 2
	}
	normalize := urlnorm.DefaultOptions()
	if opts.Normalize != nil {
		normalize = *opts.Normalize
	}

	urls, err := repo.ListURLs(ctx, s.DB, opts.Sections)
	if err != nil {
		return nil, fmt.Errorf("list urls: %w", err)
	}

	byCanonical := make(map[string][]domain.URL)
	for _, u := range urls {
		canonical := urlnorm.Canonicalize(u.RawURL, normalize)
		byCanonical[canonical] = append(byCanonical[canonical], u)
	}

	report := &DuplicateReport{Groups: []domain.DuplicateGroup{}, ScannedURLs: len(urls)}
	itemKeys := map[string]struct{}{}
	canonicals := make([]string, 0, len(byCanonical))
	for canonical, members := range byCanonical {
		if len(members) >= opts.MinGroupSize {
			canonicals = append(canonicals, canonical)
		}
	}
	sort.Strings(canonicals)

	for _, canonical := range canonicals {
		members := byCanonical[canonical]
		sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

		group := domain.DuplicateGroup{
			GroupID:      urlnorm.GroupID(canonical),
			CanonicalURL: canonical,
			URLs:         members,
			ItemKeys:     []string{},
		}
		seen := map[string]struct{}{}
		for _, u := range members {
			if key := u.ItemKey(); key != "" {
				if _, ok := seen[key]; !ok {
					seen[key] = struct{}{}
					itemKeys[key] = struct{}{}
					group.ItemKeys = append(group.ItemKeys, key)
				}
			}
		}
		report.Groups = append(report.Groups, group)
		report.TotalDuplicateURLs += len(members)
	}

	report.TotalGroups = len(report.Groups)
	report.TotalUniqueZoteroItems = len(itemKeys)
	span.SetAttributes(
		attribute.Int("dedup.groups", report.TotalGroups),
		attribute.Int("dedup.duplicate_urls", report.TotalDuplicateURLs),
	)
	return report, nil
}

// ExecuteDeduplicateAll applies a batch of resolutions atomically. Every
// group is recomputed from one fresh snapshot with the supplied normalize
// options (nil means defaults) and every resolution is validated against it
// before any write happens, so a bad resolution anywhere in the batch rejects
// the whole batch untouched. All local writes then run in one transaction;
// remote store writes run last inside the same closure, so a store failure on
// any resolution rolls back every resolution.
func (s *DedupService) ExecuteDeduplicateAll(ctx context.Context, resolutions []Resolution, normalize *urlnorm.Options) ([]ResolutionOutcome, error) {
	tr := otel.Tracer("services/DedupService")
	ctx, span := tr.Start(ctx, "ExecuteDeduplicateAll")
	defer span.End()
	span.SetAttributes(attribute.Int("dedup.resolutions", len(resolutions)))

	report, err := s.FindDuplicateGroups(ctx, FindOptions{Normalize: normalize})
	if err != nil {
		return nil, err
	}
	byGroupID := make(map[string]*domain.DuplicateGroup, len(report.Groups))
	for i := range report.Groups {
		byGroupID[report.Groups[i].GroupID] = &report.Groups[i]
	}

	groups := make([]*domain.DuplicateGroup, len(resolutions))
	for i, res := range resolutions {
		group, ok := byGroupID[res.GroupID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, res.GroupID)
		}
		if err := validateResolution(res, group); err != nil {
			return nil, err
		}
		groups[i] = group
	}

	outcomes := make([]ResolutionOutcome, 0, len(resolutions))
	txErr := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, res := range resolutions {
			outcome, err := s.applyResolution(ctx, tx, res, groups[i])
			if err != nil {
				return err
			}
			outcomes = append(outcomes, *outcome)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return outcomes, nil
}

// ExecuteDeduplicate applies a single resolution; see ExecuteDeduplicateAll.
func (s *DedupService) ExecuteDeduplicate(ctx context.Context, res Resolution, normalize *urlnorm.Options) (*ResolutionOutcome, error) {
	outcomes, err := s.ExecuteDeduplicateAll(ctx, []Resolution{res}, normalize)
	if err != nil {
		return nil, err
	}
	return &outcomes[0], nil
}

// applyResolution performs the writes for one validated resolution inside the
// caller's transaction.
func (s *DedupService) applyResolution(ctx context.Context, tx *gorm.DB, res Resolution, group *domain.DuplicateGroup) (*ResolutionOutcome, error) {
	memberByID := make(map[uint]domain.URL, len(group.URLs))
	for _, u := range group.URLs {
		memberByID[u.ID] = u
	}
	primary := memberByID[res.PrimaryURLID]

	outcome := &ResolutionOutcome{
		GroupID:      res.GroupID,
		PrimaryURLID: res.PrimaryURLID,
		RelinkedURLs: []uint{},
		AbsorbedURLs: []uint{},
		DeletedItems: []string{},
	}

	state := s.State.WithDB(tx)

	// Primary URL adopts the surviving item and lands in stored.
	if err := adoptItem(ctx, tx, state, primary, res.PrimaryZoteroItemKey); err != nil {
		return nil, fmt.Errorf("store primary url %d: %w", primary.ID, err)
	}
	if err := repo.UpsertLink(ctx, tx, res.PrimaryZoteroItemKey, primary.ID, primary.CreatedByTheodore); err != nil {
		return nil, fmt.Errorf("link primary url %d: %w", primary.ID, err)
	}

	for _, id := range res.SecondaryURLIDs {
		sec := memberByID[id]
		if sec.RawURL == primary.RawURL {
			// Byte-identical row adds nothing; absorb it.
			if err := repo.DeleteLinksForURL(ctx, tx, sec.ID); err != nil {
				return nil, fmt.Errorf("unlink url %d: %w", sec.ID, err)
			}
			if err := repo.DeleteURL(ctx, tx, sec.ID); err != nil {
				return nil, fmt.Errorf("delete url %d: %w", sec.ID, err)
			}
			outcome.AbsorbedURLs = append(outcome.AbsorbedURLs, sec.ID)
			continue
		}
		if err := adoptItem(ctx, tx, state, sec, res.PrimaryZoteroItemKey); err != nil {
			return nil, fmt.Errorf("store url %d: %w", sec.ID, err)
		}
		if err := repo.ReassignLink(ctx, tx, sec.ID, res.PrimaryZoteroItemKey, sec.CreatedByTheodore); err != nil {
			return nil, fmt.Errorf("relink url %d: %w", sec.ID, err)
		}
		outcome.RelinkedURLs = append(outcome.RelinkedURLs, sec.ID)
	}

	var merged *zotero.Item
	if res.MergeMetadata && len(res.ItemsToDelete) > 0 {
		m, err := s.mergeIntoPrimary(ctx, res.PrimaryZoteroItemKey, res.ItemsToDelete)
		if err != nil {
			return nil, err
		}
		merged = m
	}

	// Sever any URL still referencing a deleted item before it vanishes.
	for _, key := range res.ItemsToDelete {
		if err := repo.ClearItemKeyForItem(ctx, tx, key); err != nil {
			return nil, fmt.Errorf("clear refs to item %s: %w", key, err)
		}
		if err := repo.DeleteLinksForItem(ctx, tx, key); err != nil {
			return nil, fmt.Errorf("drop links for item %s: %w", key, err)
		}
	}

	count, err := repo.CountLinksForItem(ctx, tx, res.PrimaryZoteroItemKey)
	if err != nil {
		return nil, fmt.Errorf("count links: %w", err)
	}
	if err := repo.SetLinkedURLCount(ctx, tx, res.PrimaryZoteroItemKey, int(count)); err != nil {
		return nil, fmt.Errorf("update linked count: %w", err)
	}

	// Remote writes last: any store error aborts the transaction.
	if merged != nil {
		if err := s.Store.UpdateItem(ctx, res.PrimaryZoteroItemKey, *merged); err != nil {
			return nil, fmt.Errorf("update item %s: %w", res.PrimaryZoteroItemKey, err)
		}
		outcome.MergedFields = true
	}
	for _, key := range res.ItemsToDelete {
		if err := s.Store.DeleteItem(ctx, key); err != nil && !errors.Is(err, zotero.ErrItemNotFound) {
			return nil, fmt.Errorf("delete item %s: %w", key, err)
		}
		outcome.DeletedItems = append(outcome.DeletedItems, key)
	}
	return outcome, nil
}

// adoptItem points a URL at the surviving item: status stored (bypassing the
// guard graph, as linking to an existing item is always legal), item key set,
// legacy mirror synced.
func adoptItem(ctx context.Context, tx *gorm.DB, state *StateService, u domain.URL, itemKey string) error {
	if err := state.ForceStored(ctx, u.ID, itemKey); err != nil {
		return err
	}
	if err := repo.SetItemKey(ctx, tx, u.ID, &itemKey, u.CreatedByTheodore); err != nil {
		return err
	}
	return repo.SetLegacyStatus(ctx, tx, u.ID, "completed")
}

// validateResolution rejects a resolution that no longer matches the group
// snapshot. Every rejection wraps a sentinel and names the offending value.
func validateResolution(res Resolution, group *domain.DuplicateGroup) error {
	members := make(map[uint]struct{}, len(group.URLs))
	for _, u := range group.URLs {
		members[u.ID] = struct{}{}
	}
	items := make(map[string]struct{}, len(group.ItemKeys))
	for _, k := range group.ItemKeys {
		items[k] = struct{}{}
	}

	if _, ok := members[res.PrimaryURLID]; !ok {
		return fmt.Errorf("%w: primary url %d is not in group %s", ErrNotGroupMember, res.PrimaryURLID, res.GroupID)
	}
	for _, id := range res.SecondaryURLIDs {
		if id == res.PrimaryURLID {
			return fmt.Errorf("%w: url %d listed as both primary and secondary", ErrNotGroupMember, id)
		}
		if _, ok := members[id]; !ok {
			return fmt.Errorf("%w: secondary url %d is not in group %s", ErrNotGroupMember, id, res.GroupID)
		}
	}
	if res.PrimaryZoteroItemKey == "" {
		return fmt.Errorf("%w: empty primary item key", ErrNotGroupItem)
	}
	if _, ok := items[res.PrimaryZoteroItemKey]; !ok {
		return fmt.Errorf("%w: item %s is not referenced by group %s", ErrNotGroupItem, res.PrimaryZoteroItemKey, res.GroupID)
	}
	for _, key := range res.ItemsToDelete {
		if key == res.PrimaryZoteroItemKey {
			return fmt.Errorf("%w: %s", ErrDeletePrimaryItem, key)
		}
		if _, ok := items[key]; !ok {
			return fmt.Errorf("%w: item %s is not referenced by group %s", ErrNotGroupItem, key, res.GroupID)
		}
	}
	return nil
}

// mergeIntoPrimary reads the primary and the doomed items and fills empty
// primary fields from them in the order given. Missing doomed items are
// skipped; a missing primary is an error.
func (s *DedupService) mergeIntoPrimary(ctx context.Context, primaryKey string, doomed []string) (*zotero.Item, error) {
	primary, err := s.Store.GetItem(ctx, primaryKey)
	if err != nil {
		return nil, fmt.Errorf("fetch item %s: %w", primaryKey, err)
	}
	changed := false
	for _, key := range doomed {
		item, err := s.Store.GetItem(ctx, key)
		if errors.Is(err, zotero.ErrItemNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch item %s: %w", key, err)
		}
		var c bool
		*primary, c = zotero.MergeItems(*primary, *item)
		changed = changed || c
	}
	if !changed {
		return nil, nil
	}
	return primary, nil
}
