// Package services – IntegrityService
//
// This file implements integrity checking and repair over tracked URLs.
// Issue detection itself is pure (internal/guards); this service adds the
// one check guards cannot perform (whether a linked item key still resolves
// to an item in the bibliographic store) and exposes single-URL reports,
// filtered/paginated bulk reports, and explicit repair execution.
//
// Integrity issues are reported, never auto-corrected: a repair mutates
// state only when Repair is invoked explicitly for a URL.
package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/theodore-app/go-citation-backend/internal/domain"
	"github.com/theodore-app/go-citation-backend/internal/guards"
	"github.com/theodore-app/go-citation-backend/internal/repo"
)

// ItemChecker answers whether an item key resolves to a live bibliographic
// item. The Zotero client implements it; tests substitute a map.
type ItemChecker interface {
	ItemExists(ctx context.Context, key string) (bool, error)
}

// IntegrityReport is the per-URL integrity verdict.
type IntegrityReport struct {
	URLID            uint                    `json:"urlId"`
	IsConsistent     bool                    `json:"isConsistent"`
	Issues           []guards.Issue          `json:"issues"`
	RepairSuggestion guards.RepairAction     `json:"repairSuggestion"`
	Severity         string                  `json:"severity"`
	CurrentState     domain.ProcessingStatus `json:"currentState"`
}

// BulkIntegrityFilter narrows a bulk integrity scan.
type BulkIntegrityFilter struct {
	// IssueType keeps only reports containing this issue. Empty = all.
	IssueType guards.Issue
	// Severity keeps only reports with this severity. Empty = all
	// inconsistent reports (healthy rows are never listed in bulk output).
	Severity string
}

// BulkIntegrityPage is a filtered, paginated slice of integrity reports.
type BulkIntegrityPage struct {
	Issues     []IntegrityReport `json:"issues"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	TotalPages int               `json:"totalPages"`
}

// IntegrityService detects and repairs stored-state mismatches.
type IntegrityService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Items resolves item keys against the bibliographic store; nil skips
	// dangling-reference detection.
	Items ItemChecker
	// State drives repair transitions and resets.
	State *StateService
}

// NewIntegrityService constructs an IntegrityService.
func NewIntegrityService(db *gorm.DB, items ItemChecker, state *StateService) *IntegrityService {
	return &IntegrityService{DB: db, Items: items, State: state}
}

// Check returns the integrity report for one URL.
func (s *IntegrityService) Check(ctx context.Context, id uint) (*IntegrityReport, error) {
	u, err := repo.GetURL(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrURLNotFound
		}
		return nil, err
	}
	rep := s.report(ctx, u)
	return &rep, nil
}

// CheckBulk scans every URL, keeps inconsistent ones matching the filter,
// and returns one page plus pagination metadata. It applies defaults for
// invalid page/limit and caps the limit at 100.
func (s *IntegrityService) CheckBulk(ctx context.Context, f BulkIntegrityFilter, page, limit int) (*BulkIntegrityPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	urls, err := repo.ListURLs(ctx, s.DB, nil)
	if err != nil {
		return nil, err
	}

	matched := make([]IntegrityReport, 0)
	for i := range urls {
		rep := s.report(ctx, &urls[i])
		if rep.IsConsistent {
			continue
		}
		if f.IssueType != "" && !hasIssue(rep.Issues, f.IssueType) {
			continue
		}
		if f.Severity != "" && rep.Severity != f.Severity {
			continue
		}
		matched = append(matched, rep)
	}

	total := len(matched)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return &BulkIntegrityPage{
		Issues:     matched[start:end],
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	}, nil
}

// Repair executes the suggested repair action for a URL and returns the
// resulting report. A healthy record is a no-op.
//
// Actions:
//   - transition: drive the status to the stored* state the linked item
//     implies, via the normal state machine.
//   - reset:      return the URL to not_started (stored* with no item).
//   - sync:       realign the legacy status mirror with stored-ness.
//   - clear:      drop a dangling item reference.
func (s *IntegrityService) Repair(ctx context.Context, id uint) (*IntegrityReport, error) {
	u, err := repo.GetURL(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrURLNotFound
		}
		return nil, err
	}
	rep := s.report(ctx, u)

	switch rep.RepairSuggestion {
	case guards.RepairTransition:
		res, err := s.State.Transition(ctx, id, domain.StatusStored)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			// A guard-rejected transition means the record is still broken;
			// returning the stale report would read as a successful repair.
			return nil, fmt.Errorf("%w: %s", ErrRepairRejected, res.Error)
		}
	case guards.RepairReset:
		if err := s.State.Reset(ctx, id); err != nil {
			return nil, err
		}
	case guards.RepairSync:
		legacy := "pending"
		if u.ProcessingStatus.IsStored() {
			legacy = "completed"
		}
		if err := repo.SetLegacyStatus(ctx, s.DB, id, legacy); err != nil {
			return nil, err
		}
	case guards.RepairClear:
		if err := repo.SetItemKey(ctx, s.DB, id, nil, false); err != nil {
			return nil, err
		}
	case guards.RepairNone:
		// Nothing to do.
	}

	return s.Check(ctx, id)
}

// report assembles the full report for one URL, appending the
// dangling-reference issue when the store says the key is dead.
func (s *IntegrityService) report(ctx context.Context, u *domain.URL) IntegrityReport {
	issues := guards.IntegrityIssues(u)
	if s.Items != nil && u.ItemKey() != "" {
		// Lookup failures are treated as "exists": a flaky store must not
		// produce spurious clear suggestions.
		if exists, err := s.Items.ItemExists(ctx, u.ItemKey()); err == nil && !exists {
			issues = append(issues, guards.IssueDanglingItemReference)
		}
	}
	return IntegrityReport{
		URLID:            u.ID,
		IsConsistent:     len(issues) == 0,
		Issues:           issues,
		RepairSuggestion: guards.SuggestRepair(issues),
		Severity:         guards.Severity(issues),
		CurrentState:     u.ProcessingStatus,
	}
}

func hasIssue(issues []guards.Issue, want guards.Issue) bool {
	for _, i := range issues {
		if i == want {
			return true
		}
	}
	return false
}
