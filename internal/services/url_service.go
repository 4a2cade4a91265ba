// Package services: URL intake and listing.
//
// URLService owns the lifecycle edges the state machine does not: getting
// URLs into the table in the first place, and reading them back out with
// filters and pagination.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/theodore-app/go-citation-backend/internal/domain"
	"github.com/theodore-app/go-citation-backend/internal/extract"
	"github.com/theodore-app/go-citation-backend/internal/repo"
	"github.com/theodore-app/go-citation-backend/internal/urlnorm"
)

// ImportRequest carries one intake call. Text is scanned for URLs; URLs are
// taken as given after cleanup. Both may be supplied together.
type ImportRequest struct {
	Text    string   `json:"text,omitempty"`
	URLs    []string `json:"urls,omitempty"`
	Section string   `json:"section,omitempty"`
}

// ImportResult reports what an intake call did.
type ImportResult struct {
	Created []domain.URL `json:"created"`
	Skipped []string     `json:"skipped"`
	Invalid []string     `json:"invalid"`
}

// URLPage is one page of a filtered listing.
type URLPage struct {
	URLs       []domain.URL `json:"urls"`
	Total      int64        `json:"total"`
	Page       int          `json:"page"`
	Limit      int          `json:"limit"`
	TotalPages int          `json:"totalPages"`
}

// URLService handles URL intake and reads.
type URLService struct {
	DB *gorm.DB
}

// NewURLService wires a URLService.
func NewURLService(db *gorm.DB) *URLService {
	return &URLService{DB: db}
}

// Import extracts candidate URLs from the request, drops ones already in the
// table, and creates the rest in the not_started state. Already-present raw
// URLs are reported as skipped, unusable candidates as invalid; neither
// fails the call.
func (s *URLService) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	candidates := extract.URLs(req.Text)
	for _, raw := range req.URLs {
		cleaned := extract.Clean(strings.TrimSpace(raw))
		if cleaned == "" {
			candidates = append(candidates, raw)
			continue
		}
		candidates = append(candidates, cleaned)
	}

	result := &ImportResult{Created: []domain.URL{}, Skipped: []string{}, Invalid: []string{}}
	seen := map[string]struct{}{}
	for _, raw := range candidates {
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}

		if extract.Clean(raw) == "" {
			result.Invalid = append(result.Invalid, raw)
			continue
		}

		existing, err := repo.GetURLByRaw(ctx, s.DB, raw)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("lookup %s: %w", raw, err)
		}
		if existing != nil {
			result.Skipped = append(result.Skipped, raw)
			continue
		}

		u := domain.URL{
			RawURL:  raw,
			Domain:  urlnorm.Domain(raw),
			Section: req.Section,
		}
		if err := repo.CreateURL(ctx, s.DB, &u); err != nil {
			return nil, fmt.Errorf("create %s: %w", raw, err)
		}
		result.Created = append(result.Created, u)
	}

	log.Info().
		Int("created", len(result.Created)).
		Int("skipped", len(result.Skipped)).
		Int("invalid", len(result.Invalid)).
		Str("section", req.Section).
		Msg("url import completed")
	return result, nil
}

// Get fetches one URL; ErrURLNotFound when absent.
func (s *URLService) Get(ctx context.Context, id uint) (*domain.URL, error) {
	u, err := repo.GetURL(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrURLNotFound
	}
	return u, err
}

// List returns one page of URLs matching the filter. Limit is clamped to
// [1, 100]; page to >= 1.
func (s *URLService) List(ctx context.Context, f repo.URLFilter, page, limit int) (*URLPage, error) {
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}

	total, err := repo.CountURLs(ctx, s.DB, f)
	if err != nil {
		return nil, err
	}
	urls, err := repo.ListURLsPage(ctx, s.DB, f, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}

	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return &URLPage{URLs: urls, Total: total, Page: page, Limit: limit, TotalPages: totalPages}, nil
}

// StatusCounts returns the number of URLs per processing status, for the
// overview endpoint.
func (s *URLService) StatusCounts(ctx context.Context) (map[domain.ProcessingStatus]int64, error) {
	return repo.StatusCounts(ctx, s.DB)
}
