// Package services – StateService
//
// This file implements the processing state machine for tracked URLs. It is
// the only code path allowed to mutate a URL's processingStatus: every
// change is validated against the fixed transition graph and the guard
// predicates in internal/guards, then applied as a single conditional
// read-modify-write so concurrent orchestrators cannot corrupt the
// append-only processing history.
//
// Convenience operations (ignore, unignore, reset, set-intent) live here as
// well. ignore/unignore intentionally bypass the guard graph: ignoring a URL
// is always legal, and unignoring always returns it to not_started.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// the URL id and the attempted transition.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/theodore-app/go-citation-backend/internal/domain"
	"github.com/theodore-app/go-citation-backend/internal/guards"
	"github.com/theodore-app/go-citation-backend/internal/repo"
)

// URLRepo defines the repository contract required by StateService.
// Implementations are responsible for persistence of URL aggregates.
type URLRepo interface {
	// GetURL fetches a URL by id.
	GetURL(ctx context.Context, db *gorm.DB, id uint) (*domain.URL, error)

	// UpdateStatusGuarded applies a conditional status change keyed on the
	// status the caller observed, appending one history entry.
	UpdateStatusGuarded(ctx context.Context, db *gorm.DB, id uint, from, to domain.ProcessingStatus, entry domain.HistoryEntry, bumpAttempts bool) error

	// ResetURL returns a URL to not_started with zero attempts and history.
	ResetURL(ctx context.Context, db *gorm.DB, id uint) error

	// SetIntentAndStatus writes intent and optionally forces a status,
	// bypassing the guard graph.
	SetIntentAndStatus(ctx context.Context, db *gorm.DB, id uint, intent domain.UserIntent, status domain.ProcessingStatus, entry *domain.HistoryEntry) error
}

// CapabilityResolver computes the capability flags for a URL. Flags are
// derived from content-cache and extraction state, so the resolver usually
// wraps the content fetcher's cache; tests substitute a static resolver.
type CapabilityResolver interface {
	Capability(ctx context.Context, u *domain.URL) domain.Capability
}

// CapabilityReleaser is implemented by resolvers that cache per-URL flags
// and can drop an entry once the URL has left the pipeline.
type CapabilityReleaser interface {
	ReleaseCapability(id uint)
}

// StaticCapabilities is a CapabilityResolver returning the same flags for
// every URL. Useful as a default and in tests.
type StaticCapabilities domain.Capability

// Capability implements CapabilityResolver.
func (s StaticCapabilities) Capability(context.Context, *domain.URL) domain.Capability {
	return domain.Capability(s)
}

// TransitionResult is the outcome of a transition attempt. Illegal
// transitions are not errors at the service boundary; they are unsuccessful
// results with a human-readable explanation, matching the wire contract
// {success, error?}.
type TransitionResult struct {
	Success bool                    `json:"success"`
	Error   string                  `json:"error,omitempty"`
	From    domain.ProcessingStatus `json:"from,omitempty"`
	To      domain.ProcessingStatus `json:"to,omitempty"`
	// NoOp is true when the target equaled the current status; the result is
	// a success but no history entry was appended.
	NoOp bool `json:"-"`
}

// StateService owns all processingStatus mutations.
type StateService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the URL repository used by this service.
	Repo URLRepo
	// Caps resolves capability flags; defaults to no capabilities.
	Caps CapabilityResolver

	// maxRetries bounds retries when a guarded update loses a race.
	maxRetries int
}

// NewStateService constructs a StateService with sane defaults.
func NewStateService(db *gorm.DB, r URLRepo, caps CapabilityResolver) *StateService {
	if caps == nil {
		caps = StaticCapabilities{}
	}
	return &StateService{DB: db, Repo: r, Caps: caps, maxRetries: 3}
}

// WithDB returns a shallow copy of the service bound to another DB handle,
// typically a transaction. The deduplication engine uses this to drive
// transitions inside its transactional boundary.
func (s *StateService) WithDB(db *gorm.DB) *StateService {
	cp := *s
	cp.DB = db
	return &cp
}

// Transition attempts to move a URL to the target status.
//
// Behavior:
//   - Unknown target: ErrUnknownStatus (no result).
//   - Missing URL: ErrURLNotFound.
//   - Target equals current status: no-op success, no history entry.
//   - Edge missing or guard failing: unsuccessful result with the message
//     "Invalid transition from <current> to <target>"; no mutation.
//   - Otherwise: status written and exactly one history entry appended, both
//     in one conditional read-modify-write.
func (s *StateService) Transition(ctx context.Context, id uint, target domain.ProcessingStatus) (TransitionResult, error) {
	return s.transition(ctx, id, target, domain.HistoryEntry{}, false)
}

// RecordOutcome is Transition for pipeline results: the appended history
// entry additionally carries the stage name and the created item key, and
// the URL's attempt counter is incremented. The orchestrator calls this
// after each item's pipeline run.
func (s *StateService) RecordOutcome(ctx context.Context, id uint, target domain.ProcessingStatus, stage, itemKey string) (TransitionResult, error) {
	return s.transition(ctx, id, target, domain.HistoryEntry{Stage: stage, ItemKey: itemKey}, true)
}

func (s *StateService) transition(ctx context.Context, id uint, target domain.ProcessingStatus, seed domain.HistoryEntry, bumpAttempts bool) (TransitionResult, error) {
	tr := otel.Tracer("services/StateService")
	ctx, span := tr.Start(ctx, "Transition",
		trace.WithAttributes(
			attribute.Int64("url.id", int64(id)),
			attribute.String("transition.target", string(target)),
		),
	)
	defer span.End()

	if !target.Valid() {
		return TransitionResult{}, ErrUnknownStatus
	}

	for attempt := 0; ; attempt++ {
		u, err := s.Repo.GetURL(ctx, s.DB, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return TransitionResult{}, ErrURLNotFound
			}
			return TransitionResult{}, err
		}

		// Idempotent re-application: success, but no duplicate audit record.
		if u.ProcessingStatus == target {
			return TransitionResult{Success: true, From: u.ProcessingStatus, To: target, NoOp: true}, nil
		}

		cap := s.Caps.Capability(ctx, u)
		if !guards.CanTransition(u, cap, target) {
			return TransitionResult{
				Success: false,
				Error:   fmt.Sprintf("Invalid transition from %s to %s", u.ProcessingStatus, target),
				From:    u.ProcessingStatus,
				To:      target,
			}, nil
		}

		entry := seed
		entry.Timestamp = time.Now().UTC()
		entry.Success = true
		entry.Transition = &domain.StatusChange{From: u.ProcessingStatus, To: target}

		err = s.Repo.UpdateStatusGuarded(ctx, s.DB, id, u.ProcessingStatus, target, entry, bumpAttempts)
		switch {
		case err == nil:
			return TransitionResult{Success: true, From: u.ProcessingStatus, To: target}, nil
		case errors.Is(err, repo.ErrStaleStatus) && attempt < s.maxRetries:
			// Lost a race; re-read and re-evaluate the guard against the
			// fresh status.
			continue
		case errors.Is(err, repo.ErrStaleStatus):
			return TransitionResult{
				Success: false,
				Error:   fmt.Sprintf("Invalid transition from %s to %s", u.ProcessingStatus, target),
				From:    u.ProcessingStatus,
				To:      target,
			}, nil
		case errors.Is(err, repo.ErrNotFound):
			return TransitionResult{}, ErrURLNotFound
		default:
			return TransitionResult{}, err
		}
	}
}

// Reset unconditionally returns a URL to not_started with zero attempts and
// an empty history. Always succeeds if the URL exists.
func (s *StateService) Reset(ctx context.Context, id uint) error {
	if err := s.Repo.ResetURL(ctx, s.DB, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrURLNotFound
		}
		return err
	}
	return nil
}

// SetUserIntent updates only the intent; the status and its guard graph are
// not consulted.
func (s *StateService) SetUserIntent(ctx context.Context, id uint, intent domain.UserIntent) error {
	if !intent.Valid() {
		return ErrUnknownIntent
	}
	if err := s.Repo.SetIntentAndStatus(ctx, s.DB, id, intent, "", nil); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrURLNotFound
		}
		return err
	}
	return nil
}

// Ignore sets userIntent=ignore and forces processingStatus=ignored,
// bypassing the normal transition guard (ignoring is always legal). The
// forced change is still recorded in the history.
func (s *StateService) Ignore(ctx context.Context, id uint) error {
	return s.force(ctx, id, domain.IntentIgnore, domain.StatusIgnored)
}

// Unignore sets userIntent=auto and returns the URL to not_started.
func (s *StateService) Unignore(ctx context.Context, id uint) error {
	return s.force(ctx, id, domain.IntentAuto, domain.StatusNotStarted)
}

// ForceStored drives a URL to the stored state outside the guard graph,
// recording the change with a "deduplication" stage entry. Linking a URL to
// an already-existing bibliographic item is always legal, so resolution is
// allowed the same bypass that ignore has.
func (s *StateService) ForceStored(ctx context.Context, id uint, itemKey string) error {
	u, err := s.Repo.GetURL(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrURLNotFound
		}
		return err
	}
	if u.ProcessingStatus == domain.StatusStored {
		return nil
	}
	entry := &domain.HistoryEntry{
		Timestamp:  time.Now().UTC(),
		Stage:      "deduplication",
		Success:    true,
		ItemKey:    itemKey,
		Transition: &domain.StatusChange{From: u.ProcessingStatus, To: domain.StatusStored},
	}
	if err := s.Repo.SetIntentAndStatus(ctx, s.DB, id, u.UserIntent, domain.StatusStored, entry); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrURLNotFound
		}
		return err
	}
	return nil
}

func (s *StateService) force(ctx context.Context, id uint, intent domain.UserIntent, status domain.ProcessingStatus) error {
	u, err := s.Repo.GetURL(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrURLNotFound
		}
		return err
	}
	var entry *domain.HistoryEntry
	if u.ProcessingStatus != status {
		entry = &domain.HistoryEntry{
			Timestamp:  time.Now().UTC(),
			Success:    true,
			Transition: &domain.StatusChange{From: u.ProcessingStatus, To: status},
		}
	}
	if err := s.Repo.SetIntentAndStatus(ctx, s.DB, id, intent, status, entry); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrURLNotFound
		}
		return err
	}
	return nil
}
