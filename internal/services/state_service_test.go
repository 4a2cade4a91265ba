package services

import (
	"context"
	"errors"
	"testing"

	"gorm.io/gorm"

	"github.com/theodore-app/go-citation-backend/internal/domain"
	"github.com/theodore-app/go-citation-backend/internal/repo"
)

// ----- Fake repo -----

type fakeURLRepo struct {
	url    *domain.URL
	getErr error

	// capture args
	updatedFrom  domain.ProcessingStatus
	updatedTo    domain.ProcessingStatus
	updatedEntry domain.HistoryEntry
	updatedBump  bool
	updateCalls  int
	updateErrs   []error // popped per call; nil when exhausted

	resetID  uint
	resetErr error

	setIntent domain.UserIntent
	setStatus domain.ProcessingStatus
	setEntry  *domain.HistoryEntry
	setErr    error
}

func (r *fakeURLRepo) GetURL(ctx context.Context, db *gorm.DB, id uint) (*domain.URL, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	cp := *r.url
	return &cp, nil
}

func (r *fakeURLRepo) UpdateStatusGuarded(ctx context.Context, db *gorm.DB, id uint, from, to domain.ProcessingStatus, entry domain.HistoryEntry, bumpAttempts bool) error {
	r.updateCalls++
	r.updatedFrom, r.updatedTo, r.updatedEntry, r.updatedBump = from, to, entry, bumpAttempts
	if len(r.updateErrs) > 0 {
		err := r.updateErrs[0]
		r.updateErrs = r.updateErrs[1:]
		return err
	}
	r.url.ProcessingStatus = to
	return nil
}

func (r *fakeURLRepo) ResetURL(ctx context.Context, db *gorm.DB, id uint) error {
	r.resetID = id
	return r.resetErr
}

func (r *fakeURLRepo) SetIntentAndStatus(ctx context.Context, db *gorm.DB, id uint, intent domain.UserIntent, status domain.ProcessingStatus, entry *domain.HistoryEntry) error {
	r.setIntent, r.setStatus, r.setEntry = intent, status, entry
	if r.setErr != nil {
		return r.setErr
	}
	if status != "" {
		r.url.ProcessingStatus = status
	}
	r.url.UserIntent = intent
	return nil
}

func stateURL(status domain.ProcessingStatus) *domain.URL {
	return &domain.URL{
		ID:               1,
		RawURL:           "https://example.com/a",
		ProcessingStatus: status,
		UserIntent:       domain.IntentAuto,
	}
}

func allOnCaps() StaticCapabilities {
	return StaticCapabilities(domain.Capability{
		HasIdentifiers:        true,
		HasWebTranslators:     true,
		HasContent:            true,
		IsAccessible:          true,
		CanUseLLM:             true,
		ManualCreateAvailable: true,
	})
}

// ----- Tests -----

func TestTransition_UnknownStatus(t *testing.T) {
	svc := NewStateService(nil, &fakeURLRepo{url: stateURL(domain.StatusNotStarted)}, allOnCaps())
	if _, err := svc.Transition(context.Background(), 1, "bogus"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestTransition_URLNotFound(t *testing.T) {
	svc := NewStateService(nil, &fakeURLRepo{getErr: repo.ErrNotFound}, allOnCaps())
	if _, err := svc.Transition(context.Background(), 1, domain.StatusProcessingZotero); !errors.Is(err, ErrURLNotFound) {
		t.Fatalf("expected ErrURLNotFound, got %v", err)
	}
}

func TestTransition_NoOp(t *testing.T) {
	fr := &fakeURLRepo{url: stateURL(domain.StatusStored)}
	svc := NewStateService(nil, fr, allOnCaps())

	res, err := svc.Transition(context.Background(), 1, domain.StatusStored)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !res.Success || !res.NoOp {
		t.Fatalf("expected no-op success, got %+v", res)
	}
	if fr.updateCalls != 0 {
		t.Fatalf("no-op must not write, got %d calls", fr.updateCalls)
	}
}

func TestTransition_GuardRejection(t *testing.T) {
	fr := &fakeURLRepo{url: stateURL(domain.StatusNotStarted)}
	svc := NewStateService(nil, fr, allOnCaps())

	// stored is not reachable from not_started
	res, err := svc.Transition(context.Background(), 1, domain.StatusStored)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if res.Success {
		t.Fatalf("illegal transition must be unsuccessful")
	}
	want := "Invalid transition from not_started to stored"
	if res.Error != want {
		t.Fatalf("error = %q; want %q", res.Error, want)
	}
	if fr.updateCalls != 0 {
		t.Fatalf("rejected transition must not write")
	}
}

func TestTransition_Success(t *testing.T) {
	fr := &fakeURLRepo{url: stateURL(domain.StatusNotStarted)}
	svc := NewStateService(nil, fr, allOnCaps())

	res, err := svc.Transition(context.Background(), 1, domain.StatusProcessingZotero)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !res.Success || res.From != domain.StatusNotStarted || res.To != domain.StatusProcessingZotero {
		t.Fatalf("result = %+v", res)
	}
	if fr.updatedEntry.Transition == nil || fr.updatedEntry.Transition.From != domain.StatusNotStarted {
		t.Fatalf("history entry not populated: %+v", fr.updatedEntry)
	}
	if !fr.updatedEntry.Success || fr.updatedEntry.Timestamp.IsZero() {
		t.Fatalf("entry flags missing: %+v", fr.updatedEntry)
	}
	if fr.updatedBump {
		t.Fatalf("Transition must not bump attempts")
	}
}

func TestTransition_RetriesOnStale(t *testing.T) {
	fr := &fakeURLRepo{
		url:        stateURL(domain.StatusNotStarted),
		updateErrs: []error{repo.ErrStaleStatus},
	}
	svc := NewStateService(nil, fr, allOnCaps())

	res, err := svc.Transition(context.Background(), 1, domain.StatusProcessingZotero)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !res.Success {
		t.Fatalf("retry should succeed after one stale round: %+v", res)
	}
	if fr.updateCalls != 2 {
		t.Fatalf("updateCalls = %d; want 2", fr.updateCalls)
	}
}

func TestRecordOutcome_BumpsAttemptsAndStage(t *testing.T) {
	fr := &fakeURLRepo{url: stateURL(domain.StatusNotStarted)}
	svc := NewStateService(nil, fr, allOnCaps())

	res, err := svc.RecordOutcome(context.Background(), 1, domain.StatusProcessingZotero, "zotero", "KEY1")
	if err != nil || !res.Success {
		t.Fatalf("RecordOutcome: %+v, %v", res, err)
	}
	if !fr.updatedBump {
		t.Fatalf("RecordOutcome must bump attempts")
	}
	if fr.updatedEntry.Stage != "zotero" || fr.updatedEntry.ItemKey != "KEY1" {
		t.Fatalf("entry = %+v", fr.updatedEntry)
	}
}

func TestReset(t *testing.T) {
	fr := &fakeURLRepo{url: stateURL(domain.StatusExhausted)}
	svc := NewStateService(nil, fr, nil)

	if err := svc.Reset(context.Background(), 7); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if fr.resetID != 7 {
		t.Fatalf("reset id = %d", fr.resetID)
	}

	fr.resetErr = repo.ErrNotFound
	if err := svc.Reset(context.Background(), 8); !errors.Is(err, ErrURLNotFound) {
		t.Fatalf("expected ErrURLNotFound, got %v", err)
	}
}

func TestSetUserIntent(t *testing.T) {
	fr := &fakeURLRepo{url: stateURL(domain.StatusNotStarted)}
	svc := NewStateService(nil, fr, nil)

	if err := svc.SetUserIntent(context.Background(), 1, domain.UserIntent("nope")); !errors.Is(err, ErrUnknownIntent) {
		t.Fatalf("expected ErrUnknownIntent, got %v", err)
	}
	if err := svc.SetUserIntent(context.Background(), 1, domain.IntentPriority); err != nil {
		t.Fatalf("SetUserIntent: %v", err)
	}
	if fr.setIntent != domain.IntentPriority || fr.setStatus != "" || fr.setEntry != nil {
		t.Fatalf("intent-only call wrong: intent=%s status=%q entry=%v", fr.setIntent, fr.setStatus, fr.setEntry)
	}
}

func TestIgnoreAndUnignore(t *testing.T) {
	fr := &fakeURLRepo{url: stateURL(domain.StatusProcessingContent)}
	svc := NewStateService(nil, fr, nil)

	if err := svc.Ignore(context.Background(), 1); err != nil {
		t.Fatalf("Ignore: %v", err)
	}
	if fr.setIntent != domain.IntentIgnore || fr.setStatus != domain.StatusIgnored {
		t.Fatalf("ignore wrote intent=%s status=%s", fr.setIntent, fr.setStatus)
	}
	if fr.setEntry == nil || fr.setEntry.Transition.To != domain.StatusIgnored {
		t.Fatalf("ignore must record the forced change: %+v", fr.setEntry)
	}

	if err := svc.Unignore(context.Background(), 1); err != nil {
		t.Fatalf("Unignore: %v", err)
	}
	if fr.setIntent != domain.IntentAuto || fr.setStatus != domain.StatusNotStarted {
		t.Fatalf("unignore wrote intent=%s status=%s", fr.setIntent, fr.setStatus)
	}
}

func TestIgnore_AlreadyIgnored_NoHistoryEntry(t *testing.T) {
	fr := &fakeURLRepo{url: stateURL(domain.StatusIgnored)}
	svc := NewStateService(nil, fr, nil)

	if err := svc.Ignore(context.Background(), 1); err != nil {
		t.Fatalf("Ignore: %v", err)
	}
	if fr.setEntry != nil {
		t.Fatalf("re-ignoring must not append history: %+v", fr.setEntry)
	}
}

func TestForceStored(t *testing.T) {
	fr := &fakeURLRepo{url: stateURL(domain.StatusAwaitingSelection)}
	svc := NewStateService(nil, fr, nil)

	if err := svc.ForceStored(context.Background(), 1, "KEY1"); err != nil {
		t.Fatalf("ForceStored: %v", err)
	}
	if fr.setStatus != domain.StatusStored {
		t.Fatalf("status = %s", fr.setStatus)
	}
	if fr.setIntent != domain.IntentAuto {
		t.Fatalf("intent must be preserved, got %s", fr.setIntent)
	}
	if fr.setEntry == nil || fr.setEntry.Stage != "deduplication" || fr.setEntry.ItemKey != "KEY1" {
		t.Fatalf("entry = %+v", fr.setEntry)
	}

	// already stored: nothing written
	fr2 := &fakeURLRepo{url: stateURL(domain.StatusStored)}
	svc2 := NewStateService(nil, fr2, nil)
	if err := svc2.ForceStored(context.Background(), 1, "KEY1"); err != nil {
		t.Fatalf("ForceStored noop: %v", err)
	}
	if fr2.setStatus != "" {
		t.Fatalf("stored URL must not be rewritten")
	}
}

func TestWithDB_CopiesService(t *testing.T) {
	fr := &fakeURLRepo{url: stateURL(domain.StatusNotStarted)}
	svc := NewStateService(nil, fr, nil)
	cp := svc.WithDB(&gorm.DB{})
	if cp == svc {
		t.Fatalf("WithDB must return a copy")
	}
	if cp.Repo != svc.Repo {
		t.Fatalf("copy must share the repo")
	}
}
