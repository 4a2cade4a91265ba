package guards

import (
	"testing"

	"github.com/theodore-app/go-citation-backend/internal/domain"
)

func urlIn(status domain.ProcessingStatus) *domain.URL {
	return &domain.URL{
		ID:               1,
		RawURL:           "https://example.com/a",
		ProcessingStatus: status,
		UserIntent:       domain.IntentAuto,
	}
}

func allCaps() domain.Capability {
	return domain.Capability{
		HasIdentifiers:        true,
		HasWebTranslators:     true,
		HasContent:            true,
		IsAccessible:          true,
		CanUseLLM:             true,
		IsPDF:                 false,
		ManualCreateAvailable: true,
	}
}

func TestCanTransition_GraphEdges(t *testing.T) {
	caps := allCaps()

	cases := []struct {
		from, to domain.ProcessingStatus
		attempts int
		want     bool
	}{
		// legal pipeline path
		{domain.StatusNotStarted, domain.StatusProcessingZotero, 0, true},
		{domain.StatusProcessingZotero, domain.StatusProcessingContent, 1, true},
		{domain.StatusProcessingContent, domain.StatusProcessingLLM, 1, true},
		{domain.StatusProcessingLLM, domain.StatusStored, 1, true},
		{domain.StatusProcessingLLM, domain.StatusAwaitingMetadata, 1, true},
		{domain.StatusAwaitingMetadata, domain.StatusStored, 1, true},
		{domain.StatusAwaitingSelection, domain.StatusStored, 1, true},
		{domain.StatusStoredIncomplete, domain.StatusStored, 1, true},
		{domain.StatusStoredIncomplete, domain.StatusProcessingLLM, 1, true},

		// stored can never be reached directly from not_started
		{domain.StatusNotStarted, domain.StatusStored, 0, false},
		{domain.StatusNotStarted, domain.StatusStoredIncomplete, 0, false},
		{domain.StatusNotStarted, domain.StatusAwaitingMetadata, 0, false},

		// manual creation and archival are allowed from the start
		{domain.StatusNotStarted, domain.StatusStoredCustom, 0, true},
		{domain.StatusNotStarted, domain.StatusArchived, 0, true},

		// terminal states have no outgoing edges
		{domain.StatusStored, domain.StatusProcessingZotero, 1, false},
		{domain.StatusStoredCustom, domain.StatusStored, 1, false},
		{domain.StatusExhausted, domain.StatusProcessingContent, 1, false},
		{domain.StatusArchived, domain.StatusNotStarted, 1, false},
		{domain.StatusIgnored, domain.StatusNotStarted, 1, false},

		// backwards hops that are not edges
		{domain.StatusProcessingLLM, domain.StatusProcessingZotero, 1, false},
		{domain.StatusAwaitingMetadata, domain.StatusProcessingContent, 1, false},
	}

	for _, tc := range cases {
		u := urlIn(tc.from)
		u.ProcessingAttempts = tc.attempts
		if got := CanTransition(u, caps, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s) = %v; want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCanTransition_Guards(t *testing.T) {
	t.Run("ignore intent blocks processing", func(t *testing.T) {
		u := urlIn(domain.StatusNotStarted)
		u.UserIntent = domain.IntentIgnore
		if CanTransition(u, allCaps(), domain.StatusProcessingZotero) {
			t.Fatalf("processing_zotero must be blocked for intent=ignore")
		}
		if CanTransition(u, allCaps(), domain.StatusProcessingContent) {
			t.Fatalf("processing_content must be blocked for intent=ignore")
		}
	})

	t.Run("content stage requires accessibility", func(t *testing.T) {
		caps := allCaps()
		caps.IsAccessible = false
		u := urlIn(domain.StatusProcessingZotero)
		u.ProcessingAttempts = 1
		if CanTransition(u, caps, domain.StatusProcessingContent) {
			t.Fatalf("processing_content must require IsAccessible")
		}
	})

	t.Run("llm stage requires content and llm capability", func(t *testing.T) {
		u := urlIn(domain.StatusProcessingContent)
		u.ProcessingAttempts = 1

		caps := allCaps()
		caps.CanUseLLM = false
		if CanTransition(u, caps, domain.StatusProcessingLLM) {
			t.Fatalf("processing_llm must require CanUseLLM")
		}
		caps = allCaps()
		caps.HasContent = false
		if CanTransition(u, caps, domain.StatusProcessingLLM) {
			t.Fatalf("processing_llm must require HasContent")
		}
	})

	t.Run("awaiting_selection requires identifiers or translators", func(t *testing.T) {
		u := urlIn(domain.StatusProcessingContent)
		u.ProcessingAttempts = 1

		caps := allCaps()
		caps.HasIdentifiers = false
		caps.HasWebTranslators = false
		if CanTransition(u, caps, domain.StatusAwaitingSelection) {
			t.Fatalf("awaiting_selection must require identifiers or translators")
		}
		caps.HasIdentifiers = true
		if !CanTransition(u, caps, domain.StatusAwaitingSelection) {
			t.Fatalf("identifiers alone should satisfy awaiting_selection")
		}
	})

	t.Run("stored_custom requires manual create", func(t *testing.T) {
		caps := allCaps()
		caps.ManualCreateAvailable = false
		if CanTransition(urlIn(domain.StatusNotStarted), caps, domain.StatusStoredCustom) {
			t.Fatalf("stored_custom must require ManualCreateAvailable")
		}
	})

	t.Run("exhausted requires at least one attempt", func(t *testing.T) {
		u := urlIn(domain.StatusProcessingZotero)
		u.ProcessingAttempts = 0
		if CanTransition(u, allCaps(), domain.StatusExhausted) {
			t.Fatalf("exhausted must require attempts > 0")
		}
		u.ProcessingAttempts = 1
		if !CanTransition(u, allCaps(), domain.StatusExhausted) {
			t.Fatalf("exhausted should pass with attempts > 0")
		}
	})

	t.Run("ignored requires ignore intent", func(t *testing.T) {
		u := urlIn(domain.StatusNotStarted)
		if CanTransition(u, allCaps(), domain.StatusIgnored) {
			t.Fatalf("ignored must require intent=ignore")
		}
		u.UserIntent = domain.IntentIgnore
		if !CanTransition(u, allCaps(), domain.StatusIgnored) {
			t.Fatalf("ignored should pass with intent=ignore")
		}
	})

	t.Run("unknown source status has no edges", func(t *testing.T) {
		u := urlIn(domain.ProcessingStatus("bogus"))
		if CanTransition(u, allCaps(), domain.StatusStored) {
			t.Fatalf("unknown status must not transition anywhere")
		}
	})
}

func TestTargetsFrom_ReturnsCopy(t *testing.T) {
	a := TargetsFrom(domain.StatusNotStarted)
	if len(a) == 0 {
		t.Fatalf("not_started should have outgoing edges")
	}
	a[0] = domain.StatusStored
	b := TargetsFrom(domain.StatusNotStarted)
	if b[0] == domain.StatusStored {
		t.Fatalf("TargetsFrom must return a copy")
	}
	if got := TargetsFrom(domain.StatusStored); len(got) != 0 {
		t.Fatalf("stored is terminal, got edges %v", got)
	}
}

func TestIntegrityIssues(t *testing.T) {
	key := "K1"

	t.Run("consistent stored record", func(t *testing.T) {
		u := urlIn(domain.StatusStored)
		u.ZoteroItemKey = &key
		u.ZoteroProcessingStatus = "completed"
		if issues := IntegrityIssues(u); len(issues) != 0 {
			t.Fatalf("expected no issues, got %v", issues)
		}
	})

	t.Run("consistent unlinked record", func(t *testing.T) {
		u := urlIn(domain.StatusNotStarted)
		u.ZoteroProcessingStatus = "pending"
		if issues := IntegrityIssues(u); len(issues) != 0 {
			t.Fatalf("expected no issues, got %v", issues)
		}
	})

	t.Run("linked but not stored", func(t *testing.T) {
		u := urlIn(domain.StatusProcessingContent)
		u.ZoteroItemKey = &key
		u.ZoteroProcessingStatus = "completed"
		issues := IntegrityIssues(u)
		if len(issues) != 2 || issues[0] != IssueLinkedButNotStored || issues[1] != IssueDualStateMismatch {
			t.Fatalf("unexpected issues: %v", issues)
		}
	})

	t.Run("stored but no item", func(t *testing.T) {
		u := urlIn(domain.StatusStored)
		u.ZoteroProcessingStatus = "completed"
		issues := IntegrityIssues(u)
		if len(issues) != 1 || issues[0] != IssueStoredButNoItem {
			t.Fatalf("unexpected issues: %v", issues)
		}
	})

	t.Run("legacy mirror disagreement", func(t *testing.T) {
		u := urlIn(domain.StatusStored)
		u.ZoteroItemKey = &key
		u.ZoteroProcessingStatus = "pending"
		issues := IntegrityIssues(u)
		if len(issues) != 1 || issues[0] != IssueDualStateMismatch {
			t.Fatalf("unexpected issues: %v", issues)
		}
	})

	t.Run("item in archived state", func(t *testing.T) {
		u := urlIn(domain.StatusArchived)
		u.ZoteroItemKey = &key
		u.ZoteroProcessingStatus = "pending"
		issues := IntegrityIssues(u)
		// linked-not-stored fires too; wrong-state is emitted last
		if len(issues) != 2 || issues[1] != IssueItemExistsWrongState {
			t.Fatalf("unexpected issues: %v", issues)
		}
	})

	t.Run("empty key counts as unlinked", func(t *testing.T) {
		empty := ""
		u := urlIn(domain.StatusNotStarted)
		u.ZoteroItemKey = &empty
		u.ZoteroProcessingStatus = "pending"
		if issues := IntegrityIssues(u); len(issues) != 0 {
			t.Fatalf("empty key must not count as linked: %v", issues)
		}
	})
}

func TestSuggestRepair_Priority(t *testing.T) {
	cases := []struct {
		name   string
		issues []Issue
		want   RepairAction
	}{
		{"none", nil, RepairNone},
		{"stored without item wins", []Issue{IssueDualStateMismatch, IssueStoredButNoItem}, RepairReset},
		{"dangling reference", []Issue{IssueDanglingItemReference, IssueLinkedButNotStored}, RepairClear},
		{"linked not stored", []Issue{IssueLinkedButNotStored}, RepairTransition},
		{"wrong state", []Issue{IssueItemExistsWrongState}, RepairTransition},
		{"mirror only", []Issue{IssueDualStateMismatch}, RepairSync},
	}
	for _, tc := range cases {
		if got := SuggestRepair(tc.issues); got != tc.want {
			t.Errorf("%s: SuggestRepair = %q; want %q", tc.name, got, tc.want)
		}
	}
}

func TestSeverity(t *testing.T) {
	if Severity(nil) != "healthy" {
		t.Fatalf("empty issue set should be healthy")
	}
	if Severity([]Issue{IssueDualStateMismatch}) != "warning" {
		t.Fatalf("mirror mismatch should be a warning")
	}
	if Severity([]Issue{IssueStoredButNoItem}) != "error" {
		t.Fatalf("stored-without-item should be an error")
	}
	if Severity([]Issue{IssueDualStateMismatch, IssueLinkedButNotStored}) != "error" {
		t.Fatalf("any stored/linked issue should escalate to error")
	}
}
