// Package guards provides a pure, dependency-free predicate library over a
// URL's persisted fields and its computed Capability flags. It owns two
// concerns and no state:
//
//   - The fixed transition graph of the processing state machine, plus the
//     per-target guard predicates that decide whether an edge may be taken
//     for a concrete URL right now.
//   - Integrity checking: detecting mismatches between a URL's stored-state
//     fields and suggesting a repair action.
//
// The package never touches the database and never mutates its inputs;
// Capability is passed by value so a guard cannot change shared flags. All
// outputs are deterministic: integrity issues are emitted in declaration
// order so callers can rely on a stable order in assertions.
package guards

import (
	"strings"

	"github.com/theodore-app/go-citation-backend/internal/domain"
)

// Issue identifies one detected mismatch between a URL's stored-state fields.
type Issue string

// Integrity issues, in declaration (and therefore emission) order.
const (
	// IssueLinkedButNotStored: zoteroItemKey is set while the processing
	// status is not one of the stored* states.
	IssueLinkedButNotStored Issue = "LINKED_BUT_NOT_STORED"

	// IssueStoredButNoItem: a stored* status with no item key behind it.
	IssueStoredButNoItem Issue = "STORED_BUT_NO_ITEM"

	// IssueDualStateMismatch: processingStatus and the legacy
	// zoteroProcessingStatus mirror disagree about stored-ness.
	IssueDualStateMismatch Issue = "DUAL_STATE_MISMATCH"

	// IssueItemExistsWrongState: an item key is present but the URL sits in
	// archived or ignored, where no item should be linked.
	IssueItemExistsWrongState Issue = "ITEM_EXISTS_WRONG_STATE"

	// IssueDanglingItemReference: the item key does not resolve to an item
	// in the bibliographic store. Detection requires a store lookup, so this
	// issue is appended by the integrity service, never computed here.
	IssueDanglingItemReference Issue = "DANGLING_ITEM_REFERENCE"
)

// RepairAction is the suggested remediation for a set of integrity issues.
type RepairAction string

// Repair actions. RepairNone means the record is consistent.
const (
	RepairTransition RepairAction = "transition"
	RepairReset      RepairAction = "reset"
	RepairSync       RepairAction = "sync"
	RepairClear      RepairAction = "clear"
	RepairNone       RepairAction = "none"
)

// legacyStoredMirror is the zoteroProcessingStatus value that mirrors a
// stored* processing status. Anything else counts as not-stored on the
// legacy side.
const legacyStoredMirror = "completed"

// GuardFunc decides whether a URL may enter a given target state. Guards
// receive the URL by pointer for field access only and must not mutate it.
type GuardFunc func(u *domain.URL, cap domain.Capability) bool

// transitionGraph is the fixed adjacency of the state machine. A transition
// is legal when the target appears in the source's edge set and the target's
// guard (if any) passes. not_started is re-entered only via reset/unignore,
// never via a graph edge.
var transitionGraph = map[domain.ProcessingStatus][]domain.ProcessingStatus{
	domain.StatusNotStarted: {
		domain.StatusProcessingZotero,
		domain.StatusProcessingContent,
		domain.StatusStoredCustom,
		domain.StatusArchived,
		domain.StatusIgnored,
	},
	domain.StatusProcessingZotero: {
		domain.StatusProcessingContent,
		domain.StatusAwaitingSelection,
		domain.StatusStored,
		domain.StatusStoredIncomplete,
		domain.StatusExhausted,
	},
	domain.StatusProcessingContent: {
		domain.StatusProcessingLLM,
		domain.StatusAwaitingSelection,
		domain.StatusStored,
		domain.StatusStoredIncomplete,
		domain.StatusExhausted,
	},
	domain.StatusProcessingLLM: {
		domain.StatusAwaitingMetadata,
		domain.StatusStored,
		domain.StatusStoredIncomplete,
		domain.StatusExhausted,
	},
	domain.StatusAwaitingSelection: {
		domain.StatusProcessingContent,
		domain.StatusStored,
		domain.StatusStoredIncomplete,
		domain.StatusExhausted,
	},
	domain.StatusAwaitingMetadata: {
		domain.StatusStored,
		domain.StatusStoredCustom,
		domain.StatusExhausted,
	},
	domain.StatusStoredIncomplete: {
		domain.StatusProcessingContent,
		domain.StatusProcessingLLM,
		domain.StatusStored,
	},
	// Terminal states: no outgoing edges. stored/stored_custom/exhausted/
	// ignored/archived are left only via reset or unignore.
	domain.StatusStored:       {},
	domain.StatusStoredCustom: {},
	domain.StatusExhausted:    {},
	domain.StatusIgnored:      {},
	domain.StatusArchived:     {},
}

// targetGuards maps a target state to the predicate that must additionally
// hold for the URL to enter it. Targets without an entry are unguarded.
var targetGuards = map[domain.ProcessingStatus]GuardFunc{
	domain.StatusProcessingZotero: func(u *domain.URL, _ domain.Capability) bool {
		return u.UserIntent != domain.IntentIgnore
	},
	domain.StatusProcessingContent: func(u *domain.URL, cap domain.Capability) bool {
		return cap.IsAccessible && u.UserIntent != domain.IntentIgnore
	},
	domain.StatusProcessingLLM: func(u *domain.URL, cap domain.Capability) bool {
		return cap.CanUseLLM && cap.HasContent
	},
	domain.StatusAwaitingSelection: func(_ *domain.URL, cap domain.Capability) bool {
		return cap.HasIdentifiers || cap.HasWebTranslators
	},
	domain.StatusStoredCustom: func(_ *domain.URL, cap domain.Capability) bool {
		return cap.ManualCreateAvailable
	},
	domain.StatusExhausted: func(u *domain.URL, _ domain.Capability) bool {
		return u.ProcessingAttempts > 0
	},
	domain.StatusIgnored: func(u *domain.URL, _ domain.Capability) bool {
		return u.UserIntent == domain.IntentIgnore
	},
}

// CanTransition reports whether the URL may move from its current status to
// target: the edge must exist in the fixed graph and the target's guard must
// pass. A transition to the current status is not an edge; the state machine
// treats it as an idempotent no-op before consulting this predicate.
func CanTransition(u *domain.URL, cap domain.Capability, target domain.ProcessingStatus) bool {
	edges, ok := transitionGraph[u.ProcessingStatus]
	if !ok {
		return false
	}
	found := false
	for _, e := range edges {
		if e == target {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if g, ok := targetGuards[target]; ok {
		return g(u, cap)
	}
	return true
}

// TargetsFrom returns the graph edges leaving status, ignoring guards. The
// returned slice is a copy; callers may mutate it freely.
func TargetsFrom(status domain.ProcessingStatus) []domain.ProcessingStatus {
	edges := transitionGraph[status]
	out := make([]domain.ProcessingStatus, len(edges))
	copy(out, edges)
	return out
}

// IntegrityIssues returns every issue detected on the URL, in declaration
// order. A fully consistent record yields an empty slice, never nil checks
// for the caller: the result is always non-nil.
func IntegrityIssues(u *domain.URL) []Issue {
	issues := []Issue{}

	linked := u.ZoteroItemKey != nil && *u.ZoteroItemKey != ""
	stored := u.ProcessingStatus.IsStored()

	if linked && !stored {
		issues = append(issues, IssueLinkedButNotStored)
	}
	if stored && !linked {
		issues = append(issues, IssueStoredButNoItem)
	}
	if legacyStored := u.ZoteroProcessingStatus == legacyStoredMirror; legacyStored != stored {
		issues = append(issues, IssueDualStateMismatch)
	}
	if linked && (u.ProcessingStatus == domain.StatusArchived || u.ProcessingStatus == domain.StatusIgnored) {
		issues = append(issues, IssueItemExistsWrongState)
	}
	return issues
}

// SuggestRepair maps a set of integrity issues to a single repair action. It
// is a pure function of the issue set; priority runs from the most to the
// least destructive mismatch:
//
//	STORED_BUT_NO_ITEM        -> reset      (no item to recover; start over)
//	DANGLING_ITEM_REFERENCE   -> clear      (drop the dead reference)
//	LINKED_BUT_NOT_STORED     -> transition (status should catch up to stored*)
//	DUAL_STATE_MISMATCH       -> sync       (realign the legacy mirror)
func SuggestRepair(issues []Issue) RepairAction {
	has := func(want Issue) bool {
		for _, i := range issues {
			if i == want {
				return true
			}
		}
		return false
	}
	switch {
	case has(IssueStoredButNoItem):
		return RepairReset
	case has(IssueDanglingItemReference):
		return RepairClear
	case has(IssueLinkedButNotStored), has(IssueItemExistsWrongState):
		return RepairTransition
	case has(IssueDualStateMismatch):
		return RepairSync
	default:
		return RepairNone
	}
}

// Severity classifies an issue set for reporting: "error" when any issue
// name mentions STORED or LINKED, "warning" for any other issue, and
// "healthy" for an empty set.
func Severity(issues []Issue) string {
	if len(issues) == 0 {
		return "healthy"
	}
	for _, i := range issues {
		s := string(i)
		if strings.Contains(s, "STORED") || strings.Contains(s, "LINKED") {
			return "error"
		}
	}
	return "warning"
}
