// Package services defines the business logic for state transitions, batch
// orchestration, integrity checking, and deduplication. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer.
package services

import "errors"

// Validation-class errors: rejected before any mutation.
var (
	// ErrURLNotFound indicates that the requested URL record does not exist.
	ErrURLNotFound = errors.New("url not found")

	// ErrUnknownStatus is returned when a transition names a status outside
	// the fixed state set.
	ErrUnknownStatus = errors.New("unknown processing status")

	// ErrUnknownIntent is returned when a user intent value is outside the
	// allowed set (auto, ignore, priority, manual_only, archive).
	ErrUnknownIntent = errors.New("unknown user intent")

	// ErrEmptyBatch is returned when a batch submission contains no URL ids.
	ErrEmptyBatch = errors.New("batch contains no url ids")

	// ErrSessionNotFound indicates that the requested batch session does not
	// exist in the session manager.
	ErrSessionNotFound = errors.New("batch session not found")

	// ErrSessionNotActive is returned when pause/resume/cancel is applied to
	// a session that already finished.
	ErrSessionNotActive = errors.New("batch session is not active")
)

// Deduplication errors.
var (
	// ErrGroupNotFound indicates a resolution referenced a duplicate group
	// that does not exist in a freshly computed snapshot.
	ErrGroupNotFound = errors.New("duplicate group not found")

	// ErrNotGroupMember is returned when a resolution references a URL id
	// that is not a member of its group.
	ErrNotGroupMember = errors.New("url is not a member of the group")

	// ErrNotGroupItem is returned when a resolution references an item key
	// that none of the group's URLs point at.
	ErrNotGroupItem = errors.New("item key does not belong to the group")

	// ErrDeletePrimaryItem is returned when itemsToDelete contains the item
	// chosen as the primary.
	ErrDeletePrimaryItem = errors.New("cannot delete the primary item")
)

// Integrity errors.
var (
	// ErrRepairRejected is returned when the state machine refuses the
	// transition a repair requires, leaving the record unrepaired.
	ErrRepairRejected = errors.New("repair transition rejected")
)
