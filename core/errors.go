package core

import "errors"

var (
	// ErrMissingEntityID is returned when a schedule request has no entity id.
	ErrMissingEntityID = errors.New("entity id is required")

	// ErrInvalidPriority is returned for a priority outside the four tiers.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrRejected is returned when the decision engine rejects a request.
	ErrRejected = errors.New("schedule request rejected")

	// ErrUnknownEntry is returned when a schedule id does not exist.
	ErrUnknownEntry = errors.New("unknown schedule entry")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyAllocated is returned when an entry already holds an active allocation.
	ErrAlreadyAllocated = errors.New("entry already has an active allocation")

	// ErrNoAllocation is returned when releasing an allocation that is not active.
	ErrNoAllocation = errors.New("no active allocation")

	// ErrClosed is returned by operations on a stopped orchestrator.
	ErrClosed = errors.New("orchestrator is closed")
)
