package core

import (
	"fmt"
	"time"
)

// =============================================================================
// Schedule Entry Data Model
// =============================================================================

// Status is the lifecycle state of a ScheduleEntry.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusScheduled, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// DefaultMaxRetries is used when a request does not set MaxRetries.
const DefaultMaxRetries = 3

// EntryMetadata is opaque caller context carried by an entry.
type EntryMetadata struct {
	EntityID    string `json:"entityId"`
	EntityType  string `json:"entityType"`
	TriggeredBy string `json:"triggeredBy"`
	Reason      string `json:"reason,omitempty"`
}

// ScheduleEntry is one admission request tracked through its lifecycle.
// Entries are never deleted; terminal entries stay for audit and for
// dependency checks.
type ScheduleEntry struct {
	ID                   string        `json:"id"`
	WorkflowID           string        `json:"workflowId,omitempty"`
	Priority             Priority      `json:"priority"`
	ScheduledTime        time.Time     `json:"scheduledTime"`
	EstimatedDuration    time.Duration `json:"estimatedDuration"`
	ResourceRequirements Resources     `json:"resourceRequirements"`
	Dependencies         []string      `json:"dependencies,omitempty"`
	Status               Status        `json:"status"`
	RetryCount           int           `json:"retryCount"`
	MaxRetries           int           `json:"maxRetries"`
	Metadata             EntryMetadata `json:"metadata"`
	LastError            string        `json:"lastError,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to callers.
func (e *ScheduleEntry) Clone() ScheduleEntry {
	c := *e
	c.Dependencies = append([]string(nil), e.Dependencies...)
	return c
}

// permanentlyFailed reports whether the entry can never run again.
func (e *ScheduleEntry) permanentlyFailed() bool {
	return e.Status == StatusFailed && e.RetryCount >= e.MaxRetries
}

// =============================================================================
// Status Transitions
// =============================================================================

var allowedTransitions = map[Status][]Status{
	StatusScheduled: {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed},
	StatusFailed:    {StatusScheduled},
}

// CanTransition reports whether the entry may move to the given status.
// failed -> scheduled is only allowed while retries remain.
func (e *ScheduleEntry) CanTransition(to Status) bool {
	for _, s := range allowedTransitions[e.Status] {
		if s != to {
			continue
		}
		if e.Status == StatusFailed && to == StatusScheduled {
			return e.RetryCount < e.MaxRetries
		}
		return true
	}
	return false
}

func (e *ScheduleEntry) transition(to Status, now time.Time) error {
	if !e.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s (entry %s)", ErrInvalidTransition, e.Status, to, e.ID)
	}
	e.Status = to
	e.UpdatedAt = now
	return nil
}
