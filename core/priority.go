package core

import (
	"fmt"
	"strings"
)

// =============================================================================
// Priority: the four admission tiers
// =============================================================================

// Priority is the tier of a schedule request. Higher values are more urgent.
type Priority int

const (
	// PriorityLow: lowest tier, longest deferral
	PriorityLow Priority = iota

	// PriorityMedium: default tier
	PriorityMedium

	// PriorityHigh: admitted ahead of medium and low work
	PriorityHigh

	// PriorityCritical: always prioritized, bypasses resource, concurrency
	// and dependency checks. It is never preemptive.
	PriorityCritical
)

// Priorities lists every tier from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four known tiers.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts a tier name into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityLow, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
