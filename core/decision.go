package core

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Scheduling Decisions
// =============================================================================

// DecisionKind is the verdict of one admission evaluation.
type DecisionKind string

const (
	DecisionSchedule   DecisionKind = "schedule"
	DecisionPrioritize DecisionKind = "prioritize"
	DecisionDefer      DecisionKind = "defer"
	DecisionReject     DecisionKind = "reject"
)

// Confidence values produced by the rule set.
const (
	confidencePrioritize     = 0.95
	confidenceSchedule       = 0.9
	confidenceReject         = 0.9
	confidenceDeferResources = 0.8
	confidenceDeferOther     = 0.85
)

// DecisionAlternative is another plausible verdict kept for audit.
type DecisionAlternative struct {
	Decision   DecisionKind `json:"decision"`
	Confidence float64      `json:"confidence"`
	Reasoning  string       `json:"reasoning"`
}

// SchedulingDecision is the immutable record of one admission verdict.
type SchedulingDecision struct {
	ScheduleID    string                `json:"scheduleId"`
	Decision      DecisionKind          `json:"decision"`
	ScheduledTime time.Time             `json:"scheduledTime"`
	Reasoning     string                `json:"reasoning"`
	Confidence    float64               `json:"confidence"`
	Alternatives  []DecisionAlternative `json:"alternatives,omitempty"`
	DecidedAt     time.Time             `json:"decidedAt"`
}

// DependencyState describes one dependency as seen by the decision engine.
type DependencyState int

const (
	DependencyMissing DependencyState = iota
	DependencyPending
	DependencyCompleted
	// DependencyDead: permanently failed or cancelled, it can never complete
	DependencyDead
)

// StateView is the read-only state the decision engine consults.
type StateView interface {
	Available() Resources
	ActiveCount(priority Priority) int
	DependencyState(scheduleID string) DependencyState
}

// Tuner may override a rule-based decision. The override is taken only when
// its confidence is strictly higher than the rule's.
type Tuner interface {
	Tune(entry ScheduleEntry, decision SchedulingDecision) SchedulingDecision
}

// NoopTuner returns every decision unchanged.
type NoopTuner struct{}

// Tune is a no-op.
func (NoopTuner) Tune(_ ScheduleEntry, decision SchedulingDecision) SchedulingDecision {
	return decision
}

// DefaultDeferDelays is the base deferral per tier. No jitter is applied.
func DefaultDeferDelays() map[Priority]time.Duration {
	return map[Priority]time.Duration{
		PriorityCritical: 30 * time.Second,
		PriorityHigh:     60 * time.Second,
		PriorityMedium:   300 * time.Second,
		PriorityLow:      900 * time.Second,
	}
}

// DefaultConcurrencyLimits is the per-tier running ceiling. The critical tier
// has no ceiling.
func DefaultConcurrencyLimits() map[Priority]int {
	return map[Priority]int{
		PriorityHigh:   10,
		PriorityMedium: 5,
		PriorityLow:    2,
	}
}

// =============================================================================
// DecisionEngine
// =============================================================================

// DecisionEngine turns one entry plus a StateView into a SchedulingDecision.
// It has no side effects.
type DecisionEngine struct {
	limits map[Priority]int
	delays map[Priority]time.Duration
	tuner  Tuner
}

// NewDecisionEngine creates an engine. Nil maps fall back to the defaults; a
// limit <= 0 means the tier is unbounded.
func NewDecisionEngine(limits map[Priority]int, delays map[Priority]time.Duration, tuner Tuner) *DecisionEngine {
	if limits == nil {
		limits = DefaultConcurrencyLimits()
	}
	if delays == nil {
		delays = DefaultDeferDelays()
	}
	if tuner == nil {
		tuner = NoopTuner{}
	}
	return &DecisionEngine{limits: limits, delays: delays, tuner: tuner}
}

// Limit returns the ceiling of a tier and whether the tier is bounded.
func (d *DecisionEngine) Limit(p Priority) (int, bool) {
	if p == PriorityCritical {
		return 0, false
	}
	n, ok := d.limits[p]
	if !ok || n <= 0 {
		return 0, false
	}
	return n, true
}

// DeferredTime is now plus the base delay of the tier.
func (d *DecisionEngine) DeferredTime(p Priority, now time.Time) time.Time {
	delay, ok := d.delays[p]
	if !ok {
		delay = DefaultDeferDelays()[p]
	}
	return now.Add(delay)
}

// ConcurrencyAvailable reports whether one more entry of the tier may run.
func (d *DecisionEngine) ConcurrencyAvailable(p Priority, view StateView) bool {
	limit, bounded := d.Limit(p)
	return !bounded || view.ActiveCount(p) < limit
}

// dependencyCheck classifies the dependencies of an entry.
func dependencyCheck(deps []string, view StateView) (met bool, dead []string, waiting []string) {
	for _, id := range deps {
		switch view.DependencyState(id) {
		case DependencyCompleted:
		case DependencyDead:
			dead = append(dead, id)
		default:
			waiting = append(waiting, id)
		}
	}
	return len(dead) == 0 && len(waiting) == 0, dead, waiting
}

// Decide evaluates the entry against the current state.
func (d *DecisionEngine) Decide(entry ScheduleEntry, view StateView, now time.Time) SchedulingDecision {
	decision := d.decideRules(entry, view, now)
	tuned := d.tuner.Tune(entry, decision)
	if tuned.Confidence > decision.Confidence {
		if tuned.DecidedAt.IsZero() {
			tuned.DecidedAt = now
		}
		tuned.ScheduleID = entry.ID
		return tuned
	}
	return decision
}

func (d *DecisionEngine) decideRules(entry ScheduleEntry, view StateView, now time.Time) SchedulingDecision {
	base := SchedulingDecision{ScheduleID: entry.ID, DecidedAt: now}

	if entry.Priority == PriorityCritical {
		base.Decision = DecisionPrioritize
		base.ScheduledTime = now
		base.Confidence = confidencePrioritize
		base.Reasoning = "critical priority is always prioritized"
		base.Alternatives = []DecisionAlternative{
			{Decision: DecisionSchedule, Confidence: 0.05, Reasoning: "run only if resources are free"},
		}
		return base
	}

	depsMet, dead, waiting := dependencyCheck(entry.Dependencies, view)
	if len(dead) > 0 {
		base.Decision = DecisionReject
		base.ScheduledTime = now
		base.Confidence = confidenceReject
		base.Reasoning = fmt.Sprintf("dependencies can never complete: %s", strings.Join(dead, ", "))
		base.Alternatives = []DecisionAlternative{
			{Decision: DecisionDefer, Confidence: 0.1, Reasoning: "wait in case the dependency is resubmitted"},
		}
		return base
	}

	resourcesOK := CheckAvailability(entry.ResourceRequirements, view.Available())
	concurrencyOK := d.ConcurrencyAvailable(entry.Priority, view)

	if resourcesOK && concurrencyOK && depsMet {
		base.Decision = DecisionSchedule
		base.ScheduledTime = now
		base.Confidence = confidenceSchedule
		base.Reasoning = "resources, concurrency and dependencies are satisfied"
		base.Alternatives = []DecisionAlternative{
			{Decision: DecisionDefer, Confidence: 0.1, Reasoning: "defer to keep headroom for higher tiers"},
		}
		return base
	}

	var reasons []string
	if !resourcesOK {
		reasons = append(reasons, "insufficient resources")
	}
	if !concurrencyOK {
		limit, _ := d.Limit(entry.Priority)
		reasons = append(reasons, fmt.Sprintf("%s concurrency ceiling of %d reached", entry.Priority, limit))
	}
	if !depsMet {
		reasons = append(reasons, fmt.Sprintf("waiting on dependencies: %s", strings.Join(waiting, ", ")))
	}

	base.Decision = DecisionDefer
	base.ScheduledTime = d.DeferredTime(entry.Priority, now)
	base.Reasoning = strings.Join(reasons, "; ")
	if !resourcesOK {
		base.Confidence = confidenceDeferResources
	} else {
		base.Confidence = confidenceDeferOther
	}
	base.Alternatives = []DecisionAlternative{
		{Decision: DecisionSchedule, Confidence: 1 - base.Confidence, Reasoning: "admit now and accept contention"},
		{Decision: DecisionReject, Confidence: 0.05, Reasoning: "drop the request"},
	}
	return base
}
