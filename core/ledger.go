package core

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const defaultAllocationHistoryCapacity = 1024

// ResourceAllocation is the budget reserved for one running entry.
// It is active while EndTime is nil.
type ResourceAllocation struct {
	ScheduleID         string     `json:"scheduleId"`
	WorkflowID         string     `json:"workflowId,omitempty"`
	Priority           Priority   `json:"priority"`
	RequestedResources Resources  `json:"requestedResources"`
	AllocatedResources Resources  `json:"allocatedResources"`
	ActualUsage        Resources  `json:"actualUsage"`
	Efficiency         float64    `json:"efficiency"`
	StartTime          time.Time  `json:"startTime"`
	EndTime            *time.Time `json:"endTime,omitempty"`
}

// Active reports whether the allocation still holds capacity.
func (a ResourceAllocation) Active() bool {
	return a.EndTime == nil
}

// LedgerSnapshot is a point-in-time copy of ledger totals.
type LedgerSnapshot struct {
	Total             Resources `json:"total"`
	Allocated         Resources `json:"allocated"`
	Available         Resources `json:"available"`
	ActiveAllocations int       `json:"activeAllocations"`
	Utilization       Load      `json:"utilization"`
	AverageEfficiency float64   `json:"averageEfficiency"`
}

// Ledger tracks a fixed total capacity and the allocations of in-flight work.
//
// Ledger is not safe for concurrent use; the Orchestrator serializes access
// under its state lock.
type Ledger struct {
	total     Resources
	allocated Resources

	active     map[string]*ResourceAllocation // schedule id -> allocation
	byWorkflow map[string]string              // workflow id -> schedule id

	// closed allocations, oldest evicted first
	closed      map[string]ResourceAllocation
	closedOrder []string
	closedCap   int

	efficiencySum   float64
	efficiencyCount int
}

// NewLedger creates a ledger with the given total capacity.
func NewLedger(total Resources) *Ledger {
	return &Ledger{
		total:      total,
		active:     make(map[string]*ResourceAllocation),
		byWorkflow: make(map[string]string),
		closed:     make(map[string]ResourceAllocation),
		closedCap:  defaultAllocationHistoryCapacity,
	}
}

// Total returns the configured capacity.
func (l *Ledger) Total() Resources {
	return l.total
}

// Available returns total capacity minus the sum of active allocations.
func (l *Ledger) Available() Resources {
	return l.total.Sub(l.allocated)
}

// Allocated returns the sum of active allocations.
func (l *Ledger) Allocated() Resources {
	return l.allocated
}

// Utilization returns the fraction of each dimension in use.
func (l *Ledger) Utilization() Load {
	return utilization(l.allocated, l.total)
}

// CheckAvailability is a per-dimension <= comparison.
func CheckAvailability(required, available Resources) bool {
	return required.FitsWithin(available)
}

// Allocate reserves the entry's requirements. It must be called exactly
// once per transition into running. When the request does not fit (only
// possible for critical entries) the allocation is clamped to what is
// available so the ledger never over-commits.
func (l *Ledger) Allocate(entry *ScheduleEntry, now time.Time) (ResourceAllocation, error) {
	if _, exists := l.active[entry.ID]; exists {
		return ResourceAllocation{}, fmt.Errorf("%w: %s", ErrAlreadyAllocated, entry.ID)
	}

	requested := entry.ResourceRequirements.ClampNonNegative()
	granted := requested.Min(l.Available().ClampNonNegative())

	alloc := &ResourceAllocation{
		ScheduleID:         entry.ID,
		WorkflowID:         entry.WorkflowID,
		Priority:           entry.Priority,
		RequestedResources: requested,
		AllocatedResources: granted,
		StartTime:          now,
	}
	l.active[entry.ID] = alloc
	l.allocated = l.allocated.Add(granted)
	if entry.WorkflowID != "" {
		l.byWorkflow[entry.WorkflowID] = entry.ID
	}
	return *alloc, nil
}

// BindWorkflow attaches the executor's workflow id to an active allocation.
func (l *Ledger) BindWorkflow(scheduleID, workflowID string) error {
	alloc, ok := l.active[scheduleID]
	if !ok {
		return fmt.Errorf("%w: schedule %s", ErrNoAllocation, scheduleID)
	}
	alloc.WorkflowID = workflowID
	l.byWorkflow[workflowID] = scheduleID
	return nil
}

// RecordUsage stores measured usage for an active allocation.
func (l *Ledger) RecordUsage(workflowID string, usage Resources) error {
	scheduleID, ok := l.byWorkflow[workflowID]
	if !ok {
		return fmt.Errorf("%w: workflow %s", ErrNoAllocation, workflowID)
	}
	alloc := l.active[scheduleID]
	alloc.ActualUsage = usage.ClampNonNegative()
	return nil
}

// Release closes the allocation of a workflow and computes its efficiency.
func (l *Ledger) Release(workflowID string, now time.Time) (ResourceAllocation, error) {
	scheduleID, ok := l.byWorkflow[workflowID]
	if !ok {
		return ResourceAllocation{}, fmt.Errorf("%w: workflow %s", ErrNoAllocation, workflowID)
	}
	return l.ReleaseSchedule(scheduleID, now)
}

// ReleaseSchedule closes the allocation held by a schedule entry. It is
// used when no workflow id was ever bound (the hand-off itself failed).
func (l *Ledger) ReleaseSchedule(scheduleID string, now time.Time) (ResourceAllocation, error) {
	alloc, ok := l.active[scheduleID]
	if !ok {
		return ResourceAllocation{}, fmt.Errorf("%w: schedule %s", ErrNoAllocation, scheduleID)
	}
	delete(l.active, scheduleID)
	if alloc.WorkflowID != "" {
		delete(l.byWorkflow, alloc.WorkflowID)
	}
	l.allocated = l.allocated.Sub(alloc.AllocatedResources).ClampNonNegative()

	end := now
	alloc.EndTime = &end
	if !alloc.ActualUsage.AnyPositive() {
		alloc.ActualUsage = alloc.AllocatedResources
	}
	if sum := alloc.AllocatedResources.Sum(); sum > 0 {
		alloc.Efficiency = alloc.ActualUsage.Sum() / sum
		l.efficiencySum += alloc.Efficiency
		l.efficiencyCount++
	} else {
		alloc.Efficiency = 0
	}

	l.remember(*alloc)
	return *alloc, nil
}

func (l *Ledger) remember(alloc ResourceAllocation) {
	if _, exists := l.closed[alloc.ScheduleID]; !exists {
		l.closedOrder = append(l.closedOrder, alloc.ScheduleID)
	}
	l.closed[alloc.ScheduleID] = alloc
	for len(l.closedOrder) > l.closedCap {
		oldest := l.closedOrder[0]
		l.closedOrder[0] = ""
		l.closedOrder = l.closedOrder[1:]
		delete(l.closed, oldest)
	}
}

// Lookup returns the active allocation of a schedule entry, or its most
// recently closed one.
func (l *Ledger) Lookup(scheduleID string) (ResourceAllocation, bool) {
	if alloc, ok := l.active[scheduleID]; ok {
		return *alloc, true
	}
	alloc, ok := l.closed[scheduleID]
	return alloc, ok
}

// ActiveAllocations returns copies of all active allocations, oldest first.
func (l *Ledger) ActiveAllocations() []ResourceAllocation {
	out := make([]ResourceAllocation, 0, len(l.active))
	for _, a := range l.active {
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b ResourceAllocation) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.ScheduleID, b.ScheduleID)
	})
	return out
}

// Snapshot copies the current totals.
func (l *Ledger) Snapshot() LedgerSnapshot {
	avg := 0.0
	if l.efficiencyCount > 0 {
		avg = l.efficiencySum / float64(l.efficiencyCount)
	}
	return LedgerSnapshot{
		Total:             l.total,
		Allocated:         l.allocated,
		Available:         l.Available(),
		ActiveAllocations: len(l.active),
		Utilization:       l.Utilization(),
		AverageEfficiency: avg,
	}
}
