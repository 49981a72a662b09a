package core

import (
	"errors"
	"time"
)

// =============================================================================
// Executor events and Retry/Backoff
// =============================================================================

type eventKind int

const (
	eventTriggered eventKind = iota
	eventCompleted
	eventFailed
	eventUsage
)

// parkedEvent is an executor event for a workflow id that has not been bound
// yet because Trigger has not returned.
type parkedEvent struct {
	kind      eventKind
	totalTime time.Duration
	err       error
	usage     Resources
}

func (ev parkedEvent) terminal() bool {
	return ev.kind == eventCompleted || ev.kind == eventFailed
}

const maxParkedEvents = 1024

// WorkflowTriggered acknowledges that the executor started a workflow.
func (o *Orchestrator) WorkflowTriggered(workflowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.resolveLocked(workflowID, parkedEvent{kind: eventTriggered}); ok {
		o.triggeredLocked(entry)
	}
}

// WorkflowCompleted marks the workflow's entry completed and releases its
// allocation.
func (o *Orchestrator) WorkflowCompleted(workflowID string, totalTime time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.resolveLocked(workflowID, parkedEvent{kind: eventCompleted, totalTime: totalTime}); ok {
		o.completeLocked(entry, totalTime, o.clock())
	}
}

// WorkflowFailed releases the workflow's allocation and either requeues the
// entry with backoff or fails it permanently.
func (o *Orchestrator) WorkflowFailed(workflowID string, err error) {
	if err == nil {
		err = errors.New("workflow failed")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.resolveLocked(workflowID, parkedEvent{kind: eventFailed, err: err}); ok {
		o.failLocked(entry, err, o.clock())
	}
}

// ReportUsage stores measured usage used for the efficiency of the
// allocation when it is released.
func (o *Orchestrator) ReportUsage(workflowID string, usage Resources) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.resolveLocked(workflowID, parkedEvent{kind: eventUsage, usage: usage}); ok {
		o.usageLocked(entry, usage)
	}
}

// resolveLocked finds the entry bound to workflowID. While a dispatch is in
// flight an unknown id is parked for replay at bind time.
func (o *Orchestrator) resolveLocked(workflowID string, ev parkedEvent) (*ScheduleEntry, bool) {
	if entry, ok := o.entries.byWorkflowID(workflowID); ok {
		return entry, true
	}
	if o.inflight > 0 {
		if o.nParked < maxParkedEvents {
			o.parked[workflowID] = append(o.parked[workflowID], ev)
			o.nParked++
			return nil, false
		}
		// with the buffer full one terminal event per workflow is still kept
		// so a bound entry cannot stay running forever
		if _, seen := o.overflow[workflowID]; ev.terminal() && !seen && len(o.overflow) < maxParkedEvents {
			o.overflow[workflowID] = ev
			return nil, false
		}
	}
	o.counters.droppedEvents++
	o.logger.Warn("Event for unknown workflow ignored", F("workflowID", workflowID))
	return nil, false
}

func (o *Orchestrator) replayParkedLocked(workflowID string) {
	events := o.parked[workflowID]
	delete(o.parked, workflowID)
	o.nParked -= len(events)
	if ev, ok := o.overflow[workflowID]; ok {
		delete(o.overflow, workflowID)
		events = append(events, ev)
	}

	for _, ev := range events {
		entry, ok := o.entries.byWorkflowID(workflowID)
		if !ok {
			return
		}
		switch ev.kind {
		case eventTriggered:
			o.triggeredLocked(entry)
		case eventCompleted:
			o.completeLocked(entry, ev.totalTime, o.clock())
		case eventFailed:
			o.failLocked(entry, ev.err, o.clock())
		case eventUsage:
			o.usageLocked(entry, ev.usage)
		}
	}
}

// dropStaleParkedLocked discards parked events once no dispatch can bind them.
func (o *Orchestrator) dropStaleParkedLocked() {
	if o.inflight > 0 || (o.nParked == 0 && len(o.overflow) == 0) {
		return
	}
	for id, events := range o.parked {
		o.logger.Warn("Dropping events for unknown workflow",
			F("workflowID", id),
			F("events", len(events)))
	}
	for id := range o.overflow {
		o.logger.Warn("Dropping terminal event for unknown workflow", F("workflowID", id))
	}
	o.counters.droppedEvents += int64(o.nParked + len(o.overflow))
	o.parked = make(map[string][]parkedEvent)
	o.overflow = make(map[string]parkedEvent)
	o.nParked = 0
}

func (o *Orchestrator) triggeredLocked(entry *ScheduleEntry) {
	o.logger.Debug("Workflow trigger acknowledged", entryFields(entry)...)
}

func (o *Orchestrator) usageLocked(entry *ScheduleEntry, usage Resources) {
	if entry.Status != StatusRunning {
		return
	}
	if err := o.ledger.RecordUsage(entry.WorkflowID, usage); err != nil {
		o.logger.Warn("Usage report ignored", entryFields(entry, F("error", err))...)
	}
}

func (o *Orchestrator) completeLocked(entry *ScheduleEntry, totalTime time.Duration, now time.Time) {
	if entry.Status != StatusRunning {
		o.logger.Warn("Completion for entry that is not running ignored", entryFields(entry)...)
		return
	}
	if err := o.entries.transition(entry, StatusCompleted, now); err != nil {
		o.logger.Error("Completion transition failed", entryFields(entry, F("error", err))...)
		return
	}
	o.releaseLocked(entry, now)

	o.counters.completed++
	o.metrics.RecordWorkflowOutcome(entry.Priority, OutcomeCompleted, totalTime)
	o.journal.record(RecordTransition, entry.ID, entry.WorkflowID, now, entry.Clone())
	o.logger.Info("Workflow completed", entryFields(entry, F("totalTime", totalTime))...)
}

// failLocked is the retry/backoff controller. The allocation is released
// first; the entry is requeued after 2^retryCount * base + jitter while
// retries remain, otherwise it stays failed.
func (o *Orchestrator) failLocked(entry *ScheduleEntry, cause error, now time.Time) {
	if entry.Status != StatusRunning {
		o.logger.Warn("Failure for entry that is not running ignored", entryFields(entry)...)
		return
	}
	o.releaseLocked(entry, now)

	delay := o.backoff.Delay(entry.RetryCount, o.jitter)
	entry.RetryCount++
	entry.LastError = cause.Error()
	if err := o.entries.transition(entry, StatusFailed, now); err != nil {
		o.logger.Error("Failure transition failed", entryFields(entry, F("error", err))...)
		return
	}
	o.journal.record(RecordTransition, entry.ID, entry.WorkflowID, now, entry.Clone())

	if !entry.CanTransition(StatusScheduled) {
		o.counters.failed++
		o.metrics.RecordWorkflowOutcome(entry.Priority, OutcomeFailed, now.Sub(entry.CreatedAt))
		o.logger.Error("Workflow failed permanently", entryFields(entry,
			F("retryCount", entry.RetryCount),
			F("error", cause))...)
		return
	}

	o.entries.unbindWorkflow(entry)
	entry.WorkflowID = ""
	if err := o.entries.transition(entry, StatusScheduled, now); err != nil {
		o.logger.Error("Retry transition failed", entryFields(entry, F("error", err))...)
		return
	}
	entry.ScheduledTime = now.Add(delay)
	o.queue.Push(entry.ID)

	o.counters.retried++
	o.metrics.RecordWorkflowOutcome(entry.Priority, OutcomeRetried, 0)
	o.journal.record(RecordTransition, entry.ID, "", now, entry.Clone())
	o.logger.Warn("Workflow failed, retry scheduled", entryFields(entry,
		F("retryCount", entry.RetryCount),
		F("delay", delay),
		F("error", cause))...)
}

func (o *Orchestrator) releaseLocked(entry *ScheduleEntry, now time.Time) {
	alloc, err := o.ledger.Release(entry.WorkflowID, now)
	if err != nil {
		// no workflow id was bound when the hand-off failed
		alloc, err = o.ledger.ReleaseSchedule(entry.ID, now)
	}
	if err != nil {
		o.logger.Error("Allocation release failed", entryFields(entry, F("error", err))...)
		return
	}
	o.journal.record(RecordAllocationClose, entry.ID, alloc.WorkflowID, now, alloc)
}
