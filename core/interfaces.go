package core

import (
	"context"
	"time"
)

// =============================================================================
// Executor: the collaborator that actually runs workflows
// =============================================================================

// TriggerRequest is handed to the Executor when an entry is admitted.
type TriggerRequest struct {
	ScheduleID  string
	EntityID    string
	EntityType  string
	TriggeredBy string
	Priority    Priority
}

// Executor starts workflows. Trigger must not block for the duration of the
// workflow; outcomes flow back through an EventHandler.
//
// Trigger is always called without the orchestrator's state lock held, so an
// implementation may report events synchronously from inside Trigger.
type Executor interface {
	Trigger(ctx context.Context, req TriggerRequest) (workflowID string, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req TriggerRequest) (string, error)

// Trigger calls f.
func (f ExecutorFunc) Trigger(ctx context.Context, req TriggerRequest) (string, error) {
	return f(ctx, req)
}

// EventHandler receives workflow lifecycle events from an Executor.
// *Orchestrator implements it.
type EventHandler interface {
	// WorkflowTriggered acknowledges that a workflow started.
	WorkflowTriggered(workflowID string)

	// WorkflowCompleted reports a successful run.
	WorkflowCompleted(workflowID string, totalTime time.Duration)

	// WorkflowFailed reports a failed run; it goes through retry/backoff.
	WorkflowFailed(workflowID string, err error)

	// ReportUsage records measured resource usage of a running workflow.
	ReportUsage(workflowID string, usage Resources)
}

// =============================================================================
// Sink: receives health and metrics snapshots
// =============================================================================

// Sink is a destination for periodic snapshots. Publish errors are logged
// and never affect scheduling.
type Sink interface {
	PublishHealth(ctx context.Context, health SystemHealth) error
	PublishMetrics(ctx context.Context, metrics OrchestrationMetrics) error
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting scheduling metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods are called under the orchestrator's state lock and must be
// non-blocking and fast.
type Metrics interface {
	// RecordDecision counts one admission verdict.
	RecordDecision(priority Priority, decision DecisionKind)

	// RecordSchedulingLatency records the time taken by one ScheduleWorkflow call.
	RecordSchedulingLatency(d time.Duration)

	// RecordWorkflowOutcome records a terminal or retry outcome.
	// outcome is one of "completed", "failed", "retried", "cancelled".
	RecordWorkflowOutcome(priority Priority, outcome string, duration time.Duration)

	// RecordQueueDepth records the deferred queue length after a tick.
	RecordQueueDepth(depth int)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordDecision(priority Priority, decision DecisionKind) {}

func (m *NilMetrics) RecordSchedulingLatency(d time.Duration) {}

func (m *NilMetrics) RecordWorkflowOutcome(priority Priority, outcome string, duration time.Duration) {
}

func (m *NilMetrics) RecordQueueDepth(depth int) {}

// Workflow outcomes passed to Metrics.RecordWorkflowOutcome.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRetried   = "retried"
	OutcomeCancelled = "cancelled"
)
