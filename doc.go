// Package orchestrator schedules workflow runs against a fixed pool of CPU,
// memory and IO capacity.
//
// Callers submit schedule requests with one of four priority tiers. A rule
// based decision engine admits, defers, prioritizes or rejects each request;
// a resource ledger tracks what running workflows hold; and a scheduling loop
// re-evaluates deferred work on every time slice using a configurable
// algorithm (priority, fair share, adaptive or round robin). Failed runs are
// retried with exponential backoff.
//
// # Quick Start
//
// Start a process-wide orchestrator backed by a local worker pool:
//
//	orchestrator.InitGlobal(4) // 4 workers
//	defer orchestrator.ShutdownGlobal()
//
//	rt := orchestrator.Global()
//	rt.Executor.HandleDefault(func(ctx context.Context, job executor.Job) (core.Resources, error) {
//		return core.Resources{}, render(ctx, job.EntityID)
//	})
//	id, err := rt.ScheduleWorkflow(ctx, orchestrator.ScheduleRequest{
//		EntityID:   "doc-42",
//		EntityType: "document",
//		Priority:   orchestrator.PriorityHigh,
//	})
//
// # Key Concepts
//
// ScheduleEntry: one admitted request and its lifecycle
// (scheduled, running, completed, failed, cancelled).
//
// SchedulingDecision: the verdict for an entry with confidence, reasoning and
// alternatives. Decisions are kept per entry and journaled to the Store.
//
// ResourceAllocation: the capacity reserved for a running entry, released
// when the workflow completes or fails.
//
// Executor: the collaborator that actually runs workflows. The executor
// package provides a local worker pool; any type implementing core.Executor
// and reporting back through core.EventHandler can be used instead.
//
// # Packages
//
// core holds the engine. executor runs workflows in-process. config loads the
// YAML configuration. httpapi serves the caller operations over HTTP.
// observability/prometheus, observability/tracing and
// observability/hostmetrics export metrics, spans and host health, and
// store/postgres persists the audit journal.
package orchestrator
