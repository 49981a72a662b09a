package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// =============================================================================
// Admission scenarios
// =============================================================================

// TestScheduleWorkflow_MediumRunsImmediately verifies a medium request with
// free resources is scheduled and running without waiting for the queue
func TestScheduleWorkflow_MediumRunsImmediately(t *testing.T) {
	exec := &fakeExecutor{}
	o, _ := newTestOrchestrator(t, exec, nil)

	id := mustSchedule(t, o, ScheduleRequest{EntityID: "doc-1", EntityType: "document", Priority: PriorityMedium, TriggeredBy: "test"})

	d, ok := o.LastDecision(id)
	if !ok || d.Decision != DecisionSchedule {
		t.Fatalf("LastDecision() = %+v, %v; want schedule", d, ok)
	}
	e := mustEntry(t, o, id)
	if e.Status != StatusRunning {
		t.Fatalf("Status = %s, want running", e.Status)
	}
	if e.WorkflowID != "wf-1" {
		t.Errorf("WorkflowID = %q, want wf-1", e.WorkflowID)
	}
	calls := exec.Calls()
	if len(calls) != 1 || calls[0].EntityID != "doc-1" || calls[0].ScheduleID != id {
		t.Errorf("executor calls = %+v", calls)
	}
	if alloc, ok := o.Allocation(id); !ok || !alloc.Active() {
		t.Errorf("allocation = %+v, %v; want active", alloc, ok)
	}
}

// TestScheduleWorkflow_LowSaturatedDefers verifies a low request beyond the
// tier ceiling is deferred by exactly 900s
func TestScheduleWorkflow_LowSaturatedDefers(t *testing.T) {
	o, clock := newTestOrchestrator(t, &fakeExecutor{}, nil)

	for i := 0; i < 2; i++ {
		mustSchedule(t, o, ScheduleRequest{EntityID: "low", EntityType: "document", Priority: PriorityLow})
	}
	id := mustSchedule(t, o, ScheduleRequest{EntityID: "low-3", EntityType: "document", Priority: PriorityLow})

	d, _ := o.LastDecision(id)
	if d.Decision != DecisionDefer {
		t.Fatalf("Decision = %s, want defer", d.Decision)
	}
	e := mustEntry(t, o, id)
	if e.Status != StatusScheduled {
		t.Errorf("Status = %s, want scheduled", e.Status)
	}
	if got := e.ScheduledTime.Sub(clock.Now()); got != 900000*time.Millisecond {
		t.Errorf("deferred by %v, want 900000ms", got)
	}
	if m := o.GetOrchestrationMetrics(); m.QueueDepth != 1 || m.Deferred != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

// TestScheduleWorkflow_CriticalUnderExhaustion verifies a critical request is
// handed to the executor while every resource is consumed
// Main test items:
// 1. decision is prioritize
// 2. entry is running and triggered without a tick
// 3. ledger never exceeds total capacity
func TestScheduleWorkflow_CriticalUnderExhaustion(t *testing.T) {
	exec := &fakeExecutor{}
	total := Resources{CPU: 50, Memory: 2048, IO: 60}
	o, _ := newTestOrchestrator(t, exec, func(c *Config) { c.TotalResources = total })

	mustSchedule(t, o, ScheduleRequest{EntityID: "d1", EntityType: "dataset", Priority: PriorityMedium})
	mustSchedule(t, o, ScheduleRequest{EntityID: "d2", EntityType: "dataset", Priority: PriorityMedium})
	if avail := o.LedgerSnapshot().Available; avail.AnyPositive() {
		t.Fatalf("setup: Available = %+v, want exhausted", avail)
	}

	id := mustSchedule(t, o, ScheduleRequest{EntityID: "urgent", EntityType: "dataset", Priority: PriorityCritical})

	d, _ := o.LastDecision(id)
	if d.Decision != DecisionPrioritize || d.Confidence != 0.95 {
		t.Fatalf("decision = %s/%v, want prioritize/0.95", d.Decision, d.Confidence)
	}
	if e := mustEntry(t, o, id); e.Status != StatusRunning {
		t.Errorf("Status = %s, want running", e.Status)
	}
	if n := len(exec.Calls()); n != 3 {
		t.Errorf("executor calls = %d, want 3", n)
	}
	if allocated := o.LedgerSnapshot().Allocated; !allocated.FitsWithin(total) {
		t.Errorf("Allocated = %+v exceeds total %+v", allocated, total)
	}
}

func TestScheduleWorkflow_AdmissionErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeExecutor{}, nil)

	if _, err := o.ScheduleWorkflow(context.Background(), ScheduleRequest{Priority: PriorityHigh}); !errors.Is(err, ErrMissingEntityID) {
		t.Errorf("missing entity error = %v", err)
	}
	if _, err := o.ScheduleWorkflow(context.Background(), ScheduleRequest{EntityID: "x", Priority: Priority(9)}); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("invalid priority error = %v", err)
	}
	if n := len(o.GetScheduleEntries()); n != 0 {
		t.Errorf("entries created = %d, want 0", n)
	}
}

// =============================================================================
// Retry/Backoff
// =============================================================================

// TestWorkflowFailed_FirstFailureRequeues verifies the first failure requeues
// within [60s, 90s] and releases the allocation
func TestWorkflowFailed_FirstFailureRequeues(t *testing.T) {
	exec := &fakeExecutor{}
	o, clock := newTestOrchestrator(t, exec, func(c *Config) { c.Jitter = RandomJitter })

	id := mustSchedule(t, o, ScheduleRequest{EntityID: "e", Priority: PriorityMedium})
	wf := mustEntry(t, o, id).WorkflowID

	o.WorkflowFailed(wf, errors.New("boom"))

	e := mustEntry(t, o, id)
	if e.Status != StatusScheduled || e.RetryCount != 1 {
		t.Fatalf("entry = %s/%d, want scheduled/1", e.Status, e.RetryCount)
	}
	delay := e.ScheduledTime.Sub(clock.Now())
	if delay < 60*time.Second || delay > 90*time.Second {
		t.Errorf("retry delay = %v, want [60s, 90s]", delay)
	}
	if e.WorkflowID != "" {
		t.Errorf("WorkflowID = %q, want cleared", e.WorkflowID)
	}
	if e.LastError != "boom" {
		t.Errorf("LastError = %q", e.LastError)
	}
	if alloc, _ := o.Allocation(id); alloc.Active() {
		t.Error("allocation must be released on failure")
	}
	if snap := o.LedgerSnapshot(); snap.Allocated.AnyPositive() {
		t.Errorf("Allocated = %+v, want zero", snap.Allocated)
	}
}

// TestWorkflowFailed_TerminalAfterMaxRetries verifies the third failure is
// permanent
// Main test items:
// 1. delays double between attempts
// 2. status failed after retryCount reaches maxRetries
// 3. allocation closed and no further scheduling
func TestWorkflowFailed_TerminalAfterMaxRetries(t *testing.T) {
	exec := &fakeExecutor{}
	o, clock := newTestOrchestrator(t, exec, nil)
	ctx := context.Background()

	id := mustSchedule(t, o, ScheduleRequest{EntityID: "e", Priority: PriorityMedium, MaxRetries: 3})

	wantDelays := []time.Duration{60 * time.Second, 120 * time.Second}
	for attempt := 0; attempt < 3; attempt++ {
		e := mustEntry(t, o, id)
		if e.Status != StatusRunning {
			t.Fatalf("attempt %d: Status = %s, want running", attempt, e.Status)
		}
		o.WorkflowFailed(e.WorkflowID, errors.New("fail"))

		e = mustEntry(t, o, id)
		if attempt < 2 {
			if got := e.ScheduledTime.Sub(clock.Now()); got != wantDelays[attempt] {
				t.Errorf("attempt %d: delay = %v, want %v", attempt, got, wantDelays[attempt])
			}
			if res := o.Tick(ctx); len(res.Admitted) != 0 {
				t.Fatalf("attempt %d: admitted before retry time", attempt)
			}
			clock.Advance(wantDelays[attempt])
			if res := o.Tick(ctx); len(res.Admitted) != 1 {
				t.Fatalf("attempt %d: Admitted = %v, want the retry", attempt, res.Admitted)
			}
		}
	}

	e := mustEntry(t, o, id)
	if e.Status != StatusFailed || e.RetryCount != 3 {
		t.Fatalf("entry = %s/%d, want failed/3", e.Status, e.RetryCount)
	}
	alloc, ok := o.Allocation(id)
	if !ok || alloc.EndTime == nil {
		t.Errorf("allocation = %+v, want closed", alloc)
	}

	clock.Advance(24 * time.Hour)
	if res := o.Tick(ctx); len(res.Admitted) != 0 {
		t.Errorf("terminal entry admitted again: %v", res.Admitted)
	}
	if n := len(exec.Calls()); n != 3 {
		t.Errorf("executor calls = %d, want 3", n)
	}
	m := o.GetOrchestrationMetrics()
	if m.Failed != 1 || m.Retried != 2 || m.WorkflowSuccessRate != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

// TestDispatch_TriggerErrorRetries verifies a hand-off failure goes through backoff
func TestDispatch_TriggerErrorRetries(t *testing.T) {
	exec := &fakeExecutor{failErr: errors.New("executor down")}
	o, _ := newTestOrchestrator(t, exec, nil)

	id := mustSchedule(t, o, ScheduleRequest{EntityID: "e", Priority: PriorityHigh})

	e := mustEntry(t, o, id)
	if e.Status != StatusScheduled || e.RetryCount != 1 {
		t.Fatalf("entry = %s/%d, want scheduled/1", e.Status, e.RetryCount)
	}
	if snap := o.LedgerSnapshot(); snap.ActiveAllocations != 0 {
		t.Errorf("ActiveAllocations = %d, want 0", snap.ActiveAllocations)
	}
}

// =============================================================================
// Events
// =============================================================================

// TestWorkflowCompleted_ReleasesAndCounts verifies completion bookkeeping
func TestWorkflowCompleted_ReleasesAndCounts(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeExecutor{}, nil)

	id := mustSchedule(t, o, ScheduleRequest{EntityID: "e", EntityType: "report", Priority: PriorityHigh})
	wf := mustEntry(t, o, id).WorkflowID

	o.ReportUsage(wf, Resources{CPU: 9})
	o.WorkflowCompleted(wf, 42*time.Second)
	o.WorkflowCompleted(wf, 42*time.Second) // duplicate is ignored

	if e := mustEntry(t, o, id); e.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", e.Status)
	}
	alloc, _ := o.Allocation(id)
	if alloc.Active() || alloc.ActualUsage.CPU != 9 {
		t.Errorf("allocation = %+v", alloc)
	}
	m := o.GetOrchestrationMetrics()
	if m.Completed != 1 || m.ConcurrentWorkflows != 0 || m.WorkflowSuccessRate != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

// TestEvents_ParkedBeforeBind verifies events raised inside Trigger are
// replayed once the workflow id is bound
func TestEvents_ParkedBeforeBind(t *testing.T) {
	exec := &fakeExecutor{}
	o, _ := newTestOrchestrator(t, exec, nil)
	exec.onTrigger = func(workflowID string, _ TriggerRequest) {
		o.WorkflowTriggered(workflowID)
		o.WorkflowCompleted(workflowID, time.Millisecond)
	}

	id := mustSchedule(t, o, ScheduleRequest{EntityID: "fast", Priority: PriorityMedium})

	if e := mustEntry(t, o, id); e.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", e.Status)
	}
	if snap := o.LedgerSnapshot(); snap.ActiveAllocations != 0 {
		t.Errorf("ActiveAllocations = %d, want 0", snap.ActiveAllocations)
	}
}

func TestEvents_UnknownWorkflowIgnored(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeExecutor{}, nil)
	o.WorkflowCompleted("nope", time.Second)
	o.WorkflowFailed("nope", nil)
	if m := o.GetOrchestrationMetrics(); m.Completed != 0 || m.Retried != 0 || m.DroppedEvents != 2 {
		t.Errorf("metrics after unknown workflow events: %+v", m)
	}
}

// TestEvents_TerminalEventSurvivesFullBuffer verifies a completion raised
// while the parked buffer is full is still applied once the id is bound
// Main test items:
// 1. the entry completes and its allocation is released
// 2. events that could not be kept are counted in DroppedEvents
func TestEvents_TerminalEventSurvivesFullBuffer(t *testing.T) {
	exec := &fakeExecutor{}
	o, _ := newTestOrchestrator(t, exec, nil)
	first := true
	exec.onTrigger = func(workflowID string, _ TriggerRequest) {
		if !first {
			return
		}
		first = false
		for i := 0; i < maxParkedEvents; i++ {
			o.ReportUsage(fmt.Sprintf("ghost-%d", i), Resources{CPU: 1})
		}
		o.ReportUsage("ghost-extra", Resources{CPU: 1})
		o.WorkflowCompleted(workflowID, time.Millisecond)
	}

	id := mustSchedule(t, o, ScheduleRequest{EntityID: "busy", Priority: PriorityMedium})

	if e := mustEntry(t, o, id); e.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", e.Status)
	}
	if snap := o.LedgerSnapshot(); snap.ActiveAllocations != 0 {
		t.Errorf("ActiveAllocations = %d, want 0", snap.ActiveAllocations)
	}
	m := o.GetOrchestrationMetrics()
	if m.Completed != 1 {
		t.Errorf("Completed = %d, want 1", m.Completed)
	}
	// the extra usage report plus every ghost parked until the dispatch ended
	if want := int64(maxParkedEvents + 1); m.DroppedEvents != want {
		t.Errorf("DroppedEvents = %d, want %d", m.DroppedEvents, want)
	}
}

// =============================================================================
// Dependencies and cancellation
// =============================================================================

// TestDependencies_AdmittedAfterCompletion verifies a dependent waits for its
// dependency and is admitted by the loop afterwards
func TestDependencies_AdmittedAfterCompletion(t *testing.T) {
	o, clock := newTestOrchestrator(t, &fakeExecutor{}, nil)
	ctx := context.Background()

	a := mustSchedule(t, o, ScheduleRequest{EntityID: "a", Priority: PriorityMedium})
	b := mustSchedule(t, o, ScheduleRequest{EntityID: "b", Priority: PriorityMedium, Dependencies: []string{a}})
	if e := mustEntry(t, o, b); e.Status != StatusScheduled {
		t.Fatalf("dependent Status = %s, want scheduled", e.Status)
	}

	clock.Advance(300 * time.Second)
	if res := o.Tick(ctx); len(res.Admitted) != 0 {
		t.Fatalf("dependent admitted before dependency completed")
	}

	o.WorkflowCompleted(mustEntry(t, o, a).WorkflowID, time.Second)
	res := o.Tick(ctx)
	if len(res.Admitted) != 1 || res.Admitted[0] != b {
		t.Fatalf("Admitted = %v, want [%s]", res.Admitted, b)
	}
	if e := mustEntry(t, o, b); e.Status != StatusRunning {
		t.Errorf("dependent Status = %s, want running", e.Status)
	}
}

// TestDependencies_DeadDependency verifies reject at admission and cascade
// cancellation of queued dependents
func TestDependencies_DeadDependency(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeExecutor{}, func(c *Config) {
		c.ConcurrencyLimits = map[Priority]int{PriorityHigh: 10, PriorityMedium: 5, PriorityLow: 1}
	})
	ctx := context.Background()

	mustSchedule(t, o, ScheduleRequest{EntityID: "blocker", Priority: PriorityLow})
	a := mustSchedule(t, o, ScheduleRequest{EntityID: "a", Priority: PriorityLow})
	b := mustSchedule(t, o, ScheduleRequest{EntityID: "b", Priority: PriorityMedium, Dependencies: []string{a}})

	if ok, err := o.CancelScheduledWorkflow(ctx, a); err != nil || !ok {
		t.Fatalf("CancelScheduledWorkflow() = %v, %v", ok, err)
	}

	res := o.Tick(ctx)
	if len(res.Cancelled) != 1 || res.Cancelled[0] != b {
		t.Fatalf("Cancelled = %v, want [%s]", res.Cancelled, b)
	}
	if e := mustEntry(t, o, b); e.Status != StatusCancelled {
		t.Errorf("dependent Status = %s, want cancelled", e.Status)
	}

	_, err := o.ScheduleWorkflow(ctx, ScheduleRequest{EntityID: "c", Priority: PriorityHigh, Dependencies: []string{a}})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("error = %v, want ErrRejected", err)
	}
	if m := o.GetOrchestrationMetrics(); m.Rejected != 1 || m.Cancelled != 2 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestCancelScheduledWorkflow(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeExecutor{}, nil)
	ctx := context.Background()

	running := mustSchedule(t, o, ScheduleRequest{EntityID: "r", Priority: PriorityHigh})
	if ok, err := o.CancelScheduledWorkflow(ctx, running); ok || err != nil {
		t.Errorf("cancel running = %v, %v; want false, nil", ok, err)
	}
	if _, err := o.CancelScheduledWorkflow(ctx, "missing"); !errors.Is(err, ErrUnknownEntry) {
		t.Errorf("cancel unknown error = %v", err)
	}

	waiting := mustSchedule(t, o, ScheduleRequest{EntityID: "w", Priority: PriorityLow, Dependencies: []string{running}})
	if ok, err := o.CancelScheduledWorkflow(ctx, waiting); !ok || err != nil {
		t.Errorf("cancel scheduled = %v, %v; want true, nil", ok, err)
	}
	if ok, _ := o.CancelScheduledWorkflow(ctx, waiting); ok {
		t.Error("second cancel must return false")
	}
	if got := o.GetScheduleEntries(StatusCancelled); len(got) != 1 || got[0].ID != waiting {
		t.Errorf("cancelled entries = %+v", got)
	}
}

// =============================================================================
// Loop properties
// =============================================================================

// TestTick_ConcurrencyCeiling verifies running entries per tier never exceed
// the tier ceiling across many ticks and completions
func TestTick_ConcurrencyCeiling(t *testing.T) {
	o, clock := newTestOrchestrator(t, &fakeExecutor{}, func(c *Config) { c.Algorithm = AlgorithmRoundRobin })
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		mustSchedule(t, o, ScheduleRequest{EntityID: "job", EntityType: "document", Priority: PriorityLow})
	}

	check := func(step int) {
		if n := len(o.GetScheduleEntries(StatusRunning)); n > 2 {
			t.Fatalf("step %d: %d low entries running, ceiling is 2", step, n)
		}
	}
	check(0)
	for step := 1; step <= 20; step++ {
		clock.Advance(15 * time.Minute)
		o.Tick(ctx)
		check(step)
		running := o.GetScheduleEntries(StatusRunning)
		if len(running) > 0 {
			o.WorkflowCompleted(running[0].WorkflowID, time.Second)
		}
	}
	if n := len(o.GetScheduleEntries(StatusCompleted)); n != 10 {
		t.Errorf("completed = %d, want 10", n)
	}
}

// TestTick_HighLoadRestrictsTiers verifies adaptive scheduling admits only
// critical and high work above the high-load threshold
func TestTick_HighLoadRestrictsTiers(t *testing.T) {
	total := Resources{CPU: 100, Memory: 1000, IO: 100}
	o, clock := newTestOrchestrator(t, &fakeExecutor{}, func(c *Config) {
		c.TotalResources = total
		c.EstimateTable = map[string]EstimateProfile{
			"big":   {Resources: Resources{CPU: 45, Memory: 100, IO: 10}, Duration: time.Minute},
			"small": {Resources: Resources{CPU: 1, Memory: 1, IO: 1}, Duration: time.Minute},
		}
		c.PriorityMultipliers = map[Priority]float64{PriorityCritical: 1, PriorityHigh: 1, PriorityMedium: 1, PriorityLow: 1}
		c.ConcurrencyLimits = map[Priority]int{PriorityHigh: 10, PriorityMedium: 2, PriorityLow: 2}
	})
	ctx := context.Background()

	mustSchedule(t, o, ScheduleRequest{EntityID: "big-1", EntityType: "big", Priority: PriorityHigh})
	mustSchedule(t, o, ScheduleRequest{EntityID: "big-2", EntityType: "big", Priority: PriorityHigh})
	// load is now 0.9 on CPU
	m1 := mustSchedule(t, o, ScheduleRequest{EntityID: "m1", EntityType: "small", Priority: PriorityMedium})
	m2 := mustSchedule(t, o, ScheduleRequest{EntityID: "m2", EntityType: "small", Priority: PriorityMedium})
	deferred := mustSchedule(t, o, ScheduleRequest{EntityID: "m3", EntityType: "small", Priority: PriorityMedium})
	mustSchedule(t, o, ScheduleRequest{EntityID: "h", EntityType: "small", Priority: PriorityHigh})

	o.WorkflowCompleted(mustEntry(t, o, m1).WorkflowID, time.Second)
	o.WorkflowCompleted(mustEntry(t, o, m2).WorkflowID, time.Second)

	clock.Advance(10 * time.Minute)
	res := o.Tick(ctx)
	if res.Mode != modeHighLoad {
		t.Fatalf("Mode = %q, want high_load (load %+v)", res.Mode, res.Load)
	}
	if len(res.Admitted) != 0 {
		t.Errorf("medium admitted under high load: %v", res.Admitted)
	}
	if e := mustEntry(t, o, deferred); e.Status != StatusScheduled {
		t.Errorf("Status = %s, want scheduled", e.Status)
	}
}

// TestTick_FairShareQuotas verifies per-tick admissions follow the tier
// weights and stop at the tier ceilings
// Main test items:
// 1. the first tick admits 4 critical, 3 high, 2 medium and 1 low
// 2. later ticks admit what is left within the same quotas
// 3. a tier at its concurrency ceiling admits nothing until a slot frees up
func TestTick_FairShareQuotas(t *testing.T) {
	exec := &fakeExecutor{}
	o, clock := newTestOrchestrator(t, exec, func(c *Config) {
		c.Algorithm = AlgorithmFairShare
		c.EstimateTable = map[string]EstimateProfile{
			"tiny": {Resources: Resources{CPU: 1, Memory: 1, IO: 1}, Duration: time.Minute},
		}
	})
	ctx := context.Background()

	gate := mustSchedule(t, o, ScheduleRequest{EntityID: "gate", EntityType: "tiny", Priority: PriorityMedium})

	// critical work only waits in the queue after a failed hand-off
	exec.mu.Lock()
	exec.failErr = errors.New("executor offline")
	exec.mu.Unlock()
	for i := 0; i < 6; i++ {
		mustSchedule(t, o, ScheduleRequest{EntityID: fmt.Sprintf("crit-%d", i), EntityType: "tiny", Priority: PriorityCritical})
	}
	exec.mu.Lock()
	exec.failErr = nil
	exec.mu.Unlock()

	for _, p := range []Priority{PriorityHigh, PriorityMedium, PriorityLow} {
		for i := 0; i < 5; i++ {
			mustSchedule(t, o, ScheduleRequest{
				EntityID:     fmt.Sprintf("%s-%d", p, i),
				EntityType:   "tiny",
				Priority:     p,
				Dependencies: []string{gate},
			})
		}
	}
	o.WorkflowCompleted(mustEntry(t, o, gate).WorkflowID, time.Second)
	clock.Advance(16 * time.Minute)

	byTier := func(res TickResult) map[Priority]int {
		out := map[Priority]int{}
		for _, id := range res.Admitted {
			out[mustEntry(t, o, id).Priority]++
		}
		return out
	}
	ticks := []map[Priority]int{
		{PriorityCritical: 4, PriorityHigh: 3, PriorityMedium: 2, PriorityLow: 1},
		{PriorityCritical: 2, PriorityHigh: 2, PriorityMedium: 2, PriorityLow: 1},
		{PriorityMedium: 1}, // low is at its ceiling of 2
		{},
	}
	for i, want := range ticks {
		res := o.Tick(ctx)
		if res.Algorithm != AlgorithmFairShare {
			t.Fatalf("tick %d: Algorithm = %s", i, res.Algorithm)
		}
		got := byTier(res)
		for _, p := range Priorities {
			if got[p] != want[p] {
				t.Errorf("tick %d: admitted %d %s, want %d (all %v)", i, got[p], p, want[p], got)
			}
		}
	}

	running := o.GetScheduleEntries(StatusRunning)
	freed := ""
	for _, e := range running {
		if e.Priority == PriorityLow {
			freed = e.WorkflowID
			break
		}
	}
	o.WorkflowCompleted(freed, time.Second)
	if got := byTier(o.Tick(ctx)); got[PriorityLow] != 1 || len(got) != 1 {
		t.Errorf("after freeing a low slot admitted %v, want one low", got)
	}
	if m := o.GetOrchestrationMetrics(); m.QueueDepth != 2 {
		t.Errorf("QueueDepth = %d, want 2 low entries left", m.QueueDepth)
	}
}

// TestTick_AdaptiveLowLoadEfficiencyOrder verifies that below the low-load
// threshold the cheapest work per resource unit is admitted first
func TestTick_AdaptiveLowLoadEfficiencyOrder(t *testing.T) {
	o, clock := newTestOrchestrator(t, &fakeExecutor{}, func(c *Config) {
		c.Algorithm = AlgorithmAdaptive
		// seconds per resource unit: slow 600, mid 200, quick 20, bulky 10
		c.EstimateTable = map[string]EstimateProfile{
			"slow":  {Resources: Resources{CPU: 1, Memory: 1, IO: 1}, Duration: 30 * time.Minute},
			"mid":   {Resources: Resources{CPU: 1, Memory: 1, IO: 1}, Duration: 10 * time.Minute},
			"quick": {Resources: Resources{CPU: 1, Memory: 1, IO: 1}, Duration: time.Minute},
			"bulky": {Resources: Resources{CPU: 10, Memory: 10, IO: 10}, Duration: 5 * time.Minute},
		}
		c.PriorityMultipliers = map[Priority]float64{PriorityCritical: 1, PriorityHigh: 1, PriorityMedium: 1, PriorityLow: 1}
	})
	ctx := context.Background()

	gate := mustSchedule(t, o, ScheduleRequest{EntityID: "gate", EntityType: "quick", Priority: PriorityMedium})
	ids := map[string]string{}
	for _, kind := range []string{"slow", "mid", "quick", "bulky"} {
		ids[kind] = mustSchedule(t, o, ScheduleRequest{
			EntityID:     kind,
			EntityType:   kind,
			Priority:     PriorityMedium,
			Dependencies: []string{gate},
		})
	}
	o.WorkflowCompleted(mustEntry(t, o, gate).WorkflowID, time.Second)
	clock.Advance(10 * time.Minute)

	res := o.Tick(ctx)
	if res.Mode != modeLowLoad {
		t.Fatalf("Mode = %q, want low_load (load %+v)", res.Mode, res.Load)
	}
	want := []string{ids["bulky"], ids["quick"], ids["mid"], ids["slow"]}
	if len(res.Admitted) != len(want) {
		t.Fatalf("Admitted = %v, want %d entries", res.Admitted, len(want))
	}
	for i := range want {
		if res.Admitted[i] != want[i] {
			t.Errorf("Admitted[%d] = %s (%s), want %s", i, res.Admitted[i],
				mustEntry(t, o, res.Admitted[i]).Metadata.EntityID, mustEntry(t, o, want[i]).Metadata.EntityID)
		}
	}
}

// TestTick_PriorityBackfill verifies an entry that does not fit does not
// block smaller work queued behind it
func TestTick_PriorityBackfill(t *testing.T) {
	o, clock := newTestOrchestrator(t, &fakeExecutor{}, func(c *Config) {
		c.Algorithm = AlgorithmPriority
		c.TotalResources = Resources{CPU: 100, Memory: 100, IO: 100}
		c.EstimateTable = map[string]EstimateProfile{
			"hog":   {Resources: Resources{CPU: 45, Memory: 1, IO: 1}, Duration: time.Hour},
			"big":   {Resources: Resources{CPU: 40, Memory: 1, IO: 1}, Duration: time.Minute},
			"small": {Resources: Resources{CPU: 1, Memory: 1, IO: 1}, Duration: time.Minute},
		}
		c.PriorityMultipliers = map[Priority]float64{PriorityCritical: 1, PriorityHigh: 1, PriorityMedium: 1, PriorityLow: 1}
	})
	ctx := context.Background()

	mustSchedule(t, o, ScheduleRequest{EntityID: "hog-1", EntityType: "hog", Priority: PriorityCritical})
	mustSchedule(t, o, ScheduleRequest{EntityID: "hog-2", EntityType: "hog", Priority: PriorityCritical})
	gate := mustSchedule(t, o, ScheduleRequest{EntityID: "gate", EntityType: "small", Priority: PriorityMedium})
	big := mustSchedule(t, o, ScheduleRequest{EntityID: "big", EntityType: "big", Priority: PriorityHigh, Dependencies: []string{gate}})
	small := mustSchedule(t, o, ScheduleRequest{EntityID: "small", EntityType: "small", Priority: PriorityMedium, Dependencies: []string{gate}})
	o.WorkflowCompleted(mustEntry(t, o, gate).WorkflowID, time.Second)
	clock.Advance(10 * time.Minute)

	res := o.Tick(ctx)
	if res.Considered != 2 {
		t.Fatalf("Considered = %d, want 2", res.Considered)
	}
	if len(res.Admitted) != 1 || res.Admitted[0] != small {
		t.Fatalf("Admitted = %v, want only the small entry", res.Admitted)
	}
	if e := mustEntry(t, o, big); e.Status != StatusScheduled {
		t.Errorf("big Status = %s, want scheduled", e.Status)
	}
	if m := o.GetOrchestrationMetrics(); m.QueueDepth != 1 {
		t.Errorf("QueueDepth = %d, want 1", m.QueueDepth)
	}
}

// =============================================================================
// Journal, health and lifecycle
// =============================================================================

// TestJournal_MirrorsTransitions verifies the store receives transition,
// decision and allocation records
func TestJournal_MirrorsTransitions(t *testing.T) {
	store := NewMemoryStore()
	o, _ := newTestOrchestrator(t, &fakeExecutor{}, func(c *Config) { c.Store = store })
	ctx := context.Background()

	id := mustSchedule(t, o, ScheduleRequest{EntityID: "e", Priority: PriorityMedium})
	o.WorkflowCompleted(mustEntry(t, o, id).WorkflowID, time.Second)

	if err := o.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	for _, kind := range []RecordKind{RecordTransition, RecordDecision, RecordAllocationOpen, RecordAllocationClose} {
		recs, err := o.ListRecords(ctx, RecordFilter{Kind: kind, ScheduleID: id})
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) == 0 {
			t.Errorf("no %s records for %s", kind, id)
		}
	}
}

// TestJournal_StoreFailureDoesNotBlock verifies persistence errors are
// counted and never affect scheduling
func TestJournal_StoreFailureDoesNotBlock(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1 << 20}
	var handled int
	o, _ := newTestOrchestrator(t, &fakeExecutor{}, func(c *Config) {
		c.Store = store
		c.ErrorHandler = func(string, string, error) { handled++ }
	})

	id := mustSchedule(t, o, ScheduleRequest{EntityID: "e", Priority: PriorityMedium})
	if e := mustEntry(t, o, id); e.Status != StatusRunning {
		t.Fatalf("Status = %s, want running", e.Status)
	}
	if err := o.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	m := o.GetOrchestrationMetrics()
	if m.Journal.Failed == 0 || m.Journal.Written != 0 {
		t.Errorf("journal stats = %+v", m.Journal)
	}
	if handled == 0 {
		t.Error("error handler not called")
	}
}

// TestGetSystemHealth_WorstOf verifies overall equals the worst component
func TestGetSystemHealth_WorstOf(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	o, _ := newTestOrchestrator(t, &fakeExecutor{}, func(c *Config) { c.Store = store })

	h := o.GetSystemHealth()
	assertWorstOf(t, h)
	if h.Components[ComponentScheduler].Status != HealthDegraded {
		t.Errorf("scheduler = %s, want degraded while loop is stopped", h.Components[ComponentScheduler].Status)
	}

	store.mu.Lock()
	store.pingErr = errors.New("connection refused")
	store.mu.Unlock()
	h = o.GetSystemHealth()
	assertWorstOf(t, h)
	if h.Overall != HealthCritical || h.Components[ComponentStore].Status != HealthCritical {
		t.Errorf("overall = %s store = %s, want critical", h.Overall, h.Components[ComponentStore].Status)
	}
}

func assertWorstOf(t *testing.T, h SystemHealth) {
	t.Helper()
	worst := HealthHealthy
	for _, c := range h.Components {
		worst = WorseOf(worst, c.Status)
	}
	if h.Overall != worst {
		t.Errorf("Overall = %s, worst component = %s", h.Overall, worst)
	}
}

type recordingSink struct {
	health  chan SystemHealth
	metrics chan OrchestrationMetrics
}

func (s *recordingSink) PublishHealth(_ context.Context, h SystemHealth) error {
	select {
	case s.health <- h:
	default:
	}
	return nil
}

func (s *recordingSink) PublishMetrics(_ context.Context, m OrchestrationMetrics) error {
	select {
	case s.metrics <- m:
	default:
	}
	return nil
}

// TestStartStop_LoopAdmitsDeferredWork verifies the running loop admits a
// deferred entry and publishes health to sinks
func TestStartStop_LoopAdmitsDeferredWork(t *testing.T) {
	sink := &recordingSink{health: make(chan SystemHealth, 1), metrics: make(chan OrchestrationMetrics, 1)}
	exec := &fakeExecutor{}
	cfg := DefaultConfig()
	cfg.TimeSlice = 5 * time.Millisecond
	cfg.HealthInterval = 10 * time.Millisecond
	cfg.DeferDelays = map[Priority]time.Duration{PriorityLow: 20 * time.Millisecond}
	cfg.ConcurrencyLimits = map[Priority]int{PriorityLow: 1}
	cfg.Sinks = []Sink{sink}
	o, err := New(exec, cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	first := mustSchedule(t, o, ScheduleRequest{EntityID: "a", Priority: PriorityLow})
	second := mustSchedule(t, o, ScheduleRequest{EntityID: "b", Priority: PriorityLow})
	o.WorkflowCompleted(mustEntry(t, o, first).WorkflowID, time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for mustEntry(t, o, second).Status != StatusRunning {
		if time.Now().After(deadline) {
			t.Fatal("deferred entry was not admitted by the loop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case h := <-sink.health:
		if h.CheckedAt.IsZero() {
			t.Error("health snapshot without timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no health published")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := o.Close(stopCtx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := o.ScheduleWorkflow(ctx, ScheduleRequest{EntityID: "late", Priority: PriorityHigh}); !errors.Is(err, ErrClosed) {
		t.Errorf("schedule after Close error = %v, want ErrClosed", err)
	}
	if err := o.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close error = %v, want ErrClosed", err)
	}
}
