package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Orchestrator
// =============================================================================

// ScheduleRequest is one caller admission request.
type ScheduleRequest struct {
	EntityID     string
	EntityType   string
	Priority     Priority
	TriggeredBy  string
	Dependencies []string
	// MaxRetries of 0 uses Config.DefaultMaxRetries.
	MaxRetries int
	Reason     string
}

// dispatchItem is an admitted entry waiting to be handed to the executor
// outside the state lock.
type dispatchItem struct {
	scheduleID string
	req        TriggerRequest
}

// Orchestrator owns the schedule entries, the ledger and the deferred queue.
// Every state transition happens under one mutex; executor hand-off and store
// IO happen outside it.
//
// Lifecycle: New, then Start to run the scheduling and health loops, Stop to
// halt them, Close to release the journal. Entries are not reloaded from the
// Store on restart.
type Orchestrator struct {
	cfg       *Config
	executor  Executor
	logger    Logger
	metrics   Metrics
	tracer    trace.Tracer
	clock     func() time.Time
	jitter    JitterFunc
	backoff   BackoffPolicy
	engine    *DecisionEngine
	estimator *Estimator
	algo      AlgorithmConfig
	health    *HealthAggregator
	journal   *journal
	startedAt time.Time

	// mu guards everything below
	mu       sync.Mutex
	ledger   *Ledger
	entries  *entryStore
	queue    *deferredQueue
	counters counters
	inflight int // dispatches between admit and bind
	parked   map[string][]parkedEvent
	nParked  int
	overflow map[string]parkedEvent // terminal events kept once parked is full
	closed   bool

	// loop lifecycle
	stateMu     sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	loopRunning atomic.Bool
}

var _ EventHandler = (*Orchestrator)(nil)

// New creates an orchestrator. cfg may be nil; zero fields take defaults.
func New(executor Executor, cfg *Config) (*Orchestrator, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	c := cfg.withDefaults()
	algorithm, err := ParseAlgorithm(string(c.Algorithm))
	if err != nil {
		return nil, err
	}
	if c.TotalResources.AnyNegative() {
		return nil, fmt.Errorf("total resources must not be negative: %+v", c.TotalResources)
	}

	o := &Orchestrator{
		cfg:       c,
		executor:  executor,
		logger:    c.Logger,
		metrics:   c.Metrics,
		tracer:    c.Tracer,
		clock:     c.Clock,
		jitter:    c.Jitter,
		backoff:   c.Backoff,
		engine:    NewDecisionEngine(c.ConcurrencyLimits, c.DeferDelays, c.Tuner),
		estimator: NewEstimator(c.EstimateTable, c.PriorityMultipliers, c.TotalResources),
		algo: AlgorithmConfig{
			Algorithm:         algorithm,
			FairShareWeights:  c.FairShareWeights,
			HighLoadThreshold: c.HighLoadThreshold,
			LowLoadThreshold:  c.LowLoadThreshold,
		},
		health:   NewHealthAggregator(c.HealthThresholds, c.Store, c.HostSampler),
		journal:  newJournal(c.Store, c.Serializer, c.Logger, c.StoreRetryPolicy, c.ErrorHandler, c.JournalCapacity, c.StoreTimeout),
		ledger:   NewLedger(c.TotalResources),
		entries:  newEntryStore(c.DecisionHistory),
		queue:    newDeferredQueue(),
		parked:   make(map[string][]parkedEvent),
		overflow: make(map[string]parkedEvent),
	}
	o.startedAt = o.clock()
	o.journal.start()
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return *o.cfg
}

// =============================================================================
// Admission
// =============================================================================

// ScheduleWorkflow admits a request. It returns the schedule id, or an error
// when the request is malformed or rejected. A deferred request is not an
// error; the entry waits in the deferred queue.
func (o *Orchestrator) ScheduleWorkflow(ctx context.Context, req ScheduleRequest) (string, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.ScheduleWorkflow", trace.WithAttributes(
		attribute.String("entity.id", req.EntityID),
		attribute.String("entity.type", req.EntityType),
		attribute.String("priority", req.Priority.String()),
	))
	defer span.End()

	if req.EntityID == "" {
		span.SetStatus(codes.Error, ErrMissingEntityID.Error())
		return "", ErrMissingEntityID
	}
	if !req.Priority.Valid() {
		span.SetStatus(codes.Error, ErrInvalidPriority.Error())
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, int(req.Priority))
	}

	resources, duration := o.estimator.Estimate(req.EntityType, req.Priority)
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.cfg.DefaultMaxRetries
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}

	now := o.clock()
	entry := &ScheduleEntry{
		ID:                   uuid.NewString(),
		Priority:             req.Priority,
		ScheduledTime:        now,
		EstimatedDuration:    duration,
		ResourceRequirements: resources,
		Dependencies:         append([]string(nil), req.Dependencies...),
		Status:               StatusScheduled,
		MaxRetries:           maxRetries,
		Metadata: EntryMetadata{
			EntityID:    req.EntityID,
			EntityType:  req.EntityType,
			TriggeredBy: req.TriggeredBy,
			Reason:      req.Reason,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	decision := o.engine.Decide(entry.Clone(), o.viewLocked(), now)
	o.metrics.RecordDecision(entry.Priority, decision.Decision)
	span.SetAttributes(
		attribute.String("schedule.id", entry.ID),
		attribute.String("decision", string(decision.Decision)),
	)

	if decision.Decision == DecisionReject {
		o.counters.rejected++
		o.journal.record(RecordDecision, entry.ID, "", now, decision)
		o.observeLatencyLocked(start)
		o.mu.Unlock()

		o.logger.Warn("Schedule request rejected",
			F("entityID", req.EntityID),
			F("priority", req.Priority.String()),
			F("reason", decision.Reasoning))
		span.SetStatus(codes.Error, decision.Reasoning)
		return "", fmt.Errorf("%w: %s", ErrRejected, decision.Reasoning)
	}

	entry.ScheduledTime = decision.ScheduledTime
	if entry.Metadata.Reason == "" {
		entry.Metadata.Reason = decision.Reasoning
	}
	o.entries.insert(entry)
	o.entries.recordDecision(decision)
	o.counters.totalScheduled++
	o.journal.record(RecordTransition, entry.ID, "", now, entry.Clone())
	o.journal.record(RecordDecision, entry.ID, "", now, decision)

	var pending *dispatchItem
	switch decision.Decision {
	case DecisionDefer:
		o.counters.deferred++
		o.queue.Push(entry.ID)
		o.logger.Info("Workflow deferred", entryFields(entry,
			F("until", entry.ScheduledTime),
			F("reason", decision.Reasoning))...)
	default:
		if decision.Decision == DecisionPrioritize {
			o.counters.prioritized++
		}
		if d, ok := o.admitLocked(entry, now); ok {
			pending = &d
		} else {
			o.queue.Push(entry.ID)
		}
	}
	o.observeLatencyLocked(start)
	o.mu.Unlock()

	if pending != nil {
		o.dispatch(ctx, *pending)
	}
	return entry.ID, nil
}

func (o *Orchestrator) observeLatencyLocked(start time.Time) {
	d := time.Since(start)
	o.counters.observeLatency(d)
	o.metrics.RecordSchedulingLatency(d)
}

// admitLocked allocates resources and moves the entry to running. The
// caller must dispatch the returned item after releasing the lock.
func (o *Orchestrator) admitLocked(entry *ScheduleEntry, now time.Time) (dispatchItem, bool) {
	alloc, err := o.ledger.Allocate(entry, now)
	if err != nil {
		o.logger.Error("Allocation failed", entryFields(entry, F("error", err))...)
		return dispatchItem{}, false
	}
	if err := o.entries.transition(entry, StatusRunning, now); err != nil {
		_, _ = o.ledger.ReleaseSchedule(entry.ID, now)
		o.logger.Error("Admission transition failed", entryFields(entry, F("error", err))...)
		return dispatchItem{}, false
	}
	if alloc.AllocatedResources != alloc.RequestedResources {
		o.logger.Warn("Allocation clamped to available capacity", entryFields(entry,
			F("requested", alloc.RequestedResources),
			F("allocated", alloc.AllocatedResources))...)
	}

	o.inflight++
	o.journal.record(RecordTransition, entry.ID, "", now, entry.Clone())
	o.journal.record(RecordAllocationOpen, entry.ID, "", now, alloc)
	return dispatchItem{
		scheduleID: entry.ID,
		req: TriggerRequest{
			ScheduleID:  entry.ID,
			EntityID:    entry.Metadata.EntityID,
			EntityType:  entry.Metadata.EntityType,
			TriggeredBy: entry.Metadata.TriggeredBy,
			Priority:    entry.Priority,
		},
	}, true
}

// dispatch hands an admitted entry to the executor and binds the returned
// workflow id. A trigger error goes through retry/backoff.
func (o *Orchestrator) dispatch(ctx context.Context, d dispatchItem) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.dispatch", trace.WithAttributes(
		attribute.String("schedule.id", d.scheduleID),
		attribute.String("priority", d.req.Priority.String()),
	))
	defer span.End()

	workflowID, err := o.executor.Trigger(ctx, d.req)
	if err == nil && workflowID == "" {
		err = errors.New("executor returned an empty workflow id")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight--
	defer o.dropStaleParkedLocked()

	entry, ok := o.entries.get(d.scheduleID)
	if !ok {
		return
	}
	now := o.clock()

	if err == nil {
		if _, taken := o.entries.byWorkflowID(workflowID); taken {
			err = fmt.Errorf("executor returned duplicate workflow id %s", workflowID)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("Workflow trigger failed", entryFields(entry, F("error", err))...)
		o.failLocked(entry, fmt.Errorf("trigger: %w", err), now)
		return
	}

	o.entries.bindWorkflow(entry, workflowID)
	if err := o.ledger.BindWorkflow(entry.ID, workflowID); err != nil {
		o.logger.Error("Failed to bind allocation", entryFields(entry, F("error", err))...)
	}
	span.SetAttributes(attribute.String("workflow.id", workflowID))
	o.journal.record(RecordTransition, entry.ID, workflowID, now, entry.Clone())
	o.logger.Info("Workflow started", entryFields(entry)...)

	o.replayParkedLocked(workflowID)
}

// =============================================================================
// Cancellation and queries
// =============================================================================

// CancelScheduledWorkflow cancels an entry that has not started. It returns
// false for entries in any other status.
func (o *Orchestrator) CancelScheduledWorkflow(ctx context.Context, scheduleID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.entries.get(scheduleID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEntry, scheduleID)
	}
	if entry.Status != StatusScheduled {
		return false, nil
	}
	o.cancelLocked(entry, "cancelled by caller", o.clock())
	return true, nil
}

func (o *Orchestrator) cancelLocked(entry *ScheduleEntry, reason string, now time.Time) {
	if err := o.entries.transition(entry, StatusCancelled, now); err != nil {
		o.logger.Error("Cancel transition failed", entryFields(entry, F("error", err))...)
		return
	}
	entry.LastError = reason
	o.queue.Remove(entry.ID)
	o.counters.cancelled++
	o.metrics.RecordWorkflowOutcome(entry.Priority, OutcomeCancelled, 0)
	o.journal.record(RecordTransition, entry.ID, "", now, entry.Clone())
	o.logger.Info("Workflow cancelled", entryFields(entry, F("reason", reason))...)
}

// GetScheduleEntries returns copies of all entries in creation order,
// optionally filtered by status.
func (o *Orchestrator) GetScheduleEntries(status ...Status) []ScheduleEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entries.list(status...)
}

// GetScheduleEntry returns a copy of one entry.
func (o *Orchestrator) GetScheduleEntry(scheduleID string) (ScheduleEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries.get(scheduleID)
	if !ok {
		return ScheduleEntry{}, false
	}
	return e.Clone(), true
}

// LastDecision returns the most recent decision taken for an entry.
func (o *Orchestrator) LastDecision(scheduleID string) (SchedulingDecision, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entries.lastDecision(scheduleID)
}

// DecisionHistory returns the retained decisions of an entry, oldest first.
func (o *Orchestrator) DecisionHistory(scheduleID string) []SchedulingDecision {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entries.decisionHistory(scheduleID)
}

// Allocation returns the active or last closed allocation of an entry.
func (o *Orchestrator) Allocation(scheduleID string) (ResourceAllocation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ledger.Lookup(scheduleID)
}

// LedgerSnapshot returns the current ledger totals.
func (o *Orchestrator) LedgerSnapshot() LedgerSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ledger.Snapshot()
}

// ActiveAllocations returns the allocations currently holding capacity,
// oldest first.
func (o *Orchestrator) ActiveAllocations() []ResourceAllocation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ledger.ActiveAllocations()
}

// GetOrchestrationMetrics returns a copy of the orchestrator counters.
func (o *Orchestrator) GetOrchestrationMetrics() OrchestrationMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metricsLocked(o.clock())
}

func (o *Orchestrator) metricsLocked(now time.Time) OrchestrationMetrics {
	snap := o.ledger.Snapshot()
	active := make(map[string]int, len(Priorities))
	for _, p := range Priorities {
		active[p.String()] = o.entries.activeCount(p)
	}
	uptime := now.Sub(o.startedAt)
	return OrchestrationMetrics{
		TotalScheduled:       o.counters.totalScheduled,
		ConcurrentWorkflows:  o.entries.totalRunning(),
		ActiveByPriority:     active,
		QueueDepth:           o.queue.Len(),
		AvgSchedulingLatency: o.counters.avgLatency(),
		ResourceUtilization:  snap.Utilization,
		AggregateLoad:        snap.Utilization.Aggregate(),
		AverageEfficiency:    snap.AverageEfficiency,
		WorkflowSuccessRate:  o.counters.successRate(),
		Throughput:           o.counters.throughput(uptime),
		Uptime:               uptime,
		Completed:            o.counters.completed,
		Failed:               o.counters.failed,
		Retried:              o.counters.retried,
		Deferred:             o.counters.deferred,
		Prioritized:          o.counters.prioritized,
		Rejected:             o.counters.rejected,
		Cancelled:            o.counters.cancelled,
		DroppedEvents:        o.counters.droppedEvents,
		Ticks:                o.counters.ticks,
		LastTickAt:           o.counters.lastTickAt,
		Journal:              o.journal.stats(),
		CollectedAt:          now,
	}
}

// GetSystemHealth evaluates every component now.
func (o *Orchestrator) GetSystemHealth() SystemHealth {
	return o.health.Evaluate(context.Background(), o.healthInput())
}

func (o *Orchestrator) healthInput() HealthInput {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clock()
	return HealthInput{
		Metrics:       o.metricsLocked(now),
		Ledger:        o.ledger.Snapshot(),
		LoopRunning:   o.loopRunning.Load(),
		MaxConcurrent: o.cfg.MaxConcurrentWorkflows,
		Now:           now,
	}
}

// AlertHistory returns every alert raised so far, oldest first.
func (o *Orchestrator) AlertHistory() []Alert {
	return o.health.AlertHistory()
}

// ListRecords queries the durable store for historical reporting.
func (o *Orchestrator) ListRecords(ctx context.Context, filter RecordFilter) ([]Record, error) {
	return o.cfg.Store.ListRecords(ctx, filter)
}

// Flush waits until every journal record queued so far has been written.
func (o *Orchestrator) Flush(ctx context.Context) error {
	return o.journal.flush(ctx)
}

// =============================================================================
// StateView over locked state
// =============================================================================

type lockedView struct {
	o *Orchestrator
}

func (o *Orchestrator) viewLocked() StateView {
	return lockedView{o: o}
}

func (v lockedView) Available() Resources {
	return v.o.ledger.Available()
}

func (v lockedView) ActiveCount(p Priority) int {
	return v.o.entries.activeCount(p)
}

func (v lockedView) DependencyState(id string) DependencyState {
	return v.o.entries.dependencyState(id)
}
