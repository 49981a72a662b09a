// Package executor provides an in-process workflow executor: a pool of worker
// goroutines pulling admitted workflows from a priority queue and running the
// handler registered for their entity type.
package executor

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
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Swind/go-workflow-orchestrator/core"
)

var (
	// ErrNoHandler is returned by Trigger when no handler serves the entity type.
	ErrNoHandler = errors.New("no handler registered for entity type")

	// ErrShuttingDown is returned by Trigger after Stop, and reported as the
	// failure cause of jobs discarded from the queue.
	ErrShuttingDown = errors.New("executor is shutting down")
)

// Job is one workflow run handed to a Handler.
type Job struct {
	WorkflowID  string
	ScheduleID  string
	EntityID    string
	EntityType  string
	TriggeredBy string
	Priority    core.Priority
	QueuedAt    time.Time
}

// Handler runs a workflow to completion. A non-zero usage is reported to the
// event handler before the completion or failure event.
type Handler func(ctx context.Context, job Job) (usage core.Resources, err error)

// Config configures a LocalExecutor.
type Config struct {
	ID      string
	Workers int
	Logger  core.Logger
	Tracer  trace.Tracer
	Clock   func() time.Time
}

// Stats is a point-in-time view of the executor.
type Stats struct {
	ID        string
	Workers   int
	Running   bool
	Queued    int
	Active    int
	Completed uint64
	Failed    uint64
	Panicked  uint64
	Rejected  uint64
}

// LocalExecutor implements core.Executor with a worker pool.
type LocalExecutor struct {
	id      string
	workers int
	logger  core.Logger
	tracer  trace.Tracer
	clock   func() time.Time

	queue  *jobQueue
	signal chan struct{}

	handlersMu sync.RWMutex
	handlers   map[string]Handler
	fallback   Handler
	events     core.EventHandler

	// admitMu orders Trigger's push against the start of shutdown, so
	// every job either runs, is failed by failQueued, or is rejected.
	admitMu sync.Mutex

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex

	shuttingDown atomic.Bool
	metricActive atomic.Int32
	completed    atomic.Uint64
	failed       atomic.Uint64
	panicked     atomic.Uint64
	rejected     atomic.Uint64
}

// New creates an executor. Workers defaults to 4.
func New(cfg Config) *LocalExecutor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("local-%d", cfg.Workers)
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewNoOpLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &LocalExecutor{
		id:       cfg.ID,
		workers:  cfg.Workers,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		clock:    cfg.Clock,
		queue:    newJobQueue(),
		signal:   make(chan struct{}, cfg.Workers*2),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for an entity type.
func (x *LocalExecutor) Handle(entityType string, h Handler) {
	x.handlersMu.Lock()
	defer x.handlersMu.Unlock()
	x.handlers[entityType] = h
}

// HandleDefault registers the handler for entity types without their own.
func (x *LocalExecutor) HandleDefault(h Handler) {
	x.handlersMu.Lock()
	defer x.handlersMu.Unlock()
	x.fallback = h
}

// SetEventHandler sets where lifecycle events are reported, usually the
// *core.Orchestrator this executor was passed to.
func (x *LocalExecutor) SetEventHandler(events core.EventHandler) {
	x.handlersMu.Lock()
	defer x.handlersMu.Unlock()
	x.events = events
}

func (x *LocalExecutor) handlerFor(entityType string) (Handler, core.EventHandler) {
	x.handlersMu.RLock()
	defer x.handlersMu.RUnlock()
	if h, ok := x.handlers[entityType]; ok {
		return h, x.events
	}
	return x.fallback, x.events
}

// Trigger queues a workflow and returns its id without waiting for it to run.
func (x *LocalExecutor) Trigger(ctx context.Context, req core.TriggerRequest) (string, error) {
	if h, _ := x.handlerFor(req.EntityType); h == nil {
		x.rejected.Add(1)
		return "", fmt.Errorf("%w: %q", ErrNoHandler, req.EntityType)
	}

	job := Job{
		WorkflowID:  "wf-" + uuid.NewString(),
		ScheduleID:  req.ScheduleID,
		EntityID:    req.EntityID,
		EntityType:  req.EntityType,
		TriggeredBy: req.TriggeredBy,
		Priority:    req.Priority,
		QueuedAt:    x.clock(),
	}

	x.admitMu.Lock()
	if x.shuttingDown.Load() {
		x.admitMu.Unlock()
		x.rejected.Add(1)
		return "", ErrShuttingDown
	}
	x.queue.Push(job)
	x.admitMu.Unlock()

	select {
	case x.signal <- struct{}{}:
	default:
		// Signal channel full, job is already queued
	}
	return job.WorkflowID, nil
}

// Start launches the worker goroutines.
func (x *LocalExecutor) Start(ctx context.Context) {
	x.runningMu.Lock()
	defer x.runningMu.Unlock()

	if x.running {
		return
	}
	x.shuttingDown.Store(false)
	x.ctx, x.cancel = context.WithCancel(ctx)
	x.running = true

	for i := 0; i < x.workers; i++ {
		x.wg.Add(1)
		go x.workerLoop(x.ctx, i)
	}
	x.logger.Info("Executor started", core.F("id", x.id), core.F("workers", x.workers))
}

// Stop rejects new work, cancels running handlers and waits for the workers.
// Jobs still queued are reported as failed with ErrShuttingDown.
func (x *LocalExecutor) Stop() {
	x.runningMu.Lock()
	if !x.running {
		x.runningMu.Unlock()
		return
	}
	x.runningMu.Unlock()

	x.beginShutdown()
	if x.cancel != nil {
		x.cancel()
	}
	x.wg.Wait()
	x.failQueued()

	x.runningMu.Lock()
	x.running = false
	x.runningMu.Unlock()
	x.logger.Info("Executor stopped", core.F("id", x.id))
}

// StopGraceful rejects new work and waits for queued and active jobs to
// finish. When the timeout expires the remaining work is cancelled as in Stop.
func (x *LocalExecutor) StopGraceful(timeout time.Duration) error {
	x.beginShutdown()

	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if x.queue.Len() == 0 && x.metricActive.Load() == 0 {
			x.Stop()
			return nil
		}
		select {
		case <-deadline:
			x.Stop()
			return fmt.Errorf("graceful stop timeout after %v, cancelled remaining jobs", timeout)
		case <-ticker.C:
		}
	}
}

// beginShutdown makes Trigger reject new work. Jobs pushed before it
// returns are visible to failQueued.
func (x *LocalExecutor) beginShutdown() {
	x.admitMu.Lock()
	x.shuttingDown.Store(true)
	x.admitMu.Unlock()
}

func (x *LocalExecutor) failQueued() {
	_, events := x.handlerFor("")
	for _, job := range x.queue.Clear() {
		x.failed.Add(1)
		if events != nil {
			events.WorkflowFailed(job.WorkflowID, ErrShuttingDown)
		}
	}
}

// IsRunning reports whether the workers are running.
func (x *LocalExecutor) IsRunning() bool {
	x.runningMu.RLock()
	defer x.runningMu.RUnlock()
	return x.running
}

// Stats returns current counters.
func (x *LocalExecutor) Stats() Stats {
	return Stats{
		ID:        x.id,
		Workers:   x.workers,
		Running:   x.IsRunning(),
		Queued:    x.queue.Len(),
		Active:    int(x.metricActive.Load()),
		Completed: x.completed.Load(),
		Failed:    x.failed.Load(),
		Panicked:  x.panicked.Load(),
		Rejected:  x.rejected.Load(),
	}
}

func (x *LocalExecutor) getWork(stopCh <-chan struct{}) (Job, bool) {
	for {
		if job, ok := x.queue.Pop(); ok {
			return job, true
		}
		select {
		case <-x.signal:
			continue
		case <-stopCh:
			return Job{}, false
		}
	}
}

func (x *LocalExecutor) workerLoop(ctx context.Context, worker int) {
	defer x.wg.Done()
	stopCh := ctx.Done()

	for {
		job, ok := x.getWork(stopCh)
		if !ok {
			return
		}
		x.metricActive.Add(1)
		x.run(ctx, worker, job)
		x.metricActive.Add(-1)
	}
}

func (x *LocalExecutor) run(ctx context.Context, worker int, job Job) {
	handler, events := x.handlerFor(job.EntityType)
	if events == nil {
		events = nopEvents{}
	}

	ctx, span := x.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("workflow.id", job.WorkflowID),
		attribute.String("schedule.id", job.ScheduleID),
		attribute.String("entity.type", job.EntityType),
		attribute.String("priority", job.Priority.String()),
	))
	defer span.End()

	events.WorkflowTriggered(job.WorkflowID)
	start := x.clock()

	usage, err := x.invoke(ctx, worker, handler, job)
	if usage.AnyPositive() {
		events.ReportUsage(job.WorkflowID, usage)
	}
	if err != nil {
		x.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.logger.Warn("Workflow failed",
			core.F("workflowID", job.WorkflowID),
			core.F("scheduleID", job.ScheduleID),
			core.F("worker", worker),
			core.F("error", err))
		events.WorkflowFailed(job.WorkflowID, err)
		return
	}
	x.completed.Add(1)
	events.WorkflowCompleted(job.WorkflowID, x.clock().Sub(start))
}

// invoke runs the handler and turns a panic into an error.
func (x *LocalExecutor) invoke(ctx context.Context, worker int, handler Handler, job Job) (usage core.Resources, err error) {
	if handler == nil {
		return core.Resources{}, fmt.Errorf("%w: %q", ErrNoHandler, job.EntityType)
	}
	defer func() {
		if r := recover(); r != nil {
			x.panicked.Add(1)
			x.logger.Error("Workflow handler panicked",
				core.F("workflowID", job.WorkflowID),
				core.F("worker", worker),
				core.F("panic", r))
			usage = core.Resources{}
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

type nopEvents struct{}

func (nopEvents) WorkflowTriggered(string)                {}
func (nopEvents) WorkflowCompleted(string, time.Duration) {}
func (nopEvents) WorkflowFailed(string, error)            {}
func (nopEvents) ReportUsage(string, core.Resources)      {}
