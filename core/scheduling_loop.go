package core

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// Scheduling Loop
// =============================================================================

// TickResult describes one pass over the deferred queue.
type TickResult struct {
	Algorithm  Algorithm
	Mode       string
	Load       Load
	Considered int
	Admitted   []string
	Cancelled  []string
	QueueDepth int
}

// Tick re-evaluates the deferred queue once. Start calls it every
// TimeSlice; tests may call it directly.
func (o *Orchestrator) Tick(ctx context.Context) TickResult {
	o.mu.Lock()
	now := o.clock()
	o.counters.ticks++
	o.counters.lastTickAt = now

	var result TickResult
	result.Cancelled = o.cascadeCancelLocked(now)

	candidates := o.eligibleLocked(now)
	load := o.ledger.Utilization()
	plan := planAdmission(o.algo, candidates, load)
	result.Algorithm = plan.Algorithm
	result.Mode = plan.Mode
	result.Load = load
	result.Considered = len(candidates)

	view := o.viewLocked()
	var batch []dispatchItem
	for _, c := range plan.Order {
		entry := c.entry
		if !plan.permits(entry.Priority) {
			continue
		}
		if entry.Priority != PriorityCritical && !o.admissibleLocked(entry, view) {
			continue
		}

		decision := o.loopDecision(entry, plan, now)
		o.entries.recordDecision(decision)
		o.metrics.RecordDecision(entry.Priority, decision.Decision)
		o.journal.record(RecordDecision, entry.ID, "", now, decision)

		d, ok := o.admitLocked(entry, now)
		if !ok {
			continue
		}
		o.queue.Remove(entry.ID)
		plan.consume(entry.Priority)
		batch = append(batch, d)
		result.Admitted = append(result.Admitted, entry.ID)
	}

	result.QueueDepth = o.queue.Len()
	o.metrics.RecordQueueDepth(result.QueueDepth)
	o.mu.Unlock()

	for _, d := range batch {
		o.dispatch(ctx, d)
	}
	if len(result.Admitted) > 0 || len(result.Cancelled) > 0 {
		o.logger.Debug("Tick",
			F("algorithm", string(result.Algorithm)),
			F("mode", result.Mode),
			F("admitted", len(result.Admitted)),
			F("cancelled", len(result.Cancelled)),
			F("queueDepth", result.QueueDepth))
	}
	return result
}

// admissibleLocked checks capacity, dependencies, concurrency and resources
// for a non-critical entry.
func (o *Orchestrator) admissibleLocked(entry *ScheduleEntry, view StateView) bool {
	available := o.ledger.Available()
	if !available.AnyPositive() {
		return false
	}
	if met, _, _ := dependencyCheck(entry.Dependencies, view); !met {
		return false
	}
	if !o.engine.ConcurrencyAvailable(entry.Priority, view) {
		return false
	}
	return CheckAvailability(entry.ResourceRequirements, available)
}

func (o *Orchestrator) loopDecision(entry *ScheduleEntry, plan admissionPlan, now time.Time) SchedulingDecision {
	label := string(plan.Algorithm)
	if plan.Mode != "" {
		label += "/" + plan.Mode
	}
	d := SchedulingDecision{
		ScheduleID:    entry.ID,
		Decision:      DecisionSchedule,
		ScheduledTime: now,
		Confidence:    confidenceSchedule,
		Reasoning:     fmt.Sprintf("admitted from deferred queue by %s scheduling", label),
		DecidedAt:     now,
	}
	if entry.Priority == PriorityCritical {
		d.Decision = DecisionPrioritize
		d.Confidence = confidencePrioritize
	}
	return d
}

// eligibleLocked returns queued entries whose scheduled time has passed.
// Stale ids (entries no longer scheduled) are dropped from the queue.
func (o *Orchestrator) eligibleLocked(now time.Time) []candidate {
	items := o.queue.Items()
	out := make([]candidate, 0, len(items))
	for _, it := range items {
		entry, ok := o.entries.get(it.ScheduleID)
		if !ok || entry.Status != StatusScheduled {
			o.queue.Remove(it.ScheduleID)
			continue
		}
		if entry.ScheduledTime.After(now) {
			continue
		}
		out = append(out, candidate{entry: entry, seq: it.Sequence})
	}
	return out
}

// cascadeCancelLocked cancels queued entries whose dependencies can never
// complete.
func (o *Orchestrator) cascadeCancelLocked(now time.Time) []string {
	var cancelled []string
	view := o.viewLocked()
	for _, it := range o.queue.Items() {
		entry, ok := o.entries.get(it.ScheduleID)
		if !ok || entry.Status != StatusScheduled || entry.Priority == PriorityCritical {
			continue
		}
		_, dead, _ := dependencyCheck(entry.Dependencies, view)
		if len(dead) == 0 {
			continue
		}
		reason := fmt.Sprintf("dependency %s can never complete", dead[0])
		o.entries.recordDecision(SchedulingDecision{
			ScheduleID:    entry.ID,
			Decision:      DecisionReject,
			ScheduledTime: now,
			Reasoning:     reason,
			Confidence:    confidenceReject,
			DecidedAt:     now,
		})
		o.cancelLocked(entry, reason, now)
		cancelled = append(cancelled, entry.ID)
	}
	return cancelled
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start runs the scheduling loop every TimeSlice and the health loop every
// HealthInterval. Repeated calls are no-ops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}

	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	o.running = true
	o.loopRunning.Store(true)

	ticks := make(chan struct{})
	health := make(chan struct{})
	go o.scheduleLoop(loopCtx, ticks)
	go o.healthLoop(loopCtx, health)
	go func(done chan struct{}) {
		<-ticks
		<-health
		close(done)
	}(o.done)

	o.logger.Info("Orchestrator started",
		F("algorithm", string(o.algo.Algorithm)),
		F("timeSlice", o.cfg.TimeSlice),
		F("healthInterval", o.cfg.HealthInterval))
	return nil
}

// Stop halts both loops and flushes the journal. The orchestrator keeps its
// state and may be started again.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stateMu.Lock()
	if o.running {
		o.cancel()
		done := o.done
		o.running = false
		o.loopRunning.Store(false)
		o.stateMu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		o.logger.Info("Orchestrator stopped")
	} else {
		o.stateMu.Unlock()
	}
	return o.journal.flush(ctx)
}

// Close stops the orchestrator and the journal. Later admissions return
// ErrClosed.
func (o *Orchestrator) Close(ctx context.Context) error {
	stopErr := o.Stop(ctx)
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	if err := o.journal.close(ctx); err != nil {
		return err
	}
	return stopErr
}

func (o *Orchestrator) scheduleLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.TimeSlice)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.safeTick(ctx)
		}
	}
}

func (o *Orchestrator) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Scheduling tick panicked", F("panic", r))
		}
	}()
	o.Tick(ctx)
}

func (o *Orchestrator) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.PollHealth(ctx)
		}
	}
}

// PollHealth evaluates health, journals the snapshot and publishes health
// and metrics to every sink.
func (o *Orchestrator) PollHealth(ctx context.Context) SystemHealth {
	ctx, span := o.tracer.Start(ctx, "orchestrator.PollHealth")
	defer span.End()

	h := o.health.Evaluate(ctx, o.healthInput())
	o.journal.record(RecordHealth, "", "", h.CheckedAt, h)
	if h.Overall != HealthHealthy {
		o.logger.Warn("System health", F("overall", string(h.Overall)), F("alerts", len(h.Alerts)))
	}

	for _, sink := range o.cfg.Sinks {
		if err := sink.PublishHealth(ctx, h); err != nil {
			o.logger.Warn("Health publish failed", F("error", err))
		}
		if err := sink.PublishMetrics(ctx, h.Metrics); err != nil {
			o.logger.Warn("Metrics publish failed", F("error", err))
		}
	}
	return h
}
