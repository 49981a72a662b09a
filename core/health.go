package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Health Model
// =============================================================================

// HealthLevel is the status of one component or of the whole system.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthDegraded HealthLevel = "degraded"
	HealthCritical HealthLevel = "critical"
)

func (l HealthLevel) rank() int {
	switch l {
	case HealthCritical:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}

// WorseOf returns the more severe of two levels.
func WorseOf(a, b HealthLevel) HealthLevel {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Component names reported in SystemHealth.Components.
const (
	ComponentScheduler   = "scheduler"
	ComponentLedger      = "ledger"
	ComponentExecutor    = "executor"
	ComponentStore       = "store"
	ComponentPerformance = "performance"
	ComponentHost        = "host"
)

// ComponentHealth is the result of one component check.
type ComponentHealth struct {
	Name      string             `json:"name"`
	Status    HealthLevel        `json:"status"`
	Message   string             `json:"message,omitempty"`
	Details   map[string]float64 `json:"details,omitempty"`
	CheckedAt time.Time          `json:"checkedAt"`
}

// Alert is raised when a component enters degraded or critical. Alerts are
// never modified; they leave the active list when the component recovers.
type Alert struct {
	ID        string      `json:"id"`
	Severity  HealthLevel `json:"severity"`
	Component string      `json:"component"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// HostMetrics is a sample of machine-level load.
type HostMetrics struct {
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	SampledAt     time.Time `json:"sampledAt"`
}

// HostSampler measures host load. A nil sampler omits the host component.
type HostSampler interface {
	Sample(ctx context.Context) (HostMetrics, error)
}

// SystemHealth is the aggregated health snapshot.
type SystemHealth struct {
	Overall    HealthLevel                `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
	Metrics    OrchestrationMetrics       `json:"metrics"`
	Host       *HostMetrics               `json:"host,omitempty"`
	Alerts     []Alert                    `json:"alerts"`
	CheckedAt  time.Time                  `json:"checkedAt"`
}

// HealthThresholds sets the degraded/critical boundaries of each check.
type HealthThresholds struct {
	// Scheduler: age of the last tick while the loop runs
	TickStaleDegraded time.Duration `yaml:"tickStaleDegraded"`
	TickStaleCritical time.Duration `yaml:"tickStaleCritical"`

	// Executor: running workflows / global ceiling
	ExecutorDegradedRatio float64 `yaml:"executorDegradedRatio"`
	ExecutorCriticalRatio float64 `yaml:"executorCriticalRatio"`

	// Performance. A breach degrades the performance component; it never
	// makes it critical.
	LatencyDegraded   time.Duration `yaml:"latencyDegraded"`
	UtilizationTarget float64       `yaml:"utilizationTarget"`
	SuccessRateTarget float64       `yaml:"successRateTarget"`

	// Host, in percent
	HostDegradedPercent float64 `yaml:"hostDegradedPercent"`
	HostCriticalPercent float64 `yaml:"hostCriticalPercent"`

	// CheckTimeout bounds the store ping and host sample.
	CheckTimeout time.Duration `yaml:"checkTimeout"`
}

// DefaultHealthThresholds returns the built-in thresholds.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		TickStaleDegraded:     2 * time.Second,
		TickStaleCritical:     10 * time.Second,
		ExecutorDegradedRatio: 0.8,
		ExecutorCriticalRatio: 1.0,
		LatencyDegraded:       100 * time.Millisecond,
		UtilizationTarget:     0.85,
		SuccessRateTarget:     0.9,
		HostDegradedPercent:   85,
		HostCriticalPercent:   95,
		CheckTimeout:          2 * time.Second,
	}
}

// HealthInput is the orchestrator state one health evaluation consumes,
// copied under the state lock.
type HealthInput struct {
	Metrics       OrchestrationMetrics
	Ledger        LedgerSnapshot
	LoopRunning   bool
	MaxConcurrent int
	Now           time.Time
}

// =============================================================================
// HealthAggregator
// =============================================================================

const defaultAlertHistory = 256

// HealthAggregator evaluates component checks and tracks alerts across
// evaluations. It is safe for concurrent use.
type HealthAggregator struct {
	thresholds HealthThresholds
	store      Store
	host       HostSampler

	mu              sync.Mutex
	levels          map[string]HealthLevel
	active          []Alert
	history         []Alert
	lastJournalKO   uint64
	lastJournalDrop uint64
	last            SystemHealth
}

// NewHealthAggregator creates an aggregator. store and host may be nil.
func NewHealthAggregator(thresholds HealthThresholds, store Store, host HostSampler) *HealthAggregator {
	return &HealthAggregator{
		thresholds: thresholds,
		store:      store,
		host:       host,
		levels:     make(map[string]HealthLevel),
	}
}

// Evaluate runs every check and returns the aggregated snapshot. Overall is
// the worst component status.
func (h *HealthAggregator) Evaluate(ctx context.Context, in HealthInput) SystemHealth {
	components := map[string]ComponentHealth{
		ComponentScheduler:   h.checkScheduler(in),
		ComponentLedger:      h.checkLedger(in),
		ComponentExecutor:    h.checkExecutor(in),
		ComponentStore:       h.checkStore(ctx, in),
		ComponentPerformance: h.checkPerformance(in),
	}

	var hostMetrics *HostMetrics
	if h.host != nil {
		hc, hm := h.checkHost(ctx, in.Now)
		components[ComponentHost] = hc
		hostMetrics = hm
	}

	overall := HealthHealthy
	for _, c := range components {
		overall = WorseOf(overall, c.Status)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.updateAlertsLocked(components, in.Now)

	snapshot := SystemHealth{
		Overall:    overall,
		Components: components,
		Metrics:    in.Metrics,
		Host:       hostMetrics,
		Alerts:     append([]Alert(nil), h.active...),
		CheckedAt:  in.Now,
	}
	h.last = snapshot
	return snapshot
}

// Last returns the most recent snapshot.
func (h *HealthAggregator) Last() SystemHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// AlertHistory returns every alert raised, oldest first, bounded.
func (h *HealthAggregator) AlertHistory() []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Alert(nil), h.history...)
}

func (h *HealthAggregator) updateAlertsLocked(components map[string]ComponentHealth, now time.Time) {
	for name, c := range components {
		prev, seen := h.levels[name]
		if !seen {
			prev = HealthHealthy
		}
		h.levels[name] = c.Status

		if c.Status == HealthHealthy {
			if prev != HealthHealthy {
				h.clearActiveLocked(name)
			}
			continue
		}
		if c.Status == prev {
			continue
		}
		// level changed into degraded or critical
		h.clearActiveLocked(name)
		alert := Alert{
			ID:        uuid.NewString(),
			Severity:  c.Status,
			Component: name,
			Message:   c.Message,
			Timestamp: now,
		}
		h.active = append(h.active, alert)
		h.history = append(h.history, alert)
		if len(h.history) > defaultAlertHistory {
			h.history = append([]Alert(nil), h.history[len(h.history)-defaultAlertHistory:]...)
		}
	}
}

func (h *HealthAggregator) clearActiveLocked(component string) {
	kept := h.active[:0]
	for _, a := range h.active {
		if a.Component != component {
			kept = append(kept, a)
		}
	}
	h.active = kept
}

// =============================================================================
// Component checks
// =============================================================================

func (h *HealthAggregator) checkScheduler(in HealthInput) ComponentHealth {
	c := ComponentHealth{Name: ComponentScheduler, Status: HealthHealthy, CheckedAt: in.Now}
	if !in.LoopRunning {
		c.Status = HealthDegraded
		c.Message = "scheduling loop is not running"
		return c
	}
	if in.Metrics.LastTickAt.IsZero() {
		c.Message = "waiting for first tick"
		return c
	}
	age := in.Now.Sub(in.Metrics.LastTickAt)
	c.Details = map[string]float64{"lastTickAgeSeconds": age.Seconds()}
	switch {
	case age >= h.thresholds.TickStaleCritical:
		c.Status = HealthCritical
		c.Message = fmt.Sprintf("no tick for %s", age)
	case age >= h.thresholds.TickStaleDegraded:
		c.Status = HealthDegraded
		c.Message = fmt.Sprintf("no tick for %s", age)
	}
	return c
}

func (h *HealthAggregator) checkLedger(in HealthInput) ComponentHealth {
	c := ComponentHealth{
		Name:      ComponentLedger,
		Status:    HealthHealthy,
		CheckedAt: in.Now,
		Details: map[string]float64{
			"availableCPU":    in.Ledger.Available.CPU,
			"availableMemory": in.Ledger.Available.Memory,
			"availableIO":     in.Ledger.Available.IO,
		},
	}
	if in.Ledger.Available.AnyNegative() {
		c.Status = HealthCritical
		c.Message = "available capacity is negative"
	}
	return c
}

func (h *HealthAggregator) checkExecutor(in HealthInput) ComponentHealth {
	c := ComponentHealth{Name: ComponentExecutor, Status: HealthHealthy, CheckedAt: in.Now}
	running := in.Metrics.ConcurrentWorkflows
	if in.MaxConcurrent <= 0 {
		c.Details = map[string]float64{"running": float64(running)}
		return c
	}
	ratio := float64(running) / float64(in.MaxConcurrent)
	c.Details = map[string]float64{"running": float64(running), "ratio": ratio}
	switch {
	case ratio >= h.thresholds.ExecutorCriticalRatio:
		c.Status = HealthCritical
		c.Message = fmt.Sprintf("%d of %d workflow slots in use", running, in.MaxConcurrent)
	case ratio >= h.thresholds.ExecutorDegradedRatio:
		c.Status = HealthDegraded
		c.Message = fmt.Sprintf("%d of %d workflow slots in use", running, in.MaxConcurrent)
	}
	return c
}

func (h *HealthAggregator) checkStore(ctx context.Context, in HealthInput) ComponentHealth {
	c := ComponentHealth{Name: ComponentStore, Status: HealthHealthy, CheckedAt: in.Now}
	if h.store == nil {
		c.Message = "no durable store configured"
		return c
	}

	pingCtx, cancel := context.WithTimeout(ctx, h.thresholds.CheckTimeout)
	defer cancel()
	start := time.Now()
	err := h.store.Ping(pingCtx)
	c.Details = map[string]float64{
		"pingSeconds":    time.Since(start).Seconds(),
		"journalPending": float64(in.Metrics.Journal.Pending),
	}
	if err != nil {
		c.Status = HealthCritical
		c.Message = fmt.Sprintf("ping failed: %v", err)
		return c
	}

	// failures and drops degrade the store only while they keep growing
	h.mu.Lock()
	newFailures := in.Metrics.Journal.Failed > h.lastJournalKO
	newDrops := in.Metrics.Journal.Dropped > h.lastJournalDrop
	h.lastJournalKO = in.Metrics.Journal.Failed
	h.lastJournalDrop = in.Metrics.Journal.Dropped
	h.mu.Unlock()
	if newFailures || newDrops {
		c.Status = HealthDegraded
		c.Message = fmt.Sprintf("journal failed=%d dropped=%d", in.Metrics.Journal.Failed, in.Metrics.Journal.Dropped)
	}
	return c
}

func (h *HealthAggregator) checkPerformance(in HealthInput) ComponentHealth {
	m := in.Metrics
	c := ComponentHealth{
		Name:      ComponentPerformance,
		Status:    HealthHealthy,
		CheckedAt: in.Now,
		Details: map[string]float64{
			"avgSchedulingLatencySeconds": m.AvgSchedulingLatency.Seconds(),
			"aggregateLoad":               m.AggregateLoad,
			"successRate":                 m.WorkflowSuccessRate,
		},
	}
	var problems []string
	if m.AvgSchedulingLatency >= h.thresholds.LatencyDegraded {
		problems = append(problems, fmt.Sprintf("scheduling latency %s", m.AvgSchedulingLatency))
	}
	if m.AggregateLoad > h.thresholds.UtilizationTarget {
		problems = append(problems, fmt.Sprintf("resource utilization %.2f", m.AggregateLoad))
	}
	if m.WorkflowSuccessRate < h.thresholds.SuccessRateTarget {
		problems = append(problems, fmt.Sprintf("success rate %.2f", m.WorkflowSuccessRate))
	}
	if len(problems) > 0 {
		c.Status = HealthDegraded
	}

	for i, p := range problems {
		if i > 0 {
			c.Message += "; "
		}
		c.Message += p
	}
	return c
}

func (h *HealthAggregator) checkHost(ctx context.Context, now time.Time) (ComponentHealth, *HostMetrics) {
	c := ComponentHealth{Name: ComponentHost, Status: HealthHealthy, CheckedAt: now}

	sampleCtx, cancel := context.WithTimeout(ctx, h.thresholds.CheckTimeout)
	defer cancel()
	hm, err := h.host.Sample(sampleCtx)
	if err != nil {
		c.Status = HealthCritical
		c.Message = fmt.Sprintf("host sample failed: %v", err)
		return c, nil
	}

	c.Details = map[string]float64{"cpuPercent": hm.CPUPercent, "memoryPercent": hm.MemoryPercent}
	peak := max(hm.CPUPercent, hm.MemoryPercent)
	switch {
	case peak >= h.thresholds.HostCriticalPercent:
		c.Status = HealthCritical
		c.Message = fmt.Sprintf("host cpu %.1f%% memory %.1f%%", hm.CPUPercent, hm.MemoryPercent)
	case peak >= h.thresholds.HostDegradedPercent:
		c.Status = HealthDegraded
		c.Message = fmt.Sprintf("host cpu %.1f%% memory %.1f%%", hm.CPUPercent, hm.MemoryPercent)
	}
	return c, &hm
}
