package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-workflow-orchestrator/core"
	"github.com/Swind/go-workflow-orchestrator/executor"
	prom "github.com/prometheus/client_golang/prometheus"
)

// LedgerSnapshotProvider provides resource ledger snapshots. *core.Orchestrator
// implements it.
type LedgerSnapshotProvider interface {
	LedgerSnapshot() core.LedgerSnapshot
}

// ExecutorSnapshotProvider provides executor stats snapshots.
type ExecutorSnapshotProvider interface {
	Stats() executor.Stats
}

// SnapshotPoller periodically exports ledger and executor snapshots into
// Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	ledgersMu sync.RWMutex
	ledgers   map[string]LedgerSnapshotProvider

	executorsMu sync.RWMutex
	executors   map[string]ExecutorSnapshotProvider

	ledgerTotal       *prom.GaugeVec
	ledgerAllocated   *prom.GaugeVec
	ledgerAvailable   *prom.GaugeVec
	ledgerActive      *prom.GaugeVec
	ledgerUtilization *prom.GaugeVec

	executorQueued    *prom.GaugeVec
	executorActive    *prom.GaugeVec
	executorWorkers   *prom.GaugeVec
	executorRunning   *prom.GaugeVec
	executorCompleted *prom.GaugeVec
	executorFailed    *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "orchestrator",
			Name:      name,
			Help:      help,
		}, labels)
	}

	ledgerTotal := gauge("ledger_total", "Total capacity per resource.", "ledger", "resource")
	ledgerAllocated := gauge("ledger_allocated", "Allocated capacity per resource.", "ledger", "resource")
	ledgerAvailable := gauge("ledger_available", "Available capacity per resource.", "ledger", "resource")
	ledgerActive := gauge("ledger_active_allocations", "Open allocations.", "ledger")
	ledgerUtilization := gauge("ledger_utilization_ratio", "Allocated / total per resource.", "ledger", "resource")

	executorQueued := gauge("executor_queued", "Jobs waiting for a worker.", "executor")
	executorActive := gauge("executor_active", "Jobs running on a worker.", "executor")
	executorWorkers := gauge("executor_workers", "Worker count per executor.", "executor")
	executorRunning := gauge("executor_running", "Executor running state (1=running, 0=stopped).", "executor")
	executorCompleted := gauge("executor_completed_total", "Executor completed job count snapshot.", "executor")
	executorFailed := gauge("executor_failed_total", "Executor failed job count snapshot.", "executor")

	var err error
	for _, g := range []**prom.GaugeVec{
		&ledgerTotal, &ledgerAllocated, &ledgerAvailable, &ledgerActive, &ledgerUtilization,
		&executorQueued, &executorActive, &executorWorkers, &executorRunning, &executorCompleted, &executorFailed,
	} {
		if *g, err = registerCollector(reg, *g); err != nil {
			return nil, err
		}
	}

	return &SnapshotPoller{
		interval:          interval,
		ledgers:           make(map[string]LedgerSnapshotProvider),
		executors:         make(map[string]ExecutorSnapshotProvider),
		ledgerTotal:       ledgerTotal,
		ledgerAllocated:   ledgerAllocated,
		ledgerAvailable:   ledgerAvailable,
		ledgerActive:      ledgerActive,
		ledgerUtilization: ledgerUtilization,
		executorQueued:    executorQueued,
		executorActive:    executorActive,
		executorWorkers:   executorWorkers,
		executorRunning:   executorRunning,
		executorCompleted: executorCompleted,
		executorFailed:    executorFailed,
	}, nil
}

// AddLedger adds or replaces a ledger snapshot provider by name.
func (p *SnapshotPoller) AddLedger(name string, provider LedgerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "ledger")
	p.ledgersMu.Lock()
	p.ledgers[name] = provider
	p.ledgersMu.Unlock()
}

// AddExecutor adds or replaces an executor snapshot provider by name.
func (p *SnapshotPoller) AddExecutor(name string, provider ExecutorSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "executor")
	p.executorsMu.Lock()
	p.executors[name] = provider
	p.executorsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func setResources(vec *prom.GaugeVec, name string, r core.Resources) {
	vec.WithLabelValues(name, "cpu").Set(r.CPU)
	vec.WithLabelValues(name, "memory").Set(r.Memory)
	vec.WithLabelValues(name, "io").Set(r.IO)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (p *SnapshotPoller) collectOnce() {
	p.ledgersMu.RLock()
	for name, provider := range p.ledgers {
		snap := provider.LedgerSnapshot()
		setResources(p.ledgerTotal, name, snap.Total)
		setResources(p.ledgerAllocated, name, snap.Allocated)
		setResources(p.ledgerAvailable, name, snap.Available)
		setResources(p.ledgerUtilization, name, core.Resources(snap.Utilization))
		p.ledgerActive.WithLabelValues(name).Set(float64(snap.ActiveAllocations))
	}
	p.ledgersMu.RUnlock()

	p.executorsMu.RLock()
	for name, provider := range p.executors {
		stats := provider.Stats()
		p.executorQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.executorActive.WithLabelValues(name).Set(float64(stats.Active))
		p.executorWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.executorRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
		p.executorCompleted.WithLabelValues(name).Set(float64(stats.Completed))
		p.executorFailed.WithLabelValues(name).Set(float64(stats.Failed))
	}
	p.executorsMu.RUnlock()
}
