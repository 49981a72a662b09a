package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Swind/go-workflow-orchestrator/core"
	"github.com/Swind/go-workflow-orchestrator/executor"
)

// Local runs an Orchestrator together with an in-process worker pool.
// The executor reports workflow events back to the orchestrator.
type Local struct {
	*core.Orchestrator
	Executor *executor.LocalExecutor

	runningMu sync.RWMutex
	running   bool
}

// NewLocal creates an orchestrator driving a LocalExecutor. The executor
// inherits the orchestrator's logger and tracer unless execCfg sets its own.
func NewLocal(cfg *core.Config, execCfg executor.Config) (*Local, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if execCfg.Logger == nil {
		execCfg.Logger = cfg.Logger
	}
	if execCfg.Tracer == nil {
		execCfg.Tracer = cfg.Tracer
	}
	if execCfg.Clock == nil {
		execCfg.Clock = cfg.Clock
	}

	exec := executor.New(execCfg)
	orch, err := core.New(exec, cfg)
	if err != nil {
		return nil, err
	}
	exec.SetEventHandler(orch)
	return &Local{Orchestrator: orch, Executor: exec}, nil
}

// Start starts the workers, then the scheduling and health loops.
func (l *Local) Start(ctx context.Context) error {
	l.runningMu.Lock()
	defer l.runningMu.Unlock()

	if l.running {
		return nil
	}
	l.Executor.Start(ctx)
	if err := l.Orchestrator.Start(ctx); err != nil {
		l.Executor.Stop()
		return err
	}
	l.running = true
	return nil
}

// Stop halts the loops, cancels running workflows and closes the
// orchestrator. Queued workflows are failed and counted as retries.
func (l *Local) Stop(ctx context.Context) error {
	return l.stop(ctx, func() error {
		l.Executor.Stop()
		return nil
	})
}

// StopGraceful halts the loops and waits up to timeout for the workers to
// drain before closing the orchestrator.
func (l *Local) StopGraceful(ctx context.Context, timeout time.Duration) error {
	return l.stop(ctx, func() error {
		return l.Executor.StopGraceful(timeout)
	})
}

func (l *Local) stop(ctx context.Context, stopExecutor func() error) error {
	l.runningMu.Lock()
	defer l.runningMu.Unlock()

	// No new dispatches once the loop is stopped; workflow events are still
	// accepted until Close.
	loopErr := l.Orchestrator.Stop(ctx)
	execErr := stopExecutor()
	closeErr := l.Orchestrator.Close(ctx)
	l.running = false
	return errors.Join(loopErr, execErr, closeErr)
}

// IsRunning reports whether Start has been called without a matching stop.
func (l *Local) IsRunning() bool {
	l.runningMu.RLock()
	defer l.runningMu.RUnlock()
	return l.running
}

var (
	global   *Local
	globalMu sync.Mutex
)

// InitGlobal creates and starts the process-wide orchestrator with the
// default configuration and the given number of workers.
func InitGlobal(workers int) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		return
	}
	l, err := NewLocal(core.DefaultConfig(), executor.Config{ID: "global", Workers: workers})
	if err != nil {
		panic(err)
	}
	if err := l.Start(context.Background()); err != nil {
		panic(err)
	}
	global = l
}

// Global returns the process-wide orchestrator.
// It panics if InitGlobal has not been called.
func Global() *Local {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global == nil {
		panic("global orchestrator not initialized. Call InitGlobal() first.")
	}
	return global
}

// ShutdownGlobal stops the process-wide orchestrator.
func ShutdownGlobal() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = global.Stop(ctx)
		global = nil
	}
}
