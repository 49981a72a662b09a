package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/Swind/go-workflow-orchestrator/core"
	"github.com/Swind/go-workflow-orchestrator/executor"
)

var errSimulatedFailure = errors.New("simulated workflow failure")

// simulatedWork stands in for a real workflow: it holds a worker for a short
// random time and reports a usage sample.
type simulatedWork struct {
	min, max time.Duration
	usage    core.Resources
	failRate float64
}

func (s simulatedWork) run(ctx context.Context, job executor.Job) (core.Resources, error) {
	d := s.min
	if s.max > s.min {
		d += rand.N(s.max - s.min)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return core.Resources{}, ctx.Err()
	case <-timer.C:
	}
	if s.failRate > 0 && rand.Float64() < s.failRate {
		return s.usage, errSimulatedFailure
	}
	return s.usage, nil
}

// registerDemoHandlers installs the simulated handlers used when the daemon
// runs without an external executor.
func registerDemoHandlers(x *executor.LocalExecutor) {
	x.Handle("document", simulatedWork{
		min:   50 * time.Millisecond,
		max:   200 * time.Millisecond,
		usage: core.Resources{CPU: 1.5, Memory: 384, IO: 4},
	}.run)
	x.Handle("report", simulatedWork{
		min:   200 * time.Millisecond,
		max:   time.Second,
		usage: core.Resources{CPU: 4, Memory: 1024, IO: 12},
	}.run)
	x.Handle("flaky", simulatedWork{
		min:      20 * time.Millisecond,
		max:      80 * time.Millisecond,
		usage:    core.Resources{CPU: 0.5, Memory: 128, IO: 1},
		failRate: 0.5,
	}.run)
	x.HandleDefault(simulatedWork{
		min:   20 * time.Millisecond,
		max:   100 * time.Millisecond,
		usage: core.Resources{CPU: 1, Memory: 256, IO: 2},
	}.run)
}
