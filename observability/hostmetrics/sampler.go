// Package hostmetrics samples machine CPU and memory load for the host
// health component.
package hostmetrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Swind/go-workflow-orchestrator/core"
)

// Sampler implements core.HostSampler with gopsutil.
type Sampler struct {
	// Interval is the CPU measurement window; 0 compares against the
	// previous call.
	Interval time.Duration
	Clock    func() time.Time

	cpuPercent func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
	virtualMem func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

var _ core.HostSampler = (*Sampler)(nil)

// New creates a sampler reading the local machine.
func New(interval time.Duration) *Sampler {
	return &Sampler{
		Interval:   interval,
		Clock:      time.Now,
		cpuPercent: cpu.PercentWithContext,
		virtualMem: mem.VirtualMemoryWithContext,
	}
}

// Sample returns overall CPU and memory usage in percent.
func (s *Sampler) Sample(ctx context.Context) (core.HostMetrics, error) {
	cpus, err := s.cpuPercent(ctx, s.Interval, false)
	if err != nil {
		return core.HostMetrics{}, fmt.Errorf("cpu percent: %w", err)
	}
	if len(cpus) == 0 {
		return core.HostMetrics{}, fmt.Errorf("cpu percent: no samples")
	}
	vm, err := s.virtualMem(ctx)
	if err != nil {
		return core.HostMetrics{}, fmt.Errorf("virtual memory: %w", err)
	}
	return core.HostMetrics{
		CPUPercent:    cpus[0],
		MemoryPercent: vm.UsedPercent,
		SampledAt:     s.Clock(),
	}, nil
}
