package core

import "time"

// OrchestrationMetrics is a point-in-time copy of orchestrator counters.
type OrchestrationMetrics struct {
	TotalScheduled       int64          `json:"totalScheduled"`
	ConcurrentWorkflows  int            `json:"concurrentWorkflows"`
	ActiveByPriority     map[string]int `json:"activeByPriority"`
	QueueDepth           int            `json:"queueDepth"`
	AvgSchedulingLatency time.Duration  `json:"avgSchedulingLatency"`
	ResourceUtilization  Load           `json:"resourceUtilization"`
	AggregateLoad        float64        `json:"aggregateLoad"`
	AverageEfficiency    float64        `json:"averageEfficiency"`

	// WorkflowSuccessRate is completed / (completed + permanently failed);
	// 1 when nothing has finished yet.
	WorkflowSuccessRate float64 `json:"workflowSuccessRate"`

	// Throughput is completed workflows per minute since start.
	Throughput float64       `json:"throughput"`
	Uptime     time.Duration `json:"uptime"`

	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Retried     int64 `json:"retried"`
	Deferred    int64 `json:"deferred"`
	Prioritized int64 `json:"prioritized"`
	Rejected    int64 `json:"rejected"`
	Cancelled   int64 `json:"cancelled"`

	// DroppedEvents counts executor events for workflow ids that were never
	// bound to an entry.
	DroppedEvents int64 `json:"droppedEvents"`

	Ticks       int64        `json:"ticks"`
	LastTickAt  time.Time    `json:"lastTickAt"`
	Journal     JournalStats `json:"journal"`
	CollectedAt time.Time    `json:"collectedAt"`
}

// counters are mutated under the orchestrator's state lock.
type counters struct {
	totalScheduled int64
	completed      int64
	failed         int64
	retried        int64
	deferred       int64
	prioritized    int64
	rejected       int64
	cancelled      int64
	droppedEvents  int64
	ticks          int64
	lastTickAt     time.Time

	latencySum   time.Duration
	latencyCount int64
}

func (c *counters) observeLatency(d time.Duration) {
	c.latencySum += d
	c.latencyCount++
}

func (c *counters) avgLatency() time.Duration {
	if c.latencyCount == 0 {
		return 0
	}
	return c.latencySum / time.Duration(c.latencyCount)
}

func (c *counters) successRate() float64 {
	finished := c.completed + c.failed
	if finished == 0 {
		return 1
	}
	return float64(c.completed) / float64(finished)
}

func (c *counters) throughput(uptime time.Duration) float64 {
	if uptime <= 0 {
		return 0
	}
	return float64(c.completed) / uptime.Minutes()
}
