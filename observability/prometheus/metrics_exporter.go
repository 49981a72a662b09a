package prometheus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-workflow-orchestrator/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	LatencyBuckets  []float64
	DurationBuckets []float64
}

// MetricsExporter adapts core.Metrics and core.Sink to Prometheus collectors.
type MetricsExporter struct {
	decisionsTotal           *prom.CounterVec
	schedulingLatencySeconds prom.Histogram
	workflowOutcomesTotal    *prom.CounterVec
	workflowDurationSeconds  *prom.HistogramVec
	queueDepth               prom.Gauge

	concurrentWorkflows *prom.GaugeVec
	resourceUtilization *prom.GaugeVec
	successRate         prom.Gauge
	throughput          prom.Gauge
	efficiency          prom.Gauge
	healthStatus        *prom.GaugeVec
	activeAlerts        prom.Gauge
}

var (
	_ core.Metrics = (*MetricsExporter)(nil)
	_ core.Sink    = (*MetricsExporter)(nil)
)

// NewMetricsExporter creates and registers Prometheus collectors.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "orchestrator"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	latencyBuckets := opts.LatencyBuckets
	if len(latencyBuckets) == 0 {
		latencyBuckets = []float64{.0005, .001, .005, .01, .05, .1, .5, 1}
	}
	durationBuckets := opts.DurationBuckets
	if len(durationBuckets) == 0 {
		durationBuckets = prom.ExponentialBuckets(1, 4, 8)
	}

	decisions := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_total",
		Help:      "Admission decisions by priority and verdict.",
	}, []string{"priority", "decision"})
	latency := prom.NewHistogram(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduling_latency_seconds",
		Help:      "Time taken by one ScheduleWorkflow call.",
		Buckets:   latencyBuckets,
	})
	outcomes := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_outcomes_total",
		Help:      "Workflow outcomes by priority.",
	}, []string{"priority", "outcome"})
	duration := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_duration_seconds",
		Help:      "Time from scheduling to a terminal outcome.",
		Buckets:   durationBuckets,
	}, []string{"priority", "outcome"})
	queueDepth := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "deferred_queue_depth",
		Help:      "Entries waiting in the deferred queue.",
	})
	concurrent := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "concurrent_workflows",
		Help:      "Running workflows per priority tier.",
	}, []string{"priority"})
	utilization := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "resource_utilization_ratio",
		Help:      "Allocated / total capacity per resource dimension.",
	}, []string{"resource"})
	successRate := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "workflow_success_ratio",
		Help:      "Completed / (completed + permanently failed).",
	})
	throughput := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "throughput_per_minute",
		Help:      "Completed workflows per minute since start.",
	})
	efficiency := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "allocation_efficiency_ratio",
		Help:      "Average efficiency of closed allocations.",
	})
	health := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "health_status",
		Help:      "Component health (0=healthy, 1=degraded, 2=critical).",
	}, []string{"component"})
	alerts := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "active_alerts",
		Help:      "Number of active health alerts.",
	})

	var err error
	if decisions, err = registerCollector(reg, decisions); err != nil {
		return nil, err
	}
	if latency, err = registerCollector(reg, latency); err != nil {
		return nil, err
	}
	if outcomes, err = registerCollector(reg, outcomes); err != nil {
		return nil, err
	}
	if duration, err = registerCollector(reg, duration); err != nil {
		return nil, err
	}
	if queueDepth, err = registerCollector(reg, queueDepth); err != nil {
		return nil, err
	}
	if concurrent, err = registerCollector(reg, concurrent); err != nil {
		return nil, err
	}
	if utilization, err = registerCollector(reg, utilization); err != nil {
		return nil, err
	}
	if successRate, err = registerCollector(reg, successRate); err != nil {
		return nil, err
	}
	if throughput, err = registerCollector(reg, throughput); err != nil {
		return nil, err
	}
	if efficiency, err = registerCollector(reg, efficiency); err != nil {
		return nil, err
	}
	if health, err = registerCollector(reg, health); err != nil {
		return nil, err
	}
	if alerts, err = registerCollector(reg, alerts); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		decisionsTotal:           decisions,
		schedulingLatencySeconds: latency,
		workflowOutcomesTotal:    outcomes,
		workflowDurationSeconds:  duration,
		queueDepth:               queueDepth,
		concurrentWorkflows:      concurrent,
		resourceUtilization:      utilization,
		successRate:              successRate,
		throughput:               throughput,
		efficiency:               efficiency,
		healthStatus:             health,
		activeAlerts:             alerts,
	}, nil
}

// RecordDecision counts an admission verdict.
func (m *MetricsExporter) RecordDecision(priority core.Priority, decision core.DecisionKind) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(priority.String(), normalizeLabel(string(decision), "unknown")).Inc()
}

// RecordSchedulingLatency records one ScheduleWorkflow call.
func (m *MetricsExporter) RecordSchedulingLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.schedulingLatencySeconds.Observe(d.Seconds())
}

// RecordWorkflowOutcome counts an outcome; terminal outcomes also observe
// their duration.
func (m *MetricsExporter) RecordWorkflowOutcome(priority core.Priority, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome = normalizeLabel(outcome, "unknown")
	m.workflowOutcomesTotal.WithLabelValues(priority.String(), outcome).Inc()
	if duration > 0 {
		m.workflowDurationSeconds.WithLabelValues(priority.String(), outcome).Observe(duration.Seconds())
	}
}

// RecordQueueDepth records the deferred queue length.
func (m *MetricsExporter) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// PublishMetrics exports an orchestration metrics snapshot as gauges.
func (m *MetricsExporter) PublishMetrics(_ context.Context, metrics core.OrchestrationMetrics) error {
	if m == nil {
		return nil
	}
	for _, p := range core.Priorities {
		m.concurrentWorkflows.WithLabelValues(p.String()).Set(float64(metrics.ActiveByPriority[p.String()]))
	}
	m.resourceUtilization.WithLabelValues("cpu").Set(metrics.ResourceUtilization.CPU)
	m.resourceUtilization.WithLabelValues("memory").Set(metrics.ResourceUtilization.Memory)
	m.resourceUtilization.WithLabelValues("io").Set(metrics.ResourceUtilization.IO)
	m.successRate.Set(metrics.WorkflowSuccessRate)
	m.throughput.Set(metrics.Throughput)
	m.efficiency.Set(metrics.AverageEfficiency)
	m.queueDepth.Set(float64(metrics.QueueDepth))
	return nil
}

// PublishHealth exports component health levels and the active alert count.
func (m *MetricsExporter) PublishHealth(_ context.Context, health core.SystemHealth) error {
	if m == nil {
		return nil
	}
	m.healthStatus.WithLabelValues("overall").Set(healthValue(health.Overall))
	for name, c := range health.Components {
		m.healthStatus.WithLabelValues(name).Set(healthValue(c.Status))
	}
	m.activeAlerts.Set(float64(len(health.Alerts)))
	return nil
}

func healthValue(level core.HealthLevel) float64 {
	switch level {
	case core.HealthCritical:
		return 2
	case core.HealthDegraded:
		return 1
	default:
		return 0
	}
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
