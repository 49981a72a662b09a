package core

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// =============================================================================
// Orchestrator Configuration
// =============================================================================

// Config holds orchestrator settings and collaborators. Zero values are
// replaced by the defaults of DefaultConfig.
type Config struct {
	// TotalResources is the fixed capacity managed by the ledger.
	TotalResources Resources

	// TimeSlice is the scheduling loop period.
	TimeSlice time.Duration

	// HealthInterval is the health aggregation period.
	HealthInterval time.Duration

	Algorithm         Algorithm
	FairShareWeights  map[Priority]int
	HighLoadThreshold float64
	LowLoadThreshold  float64

	// ConcurrencyLimits is the running ceiling per tier; critical is never bounded.
	ConcurrencyLimits map[Priority]int

	// DeferDelays is the base deferral per tier.
	DeferDelays map[Priority]time.Duration

	// MaxConcurrentWorkflows is the global ceiling used by the executor
	// health check. 0 means the sum of the tier limits.
	MaxConcurrentWorkflows int

	EstimateTable       map[string]EstimateProfile
	PriorityMultipliers map[Priority]float64

	Backoff           BackoffPolicy
	DefaultMaxRetries int

	HealthThresholds HealthThresholds

	// StoreRetryPolicy governs journal writes.
	StoreRetryPolicy RetryPolicy
	JournalCapacity  int
	// StoreTimeout bounds each journal write attempt.
	StoreTimeout time.Duration

	// DecisionHistory bounds the per-entry decision log kept in memory.
	DecisionHistory int

	Store        Store
	Serializer   PayloadSerializer
	Logger       Logger
	Metrics      Metrics
	Sinks        []Sink
	Tuner        Tuner
	HostSampler  HostSampler
	ErrorHandler ErrorHandler
	Tracer       trace.Tracer

	// Clock and Jitter are injectable for tests.
	Clock  func() time.Time
	Jitter JitterFunc
}

// DefaultConfig returns the built-in configuration with an in-memory store.
func DefaultConfig() *Config {
	return &Config{
		TotalResources:      Resources{CPU: 100, Memory: 8192, IO: 100},
		TimeSlice:           100 * time.Millisecond,
		HealthInterval:      5 * time.Second,
		Algorithm:           AlgorithmAdaptive,
		FairShareWeights:    DefaultFairShareWeights(),
		HighLoadThreshold:   0.8,
		LowLoadThreshold:    0.3,
		ConcurrencyLimits:   DefaultConcurrencyLimits(),
		DeferDelays:         DefaultDeferDelays(),
		EstimateTable:       DefaultEstimateTable(),
		PriorityMultipliers: DefaultPriorityMultipliers(),
		Backoff:             DefaultBackoffPolicy(),
		DefaultMaxRetries:   DefaultMaxRetries,
		HealthThresholds:    DefaultHealthThresholds(),
		StoreRetryPolicy:    DefaultRetryPolicy(),
		JournalCapacity:     defaultJournalCapacity,
		StoreTimeout:        defaultStoreTimeout,
		DecisionHistory:     16,
		Store:               NewMemoryStore(),
		Serializer:          NewJSONSerializer(),
		Logger:              NewNoOpLogger(),
		Metrics:             &NilMetrics{},
		Tuner:               NoopTuner{},
		Clock:               time.Now,
		Jitter:              RandomJitter,
	}
}

// withDefaults returns a copy of c with zero fields filled in.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if !out.TotalResources.AnyPositive() {
		out.TotalResources = d.TotalResources
	}
	if out.TimeSlice <= 0 {
		out.TimeSlice = d.TimeSlice
	}
	if out.HealthInterval <= 0 {
		out.HealthInterval = d.HealthInterval
	}
	if out.Algorithm == "" {
		out.Algorithm = d.Algorithm
	}
	if out.FairShareWeights == nil {
		out.FairShareWeights = d.FairShareWeights
	}
	if out.HighLoadThreshold <= 0 {
		out.HighLoadThreshold = d.HighLoadThreshold
	}
	if out.LowLoadThreshold <= 0 {
		out.LowLoadThreshold = d.LowLoadThreshold
	}
	if out.ConcurrencyLimits == nil {
		out.ConcurrencyLimits = d.ConcurrencyLimits
	}
	if out.DeferDelays == nil {
		out.DeferDelays = d.DeferDelays
	}
	if out.MaxConcurrentWorkflows <= 0 {
		for _, n := range out.ConcurrencyLimits {
			if n > 0 {
				out.MaxConcurrentWorkflows += n
			}
		}
	}
	if out.EstimateTable == nil {
		out.EstimateTable = d.EstimateTable
	}
	if out.PriorityMultipliers == nil {
		out.PriorityMultipliers = d.PriorityMultipliers
	}
	if out.Backoff.Base <= 0 {
		out.Backoff = d.Backoff
	}
	if out.DefaultMaxRetries <= 0 {
		out.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if out.HealthThresholds == (HealthThresholds{}) {
		out.HealthThresholds = d.HealthThresholds
	}
	if out.HealthThresholds.CheckTimeout <= 0 {
		out.HealthThresholds.CheckTimeout = d.HealthThresholds.CheckTimeout
	}
	if out.StoreRetryPolicy == (RetryPolicy{}) {
		out.StoreRetryPolicy = d.StoreRetryPolicy
	}
	if out.JournalCapacity <= 0 {
		out.JournalCapacity = d.JournalCapacity
	}
	if out.StoreTimeout <= 0 {
		out.StoreTimeout = d.StoreTimeout
	}
	if out.DecisionHistory <= 0 {
		out.DecisionHistory = d.DecisionHistory
	}
	if out.Store == nil {
		out.Store = d.Store
	}
	if out.Serializer == nil {
		out.Serializer = d.Serializer
	}
	if out.Logger == nil {
		out.Logger = d.Logger
	}
	if out.Metrics == nil {
		out.Metrics = d.Metrics
	}
	if out.Tuner == nil {
		out.Tuner = d.Tuner
	}
	if out.Tracer == nil {
		out.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if out.Clock == nil {
		out.Clock = d.Clock
	}
	if out.Jitter == nil {
		out.Jitter = d.Jitter
	}
	return &out
}
