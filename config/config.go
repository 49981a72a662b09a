// Package config loads daemon configuration from a YAML file and ORCH_*
// environment overrides and converts it to core.Config.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Swind/go-workflow-orchestrator/core"
	"github.com/Swind/go-workflow-orchestrator/observability/tracing"
)

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ResourcesConfig is the total capacity managed by the ledger.
type ResourcesConfig struct {
	CPU    float64 `yaml:"cpu"`
	Memory float64 `yaml:"memory"`
	IO     float64 `yaml:"io"`
}

// SchedulerConfig holds admission and loop settings. Maps are keyed by
// priority name.
type SchedulerConfig struct {
	Algorithm              string                          `yaml:"algorithm"`
	TimeSlice              time.Duration                   `yaml:"timeSlice"`
	HealthInterval         time.Duration                   `yaml:"healthInterval"`
	HighLoadThreshold      float64                         `yaml:"highLoadThreshold"`
	LowLoadThreshold       float64                         `yaml:"lowLoadThreshold"`
	FairShareWeights       map[string]int                  `yaml:"fairShareWeights"`
	ConcurrencyLimits      map[string]int                  `yaml:"concurrencyLimits"`
	DeferDelays            map[string]time.Duration        `yaml:"deferDelays"`
	MaxConcurrentWorkflows int                             `yaml:"maxConcurrentWorkflows"`
	PriorityMultipliers    map[string]float64              `yaml:"priorityMultipliers"`
	EstimateTable          map[string]core.EstimateProfile `yaml:"estimateTable"`
	DecisionHistory        int                             `yaml:"decisionHistory"`
}

// RetryConfig holds workflow backoff and store write retries.
type RetryConfig struct {
	MaxRetries       int           `yaml:"maxRetries"`
	BackoffBase      time.Duration `yaml:"backoffBase"`
	BackoffMaxJitter time.Duration `yaml:"backoffMaxJitter"`

	StoreMaxRetries   int           `yaml:"storeMaxRetries"`
	StoreInitialDelay time.Duration `yaml:"storeInitialDelay"`
	StoreMaxDelay     time.Duration `yaml:"storeMaxDelay"`
}

// StoreConfig selects the audit store backend.
type StoreConfig struct {
	Driver          string        `yaml:"driver"` // memory or postgres
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	JournalCapacity int           `yaml:"journalCapacity"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"` // per audit record write attempt
}

// ExecutorConfig configures the local worker pool.
type ExecutorConfig struct {
	Workers int `yaml:"workers"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Namespace    string        `yaml:"namespace"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// HostConfig enables the host health component.
type HostConfig struct {
	Enabled     bool          `yaml:"enabled"`
	CPUInterval time.Duration `yaml:"cpuInterval"`
}

// File is the daemon configuration document.
type File struct {
	Server    ServerConfig          `yaml:"server"`
	Log       LogConfig             `yaml:"log"`
	Resources ResourcesConfig       `yaml:"resources"`
	Scheduler SchedulerConfig       `yaml:"scheduler"`
	Retry     RetryConfig           `yaml:"retry"`
	Health    core.HealthThresholds `yaml:"health"`
	Store     StoreConfig           `yaml:"store"`
	Executor  ExecutorConfig        `yaml:"executor"`
	Metrics   MetricsConfig         `yaml:"metrics"`
	Tracing   tracing.Options       `yaml:"tracing"`
	Host      HostConfig            `yaml:"host"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	d := core.DefaultConfig()
	return &File{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Resources: ResourcesConfig{
			CPU:    d.TotalResources.CPU,
			Memory: d.TotalResources.Memory,
			IO:     d.TotalResources.IO,
		},
		Scheduler: SchedulerConfig{
			Algorithm:           string(d.Algorithm),
			TimeSlice:           d.TimeSlice,
			HealthInterval:      d.HealthInterval,
			HighLoadThreshold:   d.HighLoadThreshold,
			LowLoadThreshold:    d.LowLoadThreshold,
			FairShareWeights:    byName(d.FairShareWeights),
			ConcurrencyLimits:   byName(d.ConcurrencyLimits),
			DeferDelays:         byName(d.DeferDelays),
			PriorityMultipliers: byName(d.PriorityMultipliers),
			EstimateTable:       d.EstimateTable,
			DecisionHistory:     d.DecisionHistory,
		},
		Retry: RetryConfig{
			MaxRetries:        d.DefaultMaxRetries,
			BackoffBase:       d.Backoff.Base,
			BackoffMaxJitter:  d.Backoff.MaxJitter,
			StoreMaxRetries:   d.StoreRetryPolicy.MaxRetries,
			StoreInitialDelay: d.StoreRetryPolicy.InitialDelay,
			StoreMaxDelay:     d.StoreRetryPolicy.MaxDelay,
		},
		Health:   d.HealthThresholds,
		Store:    StoreConfig{Driver: "memory", MaxOpenConns: 8, JournalCapacity: d.JournalCapacity, WriteTimeout: d.StoreTimeout},
		Executor: ExecutorConfig{Workers: 8},
		Metrics:  MetricsConfig{Enabled: true, Namespace: "orchestrator", PollInterval: 5 * time.Second},
		Tracing:  tracing.Options{Exporter: "none", ServiceName: "orchestratord"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. A missing path with an empty name yields the defaults.
func Load(path string) (*File, error) {
	f := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: %s does not exist", path)
			}
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := f.parse(data); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := f.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return f, nil
}

// Parse decodes a YAML document over the defaults and validates it.
func Parse(data []byte) (*File, error) {
	f := Default()
	if err := f.parse(data); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return f, nil
}

func (f *File) parse(data []byte) error {
	return yaml.Unmarshal(data, f)
}

// YAML renders the effective configuration.
func (f *File) YAML() ([]byte, error) {
	return yaml.Marshal(f)
}

// Validate checks values that cannot be defaulted.
func (f *File) Validate() error {
	if _, err := core.ParseAlgorithm(f.Scheduler.Algorithm); err != nil {
		return err
	}
	if f.Resources.CPU < 0 || f.Resources.Memory < 0 || f.Resources.IO < 0 {
		return fmt.Errorf("resources must be non-negative")
	}
	if f.Scheduler.LowLoadThreshold > f.Scheduler.HighLoadThreshold {
		return fmt.Errorf("scheduler.lowLoadThreshold %.2f exceeds highLoadThreshold %.2f",
			f.Scheduler.LowLoadThreshold, f.Scheduler.HighLoadThreshold)
	}
	for _, m := range []map[string]int{f.Scheduler.FairShareWeights, f.Scheduler.ConcurrencyLimits} {
		if _, err := byPriority(m); err != nil {
			return err
		}
	}
	if _, err := byPriority(f.Scheduler.DeferDelays); err != nil {
		return err
	}
	if _, err := byPriority(f.Scheduler.PriorityMultipliers); err != nil {
		return err
	}
	switch f.Store.Driver {
	case "memory":
	case "postgres":
		if f.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", f.Store.Driver)
	}
	switch strings.ToLower(f.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", f.Log.Format)
	}
	return nil
}

// CoreConfig converts the scheduler settings. Collaborators (store, logger,
// metrics, sinks, tracer, host sampler) are left for the caller to wire.
func (f *File) CoreConfig() (*core.Config, error) {
	alg, err := core.ParseAlgorithm(f.Scheduler.Algorithm)
	if err != nil {
		return nil, err
	}
	weights, err := byPriority(f.Scheduler.FairShareWeights)
	if err != nil {
		return nil, err
	}
	limits, err := byPriority(f.Scheduler.ConcurrencyLimits)
	if err != nil {
		return nil, err
	}
	delays, err := byPriority(f.Scheduler.DeferDelays)
	if err != nil {
		return nil, err
	}
	multipliers, err := byPriority(f.Scheduler.PriorityMultipliers)
	if err != nil {
		return nil, err
	}

	cfg := core.DefaultConfig()
	cfg.TotalResources = core.Resources{CPU: f.Resources.CPU, Memory: f.Resources.Memory, IO: f.Resources.IO}
	cfg.TimeSlice = f.Scheduler.TimeSlice
	cfg.HealthInterval = f.Scheduler.HealthInterval
	cfg.Algorithm = alg
	cfg.FairShareWeights = weights
	cfg.HighLoadThreshold = f.Scheduler.HighLoadThreshold
	cfg.LowLoadThreshold = f.Scheduler.LowLoadThreshold
	cfg.ConcurrencyLimits = limits
	cfg.DeferDelays = delays
	cfg.MaxConcurrentWorkflows = f.Scheduler.MaxConcurrentWorkflows
	cfg.PriorityMultipliers = multipliers
	if len(f.Scheduler.EstimateTable) > 0 {
		cfg.EstimateTable = f.Scheduler.EstimateTable
	}
	cfg.DecisionHistory = f.Scheduler.DecisionHistory
	cfg.DefaultMaxRetries = f.Retry.MaxRetries
	cfg.Backoff = core.BackoffPolicy{Base: f.Retry.BackoffBase, MaxJitter: f.Retry.BackoffMaxJitter}
	cfg.StoreRetryPolicy = core.RetryPolicy{
		MaxRetries:   f.Retry.StoreMaxRetries,
		InitialDelay: f.Retry.StoreInitialDelay,
		MaxDelay:     f.Retry.StoreMaxDelay,
		BackoffRatio: cfg.StoreRetryPolicy.BackoffRatio,
	}
	cfg.HealthThresholds = f.Health
	cfg.JournalCapacity = f.Store.JournalCapacity
	cfg.StoreTimeout = f.Store.WriteTimeout
	return cfg, nil
}

// NewLogger builds the slog logger described by c.
func NewLogger(c LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func byName[V any](m map[core.Priority]V) map[string]V {
	out := make(map[string]V, len(m))
	for p, v := range m {
		out[p.String()] = v
	}
	return out
}

func byPriority[V any](m map[string]V) (map[core.Priority]V, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[core.Priority]V, len(m))
	for name, v := range m {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: empty priority key", core.ErrInvalidPriority)
		}
		p, err := core.ParsePriority(name)
		if err != nil {
			return nil, err
		}
		out[p] = v
	}
	return out, nil
}
