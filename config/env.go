package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Environment variables read by ApplyEnv.
const (
	EnvServerAddr     = "ORCH_SERVER_ADDR"
	EnvLogLevel       = "ORCH_LOG_LEVEL"
	EnvLogFormat      = "ORCH_LOG_FORMAT"
	EnvAlgorithm      = "ORCH_ALGORITHM"
	EnvTimeSlice      = "ORCH_TIME_SLICE"
	EnvHealthInterval = "ORCH_HEALTH_INTERVAL"
	EnvTotalCPU       = "ORCH_TOTAL_CPU"
	EnvTotalMemory    = "ORCH_TOTAL_MEMORY"
	EnvTotalIO        = "ORCH_TOTAL_IO"
	EnvMaxRetries     = "ORCH_MAX_RETRIES"
	EnvStoreDriver    = "ORCH_STORE_DRIVER"
	EnvStoreDSN       = "ORCH_STORE_DSN"
	EnvWorkers        = "ORCH_EXECUTOR_WORKERS"
	EnvMetrics        = "ORCH_METRICS_ENABLED"
	EnvTraceExporter  = "ORCH_TRACE_EXPORTER"
	EnvHostMetrics    = "ORCH_HOST_METRICS"
)

// ApplyEnv overrides fields from the environment. getenv is usually os.Getenv.
// Malformed values are errors rather than silently ignored.
func (f *File) ApplyEnv(getenv func(string) string) error {
	e := envReader{getenv: getenv}

	e.str(EnvServerAddr, &f.Server.Addr)
	e.str(EnvLogLevel, &f.Log.Level)
	e.str(EnvLogFormat, &f.Log.Format)
	e.str(EnvAlgorithm, &f.Scheduler.Algorithm)
	e.duration(EnvTimeSlice, &f.Scheduler.TimeSlice)
	e.duration(EnvHealthInterval, &f.Scheduler.HealthInterval)
	e.float(EnvTotalCPU, &f.Resources.CPU)
	e.float(EnvTotalMemory, &f.Resources.Memory)
	e.float(EnvTotalIO, &f.Resources.IO)
	e.int(EnvMaxRetries, &f.Retry.MaxRetries)
	e.str(EnvStoreDriver, &f.Store.Driver)
	e.str(EnvStoreDSN, &f.Store.DSN)
	e.int(EnvWorkers, &f.Executor.Workers)
	e.bool(EnvMetrics, &f.Metrics.Enabled)
	e.str(EnvTraceExporter, &f.Tracing.Exporter)
	e.bool(EnvHostMetrics, &f.Host.Enabled)

	return e.err
}

// envReader keeps the first parse error.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.getenv(key))
	return v, v != ""
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s=%q: %w", key, v, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = f
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		*dst = true
	case "0", "false", "no":
		*dst = false
	default:
		e.fail(key, v, fmt.Errorf("not a boolean"))
	}
}
