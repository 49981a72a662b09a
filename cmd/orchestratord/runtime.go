package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	orchestrator "github.com/Swind/go-workflow-orchestrator"
	"github.com/Swind/go-workflow-orchestrator/config"
	"github.com/Swind/go-workflow-orchestrator/core"
	"github.com/Swind/go-workflow-orchestrator/executor"
	"github.com/Swind/go-workflow-orchestrator/observability/hostmetrics"
	obs "github.com/Swind/go-workflow-orchestrator/observability/prometheus"
	"github.com/Swind/go-workflow-orchestrator/observability/tracing"
	"github.com/Swind/go-workflow-orchestrator/store/postgres"
)

// runtime is every long-lived component built from one configuration file.
type runtime struct {
	cfg    *config.File
	logger core.Logger

	local    *orchestrator.Local
	registry *prom.Registry
	poller   *obs.SnapshotPoller

	closers []func(context.Context) error
}

// buildRuntime wires the store, logger, metrics, tracing and executor into
// an orchestrator. Nothing is started.
func buildRuntime(ctx context.Context, f *config.File, logOut io.Writer) (_ *runtime, err error) {
	rt := &runtime{cfg: f}
	defer func() {
		if err != nil {
			_ = rt.close(context.Background())
		}
	}()

	slogger := config.NewLogger(f.Log, logOut)
	rt.logger = core.NewSlogLogger(slogger)

	cfg, err := f.CoreConfig()
	if err != nil {
		return nil, err
	}
	cfg.Logger = rt.logger

	switch f.Store.Driver {
	case "postgres":
		pg, err := postgres.Open(ctx, f.Store.DSN, postgres.Options{
			MaxOpenConns:    f.Store.MaxOpenConns,
			ConnMaxLifetime: f.Store.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return pg.Close() })
		cfg.Store = pg
	default:
		cfg.Store = core.NewMemoryStore()
	}

	tracer, shutdown, err := tracing.Init(ctx, f.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	rt.closers = append(rt.closers, shutdown)
	cfg.Tracer = tracer

	if f.Metrics.Enabled {
		rt.registry = prom.NewRegistry()
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		exporter, err := obs.NewMetricsExporter(f.Metrics.Namespace, rt.registry, obs.ExporterOptions{})
		if err != nil {
			return nil, fmt.Errorf("metrics exporter: %w", err)
		}
		cfg.Metrics = exporter
		cfg.Sinks = append(cfg.Sinks, exporter)

		rt.poller, err = obs.NewSnapshotPoller(rt.registry, f.Metrics.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("snapshot poller: %w", err)
		}
	}

	if f.Host.Enabled {
		cfg.HostSampler = hostmetrics.New(f.Host.CPUInterval)
	}

	rt.local, err = orchestrator.NewLocal(cfg, executor.Config{
		ID:      "local",
		Workers: f.Executor.Workers,
	})
	if err != nil {
		return nil, err
	}
	registerDemoHandlers(rt.local.Executor)

	if rt.poller != nil {
		rt.poller.AddLedger("main", rt.local)
		rt.poller.AddExecutor("local", rt.local.Executor)
	}
	return rt, nil
}

func (rt *runtime) start(ctx context.Context) error {
	if err := rt.local.Start(ctx); err != nil {
		return err
	}
	if rt.poller != nil {
		rt.poller.Start(ctx)
	}
	return nil
}

// metricsHandler is nil when metrics are disabled.
func (rt *runtime) metricsHandler() http.Handler {
	if rt.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{Registry: rt.registry})
}

// close stops everything in reverse build order.
func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if rt.poller != nil {
		rt.poller.Stop()
	}
	if rt.local != nil {
		errs = append(errs, rt.local.StopGraceful(ctx, rt.cfg.Server.ShutdownTimeout))
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i](ctx))
	}
	rt.closers = nil
	return errors.Join(errs...)
}
