package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/Swind/go-workflow-orchestrator/core"
	"github.com/Swind/go-workflow-orchestrator/httpapi"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the orchestrator and its HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address, overrides server.addr",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	f, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		f.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, f, os.Stderr)
	if err != nil {
		return cli.Exit(fmt.Sprintf("build orchestrator: %v", err), 1)
	}
	if err := rt.start(context.WithoutCancel(ctx)); err != nil {
		_ = rt.close(context.Background())
		return cli.Exit(fmt.Sprintf("start orchestrator: %v", err), 1)
	}

	api := httpapi.NewServer(rt.local.Orchestrator,
		httpapi.WithLogger(rt.logger),
		httpapi.WithMetricsHandler(rt.metricsHandler()))
	srv := &http.Server{
		Addr:              f.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: f.Server.ReadTimeout,
		ReadTimeout:       f.Server.ReadTimeout,
		WriteTimeout:      f.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		rt.logger.Info("HTTP API listening", core.F("addr", f.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		rt.logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			rt.logger.Error("HTTP API failed", core.F("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), f.Server.ShutdownTimeout)
	defer cancel()
	httpErr := srv.Shutdown(shutdownCtx)
	if err := errors.Join(httpErr, rt.close(shutdownCtx)); err != nil {
		return cli.Exit(fmt.Sprintf("shutdown: %v", err), 1)
	}
	rt.logger.Info("Orchestrator shut down cleanly")
	return nil
}
