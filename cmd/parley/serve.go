package main

import (
	"context"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/web"
)

// runServe starts the WebSocket bridge and blocks until SIGINT or
// SIGTERM. On shutdown the running exchange is cancelled, clients are
// disconnected, and MCP servers are stopped.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stdout, cfg)
	if err != nil {
		return err
	}
	logger.Info("starting Parley", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bridge := web.NewBridge(a.bus, logger)
	loop := a.newLoop(bridge)
	bridge.Attach(ctx, loop)
	go bridge.Run(ctx)

	watch := a.watchServers(ctx)
	defer watch.Stop()

	server := web.NewServer(cfg.Listen, bridge, logger)
	server.SetRegistry(a.registry)
	server.SetTranscript(a.transcript)
	server.SetHealth(watch)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	loop.Cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	return server.Shutdown(shutdownCtx)
}

// watchServers probes every active MCP server in the background. A
// server that goes down is evicted from the pool so the next exchange
// reconnects, and every transition is published on the bus.
func (a *app) watchServers(ctx context.Context) *connwatch.Manager {
	m := connwatch.NewManager(a.logger, connwatch.WithOnChange(func(name string, ready bool, err error) {
		if ready {
			a.bus.Emit(events.SourceMCP, events.KindServerReady, map[string]any{"server": name})
			return
		}
		a.pool.Evict(name)
		a.bus.Emit(events.SourceMCP, events.KindServerDown, map[string]any{"server": name, "error": err.Error()})
	}))
	for _, srv := range a.pool.ActiveServers() {
		m.Watch(ctx, srv.Name, func(ctx context.Context) error {
			return a.pool.Probe(ctx, srv.Name)
		})
	}
	return m
}
