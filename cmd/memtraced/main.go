// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// memtraced runs the memory profiling engine as a standalone agent: it
// loads the config, assembles the engine, serves self-telemetry and reports
// over HTTP and shuts everything down on SIGTERM/SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/memtrace/internal/agent"
	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/selftelemetry"
	"github.com/platformbuilds/memtrace/internal/version"
)

func main() {
	cfgPath := flag.String("config", "/etc/memtrace/config.yaml", "path to config yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("memtraced %s (%s, %s/%s)\n", version.Version(), version.Commit(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, lvl := newLogger(cfg.Agent.LogLevel)
	logger.Info("memtraced starting",
		"version", version.Version(),
		"service", cfg.Agent.ServiceName,
		"listen", cfg.SelfTelemetry.Listen)

	if err := run(cfg, *cfgPath, logger, lvl); err != nil {
		logger.Error("memtraced failed", "error", err)
		os.Exit(1)
	}
	logger.Info("memtraced stopped")
}

func run(cfg *config.Config, cfgPath string, logger *slog.Logger, lvl *slog.LevelVar) error {
	metrics := selftelemetry.NewMetrics(cfg.SelfTelemetry.NS)
	metrics.AgentLive.Set(1)

	eng, err := agent.New(cfg, agent.Options{Metrics: metrics}, logger)
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(cfgPath, cfg, 0, logger)
	if err != nil {
		return err
	}
	watcher.OnChange(func(next *config.Config) {
		// Log level applies immediately; engine settings need a restart.
		lvl.Set(levelFor(next.Agent.LogLevel))
		logger.Info("config reloaded, engine settings apply on restart",
			"log_level", next.Agent.LogLevel)
	})

	mux := http.NewServeMux()
	metrics.InstallHandlers(mux, func() (any, error) {
		return eng.Mapper().ComprehensiveReport()
	})
	srv := &http.Server{
		Addr:              cfg.SelfTelemetry.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error {
		watcher.Run(ctx)
		return nil
	})

	metrics.SetReady(true)
	err = g.Wait()
	metrics.SetReady(false)
	metrics.AgentLive.Set(0)
	return err
}

func newLogger(level string) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(levelFor(level))
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), lvl
}

func levelFor(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
