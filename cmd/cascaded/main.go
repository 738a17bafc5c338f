// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// cascaded is the cascade daemon: it loads workflow definitions,
// executes runs through the server adapter, and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/cascade/internal/adapter"
	"github.com/tombee/cascade/internal/config"
	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/internal/secrets"
	"github.com/tombee/cascade/internal/service"
	"github.com/tombee/cascade/internal/service/api"
	"github.com/tombee/cascade/internal/service/auth"
	"github.com/tombee/cascade/internal/service/backend"
	"github.com/tombee/cascade/internal/workflowstore"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to config file")
		addr         = flag.String("addr", "", "Listen address (overrides config)")
		workflowsDir = flag.String("workflows-dir", "", "Workflow definitions directory (overrides config)")
		backendType  = flag.String("backend", "", "Run storage backend (memory, sqlite)")
		dbPath       = flag.String("db", "", "SQLite database path")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("cascaded %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *workflowsDir != "" {
		cfg.Workflows.Dir = *workflowsDir
	}
	if *backendType != "" {
		cfg.Backend.Driver = *backendType
	}
	if *dbPath != "" {
		cfg.Backend.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.Log.Logger())
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := workflowstore.New(logger)
	if err := store.LoadDir(cfg.Workflows.Dir); err != nil {
		return fmt.Errorf("loading workflows from %s: %w", cfg.Workflows.Dir, err)
	}
	if cfg.WatchEnabled() {
		watcher, err := store.Watch(ctx, cfg.Workflows.Dir)
		if err != nil {
			return fmt.Errorf("watching %s: %w", cfg.Workflows.Dir, err)
		}
		defer watcher.Close()
	}

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	svc := service.New(store, b, adapter.Server(adapter.Options{
		FilesRoot: cfg.Engine.FilesRoot,
	}), buildResolver(cfg, logger), logger, service.Config{
		MaxSteps:          cfg.Engine.MaxSteps,
		BlockTimeout:      cfg.Engine.BlockTimeout,
		RunTimeout:        cfg.Engine.RunTimeout,
		PublicRunTimeout:  cfg.Public.RunTimeout,
		PublicRateLimit:   cfg.Public.RateLimitPerMinute,
		VersionCacheTTL:   cfg.Public.VersionCacheTTL,
		MaxConcurrentRuns: cfg.Engine.MaxConcurrentRuns,
	})

	router := api.NewRouter(api.RouterConfig{
		Service: svc,
		Store:   store,
		Logger:  logger,
		Metrics: promhttp.Handler(),
		Protect: auth.Middleware(auth.Config{
			Token:         cfg.Auth.Token,
			JWTSecret:     cfg.Auth.JWTSecret,
			RatePerSecond: cfg.Auth.RatePerSecond,
			RateBurst:     cfg.Auth.RateBurst,
		}, logger),
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("daemon listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("version", version),
			slog.String("workflows_dir", cfg.Workflows.Dir))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	// Let in-flight runs finish before tearing down the listener.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
	svc.Drain(drainCtx)
	cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("daemon stopped")
	return nil
}

func openBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend.Driver {
	case "sqlite":
		return backend.NewSQLite(cfg.Backend.Path)
	default:
		return backend.NewMemory(), nil
	}
}

func buildResolver(cfg *config.Config, logger *slog.Logger) *secrets.Resolver {
	providers := []secrets.Provider{
		secrets.NewEnvProvider(cfg.Secrets.EnvPrefix),
	}
	if cfg.Secrets.File != "" {
		providers = append(providers, secrets.NewFileProvider(cfg.Secrets.File))
	}
	if cfg.Secrets.Keyring {
		providers = append(providers, secrets.NewKeyringProvider(cfg.Secrets.KeyringService))
	}
	resolver := secrets.NewResolver(providers...)
	logger.Info("secret providers configured", slog.Any("providers", resolver.Providers()))
	return resolver
}
