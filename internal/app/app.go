// Package app wires the control plane together: registry, discovery,
// policies, dispatch, bridge, admin API and observability.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"toolgate/internal/domain"
	"toolgate/internal/infra/adminapi"
	"toolgate/internal/infra/bridge"
	"toolgate/internal/infra/catalog"
	"toolgate/internal/infra/dispatch"
	"toolgate/internal/infra/policy"
	"toolgate/internal/infra/probe"
	"toolgate/internal/infra/registry"
	"toolgate/internal/infra/telemetry"
)

type App struct {
	logger *zap.Logger
}

type ServeConfig struct {
	ConfigPath string
}

type ValidateOptions struct {
	ConfigPath string
}

func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{logger: logger.Named("app")}
}

// ValidateConfig loads and validates the config file without starting
// anything.
func (a *App) ValidateConfig(ctx context.Context, opts ValidateOptions) error {
	cfg, err := LoadConfig(opts.ConfigPath, a.logger)
	if err != nil {
		return err
	}
	a.logger.Info("configuration valid",
		zap.String("config", opts.ConfigPath),
		zap.String("listen", cfg.ListenAddress),
		zap.String("registry", cfg.RegistryPath))
	return ctx.Err()
}

// Serve runs the control plane until ctx is cancelled.
func (a *App) Serve(ctx context.Context, serveCfg ServeConfig) error {
	cfg, err := LoadConfig(serveCfg.ConfigPath, a.logger)
	if err != nil {
		return err
	}

	store, err := registry.Open(cfg.RegistryPath, a.logger)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := telemetry.NewPrometheusMetrics(nil)
	health := telemetry.NewHealthTracker()
	health.Set("registry", "ok")

	probers := map[domain.OwnerKind]probe.Prober{
		domain.OwnerApp: probe.NewHTTPSpecProber(a.logger, probe.HTTPSpecProberOptions{
			Backoff: cfg.Catalog.RetryBackoff,
		}),
		domain.OwnerMCP: probe.NewMCPSessionProber(a.logger, nil),
	}

	builder := catalog.NewBuilder(store, probers, a.logger, catalog.BuilderOptions{
		CacheTTL:     cfg.Catalog.CacheTTL,
		FetchRetries: cfg.Catalog.FetchRetries,
		ProbeTimeout: cfg.Catalog.ProbeTimeout,
		Concurrency:  cfg.Catalog.ProbeConcurrency,
		Metrics:      metrics,
	})

	engine := policy.NewEngine(store, a.logger)

	dispatcher := dispatch.NewDispatcher(builder, engine, store, a.logger, dispatch.DispatcherOptions{
		Metrics: metrics,
	})
	defer dispatcher.Close()

	mux := http.NewServeMux()
	adminapi.NewServer(builder, dispatcher, engine, store, a.logger).RegisterRoutes(mux)

	if cfg.Bridge.Enabled {
		mcpBridge := bridge.New(builder, engine, dispatcher, a.logger, bridge.Options{
			Actor: domain.Actor{User: cfg.Bridge.ActorUser, Groups: cfg.Bridge.ActorGroups},
		})
		builder.Subscribe(func(snapshot domain.Catalog) {
			mcpBridge.Apply(context.Background(), snapshot)
		})
		mux.Handle(cfg.Bridge.Path, mcpBridge.Handler())
	}

	watcher := newConfigWatcher(serveCfg.ConfigPath, cfg, builder, a.logger)
	go watcher.run(ctx)

	obsErr := make(chan error, 1)
	go func() {
		obsErr <- telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
			Addr:          cfg.Observability.ListenAddress,
			EnableMetrics: cfg.Observability.EnableMetrics,
			EnableHealthz: cfg.Observability.EnableHealthz,
			Health:        health,
			Registry:      prometheus.DefaultGatherer,
		}, a.logger)
	}()

	server := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("admin server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("admin server failed: %w", err)
	case err := <-obsErr:
		if err != nil {
			return err
		}
		<-ctx.Done()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("admin server shutdown error", zap.Error(err))
		return err
	}
	a.logger.Info("admin server stopped")
	return nil
}
