package app

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"toolgate/internal/infra/catalog"
)

const reloadDebounce = 200 * time.Millisecond

// configWatcher hot-applies catalog settings when the config file changes.
// Listen addresses, the registry path and the bridge wiring are fixed at
// startup; changing them logs a restart-required warning instead.
type configWatcher struct {
	path    string
	current Config
	builder *catalog.Builder
	logger  *zap.Logger
}

func newConfigWatcher(path string, cfg Config, builder *catalog.Builder, logger *zap.Logger) *configWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &configWatcher{
		path:    path,
		current: cfg,
		builder: builder,
		logger:  logger.Named("reload"),
	}
}

func (w *configWatcher) run(ctx context.Context) {
	if w.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("config watcher failed", zap.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		w.logger.Warn("config watcher add failed", zap.String("path", w.path), zap.Error(err))
		return
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-watcher.Errors:
			if err != nil {
				w.logger.Warn("config watcher error", zap.Error(err))
			}
		case event := <-watcher.Events:
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
		case <-timerChan(timer):
			timer = nil
			w.reload()
		}
	}
}

func (w *configWatcher) reload() {
	next, err := LoadConfig(w.path, w.logger)
	if err != nil {
		w.logger.Warn("config reload failed, keeping current settings", zap.Error(err))
		return
	}

	if next.ListenAddress != w.current.ListenAddress ||
		next.Observability != w.current.Observability ||
		next.RegistryPath != w.current.RegistryPath ||
		next.Bridge.Enabled != w.current.Bridge.Enabled ||
		next.Bridge.Path != w.current.Bridge.Path {
		w.logger.Warn("listener, registry or bridge config changed; restart required to apply")
	}

	if next.Catalog != w.current.Catalog {
		w.builder.UpdateOptions(catalog.BuilderOptions{
			CacheTTL:     next.Catalog.CacheTTL,
			FetchRetries: next.Catalog.FetchRetries,
			ProbeTimeout: next.Catalog.ProbeTimeout,
			Concurrency:  next.Catalog.ProbeConcurrency,
		})
		w.logger.Info("catalog settings reloaded",
			zap.Duration("cache_ttl", next.Catalog.CacheTTL),
			zap.Int("fetch_retries", next.Catalog.FetchRetries))
	}

	w.current = next
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
