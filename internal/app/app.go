// Package app assembles the Voxline daemon. [App] owns the process-fixed
// pieces: logging, metrics, the admin HTTP endpoint, and the config watcher.
// Everything a configuration change can affect lives behind a [Supervisor],
// which builds those components as atomic generations and swaps them without
// dropping the daemon into a half-configured state.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
)

const (
	// reconfigureTimeout bounds one supervisor rebuild, including SIP
	// registration with its full retry budget.
	reconfigureTimeout = 3 * time.Minute

	// newCleanupTimeout bounds the unwind of a partially constructed App.
	newCleanupTimeout = 15 * time.Second
)

// App is the assembled daemon.
type App struct {
	cfg        *config.Config
	log        *slog.Logger
	level      *slog.LevelVar
	metrics    *observe.Metrics
	supervisor *Supervisor

	admin   *http.Server
	adminLn net.Listener
	watcher *config.Watcher

	configFile    string
	watchInterval time.Duration
	endpoints     EndpointFactory
	sinks         []call.Sink

	// closers run in reverse registration order during Shutdown.
	closers  []func(context.Context) error
	stopOnce sync.Once
}

// Option configures the App.
type Option func(*App)

// WithLogger sets the application logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithLogLevelVar hands the App the level var behind its logger so a config
// reload can flip verbosity without a restart.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigFile enables live reloading of the named config file.
func WithConfigFile(path string) Option {
	return func(a *App) { a.configFile = path }
}

// WithWatchInterval overrides the config watcher's polling interval.
func WithWatchInterval(d time.Duration) Option {
	return func(a *App) { a.watchInterval = d }
}

// WithEndpointFactory replaces the SIP endpoint constructor, letting tests
// run the full call path against a fake endpoint.
func WithEndpointFactory(f EndpointFactory) Option {
	return func(a *App) { a.endpoints = f }
}

// WithEventSink attaches an additional sink to every component generation.
func WithEventSink(s call.Sink) Option {
	return func(a *App) {
		if s != nil {
			a.sinks = append(a.sinks, s)
		}
	}
}

// New builds the daemon and starts its first component generation: provider
// chains, pipeline, session registry, and the registered SIP endpoint. When
// New returns without error the bot is registered and taking calls; Run only
// adds the admin endpoint and blocks.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if registry == nil {
		return nil, errors.New("app: nil provider registry")
	}

	a := &App{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	ok := false
	defer func() {
		if ok {
			return
		}
		cctx, cancel := context.WithTimeout(context.Background(), newCleanupTimeout)
		defer cancel()
		for i := len(a.closers) - 1; i >= 0; i-- {
			_ = a.closers[i](cctx)
		}
	}()

	// ── 1. component supervisor ──
	supervisor, err := NewSupervisor(SupervisorConfig{
		Registry:  registry,
		Endpoints: a.endpoints,
		Sinks:     a.sinks,
		Metrics:   a.metrics,
		Logger:    a.log,
	})
	if err != nil {
		return nil, err
	}
	a.supervisor = supervisor
	if err := supervisor.Start(ctx, cfg); err != nil {
		return nil, fmt.Errorf("app: start components: %w", err)
	}
	a.closers = append(a.closers, supervisor.Shutdown)

	// ── 2. admin endpoint ──
	if addr := cfg.Observability.Listen; addr != "" && addr != "off" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("app: admin listener: %w", err)
		}
		mux := http.NewServeMux()
		health.New(
			health.Checker{Name: "sip", Check: supervisor.CheckRegistered},
			health.Checker{Name: "history", Check: supervisor.CheckHistory},
		).Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())

		a.adminLn = ln
		a.admin = &http.Server{Handler: observe.Middleware(a.metrics)(mux)}
		a.closers = append(a.closers, func(ctx context.Context) error {
			err := a.admin.Shutdown(ctx)
			_ = a.adminLn.Close()
			return err
		})
	}

	// ── 3. config watcher ──
	if a.configFile != "" {
		watcherOpts := []config.WatcherOption{config.WithWatcherLogger(a.log)}
		if a.watchInterval > 0 {
			watcherOpts = append(watcherOpts, config.WithInterval(a.watchInterval))
		}
		watcher, err := config.NewWatcher(a.configFile, a.onConfigChange, watcherOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: config watcher: %w", err)
		}
		a.watcher = watcher
		a.closers = append(a.closers, func(context.Context) error {
			watcher.Stop()
			return nil
		})
	}

	ok = true
	return a, nil
}

// Run serves the admin endpoint and blocks until ctx is cancelled. It does
// not tear the daemon down; pair it with [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	if a.admin != nil {
		go func() {
			if err := a.admin.Serve(a.adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("admin endpoint failed", "error", err)
			}
		}()
	}

	admin := "off"
	if a.adminLn != nil {
		admin = a.adminLn.Addr().String()
	}
	a.log.Info("voxline running",
		"sip_domain", a.cfg.SIP.Domain,
		"sip_user", a.cfg.SIP.Username,
		"admin", admin,
		"config_watch", a.watcher != nil)

	<-ctx.Done()
	return ctx.Err()
}

// Shutdown stops the watcher, the admin endpoint, and the component
// generation, in reverse start order. Only the first call does the work;
// later calls return immediately.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				a.log.Warn("shutdown step failed", "step", i, "error", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// Supervisor exposes the component supervisor for status inspection.
func (a *App) Supervisor() *Supervisor {
	return a.supervisor
}

// AdminAddr returns the bound address of the admin endpoint, or the empty
// string when observability.listen is "off".
func (a *App) AdminAddr() string {
	if a.adminLn == nil {
		return ""
	}
	return a.adminLn.Addr().String()
}

// onConfigChange applies a config file change with the narrowest effective
// scope: a log level change flips in place, component-affecting sections
// rebuild through the supervisor, and everything else waits for the next
// restart. A failed rebuild keeps the running generation.
func (a *App) onConfigChange(old, new *config.Config) {
	diff := config.Diff(old, new)
	if diff.Empty() {
		return
	}

	if diff.LogLevelChanged {
		if a.level != nil {
			a.level.Set(diff.NewLogLevel.Slog())
			a.log.Info("log level changed", "level", diff.NewLogLevel)
		} else {
			a.log.Info("log level change ignored, no level var wired", "level", diff.NewLogLevel)
		}
	}
	if diff.LogFormatChanged {
		a.log.Info("log format change takes effect on next restart", "format", new.Log.Format)
	}

	if !diff.RequiresRebuild() {
		return
	}

	a.log.Info("configuration changed, rebuilding components", "sections", diff.ChangedSections)
	ctx, cancel := context.WithTimeout(context.Background(), reconfigureTimeout)
	defer cancel()
	if err := a.supervisor.Reconfigure(ctx, new); err != nil {
		a.log.Error("reconfiguration rejected, previous components stay active", "error", err)
	}
}
