// Package app contains the Tracer server orchestrator. It wires the storage
// backend, the event bus, the recorder, the watcher registry, the folder
// service, metrics, the live change feed and the REST router together and
// manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tracer/backend/internal/config"
	"github.com/tracer/backend/internal/events"
	"github.com/tracer/backend/internal/metrics"
	"github.com/tracer/backend/internal/server/rest"
	"github.com/tracer/backend/internal/server/storage"
	"github.com/tracer/backend/internal/server/websocket"
	"github.com/tracer/backend/internal/watcher"
)

// ShutdownTimeout bounds how long Run waits for in-flight HTTP requests.
const ShutdownTimeout = 30 * time.Second

// App is the central orchestrator of the Tracer server.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    storage.Backend
	bus      events.Bus
	metrics  *metrics.Metrics
	registry *watcher.Registry
	folders  *watcher.FolderService
	live     *websocket.Broadcaster
	handler  http.Handler

	mu        sync.Mutex
	running   bool
	closeOnce sync.Once
}

// Option is a functional option for App construction.
type Option func(*App)

// WithStore makes the App use s instead of opening the backend named in the
// configuration. The App takes ownership and closes s on Stop.
func WithStore(s storage.Backend) Option {
	return func(a *App) { a.store = s }
}

// New builds every component from cfg. It opens the storage backend (and
// applies migrations) unless WithStore was given, but starts no watches;
// call Start or Run for that.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, logger: logger, bus: events.New()}
	for _, opt := range opts {
		opt(a)
	}

	if a.store == nil {
		s, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxConns, logger)
		if err != nil {
			return nil, fmt.Errorf("app: open storage: %w", err)
		}
		a.store = s
		logger.Info("storage opened", slog.String("driver", cfg.Database.Driver))
	}

	a.live = websocket.NewBroadcaster(logger, 0)
	if err := a.live.Subscribe(a.bus); err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("app: live feed: %w", err)
	}

	routerOpts := rest.RouterOptions{
		CORSOrigins: cfg.CORSOrigins,
		Live:        websocket.NewHandler(a.live, logger, 0),
		Logger:      logger,
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		if err := a.metrics.Subscribe(a.bus); err != nil {
			_ = a.store.Close()
			return nil, fmt.Errorf("app: metrics: %w", err)
		}
		routerOpts.Instrument = a.metrics.Middleware
		routerOpts.MetricsPath = cfg.Metrics.Path
		routerOpts.MetricsHandler = a.metrics.Handler()
	}

	if cfg.Auth.JWTPublicKeyPath != "" {
		key, err := rest.LoadRSAPublicKey(cfg.Auth.JWTPublicKeyPath)
		if err != nil {
			_ = a.store.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		routerOpts.JWT = &rest.JWTConfig{
			PublicKey: key,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			Logger:    logger,
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("auth.jwt_public_key_path not configured; REST API authentication disabled")
	}

	rec := watcher.NewRecorder(a.store, logger,
		watcher.WithBus(a.bus),
		watcher.WithSkipUnchanged(cfg.Watch.SkipUnchanged),
	)
	a.registry = watcher.NewRegistry(a.store, rec, logger, a.bus)
	a.folders = watcher.NewFolderService(a.store, a.registry, logger)
	a.handler = rest.NewRouter(rest.NewServer(a.folders, a.store, a.store, a.registry, logger), routerOpts)

	return a, nil
}

// Handler returns the HTTP handler serving the REST API.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the live watcher registry.
func (a *App) Registry() *watcher.Registry { return a.registry }

// Start resumes watching every active folder. Folders that fail to start
// are logged and skipped.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("app: already running")
	}
	a.running = true
	a.mu.Unlock()

	n, err := a.registry.StartAllActive(ctx)
	if err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return fmt.Errorf("app: resume watches: %w", err)
	}
	a.logger.Info("tracer started", slog.Int("active_watches", n))
	return nil
}

// Stop disconnects live-feed clients, stops every watch and closes the
// storage backend. It is safe to call
// Stop multiple times, and on an App that was never started.
func (a *App) Stop() {
	a.mu.Lock()
	wasRunning := a.running
	a.running = false
	a.mu.Unlock()

	a.live.Close()
	a.registry.StopAll()
	a.closeOnce.Do(func() {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("error closing storage", slog.Any("error", err))
		}
	})
	if wasRunning {
		a.logger.Info("tracer stopped")
	}
}

// Run starts the App, serves the REST API on cfg.HTTPAddr until ctx is
// cancelled or the listener fails, then shuts down in order: HTTP server,
// live clients, watches, storage.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         a.cfg.HTTPAddr,
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP REST server listening", slog.String("addr", a.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	a.Stop()
	return runErr
}
