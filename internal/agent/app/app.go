package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/aussiebroadwan/sessionkit/internal/agent/http"
	"github.com/aussiebroadwan/sessionkit/pkg/access"
	"github.com/aussiebroadwan/sessionkit/pkg/authsdk"
	"github.com/aussiebroadwan/sessionkit/pkg/cryptox"
	"github.com/aussiebroadwan/sessionkit/pkg/gateway"
	"github.com/aussiebroadwan/sessionkit/pkg/httpx"
	"github.com/aussiebroadwan/sessionkit/pkg/inactivity"
	"github.com/aussiebroadwan/sessionkit/pkg/metricsx"
	"github.com/aussiebroadwan/sessionkit/pkg/session"
	"github.com/aussiebroadwan/sessionkit/pkg/slogx"
	"github.com/aussiebroadwan/sessionkit/pkg/tokenstore"
	"github.com/aussiebroadwan/sessionkit/pkg/tokenstore/drivers/memory"
	"github.com/aussiebroadwan/sessionkit/pkg/tokenstore/drivers/sqlite"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application is the session agent with all its dependencies.
type Application struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metricsx.Metrics

	table   access.Table
	store   *tokenstore.Store
	session *session.Controller

	server *http.Server
	router *httpapi.Router
}

// New builds the agent. Nothing talks to the network until Run.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "sessiond",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
		metrics: metricsx.New(),
	}

	if err := app.initTable(); err != nil {
		return nil, err
	}
	if err := app.initStore(); err != nil {
		return nil, err
	}
	if err := app.initSession(); err != nil {
		_ = app.store.Close()
		return nil, err
	}
	if err := app.initHTTP(); err != nil {
		app.session.Close()
		_ = app.store.Close()
		return nil, err
	}

	return app, nil
}

// Handler returns the agent's HTTP handler.
func (app *Application) Handler() http.Handler { return app.router }

// Run restores the persisted session, serves until ctx is done or a
// shutdown signal arrives, then shuts down.
func (app *Application) Run(ctx context.Context) error {
	st := app.session.Restore(ctx)
	app.logger.Info("session agent starting",
		"port", app.cfg.Port,
		"version", BuildVersion,
		"backend", app.cfg.Backend,
		"session", st.Status,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
	case <-ctx.Done():
		app.logger.Info("context cancelled, shutting down")
	}

	if err := app.Shutdown(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// Shutdown stops serving and the session timers. The session itself stays
// in the store so the next start can restore it.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down session agent...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "err", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "err", err)
		}
	}

	app.session.Close()

	if err := app.store.Close(); err != nil {
		app.logger.Error("error closing token store", "err", err)
		return err
	}

	app.logger.Info("session agent stopped")
	return nil
}

func (app *Application) initTable() error {
	app.table = access.DefaultTable()
	if app.cfg.RoutesFile != "" {
		t, err := access.LoadTableFile(app.cfg.RoutesFile)
		if err != nil {
			return fmt.Errorf("failed to load route table: %w", err)
		}
		app.table = t
	}
	if app.cfg.FailClosed {
		app.table.FailClosed = true
	}
	app.logger.Info("route table loaded", "routes", len(app.table.Policies), "fail_closed", app.table.FailClosed)
	return nil
}

// initStore opens the token store. With the sqlite driver every slot is
// sealed under the master key.
func (app *Application) initStore() error {
	var driver tokenstore.Driver

	switch app.cfg.StoreDriver {
	case StoreSQLite:
		key, ephemeral, err := cryptox.LoadMasterKey(app.cfg.MasterKeyPath)
		if err != nil {
			return err
		}
		if ephemeral {
			app.logger.Warn("no master key configured, persisted sessions will not survive a restart")
		}
		sealer, err := cryptox.NewSealer(key, "sessionkit token store")
		if err != nil {
			return fmt.Errorf("failed to initialize sealer: %w", err)
		}

		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", app.cfg.DatabaseFile)
		d, err := sqlite.New(dsn, sqlite.WithSealer(sealer))
		if err != nil {
			return fmt.Errorf("failed to open token store: %w", err)
		}
		if err := d.ApplyMigrations(); err != nil {
			_ = d.Close()
			return fmt.Errorf("failed to apply token store migrations: %w", err)
		}
		app.logger.Info("token store migrations applied", "file", app.cfg.DatabaseFile)
		driver = d
	default:
		driver = memory.New()
	}

	app.store = tokenstore.Open(context.Background(), driver, app.logger)
	return nil
}

func (app *Application) initSession() error {
	clientOpts := []httpx.ClientOption{
		httpx.WithTimeout(app.cfg.RequestTimeout),
		httpx.WithLogger(app.logger),
		httpx.WithMetrics(app.metrics),
	}

	sdk := authsdk.NewSDKClient(app.cfg.APIBaseURL, clientOpts...)
	backend, err := authsdk.NewBackend(app.cfg.Backend, sdk)
	if err != nil {
		return err
	}

	deps := session.Deps{
		Backend: backend,
		Store:   app.store,
		HTTP:    httpx.NewClient(append(clientOpts, httpx.WithBaseURL(app.cfg.APIBaseURL))...),
		Table:   &app.table,
		Logger:  app.logger,
		Metrics: app.metrics,
	}
	if app.cfg.TOTPSecret != "" {
		deps.OTP = authsdk.TOTPSource{Secret: app.cfg.TOTPSecret}
	}

	ctl, err := session.New(session.Config{
		RefreshThreshold: app.cfg.RefreshThreshold,
		MaxLoginAttempts: app.cfg.MaxLoginAttempts,
		LockoutDuration:  app.cfg.LockoutDuration,
		Inactivity: inactivity.Config{
			Timeout:       app.cfg.IdleTimeout,
			CheckInterval: app.cfg.IdleCheck,
			Debounce:      app.cfg.ActivityDebounce,
		},
		Gateway: gateway.Config{
			BaseDelay:  app.cfg.RetryBaseDelay,
			MaxRetries: app.cfg.MaxRetries,
		},
	}, deps)
	if err != nil {
		return fmt.Errorf("failed to initialize session: %w", err)
	}

	ctl.OnExpired(func(st session.State) {
		app.logger.Info("session expired, login required", "status", st.Status)
	})
	app.session = ctl
	return nil
}

func (app *Application) initHTTP() error {
	router := httpapi.NewRouter(app.session, &app.table, app.metrics, BuildVersion, app.logger)
	router.LoginLimit = app.cfg.LoginLimit
	router.ProxyLimit = app.cfg.ProxyLimit
	if app.cfg.PagesUpstream != "" {
		if err := router.ProxyPages(app.cfg.PagesUpstream); err != nil {
			return err
		}
	}
	router.ApplyRoutes()
	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
	return nil
}
