// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/post-scheduler/internal/cadence"
	"github.com/bissquit/post-scheduler/internal/config"
	"github.com/bissquit/post-scheduler/internal/delivery"
	"github.com/bissquit/post-scheduler/internal/delivery/mattermost"
	"github.com/bissquit/post-scheduler/internal/delivery/telegram"
	"github.com/bissquit/post-scheduler/internal/dispatch"
	dispatchpostgres "github.com/bissquit/post-scheduler/internal/dispatch/postgres"
	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/bissquit/post-scheduler/internal/identity/jwt"
	"github.com/bissquit/post-scheduler/internal/pkg/ctxlog"
	"github.com/bissquit/post-scheduler/internal/pkg/httputil"
	"github.com/bissquit/post-scheduler/internal/pkg/metrics"
	"github.com/bissquit/post-scheduler/internal/pkg/postgres"
	"github.com/bissquit/post-scheduler/internal/pkg/wakeup"
	"github.com/bissquit/post-scheduler/internal/scheduling"
	schedulingpostgres "github.com/bissquit/post-scheduler/internal/scheduling/postgres"
	"github.com/bissquit/post-scheduler/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	runCancel     context.CancelFunc
	dispatcher    *dispatch.Dispatcher
	dispatchRepo  *dispatchpostgres.Repository
	valkey        *wakeup.Valkey
	auth          *jwt.Authenticator
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Database.AutoMigrate {
		if err := postgres.MigrateUp(cfg.Database.URL); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
		ApplicationName: "post-scheduler",
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	auth, err := jwt.NewAuthenticator(jwt.Config{
		SecretKey:     cfg.JWT.SecretKey,
		TokenDuration: cfg.JWT.TokenDuration,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create authenticator: %w", err)
	}

	app := &App{
		config:       cfg,
		logger:       logger,
		db:           db,
		dispatchRepo: dispatchpostgres.NewRepository(db),
		auth:         auth,
	}

	if err := app.setupDispatcher(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setup dispatcher: %w", err)
	}

	if cfg.Valkey.Enabled {
		v, err := wakeup.NewValkey(wakeup.Config{
			Address:        cfg.Valkey.Address,
			Password:       cfg.Valkey.Password,
			DB:             cfg.Valkey.DB,
			KeyPrefix:      cfg.Valkey.KeyPrefix,
			ConnectTimeout: cfg.Valkey.ConnectTimeout,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect to valkey: %w", err)
		}
		app.valkey = v
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.GitCommit).Set(1)

	return app, nil
}

func (a *App) setupDispatcher() error {
	cfg := a.config

	gateways := []delivery.KindGateway{
		mattermost.NewGateway(mattermost.Config{
			Username: cfg.Mattermost.Username,
			IconURL:  cfg.Mattermost.IconURL,
			Timeout:  cfg.Mattermost.Timeout,
		}),
	}

	opts := make([]dispatch.Option, 0, 1)
	if cfg.Telegram.Enabled {
		tg, err := telegram.NewGateway(telegram.Config{
			Enabled:     true,
			BotToken:    cfg.Telegram.BotToken,
			APIURL:      cfg.Telegram.APIURL,
			MinInterval: cfg.Telegram.MinInterval,
			Timeout:     cfg.Telegram.Timeout,
		})
		if err != nil {
			return err
		}
		gateways = append(gateways, tg)
		if cfg.Telegram.NotifyOwner {
			opts = append(opts, dispatch.WithEscalator(telegram.NewOwnerNotifier(tg)))
		}
	} else {
		a.logger.Warn("telegram gateway disabled, telegram posts will fail permanently")
	}

	router := delivery.NewRouter(gateways...)
	a.logger.Info("delivery gateways configured", "kinds", router.Kinds())

	a.dispatcher = dispatch.NewDispatcher(
		dispatch.Config{
			TickInterval:     cfg.Dispatch.TickInterval,
			LeaseTimeout:     cfg.Dispatch.LeaseTimeout,
			DeliveryTimeout:  cfg.Dispatch.DeliveryTimeout,
			Workers:          cfg.Dispatch.Workers,
			RetryBatchSize:   cfg.Dispatch.RetryBatchSize,
			EmptyQueuePolicy: dispatch.EmptyQueuePolicy(cfg.Dispatch.EmptyQueuePolicy),
		},
		a.dispatchRepo,
		router,
		cadence.NewCalculator(cfg.Dispatch.MaxCatchUp),
		dispatch.RetryPolicy{
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		opts...,
	)
	return nil
}

// notifier picks how command-layer changes reach dispatchers.
func (a *App) notifier() wakeup.Notifier {
	switch {
	case a.valkey != nil:
		return a.valkey
	case a.config.Dispatch.Enabled:
		return wakeup.Local(a.dispatcher.Wake)
	default:
		return wakeup.Nop{}
	}
}

// Run starts the dispatcher and the HTTP servers.
func (a *App) Run() error {
	runCtx, runCancel := context.WithCancel(context.Background())
	a.runCancel = runCancel

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	a.metricsCancel = metricsCancel

	go a.collectDBMetrics(metricsCtx)
	go a.collectQueueMetrics(metricsCtx)

	if a.config.Dispatch.Enabled {
		a.dispatcher.Start(runCtx)

		if a.valkey != nil {
			go func() {
				if err := a.valkey.Listen(runCtx, a.dispatcher.Wake); err != nil {
					a.logger.Error("wake-up listener stopped", "error", err)
				}
			}()
		}
	} else {
		a.logger.Info("dispatcher disabled, serving command API only")
	}

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// TickOnce runs a single dispatch pass and returns its counters.
func (a *App) TickOnce(ctx context.Context) dispatch.TickStats {
	return a.dispatcher.Tick(ctx)
}

// Shutdown gracefully shuts down the application. The dispatcher stops
// first so in-flight deliveries can record their outcomes.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	if a.config.Dispatch.Enabled {
		a.dispatcher.Stop()
	}
	if a.runCancel != nil {
		a.runCancel()
	}
	if a.metricsCancel != nil {
		a.metricsCancel()
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if a.valkey != nil {
		a.valkey.Close()
	}
	a.db.Close()

	return errors.Join(errs...)
}

// Close releases resources of an app that was never Run.
func (a *App) Close() {
	if a.valkey != nil {
		a.valkey.Close()
	}
	a.db.Close()
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.dispatchRepo.GetQueueStats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Error("failed to get queue stats", "error", err)
				}
				continue
			}
			dispatch.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Dispatcher returns the dispatcher instance. Used in tests to drive ticks.
func (a *App) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

// Authenticator returns the token issuer.
func (a *App) Authenticator() *jwt.Authenticator {
	return a.auth
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	schedulingRepo := schedulingpostgres.NewRepository(a.db)
	schedulingService := scheduling.NewService(
		schedulingRepo,
		cadence.NewCalculator(a.config.Dispatch.MaxCatchUp),
		a.notifier(),
	)
	schedulingHandler := scheduling.NewHandler(schedulingService)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(a.auth))

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleUser))
			schedulingHandler.RegisterRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleVerifier))
			schedulingHandler.RegisterVerifierRoutes(r)
		})
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	if a.valkey != nil {
		if err := a.valkey.Ping(ctx); err != nil {
			ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Valkey unavailable")
			return
		}
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
