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

	"github.com/gatewarden/gatewarden/internal/admission"
	admissionpostgres "github.com/gatewarden/gatewarden/internal/admission/postgres"
	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/enforcement"
	"github.com/gatewarden/gatewarden/internal/escalation"
	"github.com/gatewarden/gatewarden/internal/escalation/email"
	"github.com/gatewarden/gatewarden/internal/escalation/pager"
	escalationpostgres "github.com/gatewarden/gatewarden/internal/escalation/postgres"
	"github.com/gatewarden/gatewarden/internal/escalation/slack"
	"github.com/gatewarden/gatewarden/internal/incident"
	incidentpostgres "github.com/gatewarden/gatewarden/internal/incident/postgres"
	"github.com/gatewarden/gatewarden/internal/monitor"
	monitorpostgres "github.com/gatewarden/gatewarden/internal/monitor/postgres"
	"github.com/gatewarden/gatewarden/internal/pkg/ctxlog"
	"github.com/gatewarden/gatewarden/internal/pkg/httputil"
	"github.com/gatewarden/gatewarden/internal/pkg/metrics"
	"github.com/gatewarden/gatewarden/internal/pkg/postgres"
	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/rollback"
	rollbackpostgres "github.com/gatewarden/gatewarden/internal/rollback/postgres"
	"github.com/gatewarden/gatewarden/internal/rulestore"
	rulestorepostgres "github.com/gatewarden/gatewarden/internal/rulestore/postgres"
	"github.com/gatewarden/gatewarden/internal/version"
	"github.com/gatewarden/gatewarden/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc

	healthMonitor  *monitor.Monitor
	rollbackEngine *rollback.Engine
	escalations    *escalation.Dispatcher
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := postgres.Migrate(cfg.Database.URL, migrations.FS, "."); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	router, err := app.setup(metricsCtx)
	if err != nil {
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("setup: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
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

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. In-flight rollbacks and
// escalations are drained before the database closes.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	a.healthMonitor.Stop()

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

	a.rollbackEngine.Shutdown()
	a.escalations.Shutdown()

	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
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

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setup(ctx context.Context) (*chi.Mux, error) {
	// Policy evaluation and rule store.
	evaluator, err := policy.NewEvaluator(policy.Config{CostLimit: a.config.Admission.CELCostLimit})
	if err != nil {
		return nil, fmt.Errorf("create policy evaluator: %w", err)
	}

	ruleRepo := rulestorepostgres.NewRepository(a.db)
	ruleService := rulestore.NewService(ruleRepo, evaluator)

	snapshots, err := rulestore.NewSnapshotProvider(ctx, ruleRepo)
	if err != nil {
		return nil, fmt.Errorf("create snapshot provider: %w", err)
	}
	ruleService.Subscribe(snapshots.OnStoreChanged())

	// Escalation channels.
	dispatcher, err := a.setupEscalations()
	if err != nil {
		return nil, err
	}
	a.escalations = dispatcher

	// Circuit breaker feeding mode demotions back into the rule store.
	breaker := enforcement.NewController(enforcement.Config{
		DenyRateThreshold: a.config.CircuitBreaker.DenyRateThreshold,
		Window:            a.config.CircuitBreaker.Window,
		MinSamples:        a.config.CircuitBreaker.MinSamples,
	}, ruleService, dispatcher)

	// Admission pipeline.
	decisionsRepo := admissionpostgres.NewRepository(a.db)
	pipeline := admission.NewPipeline(
		admission.PipelineConfig{Timeout: a.config.Admission.Timeout},
		snapshots,
		admission.NewMutationEngine(evaluator),
		admission.NewValidationEngine(evaluator),
		decisionsRepo,
		breaker,
	)

	// Deployment safety: monitor -> incidents -> rollback -> escalation.
	incidentRepo := incidentpostgres.NewRepository(a.db)
	eventsRepo := monitorpostgres.NewRepository(a.db)
	revisionStore := rollbackpostgres.NewRevisionStore(a.db)
	evidenceStore := rollbackpostgres.NewEvidenceStore(a.db)

	var target rollback.Target
	if a.config.Rollback.TargetURL != "" {
		target = rollback.NewHTTPTarget(a.config.Rollback.TargetURL, a.config.Rollback.TargetToken, 0)
	} else {
		slog.Warn("no rollback target configured: incidents will escalate instead of rolling back")
	}

	engine := rollback.NewEngine(rollback.Config{
		StabilizeTimeout: a.config.Rollback.StabilizeTimeout,
		PollInterval:     a.config.Rollback.PollInterval,
		MaxAttempts:      a.config.Rollback.MaxAttempts,
	}, incidentRepo, revisionStore, evidenceStore, eventsRepo, target, dispatcher)
	a.rollbackEngine = engine

	incidentManager := incident.NewManager(incident.Config{
		HealthyStreak: a.config.Incident.HealthyStreak,
	}, incidentRepo, engine, dispatcher)

	var source monitor.SignalSource
	if a.config.Monitor.SourceURL != "" {
		source = monitor.NewHTTPSource(a.config.Monitor.SourceURL, 0)
	}

	healthMonitor := monitor.New(monitor.Config{
		PollInterval: a.config.Monitor.PollInterval,
		Classifier: monitor.ClassifierConfig{
			CrashLoopRestarts: a.config.Monitor.CrashLoopRestarts,
			CrashLoopWindow:   a.config.Monitor.CrashLoopWindow,
			ImagePullRetries:  a.config.Monitor.ImagePullRetries,
		},
	}, source, eventsRepo, revisionStore, incidentManager, dispatcher)
	healthMonitor.Start(ctx)
	a.healthMonitor = healthMonitor

	// Handlers.
	admissionHandler := admission.NewHandler(pipeline)
	ruleHandler := rulestore.NewHandler(ruleService)
	monitorHandler := monitor.NewHandler(healthMonitor)
	incidentHandler := incident.NewHandler(incidentManager)
	rollbackHandler := rollback.NewHandler(engine)
	escalationHandler := escalation.NewHandler(dispatcher)

	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	// The webhook path is called by the platform, not operators, and carries
	// its own deadline semantics; it stays outside the token-auth group.
	admissionHandler.RegisterWebhookRoutes(r)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.TokenAuthMiddleware(a.config.Auth.Token))

		ruleHandler.RegisterRoutes(r)
		admissionHandler.RegisterRoutes(r)
		monitorHandler.RegisterRoutes(r)
		incidentHandler.RegisterRoutes(r)
		rollbackHandler.RegisterRoutes(r)
		escalationHandler.RegisterRoutes(r)
	})

	return r, nil
}

func (a *App) setupEscalations() (*escalation.Dispatcher, error) {
	pagerSender, err := pager.NewSender(pager.Config{
		Enabled:    a.config.Escalation.Pager.Enabled,
		WebhookURL: a.config.Escalation.Pager.WebhookURL,
		RoutingKey: a.config.Escalation.Pager.RoutingKey,
		RateLimit:  a.config.Escalation.Pager.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("create pager sender: %w", err)
	}
	if !a.config.Escalation.Pager.Enabled {
		slog.Warn("pager sender is disabled: pages will not be sent")
	}

	slackSender, err := slack.NewSender(slack.Config{
		Enabled:    a.config.Escalation.Slack.Enabled,
		WebhookURL: a.config.Escalation.Slack.WebhookURL,
		Username:   a.config.Escalation.Slack.Username,
		IconURL:    a.config.Escalation.Slack.IconURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create slack sender: %w", err)
	}

	emailSender, err := email.NewSender(email.Config{
		Enabled:      a.config.Escalation.Email.Enabled,
		SMTPHost:     a.config.Escalation.Email.SMTPHost,
		SMTPPort:     a.config.Escalation.Email.SMTPPort,
		SMTPUser:     a.config.Escalation.Email.SMTPUser,
		SMTPPassword: a.config.Escalation.Email.SMTPPassword,
		FromAddress:  a.config.Escalation.Email.FromAddress,
		Recipients:   a.config.Escalation.Email.Recipients,
	})
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}

	loc, err := time.LoadLocation(a.config.Escalation.BusinessHours.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load business hours timezone: %w", err)
	}

	escalationRepo := escalationpostgres.NewRepository(a.db)
	return escalation.NewDispatcher(escalation.Config{
		MaxAttempts:       a.config.Escalation.MaxAttempts,
		InitialBackoff:    a.config.Escalation.InitialBackoff,
		BackoffMultiplier: a.config.Escalation.BackoffMultiplier,
		BusinessHours: escalation.BusinessHours{
			StartHour: a.config.Escalation.BusinessHours.StartHour,
			EndHour:   a.config.Escalation.BusinessHours.EndHour,
			Location:  loc,
		},
	}, escalationRepo, pagerSender, slackSender, emailSender), nil
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

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
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
