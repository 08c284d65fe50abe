// Package main is the entrypoint for the approval portal API server.
package main

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

	"github.com/kiranshivaraju/approvalhub/internal/api"
	"github.com/kiranshivaraju/approvalhub/internal/api/handler"
	mw "github.com/kiranshivaraju/approvalhub/internal/api/middleware"
	"github.com/kiranshivaraju/approvalhub/internal/bulk"
	"github.com/kiranshivaraju/approvalhub/internal/cache"
	"github.com/kiranshivaraju/approvalhub/internal/config"
	"github.com/kiranshivaraju/approvalhub/internal/document"
	"github.com/kiranshivaraju/approvalhub/internal/metrics"
	"github.com/kiranshivaraju/approvalhub/internal/notify"
	"github.com/kiranshivaraju/approvalhub/internal/secrets"
	"github.com/kiranshivaraju/approvalhub/internal/store"
	"github.com/kiranshivaraju/approvalhub/internal/telemetry"
	"github.com/kiranshivaraju/approvalhub/internal/tenant"
	"github.com/kiranshivaraju/approvalhub/internal/workflow"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	shutdownTimeout = 30 * time.Second
	serviceName     = "approvalhub"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var logLevel = new(slog.LevelVar)

func main() {
	logger := slog.New(telemetry.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	started := time.Now()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logLevel.Set(parseLevel(cfg.Server.LogLevel))
	slog.Info("config loaded", "env", cfg.Server.Env, "log_level", cfg.Server.LogLevel, "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, serviceName, version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	cipher, err := secrets.NewAESCipher(cfg.Secrets.MasterKey)
	if err != nil {
		return fmt.Errorf("create credential cipher: %w", err)
	}

	m, err := metrics.New(serviceName)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	var notifier workflow.Notifier
	if cfg.NATS.URL != "" {
		n, closeNATS, err := notify.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer closeNATS()
		notifier = n
		slog.Info("nats connected, workflow events enabled")
	}

	pgStore := store.NewPostgresStore(pool)

	registry := tenant.NewRegistry(pgStore, cipher, cfg.ERP,
		tenant.WithTransport(otelhttp.NewTransport(http.DefaultTransport)),
	)
	tenants := tenant.NewService(pgStore, cipher, registry, redisCache)
	aggregator := document.NewAggregator(registry, document.DefaultSchema, redisCache, cfg.Query.CacheTTL, m)
	engine := workflow.NewEngine(pgStore, pgStore, notifier, m, cfg.Workflow.MaxSteps)
	coordinator := bulk.NewCoordinator(engine, cfg.Workflow.BulkWorkers, m)

	router := api.NewRouter(dependencies(cfg, pgStore, redisCache, aggregator, engine, coordinator, tenants, started))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// dependencies wires every route to its handler.
func dependencies(
	cfg *config.Config,
	pgStore *store.PostgresStore,
	c cache.Cache,
	docs handler.DocumentQuerier,
	workflows handler.WorkflowService,
	bulkApplier handler.BulkApplier,
	tenants handler.TenantAdmin,
	started time.Time,
) api.Dependencies {
	return api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(c, cfg.Redis.RateLimitPerMinute),

		LiveHandler:   handler.NewLiveHandler(),
		ReadyHandler:  handler.NewReadyHandler(pgStore),
		HealthHandler: handler.NewHealthHandler(pgStore, c, version, started),

		QueryDocuments: handler.NewQueryDocumentsHandler(docs),

		GetWorkflow:   handler.NewGetWorkflowHandler(workflows),
		StartWorkflow: handler.NewStartWorkflowHandler(workflows),
		Submit:        handler.NewSubmitHandler(workflows),
		Approve:       handler.NewApproveHandler(workflows),
		Reject:        handler.NewRejectHandler(workflows),
		SendBack:      handler.NewSendBackHandler(workflows),
		Bulk:          handler.NewBulkHandler(bulkApplier),

		ListTenants:      handler.NewListTenantsHandler(tenants),
		CreateTenant:     handler.NewCreateTenantHandler(tenants),
		GetTenant:        handler.NewGetTenantHandler(tenants),
		UpdateTenant:     handler.NewUpdateTenantHandler(tenants),
		DeactivateTenant: handler.NewDeactivateTenantHandler(tenants),
		TestConnection:   handler.NewTestConnectionHandler(tenants),

		ListTemplates: handler.NewListTemplatesHandler(pgStore),
		GetTemplate:   handler.NewGetTemplateHandler(pgStore),
		PutTemplate:   handler.NewPutTemplateHandler(pgStore),

		CreateAPIKey: handler.NewCreateAPIKeyHandler(pgStore),
		ListAPIKeys:  handler.NewListAPIKeysHandler(pgStore),
		RevokeAPIKey: handler.NewRevokeAPIKeyHandler(pgStore),
	}
}

// parseLevel maps a validated level name to its slog level.
func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
