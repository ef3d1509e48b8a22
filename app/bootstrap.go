package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"token-service/internal/auth"
	"token-service/internal/config"
	"token-service/internal/crypt"
	"token-service/internal/db"
	"token-service/internal/maintenance"
	"token-service/internal/observability"
	"token-service/internal/token"
)

type Options struct {
	LoadDotEnv bool
	// RunMigrations forces migrations regardless of RUN_MIGRATIONS_ON_STARTUP.
	RunMigrations bool
}

type Runtime struct {
	Config  config.Config
	Handler http.Handler
	Sweeper *auth.BanExpirationSweeper
	Logger  *observability.Logger
	Close   func() error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	codec, err := token.NewCodec(cfg.PEMPrivate, cfg.PEMPublic, logger)
	if err != nil {
		return nil, fmt.Errorf("init token codec: %w", err)
	}
	box, err := crypt.NewBox(cfg.EmailSecret)
	if err != nil {
		return nil, fmt.Errorf("init email box: %w", err)
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations || cfg.RunMigrationsOnStartup {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	issuerConfig := auth.DefaultIssuerConfig()
	issuerConfig.ServiceName = cfg.ServiceName
	issuerConfig.GameKey = cfg.GameKey
	issuerConfig.DefaultDays = cfg.TokenDefaultDays
	issuerConfig.StandardMaxDays = cfg.TokenStandardMaxDays
	issuerConfig.AdminMaxDays = cfg.TokenAdminMaxDays
	issuer := auth.NewTokenIssuer(codec, box, issuerConfig, logger, metrics)

	repo := auth.NewRepository(database)
	repo.WithTimeout(cfg.StoreTimeout)

	service := auth.NewService(repo, issuer, logger, metrics)
	service.WithAdminSecret(cfg.AdminSecret)
	service.WithSlowThreshold(cfg.SlowRequestThreshold)

	sweeper := auth.NewBanExpirationSweeper(repo, logger, metrics, cfg.BanSweepInterval)

	handler := auth.NewHandler(service)
	sweepHandler := maintenance.NewBanSweepHandler(sweeper, cfg.CronSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /secured/token/generate", handler.Generate)
	mux.HandleFunc("GET /token/validate", handler.Validate)
	mux.Handle("PATCH /token/admin/ban", auth.RequireAdmin(service, http.HandlerFunc(handler.Ban)))
	mux.Handle("PATCH /token/admin/unban", auth.RequireAdmin(service, http.HandlerFunc(handler.Unban)))
	mux.Handle("PATCH /token/admin/invalidate", auth.RequireAdmin(service, http.HandlerFunc(handler.Invalidate)))
	mux.Handle("GET /token/admin/bans/history", auth.RequireAdmin(service, http.HandlerFunc(handler.BanHistory)))
	mux.HandleFunc("GET /internal/maintenance/bans", sweepHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/bans", sweepHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Runtime{
		Config:  cfg,
		Handler: observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux)),
		Sweeper: sweeper,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
