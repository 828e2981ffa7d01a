package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/audit"
	"github.com/ekaya-inc/casegrid/pkg/auth"
	"github.com/ekaya-inc/casegrid/pkg/broadcast"
	"github.com/ekaya-inc/casegrid/pkg/cache"
	"github.com/ekaya-inc/casegrid/pkg/config"
	"github.com/ekaya-inc/casegrid/pkg/database"
	"github.com/ekaya-inc/casegrid/pkg/handlers"
	"github.com/ekaya-inc/casegrid/pkg/logging"
	"github.com/ekaya-inc/casegrid/pkg/middleware"
	"github.com/ekaya-inc/casegrid/pkg/query"
	"github.com/ekaya-inc/casegrid/pkg/repositories"
	"github.com/ekaya-inc/casegrid/pkg/schema"
	"github.com/ekaya-inc/casegrid/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.IsLocal())
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	connStr := cfg.Database.ConnectionString()
	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", logging.SanitizeConnectionString(connStr)),
		zap.String("primary_table", cfg.Table.PrimaryTable),
		zap.String("count_mode", cfg.Table.CountMode),
		zap.Bool("redis_cache", cfg.Cache.URL != ""),
		zap.Bool("jwks", cfg.Auth.JWKSURL != ""))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.NewConnection(ctx, &database.Config{
		URL:              connStr,
		MaxConnections:   cfg.Database.MaxConnections,
		Schema:           cfg.Database.Schema,
		StatementTimeout: cfg.Database.QueryTimeout,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.String("error", logging.SanitizeError(err)))
	}

	sqlDB, err := database.OpenSQL(connStr)
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.String("error", logging.SanitizeError(err)))
	}
	if err := database.RunMigrations(sqlDB, cfg.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.String("error", logging.SanitizeError(err)))
	}
	_ = sqlDB.Close()

	// Schema
	settingsRepo := repositories.NewColumnSettingsRepository(db)
	reflector := schema.NewReflector(schema.NewCatalogSource(db), settingsRepo, cfg.Database.Schema, cfg.Table.PrimaryTable, logger)
	if err := reflector.Load(ctx); err != nil {
		logger.Fatal("Failed to reflect primary table", zap.String("table", cfg.Table.PrimaryTable), zap.Error(err))
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Response cache
	var backend cache.Cache
	redisClient, err := database.NewRedisClient(ctx, cfg.Cache.URL, nil)
	if err != nil {
		logger.Fatal("Failed to connect to cache", zap.String("error", logging.SanitizeError(err)))
	}
	if redisClient != nil {
		backend = cache.NewRedisCache(redisClient)
	} else {
		backend = cache.NewMemoryCache(cfg.Cache.MemoryBytes)
	}
	pages := cache.NewReadThrough(backend, cache.Options{
		DefaultTTL: cfg.Cache.DefaultTTL,
		SearchTTL:  cfg.Cache.SearchTTL,
		Metrics:    cache.NewMetrics(registry),
	}, logger)

	broadcaster := broadcast.New(broadcast.Options{
		QueueSize:  cfg.Stream.SendQueue,
		Registerer: registry,
	}, logger)

	changeLog, err := audit.OpenChangeLog(cfg.ChangeLogPath)
	if err != nil {
		logger.Warn("Change log disabled", zap.String("path", cfg.ChangeLogPath), zap.Error(err))
	}
	securityAuditor := audit.NewSecurityAuditor(logger)

	// Services
	planner := query.NewPlanner(query.Options{
		SchemaName:     cfg.Database.Schema,
		MaxPageSize:    cfg.Table.MaxPageSize,
		FullTextSearch: cfg.Table.SearchFullText,
	})
	tableRepo := repositories.NewTableRepository(db, cfg.Database.Schema)

	tableService := services.NewTableService(reflector, planner, tableRepo, pages, securityAuditor, services.TableServiceConfig{
		QueryTimeout:    cfg.Database.QueryTimeout,
		CountMode:       cfg.Table.CountMode,
		DefaultPageSize: cfg.Table.DefaultPageSize,
	}, logger)
	editService := services.NewEditService(services.EditServiceDeps{
		Schema:      reflector,
		Tx:          db,
		Table:       tableRepo,
		Changes:     repositories.NewChangeRepository(db),
		Audit:       repositories.NewAuditRepository(db),
		Cache:       pages,
		ChangeLog:   changeLog,
		Broadcaster: broadcaster,
		Auditor:     securityAuditor,
	}, logger)
	columnService := services.NewColumnSettingsService(reflector, settingsRepo, pages, logger)
	filterService := services.NewSavedFilterService(reflector, planner, repositories.NewSavedFilterRepository(db), logger)
	auditService := services.NewAuditService(reflector, repositories.NewAuditRepository(db), logger)

	// Authentication
	var validator auth.TokenValidator
	if cfg.Auth.JWKSURL != "" {
		validator, err = auth.NewJWKSValidator(ctx, cfg.Auth.JWKSURL)
	} else {
		validator, err = auth.NewHMACValidator(cfg.Auth.JWTSecret)
	}
	if err != nil {
		logger.Fatal("Failed to initialise token validation", zap.Error(err))
	}
	defer validator.Close()

	csrf := auth.NewCSRF(cfg.Auth.SessionSecret, cfg.Auth.CookieSecure)
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(validator, logger), csrf, securityAuditor, logger)

	// Routes
	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, db, registry, logger).RegisterRoutes(mux)
	for _, h := range []interface {
		RegisterRoutes(*http.ServeMux, *auth.Middleware)
	}{
		handlers.NewTableHandler(tableService, editService, logger),
		handlers.NewEditHandler(editService, logger),
		handlers.NewSavedFilterHandler(filterService, logger),
		handlers.NewAdminHandler(columnService, tableService, logger),
		handlers.NewAuditHandler(auditService, logger),
		handlers.NewAuthHandler(csrf, logger),
		handlers.NewWSHandler(tableService, broadcaster, cfg.Stream, logger),
	} {
		h.RegisterRoutes(mux, authMiddleware)
	}

	handler := middleware.RequestOrigin(cfg.TrustProxy)(middleware.RequestLogger(logger)(mux))

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("Starting casegrid",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Shutdown does not track hijacked stream connections.
	broadcaster.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown incomplete", zap.Error(err))
	}
	if err := pages.Close(); err != nil {
		logger.Warn("Cache close failed", zap.Error(err))
	}
	if changeLog != nil {
		if err := changeLog.Close(); err != nil {
			logger.Warn("Change log close failed", zap.Error(err))
		}
	}
	db.Close()
	logger.Info("Shutdown complete")
}
