package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bastionhq/bastion/internal/auth"
	"github.com/bastionhq/bastion/internal/background"
	"github.com/bastionhq/bastion/internal/config"
	"github.com/bastionhq/bastion/internal/database"
	"github.com/bastionhq/bastion/internal/handlers"
	"github.com/bastionhq/bastion/internal/lockout"
	middlewareCustom "github.com/bastionhq/bastion/internal/middleware"
	"github.com/bastionhq/bastion/internal/obs"
	"github.com/bastionhq/bastion/internal/ratelimit"
	"github.com/bastionhq/bastion/internal/repositories"
	"github.com/bastionhq/bastion/internal/reputation"
	"github.com/bastionhq/bastion/internal/routes"
	"github.com/bastionhq/bastion/internal/services"
	"github.com/bastionhq/bastion/internal/threat"
	"github.com/bastionhq/bastion/internal/whitelist"
	pkghttp "github.com/bastionhq/bastion/pkg/http"
	pkglogger "github.com/bastionhq/bastion/pkg/logger"
)

func main() {
	// Load configuration first so the log level applies from the start
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize repositories
	accountRepo := repositories.NewAccountRepository(db)
	attemptRepo := repositories.NewLoginAttemptRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)
	whitelistRepo := repositories.NewWhitelistRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	assessmentRepo := repositories.NewThreatAssessmentRepository(db)

	// Observability
	metrics := obs.NewMetrics()
	auditLogger := pkglogger.NewAuditLogger(logger)

	// Token manager
	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)

	// Timing delay for auth security
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:    100,
		RandomDelayMs:  50,
		DelayOnSuccess: false,
	})

	// Protection stores
	buckets := ratelimit.NewBucketStore(cfg.RateLimit, logger)
	wlStore := whitelist.NewStore(whitelistRepo, logger)
	tracker := lockout.NewTracker(attemptRepo, accountRepo, cfg.Lockout, logger)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := wlStore.Refresh(bootCtx); err != nil {
		logger.Error("failed to load whitelist snapshot", slog.Any("error", err))
		bootCancel()
		os.Exit(1)
	}
	bootCancel()

	// Reputation lookups with TTL cache
	provider := reputation.NewHTTPProvider(cfg.Reputation, logger)
	reputationCache := reputation.NewCache(provider, cfg.Reputation, logger)

	// Security notifications
	var notifier services.SecurityNotifier = services.NoopNotifier{}
	if cfg.Email.Enabled {
		sesNotifier, err := services.NewAWSSESNotifier(cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
		if err != nil {
			logger.Error("failed to initialize email notifier", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = sesNotifier
	}

	// Services
	auditService := services.NewAuditService(auditRepo, logger)
	protectionService := services.NewProtectionService(buckets, wlStore, auditService, metrics, cfg.RateLimit, logger)
	scorer := threat.NewScorer(sessionRepo, cfg.Threat, logger)
	threatService := services.NewThreatService(scorer, reputationCache, tracker, wlStore, assessmentRepo, sessionRepo, auditService, notifier, metrics, cfg.Threat, logger)
	authService := services.NewAuthService(accountRepo, tracker, threatService, tokenManager, timingDelay, metrics, logger, auditLogger)

	// Start the assessment worker pool
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	threatService.Start(workerCtx)

	// Background cleanup
	cleanupManager := background.NewCleanupManager(
		tracker, wlStore, reputationCache, buckets, sessionRepo, auditRepo,
		logger, cfg.Reputation.SweepInterval, cfg.Lockout.AttemptRetention,
	)
	go cleanupManager.Start(workerCtx)

	// Client IP extraction honors forwarded headers only behind trusted proxies
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}

	// Handlers
	authHandler := handlers.NewAuthHandler(authService, ipConfig, logger)
	whitelistHandler := handlers.NewWhitelistHandler(wlStore, auditService, logger)
	threatHandler := handlers.NewThreatHandler(threatService, protectionService, tracker, auditService, logger)

	// CORS
	corsConfig := middlewareCustom.DefaultCORSConfig(cfg.Server.Env)
	if len(cfg.Server.AllowedOrigins) > 0 {
		corsConfig.AllowedOrigins = cfg.Server.AllowedOrigins
	}

	// Router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(corsConfig))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(middlewareCustom.GlobalThrottle(1000))
	router.Use(middlewareCustom.RateLimit(protectionService, tokenManager, ipConfig))

	routes.RegisterRoutes(router, authHandler, whitelistHandler, threatHandler, tokenManager, db, metrics)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", slog.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	<-shutdownCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", slog.Any("error", err))
	}

	cleanupManager.Stop()
	workerCancel()
	threatService.Wait()

	logger.Info("server stopped")
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
