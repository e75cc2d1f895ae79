package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/trading-engine/internal/auth"
	"github.com/ksred/trading-engine/internal/config"
	"github.com/ksred/trading-engine/internal/database"
	"github.com/ksred/trading-engine/internal/execution"
	"github.com/ksred/trading-engine/internal/idempotency"
	"github.com/ksred/trading-engine/internal/ledger"
	"github.com/ksred/trading-engine/internal/reconcile"
	"github.com/ksred/trading-engine/internal/retry"
	"github.com/ksred/trading-engine/internal/types"
	"github.com/ksred/trading-engine/internal/unknown"
	"github.com/ksred/trading-engine/internal/venue"
	"github.com/ksred/trading-engine/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the engine together and runs it with graceful shutdown support:
// database, venue client, ledgers, reconciler, orchestrator, maintenance
// loops, and the operator API.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	idem := idempotency.NewDatabase(db)
	orders := ledger.NewDatabase(db)
	registry := unknown.NewRegistry()
	controls := execution.NewControls(cfg.KillSwitch, cfg.SafeMode, cfg.DryRun)

	var venueClient venue.Client
	if cfg.Live() {
		venueClient = venue.NewRestClient(cfg.VenueBaseURL, cfg.VenueAPIKey, cfg.VenueAPISecret, cfg.VenueTimeout)
	} else {
		zlog.Warn().Msg("dry run: using mock venue, no live orders will be placed")
		venueClient = venue.NewMockVenue()
	}

	policy := retry.NewPolicy(cfg.RetryBaseDelay, cfg.RetryMaxDelay, cfg.RetryMaxAttempts, cfg.RetryMaxElapsed)
	reconciler := reconcile.NewReconciler(venueClient, orders, policy, reconcile.Config{
		Buffer:           cfg.ReconcileBuffer,
		MaxLookback:      cfg.ReconcileMaxLookback,
		ProbeInitial:     cfg.UnknownProbeInitial,
		ProbeMax:         cfg.UnknownProbeMax,
		EscalateAttempts: cfg.UnknownEscalateAttempts,
		ForceSafeMode:    cfg.EscalateForceSafeMode,
		ForceKillSwitch:  cfg.EscalateForceKillSwitch,
	}, controls)

	breaker := venue.NewBreaker(cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerTimeout)

	// Symbol rules would normally come from the venue's exchange-info
	// endpoint; the engine takes them from config so a stale cache can never
	// loosen a filter.
	rules := make(map[string]types.SymbolRule)
	for _, rule := range cfg.SymbolRules {
		rules[rule.Symbol] = rule
	}

	orch := execution.NewOrchestrator(cfg, controls, venueClient, idem, orders, registry, reconciler, breaker, rules)

	processor := execution.NewProcessor(orch, reconciler)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()
	go processor.Start(processorCtx)

	// Initialize router, services and handlers
	router := gin.Default()

	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	authService.RegisterAPICredentials(cfg.OperatorAPIKey, cfg.OperatorAPISecret)

	engineHandlers := execution.NewGinHandlers(orch, orders, registry, controls)

	router.Use(middleware.RateLimit())
	setupRoutes(router, cfg, authHandlers, engineHandlers)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down engine...")

	// Stop maintenance first so no probe races the server teardown
	processorCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Engine exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Read routes: Protected by JWT authentication
// - Control routes: Additionally require the control permission
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	engineHandlers *execution.GinHandlers,
) {
	router.GET("/health", engineHandlers.HealthHandler())

	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(cfg.JWTSecret), middleware.RequirePermission(auth.PermRead))
		{
			orders.GET("", engineHandlers.ListOrdersHandler())
			orders.GET("/:order_id", engineHandlers.GetOrderHandler())
		}

		unknownRoutes := v1.Group("/unknown")
		unknownRoutes.Use(middleware.JWTAuth(cfg.JWTSecret), middleware.RequirePermission(auth.PermRead))
		{
			unknownRoutes.GET("", engineHandlers.ListUnknownHandler())
		}

		controls := v1.Group("/controls")
		controls.Use(middleware.JWTAuth(cfg.JWTSecret), middleware.RequirePermission(auth.PermControl))
		{
			controls.GET("", engineHandlers.GetControlsHandler())
			controls.POST("", engineHandlers.SetControlHandler())
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(cfg.JWTSecret), middleware.RequirePermission(auth.PermControl))
		{
			admin.POST("/orders/:order_id/cancel", engineHandlers.CancelOrderHandler())
			admin.POST("/prune", engineHandlers.PruneHandler())
		}
	}
}
