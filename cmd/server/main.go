/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and environment, then parse flags (flags win)
  2. Set up logging
  3. Initialize SQLite store
  4. Build services (billing, approval, owners) and the API handler
  5. Start the approval recovery sweeper if configured
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (env PORT, default 8080)
  -db      SQLite database path (env DATABASE_PATH, default billing.db)
           Use ":memory:" for in-memory database
  -env     .env file to load (default .env, missing is fine)

ENVIRONMENT:
  LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT      Logging
  ALLOWED_ORIGINS                        Comma-separated CORS origins
  OWNER_REMOVAL_COOLDOWN                 e.g. 24h
  APPROVAL_RECOVERY_INTERVAL             e.g. 1m (unset disables)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper and close the database
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/approval"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/logging"
	"github.com/warp/billing-engine/owners"
	"github.com/warp/billing-engine/store/sqlite"
)

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load")
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DATABASE_PATH)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DatabasePath).Msg("failed to initialize database")
	}
	defer store.Close()

	billingSvc := billing.NewService(store, logger)
	approvalSvc := approval.NewService(store, billingSvc, logger)
	ownersSvc := owners.NewService(store, logger)
	ownersSvc.RemovalCooldown = cfg.RemovalCooldown

	sweeper := approval.NewRecoverySweeper(approvalSvc, cfg.RecoveryInterval)
	sweeper.Start()
	defer sweeper.Stop()

	handler := api.NewHandler(store, billingSvc, approvalSvc, ownersSvc, logger)
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.Port).Str("db", cfg.DatabasePath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
