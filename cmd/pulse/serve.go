package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-pulse/internal/config"
	"github.com/radiusdt/vector-pulse/internal/database"
	"github.com/radiusdt/vector-pulse/internal/httpserver"
	"github.com/radiusdt/vector-pulse/internal/metrics"
	"github.com/radiusdt/vector-pulse/internal/middleware"
	"github.com/radiusdt/vector-pulse/internal/migrations"
	"github.com/radiusdt/vector-pulse/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		migrate, _ := cmd.Flags().GetBool("migrate")
		return serve(migrate)
	},
}

func init() {
	serveCmd.Flags().Bool("migrate", false, "apply pending database migrations before serving")
	rootCmd.AddCommand(serveCmd)
}

func serve(runMigrations bool) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize logger
	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting Vector-Pulse",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := &httpserver.Dependencies{
		Config: cfg,
		Logger: logger,
	}
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.NewMetrics(cfg.Metrics.Namespace, nil)
	}

	// Initialize PostgreSQL
	if cfg.Database.Enabled {
		if runMigrations {
			if err := migrations.Up(cfg.Database.DSN(), logger); err != nil {
				logger.Fatal("failed to migrate database", zap.Error(err))
			}
		}
		db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
		}
		defer db.Close()
		deps.DB = db
	} else {
		logger.Warn("PostgreSQL disabled, using in-memory stores")
	}

	// Initialize Redis
	if cfg.Redis.Enabled {
		rdb, err := database.NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
		deps.Redis = rdb
	}

	// Initialize ClickHouse page-view store
	if cfg.ClickHouse.Enabled {
		ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Fatal("failed to connect to ClickHouse", zap.Error(err))
		}
		defer ch.Close()

		events := storage.NewClickHouseEventStore(ch.DB)
		if err := events.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to create ClickHouse schema", zap.Error(err))
		}
		deps.Events = events
	}

	server := httpserver.NewServer(deps)
	defer server.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		// Campaign sends run inside the request
		WriteTimeout:   10 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Start rate limiter cleanup goroutine
	go server.RunMaintenance(ctx, time.Hour)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Cancel main context to stop background goroutines
	cancel()

	logger.Info("server stopped")
	return nil
}
