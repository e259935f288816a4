/*
main.go - Application entry point

PURPOSE:
  Starts the rewards engine HTTP server, or seeds the database.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve   Start the HTTP server (default)
  seed    Write the default earn configuration and exit

STARTUP SEQUENCE (serve):
  1. Load configuration (environment, .env, flags)
  2. Initialize SQLite store
  3. Seed the default earn configuration if none exists
  4. Create API handler, metrics and router
  5. Start the expired-season sweeper
  6. Start server with graceful shutdown

FLAGS:
  --port   HTTP server port (overrides PORT)
  --db     SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  ./rewards-server serve --db="./data/rewards.db"
  ./rewards-server serve --db=":memory:" --port=3000
  ./rewards-server seed --db="./data/rewards.db"

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carepoint/rewards-engine/api"
	"github.com/carepoint/rewards-engine/config"
	"github.com/carepoint/rewards-engine/metrics"
	"github.com/carepoint/rewards-engine/rewards"
	"github.com/carepoint/rewards-engine/store/sqlite"
)

type flags struct {
	port int
	db   string
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:   "rewards-server",
		Short: "Patient rewards engine API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(f)
		},
	}
	rootCmd.PersistentFlags().IntVar(&f.port, "port", 0, "HTTP server port (overrides PORT)")
	rootCmd.PersistentFlags().StringVar(&f.db, "db", "", "SQLite database path (overrides DB_PATH)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the rewards API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(f)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Create the default earn configuration if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(f)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.db != "" {
		cfg.DBPath = f.db
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Error().Err(err).Str("db", cfg.DBPath).Msg("failed to initialize database")
		return err
	}
	defer store.Close()

	var m *metrics.Metrics
	var recorder rewards.Recorder
	if cfg.MetricsEnabled {
		m = metrics.New()
		recorder = m
	}

	handler := api.NewHandler(store, logger, api.Options{
		Recorder: recorder,
		Retry: rewards.RetryPolicy{
			MaxTries:        cfg.AccrualRetryMaxTries,
			InitialInterval: cfg.AccrualRetryInitialInterval,
			MaxInterval:     rewards.DefaultRetryPolicy.MaxInterval,
		},
		CardAttempts: cfg.CardMaxAttempts,
	})

	if cfg.SeedDefaults {
		created, err := rewards.SeedDefaults(context.Background(), handler.Rules)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to seed default earn configuration")
		} else if created {
			logger.Info().Str("configuration_id", string(rewards.DefaultConfigurationID)).Msg("seeded default earn configuration")
		}
	}

	sweeper := api.NewSeasonSweeper(handler.Rules, nil, logger)
	sweeper.Enabled = cfg.SeasonSweepInterval > 0
	if sweeper.Enabled {
		sweeper.CheckInterval = cfg.SeasonSweepInterval
	}
	sweeper.Start()
	defer sweeper.Stop()

	router := api.NewRouter(handler, api.RouterConfig{CORSOrigins: cfg.CORSOrigins, Metrics: m})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
		return err
	}

	logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}

func runSeed(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := rewards.NewConfigurationManager(store, store, rewards.SystemClock{})
	created, err := rewards.SeedDefaults(context.Background(), mgr)
	if err != nil {
		return err
	}
	if created {
		logger.Info().Str("db", cfg.DBPath).Msg("default earn configuration created")
	} else {
		logger.Info().Str("db", cfg.DBPath).Msg("configurations already present, nothing to seed")
	}
	return nil
}
