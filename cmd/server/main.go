package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/alerts"
	"github.com/dumpkeep-io/dumpkeep/internal/api"
	"github.com/dumpkeep-io/dumpkeep/internal/db"
	"github.com/dumpkeep-io/dumpkeep/internal/dbadapter"
	"github.com/dumpkeep-io/dumpkeep/internal/metrics"
	"github.com/dumpkeep-io/dumpkeep/internal/notify"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/runner"
	"github.com/dumpkeep-io/dumpkeep/internal/scheduler"
	"github.com/dumpkeep-io/dumpkeep/internal/secrets"
	"github.com/dumpkeep-io/dumpkeep/internal/storage"
	"github.com/dumpkeep-io/dumpkeep/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr      string
	dbDriver      string
	dbDSN         string
	masterKey     string
	logLevel      string
	tempDir       string
	slots         int64
	alertInterval time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "dumpkeep-server",
		Short: "Dumpkeep — self-hosted database backup orchestrator",
		Long: `Dumpkeep server schedules database backups, uploads the artifacts to
configured storage destinations, applies retention policies, and sends
notifications. It exposes a REST API and a WebSocket progress stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newAPIKeyCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("DUMPKEEP_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("DUMPKEEP_DB_DRIVER", "sqlite"), "Configuration database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("DUMPKEEP_DB_DSN", "./dumpkeep.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.masterKey, "master-key", envOrDefault("DUMPKEEP_MASTER_KEY", ""), "Master key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("DUMPKEEP_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.tempDir, "temp-dir", envOrDefault("DUMPKEEP_TEMP_DIR", ""), "Staging directory for dump artifacts (default: system temp)")
	root.PersistentFlags().Int64Var(&cfg.slots, "slots", 0, "Maximum concurrent backup runs (default 4)")
	root.PersistentFlags().DurationVar(&cfg.alertInterval, "alert-interval", time.Hour, "Interval between storage alert sweeps")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dumpkeep-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newAPIKeyCmd bootstraps API access: with no key in the database the REST
// API is unreachable, so the first key has to come from the CLI.
func newAPIKeyCmd(cfg *config) *cobra.Command {
	var (
		name string
		caps []string
	)

	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Create an API key and print the raw token once",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()
			if err := initSecrets(cfg); err != nil {
				return err
			}
			gdb, err := db.New(db.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
			if err != nil {
				return err
			}

			token, key, err := api.CreateKey(cmd.Context(), repositories.NewAPIKeyRepository(gdb), name, caps)
			if err != nil {
				return err
			}
			fmt.Printf("id:    %s\ntoken: %s\n", key.ID, token)
			fmt.Println("Store the token now; it cannot be recovered later.")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "bootstrap", "Key name")
	cmd.Flags().StringSliceVar(&caps, "capabilities", []string{api.CapAdmin}, "Capabilities (admin, jobs:read, jobs:execute)")
	return cmd
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := initSecrets(cfg); err != nil {
		return err
	}

	logger.Info("starting dumpkeep server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gdb, err := db.New(db.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
	if err != nil {
		return err
	}

	keys := repositories.NewAPIKeyRepository(gdb)
	sources := repositories.NewSourceRepository(gdb)
	destinations := repositories.NewDestinationRepository(gdb)
	channels := repositories.NewChannelRepository(gdb)
	profiles := repositories.NewProfileRepository(gdb)
	jobs := repositories.NewJobRepository(gdb)
	executions := repositories.NewExecutionRepository(gdb)
	snapshots := repositories.NewSnapshotRepository(gdb)
	alertStates := repositories.NewAlertStateRepository(gdb)
	settings := repositories.NewSettingsRepository(gdb)
	notifLogs := repositories.NewNotificationLogRepository(gdb)

	storageReg := storage.NewRegistry()
	dbReg := dbadapter.NewRegistry()

	hub := websocket.NewHub()
	go hub.Run(ctx)

	dispatcher := notify.New(notify.Config{
		Channels: channels,
		Jobs:     jobs,
		Logs:     notifLogs,
		Settings: settings,
		Logger:   logger,
	})

	monitor := alerts.New(alerts.Config{
		Logger:       logger,
		Destinations: destinations,
		Jobs:         jobs,
		Snapshots:    snapshots,
		States:       alertStates,
		Settings:     settings,
		Storage:      storageReg,
		Notifier:     dispatcher,
		Interval:     cfg.alertInterval,
	})
	go monitor.Run(ctx)

	jobRunner := runner.New(runner.Config{
		Logger:       logger,
		TempDir:      cfg.tempDir,
		Jobs:         jobs,
		Sources:      sources,
		Destinations: destinations,
		Profiles:     profiles,
		Executions:   executions,
		Storage:      storageReg,
		Databases:    dbReg,
		Events:       &metrics.Sink{Next: dispatcher},
		Broadcast:    hub,
		Snapshots:    monitor,
	})

	sched, err := scheduler.New(scheduler.Config{
		Logger: logger,
		Jobs:   jobs,
		Runner: jobRunner,
		Slots:  cfg.slots,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Logger:          logger,
		Keys:            keys,
		Sources:         sources,
		Destinations:    destinations,
		Channels:        channels,
		Profiles:        profiles,
		Jobs:            jobs,
		Executions:      executions,
		Snapshots:       snapshots,
		Settings:        settings,
		Scheduler:       sched,
		Runner:          jobRunner,
		Hub:             hub,
		Dispatcher:      dispatcher,
		Limiter:         api.NewRateLimiter(settings, logger),
		StorageAdapters: storageReg,
		DBAdapters:      dbReg,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down dumpkeep server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler shutdown", zap.Error(err))
	}
	return nil
}

func initSecrets(cfg *config) error {
	if cfg.masterKey == "" {
		return fmt.Errorf("master key is required — set --master-key or DUMPKEEP_MASTER_KEY")
	}
	if err := secrets.Init([]byte(strings.TrimSpace(cfg.masterKey))); err != nil {
		return fmt.Errorf("failed to initialize secret store: %w", err)
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
