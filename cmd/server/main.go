package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/api"
	"github.com/dbkeep-io/dbkeep/internal/auth"
	"github.com/dbkeep-io/dbkeep/internal/backup"
	"github.com/dbkeep-io/dbkeep/internal/db"
	"github.com/dbkeep-io/dbkeep/internal/metrics"
	"github.com/dbkeep-io/dbkeep/internal/notification"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
	"github.com/dbkeep-io/dbkeep/internal/restore"
	"github.com/dbkeep-io/dbkeep/internal/scheduler"
	"github.com/dbkeep-io/dbkeep/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr  string
	dbDriver  string
	dbDSN     string
	secretKey string
	logLevel  string
	dataDir   string

	jwtPrivateKey string
	jwtPublicKey  string
	jwtIssuer     string

	smtpHost     string
	smtpPort     int
	smtpUsername string
	smtpPassword string
	smtpFrom     string
	smtpTLS      bool

	telegramBotToken string

	workers int
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
		Use:   "dbkeep-server",
		Short: "dbkeep server — database backup and restore automation",
		Long: `dbkeep server schedules and executes database backups (PostgreSQL,
MySQL, SQLite, Neo4j) to local, SFTP and Google Drive destinations, applies
retention, and exposes a REST API for management and restores.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))
	root.AddCommand(newTokenCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("DBKEEP_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("DBKEEP_DB_DRIVER", "sqlite"), "State database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("DBKEEP_DB_DSN", "./dbkeep.db"), "State database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("DBKEEP_SECRET_KEY", ""), "32-byte master key for sealing stored credentials (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("DBKEEP_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("DBKEEP_DATA_DIR", "./data"), "Directory for local backups and spool files")

	root.PersistentFlags().StringVar(&cfg.jwtPrivateKey, "jwt-private-key", envOrDefault("DBKEEP_JWT_PRIVATE_KEY", ""), "PEM file with the RSA private key for API tokens (empty: ephemeral pair)")
	root.PersistentFlags().StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("DBKEEP_JWT_PUBLIC_KEY", ""), "PEM file with the RSA public key for API tokens")
	root.PersistentFlags().StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("DBKEEP_JWT_ISSUER", "dbkeep"), "Issuer claim expected in API tokens")

	root.PersistentFlags().StringVar(&cfg.smtpHost, "smtp-host", envOrDefault("DBKEEP_SMTP_HOST", ""), "SMTP host for email notifications (empty: email disabled)")
	root.PersistentFlags().IntVar(&cfg.smtpPort, "smtp-port", 587, "SMTP port")
	root.PersistentFlags().StringVar(&cfg.smtpUsername, "smtp-username", envOrDefault("DBKEEP_SMTP_USERNAME", ""), "SMTP username")
	root.PersistentFlags().StringVar(&cfg.smtpPassword, "smtp-password", envOrDefault("DBKEEP_SMTP_PASSWORD", ""), "SMTP password")
	root.PersistentFlags().StringVar(&cfg.smtpFrom, "smtp-from", envOrDefault("DBKEEP_SMTP_FROM", ""), "From address for email notifications")
	root.PersistentFlags().BoolVar(&cfg.smtpTLS, "smtp-tls", false, "Use implicit TLS (port 465 style) for SMTP")

	root.PersistentFlags().StringVar(&cfg.telegramBotToken, "telegram-bot-token", envOrDefault("DBKEEP_TELEGRAM_BOT_TOKEN", ""), "Telegram bot token for notifications (empty: telegram disabled)")

	root.PersistentFlags().IntVar(&cfg.workers, "workers", scheduler.DefaultWorkers, "Concurrent scheduled backup workers")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dbkeep-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newTokenCmd(cfg *config) *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with the configured JWT key pair",
		Long: `Issue a bearer token for the REST API. Requires --jwt-private-key and
--jwt-public-key; tokens minted from an ephemeral pair would die with the
process that made them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.jwtPrivateKey == "" || cfg.jwtPublicKey == "" {
				return fmt.Errorf("token issuance requires --jwt-private-key and --jwt-public-key")
			}
			mgr, err := auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, cfg.jwtIssuer)
			if err != nil {
				return err
			}
			token, err := mgr.IssueToken(subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "Subject claim for the token")
	cmd.Flags().StringSliceVar(&roles, "roles", []string{auth.RoleAdmin}, "Roles to embed (e.g. backup:read,backup:run)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (0: 24h default)")
	return cmd
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			// db.New applies pending migrations on open.
			if _, err := db.New(db.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger}); err != nil {
				return err
			}
			logger.Info("migrations applied", zap.String("driver", cfg.dbDriver))
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or DBKEEP_SECRET_KEY")
	}
	if err := db.InitEncryption([]byte(cfg.secretKey)); err != nil {
		return err
	}

	logger.Info("starting dbkeep server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- State database and repositories ---
	database, err := db.New(db.Config{Driver: cfg.dbDriver, DSN: cfg.dbDSN, Logger: logger})
	if err != nil {
		return err
	}
	targets := repositories.NewTargetRepository(database)
	destinations := repositories.NewDestinationRepository(database)
	schedules := repositories.NewScheduleRepository(database)
	runs := repositories.NewRunRepository(database)

	// --- Token verification ---
	verifier, err := buildJWTManager(cfg, logger)
	if err != nil {
		return err
	}

	// --- Storage, pipelines, scheduler ---
	factory := &storage.Factory{LocalRoot: filepath.Join(cfg.dataDir, "backups")}
	resolver := &backup.Resolver{
		Destinations: destinations,
		Factory:      factory,
		Pool:         storage.NewPool(logger),
	}

	notifier := notification.NewService(notification.Config{
		Logger:   logger,
		SMTP:     smtpConfig(cfg),
		Telegram: telegramConfig(cfg),
	})

	mtr := metrics.New()
	locks := backup.NewLocks()

	backups := backup.NewPipeline(backup.PipelineConfig{
		Logger:   logger,
		Runs:     runs,
		Resolver: resolver,
		Notifier: notifier,
		Metrics:  mtr,
		Locks:    locks,
		SpoolDir: filepath.Join(cfg.dataDir, "spool"),
	})
	restores := restore.NewPipeline(restore.PipelineConfig{
		Logger:   logger,
		Runs:     runs,
		Resolver: resolver,
		Locks:    locks,
		Metrics:  mtr,
	})

	sched, err := scheduler.New(scheduler.Config{
		Logger:    logger,
		Schedules: schedules,
		Targets:   targets,
		Runs:      runs,
		Pipeline:  backups,
		Workers:   cfg.workers,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	// --- HTTP API ---
	router := api.NewRouter(api.RouterConfig{
		Verifier:     verifier,
		Logger:       logger,
		Scheduler:    sched,
		Metrics:      mtr,
		Targets:      targets,
		Destinations: destinations,
		Schedules:    schedules,
		Runs:         runs,
		Backups:      backups,
		Restores:     restores,
		Resolver:     resolver,
		Factory:      factory,
	})
	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down dbkeep server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if err := sched.Stop(); err != nil {
		logger.Error("scheduler shutdown failed", zap.Error(err))
	}
	return nil
}

// buildJWTManager loads the RSA pair from disk, or generates an ephemeral
// one and logs a bootstrap admin token so the instance stays reachable.
func buildJWTManager(cfg *config, logger *zap.Logger) (*auth.JWTManager, error) {
	if cfg.jwtPrivateKey != "" && cfg.jwtPublicKey != "" {
		return auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, cfg.jwtIssuer)
	}

	mgr, err := auth.NewJWTManagerGenerated(cfg.jwtIssuer)
	if err != nil {
		return nil, err
	}
	token, err := mgr.IssueToken("bootstrap", []string{auth.RoleAdmin}, 0)
	if err != nil {
		return nil, err
	}
	logger.Warn("no JWT key pair configured, generated an ephemeral one; "+
		"all tokens are invalidated on restart",
		zap.String("bootstrap_admin_token", token))
	return mgr, nil
}

func smtpConfig(cfg *config) *notification.SMTPConfig {
	if cfg.smtpHost == "" {
		return nil
	}
	return &notification.SMTPConfig{
		Host:     cfg.smtpHost,
		Port:     cfg.smtpPort,
		Username: cfg.smtpUsername,
		Password: cfg.smtpPassword,
		From:     cfg.smtpFrom,
		TLS:      cfg.smtpTLS,
	}
}

func telegramConfig(cfg *config) *notification.TelegramConfig {
	if cfg.telegramBotToken == "" {
		return nil
	}
	return &notification.TelegramConfig{BotToken: cfg.telegramBotToken}
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
