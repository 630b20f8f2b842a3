package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prismgen/creditledger/internal/finalizer"
	"github.com/prismgen/creditledger/internal/httpapi"
	"github.com/prismgen/creditledger/internal/oplog"
	"github.com/prismgen/creditledger/internal/store/gormstore"
	"github.com/prismgen/creditledger/internal/store/pgstore"
	"github.com/prismgen/creditledger/pkg/creditledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagSweepInterval    = "sweep-interval"
	flagSweepBatch       = "sweep-batch"
	flagSweepUser        = "user"
	configKeyDatabaseURL = "database_url"
	configKeyListenAddr  = "listen_addr"
	configKeyOrigins     = "allowed_origins"
	configKeyInterval    = "sweep_interval"
	configKeyBatch       = "sweep_batch"
	defaultDatabaseURL   = "sqlite:///tmp/creditledger.db"
	defaultListenAddr    = ":8080"
	defaultSweepInterval = 30 * time.Second
	defaultSweepBatch    = 100
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AllowedOrigins []string
	SweepInterval  time.Duration
	SweepBatch     int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Prepaid credit ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.PersistentFlags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.PersistentFlags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.PersistentFlags().Duration(flagSweepInterval, defaultSweepInterval, "reservation expiry sweep cadence")
	cmd.PersistentFlags().Int(flagSweepBatch, defaultSweepBatch, "rows claimed per sweep pass")

	cmd.AddCommand(newSweepLotsCommand(cfg))

	return cmd
}

func newSweepLotsCommand(cfg *runtimeConfig) *cobra.Command {
	var sweepUser string
	cmd := &cobra.Command{
		Use:   "sweep-lots",
		Short: "Expire overdue credit lots once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runLotSweep(ctx, cfg, sweepUser)
		},
	}
	cmd.Flags().StringVar(&sweepUser, flagSweepUser, "", "restrict the sweep to one user id")
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL: "DATABASE_URL",
		configKeyListenAddr:  "HTTP_LISTEN_ADDR",
		configKeyOrigins:     "ALLOWED_ORIGINS",
		configKeyInterval:    "SWEEP_INTERVAL",
		configKeyBatch:       "SWEEP_BATCH",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flagBindings := map[string]string{
		configKeyDatabaseURL: flagDatabaseURL,
		configKeyListenAddr:  flagListenAddr,
		configKeyOrigins:     flagAllowedOrigins,
		configKeyInterval:    flagSweepInterval,
		configKeyBatch:       flagSweepBatch,
	}
	for key, flagName := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(viper.GetString(configKeyOrigins))
	cfg.SweepInterval = viper.GetDuration(configKeyInterval)
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	cfg.SweepBatch = viper.GetInt(configKeyBatch)
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = defaultSweepBatch
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	broadcaster := creditledger.NewBroadcaster(0)
	defer broadcaster.Close()

	service, cleanup, pool, err := buildService(ctx, cfg, logger, broadcaster)
	if err != nil {
		return err
	}
	defer cleanup()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return logBalanceEvents(groupCtx, broadcaster, logger)
	})

	if pool != nil {
		listener := pgstore.NewNotifyListener(pool, broadcaster, logger)
		group.Go(func() error {
			err := listener.Run(groupCtx)
			if groupCtx.Err() != nil {
				return nil
			}
			return err
		})
	}

	worker := finalizer.New(service, logger,
		finalizer.WithInterval(cfg.SweepInterval),
		finalizer.WithBatchSize(cfg.SweepBatch),
	)
	group.Go(func() error {
		err := worker.Run(groupCtx)
		if groupCtx.Err() != nil {
			return nil
		}
		return err
	})

	group.Go(func() error {
		return httpapi.Run(groupCtx, httpapi.Config{
			ListenAddr:     cfg.ListenAddr,
			AllowedOrigins: cfg.AllowedOrigins,
		}, service, logger)
	})

	return group.Wait()
}

func runLotSweep(ctx context.Context, cfg *runtimeConfig, sweepUser string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	service, cleanup, _, err := buildService(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	closed, err := service.ExpireOverdueLots(ctx, sweepUser, cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("lot sweep: %w", err)
	}
	logger.Info("lot sweep complete", zap.Int("closed", closed))
	return nil
}

// buildService opens storage per the DSN scheme and wires the ledger service.
// The returned pool is nil on sqlite.
func buildService(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger, broadcaster *creditledger.Broadcaster) (*creditledger.Service, func(), *pgxpool.Pool, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	options := []creditledger.ServiceOption{
		creditledger.WithOperationLogger(oplog.New(logger)),
	}
	if broadcaster != nil {
		options = append(options, creditledger.WithBalancePublisher(broadcaster))
	}

	switch driver {
	case "postgres":
		gormDB, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("database open: %w", err)
		}
		if err := gormstore.AutoMigrate(gormDB); err != nil {
			return nil, nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("pool open: %w", err)
		}
		if broadcaster != nil {
			options = append(options, creditledger.WithBalancePublisher(pgstore.NewNotifyPublisher(pool, logger)))
		}
		service, err := creditledger.NewService(pgstore.New(pool), clock, options...)
		if err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("service init: %w", err)
		}
		return service, pool.Close, pool, nil

	case "sqlite":
		gormDB, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("database open: %w", err)
		}
		if err := gormstore.AutoMigrate(gormDB); err != nil {
			return nil, nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, nil, nil, err
		}
		service, err := creditledger.NewService(gormstore.New(gormDB.WithContext(ctx)), clock, options...)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, nil, fmt.Errorf("service init: %w", err)
		}
		return service, func() { _ = sqlDB.Close() }, nil, nil

	default:
		return nil, nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
}

func logBalanceEvents(ctx context.Context, broadcaster *creditledger.Broadcaster, logger *zap.Logger) error {
	events, cancel := broadcaster.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			logger.Debug("balance changed",
				zap.String("user_id", event.UserID),
				zap.String("event", string(event.Event)),
				zap.Int64("balance", event.Balance),
				zap.Int64("available", event.Available),
			)
		}
	}
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
