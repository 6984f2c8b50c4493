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
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/starfall-labs/dust-ledger/internal/apps"
	"github.com/starfall-labs/dust-ledger/internal/coord"
	"github.com/starfall-labs/dust-ledger/internal/httpserver"
	"github.com/starfall-labs/dust-ledger/internal/metrics"
	"github.com/starfall-labs/dust-ledger/internal/reconciler"
	"github.com/starfall-labs/dust-ledger/internal/store/gormstore"
	"github.com/starfall-labs/dust-ledger/pkg/dust"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL     = "database-url"
	flagRedisAddr       = "redis-addr"
	flagRedisPassword   = "redis-password"
	flagListenAddr      = "listen-addr"
	flagSigningKey      = "token-signing-key"
	flagTokenIssuer     = "token-issuer"
	flagAllowedOrigins  = "allowed-origins"
	flagAppDirectoryURL = "app-directory-url"
	flagPricingURL      = "pricing-url"

	configKeyDatabaseURL     = "database_url"
	configKeyRedisAddr       = "redis_addr"
	configKeyRedisPassword   = "redis_password"
	configKeyListenAddr      = "listen_addr"
	configKeySigningKey      = "token_signing_key"
	configKeyTokenIssuer     = "token_issuer"
	configKeyAllowedOrigins  = "allowed_origins"
	configKeyAppDirectoryURL = "app_directory_url"
	configKeyPricingURL      = "pricing_url"

	defaultDatabaseURL = "sqlite:///tmp/dust-ledger.db"
	defaultRedisAddr   = "localhost:6379"
	defaultListenAddr  = ":8080"
)

type runtimeConfig struct {
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	ListenAddr      string
	SigningKey      string
	TokenIssuer     string
	AllowedOrigins  string
	AppDirectoryURL string
	PricingURL      string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dustd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "dustd",
		Short:         "DUST ledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagRedisAddr, defaultRedisAddr, "Redis address for locks, cache, and events")
	cmd.Flags().String(flagRedisPassword, "", "Redis password")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagSigningKey, "", "HMAC key for bearer token validation")
	cmd.Flags().String(flagTokenIssuer, "", "Expected token issuer")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-separated CORS origins")
	cmd.Flags().String(flagAppDirectoryURL, "", "Base URL of the app directory service (optional)")
	cmd.Flags().String(flagPricingURL, "", "Base URL of the pricing service (optional)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]struct {
		flag string
		env  string
	}{
		configKeyDatabaseURL:     {flagDatabaseURL, "DATABASE_URL"},
		configKeyRedisAddr:       {flagRedisAddr, "REDIS_ADDR"},
		configKeyRedisPassword:   {flagRedisPassword, "REDIS_PASSWORD"},
		configKeyListenAddr:      {flagListenAddr, "LISTEN_ADDR"},
		configKeySigningKey:      {flagSigningKey, "TOKEN_SIGNING_KEY"},
		configKeyTokenIssuer:     {flagTokenIssuer, "TOKEN_ISSUER"},
		configKeyAllowedOrigins:  {flagAllowedOrigins, "ALLOWED_ORIGINS"},
		configKeyAppDirectoryURL: {flagAppDirectoryURL, "APP_DIRECTORY_URL"},
		configKeyPricingURL:      {flagPricingURL, "PRICING_URL"},
	}
	for key, binding := range bindings {
		if err := viper.BindEnv(key, binding.env); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(binding.flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.RedisPassword = viper.GetString(configKeyRedisPassword)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.SigningKey = viper.GetString(configKeySigningKey)
	cfg.TokenIssuer = viper.GetString(configKeyTokenIssuer)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.AppDirectoryURL = viper.GetString(configKeyAppDirectoryURL)
	cfg.PricingURL = viper.GetString(configKeyPricingURL)

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.RedisAddr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if cfg.SigningKey == "" {
		return fmt.Errorf("token signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	store := gormstore.New(gormDB)
	locker := coord.NewLock(redisClient)
	balanceCache := coord.NewBalanceCache(redisClient, 0)
	idempotency := coord.NewIdempotencyStore(redisClient, 0)
	publisher := coord.NewEventPublisher(redisClient)

	clock := func() int64 { return time.Now().UTC().Unix() }
	options := []dust.ServiceOption{
		dust.WithBalanceCache(balanceCache),
		dust.WithIdempotencyStore(idempotency),
		dust.WithEventPublisher(publisher),
		dust.WithOperationLogger(dust.CombineOperationLoggers(
			operationLogger{logger: logger},
			metrics.OperationRecorder{},
		)),
	}
	if cfg.AppDirectoryURL != "" {
		directory := apps.NewDirectoryClient(apps.ClientConfig{BaseURL: cfg.AppDirectoryURL})
		options = append(options, dust.WithAppDirectory(apps.NewCachedDirectory(directory, 0)))
	}
	if cfg.PricingURL != "" {
		priceBook := apps.NewPriceClient(apps.ClientConfig{BaseURL: cfg.PricingURL})
		options = append(options, dust.WithPriceBook(apps.NewCachedPriceBook(priceBook, 0)))
	}

	service, err := dust.NewService(store, locker, clock, options...)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	jobs := reconciler.New(store, balanceCache, redisClient, eventListener{logger: logger}, logger, reconciler.Config{})
	go jobs.Run(ctx)

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:      cfg.ListenAddr,
		AllowedOrigins:  httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
		TokenSigningKey: cfg.SigningKey,
		TokenIssuer:     cfg.TokenIssuer,
	}, service, logger)
}

// operationLogger mirrors every ledger operation into the structured log.
type operationLogger struct {
	logger *zap.Logger
}

func (sink operationLogger) LogOperation(_ context.Context, entry dust.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
		zap.Int64("amount", entry.Amount.Int64()),
	}
	if !entry.AppID.IsZero() {
		fields = append(fields, zap.String("app_id", entry.AppID.String()))
	}
	if !entry.TransactionID.IsZero() {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		sink.logger.Warn("ledger operation rejected", fields...)
		return
	}
	sink.logger.Info("ledger operation", fields...)
}

// eventListener logs relayed balance changes from other replicas.
type eventListener struct {
	logger *zap.Logger
}

func (listener eventListener) OnBalanceChange(event dust.ChangeEvent) {
	listener.logger.Debug("balance changed",
		zap.String("user_id", event.UserID),
		zap.Int64("balance", event.Balance),
		zap.Int64("delta", event.Delta),
		zap.String("transaction_id", event.TransactionID))
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
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
			path = "dust-ledger.db"
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

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
