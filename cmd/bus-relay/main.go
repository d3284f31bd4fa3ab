package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// flags are command line overrides applied over the config file. Empty
// values leave the file setting in place.
type flags struct {
	configPath string
	listenAddr string
	store      string
	logLevel   string

	dbHost     string
	dbPort     int
	dbUser     string
	dbPassword string
	dbName     string

	redisAddr     string
	redisPassword string

	handlers       string
	minioEndpoint  string
	minioAccessKey string
	minioSecretKey string
	minioBucket    string
	minioUseSSL    bool

	natsToken string
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", envOrDefault("BUS_RELAY_CONFIG", ""), "Path to YAML config file")
	flag.StringVar(&f.listenAddr, "listen", envOrDefault("LISTEN_ADDR", ""), "HTTP listen address")
	flag.StringVar(&f.store, "store", envOrDefault("BUS_STORE", ""), "Queue store: memory or postgres")
	flag.StringVar(&f.logLevel, "log-level", envOrDefault("LOG_LEVEL", ""), "Log level: debug, info, warn, error")

	flag.StringVar(&f.dbHost, "db-host", envOrDefault("DB_HOST", ""), "Database host")
	flag.IntVar(&f.dbPort, "db-port", envOrDefaultInt("DB_PORT", 0), "Database port")
	flag.StringVar(&f.dbUser, "db-user", envOrDefault("DB_USER", ""), "Database user")
	flag.StringVar(&f.dbPassword, "db-password", envOrDefault("DB_PASSWORD", ""), "Database password")
	flag.StringVar(&f.dbName, "db-name", envOrDefault("DB_NAME", ""), "Database name")

	flag.StringVar(&f.redisAddr, "redis-addr", envOrDefault("REDIS_ADDR", ""), "Redis address")
	flag.StringVar(&f.redisPassword, "redis-password", envOrDefault("REDIS_PASSWORD", ""), "Redis password")

	flag.StringVar(&f.handlers, "handlers", envOrDefault("BUS_HANDLERS", ""), "Handler module source: none or minio")
	flag.StringVar(&f.minioEndpoint, "minio-endpoint", envOrDefault("MINIO_ENDPOINT", ""), "MinIO/S3 endpoint")
	flag.StringVar(&f.minioAccessKey, "minio-access-key", envOrDefault("MINIO_ACCESS_KEY", ""), "MinIO access key")
	flag.StringVar(&f.minioSecretKey, "minio-secret-key", envOrDefault("MINIO_SECRET_KEY", ""), "MinIO secret key")
	flag.StringVar(&f.minioBucket, "minio-bucket", envOrDefault("MINIO_BUCKET", ""), "MinIO bucket for handler modules")
	flag.BoolVar(&f.minioUseSSL, "minio-ssl", envOrDefaultBool("MINIO_USE_SSL", false), "Use SSL for MinIO")

	flag.StringVar(&f.natsToken, "nats-token", envOrDefault("NATS_TOKEN", ""), "Default NATS auth token")
	flag.Parse()

	cfg, err := LoadConfig(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	f.apply(&cfg)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func (f flags) apply(cfg *Config) {
	setString(&cfg.ListenAddr, f.listenAddr)
	setString(&cfg.Store, f.store)
	setString(&cfg.LogLevel, f.logLevel)

	setString(&cfg.Database.Host, f.dbHost)
	if f.dbPort != 0 {
		cfg.Database.Port = f.dbPort
	}
	setString(&cfg.Database.User, f.dbUser)
	setString(&cfg.Database.Password, f.dbPassword)
	setString(&cfg.Database.Database, f.dbName)

	setString(&cfg.Redis.Addr, f.redisAddr)
	setString(&cfg.Redis.Password, f.redisPassword)

	setString(&cfg.Handlers.Source, f.handlers)
	setString(&cfg.Handlers.Loader.Endpoint, f.minioEndpoint)
	setString(&cfg.Handlers.Loader.AccessKey, f.minioAccessKey)
	setString(&cfg.Handlers.Loader.SecretKey, f.minioSecretKey)
	setString(&cfg.Handlers.Loader.Bucket, f.minioBucket)
	if f.minioUseSSL {
		cfg.Handlers.Loader.UseSSL = true
	}

	setString(&cfg.NATS.Token, f.natsToken)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	defer a.close()

	var wg sync.WaitGroup
	for _, watch := range a.watchers {
		wg.Add(1)
		go func(watch func(context.Context) error) {
			defer wg.Done()
			if err := watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("change watcher stopped", "error", err)
			}
		}(watch)
	}

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      a.server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting bus relay",
		"addr", cfg.ListenAddr,
		"store", cfg.Store,
		"handlers", cfg.Handlers.Source,
	)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		a.engine.Stop()
		return fmt.Errorf("HTTP server error: %w", err)
	}

	a.engine.Stop()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	if err := a.engine.Drain(drainCtx); err != nil {
		logger.Warn("delivery workers still running at shutdown", "error", err)
	}

	cancel()
	wg.Wait()
	return nil
}
