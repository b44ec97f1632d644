// Command server starts the Keygate HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"keygate/internal/api"
	"keygate/internal/gate"
	"keygate/internal/notify"
	"keygate/internal/observability/logging"
	"keygate/internal/observability/metrics"
	"keygate/internal/server"
	"keygate/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to the JSON accounts file")
	storageDriver := flag.String("storage-driver", "", "accounts store driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	webhookURL := flag.String("webhook-url", "", "Discord-compatible webhook URL for account alerts")
	notifyQueueDriver := flag.String("notify-queue-driver", "", "notification queue driver (memory or redis)")
	notifyQueueBuffer := flag.Int("notify-queue-buffer", 0, "in-memory notification queue depth before events are dropped")
	notifyTimeout := flag.Duration("notify-timeout", 0, "timeout for a single webhook delivery")
	notifyRedisAddr := flag.String("notify-queue-redis-addr", "", "Redis address for the notification queue")
	notifyRedisAddrs := flag.String("notify-queue-redis-addrs", "", "comma separated Redis addresses for the notification queue")
	notifyRedisUsername := flag.String("notify-queue-redis-username", "", "Redis username for the notification queue")
	notifyRedisPassword := flag.String("notify-queue-redis-password", "", "Redis password for the notification queue")
	notifyRedisStream := flag.String("notify-queue-redis-stream", "", "Redis stream key for queued notifications")
	notifyRedisGroup := flag.String("notify-queue-redis-group", "", "Redis consumer group for the notification queue")
	notifyRedisMasterName := flag.String("notify-queue-redis-sentinel-master", "", "Redis sentinel master name for the notification queue")
	notifyRedisPoolSize := flag.Int("notify-queue-redis-pool-size", 0, "maximum Redis connections for the notification queue")
	notifyRedisTLSCA := flag.String("notify-queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the notification queue")
	notifyRedisTLSCert := flag.String("notify-queue-redis-tls-cert", "", "path to Redis TLS client certificate for the notification queue")
	notifyRedisTLSKey := flag.String("notify-queue-redis-tls-key", "", "path to Redis TLS client key for the notification queue")
	notifyRedisTLSServerName := flag.String("notify-queue-redis-tls-server-name", "", "override Redis TLS server name for the notification queue")
	notifyRedisTLSSkipVerify := flag.Bool("notify-queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the notification queue")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	trustForwarded := flag.Bool("trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	upstreamOrigin := flag.String("upstream-origin", "", "origin of the proxied content runtime (e.g. http://127.0.0.1:3000)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "bound on graceful shutdown")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("KEYGATE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("KEYGATE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("KEYGATE_ADDR"), ":8080")

	upstreamURL, err := resolveUpstreamOrigin(*upstreamOrigin, os.Getenv("KEYGATE_UPSTREAM_ORIGIN"))
	if err != nil {
		logger.Error("invalid upstream origin", "error", err)
		os.Exit(1)
	}

	postgresDefaultDSN := strings.TrimSpace(firstNonEmpty(*postgresDSN, os.Getenv("KEYGATE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	driver := resolveStorageDriver(*storageDriver, os.Getenv("KEYGATE_STORAGE_DRIVER"), postgresDefaultDSN)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store       storage.Repository
		storeCloser func(context.Context) error
	)
	switch driver {
	case "json":
		dataFile := firstNonEmpty(*dataPath, os.Getenv("KEYGATE_DATA"), "data/accounts.json")
		store = storage.NewJSONStore(dataFile, logging.WithComponent(logger, "storage"))
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		pgStore, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
			DSN:                 postgresDefaultDSN,
			MaxConnections:      int32(resolveInt(*postgresMaxConns, "KEYGATE_POSTGRES_MAX_CONNS")),
			MinConnections:      int32(resolveInt(*postgresMinConns, "KEYGATE_POSTGRES_MIN_CONNS")),
			MaxConnLifetime:     resolveDuration(*postgresMaxConnLifetime, "KEYGATE_POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdleTime:     resolveDuration(*postgresMaxConnIdle, "KEYGATE_POSTGRES_MAX_CONN_IDLE", 0),
			HealthCheckInterval: resolveDuration(*postgresHealthInterval, "KEYGATE_POSTGRES_HEALTH_INTERVAL", 0),
			AppName:             firstNonEmpty(*postgresAppName, os.Getenv("KEYGATE_POSTGRES_APP_NAME")),
		})
		if err != nil {
			logger.Error("failed to open accounts store", "error", err)
			os.Exit(1)
		}
		store = pgStore
		storeCloser = pgStore.Close
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}

	webhook := firstNonEmpty(*webhookURL, os.Getenv("KEYGATE_WEBHOOK_URL"))
	notifier, notifierCloser, err := configureNotifier(notifierConfig{
		Driver:     firstNonEmpty(*notifyQueueDriver, os.Getenv("KEYGATE_NOTIFY_QUEUE_DRIVER")),
		WebhookURL: webhook,
		Buffer:     resolveInt(*notifyQueueBuffer, "KEYGATE_NOTIFY_QUEUE_BUFFER"),
		Timeout:    resolveDuration(*notifyTimeout, "KEYGATE_NOTIFY_TIMEOUT", 0),
		Redis: notify.RedisQueueConfig{
			Addr:       firstNonEmpty(*notifyRedisAddr, os.Getenv("KEYGATE_NOTIFY_QUEUE_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*notifyRedisAddrs, os.Getenv("KEYGATE_NOTIFY_QUEUE_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*notifyRedisUsername, os.Getenv("KEYGATE_NOTIFY_QUEUE_REDIS_USERNAME")),
			Password:   firstNonEmpty(*notifyRedisPassword, os.Getenv("KEYGATE_NOTIFY_QUEUE_REDIS_PASSWORD")),
			Stream:     firstNonEmpty(*notifyRedisStream, os.Getenv("KEYGATE_NOTIFY_QUEUE_REDIS_STREAM")),
			Group:      firstNonEmpty(*notifyRedisGroup, os.Getenv("KEYGATE_NOTIFY_QUEUE_REDIS_GROUP")),
			MasterName: firstNonEmpty(*notifyRedisMasterName, os.Getenv("KEYGATE_NOTIFY_QUEUE_REDIS_SENTINEL_MASTER")),
			PoolSize:   resolveInt(*notifyRedisPoolSize, "KEYGATE_NOTIFY_QUEUE_REDIS_POOL_SIZE"),
			Logger:     logging.WithComponent(logger, "notify-queue"),
			Recorder:   recorder,
			TLS: notify.RedisTLSConfig{
				CAFile:             firstNonEmpty(*notifyRedisTLSCA, os.Getenv("KEYGATE_NOTIFY_QUEUE_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*notifyRedisTLSCert, os.Getenv("KEYGATE_NOTIFY_QUEUE_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*notifyRedisTLSKey, os.Getenv("KEYGATE_NOTIFY_QUEUE_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*notifyRedisTLSServerName, os.Getenv("KEYGATE_NOTIFY_QUEUE_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*notifyRedisTLSSkipVerify, "KEYGATE_NOTIFY_QUEUE_REDIS_TLS_SKIP_VERIFY"),
			},
		},
		Logger:   logging.WithComponent(logger, "notify"),
		Recorder: recorder,
	})
	if err != nil {
		logger.Error("failed to configure notifier", "error", err)
		os.Exit(1)
	}

	engine := gate.NewEngine(store,
		gate.WithNotifier(notifier),
		gate.WithLogger(logging.WithComponent(logger, "gate")),
		gate.WithRecorder(recorder),
	)

	trustForwardedValue := resolveBool(*trustForwarded, "KEYGATE_TRUST_FORWARDED_HEADERS")
	handler := &api.Handler{
		Engine:                engine,
		Store:                 store,
		Logger:                logging.WithComponent(logger, "api"),
		TrustForwardedHeaders: trustForwardedValue,
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("KEYGATE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("KEYGATE_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "KEYGATE_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "KEYGATE_RATE_GLOBAL_BURST"),
			LoginLimit:    resolveInt(*loginLimit, "KEYGATE_RATE_LOGIN_LIMIT"),
			LoginWindow:   resolveDuration(*loginWindow, "KEYGATE_RATE_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("KEYGATE_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("KEYGATE_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "KEYGATE_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		Logger:                logger,
		Metrics:               recorder,
		UpstreamOrigin:        upstreamURL,
		TrustForwardedHeaders: trustForwardedValue,
		ShutdownTimeout:       resolveDuration(*shutdownTimeout, "KEYGATE_SHUTDOWN_TIMEOUT", 10*time.Second),
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("keygate listening", "addr", listenAddr, "storage_driver", driver)
	if webhook == "" {
		logger.Warn("no webhook configured, account alerts are disabled")
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if notifierCloser != nil {
		if err := notifierCloser(closeCtx); err != nil {
			logger.Warn("failed to drain notifier", "error", err)
		}
	}
	if storeCloser != nil {
		if err := storeCloser(closeCtx); err != nil {
			logger.Warn("failed to close accounts store", "error", err)
		}
	}

	logger.Info("server stopped")
}

type notifierConfig struct {
	Driver     string
	WebhookURL string
	Buffer     int
	Timeout    time.Duration
	Redis      notify.RedisQueueConfig
	Logger     *slog.Logger
	Recorder   *metrics.Recorder
}

func configureNotifier(cfg notifierConfig) (notify.Notifier, func(context.Context) error, error) {
	if cfg.WebhookURL == "" {
		return notify.NopNotifier{}, nil, nil
	}
	sink := notify.NewWebhookSink(cfg.WebhookURL)

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "redis":
		if len(cfg.Redis.Addrs) == 0 && strings.TrimSpace(cfg.Redis.Addr) == "" {
			return nil, nil, fmt.Errorf("redis addr is required for the notification queue")
		}
		queue, err := notify.NewRedisQueue(cfg.Redis, sink)
		if err != nil {
			return nil, nil, err
		}
		return queue, queue.Close, nil
	case "", "memory":
		opts := []notify.DispatcherOption{
			notify.WithDispatcherLogger(cfg.Logger),
			notify.WithDispatcherRecorder(cfg.Recorder),
		}
		if cfg.Buffer > 0 {
			opts = append(opts, notify.WithDispatcherBuffer(cfg.Buffer))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, notify.WithDeliveryTimeout(cfg.Timeout))
		}
		dispatcher := notify.NewDispatcher(sink, opts...)
		return dispatcher, dispatcher.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported notification queue driver %q", cfg.Driver)
	}
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres"
	}
	return "json"
}

func resolveUpstreamOrigin(flagValue, envValue string) (*url.URL, error) {
	raw := strings.TrimSpace(flagValue)
	if raw == "" {
		raw = strings.TrimSpace(envValue)
	}
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse upstream origin: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("upstream origin must include scheme and host")
	}
	return parsed, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
