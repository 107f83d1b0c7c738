package main

import (
	"context"
	"net/http"
	"time"

	"spyglass/internal/stevedore/handlers"
	"spyglass/internal/stevedore/metrics"
	"spyglass/internal/stevedore/storage"
	"spyglass/internal/stevedore/uploads"
	stevedoreapi "spyglass/pkg/api/stevedore"
	"spyglass/pkg/cache"
	"spyglass/pkg/clients"
	"spyglass/pkg/config"
	"spyglass/pkg/logging"
	"spyglass/pkg/monitoring"
	pkgredis "spyglass/pkg/redis"
	"spyglass/pkg/server"
	"spyglass/pkg/validation"
	"spyglass/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("stevedore")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Stevedore (Upload Signer)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("stevedore", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("stevedore", version.Version, version.GitCommit)

	// Create custom upload metrics
	serviceMetrics := metrics.New(metricsCollector)

	// Object storage client for the upload landing bucket
	storageClient, err := storage.NewClient(storage.Config{
		Bucket:    config.RequireEnv("UPLOAD_BUCKET"),
		Prefix:    config.GetEnv("UPLOAD_PREFIX", "uploads"),
		Region:    config.GetEnv("AWS_REGION", "us-east-1"),
		Endpoint:  config.GetEnv("S3_ENDPOINT", ""),
		AccessKey: config.GetEnv("S3_ACCESS_KEY", ""),
		SecretKey: config.GetEnv("S3_SECRET_KEY", ""),
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Upload record store: Redis when configured, else single-replica memory
	recordTTL := config.GetEnvDuration("UPLOAD_RECORD_TTL", uploads.DefaultTTL)
	var store uploads.Store
	if redisAddrs := config.GetEnvStrings("REDIS_ADDRS", nil); len(redisAddrs) > 0 {
		redisClient, err := pkgredis.NewUniversalClient(ctx, pkgredis.Config{
			Addrs:      redisAddrs,
			MasterName: config.GetEnv("REDIS_MASTER_NAME", ""),
			Password:   config.GetEnv("REDIS_PASSWORD", ""),
			DB:         config.GetEnvInt("REDIS_DB", 0),
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer func() { _ = redisClient.Close() }()

		redisStore := uploads.NewRedisStore(redisClient, recordTTL, logger)
		store = redisStore

		// Peer replicas promote uploads too; drop our cached CDN probe
		// so the next poll here sees the transition.
		go func() {
			if err := redisStore.SubscribeStatus(ctx, func(ev stevedoreapi.StatusEvent) {
				handlers.InvalidateProbe(ev.UploadID)
			}); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("Status subscription ended")
			}
		}()

		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	} else {
		logger.Warn("REDIS_ADDRS not set, using in-memory upload store (single replica only)")
		store = uploads.NewMemoryStore(recordTTL)
	}

	cdnBaseURL := config.RequireEnv("CDN_BASE_URL")
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"UPLOAD_BUCKET": config.GetEnv("UPLOAD_BUCKET", ""),
		"CDN_BASE_URL":  cdnBaseURL,
	}))

	// CDN readiness probes: bounded retries behind a circuit breaker,
	// deduped across concurrent polls by a short-TTL cache.
	probeExecutor := clients.NewHTTPExecutor(clients.HTTPExecutorConfig{
		MaxRetries: 1,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   time.Second,
		CircuitBreaker: &clients.CircuitBreakerConfig{
			Name:   "cdn-probe",
			Logger: logger,
		},
	})
	probeCache := cache.New(cache.Options{
		TTL:         config.GetEnvDuration("PROBE_CACHE_TTL", 5*time.Second),
		NegativeTTL: config.GetEnvDuration("PROBE_NEGATIVE_TTL", 2*time.Second),
		MaxEntries:  4096,
	}, serviceMetrics.CacheHooks())

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "stevedore", healthChecker, metricsCollector)

	// Setup upload API routes
	handlers.Init(handlers.Dependencies{
		Logger:    logger,
		Metrics:   serviceMetrics,
		Store:     store,
		Storage:   storageClient,
		Validator: validation.NewRequestValidator(),

		JWTSecret:      []byte(config.RequireEnv("UPLOAD_JWT_SECRET")),
		TokenTTL:       config.GetEnvDuration("UPLOAD_TOKEN_TTL", uploads.DefaultTTL),
		PresignExpiry:  config.GetEnvDuration("PRESIGN_EXPIRY", storage.DefaultPresignExpiry),
		MaxUploadBytes: config.GetEnvInt64("MAX_UPLOAD_BYTES", handlers.DefaultMaxUploadBytes),

		CDNBaseURL: cdnBaseURL,

		ProbeClient:   &http.Client{Timeout: 5 * time.Second, Transport: clients.DefaultTransport()},
		ProbeExecutor: probeExecutor,
		ProbeCache:    probeCache,
	})
	handlers.RegisterRoutes(router)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("stevedore", "18091")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
