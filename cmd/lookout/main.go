package main

import (
	"context"
	"strings"
	"time"

	"spyglass/internal/lookout/handlers"
	"spyglass/internal/lookout/metrics"
	"spyglass/internal/lookout/preload"
	"spyglass/pkg/cache"
	stevedoreclient "spyglass/pkg/clients/stevedore"
	"spyglass/pkg/config"
	"spyglass/pkg/feed"
	"spyglass/pkg/logging"
	"spyglass/pkg/monitoring"
	"spyglass/pkg/playback"
	"spyglass/pkg/server"
	"spyglass/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("lookout")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Lookout (Feed Watcher)")

	// Feed configuration
	relayURLs := config.GetEnvStrings("RELAY_URLS", []string{
		"wss://relay.damus.io",
		"wss://nos.lol",
		"wss://relay.primal.net",
	})
	feedLookback := config.GetEnvDuration("FEED_LOOKBACK", 24*time.Hour)
	feedLimit := config.GetEnvInt("FEED_LIMIT", 50)
	prefetchBytes := config.GetEnvInt64("PREFETCH_BYTES", preload.DefaultPrefetchBytes)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("lookout", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("lookout", version.Version, version.GitCommit)

	// Create custom feed metrics
	serviceMetrics := metrics.New(metricsCollector)

	// Controller factory: ranged HTTP prefetch with acquire timing
	factory := preload.NewFactory(preload.Config{
		PrefetchBytes: prefetchBytes,
		Logger:        logger,
	})

	// Playback manager
	managerConfig := playback.DefaultConfig()
	managerConfig.Factory = serviceMetrics.TimedFactory(factory)
	managerConfig.ControllerCeiling = config.GetEnvInt("CONTROLLER_CEILING", playback.DefaultControllerCeiling)
	managerConfig.Behind = config.GetEnvInt("WINDOW_BEHIND", playback.DefaultBehind)
	managerConfig.Ahead = config.GetEnvInt("WINDOW_AHEAD", playback.DefaultAhead)
	managerConfig.AcquireTimeout = config.GetEnvDuration("ACQUIRE_TIMEOUT", playback.DefaultAcquireTimeout)
	managerConfig.Logger = logger
	managerConfig.Hooks = serviceMetrics.PlaybackHooks()

	manager, err := playback.NewManager(managerConfig)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize playback manager")
	}
	defer func() { _ = manager.Close() }()

	// Relay clients with a standing short-video subscription
	subscription := feed.VideoSubscription(time.Now().Add(-feedLookback), feedLimit)
	relayClients := make([]*feed.RelayClient, 0, len(relayURLs))
	for _, url := range relayURLs {
		client, err := feed.NewRelayClient(feed.RelayConfig{URL: url, Logger: logger})
		if err != nil {
			logger.WithError(err).WithField("relay", url).Fatal("Failed to initialize relay client")
		}
		if err := client.Subscribe(subscription); err != nil {
			logger.WithError(err).WithField("relay", url).Fatal("Failed to subscribe to relay")
		}
		relayClients = append(relayClients, client)
	}

	ingester := feed.NewIngester(manager, relayClients, logger, serviceMetrics.IngestHooks())

	// Add health checks
	healthChecker.AddCheck("relays", monitoring.RelayHealthCheck(func() (int, int) {
		up := 0
		for _, client := range relayClients {
			if client.IsConnected() {
				up++
			}
		}
		return up, len(relayClients)
	}))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"RELAY_URLS": strings.Join(relayURLs, ","),
	}))

	// Start relay loops and the ingester
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, client := range relayClients {
		go client.Run(ctx)
	}
	go ingester.Run(ctx)

	// Refresh the by-phase gauge on every feed change
	go func() {
		changes, unsubscribe := manager.Subscribe()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				serviceMetrics.ObservePhases(manager.States())
			}
		}
	}()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "lookout", healthChecker, metricsCollector)

	// Optional upload status proxy toward Stevedore
	var uploadsClient *stevedoreclient.Client
	if stevedoreURL := config.GetEnv("STEVEDORE_URL", ""); stevedoreURL != "" {
		uploadsClient = stevedoreclient.NewClient(stevedoreclient.Config{
			BaseURL: stevedoreURL,
			Logger:  logger,
			Cache: cache.New(cache.Options{
				TTL:        config.GetEnvDuration("STEVEDORE_CACHE_TTL", 30*time.Second),
				MaxEntries: 1024,
			}, cache.MetricsHooks{}),
		})
		healthChecker.AddCheck("stevedore", monitoring.HTTPServiceHealthCheck("stevedore", stevedoreURL+"/health"))
	}

	// Setup feed API routes
	handlers.Init(handlers.Dependencies{
		Logger:  logger,
		Manager: manager,
		Relays:  relayClients,
		Uploads: uploadsClient,
	})
	handlers.RegisterRoutes(router)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("lookout", "18090")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
