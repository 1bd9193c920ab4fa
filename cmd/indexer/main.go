package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wavey0x/auction-curves-sub002/internal/admin"
	"github.com/wavey0x/auction-curves-sub002/internal/alert"
	"github.com/wavey0x/auction-curves-sub002/internal/config"
	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/pipeline"
	"github.com/wavey0x/auction-curves-sub002/internal/query"
	"github.com/wavey0x/auction-curves-sub002/internal/source"
	"github.com/wavey0x/auction-curves-sub002/internal/source/natsfeed"
	"github.com/wavey0x/auction-curves-sub002/internal/source/redisstream"
	"github.com/wavey0x/auction-curves-sub002/internal/store"
	"github.com/wavey0x/auction-curves-sub002/internal/store/postgres"
	storeredis "github.com/wavey0x/auction-curves-sub002/internal/store/redis"
)

const migrationsDir = "migrations"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting auction engine",
		"chains", cfg.Chains,
		"source_backend", cfg.Source.Backend,
		"finality_depth", cfg.Pipeline.FinalityDepth,
		"cache_enabled", cfg.Cache.Enabled,
		"admin_port", cfg.Server.AdminPort,
	)

	chains := make([]model.Chain, 0, len(cfg.Chains))
	for _, raw := range cfg.Chains {
		chain := model.Chain(raw)
		if !model.IsKnownChain(chain) {
			logger.Error("unknown chain in CHAINS", "chain", raw)
			os.Exit(1)
		}
		chains = append(chains, chain)
	}

	db, err := postgres.New(postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	repos := &pipeline.Repos{
		Auction:      postgres.NewAuctionRepo(db),
		Round:        postgres.NewRoundRepo(db),
		Take:         postgres.NewTakeRepo(db),
		Participant:  postgres.NewParticipantRepo(db),
		Cursor:       postgres.NewCursorRepo(db),
		IndexedBlock: postgres.NewIndexedBlockRepo(db),
	}

	cache, err := buildCache(cfg, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	if cache != nil {
		defer cache.Close()
	}

	sources, cleanup, err := buildSources(cfg, chains, cache, logger)
	if err != nil {
		logger.Error("failed to initialize event sources", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	alerter := buildAlerter(cfg, logger)

	var summaryCache store.SummaryCache
	if cache != nil && cfg.Cache.Enabled {
		summaryCache = cache
	}

	registry := pipeline.NewRegistry()
	for _, chain := range chains {
		pipelineCfg := pipeline.Config{
			Chain:                      chain,
			ChannelBufferSize:          cfg.Pipeline.ChannelBufferSize,
			FinalityDepth:              cfg.Pipeline.FinalityDepth,
			FinalizerInterval:          time.Duration(cfg.Pipeline.FinalizerIntervalSec) * time.Second,
			IndexedBlocksRetention:     cfg.Pipeline.IndexedBlocksRetention,
			ReorgDetectorInterval:      time.Duration(cfg.Pipeline.ReorgDetectorIntervalSec) * time.Second,
			ReorgDetectorMaxCheckDepth: cfg.Pipeline.ReorgDetectorMaxCheckDepth,
			IngesterRetryMaxAttempts:   cfg.Pipeline.RetryMaxAttempts,
			IngesterRetryDelayInitial:  time.Duration(cfg.Pipeline.RetryDelayInitialMs) * time.Millisecond,
			IngesterRetryDelayMax:      time.Duration(cfg.Pipeline.RetryDelayMaxMs) * time.Millisecond,
			RestartBackoff:             time.Duration(cfg.Pipeline.RestartBackoffSec) * time.Second,
			UnhealthyRestartThreshold:  cfg.Pipeline.UnhealthyThreshold,
			Alerter:                    alerter,
		}
		registry.Register(pipeline.New(pipelineCfg, sources[chain], db, repos, summaryCache, logger))
	}

	queryOpts := []query.Option{}
	if summaryCache != nil {
		queryOpts = append(queryOpts, query.WithCache(summaryCache, time.Duration(cfg.Cache.TTLSec)*time.Second))
	}
	queries := query.New(repos.Auction, repos.Round, repos.Take, repos.Participant, logger, queryOpts...)

	server := admin.NewServer(
		queries, repos.Cursor, logger,
		admin.WithHealthProvider(registry),
		admin.WithReorgCheckTrigger(registry),
	)

	rateLimiter := admin.NewRateLimitMiddleware(logger)
	defer rateLimiter.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.AdminPort)
		logger.Info("http server started", "addr", addr)
		return server.Serve(gCtx, addr, rateLimiter.Wrap, admin.AuditMiddleware(logger))
	})

	for _, chain := range chains {
		p := registry.Get(chain)
		g.Go(func() error {
			return p.Run(gCtx)
		})
	}

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("auction engine exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("auction engine shut down gracefully")
}

func buildCache(cfg *config.Config, logger *slog.Logger) (*storeredis.Cache, error) {
	// The redis connection backs both the summary cache and the redis
	// stream source, so it is needed whenever either is on.
	if !cfg.Cache.Enabled && cfg.Source.Backend != config.SourceBackendRedis {
		return nil, nil
	}
	cache, err := storeredis.NewCache(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to redis")
	return cache, nil
}

func buildSources(
	cfg *config.Config,
	chains []model.Chain,
	cache *storeredis.Cache,
	logger *slog.Logger,
) (map[model.Chain]source.Source, func(), error) {
	sources := make(map[model.Chain]source.Source, len(chains))
	cleanup := func() {}

	switch cfg.Source.Backend {
	case config.SourceBackendRedis:
		if cache == nil {
			return nil, cleanup, fmt.Errorf("redis source backend requires a redis connection")
		}
		var opts []redisstream.Option
		if cfg.Source.RateLimitPerSec > 0 {
			opts = append(opts, redisstream.WithRateLimit(cfg.Source.RateLimitPerSec, cfg.Source.RateLimitBurst))
		}
		opts = append(opts, redisstream.WithLogger(logger))
		for _, chain := range chains {
			sources[chain] = redisstream.New(cache.Client(), chain, cfg.Source.Consumer, opts...)
		}

	case config.SourceBackendNATS:
		nc, js, err := natsfeed.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return nil, cleanup, fmt.Errorf("connect nats: %w", err)
		}
		cleanup = nc.Close
		if err := natsfeed.EnsureStream(context.Background(), js); err != nil {
			nc.Close()
			return nil, func() {}, fmt.Errorf("ensure nats stream: %w", err)
		}
		for _, chain := range chains {
			sources[chain] = natsfeed.New(js, chain, logger)
		}

	default:
		return nil, cleanup, fmt.Errorf("unknown source backend %q", cfg.Source.Backend)
	}

	return sources, cleanup, nil
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	// Each channel is guarded so a dead webhook endpoint suspends itself
	// instead of adding its timeout to every alert.
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewGuardedAlerter(alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL)))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewGuardedAlerter(alert.NewWebhookAlerter(cfg.Alert.WebhookURL)))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	cooldown := time.Duration(cfg.Alert.CooldownSec) * time.Second
	return alert.NewMultiAlerter(cooldown, logger, channels...)
}
