// Package main is the CLI entrypoint for the Chorus federation bridge. It
// provides subcommands for running the service (serve), managing database
// migrations (migrate), and printing version information (version). The serve
// command loads configuration, connects to PostgreSQL (and optionally NATS
// and Redis), runs pending migrations, starts the HTTP edge and the delivery
// workers, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chorus-social/chorus-bridge/internal/activitypub"
	"github.com/chorus-social/chorus-bridge/internal/bridgecore"
	"github.com/chorus-social/chorus-bridge/internal/conductor"
	"github.com/chorus-social/chorus-bridge/internal/config"
	"github.com/chorus-social/chorus-bridge/internal/edge"
	"github.com/chorus-social/chorus-bridge/internal/edge/jwtauth"
	"github.com/chorus-social/chorus-bridge/internal/eventbus"
	"github.com/chorus-social/chorus-bridge/internal/ratelimit"
	"github.com/chorus-social/chorus-bridge/internal/repository"
	"github.com/chorus-social/chorus-bridge/internal/trust"
	"github.com/chorus-social/chorus-bridge/internal/workers"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("chorus-bridge — Federation bridge between Chorus Stages, the Conductor network, and ActivityPub")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  bridge <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the bridge service")
	fmt.Println("  migrate   Run database migrations (up|down|status)")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  bridge.toml (or set BRIDGE_CONFIG_PATH)")
	fmt.Println("  Env prefix:   BRIDGE_ (e.g. BRIDGE_DATABASE_URL)")
}

// runServe starts the full bridge: configuration, database, trust store,
// Conductor client stack, workers, and the HTTP edge.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting chorus-bridge",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	db, err := repository.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := repository.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	repo := repository.NewRepository(db, logger)

	trustStore, err := loadTrustStore(ctx, cfg, repo, logger)
	if err != nil {
		return fmt.Errorf("loading trust store: %w", err)
	}

	cond, err := buildConductorClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("building conductor client: %w", err)
	}
	defer cond.Close()

	var bus *eventbus.Bus
	if cfg.NATS.Enabled {
		bus, err = eventbus.New(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer bus.Close()
	}

	var limiter ratelimit.Limiter
	if cfg.Cache.Enabled {
		opts, err := redis.ParseURL(cfg.Cache.URL)
		if err != nil {
			return fmt.Errorf("parsing cache URL: %w", err)
		}
		limiter = ratelimit.NewRedisLimiter(redis.NewClient(opts), cfg.RateLimit.DefaultRPS, cfg.RateLimit.Burst)
		logger.Info("rate limiter backed by redis")
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.DefaultRPS, cfg.RateLimit.Burst)
		logger.Info("rate limiter running in process")
	}

	auth, err := jwtauth.New(jwtauth.Config{
		Enabled:          cfg.JWT.EnforcementEnabled,
		PublicKeyHex:     cfg.JWT.PublicKey,
		BridgeInstanceID: cfg.Instance.ID,
	}, repo, logger)
	if err != nil {
		return fmt.Errorf("building jwt authenticator: %w", err)
	}

	translator := activitypub.NewTranslator(cfg.ActivityPub.GenesisTimestamp, cfg.ActivityPub.ActorDomain)

	core := bridgecore.New(bridgecore.Config{
		InstanceID:             cfg.Instance.ID,
		ReplayCacheTTLSeconds:  cfg.Federation.ReplayCacheTTLSeconds,
		IdempotencyTTLSeconds:  cfg.Federation.IdempotencyTTLSeconds,
		FederationTargetStages: cfg.Federation.TargetStages,
		ActivityPubTargets:     cfg.ActivityPub.Targets,
		QuarantineMalformed:    cfg.Federation.QuarantineMalformed,
		Features: bridgecore.FeatureFlags{
			PostAnnounce:              cfg.Federation.Features.PostAnnounce,
			UserRegistration:          cfg.Federation.Features.UserRegistration,
			DayProofConsumption:       cfg.Federation.Features.DayProofConsumption,
			ModerationEvents:          cfg.Federation.Features.ModerationEvents,
			CommunityCreation:         cfg.Federation.Features.CommunityCreation,
			UserUpdate:                cfg.Federation.Features.UserUpdate,
			CommunityUpdate:           cfg.Federation.Features.CommunityUpdate,
			CommunityMembershipUpdate: cfg.Federation.Features.CommunityMembershipUpdate,
		},
	}, repo, cond, trustStore, translator, bus, logger)

	manager, err := workers.NewManager(workers.Config{
		BridgeInstanceID:             cfg.Instance.ID,
		OutboundInterval:             time.Duration(cfg.Workers.OutboundIntervalSeconds) * time.Second,
		OutboundMaxRetries:           cfg.Workers.OutboundMaxRetries,
		OutboundRetryDelaySeconds:    cfg.Workers.OutboundRetryDelaySeconds,
		ActivityPubInterval:          time.Duration(cfg.Workers.ActivityPubIntervalSeconds) * time.Second,
		ActivityPubMaxRetries:        cfg.Workers.ActivityPubMaxRetries,
		ActivityPubRetryDelaySeconds: cfg.Workers.ActivityPubRetryDelaySeconds,
		RequestTimeout:               time.Duration(cfg.Workers.RequestTimeoutSeconds) * time.Second,
		BatchSize:                    cfg.Workers.BatchSize,
		EgressRPS:                    cfg.Workers.EgressRPS,
		EgressBurst:                  cfg.Workers.EgressBurst,
		BridgePrivateKeyHex:          cfg.Keys.BridgePrivateKey,
		JWTSigningKeyHex:             cfg.Keys.BridgeJWTSigningKey,
	}, repo, translator, bus, logger)
	if err != nil {
		return fmt.Errorf("building delivery workers: %w", err)
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	manager.Start(workerCtx)
	go runCachePruner(workerCtx, repo, logger)

	server := edge.NewServer(edge.Config{
		Addr:           cfg.HTTP.Addr,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		RequestTimeout: time.Duration(cfg.HTTP.RequestTimeoutSeconds) * time.Second,
	}, core, db, limiter, auth, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		cancelWorkers()
		manager.Stop()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", slog.String("error", err.Error()))
	}

	cancelWorkers()
	manager.Stop()

	logger.Info("chorus-bridge stopped")
	return nil
}

// runCachePruner deletes expired replay/idempotency/JTI rows hourly. The
// caches stay correct without it (expired rows read as absent); this only
// bounds table growth.
func runCachePruner(ctx context.Context, repo *repository.Repository, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := repo.PruneExpiredCaches(ctx, time.Now().Unix()); err != nil {
				logger.Warn("cache prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// loadTrustStore prefers the configured JSON file; without one it falls back
// to the persisted snapshot so trust mutations survive restarts.
func loadTrustStore(ctx context.Context, cfg *config.Config, repo *repository.Repository, logger *slog.Logger) (*trust.Store, error) {
	if cfg.TrustStore.Path != "" {
		store, err := trust.LoadFile(cfg.TrustStore.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("trust store loaded from file",
			slog.String("path", cfg.TrustStore.Path),
			slog.Int("peers", len(store.Snapshot())))
		return store, nil
	}

	peers, err := repo.LoadTrustSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	store, err := trust.FromHexMapping(peers)
	if err != nil {
		return nil, err
	}
	logger.Info("trust store loaded from snapshot", slog.Int("peers", len(peers)))
	return store, nil
}

// buildConductorClient composes the configured concrete clients with the pool
// and cache decorators: Cache → Pool → HTTP/gRPC, or Cache → Memory.
func buildConductorClient(cfg *config.Config, logger *slog.Logger) (conductor.Client, error) {
	if cfg.Conductor.Mode == "memory" {
		logger.Info("conductor running in memory mode")
		return conductor.NewCachedClient(conductor.NewMemoryClient(), cfg.Conductor.CacheSize), nil
	}

	clients := make([]conductor.Client, 0, len(cfg.Conductor.Endpoints))
	for _, endpoint := range cfg.Conductor.Endpoints {
		switch cfg.Conductor.Protocol {
		case "http":
			clients = append(clients, conductor.NewHTTPClient(conductor.HTTPClientConfig{
				BaseURL:                 endpoint,
				MaxRetries:              cfg.Conductor.MaxRetries,
				RetryDelay:              cfg.Conductor.RetryDelay(),
				Timeout:                 cfg.Conductor.Timeout(),
				CircuitBreakerThreshold: cfg.Conductor.CircuitBreakerThreshold,
				CircuitBreakerTimeout:   cfg.Conductor.CircuitBreakerTimeout(),
			}, logger))
		case "grpc":
			client, err := conductor.NewGRPCClient(conductor.GRPCClientConfig{
				Target:                  endpoint,
				MaxRetries:              cfg.Conductor.MaxRetries,
				RetryDelay:              cfg.Conductor.RetryDelay(),
				Timeout:                 cfg.Conductor.Timeout(),
				CircuitBreakerThreshold: cfg.Conductor.CircuitBreakerThreshold,
				CircuitBreakerTimeout:   cfg.Conductor.CircuitBreakerTimeout(),
			}, logger)
			if err != nil {
				return nil, err
			}
			clients = append(clients, client)
		}
	}

	pool := conductor.NewPool(clients, cfg.Conductor.HealthCheckInterval(), cfg.Conductor.PoolMaxRetries, logger)
	logger.Info("conductor client stack ready",
		slog.String("protocol", cfg.Conductor.Protocol),
		slog.Int("endpoints", len(clients)))
	return conductor.NewCachedClient(pool, cfg.Conductor.CacheSize), nil
}

func runMigrate() error {
	logger := setupLogger("info", "text")

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	direction := "up"
	if len(os.Args) > 2 {
		direction = os.Args[2]
	}

	switch direction {
	case "up":
		return repository.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return repository.MigrateDown(cfg.Database.URL, logger)
	case "status":
		version, dirty, err := repository.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("version: %d, dirty: %v\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate direction: %s (use up, down, or status)", direction)
	}
}

func runVersion() {
	fmt.Printf("chorus-bridge %s (commit %s, built %s)\n", version, commit, buildDate)
}

func configPath() string {
	if path := os.Getenv("BRIDGE_CONFIG_PATH"); path != "" {
		return path
	}
	return "bridge.toml"
}

// setupLogger builds an slog.Logger with the requested level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
