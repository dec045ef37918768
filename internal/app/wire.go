package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/streambet/internal/blob/s3"
	"github.com/alanyoungcy/streambet/internal/cache/redis"
	"github.com/alanyoungcy/streambet/internal/clearnode"
	"github.com/alanyoungcy/streambet/internal/config"
	"github.com/alanyoungcy/streambet/internal/crypto"
	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/alanyoungcy/streambet/internal/metrics"
	"github.com/alanyoungcy/streambet/internal/notify"
	"github.com/alanyoungcy/streambet/internal/platform/metricsapi"
	"github.com/alanyoungcy/streambet/internal/server/handler"
	"github.com/alanyoungcy/streambet/internal/session"
	"github.com/alanyoungcy/streambet/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Coordinator
	Signer    *crypto.Signer
	ClearNode *clearnode.Client
	Sessions  *session.Manager

	// Stores
	MarketStore domain.MarketStore
	AuditStore  domain.AuditStore

	// Caches
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   *redis.SignalBus

	// Blob storage; nil when s3 is disabled.
	Archive domain.ResolutionArchive

	// Metric platform; nil when no base URL is configured.
	MetricSource domain.MetricSource

	Collector *metrics.Collector
	Notifier  *notify.Notifier

	// Checks back GET /healthz.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. The coordinator client is
// connected and authenticated before Wire returns.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(stage string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", stage, err)
	}

	deps := &Dependencies{
		Collector: metrics.NewCollector(""),
		Checks:    make(map[string]handler.Check),
	}

	// --- Identity ---
	signer, err := crypto.LoadIdentity(crypto.KeySource{
		RawKey:   cfg.Identity.PrivateKey,
		KeyFile:  cfg.Identity.KeyFile,
		Password: cfg.Identity.KeyPassword,
	})
	if err != nil {
		return fail("identity", err)
	}
	deps.Signer = signer

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Supabase.DSN,
		Host:     cfg.Supabase.Host,
		Port:     cfg.Supabase.Port,
		Database: cfg.Supabase.Database,
		User:     cfg.Supabase.User,
		Password: cfg.Supabase.Password,
		SSLMode:  cfg.Supabase.SSLMode,
		MaxConns: cfg.Supabase.PoolMaxConns,
		MinConns: cfg.Supabase.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Supabase.RunMigrations {
		applied, err := pgClient.RunMigrations(ctx)
		if err != nil {
			return fail("postgres migrations", err)
		}
		if len(applied) > 0 {
			logger.InfoContext(ctx, "migrations applied", slog.Any("files", applied))
		}
	}
	pool := pgClient.Pool()
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.Checks["postgres"] = pgClient.Ping

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		Prefix:     cfg.Redis.Prefix,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.MarketCache = redis.NewMarketCache(redisClient, cfg.Market.CacheTTL.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
	deps.Checks["redis"] = redisClient.Ping

	// --- S3 resolution archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		deps.Archive = s3blob.NewResolutionArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), cfg.S3.Prefix)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Metric platform ---
	if cfg.Metrics.BaseURL != "" {
		deps.MetricSource = metricsapi.NewClient(metricsapi.Config{
			BaseURL:    cfg.Metrics.BaseURL,
			Auth:       crypto.APIAuth{Key: cfg.Metrics.APIKey, Secret: cfg.Metrics.APISecret},
			Timeout:    cfg.Metrics.Timeout.Duration,
			Retries:    cfg.Metrics.Retries,
			RetryDelay: cfg.Metrics.RetryDelay.Duration,
		})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPI,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	// --- Coordinator ---
	client := clearnode.NewClient(clearnodeConfig(cfg), logger)
	client.RPC.SetObserver(deps.Collector.ObserveCall)
	authEvents, stopTracking := client.Events.Subscribe(16)
	go deps.Collector.TrackEvents(authEvents)
	closers = append(closers, func() {
		stopTracking()
		_ = client.Close()
	})

	if err := client.Start(ctx, signer); err != nil {
		return fail("clearnode", err)
	}
	deps.ClearNode = client
	deps.Sessions = session.NewManager(client, client.Events, logger)
	deps.Checks["clearnode"] = func(context.Context) error {
		_, err := client.Context()
		return err
	}

	logger.InfoContext(ctx, "dependencies wired",
		slog.String("identity", signer.Address().Hex()),
		slog.Bool("archive", deps.Archive != nil),
		slog.Bool("metric_source", deps.MetricSource != nil),
		slog.Bool("notify", deps.Notifier.Enabled()),
	)
	return deps, cleanup, nil
}

func clearnodeConfig(cfg *config.Config) clearnode.Config {
	allowances := make([]crypto.Allowance, 0, len(cfg.ClearNode.Allowances))
	for _, a := range cfg.ClearNode.Allowances {
		allowances = append(allowances, crypto.Allowance{Asset: a.Asset, Amount: a.Amount})
	}
	return clearnode.Config{
		Transport: clearnode.TransportConfig{
			URL:                cfg.ClearNode.URL,
			HandshakeTimeout:   cfg.ClearNode.HandshakeTimeout.Duration,
			ReconnectAttempts:  cfg.ClearNode.ReconnectAttempts,
			ReconnectBaseDelay: cfg.ClearNode.ReconnectBaseDelay.Duration,
			MaxQueue:           cfg.ClearNode.MaxQueue,
		},
		Auth: clearnode.AuthConfig{
			Application:      cfg.ClearNode.Application,
			Scope:            cfg.ClearNode.Scope,
			Allowances:       allowances,
			SessionTTL:       cfg.ClearNode.SessionTTL.Duration,
			HandshakeTimeout: cfg.ClearNode.HandshakeTimeout.Duration,
		},
		RequestTimeout:  cfg.ClearNode.RequestTimeout.Duration,
		RenewRetryDelay: cfg.ClearNode.ReconnectBaseDelay.Duration,
	}
}
