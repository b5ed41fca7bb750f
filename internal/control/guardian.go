// Package control wires the subsystem together and manages its lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/syncguard/syncguard/internal/conntest"
	"github.com/syncguard/syncguard/internal/core/config"
	"github.com/syncguard/syncguard/internal/core/domain"
	"github.com/syncguard/syncguard/internal/health"
	redisclient "github.com/syncguard/syncguard/internal/infra/redis"
	"github.com/syncguard/syncguard/internal/infra/storage"
	"github.com/syncguard/syncguard/internal/infra/storage/memory"
	"github.com/syncguard/syncguard/internal/infra/storage/postgres"
	"github.com/syncguard/syncguard/internal/notify"
	"github.com/syncguard/syncguard/internal/ratelimit"
	"github.com/syncguard/syncguard/internal/recovery"
	"github.com/syncguard/syncguard/internal/refresh"
	"github.com/syncguard/syncguard/internal/settings"
)

// Guardian is the main application struct that manages the subsystem
// lifecycle: storage, settings, the two workers, and the status server.
type Guardian struct {
	cfg          *config.AppConfig
	store        *storage.Storage
	db           *postgres.DB
	redisClient  *redisclient.Client
	settings     *settings.Service
	tracker      *health.Tracker
	scheduler    *refresh.Scheduler
	coordinator  *recovery.Coordinator
	connTests    *conntest.Service
	healthServer *health.Server
	log          *slog.Logger
}

// Options carries the pluggable collaborators. Zero values get logging stubs
// so the binary runs standalone.
type Options struct {
	// Tokens overrides the token endpoint client.
	Tokens refresh.TokenClient
	// Uploader performs the actual byte transfers.
	Uploader recovery.StorageClient
	// Prober performs live connection checks.
	Prober conntest.Prober
	// Notifier delivers user notifications.
	Notifier notify.Notifier
}

// NewGuardian creates a Guardian with all dependencies initialized.
func NewGuardian(cfg *config.AppConfig, opts Options, logger *slog.Logger) (*Guardian, error) {
	g := &Guardian{cfg: cfg, log: logger}

	// 1. Initialize storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if cfg.MigrationsDir != "" {
			if err := db.Migrate(cfg.MigrationsDir); err != nil {
				return nil, fmt.Errorf("failed to migrate db: %w", err)
			}
		}
		g.db = db
		g.store = &storage.Storage{
			Credentials: postgres.NewCredentialRepo(db),
			Health:      postgres.NewHealthRepo(db),
			Transfers:   postgres.NewTransferRepo(db),
			Settings:    postgres.NewSettingRepo(db),
			Ping:        db.Health,
		}
		logger.Info("using PostgreSQL storage")
	} else {
		g.store = memory.New()
		logger.Info("using memory storage")
	}

	// 2. Settings service over the setting repository
	g.settings = settings.NewService(g.store.Settings)
	snapshot := func(ctx context.Context) (settings.Snapshot, error) {
		return g.settings.Snapshot(ctx)
	}

	// 3. Redis for cross-process locks and notification throttle windows
	var locks refresh.Locker
	var throttleStore notify.ThrottleStore = notify.NewMemoryThrottle()
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			logger.Warn("failed to connect to redis, using in-process coordination", "error", err)
		} else {
			g.redisClient = rc
			locks = rc
			throttleStore = rc
		}
	}

	// 4. Health tracker bound to the settings snapshot
	g.tracker = health.NewTracker(g.store, func(ctx context.Context) health.Params {
		snap, err := g.settings.Snapshot(ctx)
		if err != nil {
			return health.DefaultParams()
		}
		return health.Params{
			MaxRefreshFailures:   snap.MaxRetryAttempts,
			AuthFailureThreshold: health.DefaultParams().AuthFailureThreshold,
			FreshnessWindow:      snap.HealthFreshness,
		}
	}, logger)

	// 5. Notification throttling
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	throttler := notify.NewThrottler(throttleStore, notifier, g.store.Credentials, logger)

	// 6. Workers
	tokens := opts.Tokens
	if tokens == nil {
		tokens = refresh.NewHTTPTokenClient(cfg.Providers)
	}
	g.scheduler = refresh.NewScheduler(g.store, tokens, g.tracker, locks, throttler, snapshot, logger)

	uploader := opts.Uploader
	if uploader == nil {
		uploader = &LogStorageClient{log: logger}
	}
	g.coordinator = recovery.NewCoordinator(g.store, uploader, g.tracker, throttler, snapshot, logger)

	// 7. Manual connection tests
	prober := opts.Prober
	if prober == nil {
		prober = &LogProber{log: logger}
	}
	limiter := ratelimit.NewTestLimiter(10)
	if snap, err := g.settings.Snapshot(context.Background()); err == nil {
		limiter.SetRate(snap.ManualTestsPerHour)
	}
	g.connTests = conntest.NewService(g.store, g.tracker, prober, limiter, logger)

	// 8. Status server
	g.healthServer = health.NewServer(g.tracker, g.store.Ping, cfg.Server.Port)

	return g, nil
}

// Start starts the workers and the status server.
func (g *Guardian) Start(ctx context.Context) error {
	go func() {
		if err := g.healthServer.Start(); err != nil {
			g.log.Error("status server failed", "error", err)
		}
	}()

	go func() {
		if err := g.scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			g.log.Error("refresh scheduler failed", "error", err)
		}
	}()

	go func() {
		if err := g.coordinator.Run(ctx); err != nil && ctx.Err() == nil {
			g.log.Error("recovery coordinator failed", "error", err)
		}
	}()

	return nil
}

// Stop stops the guardian.
func (g *Guardian) Stop(ctx context.Context) error {
	g.log.Info("stopping syncguard")

	if g.redisClient != nil {
		if err := g.redisClient.Close(); err != nil {
			g.log.Warn("failed to close redis", "error", err)
		}
	}
	if g.db != nil {
		g.db.Close()
	}
	return g.healthServer.Stop(ctx)
}

// Disconnect clears the token material for a (user, provider) pair and marks
// the connection not_connected. The credential and health rows persist so
// history survives a later reconnection. A concurrent refresh losing the
// version race against this write discards its result as usual.
func (g *Guardian) Disconnect(ctx context.Context, userID string, provider domain.Provider) error {
	cred, err := g.store.Credentials.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return g.tracker.MarkDisconnected(ctx, userID, provider)
		}
		return fmt.Errorf("failed to load credential: %w", err)
	}

	cred.AccessToken = ""
	cred.RefreshToken = ""
	cred.Scopes = nil
	cred.RequiresReconnect = false
	if err := g.store.Credentials.Update(ctx, cred); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}

	return g.tracker.MarkDisconnected(ctx, userID, provider)
}

// Store exposes the wired storage bundle for the CLI commands.
func (g *Guardian) Store() *storage.Storage { return g.store }

// Settings exposes the settings service.
func (g *Guardian) Settings() *settings.Service { return g.settings }

// Tracker exposes the health tracker for the repair command.
func (g *Guardian) Tracker() *health.Tracker { return g.tracker }

// ConnTests exposes the manual connection test service.
func (g *Guardian) ConnTests() *conntest.Service { return g.connTests }

// LogStorageClient implements recovery.StorageClient for standalone runs:
// it logs the upload and reports success.
type LogStorageClient struct {
	log *slog.Logger
}

func (c *LogStorageClient) Upload(
	ctx context.Context,
	cred *domain.Credential,
	t *domain.PendingTransfer,
) error {
	c.log.Info("upload",
		"provider", t.Provider,
		"file", t.FileName,
		"size", t.FileSize,
	)
	return nil
}

// LogProber implements conntest.Prober for standalone runs.
type LogProber struct {
	log *slog.Logger
}

func (p *LogProber) Probe(ctx context.Context, cred *domain.Credential) error {
	p.log.Info("connection probe", "provider", cred.Provider, "user_id", cred.UserID)
	return nil
}
