package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/syncguard/syncguard/internal/classify"
	"github.com/syncguard/syncguard/internal/core/domain"
	"github.com/syncguard/syncguard/internal/health"
	"github.com/syncguard/syncguard/internal/infra/storage"
	"github.com/syncguard/syncguard/internal/metrics"
	"github.com/syncguard/syncguard/internal/notify"
	"github.com/syncguard/syncguard/internal/settings"
)

const (
	// defaultRemoteTimeout bounds one token endpoint call. A timed-out call
	// is classified and deferred to the next tick, never retried in-tick.
	defaultRemoteTimeout = 30 * time.Second

	// lockTTL bounds the cross-process refresh lock so a crashed worker
	// cannot wedge a credential.
	lockTTL = 2 * time.Minute
)

// Locker is the cross-process exclusivity guard for per-credential refreshes.
// The redis client implements it; a nil Locker degrades to optimistic
// version checks only.
type Locker interface {
	AcquireRefreshLock(ctx context.Context, userID, provider string, ttl time.Duration) (bool, error)
	ReleaseRefreshLock(ctx context.Context, userID, provider string) error
}

// SnapshotFunc yields the current settings snapshot for a tick.
type SnapshotFunc func(ctx context.Context) (settings.Snapshot, error)

// Scheduler proactively refreshes credentials before their tokens expire.
type Scheduler struct {
	store     *storage.Storage
	tokens    TokenClient
	tracker   *health.Tracker
	locks     Locker
	throttler *notify.Throttler
	snapshot  SnapshotFunc
	logger    *slog.Logger

	now           func() time.Time
	remoteTimeout time.Duration
}

// NewScheduler creates the refresh scheduler. locks and throttler may be nil.
func NewScheduler(
	store *storage.Storage,
	tokens TokenClient,
	tracker *health.Tracker,
	locks Locker,
	throttler *notify.Throttler,
	snapshot SnapshotFunc,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		store:         store,
		tokens:        tokens,
		tracker:       tracker,
		locks:         locks,
		throttler:     throttler,
		snapshot:      snapshot,
		logger:        logger.With("component", "refresh"),
		now:           time.Now,
		remoteTimeout: defaultRemoteTimeout,
	}
}

// Run ticks until the context is cancelled. The interval follows the settings
// snapshot, so tuning takes effect on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		interval := s.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Tick selects credentials inside the proactive window (or already expired)
// and refreshes each one. Returns the interval until the next tick. A tick
// that cannot reach storage is logged and skipped; no failure counter moves.
func (s *Scheduler) Tick(ctx context.Context) time.Duration {
	snap, err := s.snapshot(ctx)
	if err != nil {
		s.logger.Error("skipping tick, settings unavailable", "error", err)
		metrics.SchedulerTicksSkipped.WithLabelValues("refresh").Inc()
		return 15 * time.Minute
	}
	if !snap.AutoRefreshEnabled {
		return snap.RefreshInterval
	}

	now := s.now()
	deadline := now.Add(snap.ProactiveRefreshWindow)
	candidates, err := s.store.Credentials.ListRefreshCandidates(ctx, now, deadline, snap.MaxRetryAttempts)
	if err != nil {
		s.logger.Error("skipping tick, storage unreachable", "error", err)
		metrics.SchedulerTicksSkipped.WithLabelValues("refresh").Inc()
		return snap.RefreshInterval
	}

	for _, cred := range candidates {
		if ctx.Err() != nil {
			break
		}
		s.refreshOne(ctx, cred, snap)
	}
	return snap.RefreshInterval
}

// refreshOne performs one exclusive refresh attempt for a credential.
func (s *Scheduler) refreshOne(ctx context.Context, cred *domain.Credential, snap settings.Snapshot) {
	if s.locks != nil {
		acquired, err := s.locks.AcquireRefreshLock(ctx, cred.UserID, string(cred.Provider), lockTTL)
		if err != nil {
			s.logger.Warn("lock service unreachable, deferring refresh",
				"user_id", cred.UserID,
				"provider", cred.Provider,
				"error", err,
			)
			return
		}
		if !acquired {
			// Another worker owns this credential right now.
			return
		}
		defer func() {
			if err := s.locks.ReleaseRefreshLock(ctx, cred.UserID, string(cred.Provider)); err != nil {
				s.logger.Debug("failed to release refresh lock", "error", err)
			}
		}()
	}

	start := s.now()
	rctx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
	tok, err := s.tokens.Refresh(rctx, cred.Provider, cred.RefreshToken)
	cancel()
	metrics.RefreshLatency.WithLabelValues(string(cred.Provider)).Observe(s.now().Sub(start).Seconds())

	if err != nil {
		s.handleFailure(ctx, cred, err, snap)
		return
	}
	s.handleSuccess(ctx, cred, tok, snap)
}

func (s *Scheduler) handleSuccess(
	ctx context.Context,
	cred *domain.Credential,
	tok *TokenResponse,
	snap settings.Snapshot,
) {
	now := s.now()

	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		// Provider rotated the refresh token.
		cred.RefreshToken = tok.RefreshToken
	}
	if tok.TokenType != "" {
		cred.TokenType = tok.TokenType
	}
	if tok.Scope != "" {
		cred.Scopes = strings.Fields(tok.Scope)
	}

	expiresIn := time.Duration(tok.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	cred.ExpiresAt = now.Add(expiresIn)
	cred.LastRefreshAttempt = now
	cred.LastRefreshSuccess = now
	cred.RefreshFailures = 0
	cred.RequiresReconnect = false
	cred.NextScheduledAt = cred.ExpiresAt.Add(-snap.ProactiveRefreshWindow)

	if err := s.store.Credentials.Update(ctx, cred); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// A concurrent writer won; discard this result.
			s.logger.Debug("refresh result discarded on version conflict",
				"user_id", cred.UserID,
				"provider", cred.Provider,
			)
			return
		}
		s.logger.Error("failed to persist refreshed credential",
			"user_id", cred.UserID,
			"provider", cred.Provider,
			"error", err,
		)
		return
	}

	metrics.RefreshAttempts.WithLabelValues(string(cred.Provider), "success").Inc()
	s.logger.Info("token refreshed",
		"user_id", cred.UserID,
		"provider", cred.Provider,
		"expires_at", cred.ExpiresAt,
	)

	if err := s.tracker.RecordSuccess(ctx, cred.UserID, cred.Provider); err != nil {
		s.logger.Warn("failed to update health after refresh", "error", err)
	}
}

func (s *Scheduler) handleFailure(
	ctx context.Context,
	cred *domain.Credential,
	cause error,
	snap settings.Snapshot,
) {
	now := s.now()
	cerr := classify.Classify(cause)

	cred.LastRefreshAttempt = now
	cred.RefreshFailures++
	if cred.RefreshFailures >= snap.MaxRetryAttempts || cerr.Type.RequiresIntervention() {
		cred.RequiresReconnect = true
	}

	if err := s.store.Credentials.Update(ctx, cred); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			s.logger.Debug("refresh failure discarded on version conflict",
				"user_id", cred.UserID,
				"provider", cred.Provider,
			)
			return
		}
		s.logger.Error("failed to persist refresh failure",
			"user_id", cred.UserID,
			"provider", cred.Provider,
			"error", err,
		)
		return
	}

	metrics.RefreshAttempts.WithLabelValues(string(cred.Provider), "failure").Inc()
	s.logger.Warn("token refresh failed",
		"user_id", cred.UserID,
		"provider", cred.Provider,
		"error_type", cerr.Type,
		"failures", cred.RefreshFailures,
		"requires_reconnect", cred.RequiresReconnect,
	)

	if err := s.tracker.RecordFailure(ctx, cred.UserID, cred.Provider, cerr); err != nil {
		s.logger.Warn("failed to update health after refresh failure", "error", err)
	}

	if cred.RequiresReconnect && snap.NotificationsEnabled && s.throttler != nil {
		message := classify.UserMessage(cerr.Type, cred.Provider, cerr.Context)
		s.throttler.Escalate(
			ctx,
			cred.UserID,
			cred.Provider,
			notify.ConditionAuthRequired,
			message,
			snap.NotifyThrottle,
		)
	}
}

// RefreshNow refreshes a single credential outside the tick cycle, for the
// manual connection test path. Returns the refreshed credential.
func (s *Scheduler) RefreshNow(
	ctx context.Context,
	userID string,
	provider domain.Provider,
) (*domain.Credential, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("settings unavailable: %w", err)
	}

	cred, err := s.store.Credentials.Get(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if !cred.CanBeRefreshed(snap.MaxRetryAttempts) {
		return nil, fmt.Errorf("credential for %s/%s cannot be refreshed", userID, provider)
	}

	s.refreshOne(ctx, cred, snap)
	return s.store.Credentials.Get(ctx, userID, provider)
}
