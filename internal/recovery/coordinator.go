// Package recovery drives pending uploads to a terminal state: retry while
// the classified error says a retry can help, fail with a user-facing message
// once it cannot.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/syncguard/syncguard/internal/classify"
	"github.com/syncguard/syncguard/internal/core/domain"
	"github.com/syncguard/syncguard/internal/health"
	"github.com/syncguard/syncguard/internal/infra/storage"
	"github.com/syncguard/syncguard/internal/metrics"
	"github.com/syncguard/syncguard/internal/notify"
	"github.com/syncguard/syncguard/internal/settings"
)

// activeBatchLimit bounds how many transfers one tick examines.
const activeBatchLimit = 100

// StorageClient performs the actual byte transfer to the provider. The
// implementation lives outside this subsystem; the coordinator only cares
// about success or a classifiable failure.
type StorageClient interface {
	Upload(ctx context.Context, cred *domain.Credential, t *domain.PendingTransfer) error
}

// SnapshotFunc yields the current settings snapshot for a tick.
type SnapshotFunc func(ctx context.Context) (settings.Snapshot, error)

// Coordinator owns every PendingTransfer state transition after Enqueue.
type Coordinator struct {
	store     *storage.Storage
	client    StorageClient
	tracker   *health.Tracker
	throttler *notify.Throttler
	snapshot  SnapshotFunc
	logger    *slog.Logger

	now           func() time.Time
	remoteTimeout time.Duration
}

// NewCoordinator creates the upload recovery coordinator. throttler may be
// nil.
func NewCoordinator(
	store *storage.Storage,
	client StorageClient,
	tracker *health.Tracker,
	throttler *notify.Throttler,
	snapshot SnapshotFunc,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		store:         store,
		client:        client,
		tracker:       tracker,
		throttler:     throttler,
		snapshot:      snapshot,
		logger:        logger.With("component", "recovery"),
		now:           time.Now,
		remoteTimeout: 30 * time.Second,
	}
}

// Enqueue creates a new pending transfer. Every later transition belongs to
// the coordinator.
func (c *Coordinator) Enqueue(
	ctx context.Context,
	userID string,
	provider domain.Provider,
	fileName string,
	fileSize int64,
) (*domain.PendingTransfer, error) {
	t := &domain.PendingTransfer{
		ID:       uuid.NewString(),
		UserID:   userID,
		Provider: provider,
		FileName: fileName,
		FileSize: fileSize,
		State:    domain.TransferPending,
	}
	if err := c.store.Transfers.Save(ctx, t); err != nil {
		return nil, err
	}
	c.logger.Info("transfer enqueued",
		"transfer_id", t.ID,
		"user_id", userID,
		"provider", provider,
		"file", fileName,
	)
	return t, nil
}

// Run ticks until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		interval := c.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Tick processes the due non-terminal transfers. A tick that cannot reach
// storage is logged and skipped.
func (c *Coordinator) Tick(ctx context.Context) time.Duration {
	snap, err := c.snapshot(ctx)
	if err != nil {
		c.logger.Error("skipping tick, settings unavailable", "error", err)
		metrics.SchedulerTicksSkipped.WithLabelValues("recovery").Inc()
		return 15 * time.Minute
	}
	if !snap.UploadRecoveryEnabled {
		return snap.RefreshInterval
	}

	now := c.now()
	transfers, err := c.store.Transfers.ListActive(ctx, now, activeBatchLimit)
	if err != nil {
		c.logger.Error("skipping tick, storage unreachable", "error", err)
		metrics.SchedulerTicksSkipped.WithLabelValues("recovery").Inc()
		return snap.RefreshInterval
	}

	for _, t := range transfers {
		if ctx.Err() != nil {
			break
		}
		c.processOne(ctx, t, snap)
	}
	return snap.RefreshInterval
}

// processOne attempts one transfer once. The outcome is recorded via
// RecordSuccess or RecordFailure; a timed-out call is deferred to the next
// tick like any other classified failure.
func (c *Coordinator) processOne(ctx context.Context, t *domain.PendingTransfer, snap settings.Snapshot) {
	if t.IsStuck(c.now(), snap.StuckThreshold) {
		c.logger.Warn("transfer stuck, forcing recovery attempt",
			"transfer_id", t.ID,
			"last_processed", t.LastProcessedAt,
		)
		t.RecoveryAttempts++
	}

	if !c.canRetry(t, snap) {
		c.finalize(ctx, t, snap)
		return
	}

	cred, err := c.store.Credentials.Get(ctx, t.UserID, t.Provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// No credential for this pair: the upload cannot succeed until
			// the user reconnects the account.
			c.logger.Warn("transfer has no credential, needs reconnection",
				"transfer_id", t.ID,
				"user_id", t.UserID,
				"provider", t.Provider,
			)
			c.RecordFailure(ctx, t, &classify.ClassifiedError{
				Type:  classify.InvalidCredentials,
				Cause: err,
			}, snap)
			return
		}
		// Persistence-layer failure: defer the transfer untouched, no
		// counter moves.
		c.logger.Error("skipping transfer, storage unreachable",
			"transfer_id", t.ID,
			"error", err,
		)
		return
	}

	metrics.UploadRetries.WithLabelValues(string(t.Provider), t.ErrorType).Inc()

	rctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	uploadErr := c.client.Upload(rctx, cred, t)
	cancel()

	if uploadErr != nil {
		c.RecordFailure(ctx, t, classify.Classify(uploadErr), snap)
		return
	}
	c.RecordSuccess(ctx, t)
}

// canRetry reports whether another automatic attempt is allowed: both
// counters below their ceilings, and the stored error (if any) recoverable.
func (c *Coordinator) canRetry(t *domain.PendingTransfer, snap settings.Snapshot) bool {
	if t.RetryCount >= snap.MaxRetryAttempts {
		return false
	}
	if t.RecoveryAttempts >= snap.MaxRecoveryAttempts {
		return false
	}
	if t.ErrorType == "" {
		return true
	}
	return classify.ErrorType(t.ErrorType).Recoverable()
}

// RecordFailure registers one failed attempt: classify, count, stamp the
// health snapshot and the recommended retry time, then either park the
// transfer for the next attempt or finalize it.
func (c *Coordinator) RecordFailure(
	ctx context.Context,
	t *domain.PendingTransfer,
	cerr *classify.ClassifiedError,
	snap settings.Snapshot,
) {
	now := c.now()

	t.RetryCount++
	t.LastProcessedAt = now
	t.RecordError(now, string(cerr.Type), cerr.Error(), cerr.Context)

	h, err := c.store.Health.Get(ctx, t.UserID, t.Provider)
	if err != nil {
		h = nil
	}
	hs := h.Snapshot(now)
	t.HealthAtFailure = &hs

	t.RetryAfter = now.Add(retryDelay(cerr.Type))

	if c.canRetry(t, snap) {
		t.State = domain.TransferRetrying
		if err := c.store.Transfers.Update(ctx, t); err != nil {
			c.logger.Error("failed to persist transfer failure", "transfer_id", t.ID, "error", err)
			return
		}
	} else {
		c.finalize(ctx, t, snap)
	}

	if err := c.tracker.RecordFailure(ctx, t.UserID, t.Provider, cerr); err != nil {
		c.logger.Warn("failed to update health after upload failure", "error", err)
	}

	c.logger.Warn("upload attempt failed",
		"transfer_id", t.ID,
		"error_type", cerr.Type,
		"retry_count", t.RetryCount,
		"state", t.State,
	)
}

// RecordSuccess moves the transfer to uploaded.
func (c *Coordinator) RecordSuccess(ctx context.Context, t *domain.PendingTransfer) {
	now := c.now()
	t.State = domain.TransferUploaded
	t.LastProcessedAt = now
	t.RetryAfter = time.Time{}

	if err := c.store.Transfers.Update(ctx, t); err != nil {
		c.logger.Error("failed to persist uploaded transfer", "transfer_id", t.ID, "error", err)
		return
	}
	metrics.TransfersTerminal.WithLabelValues(string(t.Provider), string(domain.TransferUploaded)).Inc()

	if err := c.tracker.RecordSuccess(ctx, t.UserID, t.Provider); err != nil {
		c.logger.Warn("failed to update health after upload", "error", err)
	}

	c.logger.Info("transfer uploaded", "transfer_id", t.ID, "retry_count", t.RetryCount)
}

// finalize moves the transfer to failed and surfaces the human-readable
// message rendered from the classified type and its stored context.
func (c *Coordinator) finalize(ctx context.Context, t *domain.PendingTransfer, snap settings.Snapshot) {
	errType := classify.ErrorType(t.ErrorType)
	message := classify.UserMessage(errType, t.Provider, t.ErrorContext)

	t.State = domain.TransferFailed
	t.LastError = message
	t.LastProcessedAt = c.now()
	t.RetryAfter = time.Time{}

	if err := c.store.Transfers.Update(ctx, t); err != nil {
		c.logger.Error("failed to persist failed transfer", "transfer_id", t.ID, "error", err)
		return
	}
	metrics.TransfersTerminal.WithLabelValues(string(t.Provider), string(domain.TransferFailed)).Inc()

	c.logger.Warn("transfer failed permanently",
		"transfer_id", t.ID,
		"error_type", t.ErrorType,
		"retry_count", t.RetryCount,
		"message", message,
	)

	if snap.NotificationsEnabled && c.throttler != nil {
		c.throttler.Escalate(
			ctx,
			t.UserID,
			t.Provider,
			notify.ConditionUploadFailed,
			message,
			snap.NotifyThrottle,
		)
	}
}

// retryDelay maps error severity onto a recommended retry time: immediate
// for low, delayed for medium, long for high (those demand a human anyway).
func retryDelay(t classify.ErrorType) time.Duration {
	switch t.Severity() {
	case classify.SeverityLow:
		return 0
	case classify.SeverityMedium:
		return 15 * time.Minute
	default:
		return 24 * time.Hour
	}
}
