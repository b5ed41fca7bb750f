package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/syncguard/syncguard/internal/classify"
	"github.com/syncguard/syncguard/internal/core/domain"
	"github.com/syncguard/syncguard/internal/infra/storage"
	"github.com/syncguard/syncguard/internal/metrics"
)

// ParamsFunc yields the current consolidation parameters. The control layer
// binds this to the settings snapshot so tuning takes effect without restart.
type ParamsFunc func(ctx context.Context) Params

// Tracker owns the consolidated health record per connection. Every
// state-changing event funnels through it so the persisted status always
// reflects one recomputation of the pure function.
type Tracker struct {
	store  *storage.Storage
	params ParamsFunc
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a health tracker.
func NewTracker(store *storage.Storage, params ParamsFunc, logger *slog.Logger) *Tracker {
	if params == nil {
		params = func(context.Context) Params { return DefaultParams() }
	}
	return &Tracker{
		store:  store,
		params: params,
		logger: logger.With("component", "health"),
		now:    time.Now,
	}
}

// Status computes the consolidated status for a connection from the current
// rows without persisting anything.
func (t *Tracker) Status(
	ctx context.Context,
	userID string,
	provider domain.Provider,
) (domain.ConsolidatedStatus, error) {
	cred, err := t.credential(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	h, err := t.record(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	return DetermineConsolidatedStatus(cred, h, t.now(), t.params(ctx)), nil
}

// RecordSuccess notes a successful remote operation for the connection and
// recomputes its status. The failure streak resets.
func (t *Tracker) RecordSuccess(
	ctx context.Context,
	userID string,
	provider domain.Provider,
) error {
	return t.apply(ctx, userID, provider, func(h *domain.ConnectionHealth, now time.Time) {
		h.LastSuccessAt = now
		h.ConsecutiveFails = 0
	})
}

// RecordFailure notes a classified failure for the connection and recomputes
// its status.
func (t *Tracker) RecordFailure(
	ctx context.Context,
	userID string,
	provider domain.Provider,
	cerr *classify.ClassifiedError,
) error {
	return t.apply(ctx, userID, provider, func(h *domain.ConnectionHealth, now time.Time) {
		h.ConsecutiveFails++
		h.LastErrorType = string(cerr.Type)
		h.LastErrorMessage = cerr.Error()
		h.LastErrorContext = cerr.Context
	})
}

// RecordValidation notes a manual connection test outcome. A passing test
// counts as a successful remote operation; a failing one as a failure.
func (t *Tracker) RecordValidation(
	ctx context.Context,
	userID string,
	provider domain.Provider,
	ok bool,
	cerr *classify.ClassifiedError,
) error {
	return t.apply(ctx, userID, provider, func(h *domain.ConnectionHealth, now time.Time) {
		h.LastValidationOK = ok
		h.LastValidatedAt = now
		if ok {
			h.LastSuccessAt = now
			h.ConsecutiveFails = 0
			return
		}
		h.ConsecutiveFails++
		if cerr != nil {
			h.LastErrorType = string(cerr.Type)
			h.LastErrorMessage = cerr.Error()
			h.LastErrorContext = cerr.Context
		}
	})
}

// Recompute re-derives and persists the status for one connection without
// recording any new event. Used after credential mutations (refresh outcome,
// disconnect) and by the repair job.
func (t *Tracker) Recompute(
	ctx context.Context,
	userID string,
	provider domain.Provider,
) error {
	return t.apply(ctx, userID, provider, func(*domain.ConnectionHealth, time.Time) {})
}

// apply loads the pair's rows, lets mutate adjust the health record, mirrors
// the credential fields, recomputes the consolidated status, and persists.
// Stale writes lose silently: a fresher computation already landed.
func (t *Tracker) apply(
	ctx context.Context,
	userID string,
	provider domain.Provider,
	mutate func(h *domain.ConnectionHealth, now time.Time),
) error {
	computedAt := t.now()

	cred, err := t.credential(ctx, userID, provider)
	if err != nil {
		return err
	}
	h, err := t.record(ctx, userID, provider)
	if err != nil {
		return err
	}
	if h == nil {
		h = &domain.ConnectionHealth{
			ID:       uuid.NewString(),
			UserID:   userID,
			Provider: provider,
		}
	}

	mutate(h, computedAt)

	// Mirror credential-side fields so the record is self-contained.
	if cred != nil {
		h.TokenExpiresAt = cred.ExpiresAt
		h.ReconnectRequired = cred.RequiresReconnect
		h.LastRefreshAttempt = cred.LastRefreshAttempt
		h.RefreshFailures = cred.RefreshFailures
	}

	h.Consolidated = DetermineConsolidatedStatus(cred, h, computedAt, t.params(ctx))
	h.Status = RawStatusFor(h.Consolidated, h.ConsecutiveFails)

	if err := t.store.Health.Upsert(ctx, h, computedAt); err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			t.logger.Debug("discarding stale health write",
				"user_id", userID,
				"provider", provider,
				"computed_at", computedAt,
			)
			return nil
		}
		return fmt.Errorf("failed to persist health for %s/%s: %w", userID, provider, err)
	}
	return nil
}

// MarkDisconnected forces the record to not_connected after the user removes
// the provider. The row persists so history survives reconnection.
func (t *Tracker) MarkDisconnected(
	ctx context.Context,
	userID string,
	provider domain.Provider,
) error {
	return t.apply(ctx, userID, provider, func(h *domain.ConnectionHealth, now time.Time) {
		h.ConsecutiveFails = 0
		h.LastValidationOK = false
	})
}

// Repair recomputes every persisted health record through the same pure
// function the live path uses. Idempotent: a second run with unchanged inputs
// rewrites identical statuses. Returns the number of rows examined.
func (t *Tracker) Repair(ctx context.Context) (int, error) {
	records, err := t.store.Health.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list health records: %w", err)
	}

	repaired := 0
	for _, h := range records {
		if err := t.Recompute(ctx, h.UserID, h.Provider); err != nil {
			t.logger.Warn("repair failed for connection",
				"user_id", h.UserID,
				"provider", h.Provider,
				"error", err,
			)
			continue
		}
		repaired++
	}

	t.logger.Info("health repair complete", "examined", len(records), "repaired", repaired)
	return repaired, nil
}

func (t *Tracker) credential(
	ctx context.Context,
	userID string,
	provider domain.Provider,
) (*domain.Credential, error) {
	cred, err := t.store.Credentials.Get(ctx, userID, provider)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential for %s/%s: %w", userID, provider, err)
	}
	return cred, nil
}

func (t *Tracker) record(
	ctx context.Context,
	userID string,
	provider domain.Provider,
) (*domain.ConnectionHealth, error) {
	h, err := t.store.Health.Get(ctx, userID, provider)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load health for %s/%s: %w", userID, provider, err)
	}
	return h, nil
}

// updateStatusGauges refreshes the per-provider status gauge from a full
// listing.
func updateStatusGauges(records []*domain.ConnectionHealth) {
	counts := make(map[domain.Provider]map[domain.ConsolidatedStatus]int)
	for _, h := range records {
		if counts[h.Provider] == nil {
			counts[h.Provider] = make(map[domain.ConsolidatedStatus]int)
		}
		counts[h.Provider][h.Consolidated]++
	}
	for provider, byStatus := range counts {
		for status, n := range byStatus {
			metrics.ConnectionsByStatus.
				WithLabelValues(string(provider), string(status)).
				Set(float64(n))
		}
	}
}
