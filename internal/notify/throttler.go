package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/syncguard/syncguard/internal/core/domain"
	"github.com/syncguard/syncguard/internal/infra/storage"
	"github.com/syncguard/syncguard/internal/metrics"
)

// MaxNotifyFailures caps the per-credential delivery failure counter so a
// permanently broken channel cannot grow the column without bound.
const MaxNotifyFailures = 100

// Throttler gates notifications behind a per-triple window and records
// delivery bookkeeping on the credential. Delivery failures never propagate:
// health decisions must not depend on the notification channel.
type Throttler struct {
	store    ThrottleStore
	notifier Notifier
	creds    storage.CredentialRepository
	logger   *slog.Logger
}

// NewThrottler creates a throttler.
func NewThrottler(
	store ThrottleStore,
	notifier Notifier,
	creds storage.CredentialRepository,
	logger *slog.Logger,
) *Throttler {
	return &Throttler{
		store:    store,
		notifier: notifier,
		creds:    creds,
		logger:   logger.With("component", "throttler"),
	}
}

// Escalate sends the notification unless a throttle window for the same
// (user, provider, condition) is already open. Returns whether a notification
// went out. Errors from the throttle store or the delivery channel are logged
// and swallowed.
func (t *Throttler) Escalate(
	ctx context.Context,
	userID string,
	provider domain.Provider,
	condition, message string,
	window time.Duration,
) bool {
	fresh, err := t.store.MarkNotified(ctx, userID, string(provider), condition, window)
	if err != nil {
		// Fail closed: an unreachable store must not turn into a spam storm.
		t.logger.Warn("throttle store unavailable, suppressing notification",
			"user_id", userID,
			"provider", provider,
			"condition", condition,
			"error", err,
		)
		return false
	}
	if !fresh {
		metrics.NotificationsThrottled.WithLabelValues(string(provider), condition).Inc()
		return false
	}

	n := Notification{
		UserID:    userID,
		Provider:  provider,
		Condition: condition,
		Message:   message,
	}
	if err := t.notifier.Notify(ctx, n); err != nil {
		t.logger.Warn("notification delivery failed",
			"user_id", userID,
			"provider", provider,
			"condition", condition,
			"error", err,
		)
		t.recordDelivery(ctx, userID, provider, false)
		return false
	}

	metrics.NotificationsSent.WithLabelValues(string(provider), condition).Inc()
	t.recordDelivery(ctx, userID, provider, true)
	return true
}

// recordDelivery updates the credential's notification bookkeeping on a
// best-effort basis. A version conflict just means a concurrent writer owns
// the row now; the counters are advisory.
func (t *Throttler) recordDelivery(
	ctx context.Context,
	userID string,
	provider domain.Provider,
	delivered bool,
) {
	cred, err := t.creds.Get(ctx, userID, provider)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			t.logger.Debug("failed to load credential for notify bookkeeping", "error", err)
		}
		return
	}

	if delivered {
		cred.LastNotifiedAt = time.Now()
		cred.NotifyFailures = 0
	} else if cred.NotifyFailures < MaxNotifyFailures {
		cred.NotifyFailures++
	}

	if err := t.creds.Update(ctx, cred); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
		t.logger.Debug("failed to persist notify bookkeeping", "error", err)
	}
}

// MemoryThrottle is the in-process ThrottleStore used when redis is not
// configured.
type MemoryThrottle struct {
	mu      sync.Mutex
	windows map[string]time.Time
	now     func() time.Time
}

// NewMemoryThrottle creates an in-memory throttle store.
func NewMemoryThrottle() *MemoryThrottle {
	return &MemoryThrottle{
		windows: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryThrottle) MarkNotified(
	ctx context.Context,
	userID, provider, condition string,
	window time.Duration,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userID + ":" + provider + ":" + condition
	now := m.now()
	if until, ok := m.windows[key]; ok && until.After(now) {
		return false, nil
	}
	m.windows[key] = now.Add(window)
	return true, nil
}
