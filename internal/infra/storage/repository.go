// Package storage defines the persistence interfaces shared by the Postgres
// and in-memory implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/syncguard/syncguard/internal/core/domain"
)

var (
	// ErrVersionConflict is returned when an optimistic-concurrency update
	// loses the race against a concurrent writer. The caller discards its
	// result instead of overwriting the newer state.
	ErrVersionConflict = errors.New("credential modified concurrently")

	// ErrStaleWrite is returned when a health write computed before a more
	// recent update would clobber fresher state.
	ErrStaleWrite = errors.New("health record already newer")

	// ErrNotFound is returned by Get operations when no row exists.
	ErrNotFound = errors.New("not found")
)

// CredentialRepository persists OAuth credentials, one per (user, provider).
type CredentialRepository interface {
	// Get returns the credential for the pair, or ErrNotFound.
	Get(ctx context.Context, userID string, provider domain.Provider) (*domain.Credential, error)

	// Save inserts a new credential (first successful OAuth exchange).
	Save(ctx context.Context, c *domain.Credential) error

	// Update writes the credential back, guarded by its Version field.
	// On success the in-memory Version is bumped. Returns ErrVersionConflict
	// when a concurrent writer got there first.
	Update(ctx context.Context, c *domain.Credential) error

	// ListRefreshCandidates returns credentials due for a proactive refresh:
	// scheduled refresh time at or before now, or expiry at or before the
	// deadline (including already-expired ones). Excludes those that require
	// reconnection or have exhausted maxFailures refresh attempts.
	ListRefreshCandidates(ctx context.Context, now, deadline time.Time, maxFailures int) ([]*domain.Credential, error)
}

// HealthRepository persists consolidated connection health, one row per
// (user, provider).
type HealthRepository interface {
	// Get returns the health record for the pair, or ErrNotFound.
	Get(ctx context.Context, userID string, provider domain.Provider) (*domain.ConnectionHealth, error)

	// Upsert writes the record. computedAt is the instant the status
	// computation started; a row already updated after computedAt wins and
	// the write returns ErrStaleWrite.
	Upsert(ctx context.Context, h *domain.ConnectionHealth, computedAt time.Time) error

	// List returns every health record, optionally filtered by provider
	// (empty provider means all). Used by the repair job and the dashboard.
	List(ctx context.Context, provider domain.Provider) ([]*domain.ConnectionHealth, error)
}

// TransferRepository persists pending uploads.
type TransferRepository interface {
	// Save inserts a new transfer.
	Save(ctx context.Context, t *domain.PendingTransfer) error

	// Get returns a transfer by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.PendingTransfer, error)

	// Update writes the transfer back.
	Update(ctx context.Context, t *domain.PendingTransfer) error

	// ListActive returns transfers in a non-terminal state whose RetryAfter
	// is at or before now, oldest first.
	ListActive(ctx context.Context, now time.Time, limit int) ([]*domain.PendingTransfer, error)

	// ListRecent returns transfers touched since the cutoff, newest first,
	// for the dashboard. Empty provider means all providers.
	ListRecent(ctx context.Context, provider domain.Provider, since time.Time, limit int) ([]*domain.PendingTransfer, error)
}

// SettingRepository persists the runtime-mutable configuration keys.
type SettingRepository interface {
	// GetAll returns every stored key/value pair.
	GetAll(ctx context.Context) (map[string]string, error)

	// Upsert stores one key/value pair.
	Upsert(ctx context.Context, key, value string) error
}

// Storage bundles the repositories plus a liveness probe.
type Storage struct {
	Credentials CredentialRepository
	Health      HealthRepository
	Transfers   TransferRepository
	Settings    SettingRepository
	Ping        func(ctx context.Context) error
}
