// Package memory provides an in-memory storage implementation used when no
// database is configured, and by tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syncguard/syncguard/internal/core/domain"
	"github.com/syncguard/syncguard/internal/infra/storage"
)

type MemoryStorage struct {
	credentials map[string]*domain.Credential
	health      map[string]*domain.ConnectionHealth
	transfers   map[string]*domain.PendingTransfer
	settings    map[string]string
	mu          sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		credentials: make(map[string]*domain.Credential),
		health:      make(map[string]*domain.ConnectionHealth),
		transfers:   make(map[string]*domain.PendingTransfer),
		settings:    make(map[string]string),
	}
}

// New returns a fully-wired storage.Storage backed by this store.
func New() *storage.Storage {
	store := NewMemoryStorage()
	return &storage.Storage{
		Credentials: NewCredentialRepo(store),
		Health:      NewHealthRepo(store),
		Transfers:   NewTransferRepo(store),
		Settings:    NewSettingRepo(store),
		Ping:        func(ctx context.Context) error { return nil },
	}
}

func pairKey(userID string, provider domain.Provider) string {
	return userID + ":" + string(provider)
}

// -----------------------------------------------------------------------------
// Credential Repository
// -----------------------------------------------------------------------------

type CredentialRepo struct {
	store *MemoryStorage
}

func NewCredentialRepo(store *MemoryStorage) *CredentialRepo {
	return &CredentialRepo{store: store}
}

func (r *CredentialRepo) Get(
	ctx context.Context,
	userID string,
	provider domain.Provider,
) (*domain.Credential, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.credentials[pairKey(userID, provider)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CredentialRepo) Save(ctx context.Context, c *domain.Credential) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c.Version = 1
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	r.store.credentials[pairKey(c.UserID, c.Provider)] = &cp
	return nil
}

func (r *CredentialRepo) Update(ctx context.Context, c *domain.Credential) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := pairKey(c.UserID, c.Provider)
	cur, ok := r.store.credentials[key]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Version != c.Version {
		return storage.ErrVersionConflict
	}
	c.Version++
	c.UpdatedAt = time.Now()
	cp := *c
	r.store.credentials[key] = &cp
	return nil
}

func (r *CredentialRepo) ListRefreshCandidates(
	ctx context.Context,
	now, deadline time.Time,
	maxFailures int,
) ([]*domain.Credential, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.Credential
	for _, c := range r.store.credentials {
		if c.RefreshToken == "" || c.RequiresReconnect {
			continue
		}
		if c.RefreshFailures >= maxFailures {
			continue
		}
		scheduled := !c.NextScheduledAt.IsZero() && !c.NextScheduledAt.After(now)
		expiring := !c.ExpiresAt.IsZero() && !c.ExpiresAt.After(deadline)
		if !scheduled && !expiring {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// -----------------------------------------------------------------------------
// Health Repository
// -----------------------------------------------------------------------------

type HealthRepo struct {
	store *MemoryStorage
}

func NewHealthRepo(store *MemoryStorage) *HealthRepo {
	return &HealthRepo{store: store}
}

func (r *HealthRepo) Get(
	ctx context.Context,
	userID string,
	provider domain.Provider,
) (*domain.ConnectionHealth, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	h, ok := r.store.health[pairKey(userID, provider)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (r *HealthRepo) Upsert(
	ctx context.Context,
	h *domain.ConnectionHealth,
	computedAt time.Time,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := pairKey(h.UserID, h.Provider)
	if cur, ok := r.store.health[key]; ok && cur.UpdatedAt.After(computedAt) {
		return storage.ErrStaleWrite
	}
	h.UpdatedAt = time.Now()
	cp := *h
	r.store.health[key] = &cp
	return nil
}

func (r *HealthRepo) List(
	ctx context.Context,
	provider domain.Provider,
) ([]*domain.ConnectionHealth, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.ConnectionHealth
	for _, h := range r.store.health {
		if provider != "" && h.Provider != provider {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// -----------------------------------------------------------------------------
// Transfer Repository
// -----------------------------------------------------------------------------

type TransferRepo struct {
	store *MemoryStorage
}

func NewTransferRepo(store *MemoryStorage) *TransferRepo {
	return &TransferRepo{store: store}
}

func (r *TransferRepo) Save(ctx context.Context, t *domain.PendingTransfer) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	r.store.transfers[t.ID] = &cp
	return nil
}

func (r *TransferRepo) Get(ctx context.Context, id string) (*domain.PendingTransfer, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	t, ok := r.store.transfers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *TransferRepo) Update(ctx context.Context, t *domain.PendingTransfer) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.transfers[t.ID]; !ok {
		return storage.ErrNotFound
	}
	t.UpdatedAt = time.Now()
	cp := *t
	r.store.transfers[t.ID] = &cp
	return nil
}

func (r *TransferRepo) ListActive(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*domain.PendingTransfer, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.PendingTransfer
	for _, t := range r.store.transfers {
		if t.State.Terminal() {
			continue
		}
		if !t.RetryAfter.IsZero() && t.RetryAfter.After(now) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *TransferRepo) ListRecent(
	ctx context.Context,
	provider domain.Provider,
	since time.Time,
	limit int,
) ([]*domain.PendingTransfer, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.PendingTransfer
	for _, t := range r.store.transfers {
		if provider != "" && t.Provider != provider {
			continue
		}
		if t.UpdatedAt.Before(since) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Setting Repository
// -----------------------------------------------------------------------------

type SettingRepo struct {
	store *MemoryStorage
}

func NewSettingRepo(store *MemoryStorage) *SettingRepo {
	return &SettingRepo{store: store}
}

func (r *SettingRepo) GetAll(ctx context.Context) (map[string]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make(map[string]string, len(r.store.settings))
	for k, v := range r.store.settings {
		out[k] = v
	}
	return out, nil
}

func (r *SettingRepo) Upsert(ctx context.Context, key, value string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.settings[strings.TrimSpace(key)] = value
	return nil
}
