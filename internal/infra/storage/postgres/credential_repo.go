package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/syncguard/syncguard/internal/core/domain"
	"github.com/syncguard/syncguard/internal/infra/storage"
)

// CredentialRepo implements storage.CredentialRepository using PostgreSQL.
type CredentialRepo struct {
	db *DB
}

// NewCredentialRepo creates a new PostgreSQL credential repository.
func NewCredentialRepo(db *DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

type credentialRow struct {
	ID                  string         `db:"id"`
	UserID              string         `db:"user_id"`
	Provider            string         `db:"provider"`
	AccessToken         string         `db:"access_token"`
	RefreshToken        string         `db:"refresh_token"`
	TokenType           string         `db:"token_type"`
	Scopes              string         `db:"scopes"`
	ExpiresAt           sql.NullTime   `db:"expires_at"`
	LastRefreshAttempt  sql.NullTime   `db:"last_refresh_attempt"`
	LastRefreshSuccess  sql.NullTime   `db:"last_refresh_success"`
	RefreshFailures     int            `db:"refresh_failures"`
	NextScheduledAt     sql.NullTime   `db:"next_scheduled_at"`
	HealthCheckFailures int            `db:"health_check_failures"`
	RequiresReconnect   bool           `db:"requires_reconnect"`
	LastNotifiedAt      sql.NullTime   `db:"last_notified_at"`
	NotifyFailures      int            `db:"notify_failures"`
	Version             int64          `db:"version"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r credentialRow) toDomain() *domain.Credential {
	c := &domain.Credential{
		ID:                  r.ID,
		UserID:              r.UserID,
		Provider:            domain.Provider(r.Provider),
		AccessToken:         r.AccessToken,
		RefreshToken:        r.RefreshToken,
		TokenType:           r.TokenType,
		RefreshFailures:     r.RefreshFailures,
		HealthCheckFailures: r.HealthCheckFailures,
		RequiresReconnect:   r.RequiresReconnect,
		NotifyFailures:      r.NotifyFailures,
		Version:             r.Version,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.Scopes != "" {
		c.Scopes = strings.Split(r.Scopes, " ")
	}
	if r.ExpiresAt.Valid {
		c.ExpiresAt = r.ExpiresAt.Time
	}
	if r.LastRefreshAttempt.Valid {
		c.LastRefreshAttempt = r.LastRefreshAttempt.Time
	}
	if r.LastRefreshSuccess.Valid {
		c.LastRefreshSuccess = r.LastRefreshSuccess.Time
	}
	if r.NextScheduledAt.Valid {
		c.NextScheduledAt = r.NextScheduledAt.Time
	}
	if r.LastNotifiedAt.Valid {
		c.LastNotifiedAt = r.LastNotifiedAt.Time
	}
	return c
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

const credentialColumns = `id, user_id, provider, access_token, refresh_token, token_type, scopes,
	expires_at, last_refresh_attempt, last_refresh_success, refresh_failures,
	next_scheduled_at, health_check_failures, requires_reconnect,
	last_notified_at, notify_failures, version, created_at, updated_at`

// Get returns the credential for (user, provider).
func (r *CredentialRepo) Get(
	ctx context.Context,
	userID string,
	provider domain.Provider,
) (*domain.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE user_id = $1 AND provider = $2
	`

	var row credentialRow
	err := r.db.GetContext(ctx, &row, query, userID, string(provider))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return row.toDomain(), nil
}

// Save inserts a new credential.
func (r *CredentialRepo) Save(ctx context.Context, c *domain.Credential) error {
	query := `
		INSERT INTO credentials (id, user_id, provider, access_token, refresh_token, token_type, scopes,
			expires_at, last_refresh_attempt, last_refresh_success, refresh_failures,
			next_scheduled_at, health_check_failures, requires_reconnect,
			last_notified_at, notify_failures, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1, NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.UserID, string(c.Provider), c.AccessToken, c.RefreshToken, c.TokenType,
		strings.Join(c.Scopes, " "),
		nullTime(c.ExpiresAt), nullTime(c.LastRefreshAttempt), nullTime(c.LastRefreshSuccess),
		c.RefreshFailures, nullTime(c.NextScheduledAt), c.HealthCheckFailures,
		c.RequiresReconnect, nullTime(c.LastNotifiedAt), c.NotifyFailures,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	c.Version = 1
	return nil
}

// Update writes the credential back with an optimistic version check. A
// concurrent writer wins the race; the loser gets ErrVersionConflict and
// must discard its result.
func (r *CredentialRepo) Update(ctx context.Context, c *domain.Credential) error {
	query := `
		UPDATE credentials
		SET access_token = $1, refresh_token = $2, token_type = $3, scopes = $4,
			expires_at = $5, last_refresh_attempt = $6, last_refresh_success = $7,
			refresh_failures = $8, next_scheduled_at = $9, health_check_failures = $10,
			requires_reconnect = $11, last_notified_at = $12, notify_failures = $13,
			version = version + 1, updated_at = NOW()
		WHERE id = $14 AND version = $15
	`
	res, err := r.db.ExecContext(ctx, query,
		c.AccessToken, c.RefreshToken, c.TokenType, strings.Join(c.Scopes, " "),
		nullTime(c.ExpiresAt), nullTime(c.LastRefreshAttempt), nullTime(c.LastRefreshSuccess),
		c.RefreshFailures, nullTime(c.NextScheduledAt), c.HealthCheckFailures,
		c.RequiresReconnect, nullTime(c.LastNotifiedAt), c.NotifyFailures,
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return storage.ErrVersionConflict
	}
	c.Version++
	return nil
}

// ListRefreshCandidates selects credentials due for a proactive refresh: a
// scheduled refresh time that has arrived, or expiry at or before the
// deadline (already-expired included). Skips connections that need a human
// and those at the failure ceiling.
func (r *CredentialRepo) ListRefreshCandidates(
	ctx context.Context,
	now, deadline time.Time,
	maxFailures int,
) ([]*domain.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE refresh_token <> ''
		  AND requires_reconnect = FALSE
		  AND refresh_failures < $1
		  AND (
		        (next_scheduled_at IS NOT NULL AND next_scheduled_at <= $2)
		     OR (expires_at IS NOT NULL AND expires_at <= $3)
		  )
		ORDER BY expires_at ASC
	`

	var rows []credentialRow
	if err := r.db.SelectContext(ctx, &rows, query, maxFailures, now, deadline); err != nil {
		return nil, fmt.Errorf("failed to list refresh candidates: %w", err)
	}

	creds := make([]*domain.Credential, 0, len(rows))
	for _, row := range rows {
		creds = append(creds, row.toDomain())
	}
	return creds, nil
}
