package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/syncguard/syncguard/internal/core/domain"
	"github.com/syncguard/syncguard/internal/infra/storage"
)

// HealthRepo implements storage.HealthRepository using PostgreSQL.
type HealthRepo struct {
	db *DB
}

// NewHealthRepo creates a new PostgreSQL connection-health repository.
func NewHealthRepo(db *DB) *HealthRepo {
	return &HealthRepo{db: db}
}

type healthRow struct {
	ID                 string       `db:"id"`
	UserID             string       `db:"user_id"`
	Provider           string       `db:"provider"`
	Status             string       `db:"status"`
	Consolidated       string       `db:"consolidated_status"`
	ConsecutiveFails   int          `db:"consecutive_fails"`
	LastSuccessAt      sql.NullTime `db:"last_success_at"`
	LastErrorType      string       `db:"last_error_type"`
	LastErrorMessage   string       `db:"last_error_message"`
	LastErrorContext   []byte       `db:"last_error_context"`
	TokenExpiresAt     sql.NullTime `db:"token_expires_at"`
	ReconnectRequired  bool         `db:"reconnect_required"`
	LastRefreshAttempt sql.NullTime `db:"last_refresh_attempt"`
	RefreshFailures    int          `db:"refresh_failures"`
	LastValidationOK   bool         `db:"last_validation_ok"`
	LastValidatedAt    sql.NullTime `db:"last_validated_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
}

func (r healthRow) toDomain() (*domain.ConnectionHealth, error) {
	h := &domain.ConnectionHealth{
		ID:                r.ID,
		UserID:            r.UserID,
		Provider:          domain.Provider(r.Provider),
		Status:            domain.RawStatus(r.Status),
		Consolidated:      domain.ConsolidatedStatus(r.Consolidated),
		ConsecutiveFails:  r.ConsecutiveFails,
		LastErrorType:     r.LastErrorType,
		LastErrorMessage:  r.LastErrorMessage,
		ReconnectRequired: r.ReconnectRequired,
		RefreshFailures:   r.RefreshFailures,
		LastValidationOK:  r.LastValidationOK,
		UpdatedAt:         r.UpdatedAt,
	}
	if len(r.LastErrorContext) > 0 {
		if err := json.Unmarshal(r.LastErrorContext, &h.LastErrorContext); err != nil {
			return nil, fmt.Errorf("failed to decode error context: %w", err)
		}
	}
	if r.LastSuccessAt.Valid {
		h.LastSuccessAt = r.LastSuccessAt.Time
	}
	if r.TokenExpiresAt.Valid {
		h.TokenExpiresAt = r.TokenExpiresAt.Time
	}
	if r.LastRefreshAttempt.Valid {
		h.LastRefreshAttempt = r.LastRefreshAttempt.Time
	}
	if r.LastValidatedAt.Valid {
		h.LastValidatedAt = r.LastValidatedAt.Time
	}
	return h, nil
}

const healthColumns = `id, user_id, provider, status, consolidated_status, consecutive_fails,
	last_success_at, last_error_type, last_error_message, last_error_context,
	token_expires_at, reconnect_required, last_refresh_attempt, refresh_failures,
	last_validation_ok, last_validated_at, updated_at`

// Get returns the health record for (user, provider).
func (r *HealthRepo) Get(
	ctx context.Context,
	userID string,
	provider domain.Provider,
) (*domain.ConnectionHealth, error) {
	query := `
		SELECT ` + healthColumns + `
		FROM connection_health
		WHERE user_id = $1 AND provider = $2
	`

	var row healthRow
	err := r.db.GetContext(ctx, &row, query, userID, string(provider))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection health: %w", err)
	}
	return row.toDomain()
}

// Upsert writes the health record with a monotonic guard: if a concurrent
// writer updated the row after computedAt, the write is rejected with
// ErrStaleWrite so a slower computation cannot clobber fresher state.
func (r *HealthRepo) Upsert(
	ctx context.Context,
	h *domain.ConnectionHealth,
	computedAt time.Time,
) error {
	var errCtx []byte
	if len(h.LastErrorContext) > 0 {
		var err error
		errCtx, err = json.Marshal(h.LastErrorContext)
		if err != nil {
			return fmt.Errorf("failed to encode error context: %w", err)
		}
	}

	query := `
		INSERT INTO connection_health (id, user_id, provider, status, consolidated_status, consecutive_fails,
			last_success_at, last_error_type, last_error_message, last_error_context,
			token_expires_at, reconnect_required, last_refresh_attempt, refresh_failures,
			last_validation_ok, last_validated_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			status = EXCLUDED.status,
			consolidated_status = EXCLUDED.consolidated_status,
			consecutive_fails = EXCLUDED.consecutive_fails,
			last_success_at = EXCLUDED.last_success_at,
			last_error_type = EXCLUDED.last_error_type,
			last_error_message = EXCLUDED.last_error_message,
			last_error_context = EXCLUDED.last_error_context,
			token_expires_at = EXCLUDED.token_expires_at,
			reconnect_required = EXCLUDED.reconnect_required,
			last_refresh_attempt = EXCLUDED.last_refresh_attempt,
			refresh_failures = EXCLUDED.refresh_failures,
			last_validation_ok = EXCLUDED.last_validation_ok,
			last_validated_at = EXCLUDED.last_validated_at,
			updated_at = NOW()
		WHERE connection_health.updated_at <= $17
	`
	res, err := r.db.ExecContext(ctx, query,
		h.ID, h.UserID, string(h.Provider), string(h.Status), string(h.Consolidated),
		h.ConsecutiveFails, nullTime(h.LastSuccessAt), h.LastErrorType, h.LastErrorMessage,
		errCtx, nullTime(h.TokenExpiresAt), h.ReconnectRequired,
		nullTime(h.LastRefreshAttempt), h.RefreshFailures,
		h.LastValidationOK, nullTime(h.LastValidatedAt),
		computedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert connection health: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read upsert result: %w", err)
	}
	if affected == 0 {
		return storage.ErrStaleWrite
	}
	return nil
}

// List returns all health records, newest update first. Empty provider means
// all providers.
func (r *HealthRepo) List(
	ctx context.Context,
	provider domain.Provider,
) ([]*domain.ConnectionHealth, error) {
	query := `
		SELECT ` + healthColumns + `
		FROM connection_health
		WHERE ($1 = '' OR provider = $1)
		ORDER BY updated_at DESC
	`

	var rows []healthRow
	if err := r.db.SelectContext(ctx, &rows, query, string(provider)); err != nil {
		return nil, fmt.Errorf("failed to list connection health: %w", err)
	}

	records := make([]*domain.ConnectionHealth, 0, len(rows))
	for _, row := range rows {
		h, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		records = append(records, h)
	}
	return records, nil
}
