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

// TransferRepo implements storage.TransferRepository using PostgreSQL.
type TransferRepo struct {
	db *DB
}

// NewTransferRepo creates a new PostgreSQL transfer repository.
func NewTransferRepo(db *DB) *TransferRepo {
	return &TransferRepo{db: db}
}

type transferRow struct {
	ID               string       `db:"id"`
	UserID           string       `db:"user_id"`
	Provider         string       `db:"provider"`
	FileName         string       `db:"file_name"`
	FileSize         int64        `db:"file_size"`
	State            string       `db:"state"`
	RetryCount       int          `db:"retry_count"`
	RecoveryAttempts int          `db:"recovery_attempts"`
	LastError        string       `db:"last_error"`
	ErrorHistory     []byte       `db:"error_history"`
	ErrorType        string       `db:"error_type"`
	ErrorContext     []byte       `db:"error_context"`
	HealthAtFailure  []byte       `db:"health_at_failure"`
	RetryAfter       sql.NullTime `db:"retry_after"`
	LastProcessedAt  sql.NullTime `db:"last_processed_at"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

func (r transferRow) toDomain() (*domain.PendingTransfer, error) {
	t := &domain.PendingTransfer{
		ID:               r.ID,
		UserID:           r.UserID,
		Provider:         domain.Provider(r.Provider),
		FileName:         r.FileName,
		FileSize:         r.FileSize,
		State:            domain.TransferState(r.State),
		RetryCount:       r.RetryCount,
		RecoveryAttempts: r.RecoveryAttempts,
		LastError:        r.LastError,
		ErrorType:        r.ErrorType,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if len(r.ErrorHistory) > 0 {
		if err := json.Unmarshal(r.ErrorHistory, &t.ErrorHistory); err != nil {
			return nil, fmt.Errorf("failed to decode error history: %w", err)
		}
	}
	if len(r.ErrorContext) > 0 {
		if err := json.Unmarshal(r.ErrorContext, &t.ErrorContext); err != nil {
			return nil, fmt.Errorf("failed to decode error context: %w", err)
		}
	}
	if len(r.HealthAtFailure) > 0 {
		if err := json.Unmarshal(r.HealthAtFailure, &t.HealthAtFailure); err != nil {
			return nil, fmt.Errorf("failed to decode health snapshot: %w", err)
		}
	}
	if r.RetryAfter.Valid {
		t.RetryAfter = r.RetryAfter.Time
	}
	if r.LastProcessedAt.Valid {
		t.LastProcessedAt = r.LastProcessedAt.Time
	}
	return t, nil
}

func (r *TransferRepo) encode(t *domain.PendingTransfer) (history, errCtx, snapshot []byte, err error) {
	if len(t.ErrorHistory) > 0 {
		if history, err = json.Marshal(t.ErrorHistory); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode error history: %w", err)
		}
	}
	if len(t.ErrorContext) > 0 {
		if errCtx, err = json.Marshal(t.ErrorContext); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode error context: %w", err)
		}
	}
	if t.HealthAtFailure != nil {
		if snapshot, err = json.Marshal(t.HealthAtFailure); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode health snapshot: %w", err)
		}
	}
	return history, errCtx, snapshot, nil
}

const transferColumns = `id, user_id, provider, file_name, file_size, state, retry_count,
	recovery_attempts, last_error, error_history, error_type, error_context,
	health_at_failure, retry_after, last_processed_at, created_at, updated_at`

// Save inserts a new pending transfer.
func (r *TransferRepo) Save(ctx context.Context, t *domain.PendingTransfer) error {
	history, errCtx, snapshot, err := r.encode(t)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pending_transfers (id, user_id, provider, file_name, file_size, state, retry_count,
			recovery_attempts, last_error, error_history, error_type, error_context,
			health_at_failure, retry_after, last_processed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
	`
	_, err = r.db.ExecContext(ctx, query,
		t.ID, t.UserID, string(t.Provider), t.FileName, t.FileSize, string(t.State),
		t.RetryCount, t.RecoveryAttempts, t.LastError, history, t.ErrorType, errCtx,
		snapshot, nullTime(t.RetryAfter), nullTime(t.LastProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save transfer: %w", err)
	}
	return nil
}

// Get returns a transfer by ID.
func (r *TransferRepo) Get(ctx context.Context, id string) (*domain.PendingTransfer, error) {
	query := `SELECT ` + transferColumns + ` FROM pending_transfers WHERE id = $1`

	var row transferRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return row.toDomain()
}

// Update writes the transfer back.
func (r *TransferRepo) Update(ctx context.Context, t *domain.PendingTransfer) error {
	history, errCtx, snapshot, err := r.encode(t)
	if err != nil {
		return err
	}

	query := `
		UPDATE pending_transfers
		SET state = $1, retry_count = $2, recovery_attempts = $3, last_error = $4,
			error_history = $5, error_type = $6, error_context = $7,
			health_at_failure = $8, retry_after = $9, last_processed_at = $10,
			updated_at = NOW()
		WHERE id = $11
	`
	_, err = r.db.ExecContext(ctx, query,
		string(t.State), t.RetryCount, t.RecoveryAttempts, t.LastError,
		history, t.ErrorType, errCtx, snapshot,
		nullTime(t.RetryAfter), nullTime(t.LastProcessedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}
	return nil
}

// ListActive returns non-terminal transfers whose retry time has come, oldest
// first, so one slow connection cannot starve the rest of the queue.
func (r *TransferRepo) ListActive(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*domain.PendingTransfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM pending_transfers
		WHERE state IN ('pending', 'retrying')
		  AND (retry_after IS NULL OR retry_after <= $1)
		ORDER BY updated_at ASC
		LIMIT $2
	`

	var rows []transferRow
	if err := r.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list active transfers: %w", err)
	}
	return r.toDomainList(rows)
}

// ListRecent returns transfers touched since the cutoff, newest first.
func (r *TransferRepo) ListRecent(
	ctx context.Context,
	provider domain.Provider,
	since time.Time,
	limit int,
) ([]*domain.PendingTransfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM pending_transfers
		WHERE ($1 = '' OR provider = $1)
		  AND updated_at >= $2
		ORDER BY updated_at DESC
		LIMIT $3
	`

	var rows []transferRow
	if err := r.db.SelectContext(ctx, &rows, query, string(provider), since, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent transfers: %w", err)
	}
	return r.toDomainList(rows)
}

func (r *TransferRepo) toDomainList(rows []transferRow) ([]*domain.PendingTransfer, error) {
	transfers := make([]*domain.PendingTransfer, 0, len(rows))
	for _, row := range rows {
		t, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}
