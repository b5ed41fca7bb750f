package postgres

import (
	"context"
	"fmt"
)

// SettingRepo implements storage.SettingRepository using PostgreSQL.
type SettingRepo struct {
	db *DB
}

// NewSettingRepo creates a new PostgreSQL setting repository.
func NewSettingRepo(db *DB) *SettingRepo {
	return &SettingRepo{db: db}
}

// GetAll returns every stored key/value pair.
func (r *SettingRepo) GetAll(ctx context.Context) (map[string]string, error) {
	query := `SELECT setting_key, setting_value FROM settings`

	var rows []struct {
		Key   string `db:"setting_key"`
		Value string `db:"setting_value"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

// Upsert stores one key/value pair.
func (r *SettingRepo) Upsert(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (setting_key, setting_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (setting_key) DO UPDATE SET
			setting_value = EXCLUDED.setting_value,
			updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to upsert setting %s: %w", key, err)
	}
	return nil
}
