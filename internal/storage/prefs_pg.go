package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/veridian-labs/stepfactor/internal/database"
)

// PgPrefsBackend stores account preferences in the user_prefs table, one row
// per (username, key).
type PgPrefsBackend struct {
	db *database.DB
}

func NewPgPrefsBackend(db *database.DB) *PgPrefsBackend {
	return &PgPrefsBackend{db: db}
}

func (b *PgPrefsBackend) GetPref(ctx context.Context, username, key string) (string, error) {
	query := `
		SELECT pref_value
		FROM user_prefs
		WHERE username = $1 AND pref_key = $2
	`

	var value string
	err := b.db.Pool.QueryRow(ctx, query, username, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read pref %s: %w", key, database.MapPostgresError(err))
	}

	return value, nil
}

// SavePrefs upserts all given keys in one transaction so a factor blob and
// its index can never be observed out of sync.
func (b *PgPrefsBackend) SavePrefs(ctx context.Context, username string, prefs map[string]string) error {
	query := `
		INSERT INTO user_prefs (username, pref_key, pref_value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (username, pref_key)
		DO UPDATE SET pref_value = EXCLUDED.pref_value, updated_at = now()
	`

	err := b.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		for key, value := range prefs {
			if _, err := tx.Exec(ctx, query, username, key, value); err != nil {
				return fmt.Errorf("failed to save pref %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}
