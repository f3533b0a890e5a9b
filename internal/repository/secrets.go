package repository

import (
	"context"
	"database/sql"
	"errors"
)

// GetSecret reads a stored secret. A missing key is not an error.
func (q *Queries) GetSecret(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM oauth_tokens WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (q *Queries) SetSecret(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	return err
}

func (q *Queries) DeleteSecret(ctx context.Context, key string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE key = ?`, key)
	return err
}

// ListSecretKeys returns stored keys starting with prefix.
func (q *Queries) ListSecretKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT key FROM oauth_tokens WHERE substr(key, 1, length(?)) = ? ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
