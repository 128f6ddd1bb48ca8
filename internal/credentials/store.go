package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Store keeps plugin secrets in the plugin_credentials table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Set upserts one secret.
func (s *Store) Set(ctx context.Context, plugin, key, value string) error {
	if plugin == "" {
		return fmt.Errorf("plugin name is empty")
	}
	if strings.TrimSpace(key) == "" || strings.ContainsAny(key, "= ") {
		return fmt.Errorf("invalid credential key %q", key)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO plugin_credentials(plugin, key, value, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(plugin, key) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at;
`, plugin, key, value, now)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// Delete removes one secret. Returns false when nothing was stored.
func (s *Store) Delete(ctx context.Context, plugin, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM plugin_credentials WHERE plugin = ? AND key = ?;", plugin, key)
	if err != nil {
		return false, fmt.Errorf("delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Keys lists stored keys for a plugin in sorted order. Values are never listed.
func (s *Store) Keys(ctx context.Context, plugin string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM plugin_credentials WHERE plugin = ? ORDER BY key;", plugin)
	if err != nil {
		return nil, fmt.Errorf("list credential keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan credential key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Store) GetCredentials(ctx context.Context, plugin string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM plugin_credentials WHERE plugin = ?;", plugin)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}
