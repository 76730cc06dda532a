package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetSyncState upserts a sync checkpoint value (e.g. the /sync since token).
func (db *DB) SetSyncState(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	if err != nil {
		return fmt.Errorf("set sync state %q: %w", key, err)
	}
	return nil
}

// SyncState retrieves a sync checkpoint value. Missing keys yield "".
func (db *DB) SyncState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get sync state %q: %w", key, err)
	}
	return value, nil
}
