package store

import (
	"database/sql"
	"time"
)

// GetSyncState retrieves a sync checkpoint value. Returns the empty string
// if the key has never been set.
func (db *DB) GetSyncState(key string) (string, error) {
	return getSyncState(db.DB, key)
}

// SetSyncState updates a sync checkpoint value.
func (db *DB) SetSyncState(key, value string) error {
	return setSyncState(db.DB, key, value)
}

func getSyncState(q querier, key string) (string, error) {
	var value string
	err := q.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func setSyncState(q querier, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := q.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}
