package db

import (
	"database/sql"
	"errors"
	"time"
)

const configKey = "config"

// LoadConfig returns the stored configuration blob, or nil when none has been
// saved yet.
func (db *DB) LoadConfig() ([]byte, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM settings WHERE key = ?`, configKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapClosed(err)
	}
	return []byte(value), nil
}

// SaveConfig replaces the stored configuration blob.
func (db *DB) SaveConfig(data []byte) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		configKey, string(data), time.Now().UnixMilli())
	return wrapClosed(err)
}
