// Package analytics persists session and gameplay events to SQLite through a
// batched background writer.
package analytics

import (
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// OpenDB opens (or creates) the SQLite database
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	// SQLite has a single writer; one connection also keeps an in-memory
	// database from being split across the pool.
	conn.SetMaxOpenConns(1)

	if !strings.Contains(path, ":memory:") {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "enable WAL")
		}
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates tables if they don't exist
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS analytics_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		player_id INTEGER,
		session_id TEXT,
		data TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_type_time ON analytics_events(event_type, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_session ON analytics_events(session_id);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return errors.Wrap(err, "migrate schema")
	}
	return nil
}

// GetSetting returns the stored value for key, or "" if unset.
func (db *DB) GetSetting(key string) string {
	var value string
	if err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value); err != nil {
		return ""
	}
	return value
}

// SetSetting stores value under key, replacing any previous value.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return errors.Wrapf(err, "set %s", key)
}
