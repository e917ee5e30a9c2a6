package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteRepository implements Repository using SQLite.
// It uses the pure Go modernc.org/sqlite driver.
type SQLiteRepository struct {
	sqlRepository
}

// NewSQLite creates a new SQLite repository.
// The database file is created if it doesn't exist.
func NewSQLite(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteRepository{
		sqlRepository: sqlRepository{
			db: db,
			dialect: sqlDialect{
				name: "sqlite",
				upsertDevice: `
				INSERT INTO devices (
					user_id, device_id, trusted, browser, os, device_type, first_seen, last_seen
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (user_id, device_id) DO UPDATE SET
					trusted = excluded.trusted,
					browser = excluded.browser,
					os = excluded.os,
					device_type = excluded.device_type,
					last_seen = excluded.last_seen
				`,
				isDuplicate: func(err error) bool {
					return strings.Contains(err.Error(), "UNIQUE constraint failed")
				},
			},
		},
	}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id                  TEXT PRIMARY KEY,
		email               TEXT NOT NULL UNIQUE,
		password_hash       TEXT NOT NULL,
		plan                TEXT NOT NULL,
		created_at          DATETIME NOT NULL,
		password_changed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS devices (
		user_id     TEXT NOT NULL,
		device_id   TEXT NOT NULL,
		trusted     BOOLEAN NOT NULL DEFAULT 0,
		browser     TEXT,
		os          TEXT,
		device_type TEXT,
		first_seen  DATETIME NOT NULL,
		last_seen   DATETIME NOT NULL,
		PRIMARY KEY (user_id, device_id)
	);

	CREATE TABLE IF NOT EXISTS session_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id     TEXT NOT NULL,
		device_id   TEXT NOT NULL,
		ip_address  TEXT,
		user_agent  TEXT,
		trust_score INTEGER NOT NULL,
		country     TEXT,
		city        TEXT,
		created_at  DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_log_created
		ON session_log (created_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: failed to create schema: %w", err)
	}
	return nil
}
