package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// MySQLRepository implements Repository using MySQL.
type MySQLRepository struct {
	sqlRepository
}

// NewMySQL creates a new MySQL repository on an open connection pool.
// The pool must be opened with parseTime=true.
func NewMySQL(db *sql.DB) (*MySQLRepository, error) {
	if err := createMySQLSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &MySQLRepository{
		sqlRepository: sqlRepository{
			db: db,
			dialect: sqlDialect{
				name: "mysql",
				upsertDevice: `
				INSERT INTO devices (
					user_id, device_id, trusted, browser, os, device_type, first_seen, last_seen
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON DUPLICATE KEY UPDATE
					trusted = VALUES(trusted),
					browser = VALUES(browser),
					os = VALUES(os),
					device_type = VALUES(device_type),
					last_seen = VALUES(last_seen)
				`,
				isDuplicate: func(err error) bool {
					var myErr *mysql.MySQLError
					return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
				},
			},
		},
	}, nil
}

// NewMySQLFromDSN creates a new MySQL repository from a DSN.
// The DSN format is: user:password@tcp(host:port)/database
func NewMySQLFromDSN(dsn string) (*MySQLRepository, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: invalid DSN: %w", err)
	}
	cfg.ParseTime = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("mysql: failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: failed to connect: %w", err)
	}

	return NewMySQL(db)
}

func createMySQLSchema(db *sql.DB) error {
	// MySQL runs one statement per Exec unless multiStatements is set.
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id                  VARCHAR(64) PRIMARY KEY,
			email               VARCHAR(255) NOT NULL UNIQUE,
			password_hash       VARCHAR(255) NOT NULL,
			plan                VARCHAR(32) NOT NULL,
			created_at          DATETIME(6) NOT NULL,
			password_changed_at DATETIME(6) NULL DEFAULT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS devices (
			user_id     VARCHAR(64) NOT NULL,
			device_id   VARCHAR(64) NOT NULL,
			trusted     BOOLEAN NOT NULL DEFAULT FALSE,
			browser     VARCHAR(100),
			os          VARCHAR(100),
			device_type VARCHAR(20),
			first_seen  DATETIME(6) NOT NULL,
			last_seen   DATETIME(6) NOT NULL,
			PRIMARY KEY (user_id, device_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS session_log (
			id          BIGINT AUTO_INCREMENT PRIMARY KEY,
			user_id     VARCHAR(64) NOT NULL,
			device_id   VARCHAR(64) NOT NULL,
			ip_address  VARCHAR(45),
			user_agent  TEXT,
			trust_score INT NOT NULL,
			country     VARCHAR(100),
			city        VARCHAR(100),
			created_at  DATETIME(6) NOT NULL,

			INDEX idx_session_log_created (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("mysql: failed to create schema: %w", err)
		}
	}
	return nil
}
