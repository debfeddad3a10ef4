// Package database opens the MySQL/MariaDB connection and ensures the
// schema this service reads and writes.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/mldperalta/mldperalta-DatingApp/internal/config"
)

// Init opens the database from config, verifies connectivity and
// ensures the schema exists.
func Init(cfg config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates the users and messages tables when missing.
func EnsureSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			username VARCHAR(64) NOT NULL UNIQUE,
			display_name VARCHAR(128) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			sender_id BIGINT NOT NULL,
			sender_username VARCHAR(64) NOT NULL,
			recipient_id BIGINT NOT NULL,
			recipient_username VARCHAR(64) NOT NULL,
			content TEXT NOT NULL,
			sent_at DATETIME(6) NOT NULL,
			read_at DATETIME(6) NULL,
			sender_deleted TINYINT(1) NOT NULL DEFAULT 0,
			recipient_deleted TINYINT(1) NOT NULL DEFAULT 0,
			INDEX idx_messages_recipient (recipient_username, sent_at),
			INDEX idx_messages_sender (sender_username, sent_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("database: ensure schema: %w", err)
		}
	}
	return nil
}
