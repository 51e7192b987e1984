// Package sqlite implements the Event Store, Checkpoint Store, and Cache
// Store atop modernc.org/sqlite, migrated with golang-migrate the same way
// the teacher's srv/sqlite package manages its own schema: an embedded
// migrations directory applied through the iofs source driver. Only
// migrate.ErrNoChange is tolerated: a database at a schema version the
// embedded migrations do not contain (a newer binary's data opened by an
// older one) makes NewClient return the migration error.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	zlog "github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

// Client wraps a *sql.DB opened against dbPath, migrated to the latest
// schema on construction.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writes internally; a single connection avoids
	// SQLITE_BUSY from concurrent writers stepping on each other.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	client := &Client{db: db}
	if err := client.migrateUp(); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}

	zlog.Debug().Str("path", dbPath).Msg("sqlite client initialized")
	return client, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}
