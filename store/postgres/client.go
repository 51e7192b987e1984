// Package postgres implements the Event Store, Checkpoint Store, and Cache
// Store atop database/sql with the lib/pq driver, migrated with
// golang-migrate the same way store/sqlite manages its own schema: an
// embedded migrations directory applied through the iofs source driver.
// It is the multi-process-safe persistence provider named in
// common.PersistenceProviderPostgres / common.CacheProviderPostgres,
// suited to a deployment where more than one engine process shares an
// instance's state.
package postgres

import (
	"database/sql"
	"fmt"

	zlog "github.com/rs/zerolog/log"

	_ "github.com/lib/pq"
)

// Config addresses a Postgres database by its component parts, mirroring
// the --postgres-db-name/--postgres-user/--postgres-password/
// --postgres-hostname CLI flags rather than a single DSN string.
type Config struct {
	Host     string
	DBName   string
	User     string
	Password string
	SSLMode  string
}

func (c Config) dsn() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s dbname=%s user=%s password=%s sslmode=%s", c.Host, c.DBName, c.User, c.Password, sslMode)
}

// Client wraps a *sql.DB opened against cfg, migrated to the latest schema
// on construction.
type Client struct {
	db *sql.DB
}

func NewClient(cfg Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	client := &Client{db: db}
	if err := client.migrateUp(); err != nil {
		return nil, fmt.Errorf("failed to migrate postgres database: %w", err)
	}

	zlog.Debug().Str("host", cfg.Host).Str("db", cfg.DBName).Msg("postgres client initialized")
	return client, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}
