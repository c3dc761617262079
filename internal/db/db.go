// Package db provides the PostgreSQL connection pool and schema used by
// both the gatekeeper and worker processes, adapted from the teacher's
// internal/db connection-pool pattern (see _keep/database.go.orig) onto the
// handful of tables ucollect actually needs: clients, activities,
// activity_types, active_plugins, plugin_history and known_plugins.
package db

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds the [main]-section database settings.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DB wraps the shared connection pool.
type DB struct {
	sql *sql.DB
}

var (
	hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
	identRegex    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func validateConfig(c Config) error {
	if c.Host == "" {
		return fmt.Errorf("db: host cannot be empty")
	}
	if net.ParseIP(c.Host) == nil && !hostnameRegex.MatchString(c.Host) {
		return fmt.Errorf("db: invalid host %q", c.Host)
	}
	if c.Port == "" {
		return fmt.Errorf("db: port cannot be empty")
	}
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("db: invalid port %q", c.Port)
	}
	if c.User == "" || !identRegex.MatchString(c.User) {
		return fmt.Errorf("db: invalid user %q", c.User)
	}
	if c.DBName == "" || !identRegex.MatchString(c.DBName) {
		return fmt.Errorf("db: invalid dbname %q", c.DBName)
	}
	validModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if c.SSLMode != "" && !contains(validModes, c.SSLMode) {
		return fmt.Errorf("db: invalid sslmode %q (must be one of %s)", c.SSLMode, strings.Join(validModes, ", "))
	}
	return nil
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// Open validates config and opens a connection pool against PostgreSQL.
// Pool limits mirror the teacher's: a bounded open/idle count so neither the
// event loop thread nor the audit-queue consumer thread (§5) can exhaust
// server-side connections.
func Open(c Config) (*DB, error) {
	if err := validateConfig(c); err != nil {
		return nil, fmt.Errorf("db: invalid configuration: %w", err)
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)

	pool, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("db: opening connection: %w", err)
	}
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)
	pool.SetConnMaxLifetime(5 * time.Minute)

	return &DB{sql: pool}, nil
}

// SQL exposes the underlying pool for packages that need raw access
// (the audit queue, the diff address-set store, the plugin allow-list).
func (d *DB) SQL() *sql.DB { return d.sql }

// Close releases the pool.
func (d *DB) Close() error { return d.sql.Close() }

// Ping verifies connectivity. Open does not dial the server, so an
// unreachable database first shows up here or on the first query; neither
// process calls Ping at startup.
func (d *DB) Ping() error { return d.sql.Ping() }

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	id   TEXT PRIMARY KEY,
	name TEXT
);

CREATE TABLE IF NOT EXISTS activity_types (
	id   SERIAL PRIMARY KEY,
	name TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS activities (
	id        SERIAL PRIMARY KEY,
	client    TEXT NOT NULL,
	activity  TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC')
);

CREATE TABLE IF NOT EXISTS active_plugins (
	client  TEXT NOT NULL,
	plugin  TEXT NOT NULL,
	version INTEGER NOT NULL,
	hash    BYTEA,
	PRIMARY KEY (client, plugin)
);

CREATE TABLE IF NOT EXISTS plugin_history (
	id        SERIAL PRIMARY KEY,
	client    TEXT NOT NULL,
	plugin    TEXT NOT NULL,
	version   INTEGER NOT NULL,
	hash      BYTEA,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT (NOW() AT TIME ZONE 'UTC')
);

CREATE TABLE IF NOT EXISTS known_plugins (
	name    TEXT NOT NULL,
	version INTEGER,
	hash    BYTEA,
	status  TEXT NOT NULL
);
`

// Migrate applies the idempotent schema, the Go counterpart of the
// CREATE TABLE IF NOT EXISTS bootstrap the teacher's database.go runs on
// startup. Only the tables listed in schema are created; internal/addrset
// creates no tables of its own.
func (d *DB) Migrate() error {
	if _, err := d.sql.Exec(schema); err != nil {
		return fmt.Errorf("db: migrating schema: %w", err)
	}
	return nil
}
