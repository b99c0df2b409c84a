package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a requested row does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyClaimed is returned when a conditional claim matched no pending row
	ErrAlreadyClaimed = errors.New("run domain already claimed")
	// ErrStateConflict is returned when a conditional status update matched no row in the expected state
	ErrStateConflict = errors.New("run domain is not in the expected state")
)

// Storage handles all database operations
type Storage struct {
	db *sqlx.DB
}

// NewStorage opens (or creates) the database and initializes the schema
func NewStorage(driver, dsn string) (*Storage, error) {
	if driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// sqlite allows a single writer; one connection also keeps :memory: databases shared
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &Storage{db: db}

	if err := storage.initSchema(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// NewFromDB wraps an already opened connection without touching the schema
func NewFromDB(db *sqlx.DB) *Storage {
	return &Storage{db: db}
}

// initSchema creates tables and indices if they don't exist
func (s *Storage) initSchema(driver string) error {
	schema := sqliteSchema
	if driver == DriverPostgres {
		schema = postgresSchema
	}
	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// q rebinds a query written with ? placeholders for the active driver
func (s *Storage) q(query string) string {
	return s.db.Rebind(query)
}

// inTx runs fn inside a transaction, rolling back on error
func (s *Storage) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// execRequireRows validates that an ExecContext result affected at least one row.
// Returns err if non-nil, or notFoundErr if rowsAffected is 0.
func execRequireRows(result sql.Result, err, notFoundErr error) error {
	if err != nil {
		return err
	}
	n, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return affectedErr
	}
	if n == 0 {
		return notFoundErr
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'created',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS run_domains (
	run_id TEXT NOT NULL REFERENCES runs(id),
	domain TEXT NOT NULL,
	status TEXT,
	reason TEXT,
	attempted_urls TEXT NOT NULL DEFAULT '[]',
	inn TEXT,
	emails TEXT NOT NULL DEFAULT '[]',
	inn_source_url TEXT,
	email_source_url TEXT,
	supplier_id INTEGER,
	conflict INTEGER NOT NULL DEFAULT 0,
	conflict_supplier_id INTEGER,
	strategy_log TEXT NOT NULL DEFAULT '[]',
	previous_inn TEXT,
	previous_email TEXT,
	corrected INTEGER NOT NULL DEFAULT 0,
	claimed_at TIMESTAMP,
	finished_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (run_id, domain)
);

CREATE TABLE IF NOT EXISTS suppliers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	inn TEXT UNIQUE NOT NULL,
	type TEXT NOT NULL DEFAULT 'supplier',
	emails TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS supplier_domains (
	supplier_id INTEGER NOT NULL REFERENCES suppliers(id),
	domain TEXT UNIQUE NOT NULL,
	is_primary INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS domain_moderation (
	domain TEXT PRIMARY KEY,
	reason TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS learning_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	domain TEXT NOT NULL,
	data_type TEXT NOT NULL,
	value TEXT NOT NULL,
	previous_value TEXT,
	source_url TEXT NOT NULL,
	url_pattern TEXT NOT NULL,
	description TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_run_domains_status ON run_domains(run_id, status);
CREATE INDEX IF NOT EXISTS idx_run_domains_claimed ON run_domains(status, claimed_at);
CREATE INDEX IF NOT EXISTS idx_supplier_domains_supplier ON supplier_domains(supplier_id);
CREATE INDEX IF NOT EXISTS idx_learning_records_domain ON learning_records(domain);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'created',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS run_domains (
	run_id TEXT NOT NULL REFERENCES runs(id),
	domain TEXT NOT NULL,
	status TEXT,
	reason TEXT,
	attempted_urls TEXT NOT NULL DEFAULT '[]',
	inn TEXT,
	emails TEXT NOT NULL DEFAULT '[]',
	inn_source_url TEXT,
	email_source_url TEXT,
	supplier_id BIGINT,
	conflict BOOLEAN NOT NULL DEFAULT FALSE,
	conflict_supplier_id BIGINT,
	strategy_log TEXT NOT NULL DEFAULT '[]',
	previous_inn TEXT,
	previous_email TEXT,
	corrected BOOLEAN NOT NULL DEFAULT FALSE,
	claimed_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (run_id, domain)
);

CREATE TABLE IF NOT EXISTS suppliers (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	inn TEXT UNIQUE NOT NULL,
	type TEXT NOT NULL DEFAULT 'supplier',
	emails TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS supplier_domains (
	supplier_id BIGINT NOT NULL REFERENCES suppliers(id),
	domain TEXT UNIQUE NOT NULL,
	is_primary BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS domain_moderation (
	domain TEXT PRIMARY KEY,
	reason TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS learning_records (
	id BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL,
	domain TEXT NOT NULL,
	data_type TEXT NOT NULL,
	value TEXT NOT NULL,
	previous_value TEXT,
	source_url TEXT NOT NULL,
	url_pattern TEXT NOT NULL,
	description TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_run_domains_status ON run_domains(run_id, status);
CREATE INDEX IF NOT EXISTS idx_run_domains_claimed ON run_domains(status, claimed_at);
CREATE INDEX IF NOT EXISTS idx_supplier_domains_supplier ON supplier_domains(supplier_id);
CREATE INDEX IF NOT EXISTS idx_learning_records_domain ON learning_records(domain);
`
