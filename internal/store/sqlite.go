package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore implements the Store interface on top of sqlx. It runs against
// a local SQLite file by default and against PostgreSQL when configured.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the database named by driver and dsn and runs any
// pending schema migrations.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite:
		return NewSQLiteStore(dsn)
	case DriverPostgres:
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	db, err := sqlx.Open(DriverSQLite, sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// An in-memory database exists per connection, so it must not be
	// spread across a pool.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return newSQLStore(db, DriverSQLite)
}

// sqliteDSN appends per-connection pragmas so every pooled connection
// enforces foreign keys and waits on a locked file instead of failing.
// Transactions begin IMMEDIATE: a deferred transaction that reads before
// writing gets SQLITE_BUSY in WAL mode without waiting on busy_timeout.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)" +
		"&_txlock=immediate"
}

// NewPostgresStore connects to PostgreSQL using a lib/pq connection string
// and runs any pending schema migrations.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	return newSQLStore(db, DriverPostgres)
}

func newSQLStore(db *sqlx.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Driver reports which database driver backs the store.
func (s *SQLStore) Driver() string {
	return s.driver
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// runMigrations reads the current schema version and applies any
// outstanding migrations in order.
func (s *SQLStore) runMigrations() error {
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	currentVersion := 0
	err := s.db.Get(
		&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version",
	)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// isUniqueViolation reports whether err is a unique constraint failure on
// either supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}

	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// boolToInt converts a boolean to 0 or 1 for storage in INTEGER columns.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
