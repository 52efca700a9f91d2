package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/conformance/internal/eventlog"
	"github.com/roach88/conformance/internal/testinfo"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is stamped into PRAGMA user_version. A database stamped
// with a later version is refused rather than written with the wrong
// layout.
const schemaVersion = 1

// connParams are applied by go-sqlite3 to every connection it opens:
// WAL journaling, NORMAL sync, a 5s busy timeout and foreign keys.
const connParams = "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"

// Store keeps test records and their audit trails in SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ testinfo.Service = (*Store)(nil)
	_ eventlog.Sink    = (*Store)(nil)
)

// Open opens the database at path, creating it and its schema when
// needed. Opening an existing database again is safe.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dataSource(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database %s: %w", path, err)
	}

	// One connection: SQLite has a single writer, and module event logs
	// write concurrently.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := installSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func dataSource(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + connParams
	}
	return path + "?" + connParams
}

// installSchema creates missing tables and indexes and stamps the schema
// version, in one transaction.
func installSchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("install schema: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.Exec(schemaSQL); err != nil {
		return fmt.Errorf("install schema: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("install schema: stamp version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("install schema: commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
