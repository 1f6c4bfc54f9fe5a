// Package index persists the files-written ledger to SQLite so that the
// outputs of previous runs can be listed without regenerating.
package index

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS outputs (
	path     TEXT PRIMARY KEY,
	kind     TEXT NOT NULL,
	created  DATETIME NOT NULL,
	modified DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS output_sources (
	path   TEXT NOT NULL REFERENCES outputs(path) ON DELETE CASCADE,
	seq    INTEGER NOT NULL,
	source TEXT NOT NULL,
	UNIQUE(path, seq)
);

CREATE INDEX IF NOT EXISTS idx_outputs_kind ON outputs(kind);
CREATE INDEX IF NOT EXISTS idx_output_sources_path ON output_sources(path);
`

// DB wraps a sql.DB with manifest-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply core schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
