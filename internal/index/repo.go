package index

import (
	"fmt"
	"time"

	"github.com/starford/tessera/internal/storage"
)

// OutputRow represents a row in the outputs table.
type OutputRow struct {
	Path     string
	Kind     string
	Created  time.Time
	Modified time.Time
	Writes   int
}

// RecordOutput upserts the ledger record for path, replacing its source
// list, within a transaction.
func (db *DB) RecordOutput(path string, rec storage.Record) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO outputs (path, kind, created, modified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			kind     = excluded.kind,
			modified = excluded.modified
	`, path, string(rec.Kind), rec.Created.UTC(), rec.Modified.UTC())
	if err != nil {
		return fmt.Errorf("index: upsert output: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM output_sources WHERE path = ?`, path); err != nil {
		return fmt.Errorf("index: clear sources: %w", err)
	}
	if len(rec.Source) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO output_sources (path, seq, source) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare source insert: %w", err)
		}
		defer stmt.Close()
		for i, src := range rec.Source {
			if _, err := stmt.Exec(path, i, src); err != nil {
				return fmt.Errorf("index: insert source: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Outputs lists recorded outputs ordered by path, optionally filtered by
// kind (empty kind lists everything).
func (db *DB) Outputs(kind string) ([]OutputRow, error) {
	rows, err := db.conn.Query(`
		SELECT o.path, o.kind, o.created, o.modified, COUNT(s.seq)
		FROM outputs o
		LEFT JOIN output_sources s ON s.path = o.path
		WHERE ? = '' OR o.kind = ?
		GROUP BY o.path
		ORDER BY o.path
	`, kind, kind)
	if err != nil {
		return nil, fmt.Errorf("index: outputs: %w", err)
	}
	defer rows.Close()

	var out []OutputRow
	for rows.Next() {
		var r OutputRow
		if err := rows.Scan(&r.Path, &r.Kind, &r.Created, &r.Modified, &r.Writes); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sources returns the ordered write sources recorded for path.
func (db *DB) Sources(path string) ([]string, error) {
	rows, err := db.conn.Query(`SELECT source FROM output_sources WHERE path = ? ORDER BY seq`, path)
	if err != nil {
		return nil, fmt.Errorf("index: sources: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
