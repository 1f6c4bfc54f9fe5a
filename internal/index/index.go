package index

import "github.com/starford/tessera/internal/storage"

// Manifest is the persisted view of the files-written ledger.
type Manifest interface {
	storage.Mirror
	Outputs(kind string) ([]OutputRow, error)
	Sources(path string) ([]string, error)
	Close() error
}

// Verify *DB satisfies Manifest at compile time.
var _ Manifest = (*DB)(nil)
