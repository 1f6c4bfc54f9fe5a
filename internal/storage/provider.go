// Package storage provides root-confined file access: reading the data tree
// for generate-scripts and writing generated output with a ledger of what
// was written.
package storage

// DataSource is the read-only view of the data directory handed to scripts.
type DataSource interface {
	// Root returns the absolute data root.
	Root() string
	// List returns slash-separated paths, relative to the root, of every
	// regular file matching any of globs (all files when globs is empty).
	List(globs ...string) ([]string, error)
	// Read returns the raw bytes of the file at path (relative to the root).
	Read(path string) ([]byte, error)
}

// Mirror receives every ledger append, e.g. to persist a manifest.
type Mirror interface {
	RecordOutput(path string, rec Record) error
}

var _ DataSource = (*FS)(nil)
