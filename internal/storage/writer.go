package storage

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/starford/tessera/internal/logfields"
)

// Writer writes generated output under a confined root and appends every
// successful write to its Ledger.
type Writer struct {
	fs     *FS
	ledger *Ledger
	mirror Mirror
	now    func() time.Time
	logger *slog.Logger
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithMirror forwards each ledger append to m.
func WithMirror(m Mirror) WriterOption {
	return func(w *Writer) { w.mirror = m }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// WithLogger sets the logger used for mirror failures.
func WithLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// NewWriter returns a Writer for the existing directory root.
func NewWriter(root string, opts ...WriterOption) (*Writer, error) {
	fsys, err := NewFS(root)
	if err != nil {
		return nil, err
	}
	w := &Writer{fs: fsys, ledger: NewLedger(), now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Root returns the absolute output root.
func (w *Writer) Root() string { return w.fs.Root() }

// Ledger returns the files-written ledger.
func (w *Writer) Ledger() *Ledger { return w.ledger }

// Mkdir creates a directory under the output root.
func (w *Writer) Mkdir(p string) error { return w.fs.Mkdir(p) }

// Write stores data at p on behalf of template and records it. The ledger
// key is the cleaned slash-separated path relative to the output root.
func (w *Writer) Write(p string, data []byte, kind Kind, template string) error {
	if err := w.fs.Write(p, data); err != nil {
		return err
	}
	key := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	t := w.now()
	rec := w.ledger.Append(key, kind, fmt.Sprintf("%s@%s", template, t.UTC().Format(time.RFC3339Nano)), t)
	if w.mirror != nil {
		if err := w.mirror.RecordOutput(key, rec); err != nil {
			w.logger.Warn("manifest: record failed", logfields.Path(key), logfields.Error(err))
		}
	}
	return nil
}
