// Package watcher turns file-system events under the template and data
// roots into debounced batches of change notifications.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/tessera/internal/checksum"
	"github.com/starford/tessera/internal/logfields"
	"github.com/starford/tessera/internal/models"
)

// DefaultDebounce is the quiet period before a batch is emitted.
const DefaultDebounce = 200 * time.Millisecond

// Root is a watched directory and the kind of change its files produce.
type Root struct {
	Path string
	Kind models.ChangeKind
}

// Handler receives one debounced batch, sorted by path.
type Handler func(batch []models.Change)

// Watcher watches a set of roots recursively.
type Watcher struct {
	roots    []Root
	debounce time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	sums map[string]string
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a batch is emitted.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the watcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New returns a Watcher for roots. Paths are made absolute.
func New(roots []Root, opts ...Option) (*Watcher, error) {
	w := &Watcher{debounce: DefaultDebounce, logger: slog.Default(), sums: make(map[string]string)}
	for _, opt := range opts {
		opt(w)
	}
	for _, r := range roots {
		abs, err := filepath.Abs(r.Path)
		if err != nil {
			return nil, err
		}
		w.roots = append(w.roots, Root{Path: abs, Kind: r.Kind})
	}
	return w, nil
}

// Watch processes events until ctx is cancelled, calling h with each
// debounced batch. Writes that leave a file's content unchanged are dropped.
func (w *Watcher) Watch(ctx context.Context, h Handler) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	for _, r := range w.roots {
		if err := w.addDirsRecursive(fw, r.Path, false); err != nil {
			return err
		}
	}
	w.logger.Info("watcher: started", slog.Int("roots", len(w.roots)))

	pending := make(map[string]models.Change)
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
			timerCh = timer.C
		} else {
			timer.Reset(w.debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			w.logger.Info("watcher: stopped")
			return nil

		case <-timerCh:
			if len(pending) == 0 {
				continue
			}
			batch := make([]models.Change, 0, len(pending))
			for _, ch := range pending {
				batch = append(batch, ch)
			}
			slices.SortFunc(batch, func(a, b models.Change) int { return strings.Compare(a.Path, b.Path) })
			pending = make(map[string]models.Change)
			h(batch)

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			changes := w.handle(fw, ev)
			for _, ch := range changes {
				pending[ch.Path] = merge(pending[ch.Path], ch)
			}
			if len(changes) > 0 {
				schedule()
			}

		case watchErr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher: error", logfields.Error(watchErr))
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) []models.Change {
	path := ev.Name
	root, ok := w.rootOf(path)
	if !ok || ignored(path) {
		return nil
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.addDirsRecursive(fw, path, true); err != nil {
				w.logger.Warn("watcher: add new dir failed", logfields.Path(path), logfields.Error(err))
			}
			return w.scanNewDir(root, path)
		}
	}

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		sum, err := checksum.File(path)
		if err != nil {
			w.logger.Debug("watcher: read failed", logfields.Path(path), logfields.Error(err))
			return nil
		}
		w.mu.Lock()
		prev, known := w.sums[path]
		w.sums[path] = sum
		w.mu.Unlock()
		if known && prev == sum {
			return nil
		}
		reason := models.Modified
		if !known {
			reason = models.Added
		}
		return []models.Change{{Kind: root.Kind, Path: path, Reason: reason}}

	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// Rename fires on the old path; the new one arrives as a Create.
		w.mu.Lock()
		_, known := w.sums[path]
		for p := range w.sums {
			if strings.HasPrefix(p, path+string(filepath.Separator)) {
				delete(w.sums, p)
			}
		}
		delete(w.sums, path)
		w.mu.Unlock()
		if !known {
			return nil
		}
		return []models.Change{{Kind: root.Kind, Path: path, Reason: models.Deleted}}
	}
	return nil
}

// scanNewDir reports the files already present in a directory that appeared
// after watching started.
func (w *Watcher) scanNewDir(root Root, dir string) []models.Change {
	var out []models.Change
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || ignored(path) {
			return nil
		}
		sum, err := checksum.File(path)
		if err != nil {
			return nil
		}
		w.mu.Lock()
		w.sums[path] = sum
		w.mu.Unlock()
		out = append(out, models.Change{Kind: root.Kind, Path: path, Reason: models.Added})
		return nil
	})
	return out
}

func (w *Watcher) rootOf(path string) (Root, bool) {
	var best Root
	for _, r := range w.roots {
		if (path == r.Path || strings.HasPrefix(path, r.Path+string(filepath.Separator))) && len(r.Path) > len(best.Path) {
			best = r
		}
	}
	return best, best.Path != ""
}

// addDirsRecursive adds root and all its subdirectories to the watcher,
// fingerprinting existing files unless they are new.
func (w *Watcher) addDirsRecursive(fw *fsnotify.Watcher, root string, fresh bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		if fresh || ignored(path) {
			return nil
		}
		if sum, err := checksum.File(path); err == nil {
			w.mu.Lock()
			w.sums[path] = sum
			w.mu.Unlock()
		}
		return nil
	})
}

// merge folds a new change for a path into the pending one.
func merge(prev, next models.Change) models.Change {
	if prev.Path == "" {
		return next
	}
	switch {
	case next.Reason == models.Deleted:
		return next
	case prev.Reason == models.Added:
		return prev
	case prev.Reason == models.Deleted:
		next.Reason = models.Modified
		return next
	}
	return next
}

func ignored(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~")
}
