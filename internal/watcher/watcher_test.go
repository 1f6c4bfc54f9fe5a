package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/tessera/internal/checksum"
	"github.com/starford/tessera/internal/models"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]models.Change
}

func (r *recorder) handle(batch []models.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
}

func (r *recorder) all() []models.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Change
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func (r *recorder) has(path string, reason models.Reason) bool {
	for _, ch := range r.all() {
		if ch.Path == path && ch.Reason == reason {
			return true
		}
	}
	return false
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func startWatcher(t *testing.T, roots ...Root) *recorder {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	w, err := New(roots, WithDebounce(30*time.Millisecond), WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rec := &recorder{}
	go w.Watch(ctx, rec.handle)
	time.Sleep(100 * time.Millisecond)
	return rec
}

func TestWatcher_KindsAndReasons(t *testing.T) {
	tplDir, dataDir := t.TempDir(), t.TempDir()
	existing := filepath.Join(dataDir, "posts.json")
	if err := os.WriteFile(existing, []byte(`[]`), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := startWatcher(t, Root{Path: tplDir, Kind: models.ChangeTemplate}, Root{Path: dataDir, Kind: models.ChangeData})

	page := filepath.Join(tplDir, "page.tmpl")
	_ = os.WriteFile(page, []byte("hello"), 0o644)
	_ = os.WriteFile(existing, []byte(`["a"]`), 0o644)

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return rec.has(page, models.Added) && rec.has(existing, models.Modified)
	}, "expected added template and modified data file")

	for _, ch := range rec.all() {
		switch ch.Path {
		case page:
			if ch.Kind != models.ChangeTemplate {
				t.Errorf("page kind = %s, want template", ch.Kind)
			}
		case existing:
			if ch.Kind != models.ChangeData {
				t.Errorf("data kind = %s, want data", ch.Kind)
			}
		}
	}

	_ = os.Remove(existing)
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return rec.has(existing, models.Deleted)
	}, "expected deleted data file")
}

func TestHandle_UnchangedWriteIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "same.txt")
	if err := os.WriteFile(path, []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := New([]Root{{Path: dir, Kind: models.ChangeData}})
	if err != nil {
		t.Fatal(err)
	}
	sum, err := checksum.File(path)
	if err != nil {
		t.Fatal(err)
	}
	w.sums[path] = sum

	write := fsnotify.Event{Name: path, Op: fsnotify.Write}
	if got := w.handle(nil, write); len(got) != 0 {
		t.Fatalf("unchanged write reported: %+v", got)
	}

	_ = os.WriteFile(path, []byte("changed"), 0o644)
	got := w.handle(nil, write)
	if len(got) != 1 || got[0].Reason != models.Modified || got[0].Kind != models.ChangeData {
		t.Fatalf("changed write = %+v, want one data Modified", got)
	}

	outside := w.handle(nil, fsnotify.Event{Name: filepath.Join(t.TempDir(), "x"), Op: fsnotify.Write})
	if len(outside) != 0 {
		t.Fatalf("event outside roots reported: %+v", outside)
	}

	removed := w.handle(nil, fsnotify.Event{Name: path, Op: fsnotify.Remove})
	if len(removed) != 1 || removed[0].Reason != models.Deleted {
		t.Fatalf("remove = %+v, want Deleted", removed)
	}
	if again := w.handle(nil, fsnotify.Event{Name: path, Op: fsnotify.Remove}); len(again) != 0 {
		t.Fatalf("second remove reported: %+v", again)
	}
}

func TestWatcher_NewDirectoryScanned(t *testing.T) {
	dir := t.TempDir()
	rec := startWatcher(t, Root{Path: dir, Kind: models.ChangeTemplate})

	sub := filepath.Join(dir, "blog")
	tmp := filepath.Join(t.TempDir(), "blog")
	_ = os.MkdirAll(tmp, 0o755)
	_ = os.WriteFile(filepath.Join(tmp, "index.tmpl"), []byte("x"), 0o644)
	if err := os.Rename(tmp, sub); err != nil {
		t.Skipf("rename across temp dirs unsupported: %v", err)
	}

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return rec.has(filepath.Join(sub, "index.tmpl"), models.Added)
	}, "file in new directory not reported")

	nested := filepath.Join(sub, "post.tmpl")
	_ = os.WriteFile(nested, []byte("y"), 0o644)
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return rec.has(nested, models.Added)
	}, "new directory not watched")
}

func TestWatcher_HiddenFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	rec := startWatcher(t, Root{Path: dir, Kind: models.ChangeData})

	_ = os.WriteFile(filepath.Join(dir, ".swp"), []byte("x"), 0o644)
	visible := filepath.Join(dir, "visible.txt")
	_ = os.WriteFile(visible, []byte("x"), 0o644)

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return rec.has(visible, models.Added)
	}, "visible file not reported")
	for _, ch := range rec.all() {
		if filepath.Base(ch.Path) == ".swp" {
			t.Errorf("hidden file reported: %+v", ch)
		}
	}
}

func TestMerge(t *testing.T) {
	added := models.Change{Path: "p", Reason: models.Added}
	modified := models.Change{Path: "p", Reason: models.Modified}
	deleted := models.Change{Path: "p", Reason: models.Deleted}

	cases := []struct {
		prev, next models.Change
		want       models.Reason
	}{
		{models.Change{}, modified, models.Modified},
		{added, modified, models.Added},
		{modified, deleted, models.Deleted},
		{deleted, added, models.Modified},
		{modified, modified, models.Modified},
	}
	for _, tc := range cases {
		if got := merge(tc.prev, tc.next).Reason; got != tc.want {
			t.Errorf("merge(%s, %s) = %s, want %s", tc.prev.Reason, tc.next.Reason, got, tc.want)
		}
	}
}
