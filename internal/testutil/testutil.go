// Package testutil provides shared test helpers for setting up site trees and
// manifests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/tessera/internal/index"
)

// TestManifest creates a temporary SQLite manifest that is automatically
// cleaned up.
func TestManifest(t *testing.T) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "tessera-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := index.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Site is a temporary input/data/output layout.
type Site struct {
	Input  string
	Data   string
	Output string
	Cache  string
}

// TestSite creates the site directories under t.TempDir.
func TestSite(t *testing.T) *Site {
	t.Helper()
	root := t.TempDir()
	s := &Site{
		Input:  filepath.Join(root, "templates"),
		Data:   filepath.Join(root, "data"),
		Output: filepath.Join(root, "public"),
		Cache:  filepath.Join(root, "cache.json"),
	}
	for _, dir := range []string{s.Input, s.Data, s.Output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

// Template writes a template source for name (without extension) and
// returns its path.
func (s *Site) Template(t *testing.T, name, src string) string {
	t.Helper()
	return write(t, filepath.Join(s.Input, filepath.FromSlash(name)+".tmpl"), src)
}

// DataFile writes a file under the data root and returns its path.
func (s *Site) DataFile(t *testing.T, rel, src string) string {
	t.Helper()
	return write(t, filepath.Join(s.Data, filepath.FromSlash(rel)), src)
}

// ReadOutput returns the content of an output file, failing the test when it
// does not exist.
func (s *Site) ReadOutput(t *testing.T, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(s.Output, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read output %s: %v", rel, err)
	}
	return string(b)
}

// OutputExists reports whether rel exists under the output root.
func (s *Site) OutputExists(rel string) bool {
	_, err := os.Stat(filepath.Join(s.Output, filepath.FromSlash(rel)))
	return err == nil
}

func write(t *testing.T, path, src string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
