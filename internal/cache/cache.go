// Package cache implements the namespaced key/value store that generate-scripts
// use to keep data between runs. Each template owns one namespace; items may
// carry a numeric "expires" field (epoch milliseconds) after which they are
// swept. The whole store persists to a single JSON file.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/starford/tessera/internal/apperr"
)

// ExpiresKey is the item field holding the expiry timestamp.
const ExpiresKey = "expires"

// Store is a process-wide cache. It is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string]map[string]any
}

// Open loads the cache file at path if it exists. A missing file yields an
// empty store that will be created on Flush.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]map[string]any)}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("cache: parse %s: %w", path, err)
	}
	for k, ns := range s.data {
		if ns == nil {
			s.data[k] = make(map[string]any)
		}
	}
	return s, nil
}

// Namespace returns a deep copy of name's namespace. Scripts mutate the copy
// freely; it is committed with Replace once the script settles.
func (s *Store) Namespace(name string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMap(s.data[name])
}

// Replace sets name's namespace to ns.
func (s *Store) Replace(name string, ns map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = copyMap(ns)
}

// Merge overlays updates onto name's namespace, key by key.
func (s *Store) Merge(name string, updates map[string]any) {
	if len(updates) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[name]
	if !ok {
		ns = make(map[string]any, len(updates))
		s.data[name] = ns
	}
	for k, v := range updates {
		ns[k] = CopyValue(v)
	}
}

// Drop removes name's namespace entirely.
func (s *Store) Drop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, name)
}

// Sweep deletes every item whose expiry is before now. Items with a
// non-numeric, non-falsy expiry are configuration errors: they are deleted
// and reported.
func (s *Store) Sweep(now time.Time) (int, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMS := float64(now.UnixMilli())
	removed := 0
	var errs []error
	for name, ns := range s.data {
		for key, item := range ns {
			bag, ok := item.(map[string]any)
			if !ok {
				continue
			}
			exp, set := bag[ExpiresKey]
			if !set || falsy(exp) {
				continue
			}
			ms, numeric := toFloat(exp)
			if !numeric {
				errs = append(errs, fmt.Errorf("%w: cache %s/%s has non-numeric %s %v",
					apperr.ErrConfig, name, key, ExpiresKey, exp))
				delete(ns, key)
				continue
			}
			if ms < nowMS {
				delete(ns, key)
				removed++
			}
		}
	}
	return removed, errs
}

// Snapshot returns a deep copy of the whole store.
func (s *Store) Snapshot() map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]any, len(s.data))
	for k, ns := range s.data {
		out[k] = copyMap(ns)
	}
	return out
}

// Flush writes the store to its file atomically.
func (s *Store) Flush() error {
	s.mu.Lock()
	raw, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cache: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tessera-cache-*")
	if err != nil {
		return fmt.Errorf("cache: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("cache: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("cache: rename: %w", err)
	}
	return nil
}

func falsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case string:
		return x == ""
	}
	if f, ok := toFloat(v); ok {
		return f == 0
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CopyValue(v)
	}
	return out
}

// CopyValue deep-copies the JSON-like values produced by scripts and by
// encoding/json.
func CopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = CopyValue(e)
		}
		return out
	default:
		return v
	}
}
