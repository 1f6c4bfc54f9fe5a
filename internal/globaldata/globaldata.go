// Package globaldata holds the site-wide data assembled by the preGenerate
// hook and merged from generate-script responses, together with the
// read-tracking accessor through which scripts and templates read it.
package globaldata

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/cache"
	"github.com/starford/tessera/internal/sets"
)

// SiteFilesKey is the reserved key under which JSON site files written during
// generation can be read.
const SiteFilesKey = "_siteFiles"

// ReadRecorder receives one call per tracked read.
type ReadRecorder interface {
	RecordGlobalRead(name, key string)
}

// Store is the global data map. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	values  map[string]any
	updated sets.Set[string]
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{values: make(map[string]any), updated: sets.New[string]()}
}

// Set assigns key and reports whether the value changed. A changed key is
// marked updated until TakeUpdated is called.
func (s *Store) Set(key string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, value)
}

func (s *Store) setLocked(key string, value any) bool {
	old, existed := s.values[key]
	if existed && reflect.DeepEqual(old, value) {
		return false
	}
	s.values[key] = cache.CopyValue(value)
	s.updated.Add(key)
	return true
}

// Merge assigns every key of values and returns the keys whose value changed.
func (s *Store) Merge(values map[string]any) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for k, v := range values {
		if s.setLocked(k, v) {
			changed = append(changed, k)
		}
	}
	return changed
}

// SetSiteFile records the content of a JSON site file under SiteFilesKey.
func (s *Store) SetSiteFile(path string, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, _ := s.values[SiteFilesKey].(map[string]any)
	next := make(map[string]any, len(files)+1)
	for k, v := range files {
		next[k] = v
	}
	next[path] = value
	return s.setLocked(SiteFilesKey, next)
}

// Lookup returns the value stored under key without recording a read.
func (s *Store) Lookup(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Keys returns the defined keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := sets.New[string]()
	for key := range s.values {
		k.Add(key)
	}
	return sets.Sorted(k)
}

// TakeUpdated returns the keys changed since the previous call and clears
// the updated set.
func (s *Store) TakeUpdated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := sets.Sorted(s.updated)
	s.updated = sets.New[string]()
	return out
}

// Accessor reads global data on behalf of one template, recording a
// dependency edge for every key it reads.
type Accessor struct {
	store    *Store
	recorder ReadRecorder
	reader   string
}

// NewAccessor returns an accessor that attributes reads to reader.
func NewAccessor(store *Store, recorder ReadRecorder, reader string) *Accessor {
	return &Accessor{store: store, recorder: recorder, reader: reader}
}

// Get records the read and returns a deep copy of the value, so callers can
// never change the store outside reconciliation. Reading an undefined key
// fails with apperr.ErrUndefinedGlobal.
func (a *Accessor) Get(key string) (any, error) {
	if a.recorder != nil {
		a.recorder.RecordGlobalRead(a.reader, key)
	}
	v, ok := a.store.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q read by %s", apperr.ErrUndefinedGlobal, key, a.reader)
	}
	return cache.CopyValue(v), nil
}

// Has reports whether key is defined. It records the read as well, since the
// answer can change when the key is assigned.
func (a *Accessor) Has(key string) bool {
	if a.recorder != nil {
		a.recorder.RecordGlobalRead(a.reader, key)
	}
	_, ok := a.store.Lookup(key)
	return ok
}

// Keys lists the defined keys without recording reads.
func (a *Accessor) Keys() []string { return a.store.Keys() }
