package storage

import (
	"slices"
	"sync"
	"time"
)

// Kind classifies a written output file.
type Kind string

const (
	KindHTML  Kind = "html"
	KindEntry Kind = "entry"
	KindLib   Kind = "lib"
	KindJSON  Kind = "json"
)

// Record is the ledger entry for one output path.
type Record struct {
	Kind     Kind      `json:"kind"`
	Source   []string  `json:"source"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// Ledger is the append-only account of written files, keyed by slash
// separated output path. It is safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]*Record)}
}

// Append notes a write of path by source at t and returns the updated record.
func (l *Ledger) Append(path string, kind Kind, source string, t time.Time) Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[path]
	if !ok {
		rec = &Record{Kind: kind, Created: t}
		l.records[path] = rec
	}
	rec.Kind = kind
	rec.Source = append(rec.Source, source)
	rec.Modified = t
	return cloneRecord(rec)
}

// Get returns the record for path.
func (l *Ledger) Get(path string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[path]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(rec), true
}

// Snapshot returns a copy of every record.
func (l *Ledger) Snapshot() map[string]Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Record, len(l.records))
	for p, rec := range l.records {
		out[p] = cloneRecord(rec)
	}
	return out
}

func cloneRecord(r *Record) Record {
	c := *r
	c.Source = slices.Clone(r.Source)
	return c
}
