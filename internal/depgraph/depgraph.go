// Package depgraph records which templates must be regenerated when a
// template, data file or global-data key changes.
//
// Edges are discovered dynamically: include edges while rendering, file and
// glob edges from script responses, global-key edges whenever a value is read
// through the tracking accessor. An edge dependency -> dependent means "a
// change to dependency regenerates dependent".
package depgraph

import (
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/starford/tessera/internal/logfields"
	"github.com/starford/tessera/internal/sets"
)

// Graph holds the four independent dependency maps. It is safe for
// concurrent use.
type Graph struct {
	mu        sync.RWMutex
	templates map[string]sets.Set[string]
	files     map[string]sets.Set[string]
	globs     map[string]sets.Set[string]
	globals   map[string]sets.Set[string]
	logger    *slog.Logger
}

// New returns an empty graph.
func New(logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		templates: make(map[string]sets.Set[string]),
		files:     make(map[string]sets.Set[string]),
		globs:     make(map[string]sets.Set[string]),
		globals:   make(map[string]sets.Set[string]),
		logger:    logger,
	}
}

func add(m map[string]sets.Set[string], key, dependent string) {
	s, ok := m[key]
	if !ok {
		s = sets.New[string]()
		m[key] = s
	}
	s.Add(dependent)
}

// MarkDependsOn records that dependent rendered dependency.
func (g *Graph) MarkDependsOn(dependent, dependency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	add(g.templates, dependency, dependent)
}

// RecordWatch registers data files and glob patterns that name depends on.
// Files are stored as cleaned absolute paths.
func (g *Graph) RecordWatch(name string, files, globs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, f := range files {
		add(g.files, normalizePath(f), name)
	}
	for _, p := range globs {
		add(g.globs, p, name)
	}
}

// RecordGlobalRead records that name read the global-data key.
func (g *Graph) RecordGlobalRead(name, key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	add(g.globals, key, name)
}

// ResolveAffected returns the templates depending on a changed data file.
// An exact file registration wins; otherwise glob patterns are tried in
// sorted order against "**/<pattern>" and the first match wins.
func (g *Graph) ResolveAffected(changedPath string) sets.Set[string] {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p := normalizePath(changedPath)
	if deps, ok := g.files[p]; ok && len(deps) > 0 {
		return deps.Clone()
	}

	patterns := make([]string, 0, len(g.globs))
	for pattern := range g.globs {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)
	for _, pattern := range patterns {
		if MatchGlob(pattern, p) {
			return g.globs[pattern].Clone()
		}
	}

	g.logger.Info("no dependents", logfields.Path(changedPath))
	return sets.New[string]()
}

// ResolveTemplateDependents returns every template that rendered name, plus
// name itself.
func (g *Graph) ResolveTemplateDependents(name string) sets.Set[string] {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := sets.New(name)
	out.Union(g.templates[name])
	return out
}

// ResolveGlobalDependents returns the union of readers of the given keys.
func (g *Graph) ResolveGlobalDependents(keys []string) sets.Set[string] {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := sets.New[string]()
	for _, k := range keys {
		out.Union(g.globals[k])
	}
	return out
}

// Forget removes name from every dependent set.
func (g *Graph) Forget(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range []map[string]sets.Set[string]{g.templates, g.files, g.globs, g.globals} {
		for key, deps := range m {
			deps.Delete(name)
			if len(deps) == 0 {
				delete(m, key)
			}
		}
	}
}

// MatchGlob reports whether path, reduced to its trailing segments, matches
// "**/<pattern>".
func MatchGlob(pattern, path string) bool {
	p := strings.TrimPrefix(filepath.ToSlash(path), "/")
	ok, err := doublestar.Match("**/"+strings.TrimPrefix(pattern, "/"), p)
	return err == nil && ok
}

func normalizePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
