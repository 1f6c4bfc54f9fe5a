package engine

import (
	"sync"

	"github.com/starford/tessera/internal/cache"
	"github.com/starford/tessera/internal/compile"
	"github.com/starford/tessera/internal/depgraph"
	"github.com/starford/tessera/internal/globaldata"
	"github.com/starford/tessera/internal/render"
	"github.com/starford/tessera/internal/storage"
)

// Template is one ingested template source.
type Template struct {
	Name        string
	Path        string
	Render      compile.RenderFunc // nil when compilation failed
	FrontMatter map[string]any
	Generate    string
	GenerateUse string
	Entry       string
	Lib         string
}

// Pattern returns the generate front-matter field.
func (t *Template) Pattern() (string, bool) {
	p, ok := t.FrontMatter[generateKey].(string)
	return p, ok
}

// HasScript reports whether the template carries or references a
// generate-script.
func (t *Template) HasScript() bool {
	return t.Generate != "" || t.GenerateUse != ""
}

// State owns every store that survives between passes.
type State struct {
	mu        sync.RWMutex
	templates map[string]*Template

	Graph  *depgraph.Graph
	Cache  *cache.Store
	Global *globaldata.Store
	Output *storage.Writer
}

func newState(graph *depgraph.Graph, c *cache.Store, out *storage.Writer) *State {
	return &State{
		templates: make(map[string]*Template),
		Graph:     graph,
		Cache:     c,
		Global:    globaldata.NewStore(),
		Output:    out,
	}
}

// Template returns the record for name.
func (s *State) Template(name string) (*Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	return t, ok
}

func (s *State) put(t *Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.Name] = t
}

func (s *State) remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.templates[name]
	delete(s.templates, name)
	return ok
}

// Lookup implements render.Source; templates that failed to compile are
// not found.
func (s *State) Lookup(name string) (render.Entry, bool) {
	t, ok := s.Template(name)
	if !ok || t.Render == nil {
		return render.Entry{}, false
	}
	return render.Entry{Render: t.Render, FrontMatter: t.FrontMatter}, true
}
