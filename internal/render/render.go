// Package render evaluates compiled templates into HTML, resolving wrappers
// and includes recursively and recording every template it touches as a
// dependency of the page being rendered.
package render

import (
	"fmt"
	"maps"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/compile"
	"github.com/starford/tessera/internal/globaldata"
)

const (
	// BodyName is the include name a wrapper uses to render what it wraps.
	BodyName = "_body"
	// GlobalKey is the data key under which templates find global data.
	GlobalKey = "global"
	// WrapperKey is the front-matter field naming a wrapping template.
	WrapperKey = "wrapper"

	maxDepth = 64
)

// Entry is a compiled template as seen by the renderer.
type Entry struct {
	Render      compile.RenderFunc
	FrontMatter map[string]any
}

// Source looks up compiled templates by name.
type Source interface {
	Lookup(name string) (Entry, bool)
}

// Recorder receives the dependency edges discovered while rendering.
type Recorder interface {
	globaldata.ReadRecorder
	MarkDependsOn(dependent, dependency string)
}

// Renderer renders templates. It holds no per-render state and is safe for
// concurrent use as long as its collaborators are.
type Renderer struct {
	src    Source
	graph  Recorder
	global *globaldata.Store
}

// New returns a Renderer.
func New(src Source, graph Recorder, global *globaldata.Store) *Renderer {
	return &Renderer{src: src, graph: graph, global: global}
}

// wrapped is a template whose content is waiting for a wrapper's _body.
type wrapped struct {
	name  string
	entry Entry
}

// frame carries the state of one recursive render call.
type frame struct {
	owner  string
	passed map[string]any
	stack  []wrapped
	depth  int
}

// Render renders owner with data, applying its wrapper chain.
func (r *Renderer) Render(owner string, data map[string]any) (string, error) {
	f := frame{owner: owner, passed: data}
	return r.render(f, owner, nil)
}

// RenderAs renders name with data on behalf of owner: every template touched
// and every global read is recorded against owner rather than name.
func (r *Renderer) RenderAs(owner, name string, data map[string]any) (string, error) {
	f := frame{owner: owner, passed: data}
	return r.render(f, name, nil)
}

func (r *Renderer) render(f frame, current string, include map[string]any) (string, error) {
	if f.depth > maxDepth {
		return "", fmt.Errorf("%w: %s: include depth exceeded at %q", apperr.ErrRender, f.owner, current)
	}

	if current == BodyName {
		if len(f.stack) == 0 {
			return "", fmt.Errorf("%w: %s: wrapper was not wrapping anything", apperr.ErrRender, f.owner)
		}
		top := f.stack[len(f.stack)-1]
		f.stack = f.stack[:len(f.stack)-1]
		return r.invoke(f, top.name, top.entry, include)
	}

	entry, ok := r.src.Lookup(current)
	if !ok {
		return "", fmt.Errorf("%w: %s includes %q: %w", apperr.ErrRender, f.owner, current, apperr.ErrNotRegistered)
	}
	r.graph.MarkDependsOn(f.owner, current)

	// A fresh stack: wrappers of an included template never see the
	// caller's pending content.
	stack := []wrapped{}
	seen := map[string]bool{current: true}
	for {
		wrapper := wrapperOf(entry)
		if wrapper == "" {
			break
		}
		if seen[wrapper] {
			return "", fmt.Errorf("%w: %s: wrapper cycle through %q", apperr.ErrRender, f.owner, wrapper)
		}
		seen[wrapper] = true

		next, ok := r.src.Lookup(wrapper)
		if !ok {
			return "", fmt.Errorf("%w: %s: wrapper %q of %q: %w",
				apperr.ErrRender, f.owner, wrapper, current, apperr.ErrNotRegistered)
		}
		r.graph.MarkDependsOn(current, wrapper)
		r.graph.MarkDependsOn(f.owner, wrapper)
		stack = append(stack, wrapped{name: current, entry: entry})
		current, entry = wrapper, next
	}
	f.stack = stack
	return r.invoke(f, current, entry, include)
}

func (r *Renderer) invoke(f frame, name string, entry Entry, include map[string]any) (string, error) {
	data := make(map[string]any, len(f.passed)+len(entry.FrontMatter)+len(include)+1)
	maps.Copy(data, f.passed)
	maps.Copy(data, entry.FrontMatter)
	maps.Copy(data, include)
	data[GlobalKey] = globaldata.NewAccessor(r.global, r.graph, f.owner)

	next := f
	next.depth++
	out, err := entry.Render(data, func(child string, extra map[string]any) (string, error) {
		return r.render(next, child, extra)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", apperr.ErrRender, name, err)
	}
	return out, nil
}

// WrapperChain returns the wrappers of name, nearest first.
func (r *Renderer) WrapperChain(name string) ([]string, error) {
	entry, ok := r.src.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q: %w", apperr.ErrRender, name, apperr.ErrNotRegistered)
	}
	var chain []string
	seen := map[string]bool{name: true}
	for {
		wrapper := wrapperOf(entry)
		if wrapper == "" {
			return chain, nil
		}
		if seen[wrapper] {
			return nil, fmt.Errorf("%w: %s: wrapper cycle through %q", apperr.ErrRender, name, wrapper)
		}
		seen[wrapper] = true
		chain = append(chain, wrapper)
		if entry, ok = r.src.Lookup(wrapper); !ok {
			return nil, fmt.Errorf("%w: wrapper %q: %w", apperr.ErrRender, wrapper, apperr.ErrNotRegistered)
		}
	}
}

func wrapperOf(e Entry) string {
	w, _ := e.FrontMatter[WrapperKey].(string)
	return w
}
