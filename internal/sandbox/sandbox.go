// Package sandbox executes generate-scripts in an isolated JavaScript runtime.
//
// A script body is compiled as the body of a function with a fixed parameter
// list; nothing else from the host is reachable:
//
//	resolve, reject      settle the script once
//	generatePages        emit page requests ({path, data} or an array of them)
//	inputs               {triggeredBy?, frontMatter, global[, filesWritten]}
//	getDataFileNames     list data files, optionally filtered by globs
//	cache                this template's cache namespace
//	log                  structured logging tagged with the template name
//	parseFrontMatter     split text into {attributes, body}
//	dataDirectory        absolute data root
//	readDataFile         read a file under the data root
//	renderTemplate       render a template to HTML without writing it
//
// A script may also settle by returning a value or a Promise.
//
// Reading an undefined key of inputs.global throws. Object.prototype members
// such as toJSON and toString resolve normally unless a global of that name
// is defined, so JSON.stringify(inputs.global) serializes every key.
// Values read from inputs.global are copies; assigning into them changes
// nothing outside the script.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/starford/tessera/internal/extract"
	"github.com/starford/tessera/internal/globaldata"
	"github.com/starford/tessera/internal/logfields"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/storage"
)

const (
	prelude = "(function(resolve, reject, generatePages, inputs, getDataFileNames, cache, log, " +
		"parseFrontMatter, dataDirectory, readDataFile, renderTemplate) {\n"
	preludeLines = 1
	epilogue     = "\n})"

	// DefaultLivenessInterval is how often a warning is logged while a
	// script has not settled.
	DefaultLivenessInterval = 10 * time.Second
)

// Script is a generate-script attributed to a template.
type Script struct {
	Name   string
	Source string
}

// Inputs is exposed to the script as the inputs parameter.
type Inputs struct {
	TriggeredBy  *models.Trigger
	FrontMatter  map[string]any
	Global       *globaldata.Accessor
	FilesWritten map[string]storage.Record
}

// Capabilities is everything a script may touch.
type Capabilities struct {
	Inputs         Inputs
	Data           storage.DataSource
	Cache          map[string]any
	Logger         *slog.Logger
	RenderTemplate func(name string, data map[string]any) (string, error)
}

// Runner executes scripts.
type Runner struct {
	liveness time.Duration
	logger   *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLivenessInterval sets the interval between "still waiting" warnings.
func WithLivenessInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.liveness = d
		}
	}
}

// WithLogger sets the logger for liveness warnings.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner returns a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{liveness: DefaultLivenessInterval, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type outcome struct {
	resp *Response
	err  error
}

// Run executes s and waits for it to settle. A script that never settles
// blocks until ctx is done; the runner only warns about it periodically.
func (r *Runner) Run(ctx context.Context, s Script, caps Capabilities) (*Response, error) {
	prog, err := goja.Compile(s.Name, prelude+s.Source+epilogue, false)
	if err != nil {
		return nil, newScriptError(s, err.Error(), err.Error())
	}

	vm := goja.New()
	done := make(chan outcome, 1)
	go func() {
		if out, settled := r.execute(vm, prog, s, caps); settled {
			done <- out
		}
	}()

	ticker := time.NewTicker(r.liveness)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case out := <-done:
			return out.resp, out.err
		case <-ticker.C:
			r.logger.Warn("still waiting for script to resolve",
				logfields.Template(s.Name),
				slog.Duration("waited", time.Since(start).Round(time.Second)))
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
			return nil, fmt.Errorf("script %s: %w", s.Name, ctx.Err())
		}
	}
}

type settlement struct {
	settled bool
	value   goja.Value
	reason  goja.Value
}

func (st *settlement) resolve(v goja.Value) {
	if !st.settled {
		st.settled, st.value = true, v
	}
}

func (st *settlement) reject(v goja.Value) {
	if !st.settled {
		st.settled, st.reason = true, v
		if st.reason == nil {
			st.reason = goja.Undefined()
		}
	}
}

// execute runs on its own goroutine and owns vm for its lifetime.
func (r *Runner) execute(vm *goja.Runtime, prog *goja.Program, s Script, caps Capabilities) (out outcome, settled bool) {
	defer func() {
		if p := recover(); p != nil {
			out, settled = outcome{err: newScriptError(s, fmt.Sprint(p), "")}, true
		}
	}()

	fnVal, err := vm.RunProgram(prog)
	if err != nil {
		return outcome{err: scriptErrorFrom(s, err)}, true
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return outcome{err: newScriptError(s, "script did not compile to a function", "")}, true
	}

	st := &settlement{}
	var emitted []PageRequest
	host := &host{vm: vm, script: s, caps: caps}

	ret, err := fn(goja.Undefined(), host.args(st, func(v goja.Value) {
		pages, perr := decodePages(v.Export())
		if perr != nil {
			panic(vm.NewGoError(perr))
		}
		emitted = append(emitted, pages...)
	})...)
	if err != nil {
		return outcome{err: scriptErrorFrom(s, err)}, true
	}

	if !st.settled && ret != nil && !goja.IsUndefined(ret) {
		if p, isPromise := ret.Export().(*goja.Promise); isPromise {
			switch p.State() {
			case goja.PromiseStateFulfilled:
				st.resolve(p.Result())
			case goja.PromiseStateRejected:
				st.reject(p.Result())
			}
		} else {
			st.resolve(ret)
		}
	}
	if !st.settled {
		return outcome{}, false
	}
	if st.reason != nil {
		return outcome{err: rejectionError(s, st.reason)}, true
	}

	var exported any
	if st.value != nil {
		exported = st.value.Export()
	}
	resp, err := decodeResponse(exported)
	if err != nil {
		return outcome{err: newScriptError(s, err.Error(), "")}, true
	}
	resp.Pages = append(emitted, resp.Pages...)
	return outcome{resp: resp}, true
}

// host builds the values injected into the script.
type host struct {
	vm     *goja.Runtime
	script Script
	caps   Capabilities
}

func (h *host) throw(err error) {
	panic(h.vm.NewGoError(err))
}

func (h *host) args(st *settlement, emit func(goja.Value)) []goja.Value {
	vm := h.vm
	logger := h.caps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(logfields.Template(h.script.Name))

	dataRoot := ""
	if h.caps.Data != nil {
		dataRoot = h.caps.Data.Root()
	}
	cacheNS := h.caps.Cache
	if cacheNS == nil {
		cacheNS = map[string]any{}
	}

	return []goja.Value{
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			st.resolve(call.Argument(0))
			return goja.Undefined()
		}),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			st.reject(call.Argument(0))
			return goja.Undefined()
		}),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			emit(call.Argument(0))
			return goja.Undefined()
		}),
		h.inputs(),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if h.caps.Data == nil {
				return vm.NewArray()
			}
			names, err := h.caps.Data.List(stringList(call.Argument(0))...)
			if err != nil {
				h.throw(err)
			}
			items := make([]any, len(names))
			for i, n := range names {
				items[i] = n
			}
			return vm.NewArray(items...)
		}),
		vm.ToValue(cacheNS),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			logger.Info(strings.Join(parts, " "))
			return goja.Undefined()
		}),
		vm.ToValue(func(text string) map[string]any {
			attrs, body, err := extract.ParseFrontMatter(text)
			if err != nil {
				h.throw(err)
			}
			return map[string]any{"attributes": attrs, "body": body}
		}),
		vm.ToValue(dataRoot),
		vm.ToValue(func(name string) string {
			if h.caps.Data == nil {
				h.throw(fmt.Errorf("no data directory configured"))
			}
			b, err := h.caps.Data.Read(name)
			if err != nil {
				h.throw(err)
			}
			return string(b)
		}),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			if h.caps.RenderTemplate == nil {
				h.throw(fmt.Errorf("renderTemplate is not available"))
			}
			data, _ := call.Argument(1).Export().(map[string]any)
			html, err := h.caps.RenderTemplate(call.Argument(0).String(), data)
			if err != nil {
				h.throw(err)
			}
			return vm.ToValue(html)
		}),
	}
}

func (h *host) inputs() goja.Value {
	vm := h.vm
	in := h.caps.Inputs
	obj := vm.NewObject()

	fm := copyMap(in.FrontMatter)
	_ = obj.Set("frontMatter", fm)
	if in.TriggeredBy != nil {
		_ = obj.Set("triggeredBy", map[string]any{
			"path":   in.TriggeredBy.Path,
			"reason": string(in.TriggeredBy.Reason),
		})
	}
	if in.Global != nil {
		_ = obj.Set("global", vm.NewDynamicObject(&globalObject{vm: vm, acc: in.Global}))
	}
	if in.FilesWritten != nil {
		fw := vm.NewObject()
		for p, rec := range in.FilesWritten {
			src := make([]any, len(rec.Source))
			for i, s := range rec.Source {
				src[i] = s
			}
			_ = fw.Set(p, map[string]any{
				"kind":     string(rec.Kind),
				"source":   src,
				"created":  rec.Created.UTC().Format(time.RFC3339Nano),
				"modified": rec.Modified.UTC().Format(time.RFC3339Nano),
			})
		}
		if freeze, ok := goja.AssertFunction(vm.Get("Object").ToObject(vm).Get("freeze")); ok {
			_, _ = freeze(goja.Undefined(), vm.ToValue(fw))
		}
		_ = obj.Set("filesWritten", fw)
	}
	return obj
}

// globalObject exposes the tracking accessor as a read-only JS object.
type globalObject struct {
	vm  *goja.Runtime
	acc *globaldata.Accessor
}

// prototypeMembers are looked up on Object.prototype when no global of the
// same name exists.
var prototypeMembers = map[string]bool{
	"toJSON":               true,
	"toString":             true,
	"toLocaleString":       true,
	"valueOf":              true,
	"constructor":          true,
	"hasOwnProperty":       true,
	"isPrototypeOf":        true,
	"propertyIsEnumerable": true,
	"__proto__":            true,
}

func (g *globalObject) Get(key string) goja.Value {
	if prototypeMembers[key] && !slices.Contains(g.acc.Keys(), key) {
		proto := g.vm.Get("Object").ToObject(g.vm).Get("prototype").ToObject(g.vm)
		return proto.Get(key)
	}
	v, err := g.acc.Get(key)
	if err != nil {
		panic(g.vm.NewGoError(err))
	}
	return g.vm.ToValue(v)
}

func (g *globalObject) Set(string, goja.Value) bool { return false }
func (g *globalObject) Has(key string) bool         { return g.acc.Has(key) }
func (g *globalObject) Delete(string) bool          { return false }
func (g *globalObject) Keys() []string              { return g.acc.Keys() }

func stringList(v goja.Value) []string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	switch x := v.Export().(type) {
	case string:
		return []string{x}
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return []string{v.String()}
}
