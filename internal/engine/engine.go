// Package engine orchestrates generation: it ingests templates, keeps the
// table of cued tasks, runs passes (preGenerate, the concurrent main batch,
// follow-up rounds, postGenerate) and reacts to change notifications by
// re-cueing only the templates that depend on what changed.
package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/cache"
	"github.com/starford/tessera/internal/compile"
	"github.com/starford/tessera/internal/depgraph"
	"github.com/starford/tessera/internal/extract"
	"github.com/starford/tessera/internal/logfields"
	"github.com/starford/tessera/internal/metrics"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/render"
	"github.com/starford/tessera/internal/sandbox"
	"github.com/starford/tessera/internal/sets"
	"github.com/starford/tessera/internal/storage"
)

// Hook template names.
const (
	PreGenerate  = "preGenerate"
	PostGenerate = "postGenerate"
)

const (
	generateKey = "generate"

	// DefaultMaxRounds bounds the follow-up rounds of one pass.
	DefaultMaxRounds = 8
)

// Config holds the engine settings.
type Config struct {
	InputDir         string
	DataDir          string
	LivenessInterval time.Duration
	MaxRounds        int
	// Concurrency limits the main batch; zero or less means unlimited.
	Concurrency int
}

// Task is a cued generate task. At most one exists per template.
type Task struct {
	Name        string
	Pattern     string
	TriggeredBy *models.Trigger
}

// Engine is the generation orchestrator.
type Engine struct {
	cfg      Config
	state    *State
	data     storage.DataSource
	renderer *render.Renderer
	runner   *sandbox.Runner
	metrics  metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time

	cueMu sync.Mutex
	cues  map[string]Task

	errors atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithClock overrides the clock used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine writing through out and persisting script caches in c.
func New(cfg Config, out *storage.Writer, c *cache.Store, opts ...Option) (*Engine, error) {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	input, err := filepath.Abs(cfg.InputDir)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve input dir: %w", err)
	}
	cfg.InputDir = input

	data, err := storage.NewFS(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: data dir: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		data:    data,
		metrics: metrics.NoopRecorder{},
		logger:  slog.Default(),
		now:     time.Now,
		cues:    make(map[string]Task),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.state = newState(depgraph.New(e.logger), c, out)
	e.renderer = render.New(e.state, e.state.Graph, e.state.Global)
	e.runner = sandbox.NewRunner(
		sandbox.WithLivenessInterval(cfg.LivenessInterval),
		sandbox.WithLogger(e.logger),
	)
	return e, nil
}

// State exposes the engine's stores.
func (e *Engine) State() *State { return e.state }

// IngestAll ingests every template under the input directory. Failures of
// individual templates are counted, not returned.
func (e *Engine) IngestAll() error {
	return filepath.WalkDir(e.cfg.InputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != e.cfg.InputDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		_ = e.Ingest(path)
		return nil
	})
}

// Ingest reads, extracts and compiles the template at path, replacing any
// previous record of the same name, and cues it if it declares a generate
// pattern.
func (e *Engine) Ingest(path string) error {
	if !extract.Accepts(path) {
		e.logger.Warn("skipping non-template file", logfields.Path(path))
		return nil
	}
	name, err := e.templateName(path)
	if err != nil {
		return e.fail(e.logger, err)
	}
	log := e.logger.With(logfields.Template(name))

	src, err := os.ReadFile(path)
	if err != nil {
		return e.fail(log, fmt.Errorf("read template: %w", err))
	}
	res, err := extract.Extract(src)
	if err != nil {
		e.state.remove(name)
		e.uncue(name)
		return e.fail(log, fmt.Errorf("%w: front matter: %w", apperr.ErrConfig, err))
	}
	for _, p := range res.Problems {
		_ = e.fail(log, p)
	}

	t := &Template{
		Name:        name,
		Path:        path,
		FrontMatter: res.FrontMatter,
		Generate:    res.Generate,
		GenerateUse: res.GenerateUse,
		Entry:       res.Entry,
		Lib:         res.Lib,
	}
	if t.FrontMatter == nil {
		t.FrontMatter = map[string]any{}
	}

	var compileErr error
	t.Render, compileErr = compile.Compile(res.Body, name)
	if compileErr != nil {
		t.Render = nil
		_ = e.fail(log, fmt.Errorf("%w: %s", apperr.ErrRender, compile.FirstLine(compileErr)))
	}
	e.state.put(t)

	if t.Lib != "" {
		if err := e.write(log, "lib/"+name+".js", []byte(t.Lib), storage.KindLib, name); err != nil {
			_ = e.fail(log, err)
		}
	}

	log.Debug("template ingested")
	e.Cue(name, nil)
	return compileErr
}

// Remove forgets the template at path, frees its cache namespace and returns
// its dependents, which are left to fail loudly if they still include it.
func (e *Engine) Remove(path string) []string {
	name, err := e.templateName(path)
	if err != nil {
		_ = e.fail(e.logger, err)
		return nil
	}
	deps := e.state.Graph.ResolveTemplateDependents(name)
	deps.Delete(name)
	e.state.remove(name)
	e.state.Graph.Forget(name)
	e.state.Cache.Drop(name)
	e.uncue(name)
	e.logger.Info("template removed", logfields.Template(name))
	return sets.Sorted(deps)
}

// Cue schedules name for the next pass, overwriting any existing task for
// it. Templates without a generate pattern (hooks: without a script) are
// not cueable; Cue reports whether a task was recorded.
func (e *Engine) Cue(name string, trigger *models.Trigger) bool {
	t, ok := e.state.Template(name)
	if !ok {
		return false
	}
	task := Task{Name: name, TriggeredBy: trigger}
	if isHook(name) {
		if !t.HasScript() {
			return false
		}
	} else {
		pattern, ok := t.Pattern()
		if !ok {
			return false
		}
		task.Pattern = pattern
	}

	e.cueMu.Lock()
	e.cues[name] = task
	e.cueMu.Unlock()
	return true
}

func (e *Engine) uncue(name string) {
	e.cueMu.Lock()
	delete(e.cues, name)
	e.cueMu.Unlock()
}

func (e *Engine) takeCues() map[string]Task {
	e.cueMu.Lock()
	defer e.cueMu.Unlock()
	out := e.cues
	e.cues = make(map[string]Task)
	return out
}

// Pending returns the names of cued tasks in sorted order.
func (e *Engine) Pending() []string {
	e.cueMu.Lock()
	defer e.cueMu.Unlock()
	out := make([]string, 0, len(e.cues))
	for name := range e.cues {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// HandleChange reacts to a watcher notification and returns the names it
// cued. A template change re-ingests that file and cues every template
// that rendered it; a data change cues the templates watching the path.
func (e *Engine) HandleChange(ch models.Change) []string {
	trigger := &models.Trigger{Path: ch.Path, Reason: ch.Reason}
	log := e.logger.With(logfields.Path(ch.Path), logfields.Reason(string(ch.Reason)))

	var affected []string
	switch ch.Kind {
	case models.ChangeTemplate:
		if !extract.Accepts(ch.Path) {
			log.Warn("skipping non-template file")
			return nil
		}
		if ch.Reason == models.Deleted {
			affected = e.Remove(ch.Path)
			break
		}
		_ = e.Ingest(ch.Path)
		name, err := e.templateName(ch.Path)
		if err != nil {
			return nil
		}
		affected = sets.Sorted(e.state.Graph.ResolveTemplateDependents(name))
	case models.ChangeData:
		affected = sets.Sorted(e.state.Graph.ResolveAffected(ch.Path))
	default:
		log.Warn("unknown change kind", logfields.Kind(string(ch.Kind)))
		return nil
	}

	var cued []string
	for _, name := range affected {
		if e.Cue(name, trigger) {
			cued = append(cued, name)
		}
	}
	log.Info("change handled", logfields.Count(len(cued)))
	return cued
}

// ErrorCount returns the number of failures since the engine was built.
func (e *Engine) ErrorCount() int64 { return e.errors.Load() }

// FlushCache persists the script cache.
func (e *Engine) FlushCache() error { return e.state.Cache.Flush() }

// FilesWritten returns a copy of the files-written ledger.
func (e *Engine) FilesWritten() map[string]storage.Record {
	return e.state.Output.Ledger().Snapshot()
}

func (e *Engine) templateName(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	rel, err := filepath.Rel(e.cfg.InputDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the input directory", apperr.ErrConfig, path)
	}
	return filepath.ToSlash(strings.TrimSuffix(rel, extract.Extension)), nil
}

func (e *Engine) write(log *slog.Logger, path string, data []byte, kind storage.Kind, template string) error {
	if err := e.state.Output.Write(path, data, kind, template); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	e.metrics.IncFileWritten(string(kind))
	log.Debug("file written", logfields.Path(path), logfields.Kind(string(kind)))
	return nil
}

// fail counts and logs err, then returns it.
func (e *Engine) fail(log *slog.Logger, err error) error {
	e.errors.Add(1)
	kind := errorKind(err)
	e.metrics.IncError(kind)
	log.Error("generation error", logfields.Kind(kind), logfields.Error(err))
	return err
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, apperr.ErrConfig):
		return "config"
	case errors.Is(err, apperr.ErrScript):
		return "script"
	case errors.Is(err, apperr.ErrOutsideRoot):
		return "outside_root"
	case errors.Is(err, apperr.ErrRender), errors.Is(err, apperr.ErrUndefinedGlobal), errors.Is(err, apperr.ErrNotRegistered):
		return "render"
	default:
		return "io"
	}
}

func isHook(name string) bool {
	return name == PreGenerate || name == PostGenerate
}
