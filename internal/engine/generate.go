package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/globaldata"
	"github.com/starford/tessera/internal/logfields"
	"github.com/starford/tessera/internal/metrics"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/sandbox"
	"github.com/starford/tessera/internal/sets"
	"github.com/starford/tessera/internal/storage"
)

// pass is the state of one Generate call.
type pass struct {
	id      string
	log     *slog.Logger
	mu      sync.Mutex
	entries sets.Set[string]
}

// claimEntry reports whether the entry bundle at p has not been written yet
// in this pass.
func (p *pass) claimEntry(out string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries.Has(out) {
		return false
	}
	p.entries.Add(out)
	return true
}

// Generate runs one pass over the cued tasks: the cache is swept, the
// preGenerate hook runs alone, the remaining tasks run concurrently with
// follow-up rounds for templates re-cued by global-data changes, and the
// postGenerate hook runs last. Task failures are counted and isolated; only
// cancellation of ctx is returned.
func (e *Engine) Generate(ctx context.Context) error {
	p := &pass{id: uuid.NewString(), entries: sets.New[string]()}
	p.log = e.logger.With(logfields.PassID(p.id))
	start := e.now()
	defer func() { e.metrics.ObservePassDuration(e.now().Sub(start)) }()

	removed, sweepErrs := e.state.Cache.Sweep(e.now())
	for _, err := range sweepErrs {
		_ = e.fail(p.log, err)
	}
	if removed > 0 {
		p.log.Info("expired cache entries removed", logfields.Count(removed))
	}

	tasks := e.takeCues()
	p.log.Info("generation started", logfields.Count(len(tasks)))

	if pre, ok := tasks[PreGenerate]; ok {
		delete(tasks, PreGenerate)
		e.runTask(ctx, p, pre)
	}
	post, hasPost := tasks[PostGenerate]
	delete(tasks, PostGenerate)

	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			e.requeue(tasks)
			return err
		}
		maps.Copy(tasks, e.takeCues())
		// A hook re-cued by a global change waits for the next pass.
		if t, ok := tasks[PreGenerate]; ok {
			delete(tasks, PreGenerate)
			e.requeue(map[string]Task{PreGenerate: t})
		}
		if t, ok := tasks[PostGenerate]; ok {
			delete(tasks, PostGenerate)
			post, hasPost = t, true
		}
		if len(tasks) == 0 {
			break
		}
		if round >= e.cfg.MaxRounds {
			p.log.Warn("follow-up rounds exhausted, deferring to next pass",
				logfields.Count(len(tasks)))
			e.requeue(tasks)
			break
		}
		if round > 0 {
			p.log.Info("follow-up round", slog.Int("round", round), logfields.Count(len(tasks)))
		}
		e.runBatch(ctx, p, tasks)
		tasks = make(map[string]Task)
	}

	if hasPost {
		e.runTask(ctx, p, post)
	}

	updated := e.state.Global.TakeUpdated()
	p.log.Info("generation finished",
		slog.Int("global_updated", len(updated)),
		slog.Int64("errors", e.ErrorCount()),
		slog.Duration("elapsed", e.now().Sub(start)))
	return ctx.Err()
}

func (e *Engine) runBatch(ctx context.Context, p *pass, tasks map[string]Task) {
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Concurrency > 0 {
		g.SetLimit(e.cfg.Concurrency)
	}
	for _, name := range slices.Sorted(maps.Keys(tasks)) {
		task := tasks[name]
		g.Go(func() error {
			e.runTask(gctx, p, task)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) requeue(tasks map[string]Task) {
	e.cueMu.Lock()
	defer e.cueMu.Unlock()
	for name, t := range tasks {
		if _, ok := e.cues[name]; !ok {
			e.cues[name] = t
		}
	}
}

func (e *Engine) runTask(ctx context.Context, p *pass, task Task) {
	log := p.log.With(logfields.Template(task.Name))
	if task.TriggeredBy != nil {
		log = log.With(logfields.Path(task.TriggeredBy.Path), logfields.Reason(string(task.TriggeredBy.Reason)))
	}
	t, ok := e.state.Template(task.Name)
	if !ok {
		log.Warn("cued template no longer exists")
		e.metrics.IncTaskResult(metrics.ResultSkipped)
		return
	}

	var err error
	if isHook(task.Name) {
		err = e.runHook(ctx, p, log, t, task)
	} else {
		err = e.runGenerate(ctx, p, log, t, task)
	}
	if err != nil {
		_ = e.fail(log, err)
		e.metrics.IncTaskResult(metrics.ResultFailed)
		return
	}
	e.metrics.IncTaskResult(metrics.ResultSuccess)
}

func (e *Engine) runHook(ctx context.Context, p *pass, log *slog.Logger, t *Template, task Task) error {
	script, err := e.scriptFor(t)
	if err != nil || script == nil {
		return err
	}
	var written map[string]storage.Record
	if t.Name == PostGenerate {
		written = e.FilesWritten()
	}
	resp, err := e.runScript(ctx, t, *script, task.TriggeredBy, written)
	if err != nil {
		return err
	}
	if len(resp.Pages) > 0 {
		log.Warn("hook page requests ignored", logfields.Count(len(resp.Pages)))
	}
	e.reconcile(p, log, t, resp)
	return nil
}

func (e *Engine) runGenerate(ctx context.Context, p *pass, log *slog.Logger, t *Template, task Task) error {
	wildcards := strings.Count(task.Pattern, "*")
	if wildcards > 1 {
		return fmt.Errorf("%w: generate pattern %q has more than one wildcard", apperr.ErrConfig, task.Pattern)
	}
	script, err := e.scriptFor(t)
	if err != nil {
		return err
	}

	if script == nil {
		if wildcards == 1 {
			return fmt.Errorf("%w: generate pattern %q has a wildcard but no generate-script", apperr.ErrConfig, task.Pattern)
		}
		if err := e.renderPage(log, t.Name, task.Pattern, nil); err != nil {
			return err
		}
		e.writeEntry(p, log, t)
		return nil
	}

	resp, err := e.runScript(ctx, t, *script, task.TriggeredBy, nil)
	if err != nil {
		return err
	}

	rendered := 0
	if wildcards == 1 {
		for _, page := range resp.Pages {
			out := strings.Replace(task.Pattern, "*", page.Path, 1)
			if err := e.renderPage(log, t.Name, out, page.Data); err != nil {
				_ = e.fail(log.With(logfields.Path(out)), err)
				continue
			}
			rendered++
		}
	} else if len(resp.Pages) > 0 {
		log.Warn("page requests ignored: pattern has no wildcard", logfields.Count(len(resp.Pages)))
	}

	e.reconcile(p, log, t, resp)

	if wildcards == 0 && rendered == 0 {
		if err := e.renderPage(log, t.Name, task.Pattern, resp.Raw); err != nil {
			return err
		}
		rendered++
	}
	if rendered > 0 {
		e.writeEntry(p, log, t)
	}
	log.Info("task resolved", logfields.Count(rendered))
	return nil
}

// scriptFor returns the generate-script of t, following a generate-use
// reference. It returns nil when t has no script.
func (e *Engine) scriptFor(t *Template) (*sandbox.Script, error) {
	if t.Generate != "" {
		return &sandbox.Script{Name: t.Name, Source: t.Generate}, nil
	}
	if t.GenerateUse == "" {
		return nil, nil
	}
	ref, ok := e.state.Template(t.GenerateUse)
	if !ok || ref.Generate == "" {
		return nil, fmt.Errorf("%w: generate-use %q does not name a template with a generate-script",
			apperr.ErrConfig, t.GenerateUse)
	}
	e.state.Graph.MarkDependsOn(t.Name, ref.Name)
	return &sandbox.Script{Name: ref.Name, Source: ref.Generate}, nil
}

func (e *Engine) runScript(ctx context.Context, t *Template, s sandbox.Script, trigger *models.Trigger, written map[string]storage.Record) (*sandbox.Response, error) {
	ns := e.state.Cache.Namespace(t.Name)
	caps := sandbox.Capabilities{
		Inputs: sandbox.Inputs{
			TriggeredBy:  trigger,
			FrontMatter:  t.FrontMatter,
			Global:       globaldata.NewAccessor(e.state.Global, e.state.Graph, t.Name),
			FilesWritten: written,
		},
		Data:   e.data,
		Cache:  ns,
		Logger: e.logger,
		RenderTemplate: func(name string, data map[string]any) (string, error) {
			return e.renderer.RenderAs(t.Name, name, data)
		},
	}
	start := e.now()
	resp, err := e.runner.Run(ctx, s, caps)
	e.metrics.ObserveScriptDuration(t.Name, e.now().Sub(start))
	if err != nil {
		return nil, err
	}
	e.state.Cache.Replace(t.Name, ns)
	return resp, nil
}

// reconcile applies a settled response: cache merge, global data merge with
// re-cueing of readers of changed keys, site files, watch registrations.
func (e *Engine) reconcile(p *pass, log *slog.Logger, t *Template, resp *sandbox.Response) {
	e.state.Cache.Merge(t.Name, resp.Cache)

	changed := e.state.Global.Merge(resp.Global)
	for _, out := range slices.Sorted(maps.Keys(resp.SiteFiles)) {
		if err := e.writeSiteFile(log, t, out, resp.SiteFiles[out]); err != nil {
			_ = e.fail(log, err)
			continue
		}
		if e.state.Global.SetSiteFile(siteFileKey(out), resp.SiteFiles[out]) {
			changed = append(changed, globaldata.SiteFilesKey)
		}
	}
	if len(changed) > 0 {
		readers := e.state.Graph.ResolveGlobalDependents(changed)
		readers.Delete(t.Name)
		for _, name := range sets.Sorted(readers) {
			e.Cue(name, nil)
		}
		log.Debug("global data updated", slog.Any("keys", changed), logfields.Count(len(readers)))
	}

	if len(resp.WatchFiles) > 0 || len(resp.WatchGlobs) > 0 {
		files := make([]string, len(resp.WatchFiles))
		for i, f := range resp.WatchFiles {
			if !filepath.IsAbs(f) {
				f = filepath.Join(e.data.Root(), filepath.FromSlash(f))
			}
			files[i] = f
		}
		e.state.Graph.RecordWatch(t.Name, files, resp.WatchGlobs)
	}
}

func (e *Engine) writeSiteFile(log *slog.Logger, t *Template, out string, value any) error {
	var data []byte
	if s, ok := value.(string); ok {
		data = []byte(s)
	} else {
		b, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return fmt.Errorf("%w: site file %s: %w", apperr.ErrScript, out, err)
		}
		data = b
	}
	return e.write(log, out, data, storage.KindJSON, t.Name)
}

func (e *Engine) renderPage(log *slog.Logger, name, pattern string, data map[string]any) error {
	html, err := e.renderer.Render(name, data)
	if err != nil {
		return err
	}
	return e.write(log, outputPath(pattern), []byte(html), storage.KindHTML, name)
}

// writeEntry writes the entry bundle of t: its own entry script followed
// by those of its wrappers, nearest first.
func (e *Engine) writeEntry(p *pass, log *slog.Logger, t *Template) {
	chain, err := e.renderer.WrapperChain(t.Name)
	if err != nil {
		_ = e.fail(log, err)
		return
	}
	var parts []string
	if t.Entry != "" {
		parts = append(parts, t.Entry)
	}
	for _, w := range chain {
		if wt, ok := e.state.Template(w); ok && wt.Entry != "" {
			parts = append(parts, wt.Entry)
		}
	}
	if len(parts) == 0 {
		return
	}
	out := "entry/" + t.Name + ".js"
	if !p.claimEntry(out) {
		return
	}
	if err := e.write(log, out, []byte(strings.Join(parts, "\n")), storage.KindEntry, t.Name); err != nil {
		_ = e.fail(log, err)
	}
}

// outputPath maps a page path to the file written for it. Escaping paths
// are kept as they are so that the writer refuses them.
func outputPath(p string) string {
	p = strings.TrimLeft(p, "/")
	if strings.HasSuffix(p, ".html") {
		return p
	}
	return path.Join(p, "index.html")
}

func siteFileKey(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
