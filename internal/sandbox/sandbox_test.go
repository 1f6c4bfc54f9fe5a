package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/globaldata"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/storage"
)

type reads struct{ keys []string }

func (r *reads) RecordGlobalRead(_, key string) { r.keys = append(r.keys, key) }

func run(t *testing.T, src string, caps Capabilities) (*Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if caps.Cache == nil {
		caps.Cache = map[string]any{}
	}
	return NewRunner().Run(ctx, Script{Name: "posts/x", Source: src}, caps)
}

func paths(pages []PageRequest) []string {
	out := make([]string, len(pages))
	for i, p := range pages {
		out[i] = p.Path
	}
	return out
}

func TestRun_ResolveArray(t *testing.T) {
	resp, err := run(t, `resolve([{path: "a", data: {title: "A"}}, {path: "b"}])`, Capabilities{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, paths(resp.Pages))
	assert.Equal(t, "A", resp.Pages[0].Data["title"])
	assert.Nil(t, resp.Pages[1].Data)
}

func TestRun_ResolveSinglePage(t *testing.T) {
	resp, err := run(t, `resolve({path: "only", data: {n: 1}})`, Capabilities{})
	require.NoError(t, err)
	require.Len(t, resp.Pages, 1)
	assert.Equal(t, "only", resp.Pages[0].Path)
	assert.EqualValues(t, 1, resp.Pages[0].Data["n"])
}

func TestRun_ReturnValueSettles(t *testing.T) {
	resp, err := run(t, `return {global: {date: "2026-10-19"}, watchGlobs: ["posts/*.md"], watchFiles: ["a.md"]}`, Capabilities{})
	require.NoError(t, err)
	assert.Equal(t, "2026-10-19", resp.Global["date"])
	assert.Equal(t, []string{"posts/*.md"}, resp.WatchGlobs)
	assert.Equal(t, []string{"a.md"}, resp.WatchFiles)
	assert.Contains(t, resp.Raw, "global")
}

func TestRun_ReturnPromise(t *testing.T) {
	resp, err := run(t, `return Promise.resolve([{path: "p"}])`, Capabilities{})
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, paths(resp.Pages))
}

func TestRun_GeneratePagesAccumulates(t *testing.T) {
	src := `
generatePages({path: "a"});
generatePages([{path: "b", data: {n: 2}}]);
resolve({pages: [{path: "c"}]});
`
	resp, err := run(t, src, Capabilities{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, paths(resp.Pages))
}

func TestRun_FirstSettlementWins(t *testing.T) {
	resp, err := run(t, `resolve([{path: "first"}]); reject(new Error("late")); return [{path: "ignored"}]`, Capabilities{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, paths(resp.Pages))
}

func TestRun_ThrowMapsLine(t *testing.T) {
	src := "const a = 1;\nconst b = 2;\nthrow new Error(\"boom\");\n"
	_, err := run(t, src, Capabilities{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrScript))

	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "posts/x", se.Template)
	assert.Equal(t, 3, se.Line)
	assert.Contains(t, se.Message, "boom")
	assert.Contains(t, se.Context, `> 3 | throw new Error("boom");`)
}

func TestRun_SyntaxError(t *testing.T) {
	_, err := run(t, "const ok = 1;\nreturn {", Capabilities{})
	require.Error(t, err)
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, apperr.ErrScript)
}

func TestRun_Reject(t *testing.T) {
	_, err := run(t, `reject(new Error("nope"))`, Capabilities{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrScript)
	assert.Contains(t, err.Error(), "nope")
}

func TestRun_UnsupportedResolvedValue(t *testing.T) {
	_, err := run(t, `resolve(42)`, Capabilities{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrScript)
}

func TestRun_GlobalReadsAreTracked(t *testing.T) {
	store := globaldata.NewStore()
	store.Set("date", "today")
	rec := &reads{}
	caps := Capabilities{Inputs: Inputs{Global: globaldata.NewAccessor(store, rec, "posts/x")}}

	resp, err := run(t, `return {global: {seen: inputs.global.date}}`, caps)
	require.NoError(t, err)
	assert.Equal(t, "today", resp.Global["seen"])
	assert.Equal(t, []string{"date"}, rec.keys)
}

func TestRun_GlobalSerializes(t *testing.T) {
	store := globaldata.NewStore()
	store.Set("date", "today")
	caps := Capabilities{Inputs: Inputs{Global: globaldata.NewAccessor(store, nil, "posts/x")}}

	resp, err := run(t, `return {global: {json: JSON.stringify(inputs.global), str: String(inputs.global)}}`, caps)
	require.NoError(t, err)
	assert.Equal(t, `{"date":"today"}`, resp.Global["json"])
	assert.Equal(t, "[object Object]", resp.Global["str"])
}

func TestRun_GlobalValuesAreCopies(t *testing.T) {
	store := globaldata.NewStore()
	store.Set("site", map[string]any{"title": "A"})
	caps := Capabilities{Inputs: Inputs{Global: globaldata.NewAccessor(store, nil, "posts/x")}}

	src := `
const site = inputs.global.site;
site.title = "hacked";
inputs.global.site.extra = 1;
return {global: {local: site.title}}
`
	resp, err := run(t, src, caps)
	require.NoError(t, err)
	assert.Equal(t, "hacked", resp.Global["local"])
	stored, _ := store.Lookup("site")
	assert.Equal(t, map[string]any{"title": "A"}, stored)
}

func TestRun_UndefinedGlobalThrows(t *testing.T) {
	rec := &reads{}
	caps := Capabilities{Inputs: Inputs{Global: globaldata.NewAccessor(globaldata.NewStore(), rec, "posts/x")}}

	_, err := run(t, `return [{path: inputs.global.missing}]`, caps)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrScript)
	assert.Contains(t, err.Error(), "undefined global")
	assert.Equal(t, []string{"missing"}, rec.keys)
}

func TestRun_UndefinedGlobalCanBeCaught(t *testing.T) {
	caps := Capabilities{Inputs: Inputs{Global: globaldata.NewAccessor(globaldata.NewStore(), nil, "posts/x")}}
	src := `
let v;
try { v = inputs.global.missing } catch (e) { v = "fallback" }
return {global: {v: v, has: "missing" in inputs.global}}
`
	resp, err := run(t, src, caps)
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Global["v"])
	assert.Equal(t, false, resp.Global["has"])
}

func TestRun_CacheMutationsAreVisible(t *testing.T) {
	ns := map[string]any{"count": int64(1)}
	_, err := run(t, `cache.count = cache.count + 1; cache.fresh = {expires: 0}; resolve({})`, Capabilities{Cache: ns})
	require.NoError(t, err)
	assert.EqualValues(t, 2, ns["count"])
	assert.Contains(t, ns, "fresh")
}

func TestRun_InputsAndHelpers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "posts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "posts", "a.md"), []byte("---\ntitle: A\n---\nbody"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "posts", "b.txt"), []byte("x"), 0o644))
	data, err := storage.NewFS(dir)
	require.NoError(t, err)

	caps := Capabilities{
		Inputs: Inputs{
			TriggeredBy: &models.Trigger{Path: "/data/posts/a.md", Reason: models.Modified},
			FrontMatter: map[string]any{"generate": "posts/*"},
		},
		Data: data,
		RenderTemplate: func(name string, data map[string]any) (string, error) {
			return "<p>" + name + ":" + data["x"].(string) + "</p>", nil
		},
	}
	src := `
const names = getDataFileNames("posts/*.md");
const parsed = parseFrontMatter(readDataFile(names[0]));
return {global: {
  names: names,
  title: parsed.attributes.title,
  body: parsed.body,
  reason: inputs.triggeredBy.reason,
  pattern: inputs.frontMatter.generate,
  root: dataDirectory,
  html: renderTemplate("card", {x: "y"}),
}}
`
	resp, err := run(t, src, caps)
	require.NoError(t, err)
	g := resp.Global
	assert.Equal(t, []any{"posts/a.md"}, g["names"])
	assert.Equal(t, "A", g["title"])
	assert.Equal(t, "body", g["body"])
	assert.Equal(t, "Modified", g["reason"])
	assert.Equal(t, "posts/*", g["pattern"])
	assert.Equal(t, data.Root(), g["root"])
	assert.Equal(t, "<p>card:y</p>", g["html"])
}

func TestRun_ReadDataFileOutsideRootThrows(t *testing.T) {
	data, err := storage.NewFS(t.TempDir())
	require.NoError(t, err)
	_, err = run(t, `return {global: {x: readDataFile("../../etc/passwd")}}`, Capabilities{Data: data})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrScript)
}

func TestRun_FilesWrittenIsFrozen(t *testing.T) {
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	caps := Capabilities{Inputs: Inputs{FilesWritten: map[string]storage.Record{
		"posts/a/index.html": {Kind: storage.KindHTML, Source: []string{"posts/x@" + now.Format(time.RFC3339Nano)}, Created: now, Modified: now},
	}}}
	src := `
const fw = inputs.filesWritten;
return {global: {kind: fw["posts/a/index.html"].kind, frozen: Object.isFrozen(fw), keys: Object.keys(fw)}}
`
	resp, err := run(t, src, caps)
	require.NoError(t, err)
	assert.Equal(t, "html", resp.Global["kind"])
	assert.Equal(t, true, resp.Global["frozen"])
	assert.Equal(t, []any{"posts/a/index.html"}, resp.Global["keys"])
}

func TestRun_NeverSettlingWarnsUntilCancelled(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := NewRunner(WithLivenessInterval(20*time.Millisecond), WithLogger(logger))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, Script{Name: "stuck", Source: `log("waiting forever")`}, Capabilities{Cache: map[string]any{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, buf.String(), "still waiting for script to resolve")
}

func TestRun_InfiniteLoopIsInterrupted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewRunner().Run(ctx, Script{Name: "spin", Source: `while (true) {}`}, Capabilities{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}
