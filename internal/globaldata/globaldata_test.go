package globaldata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/tessera/internal/apperr"
)

type recorder struct{ reads [][2]string }

func (r *recorder) RecordGlobalRead(name, key string) {
	r.reads = append(r.reads, [2]string{name, key})
}

func TestStore_SetTracksChanges(t *testing.T) {
	s := NewStore()
	assert.True(t, s.Set("date", "2026-01-01"))
	assert.False(t, s.Set("date", "2026-01-01"))
	assert.Equal(t, []string{"date"}, s.TakeUpdated())
	assert.Empty(t, s.TakeUpdated())

	assert.False(t, s.Set("date", "2026-01-01"))
	assert.Empty(t, s.TakeUpdated())

	assert.True(t, s.Set("date", "2026-01-02"))
	assert.Equal(t, []string{"date"}, s.TakeUpdated())
}

func TestStore_MergeReturnsChangedKeys(t *testing.T) {
	s := NewStore()
	s.Merge(map[string]any{"a": 1.0, "b": []any{"x"}})
	s.TakeUpdated()

	changed := s.Merge(map[string]any{"a": 1.0, "b": []any{"x", "y"}, "c": true})
	assert.ElementsMatch(t, []string{"b", "c"}, changed)
	assert.Equal(t, []string{"b", "c"}, s.TakeUpdated())
}

func TestStore_SetSiteFile(t *testing.T) {
	s := NewStore()
	assert.True(t, s.SetSiteFile("api/posts.json", []any{"a"}))
	assert.True(t, s.SetSiteFile("api/tags.json", map[string]any{"go": 1.0}))
	assert.False(t, s.SetSiteFile("api/tags.json", map[string]any{"go": 1.0}))

	v, ok := s.Lookup(SiteFilesKey)
	require.True(t, ok)
	files := v.(map[string]any)
	assert.Len(t, files, 2)
	assert.Equal(t, []any{"a"}, files["api/posts.json"])
}

func TestAccessor_RecordsReads(t *testing.T) {
	s := NewStore()
	s.Set("date", "today")
	rec := &recorder{}
	a := NewAccessor(s, rec, "home")

	v, err := a.Get("date")
	require.NoError(t, err)
	assert.Equal(t, "today", v)
	assert.Equal(t, [][2]string{{"home", "date"}}, rec.reads)
}

func TestAccessor_ReturnsCopies(t *testing.T) {
	s := NewStore()
	s.Set("site", map[string]any{"title": "A", "tags": []any{"x"}})
	a := NewAccessor(s, nil, "home")

	v, err := a.Get("site")
	require.NoError(t, err)
	site := v.(map[string]any)
	site["title"] = "changed"
	site["tags"].([]any)[0] = "y"

	stored, _ := s.Lookup("site")
	assert.Equal(t, map[string]any{"title": "A", "tags": []any{"x"}}, stored)
	assert.Empty(t, s.Merge(map[string]any{"site": map[string]any{"title": "A", "tags": []any{"x"}}}))
}

func TestAccessor_UndefinedKeyFails(t *testing.T) {
	rec := &recorder{}
	a := NewAccessor(NewStore(), rec, "home")

	_, err := a.Get("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUndefinedGlobal)
	// The read is still recorded so that defining the key later re-cues home.
	assert.Equal(t, [][2]string{{"home", "missing"}}, rec.reads)
	assert.False(t, a.Has("missing"))
}
