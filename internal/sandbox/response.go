package sandbox

import (
	"fmt"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/cache"
)

// PageRequest asks for one page; Path replaces the "*" of the template's
// generate pattern.
type PageRequest struct {
	Path string
	Data map[string]any
}

// Response is a settled generate-script result.
type Response struct {
	Pages      []PageRequest
	Cache      map[string]any
	SiteFiles  map[string]any
	WatchFiles []string
	WatchGlobs []string
	Global     map[string]any
	// Raw is the resolved object itself; pages without a wildcard render
	// with it merged over the template's front matter.
	Raw map[string]any
}

// decodeResponse interprets a resolved value: an array is a list of page
// requests, an object with a string "path" is a single page request, any
// other object is a response.
func decodeResponse(v any) (*Response, error) {
	resp := &Response{}
	switch x := v.(type) {
	case nil:
		return resp, nil
	case []any:
		pages, err := decodePages(x)
		if err != nil {
			return nil, err
		}
		resp.Pages = pages
		return resp, nil
	case map[string]any:
		if _, ok := x["path"].(string); ok {
			pages, err := decodePages(x)
			if err != nil {
				return nil, err
			}
			resp.Pages = pages
			return resp, nil
		}
		return decodeObject(x)
	default:
		return nil, fmt.Errorf("%w: unsupported resolved value of type %T", apperr.ErrScript, v)
	}
}

func decodeObject(m map[string]any) (*Response, error) {
	resp := &Response{Raw: copyMap(m)}
	var err error
	if raw, ok := m["pages"]; ok && raw != nil {
		if resp.Pages, err = decodePages(raw); err != nil {
			return nil, err
		}
	}
	if resp.Cache, err = optionalMap(m, "cache"); err != nil {
		return nil, err
	}
	if resp.SiteFiles, err = optionalMap(m, "siteFiles"); err != nil {
		return nil, err
	}
	if resp.Global, err = optionalMap(m, "global"); err != nil {
		return nil, err
	}
	if resp.WatchFiles, err = optionalStrings(m, "watchFiles"); err != nil {
		return nil, err
	}
	if resp.WatchGlobs, err = optionalStrings(m, "watchGlobs"); err != nil {
		return nil, err
	}
	return resp, nil
}

func decodePages(v any) ([]PageRequest, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]PageRequest, 0, len(x))
		for _, item := range x {
			p, err := decodePage(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	default:
		p, err := decodePage(v)
		if err != nil {
			return nil, err
		}
		return []PageRequest{p}, nil
	}
}

func decodePage(v any) (PageRequest, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return PageRequest{}, fmt.Errorf("%w: page request must be an object, got %T", apperr.ErrScript, v)
	}
	rawPath, ok := m["path"]
	if !ok || rawPath == nil {
		return PageRequest{}, fmt.Errorf("%w: page request is missing path", apperr.ErrScript)
	}
	p := PageRequest{Path: fmt.Sprint(rawPath)}
	if data, ok := m["data"]; ok && data != nil {
		dm, ok := data.(map[string]any)
		if !ok {
			return PageRequest{}, fmt.Errorf("%w: page %q data must be an object", apperr.ErrScript, p.Path)
		}
		p.Data = copyMap(dm)
	}
	return p, nil
}

func optionalMap(m map[string]any, key string) (map[string]any, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	out, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object, got %T", apperr.ErrScript, key, raw)
	}
	return copyMap(out), nil
}

func optionalStrings(m map[string]any, key string) ([]string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an array, got %T", apperr.ErrScript, key, raw)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s entries must be strings", apperr.ErrScript, key)
		}
		out = append(out, s)
	}
	return out, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return cache.CopyValue(m).(map[string]any)
}
