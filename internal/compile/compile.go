// Package compile turns a stripped template body into a reusable render
// function.
//
// Templates use html/template syntax. Besides the standard actions every
// template can call:
//
//	include "name" [data]   render another template (or "_body" inside a wrapper)
//	dict "k" v ...          build a map, usually as include data
//	markdown s              render Markdown to HTML
//	json v                  encode v as JSON
//	safe s                  mark s as trusted HTML
//
// Global data is read through the accessor at .global, e.g.
// {{ .global.Get "date" }}.
package compile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"
)

// IncludeFunc renders the named template with optional extra data and returns
// its HTML.
type IncludeFunc func(name string, data map[string]any) (string, error)

// RenderFunc evaluates a compiled template against data. Calls to include
// inside the template are routed through the supplied IncludeFunc.
type RenderFunc func(data map[string]any, include IncludeFunc) (string, error)

var md = goldmark.New()

// Compile parses body under name.
func Compile(body, name string) (RenderFunc, error) {
	base, err := template.New(name).Funcs(funcs(nil)).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}

	// The base template is never executed so that it can be cloned for
	// every render; html/template refuses to clone after execution.
	return func(data map[string]any, include IncludeFunc) (string, error) {
		t, err := base.Clone()
		if err != nil {
			return "", fmt.Errorf("render %s: %w", name, err)
		}
		t.Funcs(funcs(include))

		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("render %s: %w", name, err)
		}
		return buf.String(), nil
	}, nil
}

// FirstLine returns the first line of err's message, which is how compile
// failures are reported.
func FirstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}

func funcs(include IncludeFunc) template.FuncMap {
	return template.FuncMap{
		"include": func(name string, data ...map[string]any) (template.HTML, error) {
			if include == nil {
				return "", errors.New("include called outside of a render")
			}
			var extra map[string]any
			if len(data) > 0 {
				extra = data[0]
			}
			out, err := include(name, extra)
			return template.HTML(out), err //nolint:gosec // rendered by html/template
		},
		"dict": func(kv ...any) (map[string]any, error) {
			if len(kv)%2 != 0 {
				return nil, errors.New("dict requires key/value pairs")
			}
			out := make(map[string]any, len(kv)/2)
			for i := 0; i < len(kv); i += 2 {
				k, ok := kv[i].(string)
				if !ok {
					return nil, fmt.Errorf("dict key %v is not a string", kv[i])
				}
				out[k] = kv[i+1]
			}
			return out, nil
		},
		"markdown": func(s string) (template.HTML, error) {
			var buf bytes.Buffer
			if err := md.Convert([]byte(s), &buf); err != nil {
				return "", err
			}
			return template.HTML(buf.String()), nil //nolint:gosec // goldmark escapes raw HTML by default
		},
		"json": func(v any) (template.JS, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return template.JS(b), nil //nolint:gosec // encoded by encoding/json
		},
		"safe": func(s string) template.HTML {
			return template.HTML(s) //nolint:gosec // explicit author opt-in
		},
	}
}
