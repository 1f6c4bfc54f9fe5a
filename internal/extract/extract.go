// Package extract splits a template source into front matter, embedded script
// blocks and the residual template body.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/tessera/internal/apperr"
)

// Extension is the only file extension accepted as a template source.
const Extension = ".tmpl"

var (
	scriptRe      = regexp.MustCompile(`(?is)<script([^>]*)>(.*?)</script>`)
	generateUseRe = regexp.MustCompile(`(?i)^generate-use:"([\w-]+(?:/[\w-]+)*)"$`)
)

// ErrMissingClosingDelimiter indicates the source started with a front matter
// delimiter but never closed it.
var ErrMissingClosingDelimiter = errors.New("front matter start delimiter found but closing delimiter is missing")

// Result holds the output of extracting one template source.
type Result struct {
	FrontMatter map[string]any
	Body        string
	// Generate is the inline generate-script, if any.
	Generate string
	// GenerateUse names another template whose generate-script is reused.
	GenerateUse string
	Entry       string
	Lib         string
	// Problems collects configuration errors that did not stop extraction.
	Problems []error
}

// Accepts reports whether path has the template extension.
func Accepts(path string) bool {
	return filepath.Ext(path) == Extension
}

// Extract parses raw template source.
func Extract(src []byte) (*Result, error) {
	fm, body, err := splitFrontMatter(src)
	if err != nil {
		return nil, err
	}

	res := &Result{FrontMatter: fm}
	stripped := scriptRe.ReplaceAllStringFunc(body, func(block string) string {
		m := scriptRe.FindStringSubmatch(block)
		opener := strings.TrimSpace(m[1])
		content := m[2]

		switch strings.ToLower(opener) {
		case "generate":
			res.Generate = content
			return ""
		case "entry":
			res.Entry = content
			return ""
		case "lib":
			res.Lib = content
			return ""
		}

		if strings.HasPrefix(strings.ToLower(opener), "generate-use") {
			ref := generateUseRe.FindStringSubmatch(opener)
			if ref == nil {
				res.Problems = append(res.Problems,
					fmt.Errorf("%w: malformed generate-use reference %q", apperr.ErrConfig, opener))
				return ""
			}
			res.GenerateUse = ref[1]
			return ""
		}

		// Ordinary <script> tags belong to the page.
		return block
	})
	res.Body = strings.TrimSpace(stripped)
	return res, nil
}

// ParseFrontMatter splits text into its YAML attributes and body. It is the
// parser handed to generate-scripts for their own data files.
func ParseFrontMatter(text string) (map[string]any, string, error) {
	return splitFrontMatter([]byte(text))
}

// splitFrontMatter separates YAML front matter (between leading --- lines)
// from the body. Without a leading delimiter the whole input is body.
func splitFrontMatter(data []byte) (map[string]any, string, error) {
	const delim = "---"
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	trimmed := bytes.TrimLeft(data, "\n")

	if !bytes.HasPrefix(trimmed, []byte(delim+"\n")) {
		return map[string]any{}, string(data), nil
	}

	rest := trimmed[len(delim)+1:]
	var block, after []byte
	if bytes.HasPrefix(rest, []byte(delim)) {
		after = rest[len(delim):]
	} else {
		idx := bytes.Index(rest, []byte("\n"+delim))
		if idx < 0 {
			return nil, "", ErrMissingClosingDelimiter
		}
		block = rest[:idx]
		after = rest[idx+1+len(delim):]
	}

	fm := map[string]any{}
	if len(bytes.TrimSpace(block)) > 0 {
		if err := yaml.Unmarshal(block, &fm); err != nil {
			return nil, "", fmt.Errorf("front matter: %w", err)
		}
		if fm == nil {
			fm = map[string]any{}
		}
	}
	return fm, strings.TrimLeft(string(after), "\n"), nil
}
