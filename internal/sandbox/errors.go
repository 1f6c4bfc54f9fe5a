package sandbox

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/starford/tessera/internal/apperr"
)

// ScriptError is a failure inside a generate-script, positioned in the
// script's own source.
type ScriptError struct {
	Template string
	Message  string
	// Line is 1-based within the script body; zero when unknown.
	Line    int
	Column  int
	Context string
}

func (e *ScriptError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "script %s", e.Template)
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d:%d", e.Line, e.Column)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Context != "" {
		b.WriteString("\n")
		b.WriteString(e.Context)
	}
	return b.String()
}

func (e *ScriptError) Unwrap() error { return apperr.ErrScript }

var positionRes = []*regexp.Regexp{
	regexp.MustCompile(`:(\d+):(\d+)`),
	regexp.MustCompile(`Line (\d+):(\d+)`),
}

func newScriptError(s Script, msg, stack string) error {
	e := &ScriptError{Template: s.Name, Message: firstLine(msg)}
	line, col := position(s.Name, stack)
	if line == 0 {
		line, col = position(s.Name, msg)
	}
	if line > 0 {
		e.Line, e.Column = line, col
		e.Context = sourceContext(s.Source, line)
	} else if stack != "" && stack != msg {
		e.Context = strings.TrimSpace(stack)
	}
	return e
}

// position finds the first source position in text and maps it from the
// wrapped program back into the script body.
func position(name, text string) (int, int) {
	if text == "" {
		return 0, 0
	}
	for _, re := range positionRes {
		scan := text
		if re == positionRes[0] {
			i := strings.Index(text, name+":")
			if i < 0 {
				continue
			}
			scan = text[i+len(name):]
		}
		m := re.FindStringSubmatch(scan)
		if m == nil {
			continue
		}
		line, _ := strconv.Atoi(m[1])
		col, _ := strconv.Atoi(m[2])
		line -= preludeLines
		if line < 1 {
			return 0, 0
		}
		return line, col
	}
	return 0, 0
}

// sourceContext renders two lines either side of line, marking it with ">".
func sourceContext(src string, line int) string {
	lines := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")
	if line > len(lines) {
		return ""
	}
	from, to := max(1, line-2), min(len(lines), line+2)
	width := len(strconv.Itoa(to))
	var b strings.Builder
	for n := from; n <= to; n++ {
		marker := " "
		if n == line {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s %*d | %s\n", marker, width, n, lines[n-1])
	}
	return strings.TrimRight(b.String(), "\n")
}

func scriptErrorFrom(s Script, err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return newScriptError(s, exceptionMessage(exc), exc.String())
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return newScriptError(s, "interrupted: "+fmt.Sprint(interrupted.Value()), interrupted.String())
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return newScriptError(s, syntax.Error(), syntax.Error())
	}
	return newScriptError(s, err.Error(), "")
}

func exceptionMessage(exc *goja.Exception) string {
	v := exc.Value()
	if v == nil {
		return exc.Error()
	}
	if obj, ok := v.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				return name.String() + ": " + m.String()
			}
			return m.String()
		}
	}
	return v.String()
}

func rejectionError(s Script, reason goja.Value) error {
	if reason == nil || goja.IsUndefined(reason) {
		return newScriptError(s, "rejected", "")
	}
	if obj, ok := reason.(*goja.Object); ok {
		msg := reason.String()
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			msg = m.String()
		}
		stack := ""
		if st := obj.Get("stack"); st != nil && !goja.IsUndefined(st) {
			stack = st.String()
		}
		return newScriptError(s, "rejected: "+msg, stack)
	}
	return newScriptError(s, "rejected: "+reason.String(), "")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
