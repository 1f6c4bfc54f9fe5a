package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyTemplate = "template"
	KeyPath     = "path"
	KeyPassID   = "pass_id"
	KeyReason   = "reason"
	KeyKind     = "kind"
	KeyCount    = "count"
	KeyError    = "error"
)

func Template(name string) slog.Attr { return slog.String(KeyTemplate, name) }
func Path(p string) slog.Attr        { return slog.String(KeyPath, p) }
func PassID(id string) slog.Attr     { return slog.String(KeyPassID, id) }
func Reason(r string) slog.Attr      { return slog.String(KeyReason, r) }
func Kind(k string) slog.Attr        { return slog.String(KeyKind, k) }
func Count(n int) slog.Attr          { return slog.Int(KeyCount, n) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
