// Package apperr defines the error kinds shared across the generation engine.
package apperr

import "errors"

var (
	// ErrConfig marks author configuration mistakes: malformed generate-use
	// references, more than one wildcard, invalid cache expiry values.
	ErrConfig = errors.New("configuration error")
	// ErrScript marks values thrown or rejected by a generate-script.
	ErrScript = errors.New("script error")
	// ErrRender marks failures evaluating a template, wrapper or include.
	ErrRender = errors.New("render error")
	// ErrOutsideRoot is returned for writes that would escape the output root.
	ErrOutsideRoot = errors.New("path escapes output root")
	// ErrUndefinedGlobal is returned when reading an unset global-data key.
	ErrUndefinedGlobal = errors.New("undefined global data key")
	// ErrNotRegistered is returned when rendering a template that was never
	// compiled successfully.
	ErrNotRegistered = errors.New("template not registered")
)
