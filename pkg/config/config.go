// Package config loads YAML configuration files with environment variable
// expansion, strict field checking and path resolution relative to the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Validator is an interface for configuration validation.
type Validator interface {
	Validate() error
}

// PathResolver is implemented by configs holding file-system paths. Relative
// paths are resolved against base, the directory of the loaded file.
type PathResolver interface {
	ResolvePaths(base string)
}

// Load decodes filename into target, which should already hold defaults.
// ${VAR} references are expanded before parsing, unknown keys are rejected,
// relative paths are resolved against the file's directory and the result
// is validated.
func Load[T any](filename string, target *T) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if resolver, ok := any(target).(PathResolver); ok {
		abs, err := filepath.Abs(filename)
		if err != nil {
			return fmt.Errorf("resolve config path %s: %w", filename, err)
		}
		resolver.ResolvePaths(filepath.Dir(abs))
	}

	return validate(target)
}

// LoadOptional behaves like Load, but a missing file leaves the defaults in
// target untouched (still validated). It reports whether the file was read.
func LoadOptional[T any](filename string, target *T) (bool, error) {
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		return false, validate(target)
	}
	return true, Load(filename, target)
}

func validate[T any](target *T) error {
	if validator, ok := any(target).(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}
	return nil
}
