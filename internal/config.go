package internal

import (
	"log/slog"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Site     SiteConfig        `yaml:"site"`
	Generate GenerateConfig    `yaml:"generate"`
	Watch    WatchConfig       `yaml:"watch"`
	Manifest ManifestConfig    `yaml:"manifest"`
	Metrics  MetricsConfig     `yaml:"metrics"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Site.Validate(); err != nil {
		return err
	}
	if err := c.Generate.Validate(); err != nil {
		return err
	}
	return c.Watch.Validate()
}

// ResolvePaths makes every relative path in c relative to base.
func (c *Config) ResolvePaths(base string) {
	for _, p := range []*string{
		&c.Site.InputDir, &c.Site.DataDir, &c.Site.OutputDir, &c.Site.CacheFile,
		&c.Manifest.Path, &c.Metrics.Textfile,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
}

// SiteConfig locates the template, data and output trees.
type SiteConfig struct {
	InputDir  string `yaml:"input_dir"`
	DataDir   string `yaml:"data_dir"`
	OutputDir string `yaml:"output_dir"`
	CacheFile string `yaml:"cache_file"`
}

// Validate validates the site configuration.
func (c *SiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.InputDir, validation.Required),
		validation.Field(&c.DataDir, validation.Required),
		validation.Field(&c.OutputDir, validation.Required),
		validation.Field(&c.CacheFile, validation.Required),
	)
}

// GenerateConfig tunes generation passes.
type GenerateConfig struct {
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	MaxRounds        int           `yaml:"max_rounds"`
	// Concurrency limits concurrently running tasks; 0 means unlimited.
	Concurrency int `yaml:"concurrency"`
}

// Validate validates the generation configuration.
func (c *GenerateConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.LivenessInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.MaxRounds, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.Concurrency, validation.Min(0)),
	)
}

// WatchConfig controls rebuilding on file changes.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// Validate validates the watch configuration.
func (c *WatchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.When(c.Enabled, validation.Required, validation.Min(10*time.Millisecond))),
	)
}

// ManifestConfig holds the optional SQLite manifest path.
type ManifestConfig struct {
	Path string `yaml:"path"`
}

// Enabled reports whether a manifest is configured.
func (c *ManifestConfig) Enabled() bool { return c.Path != "" }

// MetricsConfig holds the optional Prometheus textfile path.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
		},
		Site: SiteConfig{
			InputDir:  "./templates",
			DataDir:   "./data",
			OutputDir: "./public",
			CacheFile: "./.tessera-cache.json",
		},
		Generate: GenerateConfig{
			LivenessInterval: 10 * time.Second,
			MaxRounds:        8,
		},
		Watch: WatchConfig{
			Debounce: 200 * time.Millisecond,
		},
	}
}
