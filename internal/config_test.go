package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkgconfig "github.com/starford/tessera/pkg/config"
)

func TestDefaultConfig_Valid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestSiteConfig_RequiresDirs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Site.OutputDir = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("missing output dir should fail validation")
	}
	if !strings.Contains(err.Error(), "output_dir") && !strings.Contains(err.Error(), "OutputDir") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGenerateConfig_Bounds(t *testing.T) {
	cfg := GenerateConfig{LivenessInterval: time.Millisecond, MaxRounds: 4}
	if err := cfg.Validate(); err == nil {
		t.Error("sub-second liveness interval should fail")
	}
	cfg = GenerateConfig{LivenessInterval: time.Second, MaxRounds: 0}
	if err := cfg.Validate(); err == nil {
		t.Error("zero max rounds should fail")
	}
	cfg = GenerateConfig{LivenessInterval: time.Second, MaxRounds: 1, Concurrency: -1}
	if err := cfg.Validate(); err == nil {
		t.Error("negative concurrency should fail")
	}
}

func TestWatchConfig_DebounceOnlyWhenEnabled(t *testing.T) {
	cfg := WatchConfig{Enabled: false}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled watch needs no debounce: %v", err)
	}
	cfg.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("enabled watch without debounce should fail")
	}
}

func TestLoad_YAMLWithEnv(t *testing.T) {
	t.Setenv("TESSERA_OUT", "/srv/site")
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
app:
  log_level: debug
site:
  input_dir: ./t
  data_dir: ./d
  output_dir: ${TESSERA_OUT}
  cache_file: ./c.json
generate:
  liveness_interval: 5s
  max_rounds: 3
watch:
  enabled: true
  debounce: 50ms
manifest:
  path: ./manifest.db
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Site.OutputDir != "/srv/site" {
		t.Errorf("output dir = %q, want env expansion", cfg.Site.OutputDir)
	}
	if want := filepath.Join(filepath.Dir(path), "t"); cfg.Site.InputDir != want {
		t.Errorf("input dir = %q, want %q", cfg.Site.InputDir, want)
	}
	if want := filepath.Join(filepath.Dir(path), "manifest.db"); cfg.Manifest.Path != want {
		t.Errorf("manifest = %q, want %q", cfg.Manifest.Path, want)
	}
	if cfg.Generate.LivenessInterval != 5*time.Second || cfg.Generate.MaxRounds != 3 {
		t.Errorf("generate = %+v", cfg.Generate)
	}
	if !cfg.Watch.Enabled || cfg.Watch.Debounce != 50*time.Millisecond {
		t.Errorf("watch = %+v", cfg.Watch)
	}
	if !cfg.Manifest.Enabled() {
		t.Error("manifest should be enabled")
	}
	if cfg.App.LogLevel.String() != "DEBUG" {
		t.Errorf("log level = %s", cfg.App.LogLevel)
	}
}
