package internal

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := NewDefaultConfig()
	cfg.App.LogLevel = slog.LevelError
	cfg.Site.InputDir = filepath.Join(root, "templates")
	cfg.Site.DataDir = filepath.Join(root, "data")
	cfg.Site.OutputDir = filepath.Join(root, "public")
	cfg.Site.CacheFile = filepath.Join(root, "cache.json")
	cfg.Manifest.Path = filepath.Join(root, "manifest.db")
	cfg.Metrics.Textfile = filepath.Join(root, "tessera.prom")
	if err := os.MkdirAll(cfg.Site.InputDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestRun_BuildsOnceAndRecordsManifest(t *testing.T) {
	cfg := testConfig(t)
	page := "---\ngenerate: \"/about\"\ntitle: About\n---\n<h1>{{ .title }}</h1>"
	if err := os.WriteFile(filepath.Join(cfg.Site.InputDir, "about.tmpl"), []byte(page), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Run(context.Background(), WithConfig(cfg)); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(cfg.Site.OutputDir, "about", "index.html"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != "<h1>About</h1>" {
		t.Errorf("output = %q", got)
	}
	if _, err := os.Stat(cfg.Site.CacheFile); err != nil {
		t.Errorf("cache not flushed: %v", err)
	}
	prom, err := os.ReadFile(cfg.Metrics.Textfile)
	if err != nil {
		t.Fatalf("metrics textfile: %v", err)
	}
	if !strings.Contains(string(prom), `tessera_files_written_total{kind="html"} 1`) {
		t.Errorf("metrics textfile missing html write:\n%s", prom)
	}

	var buf bytes.Buffer
	if err := ListOutputs(context.Background(), "html", WithConfig(cfg), WithStdout(&buf)); err != nil {
		t.Fatalf("list outputs: %v", err)
	}
	if !strings.Contains(buf.String(), "about/index.html") {
		t.Errorf("outputs listing = %q", buf.String())
	}
}

func TestRun_RequiresConfig(t *testing.T) {
	if err := Run(context.Background()); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestListOutputs_RequiresManifest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Manifest.Path = ""
	if err := ListOutputs(context.Background(), "", WithConfig(cfg)); err == nil {
		t.Fatal("expected error without manifest path")
	}
}
