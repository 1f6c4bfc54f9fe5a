// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/starford/tessera/internal/cache"
	"github.com/starford/tessera/internal/engine"
	"github.com/starford/tessera/internal/index"
	"github.com/starford/tessera/internal/logfields"
	"github.com/starford/tessera/internal/metrics"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/storage"
	"github.com/starford/tessera/internal/watcher"
)

func newApplication(opts []Option) (*application, error) {
	app := &application{stdout: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

func newLogger(cfg *Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// Run builds the site once and, in watch mode, keeps rebuilding on change
// until ctx is cancelled or a shutdown signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	watch := app.watch || cfg.Watch.Enabled

	logger := newLogger(cfg)
	logger.Info("Configuration loaded",
		slog.String("input_dir", cfg.Site.InputDir),
		slog.String("data_dir", cfg.Site.DataDir),
		slog.String("output_dir", cfg.Site.OutputDir),
		slog.String("manifest", cfg.Manifest.Path),
		slog.Bool("watch", watch),
		slog.String("log_level", cfg.App.LogLevel.String()))

	for _, dir := range []string{cfg.Site.OutputDir, cfg.Site.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	var writerOpts []storage.WriterOption
	writerOpts = append(writerOpts, storage.WithLogger(logger))
	if cfg.Manifest.Enabled() {
		db, err := index.Open(cfg.Manifest.Path)
		if err != nil {
			return fmt.Errorf("init manifest: %w", err)
		}
		defer db.Close()
		writerOpts = append(writerOpts, storage.WithMirror(db))
	}
	out, err := storage.NewWriter(cfg.Site.OutputDir, writerOpts...)
	if err != nil {
		return fmt.Errorf("init output: %w", err)
	}

	var recorder *metrics.PrometheusRecorder
	engineOpts := []engine.Option{engine.WithLogger(logger)}
	if cfg.Metrics.Textfile != "" {
		recorder = metrics.NewPrometheusRecorder(prom.NewRegistry())
		engineOpts = append(engineOpts, engine.WithMetrics(recorder))
	}

	store, err := cache.Open(cfg.Site.CacheFile)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	eng, err := engine.New(engine.Config{
		InputDir:         cfg.Site.InputDir,
		DataDir:          cfg.Site.DataDir,
		LivenessInterval: cfg.Generate.LivenessInterval,
		MaxRounds:        cfg.Generate.MaxRounds,
		Concurrency:      cfg.Generate.Concurrency,
	}, out, store, engineOpts...)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	var flushOnce sync.Once
	flush := func() {
		flushOnce.Do(func() {
			if err := eng.FlushCache(); err != nil {
				logger.Error("cache flush failed", logfields.Error(err))
			}
		})
	}
	defer flush()

	generate := func(ctx context.Context) error {
		err := eng.Generate(ctx)
		if recorder != nil {
			if werr := recorder.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
				logger.Warn("metrics textfile write failed", logfields.Error(werr))
			}
		}
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		if err := eng.IngestAll(); err != nil {
			return fmt.Errorf("ingest templates: %w", err)
		}
		if err := generate(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if !watch {
			return nil
		}

		w, err := watcher.New([]watcher.Root{
			{Path: cfg.Site.InputDir, Kind: models.ChangeTemplate},
			{Path: cfg.Site.DataDir, Kind: models.ChangeData},
		}, watcher.WithDebounce(cfg.Watch.Debounce), watcher.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("init watcher: %w", err)
		}
		return w.Watch(gCtx, func(batch []models.Change) {
			for _, ch := range batch {
				eng.HandleChange(ch)
			}
			if len(eng.Pending()) == 0 {
				return
			}
			if err := generate(gCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("generation pass failed", logfields.Error(err))
			}
		})
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-gCtx.Done():
		}
		return nil
	})

	err = g.Wait()
	flush()
	if err != nil {
		logger.Error("Application error", logfields.Error(err))
		return err
	}

	logger.Info("Build finished",
		slog.Int64("errors", eng.ErrorCount()),
		slog.Int("files", len(eng.FilesWritten())))
	return nil
}

// ListOutputs prints the manifest rows, optionally filtered by kind.
func ListOutputs(_ context.Context, kind string, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	if !app.config.Manifest.Enabled() {
		return fmt.Errorf("manifest.path is not configured")
	}
	db, err := index.Open(app.config.Manifest.Path)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer db.Close()

	rows, err := db.Outputs(kind)
	if err != nil {
		return err
	}
	return printOutputs(app.stdout, rows)
}

func printOutputs(w io.Writer, rows []index.OutputRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tKIND\tWRITES\tMODIFIED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.Path, r.Kind, r.Writes, r.Modified.Format(time.RFC3339))
	}
	return tw.Flush()
}
