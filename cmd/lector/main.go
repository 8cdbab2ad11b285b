// Package main provides the lector binary entry point.
// Lector turns live web pages into LLM-ready text: it crawls with a
// headless browser pool, serves formatted pages over HTTP and runs the
// page-interrogation loop against an OpenAI-compatible model.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/lectorlabs/lector/browser"
	"github.com/lectorlabs/lector/config"
	"github.com/lectorlabs/lector/crunch"
	"github.com/lectorlabs/lector/events"
	"github.com/lectorlabs/lector/format"
	"github.com/lectorlabs/lector/interrogate"
	"github.com/lectorlabs/lector/llm"
	"github.com/lectorlabs/lector/metrics"
	"github.com/lectorlabs/lector/server"
	"github.com/lectorlabs/lector/storage"
	"github.com/lectorlabs/lector/tools"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "lector"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "URL-to-text reader service",
		Long: `Lector fetches live web pages with a headless browser pool and
serves them as clean markdown, plain text, raw HTML or screenshots.

It provides:
- /crawl for one-shot page reads with content-negotiated output
- /interrogate and /v1/chat/completions for LLM question answering
  with browse/search tool calls against live pages
- a nightly crunch job archiving crawled pages as JSONL batches`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and nightly crunch scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "crunch",
		Short: "Run the archive export once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrunch(cmd.Context(), configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default user config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.NewLoader(nil).EnsureUserConfig()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	loader := config.NewLoader(logger)
	if configPath != "" {
		return loader.LoadFile(configPath)
	}
	return loader.Load()
}

// stores opens the record and object stores the config selects: NATS
// JetStream KV and GCS when configured, in-memory fallbacks otherwise.
func stores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.RecordStore, storage.ObjectStore, *nats.Conn, error) {
	var records storage.RecordStore = storage.NewMemoryRecordStore()
	var objects storage.ObjectStore = storage.NewMemoryObjectStore()
	var nc *nats.Conn

	if cfg.NATS.URL != "" {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name(appName))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, nil, nil, fmt.Errorf("open JetStream: %w", err)
		}
		kv, err := storage.NewKVRecordStore(ctx, js)
		if err != nil {
			conn.Close()
			return nil, nil, nil, err
		}
		records = kv
		nc = conn
		logger.Info("Record store ready", "backend", "nats-kv", "url", cfg.NATS.URL)
	} else {
		logger.Warn("No NATS URL configured, crawl records are in-memory only")
	}

	if cfg.Storage.Bucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			if nc != nil {
				nc.Close()
			}
			return nil, nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		objects = storage.NewGCSObjectStore(client, cfg.Storage.Bucket)
		logger.Info("Object store ready", "backend", "gcs", "bucket", cfg.Storage.Bucket)
	} else {
		logger.Warn("No bucket configured, snapshots are in-memory only")
	}

	return records, objects, nc, nil
}

func runServe(configPath, logLevel string) error {
	printBanner()
	logger := newLogger(logLevel)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	records, objects, nc, err := stores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Close()
	}
	publisher := events.NewPublisher(nc, logger)

	m := metrics.New()

	pool, err := browser.NewPool(cfg.Browser,
		browser.WithLogger(logger),
		browser.WithLeaseGauge(func(inUse int) { m.LeasesInUse.Set(float64(inUse)) }),
	)
	if err != nil {
		return fmt.Errorf("launch browser pool: %w", err)
	}
	defer pool.Close()

	pipeline := browser.NewPipeline(pool, cfg.Browser.NavTimeout,
		browser.WithPipelineLogger(logger),
		browser.WithYieldHook(func(final bool) {
			kind := "interim"
			if final {
				kind = "final"
			}
			m.SnapshotsYielded.WithLabelValues(kind).Inc()
		}),
	)

	formatter := format.NewFormatter(&storage.Screenshots{Objects: objects})
	crawler := &timedCrawler{
		inner:    server.NewPageCrawler(pipeline, formatter, logger),
		duration: m.ScrapeDuration,
	}

	registry := tools.NewRegistry()
	if err := registry.Register(tools.NewBrowseTool(func(ctx context.Context, pageURL string) (string, error) {
		page, _, err := crawler.Crawl(ctx, server.CrawlRequest{URL: pageURL, Mode: format.ModeDefault})
		if err != nil {
			return "", err
		}
		return page.String(), nil
	})); err != nil {
		return fmt.Errorf("register browse tool: %w", err)
	}
	// No search backend is wired yet; the tool stays registered so models
	// get a useful refusal instead of an unknown-tool error.
	if err := registry.Register(tools.NewSearchTool(nil)); err != nil {
		return fmt.Errorf("register search tool: %w", err)
	}

	client := llm.NewClient(cfg.Model.Endpoint, cfg.Model.APIKey, llm.WithLogger(logger))
	interrogator := interrogate.New(client, registry,
		interrogate.WithLogger(logger),
		interrogate.WithTurnHook(func(outcome string) { m.Turns.WithLabelValues(outcome).Inc() }),
		interrogate.WithToolHook(func(tool, outcome string) { m.ToolCalls.WithLabelValues(tool, outcome).Inc() }),
	)

	cruncher := crunch.New(records, objects, cfg.Crunch, crunch.WithLogger(logger))
	scheduler := crunch.NewScheduler(cruncher, logger)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start crunch scheduler: %w", err)
	}
	defer scheduler.Stop()

	srv := server.New(cfg, crawler, interrogator, records, objects, cruncher,
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithPublisher(publisher),
	)

	if configPath != "" {
		if err := watchConfig(ctx, configPath, srv, logger); err != nil {
			logger.Warn("Config watcher unavailable", "path", configPath, "error", err)
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Lector ready", "version", Version, "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping http server", "error", err)
	}

	logger.Info("Lector shutdown complete")
	return nil
}

// watchConfig reloads the config file on change and applies it to the
// running server.
func watchConfig(ctx context.Context, path string, srv *server.Server, logger *slog.Logger) error {
	watcher, err := config.NewWatcher(path, logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case next := <-watcher.Updates():
				srv.ApplyConfig(next)
			}
		}
	}()
	return nil
}

func runCrunch(ctx context.Context, configPath, logLevel string) error {
	logger := newLogger(logLevel)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	records, objects, nc, err := stores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Close()
	}
	publisher := events.NewPublisher(nc, logger)

	cruncher := crunch.New(records, objects, cfg.Crunch, crunch.WithLogger(logger))
	return cruncher.Run(ctx, time.Now(), func(name string) {
		publisher.CrunchFileWritten(name)
		logger.Info("Archive file written", "file", name)
	})
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Lector v" + Version + "                      ║")
	fmt.Println("║        URL-to-Text Reader Service             ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}
