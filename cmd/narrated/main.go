package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/narrator-go/internal/api"
	"github.com/dgnsrekt/narrator-go/internal/config"
	"github.com/dgnsrekt/narrator-go/internal/integrity"
	"github.com/dgnsrekt/narrator-go/internal/ledger"
	"github.com/dgnsrekt/narrator-go/internal/logging"
	"github.com/dgnsrekt/narrator-go/internal/notify"
	"github.com/dgnsrekt/narrator-go/internal/observe"
	"github.com/dgnsrekt/narrator-go/internal/pipeline"
	"github.com/dgnsrekt/narrator-go/internal/reference"
	"github.com/dgnsrekt/narrator-go/internal/storage"
	"github.com/dgnsrekt/narrator-go/internal/synth"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration from CONFIG_FILE and the environment
	cfg, err := config.Load()
	if err != nil {
		// Use stderr before logger is initialized
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	// Initialize structured logger
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting narrated", "version", version)

	// Warn if bearer token auth is disabled
	if cfg.AuthDisabled() {
		logger.Warn("HTTP bearer authentication is disabled (BEARER_TOKEN is empty)")
	}
	if cfg.InferenceURL == "" {
		logger.Warn("INFERENCE_URL is empty, every render will fail")
	}

	// Log loaded configuration (without sensitive values)
	logger.Info("configuration loaded",
		"log_level", cfg.LogLevel,
		"log_format", cfg.LogFormat,
		"http_port", cfg.HTTPPort,
		"inference_url", cfg.InferenceURL,
		"poll_interval", cfg.PollInterval,
		"poll_max_attempts", cfg.PollMaxAttempts,
		"synth_concurrency", cfg.SynthConcurrency,
		"max_chunk_length", cfg.MaxChunkLength,
		"max_text_length", cfg.MaxTextLength,
		"storage_dir", cfg.StorageDir,
		"ledger_path", cfg.LedgerPath,
		"nats_url", cfg.NATSURL,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	// Telemetry
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "narrator",
		ServiceVersion: version,
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := observe.NewMetrics(provider.MeterProvider)
	if err != nil {
		logger.Error("failed to create metrics", "error", err)
		return 1
	}

	// Storage for finished narrations
	store, err := storage.NewLocal(cfg.StorageDir, cfg.PublicBaseURL, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		return 1
	}

	// Render ledger
	renders, err := ledger.Open(ctx, cfg.LedgerPath, logger)
	if err != nil {
		logger.Error("failed to open render ledger", "error", err)
		return 1
	}
	defer renders.Close()

	// Integrity notifications
	notifier, err := notify.Connect(cfg.NATSURL, cfg.NATSSubject, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		return 1
	}
	defer notifier.Close()

	analyzer := integrity.NewAnalyzer(integrity.DefaultOptions(), logger)

	deps := pipeline.Deps{
		Synthesizer: synth.NewClient(synth.Config{
			BaseURL:      cfg.InferenceURL,
			APIKey:       cfg.InferenceAPIKey,
			Prompt:       cfg.InferencePrompt,
			PollInterval: cfg.PollInterval,
			MaxAttempts:  cfg.PollMaxAttempts,
		}, logger),
		References: reference.NewLoader(cfg.ReferenceMaxBytes, cfg.ReferenceTimeout, logger),
		Uploader:   store,
		Analyzer:   analyzer,
		Ledger:     renders,
		Metrics:    metrics,
	}
	// Leave Publisher unset when NATS is disabled.
	if notifier != nil {
		deps.Publisher = notifier
		logger.Info("publishing integrity reports", "subject", notifier.Subject())
	}

	orchestrator, err := pipeline.New(pipeline.Config{
		MaxChunkLength: cfg.MaxChunkLength,
		MaxTextLength:  cfg.MaxTextLength,
		Concurrency:    cfg.SynthConcurrency,
	}, deps, logger)
	if err != nil {
		logger.Error("failed to create pipeline", "error", err)
		return 1
	}

	// Create HTTP server
	apiDeps := api.Deps{
		Narrator:       orchestrator,
		Notifier:       notifier,
		Analyzer:       analyzer,
		Metrics:        metrics,
		MetricsHandler: provider.Handler(),
		Media:          store.Handler(),
	}
	// Without a ledger, lookups answer 404 and readyz skips the check.
	if renders.Enabled() {
		apiDeps.Renders = renders
	}
	server := api.New(cfg, logger, apiDeps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}
