// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/pixelforge/kiln/internal/config"
	"github.com/pixelforge/kiln/internal/engine/device"
	"github.com/pixelforge/kiln/internal/engine/events"
	"github.com/pixelforge/kiln/internal/engine/processor"
	"github.com/pixelforge/kiln/internal/engine/queue"
	"github.com/pixelforge/kiln/internal/engine/runner"
	"github.com/pixelforge/kiln/internal/engine/signal"
	"github.com/pixelforge/kiln/internal/engine/stats"
	"github.com/pixelforge/kiln/internal/log"
	"github.com/pixelforge/kiln/internal/metrics"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configPath   = flag.String("config", "", "Path to YAML config file")
		backend      = flag.String("backend", "", "Queue backend (sqlite, memory)")
		dbPath       = flag.String("db", "", "SQLite queue database path")
		pollInterval = flag.Duration("poll-interval", 0, "Empty-queue polling interval")
		workers      = flag.Int("workers", 0, "Number of session workers")
		metricsAddr  = flag.String("metrics-addr", "", "Listen address for the /metrics endpoint")
		profile      = flag.Bool("profile", false, "Record one CPU profile per session")
		profileDir   = flag.String("profile-dir", "", "Directory for profile and stats output")
		traceSpans   = flag.Bool("trace", false, "Export spans to stdout")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("kilnd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Initialize structured logging from environment
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", log.Error(err))
		os.Exit(1)
	}

	// Apply CLI flag overrides
	if *backend != "" {
		cfg.Queue.Backend = *backend
	}
	if *dbPath != "" {
		cfg.Queue.Path = *dbPath
	}
	if *pollInterval > 0 {
		cfg.Processor.PollingInterval = *pollInterval
	}
	if *workers > 0 {
		cfg.Processor.WorkerCount = *workers
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if *profile {
		cfg.Profiling.Enabled = true
	}
	if *profileDir != "" {
		cfg.Profiling.OutputDir = *profileDir
	}
	if *traceSpans {
		cfg.Tracing.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon error", log.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	q, err := openQueue(cfg)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer q.Close()

	// Metrics: OTel meter backed by a Prometheus registry, served over HTTP.
	registry := promclient.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer meterProvider.Shutdown(context.Background())

	collector, err := metrics.NewCollector(meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", slog.String("addr", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", log.Error(err))
			}
		}()
	}

	// Tracing: stdout span export, off by default.
	var tracer trace.Tracer
	if cfg.Tracing.Enabled {
		traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
		defer tracerProvider.Shutdown(context.Background())
		tracer = tracerProvider.Tracer("kiln")
	}

	var profiler *stats.Profiler
	if cfg.Profiling.Enabled {
		profiler = stats.NewProfiler(logger, cfg.Profiling.OutputDir, cfg.Profiling.Prefix)
	}

	bus := events.NewBus()
	defer bus.Close()

	signals := signal.New()
	statsCollector := stats.NewCollector(logger)

	sessionRunner := runner.New(runner.Config{
		Logger:   logger,
		Emitter:  bus,
		Stats:    statsCollector,
		Cancel:   signals.Cancel,
		NextMu:   &sync.Mutex{},
		Profiler: profiler,
		Metrics:  collector,
		Tracer:   tracer,
	})

	proc := processor.New(processor.Config{
		Logger:          logger,
		Queue:           q,
		Emitter:         bus,
		Bus:             bus,
		Runner:          sessionRunner,
		Signals:         signals,
		Devices:         device.NewPool(cfg.Processor.Devices...),
		Metrics:         collector,
		PollingInterval: cfg.Processor.PollingInterval,
		WorkerCount:     cfg.Processor.WorkerCount,
	})
	if err := proc.Start(); err != nil {
		return err
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", slog.String("signal", sig.String()))

	// A paused processor cannot observe Stop; resume it first.
	proc.Resume()
	proc.Stop()
	proc.Wait()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics endpoint shutdown failed", log.Error(err))
		}
	}
	return nil
}

// openQueue constructs the configured queue backend.
func openQueue(cfg *config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "sqlite":
		return queue.NewSQLiteQueue(queue.SQLiteConfig{Path: cfg.Queue.Path})
	case "memory":
		return queue.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}
