// Command delaylog-server runs the delayed-message store.
// It loads configuration, opens the store under the node's data directory,
// serves Prometheus metrics and waits for a shutdown signal.
//
// Usage:
//
//	delaylog-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snehjoshi/delaylog/internal/config"
	"github.com/snehjoshi/delaylog/internal/metrics"
	"github.com/snehjoshi/delaylog/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "delaylog: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise metrics registry ───────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 4. Open the store (recovery + scheduler reload + ingestion) ──────────
	st, err := store.Open(cfg, store.WithMetrics(metricsReg))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	slog.Info("delaylog ready",
		"node_id", st.ID(),
		"data_dir", cfg.Node.DataDir,
		"commit_log_segment_bytes", cfg.Storage.CommitLogSegmentBytes,
		"consume_queue_segment_bytes", cfg.Storage.ConsumeQueueSegmentBytes,
		"max_delay", cfg.MaxDelay(),
		"pending", st.Pending(),
	)

	// ── 5. Start dedicated Prometheus metrics listener ───────────────────────
	serveErr := make(chan error, 1)
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metricsReg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	// ── 6. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		runErr = fmt.Errorf("metrics server: %w", err)
	}

	if metricsSrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	if err := st.Close(); err != nil {
		slog.Warn("store close error", "err", err)
		if runErr == nil {
			runErr = fmt.Errorf("close store: %w", err)
		}
	}

	slog.Info("delaylog stopped")
	return runErr
}
