// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aibridge/aibridge/internal/codexauth"
	"github.com/aibridge/aibridge/internal/metrics"
	"github.com/aibridge/aibridge/internal/modelmap"
	"github.com/aibridge/aibridge/internal/server"
	"github.com/aibridge/aibridge/internal/transport"
	"github.com/aibridge/aibridge/internal/version"
)

// defaultCodexInstructions backs codex-mode requests when neither the client
// nor CODEX_DEFAULT_INSTRUCTIONS supplies instructions; the backend rejects
// requests without them.
const defaultCodexInstructions = "You are a helpful coding assistant."

const shutdownTimeout = 10 * time.Second

// serve assembles the bridge from the parsed flags and runs the API and
// admin servers until ctx is cancelled.
func serve(ctx context.Context, c cmdServe, stdout, stderr io.Writer) error {
	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	models, err := modelmap.Parse(c.ModelMapJSON)
	if err != nil {
		return fmt.Errorf("invalid MODEL_MAP_JSON: %w", err)
	}

	tcfg := transport.Config{Logger: logger}
	system := metrics.SystemOpenAI
	switch c.UpstreamMode {
	case "codex":
		auth, err := codexauth.NewManager(c.CodexAuthPath, c.CodexRefreshURLOverride)
		if err != nil {
			return err
		}
		instructions := c.CodexDefaultInstructions
		if instructions == "" {
			instructions = defaultCodexInstructions
		}
		tcfg.Mode = transport.ModeCodex
		tcfg.BaseURL = c.CodexBaseURL
		tcfg.Auth = auth
		tcfg.DefaultInstructions = instructions
		system = metrics.SystemChatGPT
	default:
		tcfg.Mode = transport.ModeDirect
		tcfg.BaseURL = c.OpenAIBaseURL
		tcfg.APIKey = c.OpenAIAPIKey
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	meter, shutdownMetrics, err := metrics.NewMeterFromEnv(ctx, stdout, registry)
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}

	srv := server.New(server.Config{
		Client:       transport.NewClient(tcfg),
		Models:       models,
		DefaultModel: c.DefaultModel,
		Metrics:      metrics.NewMessagesFactory(meter, system),
		Logger:       logger,
	})

	api := &http.Server{
		Addr:              c.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	admin := &http.Server{
		Addr:              c.AdminAddr,
		Handler:           adminHandler(registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting aibridge",
		slog.String("version", version.Current()),
		slog.String("mode", c.UpstreamMode),
		slog.String("listenAddr", c.ListenAddr),
		slog.String("adminAddr", c.AdminAddr),
		slog.Int("modelMapEntries", models.Len()),
	)

	errCh := make(chan error, 2)
	go func() {
		if err := api.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", slog.String("error", runErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = api.Shutdown(shutdownCtx)
	_ = admin.Shutdown(shutdownCtx)
	if err := shutdownMetrics(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown failed", slog.String("error", err.Error()))
	}
	return runErr
}

// adminHandler serves the operational endpoints: liveness and the Prometheus
// scrape target.
func adminHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version.Current(),
		})
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}
