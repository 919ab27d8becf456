// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package server exposes the Anthropic Messages API over an OpenAI
// Responses backend.
package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/aibridge/aibridge/internal/metrics"
	"github.com/aibridge/aibridge/internal/modelmap"
	"github.com/aibridge/aibridge/internal/transport"
)

// Config assembles a Server.
type Config struct {
	Client *transport.Client
	// Models maps client model names to upstream models; nil means no
	// mapping.
	Models *modelmap.Map
	// DefaultModel backs requests whose model has no mapping; empty means
	// pass the client model through unchanged.
	DefaultModel string
	Metrics      metrics.MessagesFactory
	Logger       *slog.Logger
}

// Server handles the Anthropic-facing HTTP surface.
type Server struct {
	client       *transport.Client
	models       *modelmap.Map
	defaultModel string
	newMetrics   metrics.MessagesFactory
	logger       *slog.Logger
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	models := cfg.Models
	if models == nil {
		models = &modelmap.Map{}
	}
	newMetrics := cfg.Metrics
	if newMetrics == nil {
		newMetrics = metrics.NewMessagesFactory(otel.Meter("aibridge"), metrics.SystemOpenAI)
	}
	return &Server{
		client:       cfg.Client,
		models:       models,
		defaultModel: cfg.DefaultModel,
		newMetrics:   newMetrics,
		logger:       logger,
	}
}

// Handler returns the request router with the correlation-id middleware
// applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/messages/stream", s.handleMessagesStream)
	mux.HandleFunc("POST /v1/messages/count_tokens", s.handleCountTokens)
	mux.HandleFunc("POST /v1/messages/token_count", s.handleCountTokens)
	mux.HandleFunc("POST /api/event_logging/batch", s.handleEventLogging)
	return s.withCorrelationID(mux)
}

type correlationKey struct{}

// CorrelationID returns the request correlation id, or "" outside a
// request.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// withCorrelationID tags every request with an X-Correlation-ID, minting
// one when the client did not send it, and echoes it on the response.
func (s *Server) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", id)
		ctx := context.WithValue(r.Context(), correlationKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleEventLogging accepts the Anthropic client telemetry batches and
// discards them; acknowledging the batch keeps clients from retrying.
func (s *Server) handleEventLogging(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	w.WriteHeader(http.StatusNoContent)
}
