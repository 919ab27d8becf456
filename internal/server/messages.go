// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/aibridge/aibridge/internal/apischema/anthropic"
	"github.com/aibridge/aibridge/internal/apischema/openai"
	"github.com/aibridge/aibridge/internal/metrics"
	"github.com/aibridge/aibridge/internal/tokencount"
	"github.com/aibridge/aibridge/internal/translator"
	"github.com/aibridge/aibridge/internal/transport"
)

// maxRequestBody bounds client request bodies.
const maxRequestBody = 32 << 20

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.serveMessages(w, r, false)
}

// handleMessagesStream serves the explicit streaming route; the body's
// stream flag is ignored.
func (s *Server) handleMessagesStream(w http.ResponseWriter, r *http.Request) {
	s.serveMessages(w, r, true)
}

func (s *Server) serveMessages(w http.ResponseWriter, r *http.Request, forceStream bool) {
	ctx := r.Context()
	rec := s.newMetrics()
	rec.StartRequest()

	req, oaReq, err := s.decodeMessagesRequest(r, rec)
	if err != nil {
		writeErrorResponse(w, err)
		rec.RecordRequestCompletion(ctx, false)
		return
	}

	payload, err := json.Marshal(oaReq)
	if err != nil {
		writeErrorResponse(w, err)
		rec.RecordRequestCompletion(ctx, false)
		return
	}
	correlationID := CorrelationID(ctx)
	logger := s.logger.With(
		slog.String("correlationID", correlationID),
		slog.String("model", req.Model),
		slog.String("upstreamModel", oaReq.Model),
	)

	if forceStream || req.Stream {
		s.streamMessages(w, r, rec, logger, req, oaReq, payload, correlationID)
		return
	}

	body, err := s.client.CreateResponse(ctx, payload, correlationID)
	if err != nil {
		logger.Error("upstream request failed", slog.String("error", err.Error()))
		writeErrorResponse(w, err)
		rec.RecordRequestCompletion(ctx, false)
		return
	}
	var resp openai.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		logger.Error("upstream returned unparseable body", slog.String("error", err.Error()))
		writeErrorResponse(w, &transport.UpstreamError{StatusCode: http.StatusBadGateway, Body: body})
		rec.RecordRequestCompletion(ctx, false)
		return
	}
	out := translator.ResponseToAnthropic(&resp, req.Model)
	rec.RecordTokenUsage(ctx, out.Usage)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
	rec.RecordRequestCompletion(ctx, true)
}

// streamMessages proxies one streaming request, translating upstream frames
// to Anthropic SSE as they arrive. Errors before the first byte return a
// JSON error body; errors after that surface as a terminal "error" frame.
func (s *Server) streamMessages(w http.ResponseWriter, r *http.Request, rec *metrics.Messages, logger *slog.Logger, req *anthropic.MessagesRequest, oaReq *openai.ResponsesRequest, payload []byte, correlationID string) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, fmt.Errorf("streaming unsupported by connection"))
		rec.RecordRequestCompletion(ctx, false)
		return
	}

	var initialUsage *anthropic.Usage
	if count, err := tokencount.CountRequest(oaReq); err == nil {
		initialUsage = &anthropic.Usage{InputTokens: int64(count)}
	}

	handle, err := s.client.StreamResponse(ctx, payload, correlationID)
	if err != nil {
		logger.Error("upstream stream failed", slog.String("error", err.Error()))
		writeErrorResponse(w, err)
		rec.RecordRequestCompletion(ctx, false)
		return
	}
	defer handle.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var finalUsage anthropic.Usage
	sink := func(event string, body any) error {
		if event == anthropic.EventContentBlockDelta {
			rec.RecordTokenLatency(ctx, 1)
		}
		if delta, ok := body.(anthropic.MessageDeltaEvent); ok {
			finalUsage = delta.Usage
		}
		if err := writeSSE(w, event, body); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	tr := translator.NewStreamTranslator(sink, translator.StreamOptions{
		InitialUsage:  initialUsage,
		ModelOverride: req.Model,
		Logger:        logger,
	})

	for {
		frame, err := handle.Events.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Error("upstream stream read failed", slog.String("error", err.Error()))
			s.writeStreamError(w, flusher, err)
			rec.RecordRequestCompletion(ctx, false)
			return
		}
		if err := tr.Process(frame.Event, gjson.Parse(frame.Data)); err != nil {
			logger.Error("stream translation failed", slog.String("error", err.Error()))
			rec.RecordRequestCompletion(ctx, false)
			return
		}
	}
	if !tr.Completed() {
		logger.Warn("upstream stream ended before response.completed")
	}
	rec.RecordTokenUsage(ctx, finalUsage)
	rec.RecordRequestCompletion(ctx, true)
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	_, oaReq, err := s.decodeMessagesRequest(r, nil)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	count, err := tokencount.CountRequest(oaReq)
	if err != nil {
		writeErrorResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"input_tokens": count})
}

// decodeMessagesRequest reads and validates the client body, resolves the
// upstream model and builds the Responses request.
func (s *Server) decodeMessagesRequest(r *http.Request, rec *metrics.Messages) (*anthropic.MessagesRequest, *openai.ResponsesRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, nil, &translator.InvalidRequestError{Message: "failed to read request body"}
	}
	var req anthropic.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, &translator.InvalidRequestError{Message: fmt.Sprintf("invalid request body: %v", err)}
	}
	if req.Model == "" {
		return nil, nil, &translator.InvalidRequestError{Message: "model is required"}
	}
	if rec != nil {
		rec.SetModel(req.Model)
	}
	upstreamModel, _, err := s.models.Resolve(req.Model, s.defaultModel)
	if err != nil {
		return nil, nil, &translator.InvalidRequestError{Message: err.Error()}
	}
	if upstreamModel == "" {
		// No mapping and no default configured: pass the client model
		// through unchanged.
		upstreamModel = req.Model
	}
	oaReq, err := translator.RequestToOpenAI(&req, upstreamModel)
	if err != nil {
		return nil, nil, err
	}
	return &req, oaReq, nil
}

func writeSSE(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// writeStreamError emits a terminal error frame on an already-started SSE
// response.
func (s *Server) writeStreamError(w http.ResponseWriter, flusher http.Flusher, err error) {
	_, envelope := errorResponseFor(err)
	if werr := writeSSE(w, anthropic.EventError, envelope); werr == nil {
		flusher.Flush()
	}
}
