// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package transport issues Responses API calls against either a generic
// OpenAI-compatible backend (API key) or the ChatGPT Codex backend (OAuth
// tokens), hiding the differences between the two from the handlers.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aibridge/aibridge/internal/codexauth"
)

// Mode selects the upstream flavor.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeCodex  Mode = "codex"
)

const (
	directTimeout = 60 * time.Second
	streamTimeout = 300 * time.Second

	maxErrorBody = 1 << 20
)

// UpstreamError carries a non-2xx upstream response through to the error
// envelope untouched.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Config assembles a Client.
type Config struct {
	Mode    Mode
	BaseURL string
	// APIKey authenticates direct-mode requests.
	APIKey string
	// Auth supplies and refreshes Codex tokens; required in codex mode.
	Auth *codexauth.Manager
	// DefaultInstructions fills the instructions field Codex requires when
	// the client sent none.
	DefaultInstructions string
	Logger              *slog.Logger
}

// Client is a mode-aware Responses API client. It is safe for concurrent
// use.
type Client struct {
	mode                Mode
	baseURL             string
	apiKey              string
	auth                *codexauth.Manager
	defaultInstructions string
	logger              *slog.Logger

	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		mode:                cfg.Mode,
		baseURL:             strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:              cfg.APIKey,
		auth:                cfg.Auth,
		defaultInstructions: cfg.DefaultInstructions,
		logger:              logger,
		httpClient:          &http.Client{Timeout: directTimeout},
		streamClient:        &http.Client{Timeout: streamTimeout},
	}
}

// StreamHandle is an open upstream SSE stream. Close releases the
// connection.
type StreamHandle struct {
	Events *EventStream
	body   io.ReadCloser
}

func (h *StreamHandle) Close() error { return h.body.Close() }

// CreateResponse issues a non-streaming request and returns the raw
// Responses API response object. In codex mode the backend only streams, so
// the response is reassembled from its terminal frame.
func (c *Client) CreateResponse(ctx context.Context, payload []byte, correlationID string) ([]byte, error) {
	if c.mode == ModeCodex {
		return c.createViaCodexStream(ctx, payload, correlationID)
	}
	payload, _ = sjson.DeleteBytes(payload, "stream")
	resp, err := c.doDirectWithFallback(ctx, payload, correlationID, c.httpClient, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	return body, nil
}

// StreamResponse issues a streaming request and hands back the open SSE
// stream.
func (c *Client) StreamResponse(ctx context.Context, payload []byte, correlationID string) (*StreamHandle, error) {
	var resp *http.Response
	var err error
	if c.mode == ModeCodex {
		resp, err = c.doCodex(ctx, c.prepareCodexPayload(payload), correlationID, c.streamClient)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, drainUpstreamError(resp)
		}
	} else {
		payload, _ = sjson.SetBytes(payload, "stream", true)
		resp, err = c.doDirectWithFallback(ctx, payload, correlationID, c.streamClient, true)
		if err != nil {
			return nil, err
		}
	}
	return &StreamHandle{Events: NewEventStream(resp.Body), body: resp.Body}, nil
}

// doDirectWithFallback POSTs a direct-mode payload, retrying simplified
// payloads when a local LM Studio backend rejects the input shape. A
// returned response always has a 2xx status.
func (c *Client) doDirectWithFallback(ctx context.Context, payload []byte, correlationID string, client *http.Client, streaming bool) (*http.Response, error) {
	resp, err := c.post(ctx, payload, correlationID, codexauth.Tokens{}, client, streaming)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	upstreamErr := drainUpstreamError(resp)
	if resp.StatusCode != http.StatusBadRequest ||
		!IsLMStudioBaseURL(c.baseURL) ||
		!IsInvalidInputUnion(upstreamErr.Body) {
		return nil, upstreamErr
	}

	for _, candidate := range FallbackPayloads(payload) {
		c.logger.Info("retrying with simplified payload for local backend",
			slog.String("correlationID", correlationID))
		resp, err = c.post(ctx, candidate, correlationID, codexauth.Tokens{}, client, streaming)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		upstreamErr = drainUpstreamError(resp)
	}
	return nil, upstreamErr
}

// doCodex POSTs with a fresh access token, forcing one refresh-and-retry on
// a 401.
func (c *Client) doCodex(ctx context.Context, payload []byte, correlationID string, client *http.Client) (*http.Response, error) {
	tokens, err := c.auth.EnsureFresh(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, payload, correlationID, tokens, client, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck
	resp.Body.Close()
	c.logger.Info("upstream rejected codex token, refreshing",
		slog.String("correlationID", correlationID))
	tokens, err = c.auth.ForceRefresh(ctx)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, payload, correlationID, tokens, client, true)
}

// createViaCodexStream drives a streaming request to completion and
// extracts the final response object from the response.completed frame.
func (c *Client) createViaCodexStream(ctx context.Context, payload []byte, correlationID string) ([]byte, error) {
	resp, err := c.doCodex(ctx, c.prepareCodexPayload(payload), correlationID, c.streamClient)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, drainUpstreamError(resp)
	}

	stream := NewEventStream(resp.Body)
	for {
		frame, err := stream.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("upstream stream ended without response.completed")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read upstream stream: %w", err)
		}
		parsed := gjson.Parse(frame.Data)
		frameType := parsed.Get("type").String()
		if frameType == "" {
			frameType = frame.Event
		}
		switch frameType {
		case "response.completed":
			if inner := parsed.Get("response"); inner.IsObject() {
				return []byte(inner.Raw), nil
			}
			return nil, fmt.Errorf("response.completed frame missing response object")
		case "response.failed", "error":
			return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Body: []byte(frame.Data)}
		}
	}
}

// prepareCodexPayload rewrites a direct-shaped payload into what the Codex
// backend accepts: streaming is mandatory, responses are not stored, token
// caps are unsupported, instructions are required, and assistant history
// must use output_text spans.
func (c *Client) prepareCodexPayload(payload []byte) []byte {
	p := payload
	if !gjson.GetBytes(p, "store").Exists() {
		p, _ = sjson.SetBytes(p, "store", false)
	}
	p, _ = sjson.SetBytes(p, "stream", true)
	for _, field := range []string{"max_output_tokens", "max_tokens", "max_tool_calls"} {
		p, _ = sjson.DeleteBytes(p, field)
	}
	if instructions := gjson.GetBytes(p, "instructions"); instructions.String() == "" && c.defaultInstructions != "" {
		p, _ = sjson.SetBytes(p, "instructions", c.defaultInstructions)
	}

	itemIndex := 0
	gjson.GetBytes(p, "input").ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "message" && item.Get("role").String() == "assistant" {
			spanIndex := 0
			item.Get("content").ForEach(func(_, span gjson.Result) bool {
				if span.Get("type").String() == "input_text" {
					path := fmt.Sprintf("input.%d.content.%d.type", itemIndex, spanIndex)
					p, _ = sjson.SetBytes(p, path, "output_text")
				}
				spanIndex++
				return true
			})
		}
		itemIndex++
		return true
	})
	return p
}

func (c *Client) post(ctx context.Context, payload []byte, correlationID string, tokens codexauth.Tokens, client *http.Client, streaming bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	if correlationID != "" {
		req.Header.Set("X-Correlation-ID", correlationID)
	}
	if c.mode == ModeCodex {
		req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
		if tokens.AccountID != "" {
			req.Header.Set("ChatGPT-Account-ID", tokens.AccountID)
		}
	} else if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		// Network failures have no upstream status; surface them as a
		// synthesized 502.
		return nil, &UpstreamError{
			StatusCode: http.StatusBadGateway,
			Body:       []byte(fmt.Sprintf("upstream request failed: %v", err)),
		}
	}
	return resp, nil
}

// drainUpstreamError consumes and closes an error response's body.
func drainUpstreamError(resp *http.Response) *UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	return &UpstreamError{StatusCode: resp.StatusCode, Body: body}
}
