// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package transport

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aibridge/aibridge/internal/apischema/openai"
)

// LM Studio's Responses endpoint rejects the message shapes this proxy
// emits (multi-span content, non-user roles) with an invalid_union error.
// When a request to a local LM Studio-looking backend fails that way, the
// payload is progressively simplified and retried.

// IsLMStudioBaseURL reports whether the base URL looks like a local LM
// Studio server: loopback host with the default port 1234 or no port.
func IsLMStudioBaseURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if host != "localhost" && host != "127.0.0.1" && host != "::1" {
		return false
	}
	port := parsed.Port()
	return port == "" || port == "1234"
}

// IsInvalidInputUnion reports whether an error body is LM Studio's
// input-shape rejection. The caller has already checked for HTTP 400.
func IsInvalidInputUnion(body []byte) bool {
	parsed := gjson.ParseBytes(body)
	return parsed.Get("error.param").String() == "input" &&
		parsed.Get("error.code").String() == "invalid_union"
}

// FallbackPayloads returns the simplified payloads to retry with, in order.
// Rewrites that change nothing are dropped so each POST is meaningfully
// different from the last.
func FallbackPayloads(payload []byte) [][]byte {
	var candidates [][]byte
	previous := payload
	for _, rewrite := range []func([]byte) ([]byte, error){normalizeInput, collapseInput} {
		candidate, err := rewrite(payload)
		if err != nil || bytes.Equal(candidate, previous) {
			continue
		}
		candidates = append(candidates, candidate)
		previous = candidate
	}
	return candidates
}

// normalizeInput flattens every message item to a single user input_text
// span, folding multi-span content with blank lines and prefixing non-user
// content with its role. Non-message items pass through untouched.
func normalizeInput(payload []byte) ([]byte, error) {
	items, err := decodeInput(payload)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Type != openai.InputItemTypeMessage {
			continue
		}
		text := joinSpans(items[i].Content)
		if items[i].Role != "" && items[i].Role != "user" {
			text = capitalize(items[i].Role) + ": " + text
		}
		items[i] = openai.InputItem{
			Type:    openai.InputItemTypeMessage,
			Role:    "user",
			Content: []openai.ContentSpan{{Type: openai.SpanTypeInputText, Text: text}},
		}
	}
	return encodeInput(payload, items)
}

// collapseInput folds the whole conversation into one user message, each
// original message rendered as a [role] heading over its text. Non-message
// items are dropped.
func collapseInput(payload []byte) ([]byte, error) {
	items, err := decodeInput(payload)
	if err != nil {
		return nil, err
	}
	var sections []string
	for i := range items {
		if items[i].Type != openai.InputItemTypeMessage {
			continue
		}
		role := items[i].Role
		if role == "" {
			role = "user"
		}
		sections = append(sections, "["+role+"]\n"+joinSpans(items[i].Content))
	}
	collapsed := []openai.InputItem{{
		Type:    openai.InputItemTypeMessage,
		Role:    "user",
		Content: []openai.ContentSpan{{Type: openai.SpanTypeInputText, Text: strings.Join(sections, "\n\n")}},
	}}
	return encodeInput(payload, collapsed)
}

func decodeInput(payload []byte) ([]openai.InputItem, error) {
	raw := gjson.GetBytes(payload, "input")
	if !raw.IsArray() {
		return nil, nil
	}
	var items []openai.InputItem
	if err := json.Unmarshal([]byte(raw.Raw), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func encodeInput(payload []byte, items []openai.InputItem) ([]byte, error) {
	encoded, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(payload, "input", encoded)
}

func joinSpans(spans []openai.ContentSpan) string {
	parts := make([]string, 0, len(spans))
	for i := range spans {
		parts = append(parts, spans[i].Text)
	}
	return strings.Join(parts, "\n\n")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
