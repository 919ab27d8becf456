// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aibridge/aibridge/internal/apischema/anthropic"
	"github.com/aibridge/aibridge/internal/apischema/openai"
)

func parseResponse(t *testing.T, raw string) *openai.Response {
	t.Helper()
	var resp openai.Response
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	return &resp
}

func TestResponseToAnthropic_TextMessage(t *testing.T) {
	resp := parseResponse(t, `{
		"id": "resp_1",
		"model": "gpt-4o-2024-08-06",
		"status": "completed",
		"output": [{"type": "message", "role": "assistant", "content": [
			{"type": "output_text", "text": "Hello!"}
		]}],
		"usage": {"input_tokens": 10, "output_tokens": 3}
	}`)
	out := ResponseToAnthropic(resp, "claude-sonnet-4")
	require.Equal(t, "resp_1", out.ID)
	require.Equal(t, "message", out.Type)
	require.Equal(t, "assistant", out.Role)
	require.Equal(t, "claude-sonnet-4", out.Model)
	require.Len(t, out.Content, 1)
	require.Equal(t, anthropic.ContentBlockTypeText, out.Content[0].Type)
	require.Equal(t, "Hello!", out.Content[0].Text)
	require.NotNil(t, out.StopReason)
	require.Equal(t, anthropic.StopReasonEndTurn, *out.StopReason)
	require.Equal(t, int64(10), out.Usage.InputTokens)
	require.Equal(t, int64(3), out.Usage.OutputTokens)
}

func TestResponseToAnthropic_ModelFallsBackToUpstream(t *testing.T) {
	resp := parseResponse(t, `{"model": "gpt-4o", "output": []}`)
	out := ResponseToAnthropic(resp, "")
	require.Equal(t, "gpt-4o", out.Model)
}

func TestResponseToAnthropic_FunctionCall(t *testing.T) {
	resp := parseResponse(t, `{
		"id": "resp_2",
		"status": "completed",
		"output": [
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "Checking."}]},
			{"type": "function_call", "call_id": "call_9", "name": "get_weather", "arguments": "{\"city\":\"SF\"}"}
		]
	}`)
	out := ResponseToAnthropic(resp, "")
	require.Len(t, out.Content, 2)
	require.Equal(t, anthropic.ContentBlockTypeToolUse, out.Content[1].Type)
	require.Equal(t, "call_9", out.Content[1].ID)
	require.Equal(t, "get_weather", out.Content[1].Name)
	require.Equal(t, map[string]any{"city": "SF"}, out.Content[1].Input)
	require.Equal(t, anthropic.StopReasonToolUse, *out.StopReason)
}

func TestResponseToAnthropic_MalformedArguments(t *testing.T) {
	resp := parseResponse(t, `{
		"output": [{"type": "function_call", "call_id": "c", "name": "f", "arguments": "not json"}]
	}`)
	out := ResponseToAnthropic(resp, "")
	require.Equal(t, map[string]any{}, out.Content[0].Input)
}

func TestResponseToAnthropic_StopReasons(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
		want anthropic.StopReason
	}{
		{
			"incomplete max tokens",
			`{"status": "incomplete", "incomplete_details": {"reason": "max_output_tokens"}, "output": []}`,
			anthropic.StopReasonMaxTokens,
		},
		{
			"incomplete content filter",
			`{"status": "incomplete", "incomplete_details": {"reason": "content_filter"}, "output": []}`,
			anthropic.StopReasonRefusal,
		},
		{
			"function call wins over truncation",
			`{"status": "incomplete", "incomplete_details": {"reason": "max_output_tokens"},
				"output": [{"type": "function_call", "call_id": "c", "name": "f", "arguments": "{}"}]}`,
			anthropic.StopReasonToolUse,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out := ResponseToAnthropic(parseResponse(t, tc.raw), "")
			require.Equal(t, tc.want, *out.StopReason)
		})
	}
}

func TestResponseToAnthropic_Citations(t *testing.T) {
	resp := parseResponse(t, `{
		"output": [{"type": "message", "role": "assistant", "content": [{
			"type": "output_text",
			"text": "Go is at go.dev today.",
			"annotations": [{"type": "url_citation", "url": "https://go.dev", "title": "Go",
				"start_index": 9, "end_index": 15}]
		}]}]
	}`)
	out := ResponseToAnthropic(resp, "")
	require.Len(t, out.Content, 1)
	require.Len(t, out.Content[0].Citations, 1)
	citation := out.Content[0].Citations[0]
	require.Equal(t, anthropic.CitationTypeWebSearchResultLocation, citation.Type)
	require.Equal(t, "https://go.dev", citation.URL)
	require.Equal(t, "Go", citation.Title)
	require.Equal(t, "go.dev", citation.CitedText)
}

func TestResponseToAnthropic_CitationIndicesClamped(t *testing.T) {
	resp := parseResponse(t, `{
		"output": [{"type": "message", "role": "assistant", "content": [{
			"type": "output_text",
			"text": "short",
			"annotations": [{"type": "url_citation", "url": "https://x.test",
				"start_index": -2, "end_index": 100}]
		}]}]
	}`)
	out := ResponseToAnthropic(resp, "")
	require.Equal(t, "short", out.Content[0].Citations[0].CitedText)
}

func TestResponseToAnthropic_WebSearchCall(t *testing.T) {
	resp := parseResponse(t, `{
		"output": [{"type": "web_search_call", "id": "ws_1", "status": "completed",
			"action": {"type": "search", "query": "golang generics",
				"sources": [
					{"url": "https://go.dev/blog", "title": "The Go Blog"},
					{"title": "no url, skipped"}
				]}}]
	}`)
	out := ResponseToAnthropic(resp, "")
	require.Len(t, out.Content, 2)

	use := out.Content[0]
	require.Equal(t, anthropic.ContentBlockTypeServerToolUse, use.Type)
	require.Equal(t, "ws_1", use.ID)
	require.Equal(t, "web_search", use.Name)
	require.Equal(t, map[string]any{"query": "golang generics"}, use.Input)

	result := out.Content[1]
	require.Equal(t, anthropic.ContentBlockTypeWebSearchToolResult, result.Type)
	require.Equal(t, "ws_1", result.ToolUseID)
	var results []anthropic.WebSearchResult
	require.NoError(t, json.Unmarshal(result.Content, &results))
	require.Len(t, results, 1)
	require.Equal(t, "https://go.dev/blog", results[0].URL)
	require.Equal(t, "The Go Blog", results[0].Title)
}

func TestNormalizeUsage(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
		want anthropic.Usage
	}{
		{
			"responses spelling",
			`{"input_tokens": 25, "output_tokens": 7}`,
			anthropic.Usage{InputTokens: 25, OutputTokens: 7},
		},
		{
			"chat spelling with cache",
			`{"prompt_tokens": 100, "completion_tokens": 5, "prompt_tokens_details": {"cached_tokens": 40}}`,
			anthropic.Usage{CacheReadInputTokens: 40, InputTokens: 60, OutputTokens: 5},
		},
		{
			"cache exceeds input",
			`{"input_tokens": 10, "input_tokens_details": {"cached_tokens": 50}}`,
			anthropic.Usage{CacheReadInputTokens: 50, InputTokens: 0},
		},
		{
			"negative counts clamped",
			`{"input_tokens": -3, "output_tokens": -1}`,
			anthropic.Usage{},
		},
		{"empty", `{}`, anthropic.Usage{}},
		{"absent", ``, anthropic.Usage{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, NormalizeUsage(json.RawMessage(tc.raw)))
		})
	}
}

func TestNormalizeUsage_AllFieldsSerialized(t *testing.T) {
	got, err := json.Marshal(NormalizeUsage(json.RawMessage(`{}`)))
	require.NoError(t, err)
	require.JSONEq(t, `{
		"cache_creation_input_tokens": 0,
		"cache_read_input_tokens": 0,
		"input_tokens": 0,
		"output_tokens": 0
	}`, string(got))
}
