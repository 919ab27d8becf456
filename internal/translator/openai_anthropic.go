// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/aibridge/aibridge/internal/apischema/anthropic"
	"github.com/aibridge/aibridge/internal/apischema/openai"
)

// ResponseToAnthropic converts a non-streaming OpenAI Responses payload into
// an Anthropic message. modelOverride, when non-empty, is echoed back as the
// message model so clients see the name they asked for.
func ResponseToAnthropic(resp *openai.Response, modelOverride string) *anthropic.MessagesResponse {
	var blocks []anthropic.ContentBlock
	for i := range resp.Output {
		item := &resp.Output[i]
		switch item.Type {
		case openai.OutputItemTypeMessage:
			for j := range item.Content {
				span := &item.Content[j]
				if span.Type != openai.SpanTypeOutputText {
					continue
				}
				blocks = append(blocks, anthropic.ContentBlock{
					Type:      anthropic.ContentBlockTypeText,
					Text:      span.Text,
					Citations: citationsFromAnnotations(span),
				})
			}
		case openai.OutputItemTypeFunctionCall:
			blocks = append(blocks, anthropic.ContentBlock{
				Type:  anthropic.ContentBlockTypeToolUse,
				ID:    item.CallID,
				Name:  item.Name,
				Input: parseToolInput(item.Arguments),
			})
		case openai.OutputItemTypeWebSearchCall:
			blocks = append(blocks, webSearchBlocksFromItem(item)...)
		}
	}

	stopReason := deriveStopReasonFromResponse(resp)
	model := modelOverride
	if model == "" {
		model = resp.Model
	}
	return &anthropic.MessagesResponse{
		ID:           resp.ID,
		Type:         "message",
		Role:         "assistant",
		Content:      blocks,
		Model:        model,
		StopReason:   &stopReason,
		StopSequence: nil,
		Usage:        NormalizeUsage(resp.Usage),
	}
}

// citationsFromAnnotations maps url_citation annotations to Anthropic
// web_search_result_location citations, slicing cited_text out of the span
// by the annotation's start/end indices.
func citationsFromAnnotations(span *openai.OutputContent) []anthropic.TextCitation {
	var citations []anthropic.TextCitation
	runes := []rune(span.Text)
	for i := range span.Annotations {
		ann := &span.Annotations[i]
		if ann.Type != openai.AnnotationTypeURLCitation {
			continue
		}
		citation := anthropic.TextCitation{
			Type:  anthropic.CitationTypeWebSearchResultLocation,
			URL:   ann.URL,
			Title: ann.Title,
		}
		if ann.StartIndex != nil && ann.EndIndex != nil {
			start, end := *ann.StartIndex, *ann.EndIndex
			if start < 0 {
				start = 0
			}
			if end > len(runes) {
				end = len(runes)
			}
			if start < end {
				citation.CitedText = string(runes[start:end])
			}
		}
		citations = append(citations, citation)
	}
	return citations
}

// parseToolInput decodes a function_call arguments string; anything that is
// not a JSON object collapses to an empty input.
func parseToolInput(arguments string) map[string]any {
	if arguments == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(arguments), &input); err != nil || input == nil {
		return map[string]any{}
	}
	return input
}

// webSearchBlocksFromItem renders a web_search_call output item as the
// server_tool_use + web_search_tool_result block pair.
func webSearchBlocksFromItem(item *openai.OutputItem) []anthropic.ContentBlock {
	action := gjson.ParseBytes(item.Action)
	results := webSearchResultsFromAction(action)
	content, err := json.Marshal(results)
	if err != nil {
		content = json.RawMessage("[]")
	}
	return []anthropic.ContentBlock{
		{
			Type:  anthropic.ContentBlockTypeServerToolUse,
			ID:    item.ID,
			Name:  "web_search",
			Input: webSearchInputFromAction(action),
		},
		{
			Type:      anthropic.ContentBlockTypeWebSearchToolResult,
			ToolUseID: item.ID,
			Content:   content,
		},
	}
}

// webSearchInputFromAction recovers the query from a web_search_call action,
// accepting both the singular and plural field spellings.
func webSearchInputFromAction(action gjson.Result) map[string]any {
	if query := action.Get("query"); query.Type == gjson.String {
		return map[string]any{"query": query.String()}
	}
	if first := action.Get("queries.0"); first.Type == gjson.String {
		return map[string]any{"query": first.String()}
	}
	return map[string]any{}
}

// webSearchResultsFromAction extracts the sources list attached by the
// web_search_call.action.sources include. Entries without a url are skipped.
func webSearchResultsFromAction(action gjson.Result) []anthropic.WebSearchResult {
	results := []anthropic.WebSearchResult{}
	action.Get("sources").ForEach(func(_, source gjson.Result) bool {
		url := source.Get("url")
		if url.Type != gjson.String {
			return true
		}
		results = append(results, anthropic.WebSearchResult{
			Type:    anthropic.WebSearchResultType,
			URL:     url.String(),
			Title:   source.Get("title").String(),
			PageAge: source.Get("page_age").String(),
		})
		return true
	})
	return results
}

func deriveStopReasonFromResponse(resp *openai.Response) anthropic.StopReason {
	sawFunctionCall := false
	for i := range resp.Output {
		if resp.Output[i].Type == openai.OutputItemTypeFunctionCall {
			sawFunctionCall = true
			break
		}
	}
	incompleteReason := ""
	if resp.Status == "incomplete" && resp.IncompleteDetails != nil {
		incompleteReason = resp.IncompleteDetails.Reason
	}
	return deriveStopReason(sawFunctionCall, incompleteReason)
}

// deriveStopReason maps Responses completion state to an Anthropic stop
// reason. Function calls dominate truncation.
func deriveStopReason(sawFunctionCall bool, incompleteReason string) anthropic.StopReason {
	switch {
	case sawFunctionCall:
		return anthropic.StopReasonToolUse
	case incompleteReason == "max_output_tokens":
		return anthropic.StopReasonMaxTokens
	case incompleteReason == "content_filter":
		return anthropic.StopReasonRefusal
	default:
		return anthropic.StopReasonEndTurn
	}
}

// NormalizeUsage folds the upstream usage object into the Anthropic
// four-field shape. Both the Responses (input_tokens/output_tokens) and chat
// (prompt_tokens/completion_tokens) spellings are accepted; cached tokens
// are subtracted from the input count so the fields are disjoint.
func NormalizeUsage(raw json.RawMessage) anthropic.Usage {
	usage := gjson.ParseBytes(raw)
	pick := func(paths ...string) int64 {
		for _, path := range paths {
			if v := usage.Get(path); v.Exists() {
				return v.Int()
			}
		}
		return 0
	}
	input := pick("input_tokens", "prompt_tokens")
	output := pick("output_tokens", "completion_tokens")
	cached := pick("input_tokens_details.cached_tokens", "prompt_tokens_details.cached_tokens")
	if cached < 0 {
		cached = 0
	}
	if output < 0 {
		output = 0
	}
	remaining := input - cached
	if remaining < 0 {
		remaining = 0
	}
	return anthropic.Usage{
		CacheCreationInputTokens: 0,
		CacheReadInputTokens:     cached,
		InputTokens:              remaining,
		OutputTokens:             output,
	}
}
