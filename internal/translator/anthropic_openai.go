// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package translator converts between the Anthropic Messages API and the
// OpenAI Responses API, in both directions and for both unary and streaming
// responses.
package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aibridge/aibridge/internal/apischema/anthropic"
	"github.com/aibridge/aibridge/internal/apischema/openai"
)

// InvalidRequestError reports a client payload the mapper cannot express in
// the Responses API. Handlers turn it into a 400 invalid_request_error.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string { return e.Message }

// minMaxOutputTokens is the smallest max_output_tokens the Responses API
// accepts; Anthropic allows lower values, which are dropped.
const minMaxOutputTokens = 16

// RequestToOpenAI converts an Anthropic Messages request into an OpenAI
// Responses request. model is the upstream model already resolved by the
// model map; the mapper itself is a pure function of its arguments.
func RequestToOpenAI(req *anthropic.MessagesRequest, model string) (*openai.ResponsesRequest, error) {
	instructions, err := systemToInstructions(req.System)
	if err != nil {
		return nil, err
	}

	var input []openai.InputItem
	for i := range req.Messages {
		items, err := messageToInputItems(&req.Messages[i])
		if err != nil {
			return nil, err
		}
		input = append(input, items...)
	}

	out := &openai.ResponsesRequest{
		Model:        model,
		Instructions: instructions,
		Input:        input,
	}

	if len(req.Tools) > 0 {
		var functionTools []openai.Tool
		var webTools []openai.Tool
		for i := range req.Tools {
			tool := &req.Tools[i]
			if isWebSearchTool(tool) {
				webTools = append(webTools, webSearchTool(tool))
				continue
			}
			strict := false
			if tool.Strict != nil {
				strict = *tool.Strict
			}
			functionTools = append(functionTools, openai.Tool{
				Type:        openai.ToolTypeFunction,
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  normalizeToolParameters(tool.Schema()),
				Strict:      &strict,
			})
		}
		out.Tools = functionTools
		if len(webTools) > 0 {
			out.Include = []string{openai.IncludeWebSearchSources}
			if len(functionTools) == 0 && len(webTools) == 1 {
				for i := range req.Tools {
					if req.Tools[i].MaxUses != nil {
						maxToolCalls := *req.Tools[i].MaxUses
						out.MaxToolCalls = &maxToolCalls
						break
					}
				}
			}
			out.Tools = append(out.Tools, webTools...)
		}
	}

	if req.ToolChoice != nil {
		out.ToolChoice = mapToolChoice(req.ToolChoice)
	}

	if req.MaxTokens >= minMaxOutputTokens {
		maxOutput := req.MaxTokens
		out.MaxOutputTokens = &maxOutput
	}
	return out, nil
}

func systemToInstructions(system *anthropic.SystemPrompt) (string, error) {
	if system == nil {
		return "", nil
	}
	if !system.IsArray() {
		return system.Text, nil
	}
	parts := make([]string, 0, len(system.Blocks))
	for i := range system.Blocks {
		block := &system.Blocks[i]
		if block.Type != anthropic.ContentBlockTypeText {
			return "", &InvalidRequestError{Message: fmt.Sprintf("unsupported system block type: %s", block.Type)}
		}
		parts = append(parts, block.Text)
	}
	return strings.Join(parts, "\n"), nil
}

// messageToInputItems walks one message's content in source order. Text runs
// coalesce into a single message item; tool_use and tool_result flush the
// run and emit their own items; server-tool blocks render back into text.
func messageToInputItems(msg *anthropic.Message) ([]openai.InputItem, error) {
	role := string(msg.Role)
	if !msg.Content.IsArray() {
		return []openai.InputItem{textMessage(role, msg.Content.Text)}, nil
	}

	var items []openai.InputItem
	var textRun []openai.ContentSpan
	flush := func() {
		if len(textRun) == 0 {
			return
		}
		items = append(items, openai.InputItem{
			Type:    openai.InputItemTypeMessage,
			Role:    role,
			Content: textRun,
		})
		textRun = nil
	}

	for i := range msg.Content.Blocks {
		block := &msg.Content.Blocks[i]
		switch block.Type {
		case anthropic.ContentBlockTypeText:
			textRun = append(textRun, openai.ContentSpan{Type: openai.SpanTypeInputText, Text: block.Text})
		case anthropic.ContentBlockTypeToolUse:
			flush()
			items = append(items, openai.InputItem{
				Type:      openai.InputItemTypeFunctionCall,
				CallID:    block.ID,
				Name:      block.Name,
				Arguments: encodeToolArguments(block.Input),
			})
		case anthropic.ContentBlockTypeToolResult:
			flush()
			items = append(items, openai.InputItem{
				Type:   openai.InputItemTypeFunctionCallOutput,
				CallID: block.ToolUseID,
				Output: toolResultToText(block.Content),
			})
		case anthropic.ContentBlockTypeServerToolUse:
			textRun = append(textRun, openai.ContentSpan{
				Type: openai.SpanTypeInputText,
				Text: serverToolUseToText(block),
			})
		case anthropic.ContentBlockTypeWebSearchToolResult:
			textRun = append(textRun, openai.ContentSpan{
				Type: openai.SpanTypeInputText,
				Text: webSearchResultToText(block),
			})
		default:
			return nil, &InvalidRequestError{Message: fmt.Sprintf("unsupported content block type: %s", block.Type)}
		}
	}
	flush()
	return items, nil
}

func textMessage(role, text string) openai.InputItem {
	return openai.InputItem{
		Type:    openai.InputItemTypeMessage,
		Role:    role,
		Content: []openai.ContentSpan{{Type: openai.SpanTypeInputText, Text: text}},
	}
}

func encodeToolArguments(input map[string]any) string {
	if input == nil {
		input = map[string]any{}
	}
	data, err := json.Marshal(input)
	if err != nil {
		// Unmarshalable inputs degrade to their string rendering.
		data, _ = json.Marshal(fmt.Sprint(input))
	}
	return string(data)
}

// toolResultToText renders a tool_result's content as a function_call_output
// string: string content passes through, object content is JSON-encoded,
// and list content joins text items and JSON renderings of the rest.
func toolResultToText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	parsed := gjson.ParseBytes(content)
	switch {
	case parsed.Type == gjson.String:
		return parsed.String()
	case parsed.IsObject():
		return parsed.Raw
	case parsed.IsArray():
		var parts []string
		parsed.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() == "text" {
				parts = append(parts, item.Get("text").String())
			} else {
				parts = append(parts, item.Raw)
			}
			return true
		})
		return strings.Join(parts, "\n")
	default:
		return parsed.Raw
	}
}

func serverToolUseToText(block *anthropic.ContentBlock) string {
	return fmt.Sprintf("[server_tool_use:%s] %s", block.Name, encodeToolArguments(block.Input))
}

func webSearchResultToText(block *anthropic.ContentBlock) string {
	parsed := gjson.ParseBytes(block.Content)
	if parsed.IsObject() {
		return fmt.Sprintf("[web_search_result:%s] %s", block.ToolUseID, parsed.Raw)
	}
	var lines []string
	parsed.ForEach(func(_, item gjson.Result) bool {
		url := item.Get("url").String()
		if title := item.Get("title").String(); title != "" {
			lines = append(lines, fmt.Sprintf("- %s (%s)", title, url))
		} else {
			lines = append(lines, "- "+url)
		}
		return true
	})
	if len(lines) == 0 {
		return fmt.Sprintf("[web_search_result:%s]", block.ToolUseID)
	}
	return strings.Join(lines, "\n")
}

func isWebSearchTool(tool *anthropic.Tool) bool {
	if strings.HasPrefix(tool.Type, "web_search_") {
		return true
	}
	return strings.ToLower(tool.Name) == "web_search" && tool.Schema() == nil
}

func webSearchTool(tool *anthropic.Tool) openai.Tool {
	out := openai.Tool{Type: openai.ToolTypeWebSearch}
	if len(tool.AllowedDomains) > 0 {
		out.Filters = &openai.WebSearchFilters{AllowedDomains: tool.AllowedDomains}
	}
	if tool.UserLocation != nil {
		out.UserLocation = tool.UserLocation
	}
	return out
}

func mapToolChoice(choice *anthropic.ToolChoice) *openai.ToolChoice {
	if choice.Mode != "" {
		return &openai.ToolChoice{Mode: choice.Mode}
	}
	if strings.ToLower(choice.Name) == "web_search" {
		return &openai.ToolChoice{Type: openai.ToolTypeWebSearch}
	}
	return &openai.ToolChoice{Type: openai.ToolTypeFunction, Name: choice.Name}
}

// normalizeToolParameters fills in the minimal object schema the Responses
// API requires when a tool declares none, and backfills missing properties
// on object schemas.
func normalizeToolParameters(schema map[string]any) map[string]any {
	if len(schema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	normalized := make(map[string]any, len(schema))
	for k, v := range schema {
		normalized[k] = v
	}
	if normalized["type"] == "object" {
		if props, ok := normalized["properties"]; !ok || props == nil {
			normalized["properties"] = map[string]any{}
		}
	}
	return normalized
}
