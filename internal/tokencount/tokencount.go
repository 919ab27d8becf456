// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tokencount estimates input token usage for OpenAI Responses
// requests with tiktoken, following the OpenAI cookbook chat-completions
// counting formula.
package tokencount

import (
	"encoding/json"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/aibridge/aibridge/internal/apischema/openai"
)

// chatFallbackModel absorbs models the cookbook constants do not cover.
const chatFallbackModel = "gpt-4o-mini-2024-07-18"

// knownChatModels are the models with published per-message constants.
var knownChatModels = map[string]struct{}{
	"gpt-3.5-turbo-0125":     {},
	"gpt-3.5-turbo-0613":     {},
	"gpt-4-0613":             {},
	"gpt-4-32k-0613":         {},
	"gpt-4o":                 {},
	"gpt-4o-2024-08-06":      {},
	"gpt-4o-mini":            {},
	"gpt-4o-mini-2024-07-18": {},
}

const (
	tokensPerMessage = 3
	tokensPerName    = 1
	replyPrimer      = 3
	toolOverhead     = 4
)

// encodingFor returns the tiktoken encoding for a model, falling back to
// o200k_base for models tiktoken does not know.
func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		return nil, fmt.Errorf("load o200k_base encoding: %w", err)
	}
	return enc, nil
}

// chatMessage is the flattened message shape the cookbook formula counts.
type chatMessage struct {
	role    string
	content string
	name    string
}

// flattenInput reduces Responses input items to countable role/content
// pairs. Only text spans contribute content; non-message items count their
// per-message overhead with empty content, which keeps estimates monotone in
// the number of items.
func flattenInput(items []openai.InputItem) []chatMessage {
	messages := make([]chatMessage, 0, len(items))
	for i := range items {
		item := &items[i]
		var content string
		for _, span := range item.Content {
			if span.Text == "" {
				continue
			}
			if content != "" {
				content += "\n"
			}
			content += span.Text
		}
		messages = append(messages, chatMessage{role: item.Role, content: content, name: item.Name})
	}
	return messages
}

// countMessages applies the cookbook per-message formula.
func countMessages(messages []chatMessage, model string) (int, error) {
	if _, ok := knownChatModels[model]; !ok {
		model = chatFallbackModel
	}
	enc, err := encodingFor(model)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += len(enc.Encode(m.role, nil, nil))
		total += len(enc.Encode(m.content, nil, nil))
		if m.name != "" {
			total += len(enc.Encode(m.name, nil, nil)) + tokensPerName
		}
	}
	total += replyPrimer
	return total, nil
}

// countTools counts function-tool definitions: a fixed overhead per tool
// plus the name, description, and compact-serialized parameter schema.
func countTools(tools []openai.Tool, model string) (int, error) {
	if len(tools) == 0 {
		return 0, nil
	}
	enc, err := encodingFor(model)
	if err != nil {
		return 0, err
	}
	total := 0
	for i := range tools {
		tool := &tools[i]
		total += toolOverhead
		if tool.Name != "" {
			total += len(enc.Encode(tool.Name, nil, nil))
		}
		if tool.Description != "" {
			total += len(enc.Encode(tool.Description, nil, nil))
		}
		params := tool.Parameters
		if params == nil {
			params = map[string]any{}
		}
		compact, err := json.Marshal(params)
		if err != nil {
			return 0, fmt.Errorf("serialize tool %q parameters: %w", tool.Name, err)
		}
		total += len(enc.Encode(string(compact), nil, nil))
	}
	return total, nil
}

// CountRequest estimates the input tokens of an OpenAI Responses request:
// instructions as a leading system message, every input item, and tool
// definitions.
func CountRequest(req *openai.ResponsesRequest) (int, error) {
	if req.Model == "" {
		return 0, fmt.Errorf("model is required for token counting")
	}
	messages := flattenInput(req.Input)
	if req.Instructions != "" {
		messages = append([]chatMessage{{role: "system", content: req.Instructions}}, messages...)
	}
	messageTokens, err := countMessages(messages, req.Model)
	if err != nil {
		return 0, err
	}
	toolTokens, err := countTools(req.Tools, req.Model)
	if err != nil {
		return 0, err
	}
	return messageTokens + toolTokens, nil
}
