// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// MessagesRequest represents a request to the Anthropic Messages API.
// https://docs.claude.com/en/api/messages
type MessagesRequest struct {
	// Model is the model to use for the request.
	Model string `json:"model"`

	// Messages is the list of messages in the conversation.
	// https://docs.claude.com/en/api/messages#body-messages
	Messages []Message `json:"messages"`

	// System is the system prompt, either a plain string or a list of text blocks.
	// https://docs.claude.com/en/api/messages#body-system
	System *SystemPrompt `json:"system,omitempty"`

	// Tools is the list of tools available to the model.
	// https://docs.claude.com/en/api/messages#body-tools
	Tools []Tool `json:"tools,omitempty"`

	// ToolChoice indicates how the model should pick tools.
	// https://docs.claude.com/en/api/messages#body-tool-choice
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	// MaxTokens is the maximum number of tokens to generate.
	// https://docs.claude.com/en/api/messages#body-max-tokens
	MaxTokens int `json:"max_tokens,omitempty"`

	// Stream indicates whether to stream the response.
	Stream bool `json:"stream,omitempty"`
}

// Message represents a single message in the Anthropic Messages API.
type Message struct {
	Role    MessageRole    `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageRole represents the role of a message in the Anthropic Messages API.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// MessageContent is either plain text or an ordered list of content blocks.
// https://docs.claude.com/en/api/messages#body-messages-content
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	array  bool
}

// IsArray reports whether the content was provided as a block array.
func (m *MessageContent) IsArray() bool { return m.array }

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		m.Text = text
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		m.Blocks = blocks
		m.array = true
		return nil
	}
	return fmt.Errorf("message content must be either a string or an array of blocks")
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.array {
		return json.Marshal(m.Blocks)
	}
	return json.Marshal(m.Text)
}

// ContentBlockType discriminates the content-block union.
type ContentBlockType string

const (
	ContentBlockTypeText                ContentBlockType = "text"
	ContentBlockTypeToolUse             ContentBlockType = "tool_use"
	ContentBlockTypeToolResult          ContentBlockType = "tool_result"
	ContentBlockTypeServerToolUse       ContentBlockType = "server_tool_use"
	ContentBlockTypeWebSearchToolResult ContentBlockType = "web_search_tool_result"
)

// ContentBlock is one element of the tagged content union, used in both
// requests and responses. Only the fields matching Type are populated.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	// Text and Citations carry the "text" variant.
	Text      string         `json:"text,omitempty"`
	Citations []TextCitation `json:"citations,omitempty"`

	// ID, Name and Input carry the "tool_use" and "server_tool_use" variants.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// ToolUseID and Content carry the "tool_result" and
	// "web_search_tool_result" variants. Content stays raw: clients send a
	// string, a block list, or an opaque object.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// MarshalJSON serializes only the fields of the active variant. tool_use and
// server_tool_use always carry an input object (possibly empty) and text
// blocks always carry text, as the Anthropic stream protocol requires.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	obj := map[string]any{"type": b.Type}
	switch b.Type {
	case ContentBlockTypeText:
		obj["text"] = b.Text
		if len(b.Citations) > 0 {
			obj["citations"] = b.Citations
		}
	case ContentBlockTypeToolUse, ContentBlockTypeServerToolUse:
		obj["id"] = b.ID
		obj["name"] = b.Name
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		obj["input"] = input
	case ContentBlockTypeToolResult, ContentBlockTypeWebSearchToolResult:
		obj["tool_use_id"] = b.ToolUseID
		content := b.Content
		if content == nil {
			content = json.RawMessage("[]")
		}
		obj["content"] = content
	default:
		return nil, fmt.Errorf("cannot marshal content block of type %q", b.Type)
	}
	return json.Marshal(obj)
}

// TextCitation annotates a text block with a web search source.
type TextCitation struct {
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	CitedText string `json:"cited_text,omitempty"`
}

// CitationTypeWebSearchResultLocation is the citation type produced from
// upstream url_citation annotations.
const CitationTypeWebSearchResultLocation = "web_search_result_location"

// WebSearchResult is one entry of a web_search_tool_result content list.
type WebSearchResult struct {
	Type    string `json:"type"`
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	PageAge string `json:"page_age,omitempty"`
}

// WebSearchResultType is the constant Type of WebSearchResult.
const WebSearchResultType = "web_search_result"

// SystemPrompt is either a plain string or a list of text blocks.
// https://docs.claude.com/en/api/messages#body-system
type SystemPrompt struct {
	Text   string
	Blocks []ContentBlock
	array  bool
}

// IsArray reports whether the system prompt was provided as a block array.
func (s *SystemPrompt) IsArray() bool { return s.array }

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = text
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		s.Blocks = blocks
		s.array = true
		return nil
	}
	return fmt.Errorf("system must be either a string or an array of blocks")
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.array {
		return json.Marshal(s.Blocks)
	}
	return json.Marshal(s.Text)
}

// Tool represents a tool definition.
// https://docs.claude.com/en/api/messages#body-tools
type Tool struct {
	// Type distinguishes built-in tools such as "web_search_20250305";
	// plain function tools leave it empty.
	Type        string `json:"type,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// InputSchema is the canonical JSON schema field; Parameters is the
	// legacy spelling some clients still send.
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`

	// Web-search-only fields.
	MaxUses        *int           `json:"max_uses,omitempty"`
	AllowedDomains []string       `json:"allowed_domains,omitempty"`
	UserLocation   map[string]any `json:"user_location,omitempty"`
}

// Schema returns the tool's JSON schema, preferring input_schema over the
// legacy parameters field.
func (t *Tool) Schema() map[string]any {
	if t.InputSchema != nil {
		return t.InputSchema
	}
	return t.Parameters
}

// ToolChoice is either the strings "auto"/"none" or an object naming a tool.
// https://docs.claude.com/en/api/messages#body-tool-choice
type ToolChoice struct {
	// Mode is the choice when it was a plain string, or the object's type
	// for modes expressed as {"type":"auto"}.
	Mode string
	// Name is the tool name when the choice was {"type":"tool","name":...}.
	Name string
}

func (c *ToolChoice) UnmarshalJSON(data []byte) error {
	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		c.Mode = mode
		return nil
	}
	result := gjson.ParseBytes(data)
	if !result.IsObject() {
		return fmt.Errorf("tool_choice must be a string or an object")
	}
	if name := result.Get("name"); name.Exists() {
		c.Name = name.String()
		return nil
	}
	if t := result.Get("type"); t.Exists() && t.String() != "tool" {
		c.Mode = t.String()
		return nil
	}
	return fmt.Errorf("tool_choice object requires a name")
}

func (c ToolChoice) MarshalJSON() ([]byte, error) {
	if c.Mode != "" {
		return json.Marshal(c.Mode)
	}
	return json.Marshal(map[string]string{"type": "tool", "name": c.Name})
}

// MessagesResponse represents a response from the Anthropic Messages API.
type MessagesResponse struct {
	ID string `json:"id,omitempty"`
	// Type is always "message".
	Type string `json:"type"`
	// Role is always "assistant".
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
	Model   string         `json:"model,omitempty"`
	// StopReason is the reason the generation stopped.
	StopReason *StopReason `json:"stop_reason"`
	// StopSequence is the stop sequence that was encountered, if any.
	StopSequence *string `json:"stop_sequence"`
	Usage        Usage   `json:"usage"`
}

// StopReason represents the reason the generation stopped.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonRefusal   StopReason = "refusal"
)

// Usage is the Anthropic four-field usage shape. No field is ever omitted
// so that clients can rely on their presence.
type Usage struct {
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
}

// Stream event names, in protocol emission order.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// MessageStartEvent is the payload of a "message_start" frame.
type MessageStartEvent struct {
	Type    string           `json:"type"`
	Message MessagesResponse `json:"message"`
}

// ContentBlockStartEvent is the payload of a "content_block_start" frame.
type ContentBlockStartEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

// ContentBlockDeltaEvent is the payload of a "content_block_delta" frame.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

// BlockDelta is either a text_delta or an input_json_delta.
type BlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

const (
	BlockDeltaTypeText      = "text_delta"
	BlockDeltaTypeInputJSON = "input_json_delta"
)

// ContentBlockStopEvent is the payload of a "content_block_stop" frame.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaEvent is the payload of a "message_delta" frame.
type MessageDeltaEvent struct {
	Type  string            `json:"type"`
	Delta MessageDeltaDelta `json:"delta"`
	Usage Usage             `json:"usage"`
}

// MessageDeltaDelta carries the final stop reason.
type MessageDeltaDelta struct {
	StopReason   StopReason `json:"stop_reason"`
	StopSequence *string    `json:"stop_sequence"`
}

// MessageStopEvent is the payload of a "message_stop" frame.
type MessageStopEvent struct {
	Type  string `json:"type"`
	Usage Usage  `json:"usage"`
}

// PingEvent is the payload of a "ping" frame.
type PingEvent struct {
	Type string `json:"type"`
}

// ErrorResponse is the Anthropic error envelope, returned both as HTTP error
// bodies and as terminal "error" stream frames.
type ErrorResponse struct {
	Type  string       `json:"type"`
	Error ErrorDetails `json:"error"`
}

// ErrorDetails carries the Anthropic error kind plus the upstream OpenAI
// error payload when one exists.
type ErrorDetails struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Param   *string         `json:"param"`
	Code    *string         `json:"code"`
	OpenAI  json.RawMessage `json:"openai"`
}

// Error kinds used in ErrorDetails.Type.
const (
	ErrorTypeInvalidRequest  = "invalid_request_error"
	ErrorTypeAuthentication  = "authentication_error"
	ErrorTypePermission      = "permission_error"
	ErrorTypeNotFound        = "not_found_error"
	ErrorTypeRequestTooLarge = "request_too_large"
	ErrorTypeRateLimit       = "rate_limit_error"
	ErrorTypeAPI             = "api_error"
	ErrorTypeOverloaded      = "overloaded_error"
)

// ErrorTypeForStatus maps an HTTP status code to the Anthropic error kind.
func ErrorTypeForStatus(status int) string {
	switch status {
	case 400:
		return ErrorTypeInvalidRequest
	case 401:
		return ErrorTypeAuthentication
	case 403:
		return ErrorTypePermission
	case 404:
		return ErrorTypeNotFound
	case 413:
		return ErrorTypeRequestTooLarge
	case 429:
		return ErrorTypeRateLimit
	case 529:
		return ErrorTypeOverloaded
	default:
		return ErrorTypeAPI
	}
}
