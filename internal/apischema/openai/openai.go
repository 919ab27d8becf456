// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package openai models the subset of the OpenAI Responses API this proxy
// speaks: request input items, tool definitions, and the non-streaming
// response object. Stream frames are deliberately not modeled as structs;
// the stream translator reads them with gjson because upstreams disagree on
// field placement.
package openai

import "encoding/json"

// ResponsesRequest is the body of POST /responses.
// https://platform.openai.com/docs/api-reference/responses/create
type ResponsesRequest struct {
	Model           string      `json:"model"`
	Instructions    string      `json:"instructions,omitempty"`
	Input           []InputItem `json:"input"`
	Tools           []Tool      `json:"tools,omitempty"`
	ToolChoice      *ToolChoice `json:"tool_choice,omitempty"`
	MaxOutputTokens *int        `json:"max_output_tokens,omitempty"`
	MaxToolCalls    *int        `json:"max_tool_calls,omitempty"`
	Include         []string    `json:"include,omitempty"`
	Stream          bool        `json:"stream,omitempty"`
	Store           *bool       `json:"store,omitempty"`
}

// IncludeWebSearchSources asks the backend to attach result sources to
// web_search_call output items.
const IncludeWebSearchSources = "web_search_call.action.sources"

// InputItem is one element of the request input list. Type selects which
// fields apply: "message" uses Role/Content, "function_call" uses
// CallID/Name/Arguments, "function_call_output" uses CallID/Output.
type InputItem struct {
	Type string `json:"type"`

	Role    string        `json:"role,omitempty"`
	Content []ContentSpan `json:"content,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// Input item and span type tags.
const (
	InputItemTypeMessage            = "message"
	InputItemTypeFunctionCall       = "function_call"
	InputItemTypeFunctionCallOutput = "function_call_output"

	SpanTypeInputText  = "input_text"
	SpanTypeOutputText = "output_text"
)

// ContentSpan is one text span of a message input item.
type ContentSpan struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Tool is a Responses API tool definition: a function tool, or the built-in
// web_search tool.
type Tool struct {
	Type string `json:"type"`

	// Function tool fields.
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`

	// Web search tool fields.
	Filters      *WebSearchFilters `json:"filters,omitempty"`
	UserLocation map[string]any    `json:"user_location,omitempty"`
}

// Tool type tags.
const (
	ToolTypeFunction  = "function"
	ToolTypeWebSearch = "web_search"
)

// WebSearchFilters restricts the built-in web_search tool.
type WebSearchFilters struct {
	AllowedDomains []string `json:"allowed_domains,omitempty"`
}

// ToolChoice is either the strings "auto"/"none"/"required" or an object
// selecting a specific tool.
type ToolChoice struct {
	Mode string
	// Type and Name select a specific tool when Mode is empty; Name is
	// empty for built-in tool types such as "web_search".
	Type string
	Name string
}

func (c ToolChoice) MarshalJSON() ([]byte, error) {
	if c.Mode != "" {
		return json.Marshal(c.Mode)
	}
	obj := map[string]string{"type": c.Type}
	if c.Name != "" {
		obj["name"] = c.Name
	}
	return json.Marshal(obj)
}

func (c *ToolChoice) UnmarshalJSON(data []byte) error {
	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		c.Mode = mode
		return nil
	}
	var obj struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	c.Type, c.Name = obj.Type, obj.Name
	return nil
}

// Response is the non-streaming Responses API response object, reduced to
// the fields the response mapper consumes. Usage stays raw because upstreams
// use divergent token-field spellings.
type Response struct {
	ID                string          `json:"id,omitempty"`
	Model             string          `json:"model,omitempty"`
	Status            string          `json:"status,omitempty"`
	Output            []OutputItem    `json:"output"`
	Usage             json.RawMessage `json:"usage,omitempty"`
	IncompleteDetails *struct {
		Reason string `json:"reason,omitempty"`
	} `json:"incomplete_details,omitempty"`
}

// OutputItem is one element of the response output list.
type OutputItem struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`

	// "message" items.
	Role    string          `json:"role,omitempty"`
	Content []OutputContent `json:"content,omitempty"`

	// "function_call" items.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// "web_search_call" items.
	Action json.RawMessage `json:"action,omitempty"`
}

// Output item type tags.
const (
	OutputItemTypeMessage       = "message"
	OutputItemTypeFunctionCall  = "function_call"
	OutputItemTypeWebSearchCall = "web_search_call"
	OutputItemTypeReasoning     = "reasoning"
)

// OutputContent is one span of a message output item.
type OutputContent struct {
	Type        string       `json:"type"`
	Text        string       `json:"text,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// Annotation decorates an output_text span; url_citation is the only kind
// the proxy translates.
type Annotation struct {
	Type       string `json:"type"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	StartIndex *int   `json:"start_index,omitempty"`
	EndIndex   *int   `json:"end_index,omitempty"`
}

// AnnotationTypeURLCitation tags a web citation annotation.
const AnnotationTypeURLCitation = "url_citation"
