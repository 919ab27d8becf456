// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aibridge/aibridge/internal/apischema/anthropic"
)

// EventSink receives translated Anthropic stream frames. Returning an error
// aborts translation; the caller owns downstream delivery.
type EventSink func(event string, payload any) error

// blockKey addresses one upstream content position: output index, content
// index, and the kind of block being assembled there. -1 stands in for an
// absent index.
type blockKey struct {
	output  int
	content int
	kind    string
}

type toolMeta struct {
	id   string
	name string
}

func (m *toolMeta) complete() bool { return m.id != "" && m.name != "" }

// StreamOptions configures a StreamTranslator.
type StreamOptions struct {
	// InitialUsage seeds message_start when the upstream has not reported
	// usage yet, typically from the pre-computed input token count.
	InitialUsage *anthropic.Usage
	// ModelOverride is echoed in message_start so clients see the model
	// name they requested rather than the upstream's.
	ModelOverride string
	Logger        *slog.Logger
}

// StreamTranslator reconstructs ordered Anthropic content blocks from a
// stream of out-of-order, partially labeled OpenAI Responses events. One
// instance serves exactly one connection and is not safe for concurrent use.
type StreamTranslator struct {
	sink          EventSink
	logger        *slog.Logger
	initialUsage  *anthropic.Usage
	modelOverride string

	messageStarted bool
	completed      bool

	nextBlockIndex  int
	lastBlockIndex  int
	blockIndexByKey map[blockKey]int

	toolInputBuffers  map[int][]byte
	toolMetaByIndex   map[int]*toolMeta
	toolBlockByCallID map[string]int
	completedBlocks   map[int]struct{}
	startedToolBlocks map[int]struct{}
	sawToolCall       bool
	sawFunctionCall   bool

	startedTextBlocks   map[int]struct{}
	completedTextBlocks map[int]struct{}

	webSearchActions       map[string]gjson.Result
	webSearchOrder         []string
	webSearchUseEmitted    map[string]struct{}
	webSearchResultEmitted map[string]struct{}

	textBuffers     map[blockKey]*strings.Builder
	harmonyKeys     map[blockKey]struct{}
	harmonyOrder    []blockKey
	harmonyConsumed map[blockKey]struct{}

	reasoningText map[string]string
}

// NewStreamTranslator builds a translator that writes Anthropic frames to
// sink.
func NewStreamTranslator(sink EventSink, opts StreamOptions) *StreamTranslator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamTranslator{
		sink:                   sink,
		logger:                 logger,
		initialUsage:           opts.InitialUsage,
		modelOverride:          opts.ModelOverride,
		lastBlockIndex:         -1,
		blockIndexByKey:        map[blockKey]int{},
		toolInputBuffers:       map[int][]byte{},
		toolMetaByIndex:        map[int]*toolMeta{},
		toolBlockByCallID:      map[string]int{},
		completedBlocks:        map[int]struct{}{},
		startedToolBlocks:      map[int]struct{}{},
		startedTextBlocks:      map[int]struct{}{},
		completedTextBlocks:    map[int]struct{}{},
		webSearchActions:       map[string]gjson.Result{},
		webSearchUseEmitted:    map[string]struct{}{},
		webSearchResultEmitted: map[string]struct{}{},
		textBuffers:            map[blockKey]*strings.Builder{},
		harmonyKeys:            map[blockKey]struct{}{},
		harmonyConsumed:        map[blockKey]struct{}{},
		reasoningText:          map[string]string{},
	}
}

// Completed reports whether message_stop has been emitted.
func (t *StreamTranslator) Completed() bool { return t.completed }

// Process translates one upstream frame. event is the SSE event name; data
// is the parsed frame body. Unknown frame types are ignored so that new
// upstream event kinds do not break live streams.
func (t *StreamTranslator) Process(event string, data gjson.Result) error {
	eventType := data.Get("type").String()
	if eventType == "" {
		eventType = event
	}

	if eventType == "ping" {
		return t.sink(anthropic.EventPing, anthropic.PingEvent{Type: "ping"})
	}

	if !t.messageStarted {
		if err := t.emitMessageStart(data.Get("response")); err != nil {
			return err
		}
		t.messageStarted = true
		if eventType == "response.created" {
			return nil
		}
	}

	switch eventType {
	case "response.created":
		return nil
	case "response.reasoning_text.delta", "response.reasoning_text.done",
		"response.reasoning_summary_part.added", "response.reasoning_summary_part.delta",
		"response.reasoning_summary_part.done":
		t.handleReasoning(eventType, data)
		return nil
	case "response.content_part.added":
		return t.handleContentPartAdded(data)
	case "response.output_text.delta":
		return t.handleTextDelta(data)
	case "response.output_text.done", "response.content_part.done":
		return t.handleTextDone(eventType, data)
	case "response.output_item.added", "response.output_item.delta", "response.output_item.done":
		return t.handleOutputItem(eventType, data)
	case "response.function_call_arguments.delta":
		return t.handleArgumentsDelta(data)
	case "response.function_call_arguments.done":
		return t.handleArgumentsDone(data)
	case "response.completed":
		return t.handleCompleted(data)
	default:
		return nil
	}
}

// --- emit helpers ---

func (t *StreamTranslator) emitBlockStart(index int, block anthropic.ContentBlock) error {
	return t.sink(anthropic.EventContentBlockStart, anthropic.ContentBlockStartEvent{
		Type:         anthropic.EventContentBlockStart,
		Index:        index,
		ContentBlock: block,
	})
}

func (t *StreamTranslator) emitBlockStop(index int) error {
	return t.sink(anthropic.EventContentBlockStop, anthropic.ContentBlockStopEvent{
		Type:  anthropic.EventContentBlockStop,
		Index: index,
	})
}

func (t *StreamTranslator) emitTextDelta(index int, text string) error {
	return t.sink(anthropic.EventContentBlockDelta, anthropic.ContentBlockDeltaEvent{
		Type:  anthropic.EventContentBlockDelta,
		Index: index,
		Delta: anthropic.BlockDelta{Type: anthropic.BlockDeltaTypeText, Text: text},
	})
}

func (t *StreamTranslator) emitJSONDelta(index int, partial string) error {
	return t.sink(anthropic.EventContentBlockDelta, anthropic.ContentBlockDeltaEvent{
		Type:  anthropic.EventContentBlockDelta,
		Index: index,
		Delta: anthropic.BlockDelta{Type: anthropic.BlockDeltaTypeInputJSON, PartialJSON: partial},
	})
}

func (t *StreamTranslator) emitMessageStart(response gjson.Result) error {
	var usage anthropic.Usage
	if u := response.Get("usage"); u.IsObject() {
		usage = NormalizeUsage(json.RawMessage(u.Raw))
	} else if t.initialUsage != nil {
		usage = *t.initialUsage
	}
	message := anthropic.MessagesResponse{
		ID:      response.Get("id").String(),
		Type:    "message",
		Role:    "assistant",
		Content: []anthropic.ContentBlock{},
		Usage:   usage,
	}
	if t.modelOverride != "" {
		message.Model = t.modelOverride
	} else {
		message.Model = response.Get("model").String()
	}
	return t.sink(anthropic.EventMessageStart, anthropic.MessageStartEvent{
		Type:    anthropic.EventMessageStart,
		Message: message,
	})
}

// --- block index bookkeeping ---

func (t *StreamTranslator) allocateBlockIndex(key *blockKey) int {
	index := t.nextBlockIndex
	t.nextBlockIndex++
	if key != nil {
		t.blockIndexByKey[*key] = index
	}
	t.lastBlockIndex = index
	return index
}

// getOrCreateBlockIndex resolves a key to a block index, allocating on first
// sight. Keyless frames inherit the last allocated index so providers that
// omit indices on single-block responses still address the right block.
func (t *StreamTranslator) getOrCreateBlockIndex(key *blockKey) (index int, created bool) {
	if key != nil {
		if existing, ok := t.blockIndexByKey[*key]; ok {
			return existing, false
		}
	}
	if key == nil && t.lastBlockIndex >= 0 {
		return t.lastBlockIndex, false
	}
	return t.allocateBlockIndex(key), true
}

// extractIndices pulls output_index/content_index from the frame or its
// nested item/part/content/delta objects, with a bare "index" standing in
// for a missing content index.
func extractIndices(data gjson.Result) (outputIndex, contentIndex int, hasOutput, hasContent bool) {
	read := func(obj gjson.Result) {
		if v := obj.Get("output_index"); v.Type == gjson.Number {
			outputIndex, hasOutput = int(v.Int()), true
		}
		if v := obj.Get("content_index"); v.Type == gjson.Number {
			contentIndex, hasContent = int(v.Int()), true
		}
	}
	read(data)
	for _, name := range []string{"item", "part", "content", "delta"} {
		if nested := data.Get(name); nested.IsObject() {
			read(nested)
		}
	}
	if !hasContent {
		if v := data.Get("index"); v.Type == gjson.Number {
			contentIndex, hasContent = int(v.Int()), true
		}
	}
	return
}

// keyForEvent builds the addressing key, or nil when the frame carries no
// index fields at all.
func keyForEvent(data gjson.Result, kind string) *blockKey {
	outputIndex, contentIndex, hasOutput, hasContent := extractIndices(data)
	if !hasOutput && !hasContent {
		return nil
	}
	key := blockKey{output: -1, content: -1, kind: kind}
	if hasOutput {
		key.output = outputIndex
	}
	if hasContent {
		key.content = contentIndex
	}
	return &key
}

// canonicalTextKey is the per-key identity used for Harmony text buffering;
// keyless frames share one sentinel bucket.
func canonicalTextKey(key *blockKey) blockKey {
	if key != nil {
		return *key
	}
	return blockKey{output: -1, content: -1, kind: "text"}
}

// --- text and Harmony ---

func (t *StreamTranslator) handleContentPartAdded(data gjson.Result) error {
	if data.Get("part.type").String() != "output_text" {
		return nil
	}
	key := keyForEvent(data, "text")
	index, created := t.getOrCreateBlockIndex(key)
	if !created {
		return nil
	}
	t.startedTextBlocks[index] = struct{}{}
	return t.emitBlockStart(index, anthropic.ContentBlock{Type: anthropic.ContentBlockTypeText})
}

func extractTextDelta(data gjson.Result) string {
	if delta := data.Get("delta"); delta.Type == gjson.String {
		return delta.String()
	} else if delta.IsObject() {
		if text := delta.Get("text"); text.Type == gjson.String {
			return text.String()
		}
	}
	return data.Get("text").String()
}

func (t *StreamTranslator) handleTextDelta(data gjson.Result) error {
	text := extractTextDelta(data)
	key := keyForEvent(data, "text")
	bufKey := canonicalTextKey(key)

	if _, harmony := t.harmonyKeys[bufKey]; harmony {
		t.appendTextBuffer(bufKey, text)
		return nil
	}

	// A key already streaming as a text block stays a text block even if a
	// Harmony tag shows up later.
	if !t.textKeyStarted(key) {
		buf := t.appendTextBuffer(bufKey, text)
		if harmonyTagRE.MatchString(buf) {
			t.harmonyKeys[bufKey] = struct{}{}
			t.harmonyOrder = append(t.harmonyOrder, bufKey)
			return nil
		}
	}

	index, created := t.getOrCreateBlockIndex(key)
	if created {
		t.startedTextBlocks[index] = struct{}{}
		if err := t.emitBlockStart(index, anthropic.ContentBlock{Type: anthropic.ContentBlockTypeText}); err != nil {
			return err
		}
	}
	return t.emitTextDelta(index, text)
}

func (t *StreamTranslator) textKeyStarted(key *blockKey) bool {
	index := -1
	if key != nil {
		existing, ok := t.blockIndexByKey[*key]
		if !ok {
			return false
		}
		index = existing
	} else {
		if t.lastBlockIndex < 0 {
			return false
		}
		index = t.lastBlockIndex
	}
	_, started := t.startedTextBlocks[index]
	return started
}

func (t *StreamTranslator) appendTextBuffer(key blockKey, text string) string {
	buf, ok := t.textBuffers[key]
	if !ok {
		buf = &strings.Builder{}
		t.textBuffers[key] = buf
	}
	buf.WriteString(text)
	return buf.String()
}

func (t *StreamTranslator) handleTextDone(eventType string, data gjson.Result) error {
	if eventType == "response.content_part.done" && data.Get("part.type").String() != "output_text" {
		return nil
	}
	key := keyForEvent(data, "text")
	bufKey := canonicalTextKey(key)
	if _, harmony := t.harmonyKeys[bufKey]; harmony {
		return t.flushHarmonyKey(bufKey)
	}
	index := -1
	if key != nil {
		existing, ok := t.blockIndexByKey[*key]
		if !ok {
			return nil
		}
		index = existing
	} else if t.lastBlockIndex >= 0 {
		index = t.lastBlockIndex
	} else {
		return nil
	}
	if _, started := t.startedTextBlocks[index]; !started {
		return nil
	}
	if _, done := t.completedTextBlocks[index]; done {
		return nil
	}
	t.completedTextBlocks[index] = struct{}{}
	return t.emitBlockStop(index)
}

// flushHarmonyKey turns one Harmony-marked text buffer into synthetic
// tool_use blocks. A native function_call anywhere on the stream suppresses
// emission; either way the buffer is consumed.
func (t *StreamTranslator) flushHarmonyKey(key blockKey) error {
	if _, consumed := t.harmonyConsumed[key]; consumed {
		return nil
	}
	t.harmonyConsumed[key] = struct{}{}
	buf, ok := t.textBuffers[key]
	if !ok {
		return nil
	}
	text := buf.String()
	delete(t.textBuffers, key)
	if t.sawFunctionCall {
		return nil
	}
	_, calls := parseHarmonyToolCalls(text)
	for _, call := range calls {
		index := t.allocateBlockIndex(nil)
		t.sawToolCall = true
		block := anthropic.ContentBlock{
			Type:  anthropic.ContentBlockTypeToolUse,
			ID:    fmt.Sprintf("harmony_tool_%d", index),
			Name:  call.Name,
			Input: call.Arguments,
		}
		if err := t.emitBlockStart(index, block); err != nil {
			return err
		}
		if err := t.emitBlockStop(index); err != nil {
			return err
		}
	}
	return nil
}

// --- tool-call aggregation ---

// extractToolMetadata finds the call id and tool name wherever the frame put
// them: top level first, then the nested item/delta objects.
func extractToolMetadata(data gjson.Result) (callID, name string) {
	for _, field := range []string{"call_id", "id", "tool_call_id", "item_id"} {
		if v := data.Get(field); v.Type == gjson.String {
			callID = v.String()
			break
		}
	}
	if v := data.Get("name"); v.Type == gjson.String {
		name = v.String()
	}
	for _, nestedName := range []string{"item", "delta"} {
		nested := data.Get(nestedName)
		if !nested.IsObject() {
			continue
		}
		if callID == "" {
			for _, field := range []string{"call_id", "id", "item_id"} {
				if v := nested.Get(field); v.Type == gjson.String {
					callID = v.String()
					break
				}
			}
		}
		if name == "" {
			if v := nested.Get("name"); v.Type == gjson.String {
				name = v.String()
			}
		}
	}
	return
}

// extractPartialJSON pulls an arguments fragment from wherever the frame put
// it. A bare string delta is deliberately not treated as a fragment; the
// final arguments value on the done frame covers that path.
func extractPartialJSON(data gjson.Result) string {
	if v := data.Get("partial_json"); v.Type == gjson.String {
		return v.String()
	}
	if delta := data.Get("delta"); delta.IsObject() {
		if v := delta.Get("partial_json"); v.Type == gjson.String {
			return v.String()
		}
		if v := delta.Get("arguments"); v.Type == gjson.String {
			return v.String()
		} else if v.IsObject() || v.IsArray() {
			return v.Raw
		}
	}
	if v := data.Get("arguments"); v.Type == gjson.String {
		return v.String()
	} else if v.IsObject() || v.IsArray() {
		return v.Raw
	}
	return ""
}

// extractFinalArguments returns the rendered final arguments value from a
// done frame, or "" when absent.
func extractFinalArguments(data gjson.Result) string {
	for _, path := range []string{"arguments", "item.arguments", "delta.arguments"} {
		v := data.Get(path)
		if v.Type == gjson.String {
			return v.String()
		}
		if v.IsObject() || v.IsArray() {
			return v.Raw
		}
	}
	return ""
}

// bindToolBlock resolves the block index for a tool event, preferring the
// call_id binding over the address key, and records new bindings.
func (t *StreamTranslator) bindToolBlock(data gjson.Result, callID string) (index int, created bool) {
	key := keyForEvent(data, "tool_use")
	if callID != "" {
		if existing, ok := t.toolBlockByCallID[callID]; ok {
			return existing, false
		}
	}
	index, created = t.getOrCreateBlockIndex(key)
	if callID != "" {
		t.toolBlockByCallID[callID] = index
	}
	return index, created
}

// mergeToolMeta records id and name set-once; later frames never overwrite.
func (t *StreamTranslator) mergeToolMeta(index int, callID, name string) *toolMeta {
	meta, ok := t.toolMetaByIndex[index]
	if !ok {
		meta = &toolMeta{}
		t.toolMetaByIndex[index] = meta
	}
	if callID != "" && meta.id == "" {
		meta.id = callID
	}
	if name != "" && meta.name == "" {
		meta.name = name
	}
	return meta
}

// forceToolMetaDefaults fills synthetic defaults when a done signal forces a
// block out before its identity arrived.
func (t *StreamTranslator) forceToolMetaDefaults(meta *toolMeta, index int) {
	if meta.id == "" {
		meta.id = fmt.Sprintf("tool_call_%d", index)
	}
	if meta.name == "" {
		meta.name = "unknown_tool"
	}
}

// startToolBlockIfReady emits the tool_use start once its metadata is
// complete (or force is set), flushing any arguments buffered before the
// start as a single delta.
func (t *StreamTranslator) startToolBlockIfReady(index int, meta *toolMeta, force bool) error {
	if !force && !meta.complete() {
		return nil
	}
	if _, started := t.startedToolBlocks[index]; started {
		return nil
	}
	t.startedToolBlocks[index] = struct{}{}
	block := anthropic.ContentBlock{
		Type: anthropic.ContentBlockTypeToolUse,
		ID:   meta.id,
		Name: meta.name,
	}
	if err := t.emitBlockStart(index, block); err != nil {
		return err
	}
	if buffered := t.toolInputBuffers[index]; len(buffered) > 0 {
		return t.emitJSONDelta(index, string(buffered))
	}
	return nil
}

func (t *StreamTranslator) appendToolPartial(index int, partial string) error {
	if partial == "" {
		return nil
	}
	t.toolInputBuffers[index] = append(t.toolInputBuffers[index], partial...)
	if _, started := t.startedToolBlocks[index]; started {
		return t.emitJSONDelta(index, partial)
	}
	return nil
}

// finishToolBlock renders a final-arguments value when the delta stream was
// skipped, then stops the block. Completion is idempotent per block index.
func (t *StreamTranslator) finishToolBlock(index int, finalArgs string) error {
	if _, started := t.startedToolBlocks[index]; started {
		if finalArgs != "" && len(t.toolInputBuffers[index]) == 0 {
			t.toolInputBuffers[index] = append(t.toolInputBuffers[index], finalArgs...)
			if err := t.emitJSONDelta(index, finalArgs); err != nil {
				return err
			}
		}
	}
	delete(t.toolInputBuffers, index)
	t.completedBlocks[index] = struct{}{}
	return t.emitBlockStop(index)
}

func (t *StreamTranslator) handleArgumentsDelta(data gjson.Result) error {
	callID, name := extractToolMetadata(data)
	t.sawToolCall = true
	t.sawFunctionCall = true
	index, created := t.bindToolBlock(data, callID)
	meta := t.mergeToolMeta(index, callID, name)
	if created {
		t.toolInputBuffers[index] = nil
	}
	if err := t.startToolBlockIfReady(index, meta, false); err != nil {
		return err
	}
	return t.appendToolPartial(index, extractPartialJSON(data))
}

func (t *StreamTranslator) handleArgumentsDone(data gjson.Result) error {
	callID, name := extractToolMetadata(data)
	t.sawToolCall = true
	t.sawFunctionCall = true
	index, created := t.bindToolBlock(data, callID)
	if _, done := t.completedBlocks[index]; done {
		return nil
	}
	meta := t.mergeToolMeta(index, callID, name)
	if created {
		t.toolInputBuffers[index] = nil
	}
	t.forceToolMetaDefaults(meta, index)
	if err := t.startToolBlockIfReady(index, meta, true); err != nil {
		return err
	}
	return t.finishToolBlock(index, extractFinalArguments(data))
}

// --- output items (function_call and web_search_call) ---

func (t *StreamTranslator) handleOutputItem(eventType string, data gjson.Result) error {
	item := data.Get("item")
	switch item.Get("type").String() {
	case "web_search_call":
		return t.handleWebSearchItem(data, item)
	case "function_call":
	default:
		return nil
	}

	t.sawToolCall = true
	t.sawFunctionCall = true
	callID := item.Get("call_id").String()
	if callID == "" {
		callID = item.Get("id").String()
	}
	name := item.Get("name").String()

	index, created := t.bindToolBlock(data, callID)
	if eventType == "response.output_item.done" {
		if _, done := t.completedBlocks[index]; done {
			return nil
		}
	}
	meta := t.mergeToolMeta(index, callID, name)

	switch eventType {
	case "response.output_item.added":
		t.toolInputBuffers[index] = nil
		return t.startToolBlockIfReady(index, meta, false)

	case "response.output_item.delta":
		if created {
			t.toolInputBuffers[index] = nil
		}
		if err := t.startToolBlockIfReady(index, meta, false); err != nil {
			return err
		}
		partial := ""
		if args := item.Get("arguments"); args.Type == gjson.String {
			partial = args.String()
		} else if args.IsObject() || args.IsArray() {
			partial = args.Raw
		}
		return t.appendToolPartial(index, partial)

	default: // response.output_item.done
		if created {
			t.toolInputBuffers[index] = nil
		}
		t.forceToolMetaDefaults(meta, index)
		if err := t.startToolBlockIfReady(index, meta, true); err != nil {
			return err
		}
		finalArgs := ""
		if args := item.Get("arguments"); args.Type == gjson.String {
			finalArgs = args.String()
		} else if args.IsObject() || args.IsArray() {
			finalArgs = args.Raw
		}
		return t.finishToolBlock(index, finalArgs)
	}
}

func (t *StreamTranslator) handleWebSearchItem(data gjson.Result, item gjson.Result) error {
	callID := item.Get("id").String()
	if callID == "" {
		return nil
	}
	if action := item.Get("action"); action.IsObject() {
		if _, seen := t.webSearchActions[callID]; !seen {
			t.webSearchOrder = append(t.webSearchOrder, callID)
		}
		t.webSearchActions[callID] = action
	} else if _, seen := t.webSearchActions[callID]; !seen {
		t.webSearchActions[callID] = gjson.Result{}
		t.webSearchOrder = append(t.webSearchOrder, callID)
	}
	return t.emitWebSearchCall(callID, t.webSearchActions[callID], &data, false)
}

// emitWebSearchCall emits the server_tool_use and web_search_tool_result
// block pair for one web_search_call, each at most once per call id across
// the stream. The result block waits for sources unless emitEmpty is set
// (the completion flush).
func (t *StreamTranslator) emitWebSearchCall(callID string, action gjson.Result, keySource *gjson.Result, emitEmpty bool) error {
	if _, emitted := t.webSearchUseEmitted[callID]; !emitted {
		var key *blockKey
		if keySource != nil {
			key = keyForEvent(*keySource, "web_search_use")
		}
		index := t.allocateBlockIndex(key)
		t.webSearchUseEmitted[callID] = struct{}{}
		block := anthropic.ContentBlock{
			Type:  anthropic.ContentBlockTypeServerToolUse,
			ID:    callID,
			Name:  "web_search",
			Input: webSearchInputFromAction(action),
		}
		if err := t.emitBlockStart(index, block); err != nil {
			return err
		}
		if err := t.emitBlockStop(index); err != nil {
			return err
		}
	}

	if _, emitted := t.webSearchResultEmitted[callID]; !emitted {
		results := webSearchResultsFromAction(action)
		if len(results) > 0 || emitEmpty {
			var key *blockKey
			if keySource != nil {
				key = keyForEvent(*keySource, "web_search_result")
			}
			index := t.allocateBlockIndex(key)
			t.webSearchResultEmitted[callID] = struct{}{}
			content, err := json.Marshal(results)
			if err != nil {
				content = json.RawMessage("[]")
			}
			block := anthropic.ContentBlock{
				Type:      anthropic.ContentBlockTypeWebSearchToolResult,
				ToolUseID: callID,
				Content:   content,
			}
			if err := t.emitBlockStart(index, block); err != nil {
				return err
			}
			if err := t.emitBlockStop(index); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- reasoning passthrough ---

// handleReasoning accumulates reasoning text for observability; reasoning
// traces have no Anthropic block shape here, so they are logged rather than
// forwarded.
func (t *StreamTranslator) handleReasoning(eventType string, data gjson.Result) {
	itemID := data.Get("item_id").String()
	if itemID == "" {
		itemID = "unknown_item"
	}
	outputIndex, contentIndex, hasOutput, hasContent := extractIndices(data)
	if !hasOutput {
		outputIndex = -1
	}
	if !hasContent {
		contentIndex = -1
	}
	key := fmt.Sprintf("%s/%d/%d", itemID, outputIndex, contentIndex)

	switch eventType {
	case "response.reasoning_text.delta":
		if delta := data.Get("delta"); delta.Type == gjson.String {
			t.reasoningText[key] += delta.String()
		}
	case "response.reasoning_text.done":
		if text := data.Get("text"); text.Type == gjson.String {
			t.reasoningText[key] = text.String()
		}
		t.logger.Info("upstream reasoning text",
			slog.String("itemID", itemID),
			slog.Int("outputIndex", outputIndex),
			slog.Int("contentIndex", contentIndex),
			slog.String("text", t.reasoningText[key]),
		)
	default:
		t.logger.Debug("upstream reasoning summary",
			slog.String("eventType", eventType),
			slog.String("itemID", itemID),
			slog.String("payload", data.Raw),
		)
	}
}

// --- completion ---

func (t *StreamTranslator) handleCompleted(data gjson.Result) error {
	response := data.Get("response")
	if !response.IsObject() {
		response = data
	}

	// Flush web-search calls whose results never materialized mid-stream.
	for _, callID := range t.webSearchOrder {
		if err := t.emitWebSearchCall(callID, t.webSearchActions[callID], nil, true); err != nil {
			return err
		}
	}

	// Flush Harmony buffers that never saw a done frame.
	for _, key := range t.harmonyOrder {
		if err := t.flushHarmonyKey(key); err != nil {
			return err
		}
	}

	// Close any block the upstream left open so every start is balanced by
	// a stop before message_stop.
	for index := 0; index < t.nextBlockIndex; index++ {
		if _, started := t.startedTextBlocks[index]; started {
			if _, done := t.completedTextBlocks[index]; !done {
				t.completedTextBlocks[index] = struct{}{}
				if err := t.emitBlockStop(index); err != nil {
					return err
				}
			}
		}
		if _, started := t.startedToolBlocks[index]; started {
			if _, done := t.completedBlocks[index]; !done {
				if err := t.finishToolBlock(index, ""); err != nil {
					return err
				}
			}
		}
	}

	stopReason := deriveStopReasonFromStream(response)
	if stopReason == anthropic.StopReasonEndTurn && t.sawToolCall {
		stopReason = anthropic.StopReasonToolUse
	}

	usageSource := response.Get("usage")
	if !usageSource.IsObject() {
		usageSource = data.Get("usage")
	}
	var usage anthropic.Usage
	if usageSource.IsObject() {
		usage = NormalizeUsage(json.RawMessage(usageSource.Raw))
	}

	if err := t.sink(anthropic.EventMessageDelta, anthropic.MessageDeltaEvent{
		Type:  anthropic.EventMessageDelta,
		Delta: anthropic.MessageDeltaDelta{StopReason: stopReason},
		Usage: usage,
	}); err != nil {
		return err
	}
	t.completed = true
	return t.sink(anthropic.EventMessageStop, anthropic.MessageStopEvent{
		Type:  anthropic.EventMessageStop,
		Usage: usage,
	})
}

func deriveStopReasonFromStream(response gjson.Result) anthropic.StopReason {
	sawFunctionCall := false
	response.Get("output").ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "function_call" {
			sawFunctionCall = true
			return false
		}
		return true
	})
	incompleteReason := ""
	if response.Get("status").String() == "incomplete" {
		incompleteReason = response.Get("incomplete_details.reason").String()
	}
	return deriveStopReason(sawFunctionCall, incompleteReason)
}
