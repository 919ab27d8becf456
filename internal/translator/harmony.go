// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"encoding/json"
	"regexp"
)

// harmonyTagRE matches the <|...|> markers some models wrap around in-band
// tool calls embedded in assistant text.
var harmonyTagRE = regexp.MustCompile(`<\|[^>]+?\|>`)

// harmonyToolCall is one tool invocation recovered from Harmony-tagged text.
type harmonyToolCall struct {
	Name      string
	Arguments map[string]any
}

// extractJSONObjects returns every balanced top-level {...} region of text.
// The scanner is string-aware: braces inside double-quoted strings are
// skipped and backslash escapes are honored. Unbalanced trailing objects are
// dropped silently; the buffer is mid-generation model output and often
// truncated.
func extractJSONObjects(text string) []string {
	var objects []string
	depth := 0
	start := -1
	inString := false
	escape := false
	for i, ch := range text {
		if inString {
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				objects = append(objects, text[start:i+1])
				start = -1
			}
		}
	}
	return objects
}

// parseHarmonyToolCalls reports whether text carries any Harmony tag, and
// returns the {name, arguments} objects that parse out of it. Objects
// without a non-empty string name are skipped; non-object arguments collapse
// to an empty input.
func parseHarmonyToolCalls(text string) (bool, []harmonyToolCall) {
	if !harmonyTagRE.MatchString(text) {
		return false, nil
	}
	var calls []harmonyToolCall
	for _, raw := range extractJSONObjects(text) {
		var parsed struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil || parsed.Name == "" {
			continue
		}
		args := map[string]any{}
		if len(parsed.Arguments) > 0 {
			// Keep only object-shaped arguments.
			var obj map[string]any
			if err := json.Unmarshal(parsed.Arguments, &obj); err == nil && obj != nil {
				args = obj
			}
		}
		calls = append(calls, harmonyToolCall{Name: parsed.Name, Arguments: args})
	}
	return true, calls
}
