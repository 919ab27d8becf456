// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package modelmap resolves Anthropic model names to upstream OpenAI model
// names through a configured alias map with prefix matching.
package modelmap

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Map is a parsed, normalized model alias map. The zero value resolves
// everything to the default model.
type Map struct {
	aliases map[string]string
	// Nested reports whether the configured JSON wrapped the aliases in a
	// "models" object. Only used for startup logging.
	Nested bool
}

// MatchKind describes how a model name was resolved.
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchPrefix MatchKind = "prefix"
	MatchMiss   MatchKind = "miss"
)

// normalizeKey lowercases and trims a model name. Empty after trimming means
// the name is unusable as a key.
func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Parse parses the MODEL_MAP_JSON configuration value. The JSON is either a
// flat object of alias->model pairs or the same object nested under a single
// "models" key; mixing the two forms is an error, as are duplicate keys
// after case folding.
func Parse(raw string) (*Map, error) {
	if strings.TrimSpace(raw) == "" {
		return &Map{aliases: map[string]string{}}, nil
	}

	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("model map must be a JSON object: %w", err)
	}

	source := parsed
	nested := false
	if rawModels, ok := parsed["models"]; ok {
		var models map[string]json.RawMessage
		if err := json.Unmarshal(rawModels, &models); err != nil {
			return nil, fmt.Errorf("model map 'models' must be a JSON object: %w", err)
		}
		if len(parsed) > 1 {
			return nil, fmt.Errorf("model map cannot contain both top-level mappings and a 'models' object")
		}
		source = models
		nested = true
	}

	aliases := make(map[string]string, len(source))
	for rawKey, rawValue := range source {
		key := normalizeKey(rawKey)
		if key == "" {
			return nil, fmt.Errorf("model map keys must be non-empty strings")
		}
		var value string
		if err := json.Unmarshal(rawValue, &value); err != nil || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("model map value for %q must be a non-empty string", rawKey)
		}
		if _, dup := aliases[key]; dup {
			return nil, fmt.Errorf("model map has duplicate key %q after normalization", key)
		}
		aliases[key] = value
	}
	return &Map{aliases: aliases, Nested: nested}, nil
}

// Resolve maps an Anthropic model name to an upstream model name. Exact
// matches win, then the longest alias that is a prefix of the requested name;
// anything else falls through to defaultModel. A tie between equally long
// prefixes is reported as an error, though Parse's duplicate-key check makes
// one impossible for maps it accepted.
func (m *Map) Resolve(model, defaultModel string) (resolved string, kind MatchKind, err error) {
	normalized := normalizeKey(model)
	if normalized == "" {
		return defaultModel, MatchMiss, nil
	}
	if v, ok := m.aliases[normalized]; ok {
		return v, MatchExact, nil
	}

	var best []string
	bestLen := 0
	for k := range m.aliases {
		if !strings.HasPrefix(normalized, k) {
			continue
		}
		switch {
		case len(k) > bestLen:
			best, bestLen = []string{k}, len(k)
		case len(k) == bestLen:
			best = append(best, k)
		}
	}
	switch len(best) {
	case 0:
		return defaultModel, MatchMiss, nil
	case 1:
		return m.aliases[best[0]], MatchPrefix, nil
	default:
		sort.Strings(best)
		return "", MatchMiss, fmt.Errorf("model map prefix mapping is ambiguous for %q: %v", normalized, best)
	}
}

// Len returns the number of configured aliases.
func (m *Map) Len() int { return len(m.aliases) }
