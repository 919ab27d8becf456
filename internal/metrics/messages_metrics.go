// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aibridge/aibridge/internal/apischema/anthropic"
)

// MessagesFactory creates one Messages recorder per request.
type MessagesFactory func() *Messages

// NewMessagesFactory binds the GenAI instruments once and hands out
// per-request recorders that share them.
func NewMessagesFactory(meter metric.Meter, system string) MessagesFactory {
	instruments := newGenAI(meter)
	return func() *Messages {
		return &Messages{
			metrics: instruments,
			model:   "unknown",
			system:  system,
		}
	}
}

// Messages records the metrics of a single /v1/messages request. It is not
// safe for concurrent use; handlers own one instance per request.
type Messages struct {
	metrics        *genAI
	firstTokenSent bool
	requestStart   time.Time
	lastTokenTime  time.Time
	model          string
	system         string
}

// StartRequest initializes timing for a new request.
func (m *Messages) StartRequest() {
	m.requestStart = time.Now()
	m.firstTokenSent = false
}

// SetModel sets the client-requested model, once known.
func (m *Messages) SetModel(model string) {
	m.model = model
}

func (m *Messages) baseAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Key(genaiAttributeOperationName).String(genaiOperationMessages),
		attribute.Key(genaiAttributeSystemName).String(m.system),
		attribute.Key(genaiAttributeRequestModel).String(m.model),
	}
}

// RecordTokenUsage records the final usage of the request. The input count
// includes cached prompt tokens so the metric reflects the full prompt size.
func (m *Messages) RecordTokenUsage(ctx context.Context, usage anthropic.Usage) {
	attrs := m.baseAttributes()
	input := usage.InputTokens + usage.CacheReadInputTokens + usage.CacheCreationInputTokens
	m.metrics.tokenUsage.Record(ctx, float64(input),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeInput)),
	)
	m.metrics.tokenUsage.Record(ctx, float64(usage.OutputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeOutput)),
	)
	m.metrics.tokenUsage.Record(ctx, float64(input+usage.OutputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeTotal)),
	)
}

// RecordRequestCompletion records the request latency with success/failure
// status.
func (m *Messages) RecordRequestCompletion(ctx context.Context, success bool) {
	attrs := m.baseAttributes()
	if success {
		// The semantic conventions say the error attribute must be absent
		// on successful operations.
		m.metrics.requestLatency.Record(ctx, time.Since(m.requestStart).Seconds(), metric.WithAttributes(attrs...))
		return
	}
	// There is no low-cardinality error taxonomy to report yet, so the
	// semconv placeholder is used.
	// See: https://opentelemetry.io/docs/specs/semconv/attributes-registry/error/#error-type
	m.metrics.requestLatency.Record(ctx, time.Since(m.requestStart).Seconds(),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeErrorType).String(genaiErrorTypeFallback)),
	)
}

// RecordTokenLatency records streaming token timing: the first call after
// StartRequest lands in time_to_first_token, subsequent calls in
// time_per_output_token averaged over tokens.
func (m *Messages) RecordTokenLatency(ctx context.Context, tokens int) {
	attrs := m.baseAttributes()
	if !m.firstTokenSent {
		m.firstTokenSent = true
		m.metrics.firstTokenLatency.Record(ctx, time.Since(m.requestStart).Seconds(), metric.WithAttributes(attrs...))
	} else if tokens > 0 {
		itl := time.Since(m.lastTokenTime).Seconds() / float64(tokens)
		m.metrics.outputTokenLatency.Record(ctx, itl, metric.WithAttributes(attrs...))
	}
	m.lastTokenTime = time.Now()
}
