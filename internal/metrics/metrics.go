// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// NewMeterFromEnv builds the OpenTelemetry MeterProvider backing all proxy
// metrics. Metrics are always exported to the given Prometheus registry
// (scraped from the admin listener); a console exporter is added when
// OTEL_METRICS_EXPORTER=console and the SDK is not disabled via
// OTEL_SDK_DISABLED. The stdout parameter directs console exporter output
// (use os.Stdout in production). The returned shutdown function flushes and
// closes the provider.
func NewMeterFromEnv(ctx context.Context, stdout io.Writer, registry *prometheus.Registry) (metric.Meter, func(context.Context) error, error) {
	promReader, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}
	options := []sdkmetric.Option{sdkmetric.WithReader(promReader)}

	if os.Getenv("OTEL_SDK_DISABLED") != "true" && os.Getenv("OTEL_METRICS_EXPORTER") == "console" {
		res, err := buildResource(ctx)
		if err != nil {
			return nil, nil, err
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(stdout))
		if err != nil {
			return nil, nil, err
		}
		options = append(options,
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		)
	}

	mp := sdkmetric.NewMeterProvider(options...)
	return mp.Meter("aibridge"), mp.Shutdown, nil
}

// buildResource merges the default resource with environment overrides,
// falling back to a fixed service name when none is configured.
func buildResource(ctx context.Context) (*resource.Resource, error) {
	envRes, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("aibridge"),
	))
	if err != nil {
		return nil, err
	}
	return resource.Merge(res, envRes)
}
