// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics records proxy instrumentation following the Semantic
// Conventions for Generative AI Metrics.
// See: https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-metrics/
package metrics

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/modelrelay/modelrelay/internal/llmapi"
)

const (
	genaiMetricClientTokenUsage      = "gen_ai.client.token.usage" // #nosec G101: Potential hardcoded credentials
	genaiMetricServerRequestDuration = "gen_ai.server.request.duration"
	proxyMetricRetries               = "proxy.request.retries"

	genaiAttributeSystemName   = "gen_ai.system.name"
	genaiAttributeRequestModel = "gen_ai.request.model"
	genaiAttributeTokenType    = "gen_ai.token.type" // #nosec G101: Potential hardcoded credentials
	genaiAttributeErrorType    = "error.type"

	genaiTokenTypeInput    = "input"
	genaiTokenTypeOutput   = "output"
	genaiErrorTypeFallback = "_OTHER"
)

// ProxyMetrics holds the proxy's metric instruments.
type ProxyMetrics struct {
	tokenUsage     metric.Float64Histogram
	requestLatency metric.Float64Histogram
	retries        metric.Int64Counter
}

// NewProxyMetrics registers the proxy instruments on the meter.
func NewProxyMetrics(meter metric.Meter) (*ProxyMetrics, error) {
	tokenUsage, err := meter.Float64Histogram(genaiMetricClientTokenUsage,
		metric.WithDescription("Number of tokens processed."),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", genaiMetricClientTokenUsage, err)
	}
	requestLatency, err := meter.Float64Histogram(genaiMetricServerRequestDuration,
		metric.WithDescription("Time spent serving one request attempt."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", genaiMetricServerRequestDuration, err)
	}
	retries, err := meter.Int64Counter(proxyMetricRetries,
		metric.WithDescription("Number of re-enqueued request attempts."))
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", proxyMetricRetries, err)
	}
	return &ProxyMetrics{tokenUsage: tokenUsage, requestLatency: requestLatency, retries: retries}, nil
}

// RecordTokenUsage records input and output token counts for one attempt.
func (m *ProxyMetrics) RecordTokenUsage(ctx context.Context, service llmapi.Service, inputTokens, outputTokens int) {
	base := []attribute.KeyValue{
		attribute.Key(genaiAttributeSystemName).String(string(service)),
	}
	m.tokenUsage.Record(ctx, float64(inputTokens), metric.WithAttributes(append(base,
		attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeInput))...))
	m.tokenUsage.Record(ctx, float64(outputTokens), metric.WithAttributes(append(base,
		attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeOutput))...))
}

// RecordRequestCompletion records the latency of one attempt. The error
// attribute is only set on failures per the semantic conventions.
func (m *ProxyMetrics) RecordRequestCompletion(ctx context.Context, service llmapi.Service, model string, start time.Time, success bool) {
	attrs := []attribute.KeyValue{
		attribute.Key(genaiAttributeSystemName).String(string(service)),
		attribute.Key(genaiAttributeRequestModel).String(model),
	}
	if !success {
		attrs = append(attrs, attribute.Key(genaiAttributeErrorType).String(genaiErrorTypeFallback))
	}
	m.requestLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
}

// RecordRetry counts one re-enqueued attempt.
func (m *ProxyMetrics) RecordRetry(ctx context.Context, service llmapi.Service) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.Key(genaiAttributeSystemName).String(string(service))))
}

// NewPrometheusMeter builds a MeterProvider backed by the given Prometheus
// registry and returns a meter plus its shutdown function.
func NewPrometheusMeter(registry *promclient.Registry) (metric.Meter, func(context.Context) error, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return provider.Meter("modelrelay"), provider.Shutdown, nil
}
