// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("concierge.llm")

// instrumentedClient records a span, latency and token usage per call.
type instrumentedClient struct {
	next Client

	latency metric.Float64Histogram
	tokens  metric.Int64Counter
	errors  metric.Int64Counter
}

// Instrument wraps client with OpenTelemetry tracing and metrics.
//
// # Description
//
// Instruments are created on the global MeterProvider, so they start
// exporting once telemetry is initialized even if Instrument ran first.
// Instrument failures degrade to no-op instruments; they never fail a call.
func Instrument(client Client) Client {
	if _, ok := client.(*instrumentedClient); ok {
		return client
	}
	meter := otel.Meter("concierge.llm")
	ic := &instrumentedClient{next: client}

	var err error
	ic.latency, err = meter.Float64Histogram("concierge.llm.request.duration",
		metric.WithDescription("Provider call latency"),
		metric.WithUnit("s"))
	if err != nil {
		slog.Warn("Failed to create LLM latency histogram", "error", err)
	}
	ic.tokens, err = meter.Int64Counter("concierge.llm.tokens",
		metric.WithDescription("Tokens consumed by provider calls"))
	if err != nil {
		slog.Warn("Failed to create LLM token counter", "error", err)
	}
	ic.errors, err = meter.Int64Counter("concierge.llm.errors",
		metric.WithDescription("Failed provider calls"))
	if err != nil {
		slog.Warn("Failed to create LLM error counter", "error", err)
	}
	return ic
}

func (c *instrumentedClient) Name() string  { return c.next.Name() }
func (c *instrumentedClient) Model() string { return c.next.Model() }

// Unwrap returns the wrapped client.
func (c *instrumentedClient) Unwrap() Client { return c.next }

func (c *instrumentedClient) Complete(ctx context.Context, request *Request) (*Response, error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.provider", c.next.Name()),
		attribute.String("llm.model", c.next.Model()),
	}
	ctx, span := tracer.Start(ctx, "llm.Complete", trace.WithAttributes(attrs...))
	defer span.End()
	span.SetAttributes(
		attribute.Int("llm.messages", len(request.Messages)),
		attribute.Int("llm.tools", len(request.Tools)),
	)

	start := time.Now()
	resp, err := c.next.Complete(ctx, request)
	elapsed := time.Since(start)
	set := metric.WithAttributes(attrs...)

	if c.latency != nil {
		c.latency.Record(ctx, elapsed.Seconds(), set)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if c.errors != nil {
			kind := "provider"
			if IsTimeout(err) {
				kind = "timeout"
			}
			c.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("kind", kind))...))
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.String("llm.stop_reason", resp.StopReason),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
		attribute.Int("llm.input_tokens", resp.InputTokens),
		attribute.Int("llm.output_tokens", resp.OutputTokens),
	)
	if c.tokens != nil {
		c.tokens.Add(ctx, int64(resp.InputTokens), metric.WithAttributes(append(attrs, attribute.String("direction", "input"))...))
		c.tokens.Add(ctx, int64(resp.OutputTokens), metric.WithAttributes(append(attrs, attribute.String("direction", "output"))...))
	}
	return resp, nil
}

var _ Client = (*instrumentedClient)(nil)
