// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_observe holds the engine's OpenTelemetry metric
// instruments, bridged to Prometheus so the admin /metrics endpoint serves
// a standard scrape target.
package internal_observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/rapidaai/voice-engine"

// Metrics holds every instrument the engine records. The OTel types are
// concurrency-safe; one Metrics instance is shared engine-wide.
type Metrics struct {
	// ActiveCalls tracks live calls.
	ActiveCalls metric.Int64UpDownCounter

	// TurnLatency tracks user-speech-end to agent-audio-start, in ms.
	// Attribute: provider.
	TurnLatency metric.Float64Histogram

	// PlaybackUnderflows counts paced-audio buffer underruns.
	PlaybackUnderflows metric.Int64Counter

	// BargeInEvents counts caller interruptions of agent speech.
	BargeInEvents metric.Int64Counter

	// ToolExecutionDuration tracks tool latency in ms. Attributes: phase,
	// tool.
	ToolExecutionDuration metric.Float64Histogram

	// OutboundCalls counts campaign dial attempts by outcome.
	OutboundCalls metric.Int64Counter
}

// InitProvider installs a meter provider backed by the Prometheus exporter
// as the global OTel provider. The returned shutdown flushes on exit.
func InitProvider(serviceName, serviceVersion string) (func(context.Context) error, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// NewMetrics creates the instrument set from a meter provider. Tests pass
// their own provider to stay isolated.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.ActiveCalls, err = meter.Int64UpDownCounter("voice_engine_active_calls",
		metric.WithDescription("Number of live calls")); err != nil {
		return nil, err
	}
	if m.TurnLatency, err = meter.Float64Histogram("voice_engine_turn_latency_ms",
		metric.WithDescription("User speech end to agent audio start"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.PlaybackUnderflows, err = meter.Int64Counter("voice_engine_playback_underflows_total",
		metric.WithDescription("Playback buffer underruns")); err != nil {
		return nil, err
	}
	if m.BargeInEvents, err = meter.Int64Counter("voice_engine_barge_in_events_total",
		metric.WithDescription("Caller interruptions of agent speech")); err != nil {
		return nil, err
	}
	if m.ToolExecutionDuration, err = meter.Float64Histogram("voice_engine_tool_execution_duration_ms",
		metric.WithDescription("Tool execution latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.OutboundCalls, err = meter.Int64Counter("voice_engine_outbound_calls_total",
		metric.WithDescription("Campaign dial attempts by outcome")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordTurnLatency records one turn latency for a provider.
func (m *Metrics) RecordTurnLatency(ctx context.Context, provider string, ms float64) {
	m.TurnLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordToolExecution records one tool run.
func (m *Metrics) RecordToolExecution(ctx context.Context, phase, tool string, ms float64) {
	m.ToolExecutionDuration.Record(ctx, ms, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("tool", tool),
	))
}

// RecordOutboundCall counts one dial attempt outcome.
func (m *Metrics) RecordOutboundCall(ctx context.Context, outcome string) {
	m.OutboundCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
