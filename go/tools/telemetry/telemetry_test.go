// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// restoreGlobals puts the global OpenTelemetry providers back after t.
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp := otel.GetTracerProvider()
	mp := otel.GetMeterProvider()
	prop := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})
}

// logRecorder is a log processor that keeps every record.
type logRecorder struct {
	records []sdklog.Record
}

func (r *logRecorder) OnEmit(_ context.Context, rec *sdklog.Record) error {
	r.records = append(r.records, rec.Clone())
	return nil
}
func (r *logRecorder) Shutdown(context.Context) error   { return nil }
func (r *logRecorder) ForceFlush(context.Context) error { return nil }

func TestInitTelemetryWithTestExporters(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()
	spans := tracetest.NewInMemoryExporter()
	reader := metric.NewManualReader()
	tel := NewTelemetry().WithTestExporters(spans, reader, nil)

	require.NoError(t, tel.InitTelemetry(ctx, "sqlclient-test"))
	require.NoError(t, tel.InitTelemetry(ctx, "ignored"), "second init is a no-op")
	assert.Same(t, tel.tracerProvider, tel.GetTracerProvider())
	assert.Same(t, tel.meterProvider, tel.GetMeterProvider())

	_, span := otel.Tracer("test").Start(ctx, "work")
	span.End()
	require.Len(t, spans.GetSpans(), 1)
	assert.Equal(t, "work", spans.GetSpans()[0].Name)

	counter, err := otel.Meter("test").Int64Counter("queries")
	require.NoError(t, err)
	counter.Add(ctx, 3)
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, "queries", rm.ScopeMetrics[0].Metrics[0].Name)

	require.NoError(t, tel.ShutdownTelemetry(ctx))
	require.NoError(t, tel.ShutdownTelemetry(ctx), "second shutdown is a no-op")
}

func TestInitTelemetryDefaultsToNoExport(t *testing.T) {
	restoreGlobals(t)
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv("OTEL_LOGS_EXPORTER", "none")

	tel := NewTelemetry()
	require.NoError(t, tel.InitTelemetry(context.Background(), "sqlclient-test"))
	assert.Nil(t, tel.tracerProvider)
	assert.Nil(t, tel.meterProvider)
	assert.Nil(t, tel.loggerProvider)
	require.NoError(t, tel.ShutdownTelemetry(context.Background()))
}

func TestInitForCommandStartsSpan(t *testing.T) {
	restoreGlobals(t)
	spans := tracetest.NewInMemoryExporter()
	tel := NewTelemetry().WithTestExporters(spans, metric.NewManualReader(), nil)

	cmd := &cobra.Command{Use: "query [flags] SQL..."}
	cmd.SetContext(context.Background())
	span, err := tel.InitForCommand(cmd, "sqlclient", true)
	require.NoError(t, err)
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.Len(t, spans.GetSpans(), 1)
	assert.Equal(t, "query", spans.GetSpans()[0].Name)
	require.NoError(t, tel.ShutdownTelemetry(context.Background()))
}

func TestWithEnvTraceparent(t *testing.T) {
	restoreGlobals(t)
	tel := NewTelemetry().WithTestExporters(tracetest.NewInMemoryExporter(), metric.NewManualReader(), nil)
	require.NoError(t, tel.InitTelemetry(context.Background(), "sqlclient-test"))
	defer func() { require.NoError(t, tel.ShutdownTelemetry(context.Background())) }()

	t.Setenv("TRACEPARENT", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	ctx := tel.WithEnvTraceparent(context.Background())
	_, span := Tracer().Start(ctx, "child")
	defer span.End()
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.SpanContext().TraceID().String())
}

func TestWrapSlogHandler(t *testing.T) {
	restoreGlobals(t)
	ctx := context.Background()
	logs := &logRecorder{}
	tel := NewTelemetry().WithTestExporters(tracetest.NewInMemoryExporter(), metric.NewManualReader(), logs)
	require.NoError(t, tel.InitTelemetry(ctx, "sqlclient-test"))
	defer func() { require.NoError(t, tel.ShutdownTelemetry(ctx)) }()

	var buf bytes.Buffer
	logger := slog.New(tel.WrapSlogHandler(slog.NewJSONHandler(&buf, nil)))

	spanCtx, span := Tracer().Start(ctx, "query")
	logger.InfoContext(spanCtx, "connection leased", "data_source", "orders")
	span.End()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])
	assert.Equal(t, "orders", entry["data_source"])

	require.Len(t, logs.records, 1)
	assert.Equal(t, "connection leased", logs.records[0].Body().AsString())
}

func TestWrapSlogHandlerWithoutLogExport(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTelemetry().WrapSlogHandler(slog.NewTextHandler(&buf, nil)))
	logger.Info("no span")
	assert.Contains(t, buf.String(), "msg=\"no span\"")
	assert.NotContains(t, buf.String(), "trace_id")
}
