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

// Package telemetry sets up OpenTelemetry traces, metrics and logs for the
// sqlclient command.
//
// Exporters are chosen by the standard OpenTelemetry environment variables
// and default to none. To export pool metrics and query spans over OTLP:
//
//	OTEL_EXPORTER_OTLP_PROTOCOL="http/protobuf" \
//	  OTEL_EXPORTER_OTLP_ENDPOINT="http://localhost:4318" \
//	  OTEL_METRICS_EXPORTER=otlp \
//	  OTEL_TRACES_EXPORTER=otlp \
//	  sqlclient serve --datasources-file datasources.yaml
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/multigres/sqlclient"

// Tracer returns a tracer of the current global provider.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

// Telemetry owns the OpenTelemetry providers of one process.
type Telemetry struct {
	mu             sync.Mutex
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	loggerProvider *sdklog.LoggerProvider
	initialized    bool

	testSpanExporter sdktrace.SpanExporter
	testMetricReader sdkmetric.Reader
	testLogProcessor sdklog.Processor
}

// NewTelemetry creates an uninitialized Telemetry.
func NewTelemetry() *Telemetry {
	return &Telemetry{}
}

// WithTestExporters replaces autoexport with the given exporters. It must
// be called before InitTelemetry. Any of them may be nil.
func (t *Telemetry) WithTestExporters(spanExporter sdktrace.SpanExporter, metricReader sdkmetric.Reader, logProcessor sdklog.Processor) *Telemetry {
	t.testSpanExporter = spanExporter
	t.testMetricReader = metricReader
	t.testLogProcessor = logProcessor
	return t
}

// InitTelemetry creates the providers and installs them globally. The
// service name can be overridden with OTEL_SERVICE_NAME. Later calls are
// no-ops until ShutdownTelemetry.
func (t *Telemetry) InitTelemetry(ctx context.Context, serviceName string, attrs ...attribute.KeyValue) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.initialized {
		return nil
	}

	if env := os.Getenv("OTEL_SERVICE_NAME"); env != "" {
		serviceName = env
	}
	res := resource.NewWithAttributes(semconv.SchemaURL,
		append([]attribute.KeyValue{semconv.ServiceName(serviceName)}, attrs...)...)

	if err := t.initTracing(ctx, res); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if err := t.initMetrics(ctx, res); err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if err := t.initLogs(ctx, res); err != nil {
		return fmt.Errorf("failed to initialize logs: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.initialized = true
	slog.DebugContext(ctx, "OpenTelemetry initialized", "service", serviceName)
	return nil
}

// defaultNone makes an unset exporter variable mean "none" rather than
// autoexport's OTLP default.
func defaultNone(envVar string) {
	if os.Getenv(envVar) == "" {
		os.Setenv(envVar, "none")
	}
}

func (t *Telemetry) initTracing(ctx context.Context, res *resource.Resource) error {
	if t.testSpanExporter != nil {
		t.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(t.testSpanExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(t.tracerProvider)
		return nil
	}

	defaultNone("OTEL_TRACES_EXPORTER")
	exporter, err := autoexport.NewSpanExporter(ctx)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}
	// Keep the global no-op provider rather than run a batcher for nothing.
	if autoexport.IsNoneSpanExporter(exporter) {
		return nil
	}
	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(t.tracerProvider)
	return nil
}

func (t *Telemetry) initMetrics(ctx context.Context, res *resource.Resource) error {
	reader := t.testMetricReader
	if reader == nil {
		defaultNone("OTEL_METRICS_EXPORTER")
		var err error
		if reader, err = autoexport.NewMetricReader(ctx); err != nil {
			return fmt.Errorf("failed to create metric reader: %w", err)
		}
		if autoexport.IsNoneMetricReader(reader) {
			return nil
		}
	}

	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(t.meterProvider)
	return nil
}

func (t *Telemetry) initLogs(ctx context.Context, res *resource.Resource) error {
	if t.testLogProcessor != nil {
		t.loggerProvider = sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(t.testLogProcessor),
		)
		return nil
	}

	defaultNone("OTEL_LOGS_EXPORTER")
	exporter, err := autoexport.NewLogExporter(ctx)
	if err != nil {
		return fmt.Errorf("failed to create log exporter: %w", err)
	}
	if autoexport.IsNoneLogExporter(exporter) {
		return nil
	}
	t.loggerProvider = sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	return nil
}

// WithEnvTraceparent returns ctx under the W3C trace context found in the
// TRACEPARENT environment variable, if any.
func (t *Telemetry) WithEnvTraceparent(ctx context.Context) context.Context {
	traceparent := os.Getenv("TRACEPARENT")
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InitForCommand initializes telemetry for a cobra command and, when
// startSpan is set, starts a span named after it on the command's context.
// The caller ends the span.
func (t *Telemetry) InitForCommand(cmd *cobra.Command, serviceName string, startSpan bool) (trace.Span, error) {
	if err := t.InitTelemetry(cmd.Context(), serviceName); err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	ctx := t.WithEnvTraceparent(cmd.Context())
	span := trace.SpanFromContext(ctx)
	if startSpan {
		ctx, span = t.GetTracerProvider().Tracer(instrumentationName).Start(ctx, cmd.Name())
	}
	cmd.SetContext(ctx)
	return span, nil
}

// GetTracerProvider returns the configured provider, or the global one.
func (t *Telemetry) GetTracerProvider() trace.TracerProvider {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tracerProvider == nil {
		return otel.GetTracerProvider()
	}
	return t.tracerProvider
}

// GetMeterProvider returns the configured provider, or the global one.
func (t *Telemetry) GetMeterProvider() metric.MeterProvider {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meterProvider == nil {
		return otel.GetMeterProvider()
	}
	return t.meterProvider
}

// ShutdownTelemetry flushes and stops every provider.
func (t *Telemetry) ShutdownTelemetry(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.initialized {
		return nil
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	if t.loggerProvider != nil {
		if err := t.loggerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logger provider: %w", err))
		}
	}
	t.tracerProvider, t.meterProvider, t.loggerProvider = nil, nil, nil
	t.initialized = false

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("errors during telemetry shutdown: %w", err)
	}
	return nil
}

// WrapSlogHandler adds trace_id and span_id from the record's context to
// handler, and also sends records to the OpenTelemetry logger provider
// when log export is configured.
func (t *Telemetry) WrapSlogHandler(handler slog.Handler) slog.Handler {
	traced := &traceHandler{wrapped: handler}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loggerProvider == nil {
		return traced
	}
	return &compositeHandler{
		local: traced,
		otel:  otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(t.loggerProvider)),
	}
}

// compositeHandler writes each record to both handlers.
type compositeHandler struct {
	local slog.Handler
	otel  slog.Handler
}

func (h *compositeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.local.Enabled(ctx, level) || h.otel.Enabled(ctx, level)
}

func (h *compositeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	if h.local.Enabled(ctx, r.Level) {
		if err := h.local.Handle(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("local handler: %w", err))
		}
	}
	if h.otel.Enabled(ctx, r.Level) {
		if err := h.otel.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, fmt.Errorf("otel handler: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (h *compositeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &compositeHandler{local: h.local.WithAttrs(attrs), otel: h.otel.WithAttrs(attrs)}
}

func (h *compositeHandler) WithGroup(name string) slog.Handler {
	return &compositeHandler{local: h.local.WithGroup(name), otel: h.otel.WithGroup(name)}
}

// traceHandler injects the active span's IDs into each record.
type traceHandler struct {
	wrapped slog.Handler
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.wrapped.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.wrapped.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{wrapped: h.wrapped.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{wrapped: h.wrapped.WithGroup(name)}
}
