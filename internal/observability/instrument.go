// Package observability wires the process logger. Logs go to stdout in text
// or JSON, or to an OTLP collector when an endpoint is configured; either
// way records are enriched with trace correlation attributes when a trace
// context is present.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/florianilch/revos"

// Instrument installs the default slog logger and returns a shutdown
// function flushing any buffered export. otlpEndpoint selects the sink:
// empty for stdout, "stdout" for the debug OTLP exporter, anything else for
// an OTLP/HTTP collector address.
func Instrument(ctx context.Context, level slog.Level, logFormat, otlpEndpoint string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	// W3C trace context from incoming requests; without a registered
	// propagator, extraction yields no span context to correlate on.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if otlpEndpoint == "" {
		handler, err := newStdoutHandler(level, logFormat)
		if err != nil {
			return nil, err
		}
		slog.SetDefault(slog.New(newTraceHandler(handler)))
		return noop, nil
	}

	provider, err := newLoggerProvider(ctx, level, otlpEndpoint)
	if err != nil {
		return nil, err
	}

	handler := otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))
	slog.SetDefault(slog.New(newTraceHandler(handler)))

	return provider.Shutdown, nil
}

// newStdoutHandler creates a handler for human-readable logs.
func newStdoutHandler(level slog.Level, logFormat string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(logFormat) {
	case "json":
		return slog.NewJSONHandler(os.Stdout, opts), nil
	case "text":
		return slog.NewTextHandler(os.Stdout, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q (expected: json, text)", logFormat)
	}
}

// newLoggerProvider builds the OTLP export pipeline with severity filtering
// mirroring the configured slog level.
func newLoggerProvider(ctx context.Context, level slog.Level, endpoint string) (*sdklog.LoggerProvider, error) {
	var (
		exporter sdklog.Exporter
		err      error
	)
	if endpoint == "stdout" {
		exporter, err = stdoutlog.New()
	} else {
		exporter, err = otlploghttp.New(ctx, otlploghttp.WithEndpoint(endpoint))
	}
	if err != nil {
		return nil, fmt.Errorf("creating log exporter: %w", err)
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), toSeverity(level))

	return sdklog.NewLoggerProvider(sdklog.WithProcessor(processor)), nil
}

func toSeverity(level slog.Level) minsev.Severity {
	switch {
	case level >= slog.LevelError:
		return minsev.SeverityError
	case level >= slog.LevelWarn:
		return minsev.SeverityWarn
	case level >= slog.LevelInfo:
		return minsev.SeverityInfo
	default:
		return minsev.SeverityDebug
	}
}

// traceHandler enriches records with trace_id/span_id so logs correlate with
// distributed traces.
type traceHandler struct {
	handler slog.Handler
}

func newTraceHandler(handler slog.Handler) *traceHandler {
	return &traceHandler{handler: handler}
}

// Enabled reports whether the handler handles records at the given level.
func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle adds trace correlation attributes when trace context is available.
func (h *traceHandler) Handle(ctx context.Context, record slog.Record) error {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	return h.handler.Handle(ctx, record)
}

// WithAttrs returns a new handler with additional attributes.
func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{handler: h.handler.WithAttrs(attrs)}
}

// WithGroup returns a new handler with the given group name.
func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{handler: h.handler.WithGroup(name)}
}
