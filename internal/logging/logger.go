package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger wraps structured logging with OpenTelemetry integration
// Provides consistent logging interface across application components
// Automatically correlates logs with distributed traces for observability
// Time Complexity: O(1) for logging operations
// Space Complexity: O(1) per log entry
type Logger struct {
	slogger *slog.Logger // Structured logger implementation
	tracer  trace.Tracer // OpenTelemetry tracer for correlation
	service string       // Service name stamped on every record
}

// NewLogger creates structured logger with OpenTelemetry integration
// Configures JSON output for structured log parsing and correlation
// Initializes tracer for distributed tracing integration
// Time Complexity: O(1) - logger initialisation
// Space Complexity: O(1) - fixed logger structure
func NewLogger(service string) *Logger {
	// Configure structured JSON logging
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Rename timestamp field for consistency
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	})

	logger := slog.New(handler)
	tracer := otel.Tracer(service)

	return &Logger{
		slogger: logger,
		tracer:  tracer,
		service: service,
	}
}

// Debug logs debug-level message with context and trace correlation
// Used for rate-limit denials and other high-frequency events that
// should not spam the info stream under attack.
func (l *Logger) Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelDebug, msg, attrs...)
}

// Info logs informational message with context and trace correlation
// Used for expected admission rejections (HTTP, protocol, slowloris).
func (l *Logger) Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelInfo, msg, attrs...)
}

// Warn logs warning message with context and trace correlation
// Used for upstream dial failures and I/O errors.
func (l *Logger) Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.logWithTrace(ctx, slog.LevelWarn, msg, attrs...)
}

// Error logs error message with context and trace correlation
// Automatically marks associated span as error for tracing
func (l *Logger) Error(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))

		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
	}

	l.logWithTrace(ctx, slog.LevelError, msg, attrs...)
}

// Fatal logs fatal error and terminates application
// Exits the process with status 1 after logging at error level.
func (l *Logger) Fatal(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logWithTrace(ctx, slog.LevelError, msg, attrs...)
	os.Exit(1)
}

// logWithTrace adds OpenTelemetry trace correlation to log entries
// Extracts trace and span IDs from context for log correlation
func (l *Logger) logWithTrace(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}

	attrs = append(attrs,
		slog.String("service", l.service),
		slog.Time("timestamp", time.Now()),
	)

	l.slogger.LogAttrs(ctx, level, msg, attrs...)
}

// StartSpan creates new OpenTelemetry span with logging context
// Provides distributed tracing for the admission pipeline stages.
func (l *Logger) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// WithFields creates logger with pre-configured attributes
// Returns new logger instance to avoid modifying original
func (l *Logger) WithFields(attrs ...slog.Attr) *Logger {
	anyAttrs := make([]any, len(attrs))
	for i, a := range attrs {
		anyAttrs[i] = a
	}
	return &Logger{
		slogger: l.slogger.With(anyAttrs...),
		tracer:  l.tracer,
		service: l.service,
	}
}

// WithConn returns a logger that stamps every subsequent record with
// the connection id and client address, so a single connection's
// lifecycle can be grepped out of the log stream end to end.
func (l *Logger) WithConn(connID, clientAddr string) *Logger {
	return l.WithFields(
		slog.String("conn_id", connID),
		slog.String("client_addr", clientAddr),
	)
}
