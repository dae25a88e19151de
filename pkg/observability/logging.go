package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Logger is a structured logger for client components.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a JSON logger on stderr.
func NewLogger(component string, level slog.Level) *Logger {
	return NewLoggerTo(os.Stderr, component, level)
}

// NewLoggerTo creates a JSON logger writing to w.
func NewLoggerTo(w io.Writer, component string, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return Wrap(slog.New(handler), component)
}

// Wrap adopts a caller-supplied logger. A nil logger discards everything.
func Wrap(logger *slog.Logger, component string) *Logger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Logger{Logger: logger.With(
		slog.String("component", component),
		slog.String("system", "stagehand"),
	)}
}

// LevelForVerbose maps the 0/1/2 verbosity scale to slog levels.
func LevelForVerbose(verbose int) slog.Level {
	switch {
	case verbose <= 0:
		return slog.LevelWarn
	case verbose == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// WithContext adds trace and span ids when ctx carries a span.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	return &Logger{Logger: l.Logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)}
}

// WithSession returns a logger with session fields.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("session_id", sessionID))}
}

// WithOperation returns a logger with operation fields.
func (l *Logger) WithOperation(opID, kind string) *Logger {
	return &Logger{Logger: l.Logger.With(
		slog.String("op_id", opID),
		slog.String("op", kind),
	)}
}

// Connected logs transport negotiation.
func (l *Logger) Connected(transport, address string) {
	l.Info("connected",
		slog.String("transport", transport),
		slog.String("address", address),
	)
}

// OperationOpened logs the start of an operation.
func (l *Logger) OperationOpened(timeout time.Duration) {
	l.Debug("operation opened", slog.Duration("timeout", timeout))
}

// OperationClosed logs the terminal outcome of an operation.
func (l *Logger) OperationClosed(outcome string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("outcome", outcome),
		slog.Float64("duration_ms", float64(duration.Microseconds())/1000),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Warn("operation failed", attrs...)
		return
	}
	l.Debug("operation closed", attrs...)
}

// RemoteLog forwards a log line produced by the remote service.
func (l *Logger) RemoteLog(level slog.Level, category, message, auxiliary string) {
	attrs := []any{slog.String("category", category)}
	if auxiliary != "" {
		attrs = append(attrs, slog.String("auxiliary", auxiliary))
	}
	l.Log(context.Background(), level, message, attrs...)
}

// UnrecognizedEnvelope logs an envelope kind the decoding table has no
// entry for.
func (l *Logger) UnrecognizedEnvelope(kind string, payloadSize int) {
	l.Debug("unrecognized envelope",
		slog.String("kind", kind),
		slog.Int("payload_size", payloadSize),
	)
}

// SessionStarted logs the session identity assigned by the remote.
func (l *Logger) SessionStarted(sessionID string) {
	l.Info("session started", slog.String("session_id", sessionID))
}

// SessionEnded logs session teardown.
func (l *Logger) SessionEnded(sessionID string, forced bool, err error) {
	attrs := []any{
		slog.String("session_id", sessionID),
		slog.Bool("forced", forced),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Warn("session ended with error", attrs...)
		return
	}
	l.Info("session ended", attrs...)
}
