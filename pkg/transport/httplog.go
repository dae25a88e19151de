package transport

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxLoggedBody = 10000

// LoggingRoundTripper logs every REST request and its response status at
// debug level. Streaming response bodies are never buffered.
type LoggingRoundTripper struct {
	base   http.RoundTripper
	logger *slog.Logger
}

// NewLoggingRoundTripper wraps base; a nil base uses DefaultHTTPTransport.
func NewLoggingRoundTripper(base http.RoundTripper, logger *slog.Logger) *LoggingRoundTripper {
	if base == nil {
		base = DefaultHTTPTransport()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingRoundTripper{base: base, logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (t *LoggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if !t.logger.Enabled(ctx, slog.LevelDebug) {
		return t.base.RoundTrip(req)
	}

	attrs := []any{
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()),
		slog.Any("request_headers", sanitizeHeaders(req.Header)),
	}
	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		if err == nil {
			attrs = append(attrs, slog.String("request_body", truncateBody(string(body))))
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	attrs = append(attrs, slog.Duration("duration", time.Since(start)))
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		t.logger.DebugContext(ctx, "http request failed", attrs...)
		return nil, err
	}

	attrs = append(attrs,
		slog.Int("status", resp.StatusCode),
		slog.String("content_type", resp.Header.Get("Content-Type")),
	)
	t.logger.DebugContext(ctx, "http request", attrs...)
	return resp, nil
}

func sanitizeHeaders(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))
	for key, values := range headers {
		if redactHeader(key) {
			result[key] = "[REDACTED]"
			continue
		}
		result[key] = strings.Join(values, ", ")
	}
	return result
}

func truncateBody(body string) string {
	if len(body) > maxLoggedBody {
		return body[:maxLoggedBody] + "\n...[truncated]"
	}
	return body
}
