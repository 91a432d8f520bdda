package client

import (
	"log/slog"
	"net/http"
	"time"
)

// maxURLLogLen is the maximum length for logged URLs before truncation.
const maxURLLogLen = 200

// slowRequestThreshold is the duration above which requests are logged at WARN level.
const slowRequestThreshold = time.Second

type loggingTransport struct {
	next   http.RoundTripper
	logger *slog.Logger
}

// LoggingTransport wraps next so that every API call is logged with timing.
// Slow requests (>1s) are logged at WARN level, failures at ERROR.
// URLs are truncated to 200 characters.
func LoggingTransport(next http.RoundTripper, logger *slog.Logger) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingTransport{next: next, logger: logger}
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.next.RoundTrip(req)

	duration := time.Since(start)

	attrs := []any{
		"method", req.Method,
		"url", truncate(req.URL.String(), maxURLLogLen),
		"duration_ms", duration.Milliseconds(),
	}
	if req.ContentLength > 0 {
		attrs = append(attrs, "request_bytes", req.ContentLength)
	}

	switch {
	case err != nil:
		attrs = append(attrs, "error", err.Error())
		t.logger.Error("request failed", attrs...)
	case resp.StatusCode >= 400:
		attrs = append(attrs, "status", resp.StatusCode)
		t.logger.Error("request failed", attrs...)
	case duration > slowRequestThreshold:
		attrs = append(attrs, "status", resp.StatusCode)
		t.logger.Warn("slow request", attrs...)
	default:
		attrs = append(attrs, "status", resp.StatusCode)
		t.logger.Debug("request completed", attrs...)
	}

	return resp, err
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
