package cli

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// warningSink is a slog handler that remembers the latest WARN or ERROR record.
type warningSink struct {
	mu   sync.Mutex
	last warning
}

type warning struct {
	at      time.Time
	message string
}

func newWarningSink() *warningSink {
	return &warningSink{}
}

func (s *warningSink) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

func (s *warningSink) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "error" {
			msg += ": " + a.Value.String()
			return false
		}
		return true
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = warning{at: r.Time, message: msg}
	return nil
}

// Attributes and groups only matter for the error attribute, which is always passed inline.
func (s *warningSink) WithAttrs([]slog.Attr) slog.Handler { return s }

func (s *warningSink) WithGroup(string) slog.Handler { return s }

// Latest returns the last warning if it is newer than maxAge.
func (s *warningSink) Latest(maxAge time.Duration) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.message == "" || time.Since(s.last.at) > maxAge {
		return "", false
	}
	return s.last.message, true
}
