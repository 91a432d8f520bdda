package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultChunkSize matches the size of a typical browser MediaRecorder blob.
const DefaultChunkSize = 16 * 1024

// FileDevice replays a recorded audio file as if it were captured live.
// Interval paces the chunks; zero delivers them as fast as they are read.
type FileDevice struct {
	Path      string
	ChunkSize int
	Interval  time.Duration
}

// Name returns the file path.
func (d FileDevice) Name() string {
	return d.Path
}

// Open opens the file for capture. A missing or unreadable file is a PermissionError.
func (d FileDevice) Open(ctx context.Context) (Stream, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, &PermissionError{Device: d.Path, Err: err}
	}
	size := d.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &fileStream{ctx: ctx, f: f, size: size, interval: d.Interval}, nil
}

type fileStream struct {
	ctx      context.Context
	f        *os.File
	size     int
	interval time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (s *fileStream) Read() ([]byte, error) {
	if s.interval > 0 {
		select {
		case <-s.ctx.Done():
			return nil, io.EOF
		case <-time.After(s.interval):
		}
	}
	buf := make([]byte, s.size)
	n, err := s.f.Read(buf)
	if errors.Is(err, os.ErrClosed) {
		return buf[:n], io.EOF
	}
	return buf[:n], err
}

func (s *fileStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.f.Close()
	})
	return s.closeErr
}

// Capture reads dev until the stream ends and returns the non-empty chunks in order.
func Capture(ctx context.Context, dev Device) ([][]byte, error) {
	stream, err := dev.Open(ctx)
	if err != nil {
		var permErr *PermissionError
		if errors.As(err, &permErr) {
			return nil, err
		}
		return nil, &PermissionError{Device: dev.Name(), Err: err}
	}
	defer stream.Close()

	var chunks [][]byte
	for {
		data, err := stream.Read()
		if len(data) > 0 {
			chunks = append(chunks, append([]byte(nil), data...))
		}
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, fmt.Errorf("capture %s: %w", dev.Name(), err)
		}
		if err := ctx.Err(); err != nil {
			return chunks, err
		}
	}
}

// Player plays back a decoded audio payload.
type Player interface {
	Play(ctx context.Context, name string, data []byte) error
}

// NopPlayer discards audio.
type NopPlayer struct{}

// Play does nothing.
func (NopPlayer) Play(context.Context, string, []byte) error { return nil }

// FilePlayer writes each payload to Dir as <name>.wav for an external player to pick up.
type FilePlayer struct {
	Dir    string
	Logger *slog.Logger
}

// Play writes data to disk.
func (p FilePlayer) Play(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	path := filepath.Join(p.Dir, filepath.Base(name)+".wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	if p.Logger != nil {
		p.Logger.Info("reply audio saved", "path", path, "bytes", len(data))
	}
	return nil
}
