package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTick is how often the elapsed counter advances while recording.
const DefaultTick = 300 * time.Millisecond

// RecorderState is the lifecycle of a capture session.
type RecorderState int32

const (
	StateIdle RecorderState = iota
	StateRecording
	StateFinalizing
)

func (s RecorderState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("RecorderState(%d)", int32(s))
	}
}

// PermissionError reports that the capture device is unavailable or access was denied.
type PermissionError struct {
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("capture device %s unavailable: %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// Device opens capture streams. Implementations return a *PermissionError when access is denied.
type Device interface {
	Name() string
	Open(ctx context.Context) (Stream, error)
}

// Stream yields raw audio chunks in capture order. Read returns io.EOF when the source ends.
// Close must unblock a pending Read.
type Stream interface {
	Read() ([]byte, error)
	Close() error
}

// Recorder drives a Device into an ordered chunk buffer.
// Start and Stop are mutually exclusive; at most one capture runs at a time.
type Recorder struct {
	dev    Device
	tick   time.Duration
	logger *slog.Logger

	mu      sync.Mutex // serializes Start and Stop
	state   atomic.Int32
	elapsed atomic.Int64

	stream  Stream
	cancel  context.CancelFunc
	chunks  chan [][]byte
	tickerW sync.WaitGroup
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithTick overrides the elapsed counter interval.
func WithTick(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.tick = d
		}
	}
}

// WithRecorderLogger sets the logger used for capture diagnostics.
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// NewRecorder creates an idle recorder for dev.
func NewRecorder(dev Device, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		dev:    dev,
		tick:   DefaultTick,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current capture state.
func (r *Recorder) State() RecorderState {
	return RecorderState(r.state.Load())
}

// Elapsed returns the number of ticks counted since the last Start.
func (r *Recorder) Elapsed() int64 {
	return r.elapsed.Load()
}

// ElapsedDuration converts Elapsed to wall time.
func (r *Recorder) ElapsedDuration() time.Duration {
	return time.Duration(r.elapsed.Load()) * r.tick
}

// Start begins capture. It is a no-op when already recording.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() != StateIdle {
		return nil
	}

	// The capture outlives the caller's request; only Stop ends it.
	captureCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := r.dev.Open(captureCtx)
	if err != nil {
		cancel()
		var permErr *PermissionError
		if errors.As(err, &permErr) {
			return err
		}
		return &PermissionError{Device: r.dev.Name(), Err: err}
	}

	r.stream = stream
	r.cancel = cancel
	r.chunks = make(chan [][]byte, 1)
	r.elapsed.Store(0)
	r.state.Store(int32(StateRecording))

	go r.capture(captureCtx, stream, r.chunks)

	r.tickerW.Add(1)
	go r.count(captureCtx)

	r.logger.Debug("recording started", "device", r.dev.Name())
	return nil
}

// Stop ends capture and returns the ordered chunks. It returns nil when not recording.
func (r *Recorder) Stop() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() != StateRecording {
		return nil
	}
	r.state.Store(int32(StateFinalizing))

	r.cancel()
	if err := r.stream.Close(); err != nil {
		r.logger.Warn("close capture stream", "device", r.dev.Name(), "error", err)
	}
	chunks := <-r.chunks
	r.tickerW.Wait()

	r.stream = nil
	r.cancel = nil
	r.chunks = nil
	r.state.Store(int32(StateIdle))

	r.logger.Debug("recording stopped", "device", r.dev.Name(), "chunks", len(chunks), "ticks", r.Elapsed())
	return chunks
}

// capture reads until the stream ends or the context is cancelled. Data already read
// is kept even after cancellation, since devices flush their last chunk on close.
func (r *Recorder) capture(ctx context.Context, stream Stream, out chan<- [][]byte) {
	var chunks [][]byte
	defer func() { out <- chunks }()

	for ctx.Err() == nil {
		data, err := stream.Read()
		if len(data) > 0 {
			chunks = append(chunks, append([]byte(nil), data...))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				r.logger.Warn("capture read failed", "device", r.dev.Name(), "error", err)
			}
			return
		}
	}
}

func (r *Recorder) count(ctx context.Context) {
	defer r.tickerW.Done()

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.elapsed.Add(1)
		}
	}
}

// FormatElapsed renders d as mm:ss.
func FormatElapsed(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
