package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/tutorchat/internal/metrics"
)

// DefaultRevealInterval is the delay between revealed words.
const DefaultRevealInterval = 50 * time.Millisecond

// ApplyFunc shows text as the current display content of a message. It returns false when the
// target is stale (cancelled, switched away from, or removed), which ends the reveal.
// Implementations must check ctx under the same lock that guards the message.
type ApplyFunc func(ctx context.Context, conversationID, messageID, text string) bool

// Renderer drives the word-by-word reveal of received messages.
type Renderer struct {
	apply    ApplyFunc
	interval time.Duration
	metrics  *metrics.Metrics

	mu      sync.Mutex
	reveals map[string]*reveal
	wg      sync.WaitGroup
}

type reveal struct {
	cancel context.CancelFunc
}

// NewRenderer creates a renderer that publishes each step through apply.
func NewRenderer(apply ApplyFunc, interval time.Duration, m *metrics.Metrics) *Renderer {
	if interval <= 0 {
		interval = DefaultRevealInterval
	}
	return &Renderer{
		apply:    apply,
		interval: interval,
		metrics:  m,
		reveals:  make(map[string]*reveal),
	}
}

// Reveal shows fullText one whitespace-delimited word per tick. A reveal already running for
// messageID is replaced. The last step shows fullText exactly.
func (r *Renderer) Reveal(conversationID, messageID, fullText string) {
	ctx, cancel := context.WithCancel(context.Background())
	rv := &reveal{cancel: cancel}

	r.mu.Lock()
	if old, ok := r.reveals[messageID]; ok {
		old.cancel()
	}
	r.reveals[messageID] = rv
	r.mu.Unlock()

	r.metrics.IncReveal()
	r.wg.Add(1)
	go r.run(ctx, rv, conversationID, messageID, fullText)
}

func (r *Renderer) run(ctx context.Context, rv *reveal, conversationID, messageID, fullText string) {
	defer r.wg.Done()
	defer r.finish(messageID, rv)

	words := strings.Fields(fullText)
	steps := max(len(words), 1)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for n := 1; n <= steps; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		text := fullText
		if n < steps {
			text = strings.Join(words[:n], " ")
		}
		if !r.apply(ctx, conversationID, messageID, text) {
			return
		}
	}
}

func (r *Renderer) finish(messageID string, rv *reveal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reveals[messageID] == rv {
		delete(r.reveals, messageID)
	}
	rv.cancel()
}

// Cancel stops the reveal for messageID. It does not wait for the goroutine; any step it
// attempts afterwards is rejected because its context is done.
func (r *Renderer) Cancel(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rv, ok := r.reveals[messageID]; ok {
		rv.cancel()
		delete(r.reveals, messageID)
		r.metrics.IncRevealCancelled()
	}
}

// CancelAll stops every running reveal.
func (r *Renderer) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rv := range r.reveals {
		rv.cancel()
		delete(r.reveals, id)
		r.metrics.IncRevealCancelled()
	}
}

// Active returns the number of running reveals.
func (r *Renderer) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reveals)
}

// Wait blocks until every reveal goroutine has exited.
func (r *Renderer) Wait() {
	r.wg.Wait()
}
