// Package channel maintains the persistent realtime connection that pushes assistant replies.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/tutorchat/internal/metrics"
	"github.com/raphaelgruber/tutorchat/internal/models"
)

// Reconnect policy defaults.
const (
	DefaultMaxAttempts = 5
	DefaultDelay       = time.Second
)

const handshakeTimeout = 10 * time.Second

// Wire protocol message types.
const (
	msgConnectionInit  = "connection_init"
	msgConnectionAck   = "connection_ack"
	msgConnectionError = "connection_error"
	msgMessage         = "message"
	msgKeepAlive       = "ka"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("channel closed")

// State is the connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ChannelError is the terminal failure after the reconnect attempts are used up.
// Recovery requires an explicit Connect.
type ChannelError struct {
	Attempts int
	Err      error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("realtime channel lost after %d reconnect attempts: %v", e.Attempts, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Event is a server push carrying new messages for a conversation.
type Event struct {
	ConversationID string           `json:"conversationid"`
	Messages       []models.Message `json:"messages"`
}

// Handler receives inbound events. Delivery is at-least-once: the same message id
// may arrive again after a reconnect.
type Handler func(Event)

// StateListener observes state transitions. err is set for Reconnecting (the cause)
// and Error (a *ChannelError).
type StateListener func(state State, err error)

// eventPayload is the wire form of an Event; messages are decoded one by one.
type eventPayload struct {
	ConversationID string            `json:"conversationid"`
	Messages       []json.RawMessage `json:"messages"`
}

// wsMessage is one protocol frame.
type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type initPayload struct {
	Token string `json:"token"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Channel is an authenticated, auto-reconnecting push connection owned by one user session.
type Channel struct {
	endpoint    string
	token       string
	handler     Handler
	onState     StateListener
	maxAttempts int
	delay       time.Duration
	dialer      *websocket.Dialer
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	state    State
	attempts int
	conn     *websocket.Conn
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

// Option configures a Channel.
type Option func(*Channel)

// WithHandler registers the single inbound event handler.
func WithHandler(h Handler) Option {
	return func(c *Channel) {
		c.handler = h
	}
}

// WithStateListener registers a state transition observer.
func WithStateListener(l StateListener) Option {
	return func(c *Channel) {
		c.onState = l
	}
}

// WithReconnect overrides the reconnect policy.
func WithReconnect(maxAttempts int, delay time.Duration) Option {
	return func(c *Channel) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if delay > 0 {
			c.delay = delay
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		c.dialer = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithMetrics records channel activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// New creates a disconnected channel for token. Call Connect to start it and Close to tear it down.
func New(endpoint, token string, opts ...Option) *Channel {
	c := &Channel{
		endpoint:    endpoint,
		token:       token,
		maxAttempts: DefaultMaxAttempts,
		delay:       DefaultDelay,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EndpointFor derives the channel URL from the API base URL.
func EndpointFor(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the reconnect attempts made since the last successful connection.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect starts the connection in the background. It is a no-op while connecting,
// connected or reconnecting, and restarts a channel in the Error or Disconnected state.
// The attempt counter is left alone; only a successful connection resets it.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case Connecting, Connected, Reconnecting:
		c.mu.Unlock()
		return nil
	}

	// The state is claimed under the lock so concurrent callers start one run.
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = Connecting
	done := c.done
	c.mu.Unlock()

	c.notify(Connecting, nil)
	go c.run(ctx, done)
	return nil
}

// Close tears the channel down and waits for its goroutine. A closed channel cannot reconnect.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	c.transition(Disconnected, nil)
	return nil
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	conn, err := c.dial(ctx)
	for {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			conn, err = c.reconnect(ctx, err)
			if err != nil {
				return
			}
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.transition(Connected, nil)
		c.logger.Info("realtime channel connected", "endpoint", c.endpoint)

		err = c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("realtime channel dropped", "error", err)
	}
}

// reconnect retries with a fixed delay until it connects or the attempts run out.
func (c *Channel) reconnect(ctx context.Context, cause error) (*websocket.Conn, error) {
	c.transition(Reconnecting, cause)

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.delay), uint64(c.maxAttempts)),
		ctx,
	)

	lastErr := cause
	tries := 0
	for {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			chErr := &ChannelError{Attempts: tries, Err: lastErr}
			c.metrics.IncExhausted()
			c.logger.Error("realtime channel gave up", "attempts", chErr.Attempts, "error", lastErr)
			c.transition(Error, chErr)
			return nil, chErr
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		tries++
		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()
		c.metrics.IncReconnect()

		conn, err := c.dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Warn("reconnect attempt failed", "attempt", tries, "max", c.maxAttempts, "error", err)
	}
}

// dial opens the socket and completes the connection_init / connection_ack handshake.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connect: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	// Close unblocks the handshake if the channel is torn down mid-way.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	payload, _ := json.Marshal(initPayload{Token: c.token})
	if err := conn.WriteJSON(wsMessage{Type: msgConnectionInit, Payload: payload}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send connection_init: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connection_ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch ack.Type {
	case msgConnectionAck:
		if !stop() {
			return nil, ctx.Err()
		}
		return conn, nil
	case msgConnectionError:
		conn.Close()
		var p errorPayload
		_ = json.Unmarshal(ack.Payload, &p)
		return nil, fmt.Errorf("connection rejected: %s", p.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("expected connection_ack, got %s", ack.Type)
	}
}

// readLoop delivers events until the connection fails or ctx is cancelled.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		switch msg.Type {
		case msgMessage:
			var p eventPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				c.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			msgs, errs := models.DecodeMessages(p.Messages)
			for _, err := range errs {
				c.logger.Warn("skipping undecodable message", "conversation_id", p.ConversationID, "error", err)
			}
			c.metrics.IncEvent()
			if c.handler != nil {
				c.handler(Event{ConversationID: p.ConversationID, Messages: msgs})
			}

		case msgConnectionError:
			var p errorPayload
			_ = json.Unmarshal(msg.Payload, &p)
			return fmt.Errorf("server closed channel: %s", p.Message)

		case msgKeepAlive:
			continue

		default:
			c.logger.Debug("ignoring frame", "type", msg.Type)
		}
	}
}

// transition records the new state and notifies the listener outside the lock.
func (c *Channel) transition(state State, err error) {
	c.mu.Lock()
	c.state = state
	if state == Connected {
		c.attempts = 0
	}
	c.mu.Unlock()
	c.notify(state, err)
}

func (c *Channel) notify(state State, err error) {
	c.metrics.SetChannelState(int(state))
	if c.onState != nil {
		c.onState(state, err)
	}
}
