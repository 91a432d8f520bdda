// Package client provides an HTTP client for the tutor conversation API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/raphaelgruber/tutorchat/internal/metrics"
	"github.com/raphaelgruber/tutorchat/internal/models"
)

// DefaultEndpoint is used when neither the caller nor TUTORCHAT_API_URL sets one.
const DefaultEndpoint = "http://localhost:5000"

// APIError is a non-2xx response. Message carries the server's {message} when present.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server error %d: %s", e.Status, http.StatusText(e.Status))
}

// Client is an HTTP client for the conversation API.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on authenticated calls.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLogger logs every request through LoggingTransport.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.httpClient.Transport = LoggingTransport(c.httpClient.Transport, logger)
	}
}

// WithMetrics records request counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a new API client.
// If endpoint is empty, uses TUTORCHAT_API_URL env var or defaults to localhost:5000.
func New(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("TUTORCHAT_API_URL")
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	c := &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: 2 * time.Minute, // reply generation and TTS happen inside the send call
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the API base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// WithUser returns a copy of c that authenticates as user.
func (c *Client) WithUser(user models.User) *Client {
	cp := *c
	cp.token = user.Token
	return &cp
}

// do sends body and decodes a 2xx JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &payload) == nil {
			apiErr.Message = payload.Message
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, result any) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, result)
}

// =============================================================================
// AUTH
// =============================================================================

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, username, password string) (models.User, error) {
	return c.authenticate(ctx, "/api/auth/login", username, password)
}

// Signup creates an account and returns its token.
func (c *Client) Signup(ctx context.Context, username, password string) (models.User, error) {
	return c.authenticate(ctx, "/api/auth/signup", username, password)
}

func (c *Client) authenticate(ctx context.Context, path, username, password string) (user models.User, err error) {
	started := time.Now()
	defer func() { c.metrics.ObserveRequest(metrics.OpAuthenticate, started, err) }()

	if err := c.doJSON(ctx, http.MethodPost, path, credentials{Username: username, Password: password}, &user); err != nil {
		return models.User{}, err
	}
	if user.Token == "" {
		return models.User{}, fmt.Errorf("authenticate: response carried no token")
	}
	user.Username = username
	return user, nil
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// ListConversations returns the user's conversation history, newest first.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	started := time.Now()

	var result struct {
		Data []models.ConversationSummary `json:"data"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/conversation/all", map[string]string{"userid": userID}, &result)
	c.metrics.ObserveRequest(metrics.OpListHistory, started, err)
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// GetConversation returns the persisted messages of a conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	started := time.Now()

	var result struct {
		Messages []models.Message `json:"messages"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/conversation/"+url.PathEscape(conversationID), nil, &result)
	c.metrics.ObserveRequest(metrics.OpLoadHistory, started, err)
	if err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// SendMessages posts messages to a conversation. The reply arrives on the realtime channel.
func (c *Client) SendMessages(ctx context.Context, conversationID string, msgs []models.Message) error {
	started := time.Now()

	payload := struct {
		ConversationID string           `json:"conversationid"`
		Messages       []models.Message `json:"messages"`
	}{conversationID, msgs}
	err := c.doJSON(ctx, http.MethodPost, "/api/conversation", payload, nil)
	c.metrics.ObserveRequest(metrics.OpSend, started, err)
	return err
}

// =============================================================================
// TRANSCRIPTION
// =============================================================================

// Transcribe uploads recorded chunks as chunk_<i> parts and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, chunks [][]byte) (string, error) {
	started := time.Now()

	body, contentType, err := multipartChunks(chunks)
	if err != nil {
		return "", err
	}

	var result struct {
		Text string `json:"text"`
	}
	err = c.do(ctx, http.MethodPost, "/api/transcribe", body, contentType, &result)
	c.metrics.ObserveRequest(metrics.OpTranscribe, started, err)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func multipartChunks(chunks [][]byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for i, chunk := range chunks {
		name := fmt.Sprintf("chunk_%d", i)
		part, err := writer.CreateFormFile(name, name+".webm")
		if err != nil {
			return nil, "", fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(chunk); err != nil {
			return nil, "", fmt.Errorf("write audio chunk: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}
