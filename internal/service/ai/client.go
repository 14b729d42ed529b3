package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/zhouzirui/personify/backend/internal/model/settings"
)

// Chat roles on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEndpointRequired is returned when no API URL is configured.
var ErrEndpointRequired = errors.New("chat endpoint is not configured")

// StatusError is a non-success response from the chat endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server %d: %s", e.StatusCode, e.Body)
}

// ImageURL references an image by URL or data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// TextPart returns a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart returns an image content part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}}
}

// Message is a chat completions message with content parts.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// TextMessage returns a message holding a single text part.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentPart{TextPart(text)}}
}

// Result is the outcome of one Send. Raw holds the response document of a
// non-streaming request.
type Result struct {
	Text string
	Raw  json.RawMessage
}

// Client sends chat completion requests and learns, per endpoint, whether
// the server needs the compatible parameter shape.
type Client struct {
	httpClient  *http.Client
	compat      *compatTable
	decoderOpts []DecoderOption
	logger      *zap.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithDecoderOptions configures the decoder used for streamed responses.
func WithDecoderOptions(opts ...DecoderOption) ClientOption {
	return func(c *Client) { c.decoderOpts = append(c.decoderOpts, opts...) }
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client with an empty compatibility table.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{},
		compat:     newCompatTable(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompatMode reports whether endpoint is known to need the compatible shape.
func (c *Client) CompatMode(endpoint string) bool {
	return c.compat.enabled(endpoint)
}

// Send posts messages to the endpoint configured in s. A 400 whose body names
// an unsupported sampling parameter switches the endpoint to the compatible
// shape and retries once; the switch sticks for later requests. With stream
// set, onDelta receives every decoded delta and Result.Text the assembled
// text.
func (c *Client) Send(ctx context.Context, s settings.Settings, messages []Message, stream bool, onDelta func(string)) (Result, error) {
	s = s.WithDefaults()
	if s.APIURL == "" {
		return Result{}, ErrEndpointRequired
	}
	endpoint := s.Endpoint()

	maxTokens, temperature, topP := s.MaxTokens, s.Temperature, s.TopP
	body := requestBody{
		Model:       s.Model,
		Messages:    messages,
		Stream:      stream,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		TopP:        &topP,
	}

	compat := c.compat.enabled(endpoint)
	if compat {
		body = body.compatible()
	}

	resp, err := c.post(ctx, endpoint, s.APIKey, body)
	if err != nil {
		return Result{}, err
	}

	if resp.StatusCode == http.StatusBadRequest && !compat {
		text := drain(resp)
		if !needsCompat(text) {
			return Result{}, &StatusError{StatusCode: resp.StatusCode, Body: text}
		}
		c.compat.enable(endpoint)
		c.logger.Info("endpoint switched to compatible request shape", zap.String("endpoint", endpoint))

		resp, err = c.post(ctx, endpoint, s.APIKey, body.compatible())
		if err != nil {
			return Result{}, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &StatusError{StatusCode: resp.StatusCode, Body: drain(resp)}
	}
	defer resp.Body.Close()

	if !stream {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, fmt.Errorf("failed to read chat response: %w", err)
		}
		if !json.Valid(raw) {
			return Result{}, fmt.Errorf("chat response is not JSON: %.200s", raw)
		}
		return Result{Text: ResponseText(raw), Raw: raw}, nil
	}

	text, err := DecodeAll(resp.Body, onDelta, c.decoderOpts...)
	if err != nil {
		return Result{Text: text}, fmt.Errorf("failed to read chat stream: %w", err)
	}
	return Result{Text: text}, nil
}

// ResponseText extracts the assistant text from a complete response
// document, falling back to the document itself.
func ResponseText(raw []byte) string {
	text, ok := ExtractText(string(raw))
	if !ok {
		text = compact(string(raw))
	}
	return StripRoleEcho(text)
}

func (c *Client) post(ctx context.Context, endpoint, apiKey string, body requestBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach chat endpoint: %w", err)
	}
	c.logger.Debug("chat request sent",
		zap.String("endpoint", endpoint),
		zap.Bool("stream", body.Stream),
		zap.Bool("compat", body.MaxCompletionTokens != nil),
		zap.Int("status", resp.StatusCode),
	)
	return resp, nil
}

func drain(resp *http.Response) string {
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}
