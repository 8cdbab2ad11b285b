// Package llm wraps the OpenAI-compatible chat completion API behind a
// small streaming interface the interrogator consumes. Any endpoint
// speaking the OpenAI wire format works; the endpoint and default model
// come from configuration.
package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ToolCallDelta is one fragment of a streamed native tool call. The
// provider splits a call across chunks; Index ties fragments to the same
// call.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Delta is one streamed completion fragment.
type Delta struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string
}

// StreamRequest describes one streaming completion.
type StreamRequest struct {
	Model       string
	Messages    []openai.ChatCompletionMessage
	Tools       []openai.Tool
	ToolChoice  any
	MaxTokens   int
	Temperature float32
	TopP        float32
	Stop        []string
	Seed        *int
}

// Stream yields completion deltas. Recv returns io.EOF when the stream
// ends normally.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// Streamer opens streaming completions.
type Streamer interface {
	ChatStream(ctx context.Context, req StreamRequest) (Stream, error)
}

// Client is a Streamer backed by an OpenAI-compatible endpoint.
type Client struct {
	api        *openai.Client
	retry      RetryConfig
	logger     *slog.Logger
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRetryConfig sets the retry configuration for opening streams.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the given endpoint base URL and key.
func NewClient(endpoint, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		retry:  DefaultRetryConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.api = openai.NewClientWithConfig(cfg)
	return c
}

// ChatStream opens a streaming completion, retrying transient failures
// with backoff. Once the stream is open, errors are the caller's to
// handle; mid-stream retry would replay already-delivered deltas.
func (c *Client) ChatStream(ctx context.Context, req StreamRequest) (Stream, error) {
	oreq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Seed:        req.Seed,
		Stream:      true,
	}

	backoff := c.retry.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		s, err := c.api.CreateChatCompletionStream(ctx, oreq)
		if err == nil {
			return &apiStream{inner: s}, nil
		}

		lastErr = classify(err)
		if IsFatal(lastErr) {
			return nil, lastErr
		}

		c.logger.Warn("completion stream open failed",
			"attempt", attempt,
			"model", req.Model,
			"error", err)

		if attempt == c.retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, c.retry)
	}
	return nil, lastErr
}

type apiStream struct {
	inner *openai.ChatCompletionStream
}

func (s *apiStream) Recv() (Delta, error) {
	resp, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Delta{}, io.EOF
		}
		return Delta{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return Delta{}, nil
	}

	choice := resp.Choices[0]
	d := Delta{
		Content:      choice.Delta.Content,
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Delta.ToolCalls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		d.ToolCalls = append(d.ToolCalls, ToolCallDelta{
			Index:     idx,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return d, nil
}

func (s *apiStream) Close() error {
	return s.inner.Close()
}
