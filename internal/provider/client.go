package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/config"
	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/aimerfeng/AgentDesk/internal/monitoring"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Provider errors
var (
	ErrRateLimited = errors.New("provider rate limited")
	ErrUpstream    = errors.New("provider error")
	ErrTimeout     = errors.New("provider timeout")
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrEmptyInput  = errors.New("embedding input is empty")
)

const (
	OperationChat  = "chat"
	OperationEmbed = "embed"
)

// Message is one chat completion message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes a chat completion call
type CompletionRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the first choice of a chat completion
type Completion struct {
	Content string
	Model   string
	Usage   Usage

	embedding []float32
}

// Client calls an OpenAI-compatible completion and embedding API. Every call waits
// for the shared RateLimiter and runs under a per-operation circuit breaker.
type Client struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
	limiter    *RateLimiter
	breakers   *CircuitBreakerManager
	recorder   *Recorder
	logger     zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithCircuitBreakers(m *CircuitBreakerManager) Option {
	return func(c *Client) { c.breakers = m }
}

// WithRecorder persists a row per provider call
func WithRecorder(r *Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// NewClient creates a provider client sharing limiter with every other caller
func NewClient(cfg *config.ProviderConfig, limiter *RateLimiter, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		cfg:        *cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		breakers:   NewCircuitBreakerManager(nil),
		logger:     logging.NewLogger("provider"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type agentKey struct{}

// WithAgentID tags provider calls made with ctx for cost attribution
func WithAgentID(ctx context.Context, agentID uuid.UUID) context.Context {
	return context.WithValue(ctx, agentKey{}, agentID)
}

func agentFrom(ctx context.Context) *uuid.UUID {
	if id, ok := ctx.Value(agentKey{}).(uuid.UUID); ok {
		return &id
	}
	return nil
}

// Complete returns the model's reply for req
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	body := map[string]interface{}{
		"model":       c.cfg.ChatModel,
		"messages":    req.Messages,
		"temperature": req.Temperature,
		"stream":      false,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.JSONMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	return c.call(ctx, OperationChat, c.cfg.ChatModel, func() (*Completion, error) {
		var parsed struct {
			Model   string `json:"model"`
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage Usage `json:"usage"`
		}
		if err := c.post(ctx, "/chat/completions", body, &parsed); err != nil {
			return nil, err
		}
		if len(parsed.Choices) == 0 {
			return nil, fmt.Errorf("%w: empty choices", ErrUpstream)
		}
		return &Completion{
			Content: parsed.Choices[0].Message.Content,
			Model:   parsed.Model,
			Usage:   parsed.Usage,
		}, nil
	})
}

// Embed returns the embedding vector for text. A vector whose length differs from the
// configured dimension is rejected so partial vectors never reach storage.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	body := map[string]interface{}{
		"model": c.cfg.EmbeddingModel,
		"input": text,
	}

	completion, err := c.call(ctx, OperationEmbed, c.cfg.EmbeddingModel, func() (*Completion, error) {
		var parsed struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
			Usage Usage `json:"usage"`
		}
		if err := c.post(ctx, "/embeddings", body, &parsed); err != nil {
			return nil, err
		}
		if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty embedding in response", ErrUpstream)
		}
		vec := parsed.Data[0].Embedding
		if c.cfg.EmbeddingDim > 0 && len(vec) != c.cfg.EmbeddingDim {
			return nil, fmt.Errorf("%w: embedding has %d dimensions, expected %d", ErrUpstream, len(vec), c.cfg.EmbeddingDim)
		}
		return &Completion{Usage: parsed.Usage, embedding: vec}, nil
	})
	if err != nil {
		return nil, err
	}
	return completion.embedding, nil
}

func (c *Client) call(ctx context.Context, operation, model string, fn func() (*Completion, error)) (*Completion, error) {
	if err := c.limiter.AwaitTurn(ctx); err != nil {
		return nil, mapContextErr(err)
	}

	start := time.Now()
	result, err := Execute(ctx, c.breakers, operation, fn)
	latency := time.Since(start)

	status := callStatus(err)
	monitoring.RecordProviderCall(operation, model, string(status), latency)
	if err != nil {
		monitoring.RecordProviderError(operation, errorType(err))
	}

	entry := &logging.ProviderCallLogEntry{
		Operation: operation,
		Provider:  c.cfg.Name,
		Model:     model,
		Latency:   latency,
		Status:    string(status),
	}
	if id := agentFrom(ctx); id != nil {
		entry.AgentID = id.String()
	}
	if result != nil {
		entry.InputTokens = result.Usage.PromptTokens
		entry.OutputTokens = result.Usage.CompletionTokens
	}
	if err != nil {
		entry.Error = err.Error()
	}
	logging.LogProviderCall(entry)

	if c.recorder != nil {
		c.recorder.Record(agentFrom(ctx), operation, c.cfg.Name, model, result, status, err, latency)
	}

	return result, err
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return mapContextErr(ctxErr)
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrTimeout
		}
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.logger.Error().
			Int("status", resp.StatusCode).
			Str("body", logging.SanitizeForLog(string(raw), 500)).
			Msg("Upstream error")
		return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrUpstream, err)
	}
	return nil
}

func mapContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func callStatus(err error) models.CallStatus {
	switch {
	case err == nil:
		return models.CallStatusSuccess
	case errors.Is(err, ErrRateLimited):
		return models.CallStatusRateLimited
	case errors.Is(err, ErrTimeout):
		return models.CallStatusTimeout
	default:
		return models.CallStatusError
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "upstream"
	}
}
