// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/capitalize-ai/followup-core/pkg/metrics"
)

// GenerateRequest is a prompt pair; the core assembles the prompts, the
// provider is swappable.
type GenerateRequest struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	MaxTokens    int
	Temperature  float64
}

// GenerateResponse carries the generated text and token accounting.
type GenerateResponse struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
	LatencyMs int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Generate produces text from a system/user prompt pair.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// Name returns the provider name.
	Name() string
}

// Embedder turns text into a dense vector of fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	default:
		return NewAnthropicClient(apiKey)
	}
}

// RetryingClient wraps a Client with a hard per-call timeout and a bounded
// number of retries with jittered exponential backoff.
type RetryingClient struct {
	inner      Client
	timeout    time.Duration
	maxRetries uint64
}

// NewRetrying wraps client with timeout and retry behavior.
func NewRetrying(client Client, timeout time.Duration, maxRetries int) *RetryingClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingClient{inner: client, timeout: timeout, maxRetries: uint64(maxRetries)}
}

func (c *RetryingClient) Name() string { return c.inner.Name() }

func (c *RetryingClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	var resp *GenerateResponse

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		r, err := c.inner.Generate(callCtx, req)
		if err != nil {
			metrics.RecordLLMRequest(c.inner.Name(), "error", time.Since(start).Seconds(), 0, 0)
			return err
		}
		metrics.RecordLLMRequest(c.inner.Name(), "success", time.Since(start).Seconds(), r.TokensIn, r.TokensOut)
		resp = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}
