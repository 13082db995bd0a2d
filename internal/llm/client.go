// Package llm wraps the Gemini API for embeddings and reply generation.
package llm

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Embedder provides text embedding capability.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator produces free text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Options configures a Client.
type Options struct {
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	// EmbedRPS limits embedding calls per second; zero disables the limit.
	EmbedRPS   float64
	EmbedBurst int
}

// Client wraps the Google GenAI client.
type Client struct {
	client         *genai.Client
	chatModel      string
	embeddingModel string
	limiter        *rate.Limiter
}

// NewClient creates a new client for the Gemini API backend.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	if opts.ChatModel == "" {
		opts.ChatModel = "gemini-2.0-flash"
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = "text-embedding-004"
	}

	return &Client{
		client:         client,
		chatModel:      opts.ChatModel,
		embeddingModel: opts.EmbeddingModel,
		limiter:        newLimiter(opts.EmbedRPS, opts.EmbedBurst),
	}, nil
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Embed generates an embedding vector for the given text. It waits for the
// rate limiter and fails when ctx ends first.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}

	resp, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to embed content: %w", err)
	}
	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, errors.New("no embedding returned")
	}
	return resp.Embeddings[0].Values, nil
}

// Generate returns the model's text reply to prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.chatModel, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("empty model response")
	}
	return text, nil
}

// ChatModel returns the configured chat model name.
func (c *Client) ChatModel() string {
	return c.chatModel
}

var (
	_ Embedder  = (*Client)(nil)
	_ Generator = (*Client)(nil)
)
