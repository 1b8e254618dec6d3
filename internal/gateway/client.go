// Package gateway sends chat completions to an OpenAI-compatible provider and
// applies the primary/fallback policy.
package gateway

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

	"github.com/kalambet/sopflow/internal/modelconfig"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

var (
	// ErrProviderUnavailable is returned when a single provider call fails for
	// any reason: transport, timeout, non-2xx status or an unusable body.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderExhausted is returned when both the primary and the fallback
	// model failed.
	ErrProviderExhausted = errors.New("provider exhausted")
)

// Client communicates with the provider's chat completions API.
type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a client with the given default API key.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		timeout:    defaultTimeout,
		httpClient: &http.Client{},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL.
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c := NewClient(apiKey)
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// WithTimeout overrides the per-call timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// Invoke sends messages to p.Model and returns the first choice's text.
func (c *Client) Invoke(ctx context.Context, messages []Message, p Params) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       p.Model,
		Messages:    messages,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: creating request: %w", ErrProviderUnavailable, err)
	}
	c.setHeaders(req, p.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, p.Model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("%w: %s: unexpected status %d: %s", ErrProviderUnavailable, p.Model, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %s: decoding response: %w", ErrProviderUnavailable, p.Model, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: %s: response has no choices", ErrProviderUnavailable, p.Model)
	}
	return out.Choices[0].Message.Content, nil
}

// InvokeWithFallback calls cfg.PrimaryModel and, on failure, cfg.FallbackModel.
func (c *Client) InvokeWithFallback(ctx context.Context, messages []Message, cfg modelconfig.ModelConfig) (Reply, error) {
	return NewFallback(c).Do(ctx, cfg, messages)
}

// ListModels returns the models available to apiKey (or the client default).
func (c *Client) ListModels(ctx context.Context, apiKey string) ([]Model, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}
	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request, apiKey string) {
	if apiKey == "" {
		apiKey = c.apiKey
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
}
