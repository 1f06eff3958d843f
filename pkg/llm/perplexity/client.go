// Package perplexity implements llm.Provider for Perplexity's Sonar API,
// an OpenAI-compatible chat endpoint with optional web-search grounding.
package perplexity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"captionlens/pkg/config"
	"captionlens/pkg/llm"
	"captionlens/pkg/request"
)

const baseURL = "https://api.perplexity.ai/chat/completions"

// Client implements llm.Provider for Perplexity Sonar API.
type Client struct {
	rc       *request.Client
	apiKey   string
	profiles map[string]string

	mu sync.RWMutex
}

type sonarRequest struct {
	Model            string            `json:"model"`
	Messages         []sonarMessage    `json:"messages"`
	Temperature      float32           `json:"temperature,omitempty"`
	WebSearchOptions *webSearchOptions `json:"web_search_options,omitempty"`
}

// webSearchOptions controls Perplexity's web search behavior. SearchContextSize
// is "low", "medium", or "high"; "high" maximizes retrieval for grounding
// travel/cultural context in unfamiliar locations.
type webSearchOptions struct {
	SearchContextSize string `json:"search_context_size,omitempty"`
}

type sonarMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sonarResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations,omitempty"`
	Error     *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewClient creates a new Perplexity Sonar client.
func NewClient(cfg config.ProviderConfig, rc *request.Client) (*Client, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("perplexity api key is required")
	}
	return &Client{apiKey: cfg.Key, profiles: cfg.Profiles, rc: rc}, nil
}

// Configure updates the client's key and profiles in place.
func (c *Client) Configure(cfg config.ProviderConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = cfg.Key
	c.profiles = cfg.Profiles
	return nil
}

func (c *Client) GenerateText(ctx context.Context, model, prompt string, params llm.GenerateParams) (string, error) {
	req := sonarRequest{
		Model:            model,
		Messages:         []sonarMessage{{Role: "user", Content: prompt}},
		Temperature:      params.Temperature,
		WebSearchOptions: &webSearchOptions{SearchContextSize: "high"},
	}
	return c.execute(ctx, req)
}

// GenerateWithImage is not supported by Perplexity Sonar's text-only models.
func (c *Client) GenerateWithImage(ctx context.Context, model, prompt string, imageBytes []byte, params llm.GenerateParams) (string, error) {
	return "", &llm.Error{Kind: llm.ErrorKindUnavailable, Err: fmt.Errorf("perplexity sonar does not support image input")}
}

// ValidateModels is a no-op: Perplexity's /models endpoint is unreliable, so
// model validation is skipped at startup for this provider.
func (c *Client) ValidateModels(ctx context.Context) error {
	slog.Debug("skipping perplexity model validation (disabled)")
	return nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("api key not configured")
	}
	c.mu.RLock()
	var testProfile string
	for _, p := range c.profiles {
		if p != "" {
			testProfile = p
			break
		}
	}
	c.mu.RUnlock()
	if testProfile == "" {
		return fmt.Errorf("no profiles configured")
	}
	_, err := c.GenerateText(ctx, testProfile, "ping", llm.GenerateParams{})
	return err
}

func (c *Client) HasProfile(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	model, ok := c.profiles[name]
	return ok && model != ""
}

func (c *Client) ResolveModel(intent string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if model, ok := c.profiles[intent]; ok && model != "" {
		return model, nil
	}
	return "", fmt.Errorf("profile %q not configured for perplexity", intent)
}

func (c *Client) execute(ctx context.Context, sreq sonarRequest) (string, error) {
	if c.apiKey == "" {
		return "", &llm.Error{Kind: llm.ErrorKindUnavailable, Err: fmt.Errorf("api key is missing")}
	}

	body, err := json.Marshal(sreq)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + c.apiKey,
		"Content-Type":  "application/json",
	}

	respBody, err := c.rc.PostWithHeaders(ctx, baseURL, body, headers)
	if err != nil {
		return "", classifyHTTPErr(err)
	}

	var sresp sonarResponse
	if err := json.Unmarshal(respBody, &sresp); err != nil {
		return "", &llm.Error{Kind: llm.ErrorKindMalformed, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	if sresp.Error != nil {
		return "", &llm.Error{Kind: llm.ErrorKindUnavailable, Err: fmt.Errorf("perplexity api error: %s (%s)", sresp.Error.Message, sresp.Error.Type)}
	}
	if len(sresp.Choices) == 0 {
		return "", &llm.Error{Kind: llm.ErrorKindEmpty, Err: fmt.Errorf("perplexity api returned no choices")}
	}
	content := strings.TrimSpace(sresp.Choices[0].Message.Content)
	if content == "" {
		return "", &llm.Error{Kind: llm.ErrorKindEmpty, Err: fmt.Errorf("perplexity api returned empty content")}
	}
	return content, nil
}

func classifyHTTPErr(err error) error {
	var statusErr *request.HTTPStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusRequestTimeout || statusErr.StatusCode == http.StatusGatewayTimeout {
			return &llm.Error{Kind: llm.ErrorKindTimeout, Err: err}
		}
		return &llm.Error{Kind: llm.ErrorKindUnavailable, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.Error{Kind: llm.ErrorKindTimeout, Err: err}
	}
	return &llm.Error{Kind: llm.ErrorKindUnavailable, Err: err}
}

// Close is a no-op for HTTP clients.
func (c *Client) Close() {}

// SearchResult represents a web-search-grounded response with citations.
type SearchResult struct {
	Content   string
	Citations []string
}

// Search performs a grounded web search query and returns content with
// citations. Nothing in this repository calls it.
func (c *Client) Search(ctx context.Context, query string) (*SearchResult, error) {
	c.mu.RLock()
	var model string
	for _, m := range c.profiles {
		if m != "" {
			model = m
			break
		}
	}
	c.mu.RUnlock()

	if model == "" {
		return nil, fmt.Errorf("no model configured for search")
	}

	req := sonarRequest{
		Model:            model,
		Messages:         []sonarMessage{{Role: "user", Content: query}},
		WebSearchOptions: &webSearchOptions{SearchContextSize: "high"},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + c.apiKey,
		"Content-Type":  "application/json",
	}

	respBody, err := c.rc.PostWithHeaders(ctx, baseURL, body, headers)
	if err != nil {
		return nil, classifyHTTPErr(err)
	}

	var sresp sonarResponse
	if err := json.Unmarshal(respBody, &sresp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if sresp.Error != nil {
		return nil, fmt.Errorf("perplexity api error: %s (%s)", sresp.Error.Message, sresp.Error.Type)
	}
	if len(sresp.Choices) == 0 {
		return nil, fmt.Errorf("perplexity api returned no choices")
	}

	return &SearchResult{
		Content:   strings.TrimSpace(sresp.Choices[0].Message.Content),
		Citations: sresp.Citations,
	}, nil
}
