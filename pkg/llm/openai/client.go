// Package openai implements llm.Provider against any OpenAI-compatible
// chat-completions API. Groq, DeepSeek, and NVIDIA all reuse this client
// with a different base URL and key.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"captionlens/pkg/config"
	"captionlens/pkg/llm"
	"captionlens/pkg/llm/imageutil"
	"captionlens/pkg/request"
)

// Client implements llm.Provider for any OpenAI-compatible API.
type Client struct {
	rc       *request.Client
	apiKey   string
	baseURL  string
	profiles map[string]string
	label    string

	mu sync.RWMutex
}

// Request follows the standard OpenAI Chat Completions format.
type Request struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Temperature    float32         `json:"temperature,omitempty"`
	TopP           float32         `json:"top_p,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // Can be string or []ContentPart
}

type ContentPart struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	ImageURL *ImageURLContent `json:"image_url,omitempty"`
}

type ImageURLContent struct {
	URL string `json:"url"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

// Response follows the standard Chat Completions response format.
type Response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewClient creates a new OpenAI-compatible client.
func NewClient(cfg config.ProviderConfig, defaultBaseURL string, rc *request.Client) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}

	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   cfg.Key,
		profiles: cfg.Profiles,
		rc:       rc,
		label:    cfg.Type,
	}, nil
}

// SetLabel sets the provider label used for request tracking.
func (c *Client) SetLabel(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.label = label
}

// Configure updates the client's key and profiles in place.
func (c *Client) Configure(cfg config.ProviderConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = cfg.Key
	c.profiles = cfg.Profiles
	if cfg.BaseURL != "" {
		c.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return nil
}

// HealthCheck verifies the configured profiles resolve to a model on the
// provider's /models endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.ValidateModels(ctx)
}

// ValidateModels checks if the configured models are available.
func (c *Client) ValidateModels(ctx context.Context) error {
	if os.Getenv("TEST_MODE") == "true" {
		slog.Warn("Skipping OpenAI-compatible model validation (TEST_MODE=true)")
		return nil
	}
	c.mu.RLock()
	profiles := c.profiles
	baseURL := c.baseURL
	apiKey := c.apiKey
	c.mu.RUnlock()

	if len(profiles) == 0 {
		return nil
	}

	u := baseURL + "/models"
	headers := map[string]string{"Authorization": "Bearer " + apiKey}

	respBody, err := c.rc.GetWithHeaders(ctx, u, headers, "")
	if err != nil {
		return fmt.Errorf("failed to fetch models from %s: %w", u, err)
	}

	var mresp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &mresp); err != nil {
		return fmt.Errorf("failed to parse models response: %w", err)
	}

	available := make(map[string]bool)
	for _, m := range mresp.Data {
		available[m.ID] = true
	}

	var missing []string
	for _, model := range profiles {
		if !available[model] {
			missing = append(missing, model)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("configured models %v not found at %s", missing, u)
	}
	return nil
}

// GenerateText sends a text-only prompt and returns the model's response.
func (c *Client) GenerateText(ctx context.Context, model, prompt string, params llm.GenerateParams) (string, error) {
	req := Request{
		Model:       model,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: defaultTemp(params.Temperature, isReasoner(model)),
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
	}
	return c.execute(ctx, req)
}

// GenerateWithImage sends a prompt plus image bytes for multimodal captioning.
func (c *Client) GenerateWithImage(ctx context.Context, model, prompt string, imageBytes []byte, params llm.GenerateParams) (string, error) {
	mimeType, err := imageutil.DetectMIMEType(imageBytes)
	if err != nil {
		return "", &llm.Error{Kind: llm.ErrorKindMalformed, Err: err}
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(imageBytes))

	req := Request{
		Model: model,
		Messages: []Message{
			{
				Role: "user",
				Content: []ContentPart{
					{Type: "text", Text: prompt},
					{Type: "image_url", ImageURL: &ImageURLContent{URL: dataURL}},
				},
			},
		},
		Temperature: defaultTemp(params.Temperature, isReasoner(model)),
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
	}
	return c.execute(ctx, req)
}

func (c *Client) Close() {}

func (c *Client) execute(ctx context.Context, oreq Request) (string, error) {
	c.mu.RLock()
	apiKey := c.apiKey
	baseURL := c.baseURL
	c.mu.RUnlock()

	if apiKey == "" {
		return "", &llm.Error{Kind: llm.ErrorKindUnavailable, Err: fmt.Errorf("api key is missing")}
	}

	body, err := json.Marshal(oreq)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + apiKey,
		"Content-Type":  "application/json",
	}

	u := baseURL + "/chat/completions"

	respBody, err := c.rc.PostWithHeaders(ctx, u, body, headers)
	if err != nil {
		return "", classifyHTTPErr(err)
	}

	var oresp Response
	if err := json.Unmarshal(respBody, &oresp); err != nil {
		return "", &llm.Error{Kind: llm.ErrorKindMalformed, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}

	if oresp.Error != nil {
		return "", &llm.Error{Kind: llm.ErrorKindUnavailable, Err: fmt.Errorf("api error: %s (%s)", oresp.Error.Message, oresp.Error.Type)}
	}
	if len(oresp.Choices) == 0 {
		return "", &llm.Error{Kind: llm.ErrorKindEmpty, Err: fmt.Errorf("api returned no choices")}
	}
	content := oresp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", &llm.Error{Kind: llm.ErrorKindEmpty, Err: fmt.Errorf("api returned empty content")}
	}
	return content, nil
}

// classifyHTTPErr maps a *request.HTTPStatusError to an llm.ErrorKind; other
// transport errors (DNS, connection refused, context deadline) count as
// Unavailable/Timeout respectively.
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

func (c *Client) HasProfile(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.profiles[name]
	return ok && c.profiles[name] != ""
}

func (c *Client) ResolveModel(intent string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if model, ok := c.profiles[intent]; ok && model != "" {
		return model, nil
	}
	return "", fmt.Errorf("profile %q not configured", intent)
}

func isReasoner(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "reasoner") || strings.Contains(m, "r1")
}

func defaultTemp(requested float32, reasoner bool) float32 {
	if reasoner {
		return 1.0
	}
	if requested > 0 {
		return requested
	}
	return 0.7
}
