// Package gemini implements llm.Provider against Google's Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"google.golang.org/api/iterator"
	"google.golang.org/genai"

	"captionlens/pkg/config"
	"captionlens/pkg/llm"
	"captionlens/pkg/llm/imageutil"
	"captionlens/pkg/request"
	"captionlens/pkg/tracker"
)

// Client implements llm.Provider for Google Gemini.
type Client struct {
	genaiClient *genai.Client
	apiKey      string
	profiles    map[string]string // Map intent -> modelName
	rc          *request.Client
	tracker     *tracker.Tracker

	mu sync.RWMutex
}

// temperatureJitter keeps successive captions for visually similar photos
// from reading identically.
const temperatureJitter = 0.15

// NewClient creates a new Gemini client.
func NewClient(cfg config.ProviderConfig, rc *request.Client, t *tracker.Tracker) (*Client, error) {
	c := &Client{
		rc:       rc,
		tracker:  t,
		apiKey:   cfg.Key,
		profiles: cfg.Profiles,
	}

	if c.apiKey != "" {
		client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: c.apiKey})
		if err != nil {
			return nil, fmt.Errorf("failed to create genai client: %w", err)
		}
		c.genaiClient = client

		if err := c.ValidateModels(context.Background()); err != nil {
			if os.Getenv("TEST_MODE") == "true" {
				slog.Warn("Gemini model validation failed (proceeding due to TEST_MODE)", "error", err)
			} else {
				return nil, fmt.Errorf("gemini model validation failed: %w", err)
			}
		}
	}

	return c, nil
}

// Close cleans up resources.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.genaiClient = nil
}

// Configure updates the client's key and profiles in place.
func (c *Client) Configure(cfg config.ProviderConfig) error {
	c.mu.Lock()
	c.apiKey = cfg.Key
	c.profiles = cfg.Profiles
	c.mu.Unlock()

	if cfg.Key == "" {
		return nil
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: cfg.Key})
	if err != nil {
		return fmt.Errorf("failed to reconfigure genai client: %w", err)
	}
	c.mu.Lock()
	c.genaiClient = client
	c.mu.Unlock()
	return nil
}

// HealthCheck verifies that every configured model can be resolved.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	configured := c.genaiClient != nil
	c.mu.RUnlock()
	if !configured {
		return fmt.Errorf("gemini client not configured")
	}
	return c.ValidateModels(ctx)
}

// GenerateText sends a text-only prompt and returns the model's response.
func (c *Client) GenerateText(ctx context.Context, model, prompt string, params llm.GenerateParams) (string, error) {
	c.mu.RLock()
	client := c.genaiClient
	c.mu.RUnlock()

	if client == nil {
		return "", &llm.Error{Kind: llm.ErrorKindUnavailable, Err: fmt.Errorf("gemini client not configured")}
	}

	genConfig := buildGenerateConfig(params)
	resp, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), genConfig)
	if err != nil {
		c.trackFailure()
		return "", classifyGenaiErr(err)
	}

	if len(resp.Candidates) > 0 {
		logGoogleSearchUsage(model, resp.Candidates[0].GroundingMetadata)
	}

	text, err := getResponseText(resp)
	if err != nil {
		c.trackFailure()
		return "", err
	}

	c.trackSuccess()
	return text, nil
}

// GenerateWithImage sends a prompt plus image bytes for multimodal captioning.
func (c *Client) GenerateWithImage(ctx context.Context, model, prompt string, imageBytes []byte, params llm.GenerateParams) (string, error) {
	c.mu.RLock()
	client := c.genaiClient
	c.mu.RUnlock()

	if client == nil {
		return "", &llm.Error{Kind: llm.ErrorKindUnavailable, Err: fmt.Errorf("gemini client not configured")}
	}

	mimeType, err := imageutil.DetectMIMEType(imageBytes)
	if err != nil {
		return "", &llm.Error{Kind: llm.ErrorKindMalformed, Err: err}
	}

	slog.Debug("gemini: attaching image to multimodal request", "size_bytes", len(imageBytes), "mime", mimeType)

	contents := []*genai.Content{
		{Parts: []*genai.Part{
			{Text: prompt},
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: imageBytes}},
		}},
	}

	genConfig := buildGenerateConfig(params)
	resp, err := client.Models.GenerateContent(ctx, model, contents, genConfig)
	if err != nil {
		c.trackFailure()
		return "", classifyGenaiErr(err)
	}

	text, err := getResponseText(resp)
	if err != nil {
		c.trackFailure()
		return "", err
	}

	c.trackSuccess()
	return text, nil
}

func buildGenerateConfig(params llm.GenerateParams) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if params.Temperature > 0 {
		t := sampleTemperature(params.Temperature, temperatureJitter)
		cfg.Temperature = &t
	}
	if params.TopP > 0 {
		p := params.TopP
		cfg.TopP = &p
	}
	if params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(params.MaxTokens)
	}
	return cfg
}

func (c *Client) trackFailure() {
	if c.tracker != nil {
		c.tracker.TrackAPIFailure("gemini")
	}
}

func (c *Client) trackSuccess() {
	if c.tracker != nil {
		c.tracker.TrackAPISuccess("gemini")
	}
}

// classifyGenaiErr maps a genai SDK error to an llm.ErrorKind based on
// surfaced status text, since the SDK doesn't expose a typed status code.
func classifyGenaiErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.Error{Kind: llm.ErrorKindTimeout, Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline") || strings.Contains(msg, "timeout"):
		return &llm.Error{Kind: llm.ErrorKindTimeout, Err: err}
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "429") || strings.Contains(msg, "500") || strings.Contains(msg, "503"):
		return &llm.Error{Kind: llm.ErrorKindUnavailable, Err: err}
	default:
		return &llm.Error{Kind: llm.ErrorKindUnavailable, Err: err}
	}
}

func getResponseText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", &llm.Error{Kind: llm.ErrorKindEmpty, Err: fmt.Errorf("no candidates returned")}
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &llm.Error{Kind: llm.ErrorKindEmpty, Err: fmt.Errorf("empty response text")}
	}
	return sb.String(), nil
}

// ValidateModels checks if the configured models are available.
func (c *Client) ValidateModels(ctx context.Context) error {
	if os.Getenv("TEST_MODE") == "true" {
		slog.Warn("Skipping Gemini model validation (TEST_MODE=true)")
		return nil
	}
	c.mu.RLock()
	profiles := c.profiles
	client := c.genaiClient
	c.mu.RUnlock()

	if len(profiles) == 0 {
		return fmt.Errorf("no profiles configured for gemini provider")
	}

	modelsToCheck := make(map[string]bool)
	for _, m := range profiles {
		modelsToCheck[m] = true
	}

	var missingModels []string
	for model := range modelsToCheck {
		name := model
		if !strings.HasPrefix(name, "models/") {
			name = "models/" + name
		}
		if _, err := client.Models.Get(ctx, name, nil); err != nil {
			missingModels = append(missingModels, model)
		}
	}

	if len(missingModels) == 0 {
		return nil
	}

	iter, listErr := client.Models.List(ctx, nil)
	var availableInfo string
	if listErr == nil {
		var availableModels []string
		for {
			resp, nextErr := iter.Next(ctx)
			if nextErr == iterator.Done {
				break
			}
			if nextErr != nil {
				break
			}
			if strings.Contains(strings.ToLower(resp.Name), "gemini") {
				availableModels = append(availableModels, resp.Name)
			}
		}
		if len(availableModels) > 0 {
			availableInfo = "\nAvailable models for this key: " + strings.Join(availableModels, ", ")
		}
	}

	return fmt.Errorf("configured models %v not found or unauthorized.%s", missingModels, availableInfo)
}

// HasProfile checks if the provider has a specific profile configured.
func (c *Client) HasProfile(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.profiles[name]
	return ok && c.profiles[name] != ""
}

// ResolveModel returns the model name configured for an intent.
func (c *Client) ResolveModel(intent string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	model, ok := c.profiles[intent]
	if !ok || model == "" {
		return "", fmt.Errorf("no model configured for intent %q", intent)
	}
	return model, nil
}
