package deepseek

import (
	"captionlens/pkg/config"
	"captionlens/pkg/llm/openai"
	"captionlens/pkg/request"
)

const (
	deepseekBaseURL = "https://api.deepseek.com"
)

// NewClient creates a new DeepSeek client using the generic OpenAI provider.
func NewClient(cfg config.ProviderConfig, rc *request.Client) (*openai.Client, error) {
	return openai.NewClient(cfg, deepseekBaseURL, rc)
}
