package nvidia

import (
	"captionlens/pkg/config"
	"captionlens/pkg/llm/openai"
	"captionlens/pkg/request"
)

const baseURL = "https://integrate.api.nvidia.com/v1"

// NewClient creates a new Nvidia client using the generic OpenAI provider.
func NewClient(cfg config.ProviderConfig, rc *request.Client) (*openai.Client, error) {
	return openai.NewClient(cfg, baseURL, rc)
}
