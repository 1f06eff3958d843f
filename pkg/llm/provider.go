package llm

import (
	"context"
	"errors"
	"time"

	"captionlens/pkg/config"
)

// ErrorKind classifies why a model call failed, so callers (retry policy,
// failover, fallback captions) can react without parsing error strings.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	ErrorKindTimeout
	ErrorKindUnavailable
	ErrorKindMalformed
	ErrorKindEmpty
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindUnavailable:
		return "unavailable"
	case ErrorKindMalformed:
		return "malformed"
	case ErrorKindEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Error wraps a provider failure with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, defaulting to ErrorKindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrorKindUnknown
}

// Retryable reports whether a failure of this kind should be retried.
// Malformed and Empty responses are deterministic content failures, not
// transient faults, so retrying them is pointless.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTimeout || k == ErrorKindUnavailable || k == ErrorKindUnknown
}

// GenerateParams carries per-call generation knobs sourced from a prompt
// template's configured parameters.
type GenerateParams struct {
	Temperature float32
	MaxTokens   int
	TopP        float32
}

// Provider defines the interface for interacting with LLM services.
type Provider interface {
	// GenerateText sends a text-only prompt and returns the model's response.
	GenerateText(ctx context.Context, model, prompt string, params GenerateParams) (string, error)

	// GenerateWithImage sends a prompt plus image bytes for multimodal captioning.
	GenerateWithImage(ctx context.Context, model, prompt string, imageBytes []byte, params GenerateParams) (string, error)

	// Configure updates the provider with new settings (e.g. API key, profiles).
	Configure(cfg config.ProviderConfig) error

	// HealthCheck verifies that the provider is configured and reachable.
	HealthCheck(ctx context.Context) error
}

// ProfileAware is implemented by providers that route a stage intent
// ("caption", "travel", ...) to a concrete model name via their configured
// profiles map. Failover uses it to pick only candidates that support the
// requested intent and to resolve each candidate's own model name for it.
type ProfileAware interface {
	HasProfile(name string) bool
	ResolveModel(intent string) (string, error)
}

// WithRetry invokes fn up to maxRetries+1 times, waiting gap between
// attempts, stopping early on a non-retryable ErrorKind or a nil error.
func WithRetry(ctx context.Context, maxRetries int, gap time.Duration, fn func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		text, err := fn()
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !KindOf(err).Retryable() {
			return "", err
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(gap):
		}
	}
	return "", lastErr
}
