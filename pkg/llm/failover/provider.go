// Package failover composes multiple llm.Provider backends into a single
// chain with per-provider circuit breaking, exponential skip-backoff, and a
// unified request/response log.
package failover

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"captionlens/pkg/config"
	"captionlens/pkg/llm"
	"captionlens/pkg/tracker"
)

// NamedProvider is an llm.Provider that also knows how to route a stage
// intent to one of its own configured models.
type NamedProvider interface {
	llm.Provider
	llm.ProfileAware
}

// Provider wraps multiple LLM providers and handles fallbacks.
type Provider struct {
	providers []NamedProvider
	names     []string
	timeouts  []time.Duration
	disabled  map[int]bool
	backoffs  map[string]*backoffState // key: providerName:intent
	logPath   string
	enabled   bool
	tracker   *tracker.Tracker
	mu        sync.RWMutex
}

type backoffState struct {
	subsequentFailures int
	skippedRequests    int
	targetSkips        int
}

// New creates a new Provider with failover and unified logging. providers,
// names, and timeouts are parallel slices describing the fallback chain in
// priority order.
func New(providers []NamedProvider, names []string, timeouts []time.Duration, logPath string, enabled bool, t *tracker.Tracker) (*Provider, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one provider required for failover")
	}
	if len(providers) != len(names) || len(providers) != len(timeouts) {
		return nil, fmt.Errorf("providers (%d), names (%d), and timeouts (%d) must have equal length", len(providers), len(names), len(timeouts))
	}

	return &Provider{
		providers: providers,
		names:     names,
		timeouts:  timeouts,
		disabled:  make(map[int]bool),
		backoffs:  make(map[string]*backoffState),
		logPath:   logPath,
		enabled:   enabled,
		tracker:   t,
	}, nil
}

// GenerateText implements llm.Provider, routing by stage intent rather than
// a single fixed model name: each candidate provider resolves intent to its
// own configured model before calling GenerateText.
func (f *Provider) GenerateText(ctx context.Context, intent, prompt string, params llm.GenerateParams) (string, error) {
	res, err := f.execute(ctx, intent, prompt, func(pCtx context.Context, p NamedProvider, model string) (any, error) {
		return p.GenerateText(pCtx, model, prompt, params)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// GenerateWithImage implements llm.Provider.
func (f *Provider) GenerateWithImage(ctx context.Context, intent, prompt string, imageBytes []byte, params llm.GenerateParams) (string, error) {
	res, err := f.execute(ctx, intent, prompt, func(pCtx context.Context, p NamedProvider, model string) (any, error) {
		return p.GenerateWithImage(pCtx, model, prompt, imageBytes, params)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// Configure is a no-op at the failover level; each wrapped provider is
// configured individually before being added to the chain.
func (f *Provider) Configure(cfg config.ProviderConfig) error { return nil }

// HealthCheck succeeds if at least one provider in the chain is healthy.
func (f *Provider) HealthCheck(ctx context.Context) error {
	f.mu.RLock()
	providers := f.providers
	f.mu.RUnlock()

	var lastErr error
	for _, p := range providers {
		if err := p.HealthCheck(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("all providers unhealthy: %w", lastErr)
}

// HasProfile reports whether any provider in the chain supports the intent.
func (f *Provider) HasProfile(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.providers {
		if p.HasProfile(name) {
			return true
		}
	}
	return false
}

type candidate struct {
	index int
	p     NamedProvider
	name  string
	model string
}

// execute runs fn against the provider chain, trying candidates in priority
// order with circuit breaking and exponential skip-backoff on retryable
// failures.
func (f *Provider) execute(ctx context.Context, intent, prompt string, fn func(context.Context, NamedProvider, string) (any, error)) (any, error) {
	f.mu.RLock()
	providers := f.providers
	names := f.names
	f.mu.RUnlock()

	var candidates []candidate
	for i, p := range providers {
		f.mu.RLock()
		isDisabled := f.disabled[i]
		f.mu.RUnlock()
		if isDisabled {
			continue
		}
		model, err := p.ResolveModel(intent)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{i, p, names[i], model})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no active provider supports intent %q", intent)
	}

	for idx, c := range candidates {
		backoffKey := c.name + ":" + intent
		f.mu.Lock()
		bs, exists := f.backoffs[backoffKey]
		if exists && bs.skippedRequests < bs.targetSkips {
			bs.skippedRequests++
			slog.Info("llm provider in backoff, skipping",
				"provider", c.name, "intent", intent, "skipped", bs.skippedRequests, "target", bs.targetSkips)
			f.mu.Unlock()
			continue
		}
		f.mu.Unlock()

		timeout := f.timeouts[c.index]
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := fn(callCtx, c.p, c.model)
		cancel()

		if err == nil {
			f.mu.Lock()
			delete(f.backoffs, backoffKey)
			f.mu.Unlock()
			f.logRequest(c.name, intent, prompt, fmt.Sprintf("%v", res), nil)
			return res, nil
		}

		f.logRequest(c.name, intent, prompt, "", err)
		isFatal := isUnrecoverable(err)
		isLast := idx == len(candidates)-1

		if isFatal {
			if !isLast {
				slog.Warn("llm provider fatal error, disabling for the session", "provider", c.name, "error", err)
				f.mu.Lock()
				f.disabled[c.index] = true
				f.mu.Unlock()
				continue
			}
			return nil, err
		}

		f.mu.Lock()
		bs, exists = f.backoffs[backoffKey]
		if !exists {
			bs = &backoffState{}
			f.backoffs[backoffKey] = bs
		}
		bs.subsequentFailures++
		bs.skippedRequests = 0
		bs.targetSkips = int(1 << (uint(bs.subsequentFailures) - 1))
		f.mu.Unlock()

		if !isLast {
			slog.Info("llm provider failed, falling back",
				"provider", c.name, "next", candidates[idx+1].name, "error", err, "failures", bs.subsequentFailures)
			continue
		}

		res, err = f.retryLast(ctx, c.p, c.name, c.model, timeout, fn)
		if err != nil {
			f.logRequest(c.name, intent, prompt, "", err)
		} else {
			f.mu.Lock()
			delete(f.backoffs, backoffKey)
			f.mu.Unlock()
			f.logRequest(c.name, intent, prompt, fmt.Sprintf("%v", res), nil)
		}
		return res, err
	}

	return nil, fmt.Errorf("all llm providers exhausted for intent %q", intent)
}

func (f *Provider) retryLast(ctx context.Context, p NamedProvider, name, model string, timeout time.Duration, fn func(context.Context, NamedProvider, string) (any, error)) (any, error) {
	var lastErr error
	delay := 1 * time.Second
	for attempt := 1; attempt <= 3; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := fn(callCtx, p, model)
		cancel()
		if err == nil {
			return res, nil
		}

		lastErr = err
		if isUnrecoverable(err) {
			return nil, fmt.Errorf("last provider failed with fatal error: %w", err)
		}

		slog.Warn("last llm provider failed, retrying with backoff", "provider", name, "attempt", attempt, "next_delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("last provider exhausted after 3 retries: %w", lastErr)
}

func (f *Provider) logRequest(providerName, intent, prompt, response string, err error) {
	if f.logPath == "" || !f.enabled {
		return
	}
	if mkErr := os.MkdirAll(filepath.Dir(f.logPath), 0o755); mkErr != nil {
		return
	}
	file, fErr := os.OpenFile(f.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if fErr != nil {
		return
	}
	defer file.Close()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	var entry string
	if err != nil {
		entry = fmt.Sprintf("[%s][%s] ERROR: %s - %v\n%s\n",
			timestamp, strings.ToUpper(providerName), intent, err, strings.Repeat("-", 80))
	} else {
		wrapped := llm.WordWrap(response, 80)
		entry = fmt.Sprintf("[%s][%s] PROMPT: %s\nPROMPT_TEXT:\n%s\n\nRESPONSE:\n%s\n%s\n",
			timestamp, strings.ToUpper(providerName), intent, prompt, wrapped, strings.Repeat("-", 80))
	}
	_, _ = file.WriteString(entry)
}

// isUnrecoverable identifies errors that should trigger a circuit break
// (unless it's the last provider in the chain): invalid or revoked keys.
// 429 and validation errors are transient and do not disable a provider.
func isUnrecoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "invalid_api_key")
}
