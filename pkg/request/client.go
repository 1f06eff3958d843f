package request

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"captionlens/pkg/cache"
	"captionlens/pkg/tracker"
	"captionlens/pkg/version"
)

var defaultUserAgent = fmt.Sprintf("CaptionLens/%s (+https://github.com/captionlens/captionlens)", version.Version)

// HTTPStatusError reports a non-retryable (<500, !=429) HTTP response status,
// letting callers distinguish e.g. a 401 from a transport-level failure.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("api error: status %d (%s)", e.StatusCode, e.URL)
}

// ClientConfig tunes retry/backoff and per-provider rate limiting.
type ClientConfig struct {
	Retries          int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	GeocodeRateLimit time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// Client handles HTTP requests with per-provider queuing, caching, and
// exponential backoff tracking.
type Client struct {
	httpClient *http.Client
	cache      cache.Cacher
	tracker    *tracker.Tracker
	cfg        ClientConfig
	backoff    *ProviderBackoff

	// Queues per provider (domain)
	queues map[string]chan job
	mu     sync.Mutex // Protects queues map
}

// job represents a queued request.
type job struct {
	req      *http.Request
	headers  map[string]string
	cacheKey string
	respChan chan jobResult
}

type jobResult struct {
	body []byte
	err  error
}

// New creates a new Client.
func New(c cache.Cacher, t *tracker.Tracker, cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      c,
		tracker:    t,
		cfg:        cfg,
		backoff:    NewProviderBackoff(cfg.BaseDelay, cfg.MaxDelay),
		queues:     make(map[string]chan job),
	}
}

// Get performs a GET request with queuing and caching if key is provided.
func (c *Client) Get(ctx context.Context, u, cacheKey string) ([]byte, error) {
	return c.GetWithHeaders(ctx, u, nil, cacheKey)
}

// GetWithHeaders performs a GET request with custom headers and optional caching.
func (c *Client) GetWithHeaders(ctx context.Context, u string, headers map[string]string, cacheKey string) ([]byte, error) {
	parsedURL, err := url.Parse(u)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	host := parsedURL.Host
	provider := normalizeProvider(host)

	if cacheKey != "" {
		if val, hit := c.cache.GetCache(ctx, cacheKey); hit {
			c.tracker.TrackCacheHit(provider)
			slog.Debug("cache hit", "provider", provider, "key", cacheKey)
			return val, nil
		}
		c.tracker.TrackCacheMiss(provider)
		slog.Debug("cache miss", "provider", provider, "key", cacheKey)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	respChan := make(chan jobResult, 1)
	j := job{req: req, headers: headers, cacheKey: cacheKey, respChan: respChan}

	c.dispatch(provider, j)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-respChan:
		return res.body, res.err
	}
}

// Post performs a POST request with queuing.
func (c *Client) Post(ctx context.Context, u string, body []byte, contentType string) ([]byte, error) {
	return c.PostWithHeaders(ctx, u, body, map[string]string{"Content-Type": contentType})
}

// PostWithHeaders performs a POST request with custom headers and queuing.
func (c *Client) PostWithHeaders(ctx context.Context, u string, body []byte, headers map[string]string) ([]byte, error) {
	return c.PostWithCache(ctx, u, body, headers, "")
}

// PostWithCache performs a POST request with queuing and caching.
func (c *Client) PostWithCache(ctx context.Context, u string, body []byte, headers map[string]string, cacheKey string) ([]byte, error) {
	parsedURL, err := url.Parse(u)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	host := parsedURL.Host
	provider := normalizeProvider(host)

	if cacheKey != "" {
		if val, hit := c.cache.GetCache(ctx, cacheKey); hit {
			c.tracker.TrackCacheHit(provider)
			slog.Debug("cache hit", "provider", provider, "key", cacheKey)
			return val, nil
		}
		c.tracker.TrackCacheMiss(provider)
		slog.Debug("cache miss", "provider", provider, "key", cacheKey)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	respChan := make(chan jobResult, 1)
	j := job{req: req, headers: headers, cacheKey: cacheKey, respChan: respChan}

	c.dispatch(provider, j)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-respChan:
		return res.body, res.err
	}
}

func normalizeProvider(host string) string {
	// Group all nominatim/OSM subdomains into one "geocoder" provider so they
	// serialize through a single per-process queue (rate-limit compliance).
	if strings.HasSuffix(host, ".openstreetmap.org") || host == "openstreetmap.org" || strings.Contains(host, "nominatim") {
		return "geocoder"
	}
	if strings.Contains(host, "overpass") {
		return "places"
	}
	if strings.HasSuffix(host, "googleapis.com") {
		return "gemini"
	}
	if strings.Contains(host, "perplexity") {
		return "Perplexity"
	}
	if strings.Contains(host, "groq") {
		return "groq"
	}
	if strings.Contains(host, "deepseek") {
		return "deepseek"
	}
	return host
}

// dispatch sends the job to the provider's queue, creating the queue/worker if needed.
func (c *Client) dispatch(provider string, j job) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[provider]
	if !ok {
		q = make(chan job, 100)
		c.queues[provider] = q
		go c.worker(provider, q)
	}

	select {
	case q <- j:
	case <-j.req.Context().Done():
		j.respChan <- jobResult{err: j.req.Context().Err()}
	}
}

// worker processes requests for a specific provider sequentially, so the
// provider's own backoff state and rate limit apply per-provider rather
// than globally.
func (c *Client) worker(provider string, q <-chan job) {
	for j := range q {
		if j.req.Context().Err() != nil {
			slog.Warn("job dropped from queue: context expired", "provider", provider, "error", j.req.Context().Err())
			j.respChan <- jobResult{err: j.req.Context().Err()}
			continue
		}

		c.backoff.Wait(provider)

		uaMatch := false
		for k, v := range j.headers {
			j.req.Header.Set(k, v)
			if http.CanonicalHeaderKey(k) == "User-Agent" {
				uaMatch = true
			}
		}
		if !uaMatch {
			j.req.Header.Set("User-Agent", defaultUserAgent)
		}

		body, err := c.executeWithRetry(j.req)

		if err == nil {
			c.backoff.RecordSuccess(provider)
			c.tracker.TrackAPISuccess(provider)
			if j.cacheKey != "" {
				if err := c.cache.SetCache(context.Background(), j.cacheKey, body); err != nil {
					slog.Error("failed to cache response", "url", j.req.URL, "error", err)
				}
			}
		} else {
			c.backoff.RecordFailure(provider)
			c.tracker.TrackAPIFailure(provider)
		}

		j.respChan <- jobResult{body: body, err: err}

		gap := 100 * time.Millisecond
		if provider == "geocoder" && c.cfg.GeocodeRateLimit > gap {
			gap = c.cfg.GeocodeRateLimit
		}
		time.Sleep(gap)
	}
}

// executeWithRetry attempts the request up to cfg.Retries times with
// exponential backoff on transient network errors and 429/5xx responses.
func (c *Client) executeWithRetry(req *http.Request) ([]byte, error) {
	delay := c.cfg.BaseDelay

	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}

		slog.Debug("network request", "host", req.URL.Host, "path", req.URL.Path, "attempt", attempt+1)
		resp, err := c.httpClient.Do(req)

		if err != nil {
			if req.Context().Err() != nil {
				return nil, req.Context().Err()
			}

			slog.Warn("request failed, retrying", "url", req.URL, "attempt", attempt+1, "error", err)
			if !sleepOrDone(req.Context(), delay) {
				return nil, req.Context().Err()
			}
			delay = nextDelay(delay, c.cfg.MaxDelay)
			continue
		}

		if resp.StatusCode == 429 || (resp.StatusCode >= 500 && resp.StatusCode < 600) {
			resp.Body.Close()
			slog.Warn("api backoff", "status", resp.StatusCode, "url", req.URL, "attempt", attempt+1)
			if !sleepOrDone(req.Context(), delay) {
				return nil, req.Context().Err()
			}
			delay = nextDelay(delay, c.cfg.MaxDelay)
			continue
		}

		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: req.URL.String()}
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read error: %w", err)
		}
		return body, nil
	}

	return nil, fmt.Errorf("max retries exceeded")
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextDelay(delay, max time.Duration) time.Duration {
	delay *= 2
	if delay > max {
		delay = max
	}
	return delay
}
