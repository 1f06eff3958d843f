// Package photolib talks to the photo-library proxy that owns album
// membership, the same external-collaborator shape pkg/geo uses for its
// reverse-geocoding and places APIs: a thin client over pkg/request with a
// package-level interface so callers (internal/api) depend on the
// capability, not the transport.
package photolib

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"captionlens/pkg/request"
)

// AlbumLister resolves an album id to the asset ids it contains.
type AlbumLister interface {
	ListAlbumAssets(ctx context.Context, albumID string) ([]string, error)
}

// AssetFetcher downloads the original bytes of a single asset, the
// counterpart collaborator call analyze-album needs once it has resolved
// an album to its member asset ids.
type AssetFetcher interface {
	FetchAsset(ctx context.Context, assetID string) ([]byte, error)
}

// Client implements AlbumLister against a PHOTO_PROXY_URL-style endpoint,
// authenticating with an API key header as config.PhotoConfig carries it.
type Client struct {
	client  *request.Client
	baseURL string
	apiKey  string
}

// New builds a Client. baseURL is typically config.PhotoConfig.ProxyURL;
// apiKey is sent as an X-Api-Key header when non-empty.
func New(client *request.Client, baseURL, apiKey string) *Client {
	return &Client{client: client, baseURL: baseURL, apiKey: apiKey}
}

type albumAssetsResponse struct {
	Assets []struct {
		ID string `json:"id"`
	} `json:"assets"`
}

// ListAlbumAssets fetches the asset ids belonging to albumID. Results are
// not cached: album membership changes too often for the shared response
// cache to be a good fit.
func (c *Client) ListAlbumAssets(ctx context.Context, albumID string) ([]string, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("photolib: no proxy url configured")
	}

	u := c.baseURL + "/albums/" + url.PathEscape(albumID) + "/assets"
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["X-Api-Key"] = c.apiKey
	}

	body, err := c.client.GetWithHeaders(ctx, u, headers, "")
	if err != nil {
		return nil, fmt.Errorf("list album assets: %w", err)
	}

	var resp albumAssetsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse album assets response: %w", err)
	}

	ids := make([]string, 0, len(resp.Assets))
	for _, a := range resp.Assets {
		if a.ID != "" {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// FetchAsset downloads the original bytes of a single asset.
func (c *Client) FetchAsset(ctx context.Context, assetID string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("photolib: no proxy url configured")
	}

	u := c.baseURL + "/assets/" + url.PathEscape(assetID) + "/original"
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["X-Api-Key"] = c.apiKey
	}

	body, err := c.client.GetWithHeaders(ctx, u, headers, "")
	if err != nil {
		return nil, fmt.Errorf("fetch asset %s: %w", assetID, err)
	}
	return body, nil
}
