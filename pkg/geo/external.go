package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"captionlens/pkg/request"
)

// NominatimGeocoder implements ReverseGeocoder against a Nominatim-compatible
// reverse-geocoding endpoint, the same service geoimport.CountryDetector uses
// for country detection. It does not take a context.Context parameter,
// matching the ReverseGeocoder interface; internally it issues requests with
// context.Background() since reverse geocoding has no natural caller deadline
// distinct from the request client's own timeout/backoff handling.
type NominatimGeocoder struct {
	client  *request.Client
	baseURL string
}

// NewNominatimGeocoder builds a ReverseGeocoder. baseURL is typically
// config.GeoConfig.ReverseGeocodeURL.
func NewNominatimGeocoder(client *request.Client, baseURL string) *NominatimGeocoder {
	return &NominatimGeocoder{client: client, baseURL: baseURL}
}

type nominatimReverseResponse struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		City        string `json:"city"`
		Town        string `json:"town"`
		Village     string `json:"village"`
		State       string `json:"state"`
		Region      string `json:"region"`
		Country     string `json:"country"`
		CountryCode string `json:"country_code"`
	} `json:"address"`
}

func (g *NominatimGeocoder) Reverse(lat, lon float64) (*ReverseGeocodeResult, error) {
	q := url.Values{
		"format": {"jsonv2"},
		"lat":    {fmt.Sprintf("%f", lat)},
		"lon":    {fmt.Sprintf("%f", lon)},
	}
	u := g.baseURL + "?" + q.Encode()
	cacheKey := fmt.Sprintf("reverse_geocode:%.4f,%.4f", lat, lon)

	body, err := g.client.Get(context.Background(), u, cacheKey)
	if err != nil {
		return nil, fmt.Errorf("reverse geocode: %w", err)
	}

	var resp nominatimReverseResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse reverse geocode response: %w", err)
	}

	city := resp.Address.City
	if city == "" {
		city = resp.Address.Town
	}
	if city == "" {
		city = resp.Address.Village
	}
	region := resp.Address.State
	if region == "" {
		region = resp.Address.Region
	}

	return &ReverseGeocodeResult{
		FormattedAddress: resp.DisplayName,
		City:             city,
		Region:           region,
		Country:          resp.Address.Country,
		CountryCode:      strings.ToUpper(resp.Address.CountryCode),
	}, nil
}

// OverpassPlaces implements PlacesAPI by querying Overpass for tourism and
// historic nodes within a radius of a coordinate, the same query shape
// geoimport's osm.go uses for its radius-fallback import, but scoped to a
// single lookup rather than bulk ingestion.
type OverpassPlaces struct {
	client  *request.Client
	baseURL string
}

// NewOverpassPlaces builds a PlacesAPI. baseURL is typically
// config.GeoConfig.PlacesAPIURL.
func NewOverpassPlaces(client *request.Client, baseURL string) *OverpassPlaces {
	return &OverpassPlaces{client: client, baseURL: baseURL}
}

type overpassPlacesResponse struct {
	Elements []struct {
		Lat  float64           `json:"lat"`
		Lon  float64           `json:"lon"`
		Tags map[string]string `json:"tags"`
	} `json:"elements"`
}

func (p *OverpassPlaces) NearbyPlaces(lat, lon, radiusKm float64) ([]PlaceResult, error) {
	radiusM := radiusKm * 1000
	query := fmt.Sprintf(`[out:json][timeout:25];
(
  node["tourism"](around:%f,%f,%f);
  node["historic"](around:%f,%f,%f);
);
out body;`, radiusM, lat, lon, radiusM, lat, lon)

	form := url.Values{"data": {query}}.Encode()
	cacheKey := fmt.Sprintf("places:%.4f,%.4f,%.1f", lat, lon, radiusKm)
	body, err := p.client.PostWithCache(context.Background(), p.baseURL, []byte(form), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	}, cacheKey)
	if err != nil {
		return nil, fmt.Errorf("query nearby places: %w", err)
	}

	var resp overpassPlacesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse places response: %w", err)
	}

	results := make([]PlaceResult, 0, len(resp.Elements))
	for _, el := range resp.Elements {
		name := el.Tags["name"]
		if name == "" {
			continue
		}
		category := "tourism"
		if v, ok := el.Tags["historic"]; ok && v != "" {
			category = "historic"
		}
		tags := make([]string, 0, len(el.Tags))
		for k, v := range el.Tags {
			tags = append(tags, k+"="+v)
		}
		results = append(results, PlaceResult{
			Name:      name,
			Lat:       el.Lat,
			Lon:       el.Lon,
			Category:  category,
			Tags:      tags,
			Relevance: 1.0,
		})
	}
	return results, nil
}
