package request

import "testing"

func TestNormalizeProvider(t *testing.T) {
	tests := []struct {
		host     string
		expected string
	}{
		{"nominatim.openstreetmap.org", "geocoder"},
		{"www.openstreetmap.org", "geocoder"},
		{"overpass-api.de", "places"},
		{"generativelanguage.googleapis.com", "gemini"},
		{"api.groq.com", "groq"},
		{"api.perplexity.ai", "Perplexity"},
		{"api.deepseek.com", "deepseek"},
		{"other.com", "other.com"},
	}

	for _, tt := range tests {
		got := normalizeProvider(tt.host)
		if got != tt.expected {
			t.Errorf("normalizeProvider(%q) = %q; want %q", tt.host, got, tt.expected)
		}
	}
}
