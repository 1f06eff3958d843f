package gemini

import (
	"context"
	"strings"
	"testing"

	"captionlens/pkg/config"
	"captionlens/pkg/llm"
)

func TestHealthCheck_NoAPIKey(t *testing.T) {
	cfg := config.ProviderConfig{Key: "", Type: "gemini"}
	c, err := NewClient(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("expected error for unconfigured client")
	}
}

func TestSampleTemperature_NoJitter(t *testing.T) {
	got := sampleTemperature(0.8, 0)
	if got != 0.8 {
		t.Errorf("expected base returned unchanged, got %v", got)
	}
}

func TestSampleTemperature_ClampedRange(t *testing.T) {
	for i := 0; i < 50; i++ {
		got := sampleTemperature(0.8, 0.2)
		if got < 0.6-1e-6 || got > 1.0+1e-6 {
			t.Errorf("sample %v out of expected clamp range [0.6, 1.0]", got)
		}
	}
}

func TestWordWrap(t *testing.T) {
	tests := []struct {
		name  string
		input string
		width int
		want  string
	}{
		{name: "No wrap needed", input: "Hello World", width: 20, want: "Hello World"},
		{name: "Simple wrap", input: "Hello World", width: 5, want: "Hello\nWorld"},
		{name: "Long word preserved", input: "Hello Superextralongword World", width: 10, want: "Hello\nSuperextralongword\nWorld"},
		{name: "Multiple lines input", input: "Line 1\nLine 2 is longer", width: 10, want: "Line 1\nLine 2 is\nlonger"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := llm.WordWrap(tt.input, tt.width); got != tt.want {
				t.Errorf("WordWrap() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCleanJSONBlock(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "No markdown", input: `{"key": "value"}`, want: `{"key": "value"}`},
		{name: "Markdown json block", input: "```json\n{\"key\": \"value\"}\n```", want: `{"key": "value"}`},
		{name: "Markdown block no lang", input: "```\n{\"key\": \"value\"}\n```", want: `{"key": "value"}`},
		{name: "Surrounding text", input: "Here is json:\n```json\n{\"key\": \"value\"}\n```\nThanks", want: `{"key": "value"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := llm.CleanJSONBlock(tt.input)
			got = strings.TrimSpace(got)
			if got != tt.want {
				t.Errorf("CleanJSONBlock() = %q, want %q", got, tt.want)
			}
		})
	}
}
