package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"captionlens/pkg/config"
	"captionlens/pkg/llm"
	"captionlens/pkg/request"
	"captionlens/pkg/tracker"
)

func TestOpenAI_GenerateText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test_key" {
			t.Errorf("Expected Bearer test_key, got %s", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(Response{
			Choices: []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			}{{Message: struct {
				Content string `json:"content"`
			}{Content: "pong"}}},
		})
	}))
	defer server.Close()

	tr := tracker.New()
	rc := request.New(nil, tr, request.ClientConfig{})
	cfg := config.ProviderConfig{Key: "test_key", Profiles: map[string]string{"test": "test_model"}}

	c, err := NewClient(cfg, server.URL, rc)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	res, err := c.GenerateText(context.Background(), "test_model", "ping", llm.GenerateParams{})
	if err != nil {
		t.Fatalf("failed to generate text: %v", err)
	}
	if res != "pong" {
		t.Errorf("expected pong, got %s", res)
	}
}

func TestOpenAI_GenerateWithImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"image description"}}]}`))
	}))
	defer server.Close()

	rc := request.New(nil, tracker.New(), request.ClientConfig{})
	c, _ := NewClient(config.ProviderConfig{Key: "key", Profiles: map[string]string{"test": "model"}}, server.URL, rc)

	fakeJPEG := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	res, err := c.GenerateWithImage(context.Background(), "model", "describe", fakeJPEG, llm.GenerateParams{})
	if err != nil {
		t.Fatalf("failed to generate image text: %v", err)
	}
	if res != "image description" {
		t.Errorf("expected 'image description', got %s", res)
	}
}

func TestOpenAI_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"message": "invalid model", "type": "invalid_request_error"}}`))
	}))
	defer server.Close()

	rc := request.New(nil, tracker.New(), request.ClientConfig{})
	c, _ := NewClient(config.ProviderConfig{Key: "key", Profiles: map[string]string{"test": "model"}}, server.URL, rc)

	_, err := c.GenerateText(context.Background(), "model", "ping", llm.GenerateParams{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if llm.KindOf(err) != llm.ErrorKindUnavailable {
		t.Errorf("expected ErrorKindUnavailable, got %v", llm.KindOf(err))
	}
}

func TestOpenAI_InternalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Some proxies return 200 but with an error body.
		w.Write([]byte(`{"error": {"message": "internal limitation", "type": "proxy_error"}}`))
	}))
	defer server.Close()

	rc := request.New(nil, tracker.New(), request.ClientConfig{})
	c, _ := NewClient(config.ProviderConfig{Key: "key", Profiles: map[string]string{"test": "model"}}, server.URL, rc)

	_, err := c.GenerateText(context.Background(), "model", "ping", llm.GenerateParams{})
	if err == nil || !strings.Contains(err.Error(), "internal limitation") {
		t.Errorf("expected error message 'internal limitation', got %v", err)
	}
}

func TestOpenAI_HealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}{Data: []struct {
			ID string `json:"id"`
		}{{ID: "model"}}})
	}))
	defer server.Close()

	rc := request.New(nil, tracker.New(), request.ClientConfig{})
	c, _ := NewClient(config.ProviderConfig{
		Key:      "key",
		Profiles: map[string]string{"test": "model"},
	}, server.URL, rc)

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestOpenAI_ResolveModel(t *testing.T) {
	cfg := config.ProviderConfig{
		Profiles: map[string]string{"narration": "pro-model"},
	}
	rc := request.New(nil, tracker.New(), request.ClientConfig{})
	c, _ := NewClient(cfg, "http://localhost", rc)

	m, _ := c.ResolveModel("narration")
	if m != "pro-model" {
		t.Errorf("expected pro-model, got %s", m)
	}
	if _, err := c.ResolveModel("other"); err == nil {
		t.Error("expected error for unknown profile")
	}
	if _, err := c.ResolveModel(""); err == nil {
		t.Error("expected error for empty profile")
	}
}

func TestOpenAI_UnmarshalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`invalid json`))
	}))
	defer server.Close()

	rc := request.New(nil, tracker.New(), request.ClientConfig{})
	c, _ := NewClient(config.ProviderConfig{
		Key:      "key",
		Profiles: map[string]string{"test": "model"},
	}, server.URL, rc)

	_, err := c.GenerateText(context.Background(), "model", "ping", llm.GenerateParams{})
	if err == nil || !strings.Contains(err.Error(), "failed to unmarshal") {
		t.Errorf("expected unmarshal error, got %v", err)
	}
}

func TestOpenAI_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	rc := request.New(nil, tracker.New(), request.ClientConfig{})
	c, _ := NewClient(config.ProviderConfig{Key: "key", Profiles: map[string]string{"test": "model"}}, server.URL, rc)

	_, err := c.GenerateText(context.Background(), "model", "ping", llm.GenerateParams{})
	if err == nil || llm.KindOf(err) != llm.ErrorKindEmpty {
		t.Errorf("expected ErrorKindEmpty, got %v", err)
	}
}
