package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/clauderun/claudegate/internal"
)

func TestClient_Complete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing or wrong x-api-key header: %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("wrong anthropic-version header: %q", r.Header.Get("anthropic-version"))
		}
		var body messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Messages[0].Content != "hello there" {
			t.Errorf("user message = %q, want %q", body.Messages[0].Content, "hello there")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messagesResponse{
			Model: "claude-sonnet-4-6",
			Content: []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}{{Type: "text", Text: "general kenobi"}},
			Usage: struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			}{InputTokens: 10, OutputTokens: 4},
		})
	}))
	defer srv.Close()

	c := New("anthropic", srv.URL, "test-key", srv.Client())
	resp, err := c.Complete(context.Background(), &gateway.CompletionRequest{
		Model:       "claude-sonnet-4-6",
		UserMessage: "hello there",
		MaxTokens:   256,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "general kenobi" {
		t.Errorf("text = %q, want %q", resp.Text, "general kenobi")
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v, want {10 4}", resp.Usage)
	}
}

func TestClient_Complete_UpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c := New("anthropic", srv.URL, "test-key", srv.Client())
	_, err := c.Complete(context.Background(), &gateway.CompletionRequest{Model: "claude-sonnet-4-6", UserMessage: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestClient_Name(t *testing.T) {
	t.Parallel()
	c := New("anthropic-primary", "", "k", nil)
	if c.Name() != "anthropic-primary" {
		t.Errorf("Name() = %q", c.Name())
	}
}
