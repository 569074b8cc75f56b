// Package anthropic implements the direct (non-subprocess) completion path
// against the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	anthropicVersion = "2023-06-01"
)

var _ gateway.Provider = (*Client)(nil)

// Client is a single-shot Anthropic Messages API client implementing
// gateway.Provider for the direct completion path.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
}

// New creates an Anthropic Client. apiKey is sent as x-api-key on every
// request. If baseURL is empty it defaults to the public Anthropic API.
func New(name, baseURL, apiKey string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: provider.NewTransport(nil, true)}
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    authTransport(httpClient, apiKey),
	}
}

// authTransport wraps client's transport to inject the API key header,
// mirroring the teacher's convention of keeping auth in the transport chain
// rather than per-request header code.
func authTransport(client *http.Client, apiKey string) *http.Client {
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	clone := *client
	clone.Transport = &apiKeyRoundTripper{base: base, apiKey: apiKey}
	return &clone
}

type apiKeyRoundTripper struct {
	base   http.RoundTripper
	apiKey string
}

func (rt *apiKeyRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Set("x-api-key", rt.apiKey)
	r.Header.Set("anthropic-version", anthropicVersion)
	r.Header.Set("content-type", "application/json")
	return rt.base.RoundTrip(r)
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.name }

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
	Messages    []messageWire `json:"messages"`
}

type messageWire struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model string `json:"model"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete issues one non-streaming Messages API call for req.UserMessage
// and returns the concatenated text content plus native token usage.
func (c *Client) Complete(ctx context.Context, req *gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	wire := messagesRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Messages:    []messageWire{{Role: "user", Content: req.UserMessage}},
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", err)
	}

	var mr messagesResponse
	if err := json.Unmarshal(respBody, &mr); err != nil {
		return nil, fmt.Errorf("anthropic: parse response: %w", err)
	}

	var text strings.Builder
	for _, block := range mr.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &gateway.CompletionResponse{
		Text:  text.String(),
		Model: mr.Model,
		Usage: gateway.Usage{InputTokens: mr.Usage.InputTokens, OutputTokens: mr.Usage.OutputTokens},
	}, nil
}

// HealthCheck verifies connectivity to the Anthropic API with a minimal
// Messages call, since Anthropic has no dedicated health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/messages", nil)
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", err)
	}
	resp.Body.Close()
	return nil
}
