package server

import (
	"encoding/json"
	"net/http"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/apierr"
)

// processRequest is the /v1/process wire shape. Unlike /v1/chat/completions,
// this endpoint defaults to the direct upstream client and only falls back
// to (or is explicitly routed through) the subprocess pool.
type processRequest struct {
	Model       string  `json:"model"`
	Message     string  `json:"message"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	UseCLI      bool    `json:"use_cli,omitempty"`
}

type processResponse struct {
	Text   string        `json:"text"`
	Model  string        `json:"model"`
	Usage  gateway.Usage `json:"usage"`
	Source string        `json:"source"` // "direct" or "cli"
	Cached bool          `json:"cached,omitempty"`
}

// handleProcess implements the compatibility adapter: direct upstream by
// default, subprocess pool when use_cli is set or the direct path's circuit
// breaker is open.
func (s *server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var wire processRequest
	if !decodeRequestBody(w, r, &wire) {
		return
	}
	if wire.Message == "" {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "message is required").WithField("message"))
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	req := &gateway.CompletionRequest{
		Model:       wire.Model,
		UserMessage: wire.Message,
		MaxTokens:   wire.MaxTokens,
		Temperature: wire.Temperature,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 4096
	}

	if s.deps.Cache != nil && identity != nil && isCacheable(req) {
		key := cacheKey(identity.KeyID, req)
		if data, ok := s.deps.Cache.Get(r.Context(), key); ok {
			if s.deps.Metrics != nil {
				s.deps.Metrics.CacheHits.Inc()
			}
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.Inc()
		}
	}

	projectID := ""
	keyID := ""
	if identity != nil {
		projectID = identity.ProjectID
		keyID = identity.KeyID
	}

	if s.deps.Perms != nil && keyID != "" {
		if _, apiErr := s.deps.Perms.CheckTask(r.Context(), keyID, nil, nil, nil, 0, 0, 0); apiErr != nil {
			apierr.Write(w, apiErr)
			return
		}
	}

	estimatedIn := s.estimatePromptTokens(req.UserMessage)
	estimatedOut := s.estimateOutputTokens(req.MaxTokens)
	estimate := s.deps.Pricing.Price(req.Model, estimatedIn, estimatedOut)

	reservation, apiErr := s.deps.Budget.Reserve(r.Context(), projectID, estimate)
	if apiErr != nil {
		apierr.Write(w, apiErr)
		return
	}

	requestID := gateway.RequestIDFromContext(r.Context())
	resp, source, apiErr := s.deps.Adapter.Complete(r.Context(), req, wire.UseCLI, requestID, defaultCompletionTimeout)
	if apiErr != nil {
		s.deps.Budget.Refund(projectID, reservation)
		apierr.Write(w, apiErr)
		return
	}

	cost := s.deps.Pricing.Price(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	s.deps.Budget.Record(r.Context(), projectID, reservation, cost)

	out := processResponse{Text: resp.Text, Model: resp.Model, Usage: resp.Usage, Source: source}

	usageSource := gateway.SourceDirect
	if source == "cli" {
		usageSource = gateway.SourceCLI
	}
	s.recordCompletionUsage(projectID, usageSource, requestID, resp.Model, resp.Usage, cost)

	if s.deps.Cache != nil && identity != nil && isCacheable(req) {
		if data, err := json.Marshal(out); err == nil {
			s.deps.Cache.Set(r.Context(), cacheKey(identity.KeyID, req), data, defaultCacheTTL)
		}
	}

	writeJSON(w, http.StatusOK, out)
}
