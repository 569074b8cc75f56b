package server

import (
	"context"
	"net/http"

	"golang.org/x/sync/semaphore"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/apierr"
	"github.com/clauderun/claudegate/internal/pool"
)

// batchRequest is the /v1/batch wire shape: many independent prompts run
// through the subprocess pool with parallelism bounded by the pool's worker
// count.
type batchRequest struct {
	Model       string   `json:"model"`
	Prompts     []string `json:"prompts"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
}

// batchItem is one element's outcome. Each element reserves and settles its
// own budget handle, so one failure never blocks or refunds its siblings.
type batchItem struct {
	Index int            `json:"index"`
	Text  string         `json:"text,omitempty"`
	Model string         `json:"model,omitempty"`
	Usage *gateway.Usage `json:"usage,omitempty"`
	Error *wireError     `json:"error,omitempty"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type batchResponse struct {
	Results []batchItem `json:"results"`
}

const maxBatchSize = 100

// handleBatch executes req.Prompts concurrently, bounded by the worker
// pool's capacity, reserving and settling an independent budget handle per
// element per the one-reservation-per-element design decision.
func (s *server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if len(req.Prompts) == 0 {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "prompts must not be empty").WithField("prompts"))
		return
	}
	if len(req.Prompts) > maxBatchSize {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "too many prompts in one batch").WithField("prompts"))
		return
	}

	target, err := s.deps.Aliases.Resolve(req.Model)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, err.Error()).WithField("model"))
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	projectID, keyID := "", ""
	if identity != nil {
		projectID, keyID = identity.ProjectID, identity.KeyID
	}
	if s.deps.Perms != nil && keyID != "" {
		if _, apiErr := s.deps.Perms.CheckTask(r.Context(), keyID, nil, nil, nil, 0, 0, 0); apiErr != nil {
			apierr.Write(w, apiErr)
			return
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	limit := int64(s.deps.MaxWorkers)
	if limit <= 0 {
		limit = int64(len(req.Prompts))
	}
	sem := semaphore.NewWeighted(limit)

	results := make([]batchItem, len(req.Prompts))
	requestID := gateway.RequestIDFromContext(r.Context())

	ctx := r.Context()
	done := make(chan struct{}, len(req.Prompts))
	for i, prompt := range req.Prompts {
		i, prompt := i, prompt
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = batchItem{Index: i, Error: &wireError{Kind: string(apierr.Timeout), Message: "batch cancelled"}}
			done <- struct{}{}
			continue
		}
		go func() {
			defer sem.Release(1)
			defer func() { done <- struct{}{} }()
			results[i] = s.runBatchElement(ctx, i, prompt, target.Model, maxTokens, req.Temperature, projectID, requestID)
		}()
	}
	for range req.Prompts {
		<-done
	}

	writeJSON(w, http.StatusOK, batchResponse{Results: results})
}

func (s *server) runBatchElement(ctx context.Context, index int, prompt, model string, maxTokens int, temperature float64, projectID, requestID string) batchItem {
	estimate := s.deps.Pricing.Price(model, s.estimatePromptTokens(prompt), s.estimateOutputTokens(maxTokens))
	reservation, apiErr := s.deps.Budget.Reserve(ctx, projectID, estimate)
	if apiErr != nil {
		return batchItem{Index: index, Error: &wireError{Kind: string(apiErr.Kind), Message: apiErr.Message}}
	}

	taskID, apiErr := s.deps.Pool.Submit(pool.Request{
		Prompt:    prompt,
		Model:     model,
		RequestID: requestID,
		Timeout:   defaultCompletionTimeout,
	})
	if apiErr != nil {
		s.deps.Budget.Refund(projectID, reservation)
		return batchItem{Index: index, Error: &wireError{Kind: string(apiErr.Kind), Message: apiErr.Message}}
	}

	outcome, waited, apiErr := s.deps.Pool.GetResult(ctx, taskID, defaultCompletionTimeout)
	if apiErr != nil {
		s.deps.Budget.Refund(projectID, reservation)
		return batchItem{Index: index, Error: &wireError{Kind: string(apiErr.Kind), Message: apiErr.Message}}
	}
	if !waited || outcome.Result == nil {
		s.deps.Budget.Refund(projectID, reservation)
		return batchItem{Index: index, Error: &wireError{Kind: string(apierr.Timeout), Message: "prompt did not finish in time"}}
	}

	result := outcome.Result
	cost := s.deps.Pricing.Price(result.Model, result.Usage.InputTokens, result.Usage.OutputTokens)
	s.deps.Budget.Record(ctx, projectID, reservation, cost)
	s.recordCompletionUsage(projectID, gateway.SourceCLI, requestID, result.Model, result.Usage, cost)

	usage := result.Usage
	return batchItem{Index: index, Text: result.Text, Model: result.Model, Usage: &usage}
}
