package server

import (
	"net/http"
	"time"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/apierr"
	"github.com/clauderun/claudegate/internal/pool"
)

// chatMessage is one OpenAI-style message in a /v1/chat/completions request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionRequest is the /v1/chat/completions wire shape. This
// endpoint always runs through the subprocess pool -- it has no direct/CLI
// choice, unlike /v1/process.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	ProjectID   string        `json:"project_id,omitempty"`
}

type chatCompletionResponse struct {
	Text   string        `json:"text"`
	Model  string        `json:"model"`
	Usage  gateway.Usage `json:"usage"`
	Cached bool          `json:"cached,omitempty"`
}

const defaultCompletionTimeout = 60 * time.Second

func lastUserMessage(msgs []chatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	if len(msgs) > 0 {
		return msgs[len(msgs)-1].Content
	}
	return ""
}

// handleChatCompletion implements the always-subprocess single-turn
// completion path: resolve the model alias, admit through budget/permission,
// submit to the pool, and wait for the result.
func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	prompt := lastUserMessage(req.Messages)
	if prompt == "" {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "messages must include a user turn").WithField("messages"))
		return
	}

	target, err := s.deps.Aliases.Resolve(req.Model)
	if err != nil {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, err.Error()).WithField("model"))
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	projectID := req.ProjectID
	keyID := ""
	if identity != nil {
		keyID = identity.KeyID
		if projectID == "" {
			projectID = identity.ProjectID
		}
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
	estimate := s.deps.Pricing.Price(target.Model, s.estimatePromptTokens(prompt), s.estimateOutputTokens(maxTokens))

	reservation, apiErr := s.deps.Budget.Reserve(r.Context(), projectID, estimate)
	if apiErr != nil {
		apierr.Write(w, apiErr)
		return
	}

	requestID := gateway.RequestIDFromContext(r.Context())
	taskID, apiErr := s.deps.Pool.Submit(pool.Request{
		Prompt:    prompt,
		Model:     target.Model,
		RequestID: requestID,
		Timeout:   defaultCompletionTimeout,
	})
	if apiErr != nil {
		s.deps.Budget.Refund(projectID, reservation)
		apierr.Write(w, apiErr)
		return
	}

	outcome, waited, apiErr := s.deps.Pool.GetResult(r.Context(), taskID, defaultCompletionTimeout)
	if apiErr != nil {
		s.deps.Budget.Refund(projectID, reservation)
		apierr.Write(w, apiErr)
		return
	}
	if !waited || outcome.Result == nil {
		s.deps.Budget.Refund(projectID, reservation)
		apierr.Write(w, apierr.New(apierr.Timeout, "completion did not finish in time").WithRetryAfter(2))
		return
	}

	result := outcome.Result
	cost := s.deps.Pricing.Price(result.Model, result.Usage.InputTokens, result.Usage.OutputTokens)
	s.deps.Budget.Record(r.Context(), projectID, reservation, cost)

	out := chatCompletionResponse{Text: result.Text, Model: result.Model, Usage: result.Usage}
	s.recordCompletionUsage(projectID, gateway.SourceCLI, requestID, result.Model, result.Usage, cost)

	writeJSON(w, http.StatusOK, out)
}

// recordCompletionUsage appends a usage record and bumps the per-model
// token counters, shared by the chat-completions and process handlers.
func (s *server) recordCompletionUsage(projectID string, source gateway.UsageSource, requestID, model string, usage gateway.Usage, cost float64) {
	if s.deps.Usage == nil {
		return
	}
	s.deps.Usage.Record(gateway.UsageRecord{
		ProjectID:    projectID,
		Timestamp:    time.Now(),
		Model:        model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
		Source:       source,
		RequestID:    requestID,
	})
	if s.deps.Metrics != nil {
		s.deps.Metrics.TokensProcessed.WithLabelValues(model, "prompt").Add(float64(usage.InputTokens))
		s.deps.Metrics.TokensProcessed.WithLabelValues(model, "completion").Add(float64(usage.OutputTokens))
	}
}

func (s *server) estimatePromptTokens(prompt string) int {
	if s.deps.TokenCounter == nil {
		return len(prompt) / 4
	}
	return s.deps.TokenCounter.EstimatePrompt(prompt)
}

func (s *server) estimateOutputTokens(maxTokens int) int {
	if s.deps.TokenCounter == nil {
		return maxTokens
	}
	return s.deps.TokenCounter.EstimateOutput(maxTokens, 4096)
}
