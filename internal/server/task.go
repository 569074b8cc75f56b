package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/agentic"
	"github.com/clauderun/claudegate/internal/apierr"
)

// taskRequest is the /v1/task wire shape for agentic task submission.
type taskRequest struct {
	Prompt         string   `json:"prompt"`
	Model          string   `json:"model"`
	AllowTools     []string `json:"allow_tools,omitempty"`
	AllowAgents    []string `json:"allow_agents,omitempty"`
	AllowSkills    []string `json:"allow_skills,omitempty"`
	WorkingDir     string   `json:"working_directory,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	MaxCost        float64  `json:"max_cost,omitempty"`
}

type taskResponse struct {
	TaskID       string                   `json:"task_id"`
	State        gateway.TaskState        `json:"state"`
	Result       *gateway.TaskResult      `json:"result,omitempty"`
	ExecutionLog []gateway.ExecutionEvent `json:"execution_log,omitempty"`
	Artifacts    []gateway.Artifact       `json:"artifacts,omitempty"`
	CostUSD      float64                  `json:"cost_usd,omitempty"`
	Error        *wireError               `json:"error,omitempty"`
}

const defaultTaskTimeout = 5 * time.Minute

// handleTask submits an agentic task to the executor and blocks for its
// terminal outcome, matching the pool's one-shot notify-on-terminal model
// rather than polling.
func (s *server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	if req.Prompt == "" {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "prompt is required").WithField("prompt"))
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil {
		apierr.Write(w, apierr.New(apierr.AuthMissing, "unauthorized"))
		return
	}

	timeout := defaultTaskTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	requestID := gateway.RequestIDFromContext(r.Context())
	startedAt := time.Now()

	taskID, reservation, apiErr := s.deps.Executor.Submit(r.Context(), executorRequest(identity, req, requestID, timeout))
	if apiErr != nil {
		apierr.Write(w, apiErr)
		return
	}

	result, apiErr := s.deps.Executor.Await(r.Context(), identity.KeyID, identity.ProjectID, taskID, reservation, req.WorkingDir, startedAt, timeout)
	if apiErr != nil && apiErr.Kind != apierr.CostExceeded {
		apierr.Write(w, apiErr)
		return
	}
	if result == nil {
		apierr.Write(w, apiErr)
		return
	}

	out := taskResponse{
		TaskID:       taskID,
		State:        result.State,
		Result:       result.TaskResult,
		ExecutionLog: result.ExecutionLog,
		Artifacts:    result.Artifacts,
		CostUSD:      result.CostUSD,
	}

	status := http.StatusOK
	switch {
	case apiErr != nil && apiErr.Kind == apierr.CostExceeded:
		status = apiErr.Status()
		out.Error = &wireError{Kind: string(apiErr.Kind), Message: apiErr.Message}
	case result.State == gateway.TaskFailed:
		status = http.StatusUnprocessableEntity
	case result.State == gateway.TaskTimeout:
		status = http.StatusGatewayTimeout
	case result.State == gateway.TaskCancelled:
		status = http.StatusConflict
	}
	writeJSON(w, status, out)
}

// executorRequest builds an agentic.Request from the wire request and
// authenticated identity.
func executorRequest(identity *gateway.Identity, req taskRequest, requestID string, timeout time.Duration) agentic.Request {
	return agentic.Request{
		KeyID:         identity.KeyID,
		ProjectID:     identity.ProjectID,
		Prompt:        req.Prompt,
		Model:         req.Model,
		RequestID:     requestID,
		Timeout:       timeout,
		MaxCost:       req.MaxCost,
		WorkingDir:    req.WorkingDir,
		AllowedTools:  req.AllowTools,
		AllowedAgents: req.AllowAgents,
		AllowedSkills: req.AllowSkills,
	}
}

// handleTaskCancel cancels a pending or running agentic task.
func (s *server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		apierr.Write(w, apierr.New(apierr.InvalidRequest, "task id is required"))
		return
	}
	if apiErr := s.deps.Executor.Cancel(taskID); apiErr != nil {
		apierr.Write(w, apiErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
