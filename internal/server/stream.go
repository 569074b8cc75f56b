package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/apierr"
	"github.com/clauderun/claudegate/internal/pool"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamFrame is one message on the /v1/stream connection.
type streamFrame struct {
	Type   string                  `json:"type"` // "event", "result", "error"
	Event  *gateway.ExecutionEvent `json:"event,omitempty"`
	Result *gateway.TaskResult     `json:"result,omitempty"`
	Error  *wireError              `json:"error,omitempty"`
}

type streamRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

const streamPollInterval = 200 * time.Millisecond

// authenticateStream resolves the caller identity for a WebSocket upgrade,
// preferring the api_key query parameter (the upgrade request carries no
// Authorization header convention most browser WS clients honor) and
// falling back to the Bearer header.
func (s *server) authenticateStream(r *http.Request) (*gateway.Identity, error) {
	if key := r.URL.Query().Get("api_key"); key != "" {
		cloned := r.Clone(r.Context())
		cloned.Header = r.Header.Clone()
		cloned.Header.Set("Authorization", "Bearer "+key)
		return s.deps.Auth.Authenticate(r.Context(), cloned)
	}
	return s.deps.Auth.Authenticate(r.Context(), r)
}

// handleStream upgrades to a WebSocket and runs one request-scoped
// submit-and-wait loop: read a single {model, prompt} frame, submit it to
// the pool, and relay execution-log events plus the terminal result before
// closing. There is no connection pub/sub hub -- each connection handles
// exactly one task, matching the request/response shape of the rest of the
// gateway's endpoints.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticateStream(r)
	if err != nil {
		apierr.Write(w, apierr.As(err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var req streamRequest
	if err := conn.ReadJSON(&req); err != nil {
		conn.WriteJSON(streamFrame{Type: "error", Error: &wireError{Kind: string(apierr.InvalidRequest), Message: "expected a {model, prompt} frame"}})
		conn.Close()
		return
	}
	if req.Prompt == "" {
		conn.WriteJSON(streamFrame{Type: "error", Error: &wireError{Kind: string(apierr.InvalidRequest), Message: "prompt is required"}})
		conn.Close()
		return
	}

	target, err := s.deps.Aliases.Resolve(req.Model)
	if err != nil {
		conn.WriteJSON(streamFrame{Type: "error", Error: &wireError{Kind: string(apierr.InvalidRequest), Message: err.Error()}})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	projectID := ""
	if identity != nil {
		projectID = identity.ProjectID
	}

	estimate := s.deps.Pricing.Price(target.Model, s.estimatePromptTokens(req.Prompt), s.estimateOutputTokens(4096))
	reservation, apiErr := s.deps.Budget.Reserve(r.Context(), projectID, estimate)
	if apiErr != nil {
		conn.WriteJSON(streamFrame{Type: "error", Error: &wireError{Kind: string(apiErr.Kind), Message: apiErr.Message}})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	requestID := gateway.RequestIDFromContext(r.Context())
	taskID, apiErr := s.deps.Pool.Submit(pool.Request{
		Prompt:    req.Prompt,
		Model:     target.Model,
		RequestID: requestID,
		Timeout:   defaultCompletionTimeout,
	})
	if apiErr != nil {
		s.deps.Budget.Refund(projectID, reservation)
		conn.WriteJSON(streamFrame{Type: "error", Error: &wireError{Kind: string(apiErr.Kind), Message: apiErr.Message}})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	// A disconnect mid-task must terminate the child and release its slot
	// promptly rather than let it run to natural completion, so a dedicated
	// reader goroutine is the only thing that calls conn.ReadMessage after
	// the initial request frame -- its sole job is noticing the socket go
	// away. Per gorilla/websocket's concurrency rules this is safe: one
	// goroutine reads, the loop below is the one goroutine that writes.
	waitCtx, cancelWait := context.WithCancel(r.Context())
	defer cancelWait()
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.deps.Pool.Cancel(taskID)
				cancelWait()
				return
			}
		}
	}()

	emitted := 0
	relay := func(log []gateway.ExecutionEvent) bool {
		for ; emitted < len(log); emitted++ {
			ev := log[emitted]
			if err := conn.WriteJSON(streamFrame{Type: "event", Event: &ev}); err != nil {
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-disconnected:
			s.deps.Budget.Refund(projectID, reservation)
			return
		default:
		}

		if s.deps.Pool.Draining() {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server draining"))
			s.deps.Pool.Cancel(taskID)
			return
		}

		if !relay(s.deps.Pool.PeekLog(taskID)) {
			s.deps.Pool.Cancel(taskID)
			s.deps.Budget.Refund(projectID, reservation)
			return
		}

		outcome, waited, apiErr := s.deps.Pool.GetResult(waitCtx, taskID, streamPollInterval)
		if apiErr != nil {
			s.deps.Budget.Refund(projectID, reservation)
			conn.WriteJSON(streamFrame{Type: "error", Error: &wireError{Kind: string(apiErr.Kind), Message: apiErr.Message}})
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}

		if !waited {
			continue
		}

		relay(outcome.ExecutionLog)

		if outcome.Result == nil {
			s.deps.Budget.Refund(projectID, reservation)
			conn.WriteJSON(streamFrame{Type: "error", Error: &wireError{Kind: strings.ToLower(string(outcome.State)), Message: "task ended without a result"}})
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}

		cost := s.deps.Pricing.Price(outcome.Result.Model, outcome.Result.Usage.InputTokens, outcome.Result.Usage.OutputTokens)
		s.deps.Budget.Record(r.Context(), projectID, reservation, cost)
		s.recordCompletionUsage(projectID, gateway.SourceCLI, requestID, outcome.Result.Model, outcome.Result.Usage, cost)

		conn.WriteJSON(streamFrame{Type: "result", Result: outcome.Result})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}
}
