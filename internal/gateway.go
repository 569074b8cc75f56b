// Package gateway defines domain types and interfaces for the claudegate LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// --- API keys & identity ---

// APIKeyPrefix is the prefix for all claudegate API keys.
const APIKeyPrefix = "cc_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// APIKey is a persistent authentication record. Revocation is in place --
// revoked keys are never deleted, only stamped with RevokedAt.
type APIKey struct {
	ID                   string     `json:"id"`
	KeyHash              string     `json:"-"` // SHA-256 hex, never exposed
	KeyPrefix            string     `json:"key_prefix"`
	ProjectID            string     `json:"project_id"`
	Role                 string     `json:"role"` // "admin" or "member"
	RateLimitPerMin      int        `json:"rate_limit_per_min"`
	LastWindowStart      time.Time  `json:"last_window_start"`
	RequestCountInWindow int        `json:"request_count_in_window"`
	CreatedAt            time.Time  `json:"created_at"`
	RevokedAt            *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

// FilesystemAccess enumerates the filesystem capability granted to a
// permission profile.
type FilesystemAccess string

const (
	FSNone      FilesystemAccess = "none"
	FSReadOnly  FilesystemAccess = "readonly"
	FSReadWrite FilesystemAccess = "readwrite"
)

// PermissionProfile is associated 1:1 with an APIKey. Effective authorization
// for a named tool/agent/skill is (allowed ∧ ¬blocked); blocked_tools ∩
// allowed_tools = ∅ is enforced by Validate at write time.
type PermissionProfile struct {
	KeyID               string           `json:"key_id"`
	AllowedTools        []string         `json:"allowed_tools"`
	BlockedTools        []string         `json:"blocked_tools"`
	AllowedAgents       []string         `json:"allowed_agents"`
	AllowedSkills       []string         `json:"allowed_skills"`
	MaxConcurrentTasks  int              `json:"max_concurrent_tasks"`
	MaxExecutionSeconds int              `json:"max_execution_seconds"`
	MaxCostPerTask      float64          `json:"max_cost_per_task"`
	MaxMemoryMB         int              `json:"max_memory_mb"`
	FilesystemAccess    FilesystemAccess `json:"filesystem_access"`
	NetworkAccess       bool             `json:"network_access"`
}

// Validate reports an error if blocked and allowed tool sets overlap.
func (p *PermissionProfile) Validate() error {
	blocked := make(map[string]struct{}, len(p.BlockedTools))
	for _, t := range p.BlockedTools {
		blocked[t] = struct{}{}
	}
	for _, t := range p.AllowedTools {
		if _, ok := blocked[t]; ok {
			return &OverlapError{Tool: t}
		}
	}
	return nil
}

// OverlapError reports a tool present in both the allowed and blocked sets.
type OverlapError struct{ Tool string }

func (e *OverlapError) Error() string {
	return "tool " + e.Tool + " is both allowed and blocked"
}

// allowSet builds a membership set from a slice.
func allowSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

// FirstDenied returns the first requested name not in allowed or present in
// blocked, and false if every name clears the check.
func FirstDenied(requested, allowed, blocked []string) (string, bool) {
	allow := allowSet(allowed)
	block := allowSet(blocked)
	for _, name := range requested {
		if _, ok := block[name]; ok {
			return name, false
		}
		if _, ok := allow[name]; !ok {
			return name, false
		}
	}
	return "", true
}

// CheckTools validates allow_tools/allow_agents/allow_skills against a
// profile, returning the first offending name if any is outside (allowed ∧
// ¬blocked).
func (p *PermissionProfile) CheckTools(tools, agents, skills []string) (field string, ok bool) {
	if f, ok := FirstDenied(tools, p.AllowedTools, p.BlockedTools); !ok {
		return f, false
	}
	if f, ok := FirstDenied(agents, p.AllowedAgents, nil); !ok {
		return f, false
	}
	if f, ok := FirstDenied(skills, p.AllowedSkills, nil); !ok {
		return f, false
	}
	return "", true
}

// Preset permission profiles seeded into the store at bootstrap.
var (
	FreeProfile = PermissionProfile{
		AllowedTools:        []string{"Read", "Grep", "Glob"},
		BlockedTools:        []string{"Bash"},
		AllowedAgents:       nil,
		AllowedSkills:       nil,
		MaxConcurrentTasks:  1,
		MaxExecutionSeconds: 60,
		MaxCostPerTask:      0.25,
		MaxMemoryMB:         512,
		FilesystemAccess:    FSReadOnly,
		NetworkAccess:       false,
	}
	ProProfile = PermissionProfile{
		AllowedTools:        []string{"Read", "Grep", "Glob", "Write", "Edit", "Bash"},
		BlockedTools:        nil,
		AllowedAgents:       []string{"general-purpose"},
		AllowedSkills:       nil,
		MaxConcurrentTasks:  4,
		MaxExecutionSeconds: 300,
		MaxCostPerTask:      2.00,
		MaxMemoryMB:         2048,
		FilesystemAccess:    FSReadWrite,
		NetworkAccess:       true,
	}
	EnterpriseProfile = PermissionProfile{
		AllowedTools:        []string{"Read", "Grep", "Glob", "Write", "Edit", "Bash", "WebFetch"},
		BlockedTools:        nil,
		AllowedAgents:       []string{"general-purpose", "explore"},
		AllowedSkills:       []string{"*"},
		MaxConcurrentTasks:  16,
		MaxExecutionSeconds: 1800,
		MaxCostPerTask:      25.00,
		MaxMemoryMB:         8192,
		FilesystemAccess:    FSReadWrite,
		NetworkAccess:       true,
	}
)

// --- Usage & cost ---

// UsageSource records which execution path produced a usage record.
type UsageSource string

const (
	SourceDirect   UsageSource = "direct"
	SourceCLI      UsageSource = "cli"
	SourceAgentic  UsageSource = "agentic"
)

// UsageRecord is a single append-only usage event.
type UsageRecord struct {
	ID              string      `json:"id"`
	ProjectID       string      `json:"project_id"`
	Timestamp       time.Time   `json:"timestamp"`
	Model           string      `json:"model"`
	InputTokens     int         `json:"input_tokens"`
	OutputTokens    int         `json:"output_tokens"`
	CostUSD         float64     `json:"cost_usd"`
	Source          UsageSource `json:"source"`
	RequestID       string      `json:"request_id,omitempty"`
}

// UsageAggregate summarizes usage for a project over a period.
type UsageAggregate struct {
	ProjectID       string  `json:"project_id"`
	Period          string  `json:"period"` // "YYYY-MM"
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	RequestCount    int64   `json:"request_count"`
}

// --- Task / AgenticTask / WorkerSlot ---

// TaskState is a node in the task lifecycle DAG.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskTimeout   TaskState = "TIMEOUT"
	TaskCancelled TaskState = "CANCELLED"
)

// Terminal reports whether s is a terminal state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimeout, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskResult is the successful output of a completed task.
type TaskResult struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// Usage is the native token accounting reported by the child or upstream API.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ExecutionEvent is one newline-delimited event emitted by the child process.
type ExecutionEvent struct {
	Type      string    `json:"type"` // tool_call, tool_result, agent_spawn, skill_invoke, thinking, result
	Timestamp time.Time `json:"timestamp"`
	Raw       []byte    `json:"-"`
	Payload   any       `json:"payload,omitempty"`
}

// AuditEntry is one append-only audit-log row: a tool call, file access, or
// blocked attempt, keyed by task id and API key.
type AuditEntry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	KeyID     string    `json:"key_id"`
	Action    string    `json:"action"` // e.g. "tool_call:Bash", "permission_denied:Bash"
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact describes a file discovered under a task's working directory
// after completion.
type Artifact struct {
	Path      string    `json:"path"`
	Type      string    `json:"type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Identity is set later by the authenticate middleware via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

// Identity is the authenticated caller context attached to the request context.
type Identity struct {
	KeyID           string `json:"key_id"`
	KeyPrefix       string `json:"key_prefix"`
	ProjectID       string `json:"project_id"`
	Role            string `json:"role"`
	RateLimitPerMin int64  `json:"rate_limit_per_min"`
}

// IsAdmin reports whether the identity may call admin endpoints.
func (id *Identity) IsAdmin() bool { return id.Role == "admin" }

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Provider (direct completion path) ---

// CompletionRequest is a provider-agnostic single-turn completion request.
type CompletionRequest struct {
	Model       string  `json:"model"` // alias: haiku|sonnet|opus
	UserMessage string  `json:"user_message"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// CompletionResponse is the result of a direct completion.
type CompletionResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// Provider is implemented by the direct (non-subprocess) upstream client.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	HealthCheck(ctx context.Context) error
}

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
