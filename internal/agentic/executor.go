// Package agentic drives multi-tool agent tasks through the worker pool:
// permission validation, budget enforcement, execution-log accounting, and
// post-completion artifact collection.
package agentic

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/apierr"
	"github.com/clauderun/claudegate/internal/audit"
	"github.com/clauderun/claudegate/internal/budget"
	"github.com/clauderun/claudegate/internal/permission"
	"github.com/clauderun/claudegate/internal/pool"
	"github.com/clauderun/claudegate/internal/pricing"
	"github.com/clauderun/claudegate/internal/tokencount"
)

// costMonitorInterval bounds how often Await polls PeekLog for new
// tool_result events while a task is running, for incremental cost
// accounting.
const costMonitorInterval = 500 * time.Millisecond

// Request describes an agentic task submission.
type Request struct {
	KeyID         string
	ProjectID     string
	Prompt        string
	Model         string
	RequestID     string
	Timeout       time.Duration
	MaxCost       float64
	WorkingDir    string
	AllowedTools  []string
	AllowedAgents []string
	AllowedSkills []string
}

// Result is the terminal outcome of an agentic task.
type Result struct {
	State        gateway.TaskState
	TaskResult   *gateway.TaskResult
	ExecutionLog []gateway.ExecutionEvent
	Artifacts    []gateway.Artifact
	CostUSD      float64
}

// Executor wraps a pool.Pool with the agentic admission and accounting
// stages used by the /v1/task endpoint.
type Executor struct {
	pool       Pool
	perms      *permission.Service
	ledger     *budget.Ledger
	prices     *pricing.Table
	audit      *audit.Recorder
	counter    *tokencount.Counter
	concurrent concurrencyTracker
	pending    sync.Map // taskID -> pendingTask
}

// pendingTask carries the per-task state Await needs to monitor
// incremental cost, stashed by Submit since the pool itself is
// cost-agnostic.
type pendingTask struct {
	model   string
	maxCost float64
}

// Pool is the subset of pool.Pool the executor drives.
type Pool interface {
	Submit(req pool.Request) (string, *apierr.Error)
	GetResult(ctx context.Context, taskID string, timeout time.Duration) (*pool.Outcome, bool, *apierr.Error)
	Cancel(taskID string) *apierr.Error
	PeekLog(taskID string) []gateway.ExecutionEvent
}

// New constructs an Executor.
func New(p Pool, perms *permission.Service, ledger *budget.Ledger, prices *pricing.Table, auditRecorder *audit.Recorder) *Executor {
	return &Executor{
		pool: p, perms: perms, ledger: ledger, prices: prices, audit: auditRecorder,
		counter: tokencount.NewCounter(), concurrent: newConcurrencyTracker(),
	}
}

// Submit validates permissions and budget, then admits req to the pool.
// Returns the pool task ID and a reservation handle for Await, which
// records or refunds it once the task reaches a terminal state.
func (e *Executor) Submit(ctx context.Context, req Request) (taskID, reservation string, apiErr *apierr.Error) {
	current := e.concurrent.count(req.KeyID)
	profile, apiErr := e.perms.CheckTask(ctx, req.KeyID, req.AllowedTools, req.AllowedAgents, req.AllowedSkills, current, req.Timeout, req.MaxCost)
	if apiErr != nil {
		e.audit.Record(gateway.AuditEntry{
			TaskID: req.RequestID, KeyID: req.KeyID,
			Action: "permission_denied", Detail: apiErr.Field,
		})
		return "", "", apiErr
	}

	// CheckTask already rejected a requested cap exceeding the profile's;
	// an unset request cap (0) falls back to the profile default, which may
	// itself be 0 (no cap).
	maxCost := req.MaxCost
	if maxCost <= 0 {
		maxCost = profile.MaxCostPerTask
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Duration(profile.MaxExecutionSeconds) * time.Second
	}

	estimate := e.prices.Price(req.Model, e.counter.EstimatePrompt(req.Prompt), e.counter.EstimateOutput(0, 4096))
	if maxCost > 0 && estimate > maxCost {
		estimate = maxCost
	}
	reservation, apiErr = e.ledger.Reserve(ctx, req.ProjectID, estimate)
	if apiErr != nil {
		return "", "", apiErr
	}

	taskID, apiErr = e.pool.Submit(pool.Request{
		Prompt:       req.Prompt,
		Model:        req.Model,
		RequestID:    req.RequestID,
		Timeout:      timeout,
		WorkingDir:   req.WorkingDir,
		AllowedTools: req.AllowedTools,
	})
	if apiErr != nil {
		e.ledger.Refund(req.ProjectID, reservation)
		return "", "", apiErr
	}

	e.pending.Store(taskID, pendingTask{model: req.Model, maxCost: maxCost})
	e.concurrent.inc(req.KeyID)
	return taskID, reservation, nil
}

// Await blocks for the task's terminal outcome, harvests artifacts from
// workingDir, settles the budget reservation, and records the usage +
// audit trail. While the task is running it polls PeekLog for tool_result
// events and tracks their cumulative usage; if incremental_cost plus the
// price of one more turn would exceed the task's max_cost, it cancels the
// task and returns CostExceeded alongside whatever partial result,
// execution log, and artifacts the task produced before cancellation.
func (e *Executor) Await(ctx context.Context, keyID, projectID, taskID, reservation, workingDir string, startedAt time.Time, waitTimeout time.Duration) (*Result, *apierr.Error) {
	defer e.concurrent.dec(keyID)

	pt, _ := e.pending.LoadAndDelete(taskID)
	task, _ := pt.(pendingTask)
	nextTurnEstimate := e.prices.Price(task.model, 0, e.counter.EstimateOutput(0, 4096))

	deadline := time.Now().Add(waitTimeout)
	seen := 0
	var cumIn, cumOut int
	costTripped := false

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, apierr.New(apierr.Timeout, "task still running").WithRetryAfter(2)
		}
		interval := costMonitorInterval
		if remaining < interval {
			interval = remaining
		}

		outcome, waited, apiErr := e.pool.GetResult(ctx, taskID, interval)
		if apiErr != nil {
			e.ledger.Refund(projectID, reservation)
			return nil, apiErr
		}
		if waited {
			return e.settle(ctx, keyID, projectID, taskID, reservation, workingDir, startedAt, outcome, costTripped)
		}

		if costTripped || task.maxCost <= 0 {
			continue
		}
		log := e.pool.PeekLog(taskID)
		for ; seen < len(log); seen++ {
			ev := log[seen]
			if ev.Type != "tool_result" {
				continue
			}
			if u, ok := ev.Payload.(gateway.Usage); ok {
				cumIn += u.InputTokens
				cumOut += u.OutputTokens
			}
		}
		incrementalCost := e.prices.Price(task.model, cumIn, cumOut)
		if incrementalCost+nextTurnEstimate > task.maxCost {
			e.pool.Cancel(taskID)
			costTripped = true
		}
	}
}

// settle assembles the Result from outcome, records or refunds the budget
// reservation, collects artifacts, and writes the audit trail. When
// costTripped is true it reports CostExceeded alongside the partial res
// instead of a nil error.
func (e *Executor) settle(ctx context.Context, keyID, projectID, taskID, reservation, workingDir string, startedAt time.Time, outcome *pool.Outcome, costTripped bool) (*Result, *apierr.Error) {
	res := &Result{State: outcome.State, TaskResult: outcome.Result, ExecutionLog: outcome.ExecutionLog}

	if outcome.Result != nil {
		res.CostUSD = e.prices.Price(outcome.Result.Model, outcome.Result.Usage.InputTokens, outcome.Result.Usage.OutputTokens)
		e.ledger.Record(ctx, projectID, reservation, res.CostUSD)
	} else {
		e.ledger.Refund(projectID, reservation)
	}

	if workingDir != "" {
		res.Artifacts = collectArtifacts(workingDir, startedAt)
	}

	for _, ev := range outcome.ExecutionLog {
		e.audit.Record(gateway.AuditEntry{TaskID: taskID, KeyID: keyID, Action: ev.Type})
	}

	if costTripped {
		e.audit.Record(gateway.AuditEntry{TaskID: taskID, KeyID: keyID, Action: "cost_exceeded"})
		return res, apierr.New(apierr.CostExceeded, "incremental cost exceeded max_cost; task was cancelled").WithField("max_cost")
	}

	return res, nil
}

// Cancel cancels a running or pending agentic task.
func (e *Executor) Cancel(taskID string) *apierr.Error {
	return e.pool.Cancel(taskID)
}

// collectArtifacts walks workingDir for files modified at or after
// startedAt, treating them as task output.
func collectArtifacts(workingDir string, startedAt time.Time) []gateway.Artifact {
	var artifacts []gateway.Artifact
	err := filepath.WalkDir(workingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(startedAt) {
			return nil
		}
		artifacts = append(artifacts, gateway.Artifact{
			Path:      path,
			Type:      filepath.Ext(path),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		slog.Warn("agentic: artifact walk failed", "working_dir", workingDir, "error", err)
	}
	return artifacts
}
