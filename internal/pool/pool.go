// Package pool implements the bounded worker pool that owns child-process
// lifecycles: direct-start submission, event-based completion, cooperative
// cancellation, and graceful drain. Grounded on the teacher's worker.Runner
// (internal/worker/runner.go) for the single-monitor-goroutine shape and on
// circuitbreaker.Breaker (internal/circuitbreaker/circuitbreaker.go) for the
// single-lock state-machine discipline; the pool itself has no teacher
// analogue since the upstream gateway never ran a subprocess at all.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clauderun/claudegate/internal/apierr"
	gateway "github.com/clauderun/claudegate/internal"
	"github.com/google/uuid"
)

// Config bounds the pool's resources.
type Config struct {
	MaxWorkers    int
	QueueCapacity int
	PollInterval  time.Duration // monitor sweep interval, ~10ms
	DefaultTimeout time.Duration
}

// Request describes one task to run through a child process.
type Request struct {
	Prompt       string
	Model        string
	RequestID    string
	Timeout      time.Duration
	WorkingDir   string
	AllowedTools []string
	Env          map[string]string
}

// Outcome is the terminal snapshot returned by GetResult.
type Outcome struct {
	State        gateway.TaskState
	Result       *gateway.TaskResult
	Err          *apierr.Error
	ExecutionLog []gateway.ExecutionEvent
}

// task is the pool's internal bookkeeping record. All fields except
// executionLog are only ever touched while holding Pool.mu; executionLog is
// guarded by its own logMu and may be read through PeekLog while the task
// is still running.
type task struct {
	id         string
	req        Request
	state      gateway.TaskState
	submittedAt time.Time
	startedAt  time.Time
	completedAt time.Time
	result     *gateway.TaskResult
	err        *apierr.Error
	done       *doneEvent
	cancel     context.CancelFunc
	cancelled  bool // true if Cancel() was invoked, to distinguish from a timeout

	logMu        sync.Mutex
	executionLog []gateway.ExecutionEvent
}

func (t *task) appendEvent(ev gateway.ExecutionEvent) {
	t.logMu.Lock()
	t.executionLog = append(t.executionLog, ev)
	t.logMu.Unlock()
}

func (t *task) snapshotLog() []gateway.ExecutionEvent {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	out := make([]gateway.ExecutionEvent, len(t.executionLog))
	copy(out, t.executionLog)
	return out
}

// Pool is a fixed-capacity set of child-process slots plus a FIFO overflow
// queue. The zero value is not usable; construct with New.
type Pool struct {
	cfg      Config
	exec     Executor
	metrics  Metrics

	mu       sync.Mutex
	tasks    map[string]*task
	queue    []*task
	active   int
	draining bool

	wg         sync.WaitGroup
	stopMonitor chan struct{}
	monitorOnce sync.Once
}

// Metrics is the subset of telemetry the pool reports; nil-able.
type Metrics interface {
	SetWorkerPoolActive(n int)
	SetWorkerPoolQueued(n int)
}

// New constructs a Pool. exec spawns child processes; metrics may be nil.
func New(cfg Config, exec Executor, metrics Metrics) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 120 * time.Second
	}
	p := &Pool{
		cfg:         cfg,
		exec:        exec,
		metrics:     metrics,
		tasks:       make(map[string]*task),
		stopMonitor: make(chan struct{}),
	}
	p.monitorOnce.Do(func() { go p.monitor() })
	return p
}

// Stats reports current active/queued counts for the health endpoint.
func (p *Pool) Stats() (active, queued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, len(p.queue)
}

// Submit admits req. If a slot is free it starts the task synchronously
// within Submit (direct-start), bypassing the monitor's pickup latency;
// otherwise the task is enqueued PENDING. The capacity check happens inside
// the pool lock to avoid racing the monitor's queue drain.
func (p *Pool) Submit(req Request) (string, *apierr.Error) {
	if req.Timeout <= 0 {
		req.Timeout = p.cfg.DefaultTimeout
	}
	id := uuid.New().String()
	t := &task{
		id:          id,
		req:         req,
		state:       gateway.TaskPending,
		submittedAt: time.Now(),
		done:        newDoneEvent(),
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return "", apierr.New(apierr.Overloaded, "service draining")
	}
	p.tasks[id] = t
	if p.active < p.cfg.MaxWorkers {
		p.active++
		t.state = gateway.TaskRunning
		t.startedAt = time.Now()
		p.reportMetricsLocked()
		p.mu.Unlock()
		p.spawn(t)
		return id, nil
	}
	if len(p.queue) >= p.cfg.QueueCapacity {
		delete(p.tasks, id)
		p.mu.Unlock()
		return "", apierr.New(apierr.Overloaded, "queue full")
	}
	p.queue = append(p.queue, t)
	p.reportMetricsLocked()
	p.mu.Unlock()
	return id, nil
}

// reportMetricsLocked must be called while holding p.mu.
func (p *Pool) reportMetricsLocked() {
	if p.metrics == nil {
		return
	}
	p.metrics.SetWorkerPoolActive(p.active)
	p.metrics.SetWorkerPoolQueued(len(p.queue))
}

// spawn starts t's child process in its own goroutine. p.active has already
// been incremented and t.state set to RUNNING under the lock by the caller.
func (p *Pool) spawn(t *task) {
	ctx, cancel := context.WithTimeout(context.Background(), t.req.Timeout)
	p.mu.Lock()
	t.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		result, err := p.exec.Execute(ctx, t.req, t.appendEvent)
		cancel()
		p.complete(t, result, err, ctx)
	}()
}

// complete performs the task's terminal transition and wakes its waiter.
// Terminal assignment and the done-event signal happen inside one critical
// section so a task can never be finalized twice.
func (p *Pool) complete(t *task, result *gateway.TaskResult, err error, ctx context.Context) {
	p.mu.Lock()
	if t.state.Terminal() {
		p.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		t.state = gateway.TaskCompleted
		t.result = result
	case t.cancelled:
		t.state = gateway.TaskCancelled
		t.err = apierr.New(apierr.Overloaded, "task cancelled")
	case ctx.Err() == context.DeadlineExceeded:
		t.state = gateway.TaskTimeout
		t.err = apierr.New(apierr.Timeout, "task exceeded its deadline")
	default:
		t.state, t.err = classifyFailure(err)
	}
	t.completedAt = time.Now()
	p.active--
	p.reportMetricsLocked()
	t.done.Set()
	p.mu.Unlock()

	p.startNext()
}

// classifyFailure maps an Executor error to a terminal state and apierr Kind.
func classifyFailure(err error) (gateway.TaskState, *apierr.Error) {
	switch e := err.(type) {
	case *ExitError:
		ae := apierr.New(apierr.ChildExit, e.Error())
		ae.ExitCode = e.Code
		return gateway.TaskFailed, ae
	case *malformedError:
		return gateway.TaskFailed, apierr.New(apierr.OutputMalformed, e.Error())
	default:
		return gateway.TaskFailed, apierr.New(apierr.UpstreamError, err.Error())
	}
}

// startNext dequeues and direct-starts the next PENDING task, if a slot is
// free. Called both from the completion path (for near-instant pickup) and
// from the monitor (as a safety net).
func (p *Pool) startNext() {
	p.mu.Lock()
	if len(p.queue) == 0 || p.active >= p.cfg.MaxWorkers {
		p.mu.Unlock()
		return
	}
	t := p.queue[0]
	p.queue = p.queue[1:]
	p.active++
	t.state = gateway.TaskRunning
	t.startedAt = time.Now()
	p.reportMetricsLocked()
	p.mu.Unlock()
	p.spawn(t)
}

// monitor is the pool's single long-lived background goroutine. It is a
// safety net, not the notifier of waiters: queue pickup and completion
// happen directly in Submit/complete so callers never pay its poll
// interval. It exists for the sweep case where startNext needs to be
// retried after a burst of concurrent completions.
func (p *Pool) monitor() {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.startNext()
		case <-p.stopMonitor:
			return
		}
	}
}

// GetResult blocks on the task's done event (never polling) until it fires,
// ctx is cancelled, or timeout elapses. waited=false means the wait timed
// out or ctx was cancelled before the task reached a terminal state.
func (p *Pool) GetResult(ctx context.Context, taskID string, timeout time.Duration) (outcome *Outcome, waited bool, apiErr *apierr.Error) {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return nil, false, apierr.New(apierr.InvalidRequest, "unknown task id").WithField("task_id")
	}
	if !t.done.Wait(ctx, timeout) {
		return nil, false, nil
	}
	return &Outcome{State: t.state, Result: t.result, Err: t.err, ExecutionLog: t.snapshotLog()}, true, nil
}

// PeekLog returns a snapshot of taskID's execution log so far, without
// requiring the task to have reached a terminal state. Used by the
// streaming handler to relay events as they are appended instead of
// bursting the whole log out at GetResult's terminal transition.
func (p *Pool) PeekLog(taskID string) []gateway.ExecutionEvent {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return t.snapshotLog()
}

// Cancel transitions a PENDING task to CANCELLED immediately, or signals a
// RUNNING task's child to terminate (reaped as CANCELLED once its executor
// goroutine observes the cancellation).
func (p *Pool) Cancel(taskID string) *apierr.Error {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	if !ok {
		p.mu.Unlock()
		return apierr.New(apierr.InvalidRequest, "unknown task id").WithField("task_id")
	}
	if t.state.Terminal() {
		p.mu.Unlock()
		return nil
	}
	if t.state == gateway.TaskPending {
		for i, qt := range p.queue {
			if qt.id == taskID {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
		t.state = gateway.TaskCancelled
		t.completedAt = time.Now()
		p.reportMetricsLocked()
		p.mu.Unlock()
		t.done.Set()
		return nil
	}
	t.cancelled = true
	cancel := t.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Drain marks the pool as draining, so Submit rejects new tasks with
// Overloaded, and waits up to deadline for all running tasks to reach a
// terminal state.
// After Drain returns, Stats().active == 0 or the deadline was hit and
// remaining children have been force-cancelled.
func (p *Pool) Drain(deadline time.Duration) {
	p.mu.Lock()
	p.draining = true
	runningTasks := make([]*task, 0, p.active)
	for _, t := range p.tasks {
		if t.state == gateway.TaskRunning {
			runningTasks = append(runningTasks, t)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		slog.Warn("pool: drain deadline exceeded, force-cancelling remaining tasks", "remaining", len(runningTasks))
		for _, t := range runningTasks {
			p.mu.Lock()
			t.cancelled = true
			cancel := t.cancel
			p.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
		<-done
	}
	close(p.stopMonitor)
}

// Draining reports whether Drain has been invoked.
func (p *Pool) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}
