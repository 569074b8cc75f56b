package pool

import (
	"context"
	"sync"
	"time"
)

// doneEvent is a one-shot notification primitive. Set is idempotent (via
// sync.Once) so that pathological races -- a child crashing just after its
// success write, or a timeout firing concurrently with completion -- still
// signal waiters exactly once. Replaces the sleep-based polling loop the
// original implementation used to discover task completion.
type doneEvent struct {
	ch   chan struct{}
	once sync.Once
}

func newDoneEvent() *doneEvent {
	return &doneEvent{ch: make(chan struct{})}
}

// Set signals the event. Safe to call more than once or concurrently;
// only the first call has an effect.
func (e *doneEvent) Set() {
	e.once.Do(func() { close(e.ch) })
}

// Wait blocks until the event is set, ctx is done, or timeout elapses,
// whichever comes first. Returns true only if the event fired.
func (e *doneEvent) Wait(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-e.ch:
			return true
		case <-ctx.Done():
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.ch:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}
