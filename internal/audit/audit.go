// Package audit provides a non-blocking, batched writer for the append-only
// audit log, grounded on the worker package's usage-record flush pattern.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/clauderun/claudegate/internal"
)

const (
	chanSize   = 1000
	batchSize  = 100
	flushEvery = 5 * time.Second
	drainTime  = 30 * time.Second
)

// Store is the persistence interface consumed by Recorder.
type Store interface {
	InsertAudit(ctx context.Context, entries []gateway.AuditEntry) error
}

// Recorder buffers audit entries and batch-flushes them to the store.
// Entries are dropped if the channel is full rather than blocking the
// caller's request path.
type Recorder struct {
	ch    chan gateway.AuditEntry
	store Store
}

// New creates a Recorder backed by store.
func New(store Store) *Recorder {
	return &Recorder{ch: make(chan gateway.AuditEntry, chanSize), store: store}
}

// Name returns the worker identifier.
func (r *Recorder) Name() string { return "audit_recorder" }

// Record enqueues an audit entry. It never blocks; drops on full channel.
func (r *Recorder) Record(e gateway.AuditEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case r.ch <- e:
	default:
		slog.Warn("audit entry dropped, channel full", "action", e.Action, "task_id", e.TaskID)
	}
}

// Run processes entries until ctx is cancelled, then drains remaining entries.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	buf := make([]gateway.AuditEntry, 0, batchSize)

	for {
		select {
		case e := <-r.ch:
			buf = append(buf, e)
			if len(buf) >= batchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

func (r *Recorder) drain(buf []gateway.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case e := <-r.ch:
			buf = append(buf, e)
			if len(buf) >= batchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, buf []gateway.AuditEntry) {
	batch := make([]gateway.AuditEntry, len(buf))
	copy(batch, buf)

	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := r.store.InsertAudit(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "audit flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
