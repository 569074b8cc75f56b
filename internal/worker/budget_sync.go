package worker

import (
	"context"
	"log/slog"
	"time"
)

const budgetSyncInterval = 60 * time.Second

// BudgetLedger is the subset of budget.Ledger consumed by BudgetSyncWorker.
type BudgetLedger interface {
	SyncAll(ctx context.Context) error
}

// BudgetSyncWorker periodically reconciles in-memory budget reservations
// against the persisted ledger, catching drift after a process restart.
type BudgetSyncWorker struct {
	ledger BudgetLedger
}

// NewBudgetSyncWorker creates a BudgetSyncWorker.
func NewBudgetSyncWorker(ledger BudgetLedger) *BudgetSyncWorker {
	return &BudgetSyncWorker{ledger: ledger}
}

// Name returns the worker identifier.
func (w *BudgetSyncWorker) Name() string { return "budget_sync" }

// Run performs an initial sync, then periodically resyncs until ctx is cancelled.
func (w *BudgetSyncWorker) Run(ctx context.Context) error {
	if err := w.ledger.SyncAll(ctx); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "initial budget sync failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(budgetSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.ledger.SyncAll(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "budget sync failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
