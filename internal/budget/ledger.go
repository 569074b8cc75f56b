// Package budget tracks per-project spend against a monthly cost quota.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clauderun/claudegate/internal/apierr"
	"github.com/clauderun/claudegate/internal/storage"
)

// projectLedger tracks cumulative committed spend and outstanding
// reservations for a single project, mirroring the teacher's
// ratelimit.QuotaTracker budgetEntry shape extended with reservations.
type projectLedger struct {
	quotaUSD     float64
	unlimited    bool
	committed    float64
	reservations map[string]float64
}

func (p *projectLedger) outstanding() float64 {
	var sum float64
	for _, v := range p.reservations {
		sum += v
	}
	return sum
}

// Ledger enforces monthly cost quotas with a reserve/record/refund
// protocol: a task reserves its pessimistic cost estimate before running,
// records the actual cost on completion, and refunds the reservation.
type Ledger struct {
	budgets storage.BudgetStore
	usage   storage.UsageStore
	mu      sync.Mutex
	ledgers map[string]*projectLedger
}

// New creates a Ledger backed by the given stores.
func New(budgets storage.BudgetStore, usage storage.UsageStore) *Ledger {
	return &Ledger{budgets: budgets, usage: usage, ledgers: make(map[string]*projectLedger)}
}

func (l *Ledger) getLocked(ctx context.Context, projectID string) (*projectLedger, error) {
	if p, ok := l.ledgers[projectID]; ok {
		return p, nil
	}
	quota, unlimited, err := l.budgets.GetMonthlyQuota(ctx, projectID)
	if err != nil {
		return nil, err
	}
	committed, err := l.usage.SumCostForPeriod(ctx, projectID, currentPeriod())
	if err != nil {
		return nil, err
	}
	p := &projectLedger{quotaUSD: quota, unlimited: unlimited, committed: committed, reservations: make(map[string]float64)}
	l.ledgers[projectID] = p
	return p, nil
}

func currentPeriod() string {
	return time.Now().UTC().Format("2006-01")
}

// Reserve holds estimatedCostUSD against the project's quota and returns a
// handle used to Record or Refund it later. Returns apierr.BudgetExceeded
// if the reservation would push committed+outstanding spend past the quota.
func (l *Ledger) Reserve(ctx context.Context, projectID string, estimatedCostUSD float64) (string, *apierr.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.getLocked(ctx, projectID)
	if err != nil {
		return "", apierr.New(apierr.Internal, err.Error())
	}
	if !p.unlimited && p.committed+p.outstanding()+estimatedCostUSD > p.quotaUSD {
		return "", apierr.New(apierr.BudgetExceeded, "monthly budget exceeded").WithField("project_id")
	}

	handle := uuid.NewString()
	p.reservations[handle] = estimatedCostUSD
	return handle, nil
}

// Record commits the actual cost for a reservation and releases the hold.
// The actual cost may differ from the original estimate.
func (l *Ledger) Record(ctx context.Context, projectID, handle string, actualCostUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.getLocked(ctx, projectID)
	if err != nil {
		return
	}
	delete(p.reservations, handle)
	p.committed += actualCostUSD
}

// Refund releases a reservation without committing any spend, used when a
// task fails or is cancelled before producing billable usage.
func (l *Ledger) Refund(projectID, handle string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.ledgers[projectID]; ok {
		delete(p.reservations, handle)
	}
}

// Sync reloads a project's committed spend and quota from the store,
// correcting for drift after a process restart or external quota change.
func (l *Ledger) Sync(ctx context.Context, projectID string) error {
	quota, unlimited, err := l.budgets.GetMonthlyQuota(ctx, projectID)
	if err != nil {
		return err
	}
	committed, err := l.usage.SumCostForPeriod(ctx, projectID, currentPeriod())
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.ledgers[projectID]
	if !ok {
		p = &projectLedger{reservations: make(map[string]float64)}
		l.ledgers[projectID] = p
	}
	p.quotaUSD = quota
	p.unlimited = unlimited
	p.committed = committed
	return nil
}

// SyncAll reconciles every tracked project's quota against the store.
func (l *Ledger) SyncAll(ctx context.Context) error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.ledgers))
	for id := range l.ledgers {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		if err := l.Sync(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
