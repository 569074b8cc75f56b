package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/agentic"
	"github.com/clauderun/claudegate/internal/app"
	"github.com/clauderun/claudegate/internal/apierr"
	"github.com/clauderun/claudegate/internal/audit"
	"github.com/clauderun/claudegate/internal/budget"
	"github.com/clauderun/claudegate/internal/permission"
	"github.com/clauderun/claudegate/internal/pool"
	"github.com/clauderun/claudegate/internal/pricing"
)

// fakeAuth authenticates every request as a fixed identity, or rejects all
// requests when identity is nil.
type fakeAuth struct {
	identity     *gateway.Identity
	invalidated  []string
}

func (f *fakeAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	if f.identity == nil {
		return nil, apierr.New(apierr.AuthMissing, "missing credentials")
	}
	return f.identity, nil
}

func (f *fakeAuth) InvalidateByKeyID(keyID string) {
	f.invalidated = append(f.invalidated, keyID)
}

// fakePool is a minimal pool.Pool/agentic.Pool/app.Pool stand-in. Submit
// succeeds unless submitErr is set; GetResult returns waited=false for the
// first pendingN calls and then reports the configured outcome
// (waited=true).
type fakePool struct {
	mu        sync.Mutex
	outcome   *pool.Outcome
	submitErr *apierr.Error
	resultErr *apierr.Error
	cancelErr *apierr.Error
	draining  bool
	pendingN  int
	nextID    int
	submitted []pool.Request
	cancelled []string
}

func (f *fakePool) Submit(req pool.Request) (string, *apierr.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	f.submitted = append(f.submitted, req)
	return fmt.Sprintf("task-%d", f.nextID), nil
}

func (f *fakePool) GetResult(ctx context.Context, taskID string, timeout time.Duration) (*pool.Outcome, bool, *apierr.Error) {
	select {
	case <-ctx.Done():
		return nil, false, nil
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resultErr != nil {
		return nil, false, f.resultErr
	}
	if f.pendingN > 0 {
		f.pendingN--
		return nil, false, nil
	}
	return f.outcome, true, nil
}

func (f *fakePool) Cancel(taskID string) *apierr.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return f.cancelErr
}

func (f *fakePool) PeekLog(taskID string) []gateway.ExecutionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outcome == nil {
		return nil
	}
	return f.outcome.ExecutionLog
}

func (f *fakePool) Stats() (active, queued int) { return 1, 0 }
func (f *fakePool) Draining() bool              { return f.draining }

// fakeBudgetStore reports an unlimited monthly quota, so Reserve always
// succeeds unless a test wants otherwise.
type fakeBudgetStore struct {
	unlimited bool
	quotaUSD  float64
}

func (f *fakeBudgetStore) GetMonthlyQuota(ctx context.Context, projectID string) (float64, bool, error) {
	return f.quotaUSD, f.unlimited, nil
}
func (f *fakeBudgetStore) SetMonthlyQuota(ctx context.Context, projectID string, quotaUSD float64) error {
	f.quotaUSD = quotaUSD
	return nil
}

type fakeUsageStoreForBudget struct{}

func (fakeUsageStoreForBudget) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	return nil
}
func (fakeUsageStoreForBudget) SumCostForPeriod(ctx context.Context, projectID, period string) (float64, error) {
	return 0, nil
}
func (fakeUsageStoreForBudget) Aggregate(ctx context.Context, projectID, period string) (*gateway.UsageAggregate, error) {
	return &gateway.UsageAggregate{ProjectID: projectID, Period: period}, nil
}

func newTestLedger() *budget.Ledger {
	return budget.New(&fakeBudgetStore{unlimited: true}, fakeUsageStoreForBudget{})
}

// fakePermStore backs permission.Service with a fixed profile, falling back
// to gateway.ErrNotFound (resolved to FreeProfile by the service) when
// profile is the zero value.
type fakePermStore struct {
	profile *gateway.PermissionProfile
}

func (f *fakePermStore) GetProfile(ctx context.Context, keyID string) (*gateway.PermissionProfile, error) {
	if f.profile == nil {
		return nil, gateway.ErrNotFound
	}
	p := *f.profile
	p.KeyID = keyID
	return &p, nil
}

func (f *fakePermStore) UpsertProfile(ctx context.Context, p *gateway.PermissionProfile) error {
	cp := *p
	f.profile = &cp
	return nil
}

// newTestPerms builds a permission.Service over an in-memory store. The
// underlying otter cache never fails to construct with these settings, so a
// construction error here would indicate a real defect worth panicking on.
func newTestPerms(profile *gateway.PermissionProfile) *permission.Service {
	svc, err := permission.New(&fakePermStore{profile: profile})
	if err != nil {
		panic(err)
	}
	return svc
}

type fakeAuditStore struct{}

func (fakeAuditStore) InsertAudit(ctx context.Context, entries []gateway.AuditEntry) error {
	return nil
}

func newTestExecutor(p agentic.Pool, perms *permission.Service, ledger *budget.Ledger) *agentic.Executor {
	return agentic.New(p, perms, ledger, pricing.NewTable(), audit.New(fakeAuditStore{}))
}

// fakeUsageRecorder records usage in memory for assertions.
type fakeUsageRecorder struct {
	mu      sync.Mutex
	records []gateway.UsageRecord
}

func (f *fakeUsageRecorder) Record(r gateway.UsageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
}

// fakeCache is an in-memory server.Cache stand-in.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string][]byte)} }

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}
func (f *fakeCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = val
}
func (f *fakeCache) Delete(ctx context.Context, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
}
func (f *fakeCache) Purge(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = make(map[string][]byte)
}

// fakeProvider is a direct-path gateway.Provider stand-in for the
// compatibility adapter's direct path.
type fakeProvider struct {
	resp *gateway.CompletionResponse
	err  error
}

func (f *fakeProvider) Name() string { return "anthropic" }
func (f *fakeProvider) Complete(ctx context.Context, req *gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}
func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

// fakeStore is a full in-memory storage.Store stand-in for the admin and
// usage surfaces.
type fakeStore struct {
	mu      sync.Mutex
	keys    map[string]*gateway.APIKey
	hashes  map[string]string // hash -> id
	profile map[string]*gateway.PermissionProfile
	quota   map[string]float64
	audit   []gateway.AuditEntry
	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:    make(map[string]*gateway.APIKey),
		hashes:  make(map[string]string),
		profile: make(map[string]*gateway.PermissionProfile),
		quota:   make(map[string]float64),
	}
}

func (s *fakeStore) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	s.hashes[key.KeyHash] = key.ID
	return nil
}
func (s *fakeStore) GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.hashes[hash]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return s.keys[id], nil
}
func (s *fakeStore) GetKey(ctx context.Context, id string) (*gateway.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return k, nil
}
func (s *fakeStore) ListKeys(ctx context.Context, projectID string, offset, limit int) ([]*gateway.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.APIKey
	for _, k := range s.keys {
		if k.ProjectID == projectID {
			out = append(out, k)
		}
	}
	return out, nil
}
func (s *fakeStore) RevokeKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	now := time.Now()
	k.RevokedAt = &now
	return nil
}
func (s *fakeStore) TouchKeyUsed(ctx context.Context, id string, windowStart time.Time, count int) error {
	return nil
}
func (s *fakeStore) GetProfile(ctx context.Context, keyID string) (*gateway.PermissionProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profile[keyID]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return p, nil
}
func (s *fakeStore) UpsertProfile(ctx context.Context, p *gateway.PermissionProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profile[p.KeyID] = &cp
	return nil
}
func (s *fakeStore) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error { return nil }
func (s *fakeStore) SumCostForPeriod(ctx context.Context, projectID, period string) (float64, error) {
	return 0, nil
}
func (s *fakeStore) Aggregate(ctx context.Context, projectID, period string) (*gateway.UsageAggregate, error) {
	return &gateway.UsageAggregate{ProjectID: projectID, Period: period}, nil
}
func (s *fakeStore) GetMonthlyQuota(ctx context.Context, projectID string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quota[projectID]
	if !ok {
		return 0, true, nil
	}
	return q, false, nil
}
func (s *fakeStore) SetMonthlyQuota(ctx context.Context, projectID string, quotaUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quota[projectID] = quotaUSD
	return nil
}
func (s *fakeStore) InsertAudit(ctx context.Context, entries []gateway.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entries...)
	return nil
}
func (s *fakeStore) Close() error { return nil }
func (s *fakeStore) Ping(ctx context.Context) error { return s.pingErr }

func testAliases() *app.AliasTable {
	return app.NewAliasTable(map[string]app.ModelAlias{
		"sonnet": {Provider: "anthropic", Model: "sonnet"},
		"haiku":  {Provider: "anthropic", Model: "haiku"},
	})
}

func testIdentity() *gateway.Identity {
	return &gateway.Identity{KeyID: "key-1", ProjectID: "proj-1", Role: "member"}
}

func testAdminIdentity() *gateway.Identity {
	return &gateway.Identity{KeyID: "admin-1", ProjectID: "proj-1", Role: "admin"}
}

func apierrOverloaded() *apierr.Error {
	return apierr.New(apierr.Overloaded, "pool is full")
}
