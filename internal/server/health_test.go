package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_ReportsWorkerPoolStats(t *testing.T) {
	t.Parallel()
	h := New(Deps{
		Auth: &fakeAuth{identity: testIdentity()},
		Pool: &fakePool{draining: false},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.WorkerPool.Active != 1 {
		t.Fatalf("active = %d", resp.WorkerPool.Active)
	}
	if resp.Draining {
		t.Fatal("expected not draining")
	}
}

func TestHandleHealth_AlwaysReturns200EvenWhileDraining(t *testing.T) {
	t.Parallel()
	h := New(Deps{
		Auth: &fakeAuth{identity: testIdentity()},
		Pool: &fakePool{draining: true},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Draining {
		t.Fatal("expected draining=true")
	}
}

func TestHandleReady_ServiceUnavailableWhileDraining(t *testing.T) {
	t.Parallel()
	h := New(Deps{
		Auth: &fakeAuth{identity: testIdentity()},
		Pool: &fakePool{draining: true},
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleReady_ServiceUnavailableOnStoreError(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.pingErr = errors.New("db unreachable")
	h := New(Deps{
		Auth:  &fakeAuth{identity: testIdentity()},
		Pool:  &fakePool{},
		Store: store,
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleReady_OK(t *testing.T) {
	t.Parallel()
	h := New(Deps{
		Auth: &fakeAuth{identity: testIdentity()},
		Pool: &fakePool{},
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
