package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/app"
	"github.com/clauderun/claudegate/internal/circuitbreaker"
	"github.com/clauderun/claudegate/internal/pool"
	"github.com/clauderun/claudegate/internal/pricing"
	"github.com/clauderun/claudegate/internal/provider"
)

func newProcessTestServer(adapter *app.CompatibilityAdapter, cache Cache) http.Handler {
	return New(Deps{
		Auth:    &fakeAuth{identity: testIdentity()},
		Aliases: testAliases(),
		Adapter: adapter,
		Perms:   newTestPerms(nil),
		Budget:  newTestLedger(),
		Pricing: pricing.NewTable(),
		Cache:   cache,
	})
}

func TestHandleProcess_DirectPath(t *testing.T) {
	t.Parallel()
	reg := provider.NewRegistry()
	reg.Register("anthropic", &fakeProvider{resp: &gateway.CompletionResponse{
		Text: "direct reply", Model: "sonnet", Usage: gateway.Usage{InputTokens: 2, OutputTokens: 2},
	}})
	adapter := app.NewCompatibilityAdapter(reg, testAliases(), circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()), &fakePool{})
	h := newProcessTestServer(adapter, nil)

	body := `{"model":"sonnet","message":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/process", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out processResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Source != "direct" {
		t.Fatalf("source = %q, want direct", out.Source)
	}
}

func TestHandleProcess_ForcedCLIFallback(t *testing.T) {
	t.Parallel()
	reg := provider.NewRegistry()
	reg.Register("anthropic", &fakeProvider{resp: &gateway.CompletionResponse{Text: "unused", Model: "sonnet"}})
	p := &fakePool{outcome: &pool.Outcome{
		State:  gateway.TaskCompleted,
		Result: &gateway.TaskResult{Text: "cli reply", Model: "sonnet", Usage: gateway.Usage{InputTokens: 1, OutputTokens: 1}},
	}}
	adapter := app.NewCompatibilityAdapter(reg, testAliases(), circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()), p)
	h := newProcessTestServer(adapter, nil)

	body := `{"model":"sonnet","message":"hi","use_cli":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/process", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out processResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Source != "cli" {
		t.Fatalf("source = %q, want cli", out.Source)
	}
	if out.Text != "cli reply" {
		t.Fatalf("text = %q", out.Text)
	}
}

func TestHandleProcess_CacheHitSkipsAdapter(t *testing.T) {
	t.Parallel()
	reg := provider.NewRegistry()
	reg.Register("anthropic", &fakeProvider{resp: &gateway.CompletionResponse{Text: "fresh", Model: "sonnet"}})
	adapter := app.NewCompatibilityAdapter(reg, testAliases(), nil, &fakePool{})
	cache := newFakeCache()
	h := newProcessTestServer(adapter, cache)

	body := `{"model":"sonnet","message":"hi","temperature":0.2}`

	first := httptest.NewRequest(http.MethodPost, "/v1/process", strings.NewReader(body))
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, first)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, body = %s", rec1.Code, rec1.Body.String())
	}

	second := httptest.NewRequest(http.MethodPost, "/v1/process", strings.NewReader(body))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, second)
	if rec2.Code != http.StatusOK {
		t.Fatalf("second request status = %d, body = %s", rec2.Code, rec2.Body.String())
	}
	if rec1.Body.String() != rec2.Body.String() {
		t.Fatalf("cached response differs: %q vs %q", rec1.Body.String(), rec2.Body.String())
	}
}

func TestHandleProcess_MissingMessage(t *testing.T) {
	t.Parallel()
	adapter := app.NewCompatibilityAdapter(provider.NewRegistry(), testAliases(), nil, &fakePool{})
	h := newProcessTestServer(adapter, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/process", strings.NewReader(`{"model":"sonnet"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
