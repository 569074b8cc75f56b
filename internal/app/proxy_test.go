package app

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/apierr"
	"github.com/clauderun/claudegate/internal/circuitbreaker"
	"github.com/clauderun/claudegate/internal/pool"
	"github.com/clauderun/claudegate/internal/provider"
)

type fakeDirectProvider struct {
	resp *gateway.CompletionResponse
	err  error
}

func (p *fakeDirectProvider) Name() string { return "anthropic" }
func (p *fakeDirectProvider) Complete(context.Context, *gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	return p.resp, p.err
}
func (p *fakeDirectProvider) HealthCheck(context.Context) error { return nil }

type fakePool struct {
	outcome *pool.Outcome
	err     *apierr.Error
}

func (p *fakePool) Submit(pool.Request) (string, *apierr.Error) { return "task-1", nil }
func (p *fakePool) GetResult(context.Context, string, time.Duration) (*pool.Outcome, bool, *apierr.Error) {
	if p.err != nil {
		return nil, false, p.err
	}
	return p.outcome, true, nil
}

func TestCompatibilityAdapter_DirectPath(t *testing.T) {
	t.Parallel()

	reg := provider.NewRegistry()
	reg.Register("anthropic", &fakeDirectProvider{resp: &gateway.CompletionResponse{Text: "hi", Model: "claude-sonnet-4-6"}})
	ca := NewCompatibilityAdapter(reg, DefaultAliasTable(), nil, nil)

	resp, source, apiErr := ca.Complete(context.Background(), &gateway.CompletionRequest{Model: "sonnet", UserMessage: "hello"}, false, "r1", time.Second)
	if apiErr != nil {
		t.Fatal(apiErr)
	}
	if source != "direct" {
		t.Errorf("source = %q, want direct", source)
	}
	if resp.Text != "hi" {
		t.Errorf("text = %q, want hi", resp.Text)
	}
}

func TestCompatibilityAdapter_FallsBackToCLIOnDirectError(t *testing.T) {
	t.Parallel()

	reg := provider.NewRegistry()
	reg.Register("anthropic", &fakeDirectProvider{err: errors.New("upstream down")})
	fp := &fakePool{outcome: &pool.Outcome{Result: &gateway.TaskResult{Text: "from cli", Model: "claude-sonnet-4-6"}}}
	ca := NewCompatibilityAdapter(reg, DefaultAliasTable(), nil, fp)

	resp, source, apiErr := ca.Complete(context.Background(), &gateway.CompletionRequest{Model: "sonnet", UserMessage: "hello"}, false, "r1", time.Second)
	if apiErr != nil {
		t.Fatal(apiErr)
	}
	if source != "cli" {
		t.Errorf("source = %q, want cli", source)
	}
	if resp.Text != "from cli" {
		t.Errorf("text = %q, want %q", resp.Text, "from cli")
	}
}

func TestCompatibilityAdapter_UseCLIForcesSubprocess(t *testing.T) {
	t.Parallel()

	reg := provider.NewRegistry()
	reg.Register("anthropic", &fakeDirectProvider{resp: &gateway.CompletionResponse{Text: "should not be used"}})
	fp := &fakePool{outcome: &pool.Outcome{Result: &gateway.TaskResult{Text: "cli result"}}}
	ca := NewCompatibilityAdapter(reg, DefaultAliasTable(), nil, fp)

	resp, source, apiErr := ca.Complete(context.Background(), &gateway.CompletionRequest{Model: "sonnet", UserMessage: "hello"}, true, "r1", time.Second)
	if apiErr != nil {
		t.Fatal(apiErr)
	}
	if source != "cli" || resp.Text != "cli result" {
		t.Errorf("got source=%q text=%q", source, resp.Text)
	}
}

func TestCompatibilityAdapter_BreakerOpenSkipsDirect(t *testing.T) {
	t.Parallel()

	reg := provider.NewRegistry()
	reg.Register("anthropic", &fakeDirectProvider{resp: &gateway.CompletionResponse{Text: "should not be used"}})
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	cb := breakers.GetOrCreate("anthropic")
	for range 20 {
		cb.RecordError(1.0)
	}
	fp := &fakePool{outcome: &pool.Outcome{Result: &gateway.TaskResult{Text: "cli result"}}}
	ca := NewCompatibilityAdapter(reg, DefaultAliasTable(), breakers, fp)

	_, source, apiErr := ca.Complete(context.Background(), &gateway.CompletionRequest{Model: "sonnet", UserMessage: "hello"}, false, "r1", time.Second)
	if apiErr != nil {
		t.Fatal(apiErr)
	}
	if source != "cli" {
		t.Errorf("source = %q, want cli (breaker should have skipped direct)", source)
	}
}

func TestCompatibilityAdapter_UnknownModelAlias(t *testing.T) {
	t.Parallel()

	ca := NewCompatibilityAdapter(provider.NewRegistry(), DefaultAliasTable(), nil, nil)
	_, _, apiErr := ca.Complete(context.Background(), &gateway.CompletionRequest{Model: "gpt-4", UserMessage: "hi"}, false, "r1", time.Second)
	if apiErr == nil || apiErr.Kind != apierr.InvalidRequest {
		t.Fatalf("err = %v, want InvalidRequest", apiErr)
	}
}
