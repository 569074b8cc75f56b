package app

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/apierr"
	"github.com/clauderun/claudegate/internal/circuitbreaker"
	"github.com/clauderun/claudegate/internal/pool"
	"github.com/clauderun/claudegate/internal/provider"
)

// Pool is the subset of pool.Pool the compatibility adapter drives for its
// subprocess fallback path.
type Pool interface {
	Submit(req pool.Request) (string, *apierr.Error)
	GetResult(ctx context.Context, taskID string, timeout time.Duration) (*pool.Outcome, bool, *apierr.Error)
}

// CompatibilityAdapter implements the /v1/process routing rule:
// default to the direct upstream client, falling back to the subprocess pool
// when the caller asks for it (use_cli) or the direct path's circuit breaker
// is open.
type CompatibilityAdapter struct {
	providers *provider.Registry
	aliases   *AliasTable
	breakers  *circuitbreaker.Registry // nil disables circuit breaking
	pool      Pool
}

// NewCompatibilityAdapter returns a CompatibilityAdapter. Pass a nil breakers
// registry to disable breaker-gated fallback (every call then tries direct
// first, same as always).
func NewCompatibilityAdapter(providers *provider.Registry, aliases *AliasTable, breakers *circuitbreaker.Registry, p Pool) *CompatibilityAdapter {
	return &CompatibilityAdapter{providers: providers, aliases: aliases, breakers: breakers, pool: p}
}

// Complete resolves req.Model to a concrete provider/model pair and returns
// a completion, either from the direct upstream or the subprocess pool.
// source is "direct" or "cli", useful for usage-record provenance.
func (ca *CompatibilityAdapter) Complete(ctx context.Context, req *gateway.CompletionRequest, useCLI bool, requestID string, timeout time.Duration) (resp *gateway.CompletionResponse, source string, apiErr *apierr.Error) {
	target, err := ca.aliases.Resolve(req.Model)
	if err != nil {
		return nil, "", apierr.New(apierr.InvalidRequest, err.Error()).WithField("model")
	}

	if !useCLI && ca.directAvailable(target.Provider) {
		resp, err := ca.tryDirect(ctx, target, req)
		if err == nil {
			return resp, "direct", nil
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "direct completion failed, falling back to cli",
			slog.String("provider", target.Provider),
			slog.String("error", err.Error()),
		)
	}

	return ca.runCLI(ctx, target, req, requestID, timeout)
}

func (ca *CompatibilityAdapter) directAvailable(providerID string) bool {
	if ca.breakers == nil {
		return true
	}
	cb := ca.breakers.Get(providerID)
	return cb == nil || cb.Allow()
}

func (ca *CompatibilityAdapter) tryDirect(ctx context.Context, target ModelAlias, req *gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	p, err := ca.providers.Get(target.Provider)
	if err != nil {
		return nil, err
	}

	translated := *req
	translated.Model = target.Model
	resp, err := p.Complete(ctx, &translated)
	if err != nil {
		ca.recordBreakerError(target.Provider, err)
		return nil, err
	}
	ca.recordBreakerSuccess(target.Provider)
	return resp, nil
}

func (ca *CompatibilityAdapter) runCLI(ctx context.Context, target ModelAlias, req *gateway.CompletionRequest, requestID string, timeout time.Duration) (*gateway.CompletionResponse, string, *apierr.Error) {
	if ca.pool == nil {
		return nil, "", apierr.New(apierr.Overloaded, "no subprocess pool configured and direct path unavailable")
	}

	taskID, apiErr := ca.pool.Submit(pool.Request{
		Prompt:    req.UserMessage,
		Model:     target.Model,
		RequestID: requestID,
		Timeout:   timeout,
	})
	if apiErr != nil {
		return nil, "", apiErr
	}

	outcome, waited, apiErr := ca.pool.GetResult(ctx, taskID, timeout)
	if apiErr != nil {
		return nil, "", apiErr
	}
	if !waited || outcome.Result == nil {
		return nil, "", apierr.New(apierr.Timeout, "cli completion did not finish in time").WithRetryAfter(2)
	}

	return &gateway.CompletionResponse{
		Text:  outcome.Result.Text,
		Model: outcome.Result.Model,
		Usage: outcome.Result.Usage,
	}, "cli", nil
}

func (ca *CompatibilityAdapter) recordBreakerSuccess(providerID string) {
	if ca.breakers != nil {
		ca.breakers.GetOrCreate(providerID).RecordSuccess()
	}
}

func (ca *CompatibilityAdapter) recordBreakerError(providerID string, err error) {
	if ca.breakers != nil {
		weight := circuitbreaker.ClassifyError(err)
		if weight > 0 {
			ca.breakers.GetOrCreate(providerID).RecordError(weight)
		}
	}
}

// ListModels returns the configured alias names, standing in for the
// teacher's per-provider model list aggregation now that the direct path
// targets a fixed, small alias set rather than a dynamic provider catalog.
func (ca *CompatibilityAdapter) ListModels() []string {
	return ca.aliases.Aliases()
}
