// Package server implements the HTTP/WebSocket transport layer for the
// claudegate gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/agentic"
	"github.com/clauderun/claudegate/internal/app"
	"github.com/clauderun/claudegate/internal/apierr"
	"github.com/clauderun/claudegate/internal/budget"
	"github.com/clauderun/claudegate/internal/capabilities"
	"github.com/clauderun/claudegate/internal/permission"
	"github.com/clauderun/claudegate/internal/pool"
	"github.com/clauderun/claudegate/internal/pricing"
	"github.com/clauderun/claudegate/internal/ratelimit"
	"github.com/clauderun/claudegate/internal/storage"
	"github.com/clauderun/claudegate/internal/telemetry"
)

// Authenticator validates credentials and supports cache invalidation after
// admin key mutations (revoke, rotate). gateway.Authenticator alone is not
// enough for the admin routes.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error)
	InvalidateByKeyID(keyID string)
}

// Pool is the subset of pool.Pool the server drives directly, for the
// always-subprocess /v1/chat/completions, /v1/batch, and /v1/stream paths.
type Pool interface {
	Submit(req pool.Request) (string, *apierr.Error)
	GetResult(ctx context.Context, taskID string, timeout time.Duration) (*pool.Outcome, bool, *apierr.Error)
	Cancel(taskID string) *apierr.Error
	PeekLog(taskID string) []gateway.ExecutionEvent
	Stats() (active, queued int)
	Draining() bool
}

// TokenCounter estimates prompt/output token counts ahead of dispatch, used
// to price a budget reservation before the real usage is known.
type TokenCounter interface {
	EstimatePrompt(prompt string) int
	EstimateOutput(maxTokens, endpointDefault int) int
}

// UsageRecorder records a completed request's usage asynchronously.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// ReadyChecker reports whether the system is ready to serve traffic, beyond
// the pool's own draining flag (e.g. store connectivity at startup).
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth         Authenticator
	Aliases      *app.AliasTable
	Adapter      *app.CompatibilityAdapter // direct-then-CLI path for /v1/process
	Pool         Pool                      // subprocess-only path for /v1/chat/completions, /v1/batch, /v1/stream
	MaxWorkers   int                       // bounds /v1/batch parallelism
	Executor     *agentic.Executor         // agentic path for /v1/task
	Perms        *permission.Service
	Budget       *budget.Ledger
	Pricing      *pricing.Table
	TokenCounter TokenCounter
	Usage        UsageRecorder
	RateLimiter  *ratelimit.Registry
	DefaultRPM   int64 // fallback RPM when a key carries none
	Cache        Cache
	Capabilities capabilities.Registry
	Keys           *app.KeyManager
	Store          storage.Store // nil disables admin CRUD and /v1/usage
	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler
	Tracer         trace.Tracer
	ReadyCheck     ReadyChecker
	StartedAt      time.Time
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth).
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// The WebSocket upgrade authenticates itself (api_key query param or
	// header) inside the handler, since the identity is needed before the
	// upgrade completes. The route sits outside the authenticated group, so
	// the rate limiter does not apply to it.
	r.Get("/v1/stream", s.handleStream)

	// Client-facing API (auth + rate limit required).
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/process", s.handleProcess)
		r.Post("/v1/task", s.handleTask)
		r.Post("/v1/task/{taskID}/cancel", s.handleTaskCancel)
		r.Post("/v1/batch", s.handleBatch)
		r.Get("/v1/usage", s.handleUsage)
		r.Get("/v1/capabilities", s.handleCapabilities)
	})

	// Admin API (auth + admin role required).
	if deps.Store != nil {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.requireAdmin)

			r.Get("/keys", s.handleListKeys)
			r.Post("/keys", s.handleCreateKey)
			r.Delete("/keys/{id}", s.handleRevokeKey)
			r.Get("/keys/{id}/permissions", s.handleGetProfile)
			r.Put("/keys/{id}/permissions", s.handlePutProfile)
		})
	}

	return r
}

type server struct {
	deps Deps
}
