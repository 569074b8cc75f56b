package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/clauderun/claudegate/internal"
	"github.com/clauderun/claudegate/internal/agentic"
	"github.com/clauderun/claudegate/internal/app"
	"github.com/clauderun/claudegate/internal/audit"
	"github.com/clauderun/claudegate/internal/auth"
	"github.com/clauderun/claudegate/internal/budget"
	"github.com/clauderun/claudegate/internal/cache"
	"github.com/clauderun/claudegate/internal/capabilities"
	"github.com/clauderun/claudegate/internal/circuitbreaker"
	"github.com/clauderun/claudegate/internal/config"
	"github.com/clauderun/claudegate/internal/permission"
	"github.com/clauderun/claudegate/internal/pool"
	"github.com/clauderun/claudegate/internal/pricing"
	"github.com/clauderun/claudegate/internal/provider"
	"github.com/clauderun/claudegate/internal/provider/anthropic"
	"github.com/clauderun/claudegate/internal/ratelimit"
	"github.com/clauderun/claudegate/internal/server"
	"github.com/clauderun/claudegate/internal/storage/sqlite"
	"github.com/clauderun/claudegate/internal/telemetry"
	"github.com/clauderun/claudegate/internal/tokencount"
	"github.com/clauderun/claudegate/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting claudegate", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			slog.Warn("api key empty, skipped", "name", k.Name)
			continue
		}
		valid := strings.HasPrefix(k.Key, gateway.APIKeyPrefix)
		slog.Info("api key configured", "name", k.Name, "valid_prefix", valid)
	}

	// Shared DNS cache for the direct-path provider client.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// Direct-path provider registry. Only anthropic is wired: the gateway
	// proxies a single vendor, the subprocess pool is the path of record,
	// and the direct path exists purely as a faster, cheaper alternative for
	// single-turn completions.
	reg := provider.NewRegistry()
	aliases := app.DefaultAliasTable()
	var breakers *circuitbreaker.Registry
	if cfg.Upstream.AnthropicAPIKey != "" {
		transport := provider.NewTransport(dnsResolver, true)
		client := &http.Client{Transport: transport, Timeout: 60 * time.Second}
		reg.Register("anthropic", anthropic.New("anthropic", cfg.Upstream.AnthropicBaseURL, cfg.Upstream.AnthropicAPIKey, client))
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
		slog.Info("direct completion path enabled", "provider", "anthropic", "base_url", cfg.Upstream.AnthropicBaseURL)
	} else {
		slog.Info("direct completion path disabled, no upstream api key configured")
	}

	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	// Auth, permissions, budget, pricing.
	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}
	perms, err := permission.New(store)
	if err != nil {
		return err
	}
	ledger := budget.New(store, store)
	prices := pricing.NewTable()
	keys := app.NewKeyManager(store)

	// Worker pool: spawns the vendor CLI as a child process per task.
	poolCfg := pool.Config{
		MaxWorkers:     cfg.Pool.MaxWorkers,
		QueueCapacity:  cfg.Pool.QueueCapacity,
		PollInterval:   cfg.Pool.PollInterval,
		DefaultTimeout: cfg.Pool.DefaultTimeout,
	}

	// Prometheus metrics, created before the pool since pool.New takes the
	// metrics sink directly rather than reporting through a side channel.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}
	var poolMetrics pool.Metrics
	if metrics != nil {
		poolMetrics = metrics
	}

	workerPool := pool.New(poolCfg, pool.NewCLIExecutor(cfg.CLI.Path), poolMetrics)
	slog.Info("worker pool started", "max_workers", cfg.Pool.MaxWorkers, "cli_path", cfg.CLI.Path)

	adapter := app.NewCompatibilityAdapter(reg, aliases, breakers, workerPool)

	// Audit log (non-blocking batch writer) feeds the agentic executor.
	auditRecorder := audit.New(store)
	executor := agentic.New(workerPool, perms, ledger, prices, auditRecorder)

	// Usage recorder (async batch flush to DB).
	usageRecorder := worker.NewUsageRecorder(store)

	// Rate limiter.
	rateLimiter := ratelimit.NewRegistry()

	// Token counter, for pre-dispatch budget estimates.
	tokenCounter := tokencount.NewCounter()

	// Response cache, used by /v1/process for cacheable low-temperature
	// completions.
	var responseCache server.Cache
	if cfg.Cache.Enabled {
		mc, cacheErr := cache.NewMemory(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		if cacheErr != nil {
			return cacheErr
		}
		responseCache = mc
		slog.Info("response cache enabled", "max_size", cfg.Cache.MaxSize, "default_ttl", cfg.Cache.DefaultTTL)
	}

	// Advertised capability snapshot for /v1/capabilities.
	caps := capabilities.NewStatic(aliases.Aliases(), nil, nil, nil)

	// Background workers: usage flush, budget/usage reconciliation against
	// the store, audit log flush.
	workers := []worker.Worker{usageRecorder, worker.NewBudgetSyncWorker(ledger), auditRecorder}
	runner := worker.NewRunner(workers...)

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("claudegate/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	handler := server.New(server.Deps{
		Auth:         apiKeyAuth,
		Aliases:      aliases,
		Adapter:      adapter,
		Pool:         workerPool,
		MaxWorkers:   cfg.Pool.MaxWorkers,
		Executor:     executor,
		Perms:        perms,
		Budget:       ledger,
		Pricing:      prices,
		TokenCounter: tokenCounter,
		Usage:        usageRecorder,
		RateLimiter:  rateLimiter,
		DefaultRPM:   60,
		Cache:        responseCache,
		Capabilities: caps,
		Keys:         keys,
		Store:        store,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic eviction of stale rate limiters.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if n := rateLimiter.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("rate limiter eviction", "evicted", n)
				}
			}
		}
	}()

	// Graceful shutdown.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("claudegate api enabled",
		"endpoints", []string{
			"POST /v1/chat/completions",
			"POST /v1/process",
			"POST /v1/task",
			"POST /v1/batch",
			"GET  /v1/stream",
			"GET  /v1/usage",
			"GET  /v1/capabilities",
		},
	)
	slog.Info("claudegate ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Drain the worker pool while HTTP is still serving: the pool's draining
	// flag makes /ready return 503, /health report draining=true and new
	// submissions fail with Overloaded while in-flight child processes
	// finish. HTTP shutdown then waits for the remaining handlers.
	workerPool.Drain(cfg.Server.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("claudegate stopped")
	return nil
}
