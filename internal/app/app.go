// Package app wires the visitorparse subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithAuditStore,
// WithRedis, WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/visitorparse/internal/api"
	"github.com/MrWong99/visitorparse/internal/audit"
	"github.com/MrWong99/visitorparse/internal/config"
	"github.com/MrWong99/visitorparse/internal/directory"
	"github.com/MrWong99/visitorparse/internal/extract"
	"github.com/MrWong99/visitorparse/internal/health"
	"github.com/MrWong99/visitorparse/internal/observe"
	"github.com/MrWong99/visitorparse/internal/reconcile"
	"github.com/MrWong99/visitorparse/internal/registration"
	"github.com/MrWong99/visitorparse/internal/remote"
	"github.com/MrWong99/visitorparse/internal/resilience"
	"github.com/MrWong99/visitorparse/internal/session"
	"github.com/MrWong99/visitorparse/pkg/provider/llm"
)

const readHeaderTimeout = 10 * time.Second

// NamedLLM is a language model together with the name it was configured
// under. The name labels logs, metrics and circuit breakers.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the language models built by main.go via the config
// registry. LLM is required; Fallbacks are tried in order when it fails.
type Providers struct {
	LLM       NamedLLM
	Fallbacks []NamedLLM
}

// AuditStore is the audit log as used by the application.
type AuditStore interface {
	audit.Recorder
	audit.Reader
}

// App owns all subsystem lifetimes and serves the HTTP API.
type App struct {
	cfg       *config.Config
	providers *Providers
	version   string

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics   *observe.Metrics
	llm       *resilience.LLMFallback
	remote    *remote.Client
	sessions  *session.Manager
	redis     redis.UniversalClient
	dirs      *directory.Cache
	engine    *reconcile.Engine
	extractor *extract.Adapter
	audit     AuditStore
	service   *registration.Service
	checkers  []health.Checker
	api       *api.Server
	server    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAuditStore injects an audit store instead of connecting to the
// configured PostgreSQL database.
func WithAuditStore(s AuditStore) Option {
	return func(a *App) { a.audit = s }
}

// WithRedis injects the Redis client backing the shared directory tier
// instead of dialling cache.redis.addr.
func WithRedis(c redis.UniversalClient) Option {
	return func(a *App) { a.redis = c }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets the version reported by the API.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: LLM failover chain, remote
// directory client and session manager, directory cache (with the optional
// Redis tier), reconciliation engine, extractor, audit store and HTTP API.
// On failure everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (_ *App, err error) {
	if providers == nil || providers.LLM.Provider == nil {
		return nil, errors.New("app: an llm provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	// ── 1. LLM failover chain ───────────────────────────────────────────
	a.initLLM()

	// ── 2. Directory service + sessions ─────────────────────────────────
	if err := a.initRemote(); err != nil {
		return nil, fmt.Errorf("app: init remote: %w", err)
	}

	// ── 3. Directory cache ──────────────────────────────────────────────
	a.initCache()

	// ── 4. Pipeline stages ──────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 5. Audit log ────────────────────────────────────────────────────
	if err := a.initAudit(ctx); err != nil {
		return nil, fmt.Errorf("app: init audit: %w", err)
	}

	// ── 6. Registration service ─────────────────────────────────────────
	svcOpts := []registration.Option{registration.WithMetrics(a.metrics)}
	if st := cfg.Matching.SuccessThreshold; st != nil {
		svcOpts = append(svcOpts, registration.WithSuccessThreshold(*st))
	}
	if a.audit != nil {
		svcOpts = append(svcOpts, registration.WithAudit(a.audit))
	}
	a.service = registration.NewService(a.dirs, a.extractor, a.engine, svcOpts...)

	// ── 7. HTTP API ─────────────────────────────────────────────────────
	a.initAPI()

	return a, nil
}

// closeAll runs every closer, logging failures. Used when New bails out.
func (a *App) closeAll() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLLM wraps the configured models in a failover chain with one circuit
// breaker per model.
func (a *App) initLLM() {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{OnStateChange: a.recordBreaker},
		OnAttempt: func(ctx context.Context, name string, err error) {
			status := "ok"
			switch {
			case errors.Is(err, resilience.ErrCircuitOpen):
				status = "circuit_open"
			case err != nil:
				status = "error"
			}
			a.metrics.RecordProviderRequest(ctx, name, "llm", status)
		},
	}
	a.llm = resilience.NewLLMFallback(a.providers.LLM.Provider, a.providers.LLM.Name, fbCfg)
	for _, fb := range a.providers.Fallbacks {
		a.llm.AddFallback(fb.Name, fb.Provider)
	}
	slog.Info("llm chain ready", "providers", a.llm.Names())
}

func (a *App) initRemote() error {
	d := a.cfg.Directory
	client, err := remote.New(remote.Config{
		BaseURL:    d.BaseURL,
		APIKey:     d.APIKey,
		DeviceID:   d.DeviceID,
		Username:   d.Username,
		Password:   d.Password,
		Timeout:    d.Timeout,
		RetryCount: d.RetryCount,
	}, remote.WithCircuitBreaker(resilience.CircuitBreakerConfig{
		MaxFailures:   d.CircuitBreaker.MaxFailures,
		ResetTimeout:  d.CircuitBreaker.ResetTimeout,
		OnStateChange: a.recordBreaker,
	}))
	if err != nil {
		return err
	}
	a.remote = client

	sessOpts := []session.Option{session.WithMetrics(a.metrics)}
	if d.SafetyMargin > 0 {
		sessOpts = append(sessOpts, session.WithSafetyMargin(d.SafetyMargin))
	}
	a.sessions = session.NewManager(client, sessOpts...)

	a.checkers = append(a.checkers, health.Checker{
		Name: "directory",
		Check: func(ctx context.Context) error {
			_, err := a.sessions.Credential(ctx)
			return err
		},
	})
	return nil
}

func (a *App) recordBreaker(name string, _, to resilience.State) {
	a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
}

// initCache builds the directory cache, adding the Redis tier when a client
// was injected or cache.redis.addr is set.
func (a *App) initCache() {
	c := a.cfg.Cache
	opts := []directory.Option{directory.WithMetrics(a.metrics)}
	if c.TTL > 0 {
		opts = append(opts, directory.WithTTL(c.TTL))
	}

	if a.redis == nil && c.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Username: c.Redis.Username,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		a.redis = client
		a.closers = append(a.closers, client.Close)
	}
	if a.redis != nil {
		prefix := c.Redis.Prefix
		if prefix == "" {
			prefix = "visitorparse"
		}
		opts = append(opts, directory.WithSharedStore(directory.NewRedisStore(a.redis, prefix)))
		a.checkers = append(a.checkers, health.Checker{
			Name:     "redis",
			Optional: true,
			Check: func(ctx context.Context) error {
				return a.redis.Ping(ctx).Err()
			},
		})
		slog.Info("shared directory cache enabled", "prefix", prefix)
	}

	a.dirs = directory.NewCache(a.remote, a.sessions, opts...)
}

func (a *App) initPipeline() error {
	engine, err := reconcile.New(a.cfg.Matching.Policy())
	if err != nil {
		return err
	}
	a.engine = engine

	e := a.cfg.Extraction
	opts := []extract.Option{extract.WithMetrics(a.metrics)}
	if e.Temperature != nil {
		opts = append(opts, extract.WithTemperature(*e.Temperature))
	}
	if e.MaxTokens > 0 {
		opts = append(opts, extract.WithMaxTokens(e.MaxTokens))
	}
	if e.Timeout > 0 {
		opts = append(opts, extract.WithTimeout(e.Timeout))
	}
	if e.RateLimit > 0 {
		opts = append(opts, extract.WithRateLimit(e.RateLimit, e.Burst))
	}
	a.extractor = extract.New(a.llm, opts...)
	return nil
}

// initAudit connects the PostgreSQL audit log when audit.postgres_dsn is set
// and no store was injected.
func (a *App) initAudit(ctx context.Context) error {
	if a.audit != nil || a.cfg.Audit.PostgresDSN == "" {
		return nil
	}
	pool, err := audit.Connect(ctx, a.cfg.Audit.PostgresDSN)
	if err != nil {
		return err
	}
	store := audit.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}
	a.audit = store
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	a.checkers = append(a.checkers, health.Checker{
		Name:     "postgres",
		Optional: true,
		Check:    pool.Ping,
	})
	slog.Info("audit log enabled")
	return nil
}

func (a *App) initAPI() {
	s := a.cfg.Server
	opts := []api.Option{
		api.WithVersion(a.version),
		api.WithMetrics(a.metrics),
		api.WithHealth(health.New(a.checkers, health.WithCacheTTL(s.ReadyCacheTTL))),
		api.WithCORSOrigins(s.CORSOrigins...),
		api.WithRequestTimeout(s.RequestTimeout),
	}
	if a.audit != nil {
		opts = append(opts, api.WithAuditReader(a.audit))
	}
	a.api = api.New(a.service, opts...)

	addr := s.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.api,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.api
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of d. Log level changes are
// handled by the caller, which owns the logger.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.PolicyChanged {
		if err := a.engine.SetPolicy(d.NewPolicy); err != nil {
			slog.Warn("matching policy rejected", "err", err)
		} else {
			slog.Info("matching policy updated")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. When ctx is
// done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errCh <- err
	}()

	slog.Info("http server listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops the HTTP server and then tears down all subsystems in
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Drain in-flight requests first.
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
