package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/prospector/internal/async"
	"github.com/sells-group/prospector/internal/cache"
	"github.com/sells-group/prospector/internal/config"
	"github.com/sells-group/prospector/internal/jobs"
	"github.com/sells-group/prospector/internal/matching"
	"github.com/sells-group/prospector/internal/monitoring"
	"github.com/sells-group/prospector/internal/pipeline"
	"github.com/sells-group/prospector/internal/store"
	anthropicpkg "github.com/sells-group/prospector/pkg/anthropic"
	"github.com/sells-group/prospector/pkg/google"
	"github.com/sells-group/prospector/pkg/jina"
	"github.com/sells-group/prospector/pkg/perplexity"
)

// shutdownGrace bounds how long Close waits for tracked background tasks.
const shutdownGrace = 30 * time.Second

// env holds the store, clients and services shared by the serve, tick and
// run commands.
type env struct {
	Store        store.Store
	Cache        *cache.Cache
	Tracker      *async.Tracker
	Engine       *matching.Engine
	Orchestrator *pipeline.Orchestrator
	Registry     *jobs.Registry
	Dispatcher   *jobs.Dispatcher
	Monitor      *monitoring.Collector
	Checker      *monitoring.Checker

	lookbackHours int
}

// Close waits for tracked tasks and releases the store.
func (e *env) Close() {
	if e.Tracker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := e.Tracker.Shutdown(ctx); err != nil {
			zap.L().Warn("background tasks did not finish before shutdown", zap.Error(err))
		}
		cancel()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens and migrates the configured store, then wires every
// service on top of it. Callers should defer env.Close().
func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	e, err := buildEnv(ctx, cfg, st, useStubs)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return e, nil
}

// initStore opens the store selected by store.driver.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "prospector.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("database url is required (PROSPECTOR_STORE_DATABASE_URL)")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// clients bundles the outbound collaborator clients.
type clients struct {
	Anthropic  anthropicpkg.Client
	Google     google.Client
	Jina       jina.Client
	Perplexity perplexity.Client
}

// initClients builds real clients for every configured key. A missing key,
// or stub mode, falls back to the canned stub for that collaborator.
func initClients(c *config.Config, stub bool) clients {
	var cl clients

	if stub || c.Anthropic.Key == "" {
		zap.L().Warn("anthropic not configured, using stub client")
		cl.Anthropic = &pipeline.StubAnthropicClient{}
	} else {
		cl.Anthropic = anthropicpkg.NewClient(c.Anthropic.Key)
	}

	if stub || c.Google.Key == "" {
		zap.L().Warn("google places not configured, using stub client")
		cl.Google = &pipeline.StubGoogleClient{}
	} else {
		cl.Google = google.NewClient(c.Google.Key, google.WithBaseURL(c.Google.BaseURL))
	}

	if stub || c.Jina.Key == "" {
		zap.L().Warn("jina not configured, using stub client")
		cl.Jina = &pipeline.StubJinaClient{}
	} else {
		cl.Jina = jina.NewClient(c.Jina.Key,
			jina.WithSearchBaseURL(c.Jina.SearchBaseURL),
			jina.WithEmbedBaseURL(c.Jina.EmbedBaseURL),
			jina.WithEmbedModel(c.Jina.EmbedModel, c.Embedding.Dimensions),
		)
	}

	if stub || c.Perplexity.Key == "" {
		zap.L().Warn("perplexity not configured, using stub client")
		cl.Perplexity = &pipeline.StubPerplexityClient{}
	} else {
		cl.Perplexity = perplexity.NewClient(c.Perplexity.Key,
			perplexity.WithBaseURL(c.Perplexity.BaseURL),
			perplexity.WithModel(c.Perplexity.Model),
		)
	}

	return cl
}

// buildEnv wires the cache, matching engine, orchestrator and dispatcher on
// an open, migrated store. Strategy choices come from c.
func buildEnv(ctx context.Context, c *config.Config, st store.Store, stub bool) (*env, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cacheOpts := cache.DefaultOptions()
	if c.Cache.TTLHours > 0 {
		cacheOpts.TTL = time.Duration(c.Cache.TTLHours) * time.Hour
	}
	if c.Cache.MaxEntries > 0 {
		cacheOpts.MaxEntries = c.Cache.MaxEntries
	}
	if c.Cache.RetentionHours > 0 {
		cacheOpts.Retention = time.Duration(c.Cache.RetentionHours) * time.Hour
	}
	if c.Cache.PruneIntervalMins > 0 {
		cacheOpts.PruneInterval = time.Duration(c.Cache.PruneIntervalMins) * time.Minute
	}
	resultCache := cache.New(st, cacheOpts)
	ttl := cacheOpts.TTL

	cl := initClients(c, stub)
	tracker := async.NewTracker(ctx)

	var embedder matching.Embedder
	switch c.Embedding.Provider {
	case "jina":
		embedder = matching.NewJinaEmbedder(cl.Jina, resultCache, ttl)
	default:
		embedder = matching.NewLocalEmbedder(c.Embedding.Dimensions)
	}

	lockTimeout := config.Seconds(c.Matching.LockTimeoutSecs)
	var locker matching.Locker
	switch c.Matching.LockBackend {
	case "store":
		locker = matching.NewStoreLocker(st, lockTimeout, "prospector-"+uuid.NewString())
	default:
		locker = matching.NewMemoryLocker(lockTimeout)
	}

	var (
		scheduler matching.Scheduler
		local     *matching.LocalScheduler
	)
	switch c.Matching.DeferMode {
	case "local":
		local = matching.NewLocalScheduler(tracker)
		scheduler = local
	default:
		scheduler = matching.NewJobScheduler(st)
	}

	engine := matching.NewEngine(matching.Config{
		TieThreshold: c.Matching.TieThreshold,
		MaxAttempts:  c.Matching.MaxAttempts,
		RetryDelay:   config.Seconds(c.Matching.RetryDelaySecs),
	}, st, embedder, scheduler,
		matching.WithTieBreaker(matching.NewAnthropicTieBreaker(cl.Anthropic, c.Anthropic.Model, resultCache, ttl)),
		matching.WithLocker(locker),
	)
	if local != nil {
		local.Bind(func(ctx context.Context, runID string, attempt int) error {
			_, err := engine.MapRun(ctx, runID, attempt)
			return err
		})
	}

	var placesLimiter *rate.Limiter
	if c.Google.RateLimit > 0 {
		placesLimiter = rate.NewLimiter(rate.Limit(c.Google.RateLimit), 1)
	}

	collab := pipeline.Collaborators{
		Personas: pipeline.NewClaudePersonas(cl.Anthropic, c.Anthropic.Model, c.Anthropic.MaxTokens, resultCache, ttl),
		Finder:   pipeline.NewPlacesFinder(cl.Google, placesLimiter, resultCache, ttl),
		Contacts: pipeline.NewPerplexityContacts(cl.Perplexity, c.Perplexity.Model, nil, resultCache, ttl),
		Analyst:  pipeline.NewClaudeAnalyst(cl.Anthropic, cl.Jina, c.Anthropic.Model, c.Anthropic.MaxTokens, resultCache, ttl),
	}
	orch := pipeline.New(pipeline.ConfigFrom(c.Pipeline), st, collab,
		pipeline.WithEmbedder(embedder),
		pipeline.WithScheduler(scheduler),
	)

	registry := jobs.NewRegistry()
	jobs.RegisterDefaults(registry, engine, orch, c.Dispatcher.JobMaxAttempts)
	dispatcher := jobs.NewDispatcher(jobs.Config{
		MaxClaimsPerTick: c.Dispatcher.MaxClaimsPerTick,
		FailBackoff:      config.Seconds(c.Dispatcher.FailBackoffSecs),
		TickBudget:       config.Seconds(c.Dispatcher.TickBudgetSecs),
		StaleAfter:       time.Duration(c.Dispatcher.StaleAfterMins) * time.Minute,

		UnknownMaxAttempts: c.Dispatcher.JobMaxAttempts,
	}, st, registry)

	staleAfter := time.Duration(c.Dispatcher.StaleAfterMins) * time.Minute
	monitor := monitoring.NewCollector(st, staleAfter)
	lookback := c.Monitoring.LookbackWindowHours
	if lookback <= 0 {
		lookback = 24
	}
	checker := monitoring.NewChecker(monitor, monitoring.NewAlerter(c.Monitoring), c.Monitoring)

	zap.L().Info("environment ready",
		zap.String("store", c.Store.Driver),
		zap.String("embedding", c.Embedding.Provider),
		zap.String("lock_backend", c.Matching.LockBackend),
		zap.String("defer_mode", c.Matching.DeferMode),
		zap.Strings("job_types", registry.Types()),
	)

	return &env{
		Store:        st,
		Cache:        resultCache,
		Tracker:      tracker,
		Engine:       engine,
		Orchestrator: orch,
		Registry:     registry,
		Dispatcher:   dispatcher,
		Monitor:      monitor,
		Checker:      checker,

		lookbackHours: lookback,
	}, nil
}
