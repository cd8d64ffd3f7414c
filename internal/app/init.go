package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/budget"
	"github.com/nulpointcorp/llm-gateway/internal/circuit"
	"github.com/nulpointcorp/llm-gateway/internal/credential"
	"github.com/nulpointcorp/llm-gateway/internal/events"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/internal/routing"
	"github.com/nulpointcorp/llm-gateway/internal/tokencount"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured: config.Load rejects a configuration without a provider key
// unless ALLOW_CLIENT_API_KEYS is set, and an empty map is an error here.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the pipeline.Dispatcher — registry, routing,
// circuit breaker, cache, rate limiting, budget enforcement, safety filters,
// credentials and event emission — and hands it to the Gateway as the real
// request dispatcher.
func (a *App) initGateway(ctx context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — dispatcher handles nil gracefully (no caching)
		cacheReady = func() bool { return true }
	}

	// ── Model catalog + routing ───────────────────────────────────────────────
	reg := registry.New()
	reg.Reload(buildCatalog(a.cfg, a.provs))
	a.log.Info("model catalog loaded", slog.Int("models", len(reg.All())))

	breaker := circuit.New(circuit.Config{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
	})
	routingEngine := routing.New(reg, breaker, nil)

	// ── Credentials ────────────────────────────────────────────────────────────
	staticCreds := credential.NewStaticResolver(providerAPIKeys(a.cfg))
	var credResolver credential.Resolver = staticCreds
	if a.cfg.AllowClientAPIKeys {
		credResolver = credential.Chain{credential.PassThroughResolver{}, staticCreds}
	}

	// ── Semantic cache — embedding-similarity lookups layered on the exact
	// cache. Requires an embedding-capable provider for the configured model;
	// falls back to the in-process brute-force store when Qdrant isn't set up.
	var semanticCache *npCache.SemanticCache
	if a.cfg.SemanticCache.Enabled {
		embedder, err := npCache.NewProviderEmbedder(a.provs, credResolver, a.cfg.SemanticCache.EmbeddingModel)
		if err != nil {
			a.log.Warn("semantic cache disabled: embedder setup failed", slog.String("error", err.Error()))
		} else {
			var store npCache.VectorStore = npCache.NewMemorySemanticStore()
			if a.cfg.Qdrant.Host != "" {
				qs, err := npCache.NewQdrantStore(ctx, a.cfg.Qdrant.Host, a.cfg.Qdrant.Port, a.cfg.Qdrant.APIKey, a.cfg.Qdrant.Collection, a.cfg.Qdrant.VectorSize)
				if err != nil {
					a.log.Warn("qdrant unavailable, falling back to in-process semantic store", slog.String("error", err.Error()))
				} else {
					store = qs
					a.log.Info("semantic cache vector store: qdrant", slog.String("host", a.cfg.Qdrant.Host))
				}
			}
			semanticCache = npCache.NewSemanticCache(embedder, store)
			a.log.Info("semantic cache enabled", slog.String("embedding_model", a.cfg.SemanticCache.EmbeddingModel))
		}
	}

	// ── Budget enforcement — requires Redis ───────────────────────────────────
	var enforcer *budget.Enforcer

	// ── Events — optional ClickHouse sink ─────────────────────────────────────
	var emitter *events.Emitter
	if a.cfg.Events.DSN != "" {
		em, err := events.New(ctx, a.cfg.Events.DSN, a.cfg.Events.Table, events.WithLogger(a.log))
		if err != nil {
			a.log.Warn("events sink disabled: connection failed", slog.String("error", err.Error()))
		} else {
			emitter = em
			a.log.Info("events sink enabled", slog.String("table", a.cfg.Events.Table))
		}
	}

	if a.cfg.Budget.Enabled {
		if a.rdb == nil {
			return fmt.Errorf("budget enforcement requires redis (set CACHE_MODE=redis or REDIS_URL)")
		}
		var sink budget.EventSink
		if emitter != nil {
			sink = emitter
		}
		enforcer = budget.NewEnforcer(a.rdb, budget.Limits{
			OrgLimitCents:     a.cfg.Budget.OrgLimitCents,
			ProjectLimitCents: a.cfg.Budget.ProjectLimitCents,
			AgentLimitCents:   a.cfg.Budget.AgentLimitCents,
			Window:            a.cfg.Budget.Window,
		}, sink)
		a.log.Info("budget enforcement enabled", slog.Duration("window", a.cfg.Budget.Window))
	}

	// ── Rate limiting ──────────────────────────────────────────────────────────
	var tokenBucket *ratelimit.TokenBucket
	var adaptive *ratelimit.AdaptiveLimiter
	var tiers map[string]ratelimit.Tier
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		tokenBucket = ratelimit.NewTokenBucket(a.rdb)
		adaptive = ratelimit.NewAdaptiveLimiter()
		tiers = make(map[string]ratelimit.Tier, len(a.provs))
		for name := range a.provs {
			tiers[name] = ratelimit.Tier{
				RPM:          a.cfg.RateLimit.RPMLimit,
				TokensPerMin: a.cfg.RateLimit.RPMLimit * 1000,
			}
		}
		a.log.Info("chat rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Embeddings bypass the pipeline entirely (no InferenceRequest shape fits
	// a batch-of-strings call), so they keep the original sliding-window
	// RPM limiter as their own independent gate.
	var rpmLimiter *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		rpmLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
	}

	// ── Admission queue — gates priority 2/3 requests under load ─────────────
	var admissionQueue *queue.Queue
	if a.cfg.Admission.Enabled {
		admissionQueue = queue.New(queue.Thresholds{
			SoftLimit: a.cfg.Admission.SoftLimit,
			HardLimit: a.cfg.Admission.HardLimit,
		})
		a.log.Info("admission queue enabled",
			slog.Int("soft_limit", a.cfg.Admission.SoftLimit),
			slog.Int("hard_limit", a.cfg.Admission.HardLimit))
	}

	// ── Assemble the dispatcher ────────────────────────────────────────────────
	dispatcher := pipeline.New(pipeline.Dispatcher{
		Registry:   reg,
		Routing:    routingEngine,
		Breaker:    breaker,
		Exact:      cacheImpl,
		Semantic:   semanticCache,
		Flight:     npCache.NewFlightGroup(),
		RateLimit:  tokenBucket,
		Adaptive:   adaptive,
		Budget:     enforcer,
		PromptSafe: safetyFilterIf(a.cfg.Safety.PromptFilterEnabled, buildPromptFilter(a.cfg.Safety)),
		RespSafe:   safetyFilterIf(a.cfg.Safety.ResponseFilterEnabled, buildResponseFilter()),
		Credential: credResolver,
		Providers:  a.provs,
		Tokens:     tokencount.New(a.log),
		Events:     emitter,
		Tiers:      tiers,
		Log:        a.log,
		Metrics:    a.prom,
		MaxRetries: a.cfg.Failover.MaxRetries,

		Admission:        admissionQueue,
		AdmissionWorkers: a.cfg.Admission.Workers,
	})

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, dispatcher, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	if rpmLimiter != nil {
		gw.SetRateLimiters(rpmLimiter)
	}

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw
	a.events = emitter

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
