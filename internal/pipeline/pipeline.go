package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/budget"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/circuit"
	"github.com/nulpointcorp/llm-gateway/internal/credential"
	"github.com/nulpointcorp/llm-gateway/internal/events"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/internal/routing"
	"github.com/nulpointcorp/llm-gateway/internal/safety"
	"github.com/nulpointcorp/llm-gateway/internal/tokencount"
	"github.com/nulpointcorp/llm-gateway/pkg/gatewayerr"
)

// Dispatcher is the single entry point for turning an InferenceRequest into
// an InferenceResponse: the ten-stage validate → safety → rate-limit →
// budget → cache → route → execute → post-process → safety → finalize
// sequence, replacing the bulk of the teacher's dispatchChat/
// dispatchEmbeddings inline logic with named stages that each produce a
// typed gatewayerr on failure.
type Dispatcher struct {
	Registry   *registry.Registry
	Routing    *routing.Engine
	Breaker    *circuit.Breaker
	Exact      cache.Cache
	Semantic   *cache.SemanticCache
	Flight     *cache.FlightGroup
	RateLimit  *ratelimit.TokenBucket
	Adaptive   *ratelimit.AdaptiveLimiter
	Budget     *budget.Enforcer
	PromptSafe *safety.Filter
	RespSafe   *safety.Filter
	Credential credential.Resolver
	Providers  map[string]providers.Provider
	Tokens     *tokencount.Counter
	Events     *events.Emitter
	Tiers      map[string]ratelimit.Tier // tier keyed by model family hint
	Log        *slog.Logger
	Metrics    *metrics.Registry

	// MaxRetries caps the number of candidates tried per request (head +
	// fallbacks). 0 means "use every candidate routing.Engine returns".
	MaxRetries int

	// Admission gates requests through a deadline-priority queue before the
	// rest of the pipeline runs, applied only to requests whose Priority is
	// 2 or 3 (Priority 1 always skips the gate — see queue.Queue.Enqueue).
	// Nil disables admission control entirely.
	Admission        *queue.Queue
	AdmissionWorkers int

	cacheTTL      time.Duration
	admissionOnce sync.Once
	admissionPool *queue.Pool
}

// candidates returns decision.Head followed by decision.Tail, truncated to
// MaxRetries total attempts when set.
func (d *Dispatcher) candidates(decision *routing.Decision) []routing.Candidate {
	all := append([]routing.Candidate{decision.Head}, decision.Tail...)
	if d.MaxRetries > 0 && len(all) > d.MaxRetries {
		all = all[:d.MaxRetries]
	}
	return all
}

// admit gates req through the admission queue when one is configured and
// req.Priority requests it (2 or 3; Priority 1 and the zero value bypass the
// gate entirely, matching queue.Queue's own "priority 1 is never rejected by
// these thresholds" contract). The queued item's Payload is a channel the
// worker pool closes once the item is dequeued, the pattern worker.go's own
// doc comment describes for callers that need a synchronous result.
func (d *Dispatcher) admit(ctx context.Context, req *InferenceRequest) error {
	if d.Admission == nil || req.Priority < 2 {
		return nil
	}

	d.admissionOnce.Do(func() {
		workers := d.AdmissionWorkers
		if workers <= 0 {
			workers = 4
		}
		d.admissionPool = queue.NewPool(d.Admission, workers, func(_ context.Context, item *queue.Item) {
			close(item.Payload.(chan struct{}))
		}, d.Log)
	})

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(30 * time.Second)
	}

	ready := make(chan struct{})
	priority := queue.Priority(req.Priority)
	if err := d.Admission.Enqueue(&queue.Item{Priority: priority, Deadline: deadline, Payload: ready}); err != nil {
		return err
	}
	if d.Metrics != nil {
		d.Metrics.SetQueueDepth(strconv.Itoa(int(priority)), d.Admission.Len())
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return gatewayerr.Wrap(gatewayerr.Cancelled, "", ctx.Err())
	}
}

// reportCircuitState mirrors the breaker's current state for key into the
// circuit_breaker_state gauge, a no-op when Metrics is nil.
func (d *Dispatcher) reportCircuitState(key circuit.Key) {
	if d.Metrics == nil || d.Breaker == nil {
		return
	}
	d.Metrics.SetCircuitBreaker(key.Provider, key.Region, int64(d.Breaker.State(key)))
}

// New builds a Dispatcher. Any field left zero in deps disables that stage
// (e.g. nil Budget skips budget enforcement entirely) — every optional
// collaborator is nil-safe, the same contract the teacher's Gateway applies
// to its cache/logger/rate-limiter fields.
func New(deps Dispatcher) *Dispatcher {
	d := deps
	if d.Log == nil {
		d.Log = slog.New(slog.DiscardHandler)
	}
	if d.cacheTTL <= 0 {
		d.cacheTTL = time.Hour
	}
	return &d
}

// Infer runs the full pipeline for a non-streaming request.
func (d *Dispatcher) Infer(ctx context.Context, req *InferenceRequest) (*InferenceResponse, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	// 0. Admission (priority 2/3 requests only).
	if err := d.admit(ctx, req); err != nil {
		return nil, err
	}

	// 1. Validate.
	if err := d.validate(req); err != nil {
		return nil, err
	}

	// 2. Prompt safety.
	promptText := flattenPrompt(req.Prompt)
	if d.PromptSafe != nil {
		v := d.PromptSafe.Evaluate(ctx, promptText)
		if d.Metrics != nil && v.Action != safety.ActionAllow {
			d.Metrics.RecordSafetyAction("prompt", strings.Join(categoryStrings(v.MatchedCategories), ","), string(v.Action))
		}
		if v.Action == safety.ActionBlock {
			d.emitSafetyBlocked(req, v)
			return nil, gatewayerr.New(gatewayerr.SafetyBlocked, "prompt rejected by safety filter: "+strings.Join(v.Details, "; "))
		}
	}

	scope := budget.Scope{Org: req.OrgID, Project: req.ProjectID, Agent: req.AgentID}

	// 3. Rate limit (approximated pre-routing against the preferred/hint model).
	familyHint := req.Hints.PreferredProvider
	if d.RateLimit != nil {
		factor := 1.0
		if d.Adaptive != nil {
			factor = d.Adaptive.Factor(familyHint)
		}
		estimated := d.estimateInputTokens(req)
		tier := d.Tiers[familyHint]
		if err := d.RateLimit.Acquire(ctx, req.Principal, familyHint, estimated, tier, factor); err != nil {
			return nil, err
		}
	}

	estimatedInput := d.estimateInputTokens(req)
	estimatedCostCents := estimateCostCents(estimatedInput, req.Budget.MaxOutput)

	// 4. Budget check.
	var reservation *budget.Reservation
	if d.Budget != nil {
		r, err := d.Budget.CheckAndReserve(ctx, scope, estimatedCostCents)
		if err != nil {
			if d.Metrics != nil && gatewayerr.KindOf(err) == gatewayerr.BudgetExhausted {
				d.Metrics.RecordBudgetRejection(budgetLevelFromError(err))
			}
			return nil, err
		}
		reservation = r
	}
	releaseOnErr := func() {
		if d.Budget != nil && reservation != nil {
			d.Budget.Release(ctx, reservation)
		}
	}

	exactKey := cache.ExactKey(buildKeyInput(req))

	// 5. Cache lookup — exact, then semantic. Exact-miss coordination goes
	// through the single-flight group so concurrent identical requests
	// collapse into one provider call.
	if req.Hints.CacheEnabled && d.Exact != nil {
		if body, ok := d.Exact.Get(ctx, exactKey); ok {
			releaseOnErr()
			return decodeCachedResponse(req, body, true)
		}
	}
	if req.Hints.CacheEnabled && d.Semantic != nil {
		entry, hit, err := d.Semantic.Lookup(ctx, promptText, cache.Category(req.SemanticScope))
		if err == nil && hit {
			releaseOnErr()
			return decodeCachedResponse(req, entry.Response, true)
		}
	}

	// 6-8. Route, execute (with sequential fallback), post-process usage and
	// cost. Coordinated through the single-flight group keyed by the exact
	// cache key so concurrent identical cache-misses collapse into one
	// provider call instead of each dispatching independently.
	routeExecute := func() (any, error) {
		hint := routingHint(req, estimatedInput)
		decision, err := d.Routing.Select(ctx, hint)
		if err != nil {
			return nil, err
		}

		resp, usedModel, usedProvider, usedRegion, execErr := d.execute(ctx, req, decision)
		if execErr != nil {
			return nil, execErr
		}

		if resp.Usage.InputTokens == 0 {
			resp.Usage.InputTokens = d.Tokens.Count(promptText, usedModel)
		}
		if resp.Usage.OutputTokens == 0 {
			resp.Usage.OutputTokens = d.Tokens.Count(resp.Content, usedModel)
		}
		costCents := d.costFor(usedModel, resp.Usage.InputTokens, resp.Usage.OutputTokens)

		return &InferenceResponse{
			RequestID:    req.RequestID,
			Model:        usedModel,
			Provider:     usedProvider,
			Region:       usedRegion,
			Content:      resp.Content,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CostCents:    costCents,
			DecisionTag:  "capability_match",
		}, nil
	}

	var rawOut any
	var execErr error
	if req.Hints.CacheEnabled && d.Flight != nil {
		rawOut, execErr = d.Flight.Do(ctx, exactKey, routeExecute)
	} else {
		rawOut, execErr = routeExecute()
	}
	if execErr != nil {
		releaseOnErr()
		return nil, execErr
	}
	out := rawOut.(*InferenceResponse)
	out.RequestID = req.RequestID

	// 9. Response safety.
	if d.RespSafe != nil {
		v := d.RespSafe.Evaluate(ctx, out.Content)
		if d.Metrics != nil && v.Action != safety.ActionAllow {
			d.Metrics.RecordSafetyAction("response", strings.Join(categoryStrings(v.MatchedCategories), ","), string(v.Action))
		}
		switch v.Action {
		case safety.ActionBlock:
			releaseOnErr()
			d.emitSafetyBlocked(req, v)
			return nil, gatewayerr.New(gatewayerr.SafetyBlocked, "response blocked by safety filter")
		case safety.ActionFilter:
			out.Content = "[redacted]"
			out.FlaggedSafe = categoryStrings(v.MatchedCategories)
		}
	}

	// 10. Finalize: cache, debit, emit.
	if req.Hints.CacheEnabled && d.Exact != nil {
		if body, merr := marshalResponse(out); merr == nil {
			_ = d.Exact.Set(ctx, exactKey, body, d.cacheTTL)
			if d.Semantic != nil {
				_ = d.Semantic.Store(ctx, exactKey, promptText, body, cache.Category(req.SemanticScope))
			}
		}
	}
	if d.Budget != nil && reservation != nil {
		d.Budget.Debit(ctx, reservation, int64(out.CostCents))
	}
	d.emitCompletion(req, out)

	return out, nil
}

// StreamResult is InferStream's return value: the routing outcome plus the
// provider's raw token stream. Streaming responses are never cached or
// single-flight-coordinated, matching the teacher's original "streams are
// pass-through" contract — the caller drains Chunks and then calls Finalize
// exactly once with the realized output token count so cost/budget
// accounting runs after the stream, not before it.
type StreamResult struct {
	Model    string
	Provider string
	Region   string
	Chunks   <-chan providers.StreamChunk
	Finalize func(ctx context.Context, outputTokens int)
}

// InferStream runs validate → prompt safety → rate limit → budget → route →
// execute, then hands the caller the provider's live stream instead of
// collecting it into an InferenceResponse. Cache lookup/write and
// single-flight coordination are skipped entirely, since a streamed answer
// cannot be replayed from a cached byte string.
func (d *Dispatcher) InferStream(ctx context.Context, req *InferenceRequest) (*StreamResult, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	if err := d.admit(ctx, req); err != nil {
		return nil, err
	}

	if err := d.validate(req); err != nil {
		return nil, err
	}

	promptText := flattenPrompt(req.Prompt)
	if d.PromptSafe != nil {
		v := d.PromptSafe.Evaluate(ctx, promptText)
		if d.Metrics != nil && v.Action != safety.ActionAllow {
			d.Metrics.RecordSafetyAction("prompt", strings.Join(categoryStrings(v.MatchedCategories), ","), string(v.Action))
		}
		if v.Action == safety.ActionBlock {
			d.emitSafetyBlocked(req, v)
			return nil, gatewayerr.New(gatewayerr.SafetyBlocked, "prompt rejected by safety filter: "+strings.Join(v.Details, "; "))
		}
	}

	scope := budget.Scope{Org: req.OrgID, Project: req.ProjectID, Agent: req.AgentID}
	familyHint := req.Hints.PreferredProvider
	if d.RateLimit != nil {
		factor := 1.0
		if d.Adaptive != nil {
			factor = d.Adaptive.Factor(familyHint)
		}
		estimated := d.estimateInputTokens(req)
		tier := d.Tiers[familyHint]
		if err := d.RateLimit.Acquire(ctx, req.Principal, familyHint, estimated, tier, factor); err != nil {
			return nil, err
		}
	}

	estimatedInput := d.estimateInputTokens(req)
	estimatedCostCents := estimateCostCents(estimatedInput, req.Budget.MaxOutput)

	var reservation *budget.Reservation
	if d.Budget != nil {
		r, err := d.Budget.CheckAndReserve(ctx, scope, estimatedCostCents)
		if err != nil {
			if d.Metrics != nil && gatewayerr.KindOf(err) == gatewayerr.BudgetExhausted {
				d.Metrics.RecordBudgetRejection(budgetLevelFromError(err))
			}
			return nil, err
		}
		reservation = r
	}
	releaseOnErr := func() {
		if d.Budget != nil && reservation != nil {
			d.Budget.Release(ctx, reservation)
		}
	}

	hint := routingHint(req, estimatedInput)
	decision, err := d.Routing.Select(ctx, hint)
	if err != nil {
		releaseOnErr()
		return nil, err
	}

	candidates := d.candidates(decision)
	var lastErr error
	for _, cand := range candidates {
		key := circuit.Key{Provider: cand.Model.Provider, Region: cand.Region}
		if d.Breaker != nil && !d.Breaker.Allow(key) {
			lastErr = gatewayerr.New(gatewayerr.CircuitOpen, "circuit open for "+cand.Model.Provider+"/"+cand.Region)
			continue
		}

		prov, ok := d.Providers[cand.Model.Provider]
		if !ok {
			lastErr = gatewayerr.New(gatewayerr.Internal, "no provider registered for "+cand.Model.Provider)
			continue
		}

		apiKey, cerr := d.Credential.Resolve(ctx, cand.Model.Provider, req.Principal)
		if cerr != nil {
			lastErr = gatewayerr.Wrap(gatewayerr.Unauthorized, cand.Model.Provider, cerr)
			continue
		}

		proxyReq := &providers.ProxyRequest{
			Model:       cand.Model.ID,
			Messages:    toProviderMessages(req.Prompt),
			MaxTokens:   req.Budget.MaxOutput,
			RequestID:   req.RequestID,
			APIKey:      apiKey,
			WorkspaceID: req.OrgID,
			Stream:      true,
		}

		resp, rerr := prov.Request(ctx, proxyReq)
		if rerr != nil {
			rerr = providers.WrapError(rerr, cand.Model.Provider)
			kind := gatewayerr.KindOf(rerr)
			if d.Breaker != nil {
				d.Breaker.RecordFailure(key, kind)
				d.reportCircuitState(key)
			}
			lastErr = rerr
			if !gatewayerr.IsRetryable(rerr) {
				break
			}
			continue
		}
		if resp.Stream == nil {
			lastErr = gatewayerr.New(gatewayerr.Internal, "provider returned no stream for a streaming request")
			continue
		}
		if d.Breaker != nil {
			d.Breaker.RecordSuccess(key)
			d.reportCircuitState(key)
		}

		modelID, providerName, region := cand.Model.ID, cand.Model.Provider, cand.Region
		result := &StreamResult{
			Model: modelID, Provider: providerName, Region: region, Chunks: resp.Stream,
			Finalize: func(fctx context.Context, outputTokens int) {
				costCents := d.costFor(modelID, estimatedInput, outputTokens)
				if d.Budget != nil && reservation != nil {
					d.Budget.Debit(fctx, reservation, int64(costCents))
				}
				if d.Events != nil {
					d.Events.Emit(events.Event{
						Kind:         events.KindRequestCompleted,
						Principal:    req.Principal,
						Provider:     providerName,
						Region:       region,
						Model:        modelID,
						InputTokens:  uint32(estimatedInput),
						OutputTokens: uint32(outputTokens),
						CostCents:    costCents,
					})
				}
			},
		}
		return result, nil
	}

	releaseOnErr()
	if lastErr == nil {
		lastErr = gatewayerr.New(gatewayerr.NoCandidate, "no candidate produced a result")
	}
	return nil, lastErr
}

func (d *Dispatcher) validate(req *InferenceRequest) error {
	if req.RequestID == "" {
		return gatewayerr.New(gatewayerr.InvalidRequest, "request_id is required")
	}
	if req.Principal == "" {
		return gatewayerr.New(gatewayerr.Unauthorized, "principal is required")
	}
	if len(req.Prompt.Messages) == 0 && req.Prompt.System == "" {
		return gatewayerr.New(gatewayerr.InvalidRequest, "prompt must contain a system message or at least one turn")
	}
	return nil
}

// execute tries decision.Head then each of decision.Tail in order, routing
// failures through the circuit breaker and stopping at the first success or
// the first non-retryable typed error.
func (d *Dispatcher) execute(ctx context.Context, req *InferenceRequest, decision *routing.Decision) (*providers.ProxyResponse, string, string, string, error) {
	candidates := d.candidates(decision)

	var lastErr error
	for _, cand := range candidates {
		key := circuit.Key{Provider: cand.Model.Provider, Region: cand.Region}
		if d.Breaker != nil && !d.Breaker.Allow(key) {
			lastErr = gatewayerr.New(gatewayerr.CircuitOpen, "circuit open for "+cand.Model.Provider+"/"+cand.Region)
			continue
		}

		prov, ok := d.Providers[cand.Model.Provider]
		if !ok {
			lastErr = gatewayerr.New(gatewayerr.Internal, "no provider registered for "+cand.Model.Provider)
			continue
		}

		apiKey, cerr := d.Credential.Resolve(ctx, cand.Model.Provider, req.Principal)
		if cerr != nil {
			lastErr = gatewayerr.Wrap(gatewayerr.Unauthorized, cand.Model.Provider, cerr)
			continue
		}

		proxyReq := &providers.ProxyRequest{
			Model:       cand.Model.ID,
			Messages:    toProviderMessages(req.Prompt),
			MaxTokens:   req.Budget.MaxOutput,
			RequestID:   req.RequestID,
			APIKey:      apiKey,
			WorkspaceID: req.OrgID,
		}

		resp, err := prov.Request(ctx, proxyReq)
		if err != nil {
			err = providers.WrapError(err, cand.Model.Provider)
			kind := gatewayerr.KindOf(err)
			if d.Breaker != nil {
				d.Breaker.RecordFailure(key, kind)
				d.reportCircuitState(key)
			}
			lastErr = err
			if !gatewayerr.IsRetryable(err) {
				break
			}
			continue
		}

		if d.Breaker != nil {
			d.Breaker.RecordSuccess(key)
			d.reportCircuitState(key)
		}
		return resp, cand.Model.ID, cand.Model.Provider, cand.Region, nil
	}

	if lastErr == nil {
		lastErr = gatewayerr.New(gatewayerr.NoCandidate, "no candidate produced a result")
	}
	return nil, "", "", "", lastErr
}

func (d *Dispatcher) estimateInputTokens(req *InferenceRequest) int {
	if d.Tokens == nil {
		return len(flattenPrompt(req.Prompt)) / 4
	}
	return d.Tokens.Count(flattenPrompt(req.Prompt), req.Hints.PreferredProvider)
}

func (d *Dispatcher) costFor(modelID string, inputTokens, outputTokens int) float64 {
	if d.Registry == nil {
		return 0
	}
	m, ok := d.Registry.Get(modelID)
	if !ok {
		return 0
	}
	return float64(inputTokens)*m.CostInputPerMTok/1_000_000 + float64(outputTokens)*m.CostOutputPerMTok/1_000_000
}

func (d *Dispatcher) emitCompletion(req *InferenceRequest, resp *InferenceResponse) {
	if d.Events == nil {
		return
	}
	d.Events.Emit(events.Event{
		Kind:         events.KindRequestCompleted,
		Principal:    req.Principal,
		Provider:     resp.Provider,
		Region:       resp.Region,
		Model:        resp.Model,
		InputTokens:  uint32(resp.InputTokens),
		OutputTokens: uint32(resp.OutputTokens),
		CostCents:    resp.CostCents,
		Cached:       resp.Cached,
	})
}

func (d *Dispatcher) emitSafetyBlocked(req *InferenceRequest, v safety.Verdict) {
	if d.Events == nil {
		return
	}
	d.Events.Emit(events.Event{
		Kind:      events.KindSafetyBlocked,
		Principal: req.Principal,
		Reason:    strings.Join(categoryStrings(v.MatchedCategories), ","),
		Details:   strings.Join(v.Details, "; "),
	})
}

func routingHint(req *InferenceRequest, estimatedInput int) routing.Hint {
	return routing.Hint{
		RequiredCapabilities: req.Capabilities,
		EstimatedInputTokens: estimatedInput,
		MaxOutputTokens:      req.Budget.MaxOutput,
		AllowedRegions:       req.Residency.AllowedRegions,
		ExcludedProviders:    req.Residency.ExcludedProviders,
		LatencyClass:         toRoutingLatency(req.LatencyClass),
		Strategy:             req.Hints.CostPreference,
		PreferredProvider:    req.Hints.PreferredProvider,
	}
}

func toRoutingLatency(c LatencyClass) routing.LatencyClass {
	switch c {
	case LatencyRealtime:
		return routing.Realtime
	case LatencyInteractive:
		return routing.Interactive
	default:
		return routing.Batch
	}
}

func flattenPrompt(p LogicalPrompt) string {
	var sb strings.Builder
	sb.WriteString(p.System)
	for _, m := range p.Messages {
		sb.WriteByte('\n')
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}

func toProviderMessages(p LogicalPrompt) []providers.Message {
	out := make([]providers.Message, 0, len(p.Messages)+1)
	if p.System != "" {
		out = append(out, providers.Message{Role: "system", Content: p.System})
	}
	for _, m := range p.Messages {
		out = append(out, providers.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func buildKeyInput(req *InferenceRequest) cache.ExactKeyInput {
	msgs := make([]cache.PromptMessage, len(req.Prompt.Messages))
	for i, m := range req.Prompt.Messages {
		msgs[i] = cache.PromptMessage{Role: string(m.Role), Content: m.Content}
	}
	toolNames := make([]string, len(req.Prompt.Tools))
	for i, t := range req.Prompt.Tools {
		toolNames[i] = t.Name
	}
	schema := ""
	if req.Prompt.OutputSchema != nil {
		schema = string(*req.Prompt.OutputSchema)
	}
	return cache.ExactKeyInput{
		System:       req.Prompt.System,
		Messages:     msgs,
		ToolNames:    toolNames,
		OutputSchema: schema,
		ModelID:      req.Hints.PreferredProvider,
	}
}

func estimateCostCents(inputTokens, maxOutputTokens int) int64 {
	// Conservative pre-routing estimate used only for the speculative
	// budget reservation; the true cost is computed post-execution from
	// the registry's per-model pricing and the reservation is trued up
	// in Debit.
	const fallbackCentsPerMTok = 200
	total := inputTokens + maxOutputTokens
	return int64(total) * fallbackCentsPerMTok / 1_000_000
}

func decodeCachedResponse(req *InferenceRequest, body []byte, cached bool) (*InferenceResponse, error) {
	resp, err := unmarshalResponse(body)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CacheError, "cached response decode failed", err)
	}
	resp.RequestID = req.RequestID
	resp.Cached = cached
	return resp, nil
}

func categoryStrings(cats []safety.Category) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}

// budgetLevelFromError recovers the budget.Level name from a BudgetExhausted
// error's message ("budget exhausted at level org"), falling back to
// "unknown" for any shape that doesn't match — the Enforcer doesn't expose
// the level as a typed field, only embeds it in the message.
func budgetLevelFromError(err error) string {
	const marker = "at level "
	msg := err.Error()
	idx := strings.LastIndex(msg, marker)
	if idx < 0 {
		return "unknown"
	}
	return msg[idx+len(marker):]
}

// cachedResponse is the wire shape stored in the exact/semantic caches —
// deliberately narrower than InferenceResponse (no per-request fields like
// RequestID, which is overwritten on read anyway).
type cachedResponse struct {
	Model        string  `json:"model"`
	Provider     string  `json:"provider"`
	Region       string  `json:"region"`
	Content      string  `json:"content"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostCents    float64 `json:"cost_cents"`
}

func marshalResponse(resp *InferenceResponse) ([]byte, error) {
	return json.Marshal(cachedResponse{
		Model:        resp.Model,
		Provider:     resp.Provider,
		Region:       resp.Region,
		Content:      resp.Content,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostCents:    resp.CostCents,
	})
}

func unmarshalResponse(body []byte) (*InferenceResponse, error) {
	var c cachedResponse
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, err
	}
	return &InferenceResponse{
		Model:        c.Model,
		Provider:     c.Provider,
		Region:       c.Region,
		Content:      c.Content,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		CostCents:    c.CostCents,
	}, nil
}
