// Package proxy is the core request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// the caller, applies rate limits and queue admission, resolves the candidate
// providers for the requested model, and forwards the request through the
// failover orchestrator — normalizing whatever the winning adapter returns
// into OpenAI wire shapes.
//
// Key design constraints:
//   - No blocking I/O on the hot path outside the upstream call itself.
//   - Limiter, estimator, recorder, and catalog are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are flushed per chunk and never buffered whole.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/auth"
	"github.com/relaymux/relaymux/internal/cache"
	"github.com/relaymux/relaymux/internal/metrics"
	"github.com/relaymux/relaymux/internal/normalize"
	"github.com/relaymux/relaymux/internal/ratelimit"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/tokens"
	"github.com/relaymux/relaymux/internal/usage"
	"github.com/relaymux/relaymux/pkg/apierr"
)

// Route labels used in logs and metrics.
const (
	routeChat       = "chat"
	routeEmbeddings = "embeddings"
	routeModels     = "models"
)

const defaultProviderTimeout = 30 * time.Second

// headerPriority selects queue admission priority. "batch" queues behind
// interactive traffic; anything else is interactive.
const headerPriority = "X-Priority"

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// ProviderTimeout is the per-attempt upstream timeout for non-streaming
	// requests. Default: 30s.
	ProviderTimeout time.Duration

	// CBConfig configures the per-provider circuit breaker thresholds.
	CBConfig CBConfig

	// QueueConfig sizes the admission queue.
	QueueConfig QueueConfig

	// ProviderConcurrency caps concurrent attempts per provider. Default: 32.
	ProviderConcurrency int

	// CORSOrigins lists allowed CORS origins. Empty denies cross-origin
	// callers; ["*"] allows all.
	CORSOrigins []string
}

// Gateway is the main dispatcher. Dependencies are injected so unit tests can
// replace them with doubles.
type Gateway struct {
	reg      *registry.Registry
	factory  *AdapterFactory
	cb       *CircuitBreaker
	queue    *Queue
	pool     *providerPool
	inflight *inflightCounter
	health   *HealthChecker
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry

	// Optional dependencies — nil-safe when not configured.
	authn   *auth.Authenticator
	limiter *ratelimit.Limiter
	shield  *ratelimit.Shield
	est     *tokens.Estimator
	rec     *usage.Recorder
	catalog *cache.Catalog

	providerTimeout time.Duration
	corsOrigins     []string

	srv *fasthttp.Server
}

// NewGateway creates a fully configured Gateway.
func NewGateway(baseCtx context.Context, reg *registry.Registry, factory *AdapterFactory, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = defaultProviderTimeout
	}

	g := &Gateway{
		reg:             reg,
		factory:         factory,
		cb:              NewCircuitBreaker(opts.CBConfig),
		queue:           NewQueue(opts.QueueConfig),
		pool:            newProviderPool(opts.ProviderConcurrency),
		inflight:        newInflightCounter(),
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		providerTimeout: providerTimeout,
		corsOrigins:     opts.CORSOrigins,
	}
	g.health = NewHealthChecker(baseCtx, reg, factory, opts.Metrics, log)
	return g
}

// SetAuthenticator injects API-key authentication. Without it the gateway
// serves anonymous requests with no per-key policy (tests, trusted networks).
func (g *Gateway) SetAuthenticator(a *auth.Authenticator) { g.authn = a }

// SetLimiter injects the RPM/TPM limiter.
func (g *Gateway) SetLimiter(l *ratelimit.Limiter) { g.limiter = l }

// SetShield injects the per-IP pre-auth shield.
func (g *Gateway) SetShield(s *ratelimit.Shield) { g.shield = s }

// SetEstimator injects the token estimator used for TPM pre-charges.
func (g *Gateway) SetEstimator(e *tokens.Estimator) { g.est = e }

// SetUsageRecorder injects the async usage recorder.
func (g *Gateway) SetUsageRecorder(r *usage.Recorder) { g.rec = r }

// SetCatalog injects the model-catalog cache backing ProviderModels.
func (g *Gateway) SetCatalog(c *cache.Catalog) { g.catalog = c }

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) { g.corsOrigins = origins }

// Health returns the background health checker.
func (g *Gateway) Health() *HealthChecker { return g.health }

// ── Inbound request types ─────────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// inboundChatRequest mirrors the OpenAI POST /v1/chat/completions body.
	inboundChatRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	// inboundEmbeddingRequest mirrors the OpenAI POST /v1/embeddings body.
	// The "input" field accepts a string or array of strings.
	inboundEmbeddingRequest struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}
)

func (r *inboundChatRequest) validate() error {
	if r.Model == "" {
		return fmt.Errorf("field 'model' is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("field 'messages' must not be empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "system", "developer", "user", "assistant":
		default:
			return fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("field 'max_tokens' must not be negative")
	}
	return nil
}

// parseEmbeddingInput converts the raw JSON "input" field into []string.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

func toAdapterMessages(in []inboundMessage) []adapters.Message {
	out := make([]adapters.Message, len(in))
	for i, m := range in {
		out[i] = adapters.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func messageContents(in []inboundMessage) []string {
	out := make([]string, len(in))
	for i, m := range in {
		out[i] = m.Content
	}
	return out
}

// clampMaxTokens resolves the effective max_tokens for a mapping: an unset
// request inherits the mapping's ceiling. Requests above every candidate
// ceiling are rejected during dispatch before this runs.
func clampMaxTokens(requested, ceiling int) int {
	if ceiling > 0 && (requested <= 0 || requested > ceiling) {
		return ceiling
	}
	return requested
}

func priorityFromHeader(ctx *fasthttp.RequestCtx) int {
	if string(ctx.Request.Header.Peek(headerPriority)) == "batch" {
		return PriorityBatch
	}
	return PriorityInteractive
}

func identityFrom(ctx *fasthttp.RequestCtx) *auth.Identity {
	id, _ := ctx.UserValue("identity").(*auth.Identity)
	return id
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}

// ── Chat completions ──────────────────────────────────────────────────────────

// dispatchChat handles POST /v1/chat/completions, streaming and not.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeChat, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID := requestIDFrom(ctx)
	identity := identityFrom(ctx)

	// 1. Parse and validate.
	var req inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := req.validate(); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 2. Key policy.
	if identity != nil {
		if !identity.Can(auth.PermChat) {
			apierr.Write(ctx, fasthttp.StatusForbidden,
				"api key lacks the 'chat' permission",
				apierr.TypePermissionError, apierr.CodePermissionDenied)
			return
		}
		if !identity.AllowsModel(req.Model) {
			apierr.Write(ctx, fasthttp.StatusForbidden,
				fmt.Sprintf("api key may not access model %q", req.Model),
				apierr.TypePermissionError, apierr.CodeModelAccessDenied)
			return
		}
	}

	// 3. Request budget.
	if !g.checkRPM(ctx, identity) {
		return
	}

	// 4. Token pre-charge against the key's TPM budget. Settled against real
	// usage after the response.
	estTokens, ok := g.prechargeTokens(ctx, identity, req.Model,
		messageContents(req.Messages), req.MaxTokens)
	if !ok {
		return
	}

	// 5. Resolve candidates from the current snapshot.
	snap := g.reg.Snapshot()
	cands := snap.Candidates(req.Model)
	if len(cands) == 0 {
		g.settleTokens(ctx, identity, estTokens, 0)
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("model %q is not served by any provider", req.Model),
			apierr.TypeInvalidRequest, apierr.CodeModelNotFound)
		return
	}
	if req.MaxTokens > 0 {
		cands = filterMaxTokens(cands, req.MaxTokens)
		if len(cands) == 0 {
			g.settleTokens(ctx, identity, estTokens, 0)
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("max_tokens %d exceeds the limit for model %q", req.MaxTokens, req.Model),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
	}
	if req.Stream {
		cands = filterStreaming(cands)
		if len(cands) == 0 {
			g.settleTokens(ctx, identity, estTokens, 0)
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("model %q does not support streaming", req.Model),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
	}
	cands = orderCandidates(cands, g.cb, g.inflight)
	if len(cands) == 0 {
		g.settleTokens(ctx, identity, estTokens, 0)
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"all providers for this model are disabled pending reconfiguration",
			apierr.TypeUpstreamError, apierr.CodeUpstreamUnavailable)
		return
	}

	// 6. Queue admission.
	release, ok := g.admit(ctx, identity, estTokens)
	if !ok {
		return
	}

	if req.Stream {
		// release is handed off to the stream writer.
		g.streamChat(ctx, reqID, identity, &req, cands, estTokens, release)
		return
	}
	defer release()

	// 7. Upstream call with failover.
	var resp *adapters.ChatResponse
	served, err := g.withFailover(ctx, routeChat, reqID, cands,
		func(actx context.Context, cand registry.Candidate, ad adapters.Adapter) error {
			attemptCtx, cancel := context.WithTimeout(actx, g.providerTimeout)
			defer cancel()
			r, aerr := ad.ChatCompletion(attemptCtx, &adapters.ChatRequest{
				Model:       cand.Mapping.InternalID,
				Messages:    toAdapterMessages(req.Messages),
				Temperature: req.Temperature,
				MaxTokens:   clampMaxTokens(req.MaxTokens, cand.Mapping.MaxTokens),
				RequestID:   reqID,
			})
			if aerr != nil {
				return aerr
			}
			resp = r
			return nil
		})
	if err != nil {
		g.settleTokens(ctx, identity, estTokens, 0)
		g.writeUpstreamError(ctx, req.Model, err)
		g.recordUsage(reqID, identity, "", req.Model, routeChat,
			0, 0, false, ctx.Response.StatusCode(), start)
		return
	}

	// 8. Normalize and write. Upstreams that report no usage get estimates.
	promptTokens := resp.Usage.PromptTokens
	completionTokens := resp.Usage.CompletionTokens
	if promptTokens == 0 && g.est != nil {
		promptTokens = g.est.CountMessages(req.Model, messageContents(req.Messages))
	}
	if completionTokens == 0 && g.est != nil {
		completionTokens = g.est.Count(req.Model, resp.Content)
	}

	env := normalize.Chat(resp.ID, req.Model, resp.Content, resp.FinishReason,
		promptTokens, completionTokens)
	body, merr := json.Marshal(env)
	if merr != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeInternalError, apierr.CodeInternalError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)

	// 9. Settle accounting.
	g.settleTokens(ctx, identity, estTokens, promptTokens+completionTokens)
	if g.metrics != nil {
		g.metrics.AddTokens(served.Provider.ID, routeChat, promptTokens, completionTokens)
	}
	g.recordUsage(reqID, identity, served.Provider.ID, req.Model, routeChat,
		promptTokens, completionTokens, false, fasthttp.StatusOK, start)

	g.log.InfoContext(ctx, "chat_ok",
		slog.String("request_id", reqID),
		slog.String("provider", served.Provider.ID),
		slog.String("model", req.Model),
		slog.Int("prompt_tokens", promptTokens),
		slog.Int("completion_tokens", completionTokens),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()),
	)
}

// ── Embeddings ────────────────────────────────────────────────────────────────

// dispatchEmbeddings handles POST /v1/embeddings.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeEmbeddings, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID := requestIDFrom(ctx)
	identity := identityFrom(ctx)

	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if identity != nil {
		if !identity.Can(auth.PermEmbeddings) {
			apierr.Write(ctx, fasthttp.StatusForbidden,
				"api key lacks the 'embeddings' permission",
				apierr.TypePermissionError, apierr.CodePermissionDenied)
			return
		}
		if !identity.AllowsModel(req.Model) {
			apierr.Write(ctx, fasthttp.StatusForbidden,
				fmt.Sprintf("api key may not access model %q", req.Model),
				apierr.TypePermissionError, apierr.CodeModelAccessDenied)
			return
		}
	}

	if !g.checkRPM(ctx, identity) {
		return
	}
	estTokens, ok := g.prechargeTokens(ctx, identity, req.Model, inputs, 0)
	if !ok {
		return
	}

	snap := g.reg.Snapshot()
	cands := snap.Candidates(req.Model)
	if len(cands) == 0 {
		g.settleTokens(ctx, identity, estTokens, 0)
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("model %q is not served by any provider", req.Model),
			apierr.TypeInvalidRequest, apierr.CodeModelNotFound)
		return
	}
	cands = filterEmbeddings(cands)
	if len(cands) == 0 {
		g.settleTokens(ctx, identity, estTokens, 0)
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("model %q does not support embeddings", req.Model),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	cands = orderCandidates(cands, g.cb, g.inflight)
	if len(cands) == 0 {
		g.settleTokens(ctx, identity, estTokens, 0)
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"all providers for this model are disabled pending reconfiguration",
			apierr.TypeUpstreamError, apierr.CodeUpstreamUnavailable)
		return
	}

	release, ok := g.admit(ctx, identity, estTokens)
	if !ok {
		return
	}
	defer release()

	var resp *adapters.EmbeddingsResponse
	served, err := g.withFailover(ctx, routeEmbeddings, reqID, cands,
		func(actx context.Context, cand registry.Candidate, ad adapters.Adapter) error {
			attemptCtx, cancel := context.WithTimeout(actx, g.providerTimeout)
			defer cancel()
			r, aerr := ad.Embeddings(attemptCtx, &adapters.EmbeddingsRequest{
				Model:     cand.Mapping.InternalID,
				Input:     inputs,
				RequestID: reqID,
			})
			if aerr != nil {
				return aerr
			}
			resp = r
			return nil
		})
	if err != nil {
		g.settleTokens(ctx, identity, estTokens, 0)
		g.writeUpstreamError(ctx, req.Model, err)
		g.recordUsage(reqID, identity, "", req.Model, routeEmbeddings,
			0, 0, false, ctx.Response.StatusCode(), start)
		return
	}

	promptTokens := resp.Usage.PromptTokens
	if promptTokens == 0 && g.est != nil {
		promptTokens = 0
		for _, in := range inputs {
			promptTokens += g.est.Count(req.Model, in)
		}
	}

	env := normalize.Embeddings(req.Model, resp.Vectors, promptTokens)
	body, merr := json.Marshal(env)
	if merr != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeInternalError, apierr.CodeInternalError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)

	g.settleTokens(ctx, identity, estTokens, promptTokens)
	if g.metrics != nil {
		g.metrics.AddTokens(served.Provider.ID, routeEmbeddings, promptTokens, 0)
	}
	g.recordUsage(reqID, identity, served.Provider.ID, req.Model, routeEmbeddings,
		promptTokens, 0, false, fasthttp.StatusOK, start)

	g.log.InfoContext(ctx, "embeddings_ok",
		slog.String("request_id", reqID),
		slog.String("provider", served.Provider.ID),
		slog.String("model", req.Model),
		slog.Int("inputs", len(inputs)),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()),
	)
}

// ── Model catalog ─────────────────────────────────────────────────────────────

// handleModels serves GET /v1/models from the registry snapshot, filtered by
// the key's model policy.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	defer func() {
		if g.metrics != nil {
			g.metrics.ObserveHTTP(routeModels, ctx.Response.StatusCode(), time.Since(start))
		}
	}()

	identity := identityFrom(ctx)
	if identity != nil && !identity.Can(auth.PermModels) {
		apierr.Write(ctx, fasthttp.StatusForbidden,
			"api key lacks the 'models' permission",
			apierr.TypePermissionError, apierr.CodePermissionDenied)
		return
	}

	ids := g.reg.Snapshot().ModelIDs()
	if identity != nil {
		visible := ids[:0]
		for _, id := range ids {
			if identity.AllowsModel(id) {
				visible = append(visible, id)
			}
		}
		ids = visible
	}

	body, err := json.Marshal(normalize.Models(ids))
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeInternalError, apierr.CodeInternalError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}

// ── Admin surface (programmatic) ──────────────────────────────────────────────

// TestConnection issues a health probe against one provider. It never touches
// the rate limiter or the admission queue.
func (g *Gateway) TestConnection(ctx context.Context, providerID string) error {
	p, ok := g.reg.Snapshot().Get(providerID)
	if !ok {
		return fmt.Errorf("gateway: provider %q not found", providerID)
	}
	ad, err := g.factory.Adapter(ctx, p)
	if err != nil {
		return err
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return ad.HealthProbe(probeCtx)
}

// ResetBreaker closes a provider's circuit breaker, clearing a forced-open
// configuration failure.
func (g *Gateway) ResetBreaker(providerID string) {
	g.cb.Reset(providerID)
	g.publishBreakerState(providerID)
}

// EvictProvider drops the cached adapter and catalog for an edited or deleted
// provider.
func (g *Gateway) EvictProvider(ctx context.Context, providerID string) {
	g.factory.Evict(providerID)
	if g.catalog != nil {
		g.catalog.Invalidate(ctx, providerID)
	}
}

// ProviderModels fetches a provider's upstream model catalog through the
// catalog cache.
func (g *Gateway) ProviderModels(ctx context.Context, providerID string) ([]adapters.ModelInfo, error) {
	if g.catalog != nil {
		if models, ok := g.catalog.Get(ctx, providerID); ok {
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			return models, nil
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	p, ok := g.reg.Snapshot().Get(providerID)
	if !ok {
		return nil, fmt.Errorf("gateway: provider %q not found", providerID)
	}
	ad, err := g.factory.Adapter(ctx, p)
	if err != nil {
		return nil, err
	}
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	models, err := ad.ListModels(listCtx)
	if err != nil {
		return nil, err
	}
	if g.catalog != nil {
		g.catalog.Put(ctx, providerID, models)
		if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}
	return models, nil
}

// ── Shared pipeline steps ─────────────────────────────────────────────────────

// checkRPM consumes one request from the key's RPM budget. Writes the 429 and
// returns false when denied.
func (g *Gateway) checkRPM(ctx *fasthttp.RequestCtx, identity *auth.Identity) bool {
	if g.limiter == nil || identity == nil {
		return true
	}
	d := g.limiter.AllowRequests(ctx, identity.KeyID, identity.RPMLimit)
	if d.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
		return true
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("rpm_denied")
	}
	apierr.WriteRateLimit(ctx, retrySeconds(d.RetryAfter))
	return false
}

// prechargeTokens reserves the estimated token cost against the key's TPM
// budget. Returns the reserved amount; a false second return means the 429
// was already written.
func (g *Gateway) prechargeTokens(ctx *fasthttp.RequestCtx, identity *auth.Identity, model string, contents []string, maxTokens int) (int, bool) {
	if g.limiter == nil || g.est == nil || identity == nil || identity.TPMLimit <= 0 {
		return 0, true
	}
	est := g.est.CountMessages(model, contents) + maxTokens
	d := g.limiter.AllowTokens(ctx, identity.KeyID, identity.TPMLimit, est)
	if d.Allowed {
		return est, true
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("tpm_denied")
	}
	apierr.WriteRateLimit(ctx, retrySeconds(d.RetryAfter))
	return 0, false
}

// settleTokens reconciles the pre-charged estimate against actual usage.
func (g *Gateway) settleTokens(ctx context.Context, identity *auth.Identity, estimated, actual int) {
	if g.limiter == nil || identity == nil || estimated == 0 {
		return
	}
	g.limiter.ReconcileTokens(ctx, identity.KeyID, estimated, actual)
}

// admit passes the request through the priority queue. Writes the error
// response and returns false on rejection.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, identity *auth.Identity, estTokens int) (func(), bool) {
	prio := priorityFromHeader(ctx)
	label := PriorityLabel(prio)

	qStart := time.Now()
	release, err := g.queue.Acquire(ctx, prio)
	if g.metrics != nil {
		g.metrics.ObserveQueueWait(label, time.Since(qStart))
		g.metrics.SetQueueDepth(label, g.queue.Depth(prio))
	}
	if err == nil {
		return release, true
	}

	g.settleTokens(ctx, identity, estTokens, 0)
	if errors.Is(err, ErrQueueFull) {
		if g.metrics != nil {
			g.metrics.RecordQueueRejection(label)
		}
		apierr.WriteAtCapacity(ctx, 1)
		return nil, false
	}
	apierr.WriteCancelled(ctx)
	return nil, false
}

// recordUsage enqueues a usage event when a recorder is configured.
func (g *Gateway) recordUsage(reqID string, identity *auth.Identity, provider, model, route string, promptTokens, completionTokens int, estimated bool, status int, start time.Time) {
	if g.rec == nil {
		return
	}
	keyID := ""
	if identity != nil {
		keyID = identity.KeyID
	}
	rid, _ := uuid.Parse(reqID)
	g.rec.Record(usage.Event{
		RequestID:        rid,
		KeyID:            keyID,
		Provider:         provider,
		Model:            model,
		Route:            route,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		EstimatedOutput:  estimated,
		Status:           status,
		LatencyMs:        time.Since(start).Milliseconds(),
	})
}

// writeUpstreamError maps a failover error onto the response envelope.
func (g *Gateway) writeUpstreamError(ctx *fasthttp.RequestCtx, model string, err error) {
	switch adapters.KindOf(err) {
	case adapters.KindCancelled:
		apierr.WriteCancelled(ctx)
	case adapters.KindTimeout:
		apierr.WriteTimeout(ctx)
	case adapters.KindBadRequest:
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			upstreamMessage(err), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	default:
		if g.metrics != nil {
			g.metrics.RecordFailoverExhausted(model)
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"all upstream providers failed for this request",
			apierr.TypeUpstreamError, apierr.CodeUpstreamUnavailable)
	}
}

// upstreamMessage extracts the adapter error message for client-visible 4xx
// responses without leaking wrapped internals.
func upstreamMessage(err error) string {
	var ae *adapters.Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "upstream rejected the request"
}

// filterMaxTokens keeps the candidates whose mapping can honor the requested
// max_tokens. A mapping without a ceiling accepts any value.
func filterMaxTokens(cands []registry.Candidate, requested int) []registry.Candidate {
	out := make([]registry.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Mapping.MaxTokens == 0 || requested <= c.Mapping.MaxTokens {
			out = append(out, c)
		}
	}
	return out
}

func filterStreaming(cands []registry.Candidate) []registry.Candidate {
	out := make([]registry.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Mapping.SupportsStreaming {
			out = append(out, c)
		}
	}
	return out
}

func filterEmbeddings(cands []registry.Candidate) []registry.Candidate {
	out := make([]registry.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Mapping.SupportsEmbeddings {
			out = append(out, c)
		}
	}
	return out
}

func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
