package proxy

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/registry"
)

// stubAdapter satisfies adapters.Adapter for failover tests; the attempt
// function under test never calls through it.
type stubAdapter struct{}

func (stubAdapter) Variant() string { return "stub" }
func (stubAdapter) ChatCompletion(context.Context, *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	return &adapters.ChatResponse{}, nil
}
func (stubAdapter) ChatCompletionStream(context.Context, *adapters.ChatRequest) (<-chan adapters.StreamChunk, error) {
	ch := make(chan adapters.StreamChunk)
	close(ch)
	return ch, nil
}
func (stubAdapter) Embeddings(context.Context, *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	return &adapters.EmbeddingsResponse{}, nil
}
func (stubAdapter) HealthProbe(context.Context) error { return nil }
func (stubAdapter) ListModels(context.Context) ([]adapters.ModelInfo, error) {
	return nil, nil
}

// failoverGateway builds a minimal Gateway whose factory already holds a stub
// adapter for every given candidate.
func failoverGateway(cands []registry.Candidate) *Gateway {
	f := NewAdapterFactory(nil, nil)
	for _, c := range cands {
		f.cache[c.Provider.ID] = factoryEntry{src: c.Provider, ad: stubAdapter{}}
	}
	return &Gateway{
		factory:  f,
		cb:       testCB(),
		pool:     newProviderPool(4),
		inflight: newInflightCounter(),
		baseCtx:  context.Background(),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func failoverCands(ids ...string) []registry.Candidate {
	out := make([]registry.Candidate, len(ids))
	for i, id := range ids {
		out[i] = registry.Candidate{
			Provider: &registry.Provider{ID: id},
			Mapping:  registry.ModelMapping{ExternalID: "m", InternalID: "m"},
		}
	}
	return out
}

func TestWithFailover_FirstCandidateServes(t *testing.T) {
	cands := failoverCands("p1", "p2")
	g := failoverGateway(cands)

	var tried []string
	won, err := g.withFailover(context.Background(), routeChat, "req-1", cands,
		func(_ context.Context, cand registry.Candidate, _ adapters.Adapter) error {
			tried = append(tried, cand.Provider.ID)
			return nil
		})
	if err != nil {
		t.Fatalf("failover: %v", err)
	}
	if won.Provider.ID != "p1" {
		t.Errorf("winner = %q", won.Provider.ID)
	}
	if len(tried) != 1 {
		t.Errorf("attempts = %v", tried)
	}
	if g.inflight.get("p1") != 0 {
		t.Errorf("inflight not released: %d", g.inflight.get("p1"))
	}
}

func TestWithFailover_TransientMovesToNextCandidate(t *testing.T) {
	cands := failoverCands("p1", "p2")
	g := failoverGateway(cands)

	var tried []string
	won, err := g.withFailover(context.Background(), routeChat, "req-1", cands,
		func(_ context.Context, cand registry.Candidate, _ adapters.Adapter) error {
			tried = append(tried, cand.Provider.ID)
			if cand.Provider.ID == "p1" {
				return adapters.Errf("p1", adapters.KindTransient, "upstream blew up")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("failover: %v", err)
	}
	if won.Provider.ID != "p2" {
		t.Errorf("winner = %q", won.Provider.ID)
	}
	if len(tried) != 2 {
		t.Errorf("attempts = %v", tried)
	}
	if g.cb.ErrorRate("p1") == 0 {
		t.Error("failed attempt should be recorded against p1's breaker")
	}
}

func TestWithFailover_BadRequestStopsImmediately(t *testing.T) {
	cands := failoverCands("p1", "p2")
	g := failoverGateway(cands)

	var tried []string
	_, err := g.withFailover(context.Background(), routeChat, "req-1", cands,
		func(_ context.Context, cand registry.Candidate, _ adapters.Adapter) error {
			tried = append(tried, cand.Provider.ID)
			return adapters.Errf(cand.Provider.ID, adapters.KindBadRequest, "malformed")
		})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(tried) != 1 {
		t.Errorf("bad request should not fail over, tried %v", tried)
	}
	if g.cb.StateLabel("p1") != "closed" {
		t.Errorf("caller error moved the breaker: %s", g.cb.StateLabel("p1"))
	}
}

func TestWithFailover_PermanentStopsImmediately(t *testing.T) {
	cands := failoverCands("p1", "p2")
	g := failoverGateway(cands)

	var tried []string
	_, err := g.withFailover(context.Background(), routeChat, "req-1", cands,
		func(_ context.Context, cand registry.Candidate, _ adapters.Adapter) error {
			tried = append(tried, cand.Provider.ID)
			return adapters.Errf(cand.Provider.ID, adapters.KindPermanent, "model removed upstream")
		})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(tried) != 1 || tried[0] != "p1" {
		t.Errorf("permanent error should not fail over, tried %v", tried)
	}
	if g.cb.ErrorRate("p1") == 0 {
		t.Error("permanent error should still count against p1's breaker")
	}
}

func TestWithFailover_SkipsOpenBreaker(t *testing.T) {
	cands := failoverCands("p1", "p2")
	g := failoverGateway(cands)
	g.cb.RecordFailure("p1", adapters.KindConfig)

	var tried []string
	won, err := g.withFailover(context.Background(), routeChat, "req-1", cands,
		func(_ context.Context, cand registry.Candidate, _ adapters.Adapter) error {
			tried = append(tried, cand.Provider.ID)
			return nil
		})
	if err != nil {
		t.Fatalf("failover: %v", err)
	}
	if won.Provider.ID != "p2" || len(tried) != 1 {
		t.Errorf("winner = %q, tried %v", won.Provider.ID, tried)
	}
}

func TestWithFailover_SkipsSaturatedProvider(t *testing.T) {
	cands := failoverCands("p1", "p2")
	g := failoverGateway(cands)
	g.pool = newProviderPool(1)
	if !g.pool.tryAcquire("p1") {
		t.Fatal("setup: could not saturate p1")
	}

	var tried []string
	won, err := g.withFailover(context.Background(), routeChat, "req-1", cands,
		func(_ context.Context, cand registry.Candidate, _ adapters.Adapter) error {
			tried = append(tried, cand.Provider.ID)
			return nil
		})
	if err != nil {
		t.Fatalf("failover: %v", err)
	}
	if won.Provider.ID != "p2" || len(tried) != 1 {
		t.Errorf("winner = %q, tried %v", won.Provider.ID, tried)
	}
}

func TestWithFailover_AttemptCap(t *testing.T) {
	cands := failoverCands("p1", "p2", "p3", "p4", "p5")
	g := failoverGateway(cands)

	var tried []string
	_, err := g.withFailover(context.Background(), routeChat, "req-1", cands,
		func(_ context.Context, cand registry.Candidate, _ adapters.Adapter) error {
			tried = append(tried, cand.Provider.ID)
			return adapters.Errf(cand.Provider.ID, adapters.KindTransient, "down")
		})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(tried) != maxAttempts {
		t.Errorf("tried %d candidates, want %d", len(tried), maxAttempts)
	}
}

func TestWithFailover_BrokenAdapterBuildFailsOver(t *testing.T) {
	cands := failoverCands("broken", "p2")
	g := failoverGateway(cands[1:]) // no cached adapter for "broken"
	// An uncached provider with no variant config fails to build; the
	// failover loop records it as a config failure and moves on.

	var tried []string
	won, err := g.withFailover(context.Background(), routeChat, "req-1", cands,
		func(_ context.Context, cand registry.Candidate, _ adapters.Adapter) error {
			tried = append(tried, cand.Provider.ID)
			return nil
		})
	if err != nil {
		t.Fatalf("failover: %v", err)
	}
	if won.Provider.ID != "p2" || len(tried) != 1 {
		t.Errorf("winner = %q, tried %v", won.Provider.ID, tried)
	}
	if g.cb.StateLabel("broken") != "forced-open" {
		t.Errorf("build failure should force the breaker open, state = %s", g.cb.StateLabel("broken"))
	}
}

func TestWithFailover_NoCandidates(t *testing.T) {
	g := failoverGateway(nil)
	_, err := g.withFailover(context.Background(), routeChat, "req-1", nil,
		func(context.Context, registry.Candidate, adapters.Adapter) error { return nil })
	if err == nil {
		t.Fatal("empty candidate list should fail")
	}
}

func TestBackoffDelay_Bounded(t *testing.T) {
	for attempt := 1; attempt <= 6; attempt++ {
		for i := 0; i < 20; i++ {
			d := backoffDelay(attempt)
			if d < 0 || d > backoffCeiling {
				t.Fatalf("attempt %d: delay %v out of range", attempt, d)
			}
		}
	}
	if d := backoffDelay(1); d > backoffBase {
		t.Errorf("first retry delay %v exceeds base %v", d, backoffBase)
	}
}
