package proxy

import (
	"testing"
	"time"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/registry"
)

func cand(id string, priority int) registry.Candidate {
	return registry.Candidate{
		Provider: &registry.Provider{ID: id, Priority: priority},
		Mapping:  registry.ModelMapping{ExternalID: "m", InternalID: "m"},
	}
}

func ids(cands []registry.Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Provider.ID
	}
	return out
}

func TestOrderCandidates_PriorityDescending(t *testing.T) {
	cb := testCB()
	inflight := newInflightCounter()

	got := orderCandidates([]registry.Candidate{
		cand("low", 1), cand("high", 10), cand("mid", 5),
	}, cb, inflight)

	want := []string{"high", "mid", "low"}
	for i, id := range ids(got) {
		if id != want[i] {
			t.Fatalf("order = %v, want %v", ids(got), want)
		}
	}
}

func TestOrderCandidates_BreakerPartitions(t *testing.T) {
	cb := testCB()
	inflight := newInflightCounter()

	// Trip "tripped" fully open and move "probing" to half-open.
	for i := 0; i < 3; i++ {
		cb.RecordFailure("tripped", adapters.KindTransient)
		cb.RecordFailure("probing", adapters.KindTransient)
	}
	time.Sleep(30 * time.Millisecond)
	if !cb.Allow("probing") {
		t.Fatal("probe should be admitted after cooldown")
	}

	// "tripped" has the highest priority but an open breaker; it must sort
	// behind every healthy candidate.
	got := orderCandidates([]registry.Candidate{
		cand("tripped", 100), cand("healthy", 1), cand("probing", 50),
	}, cb, inflight)

	want := []string{"healthy", "probing", "tripped"}
	for i, id := range ids(got) {
		if id != want[i] {
			t.Fatalf("order = %v, want %v", ids(got), want)
		}
	}
}

func TestOrderCandidates_ForcedOpenDropped(t *testing.T) {
	cb := testCB()
	inflight := newInflightCounter()

	cb.RecordFailure("broken", adapters.KindConfig)

	got := orderCandidates([]registry.Candidate{
		cand("broken", 100), cand("ok", 1),
	}, cb, inflight)

	if len(got) != 1 || got[0].Provider.ID != "ok" {
		t.Errorf("forced-open provider should be dropped, got %v", ids(got))
	}
}

func TestOrderCandidates_ErrorRateBreaksTies(t *testing.T) {
	cb := testCB()
	inflight := newInflightCounter()

	// Same priority; "flaky" has a worse windowed error rate.
	cb.RecordSuccess("flaky")
	cb.RecordFailure("flaky", adapters.KindTransient)
	cb.RecordSuccess("steady")
	cb.RecordSuccess("steady")

	got := orderCandidates([]registry.Candidate{
		cand("flaky", 5), cand("steady", 5),
	}, cb, inflight)

	if got[0].Provider.ID != "steady" {
		t.Errorf("lower error rate should sort first, got %v", ids(got))
	}
}

func TestOrderCandidates_InflightBreaksTies(t *testing.T) {
	cb := testCB()
	inflight := newInflightCounter()

	inflight.inc("busy")
	inflight.inc("busy")
	inflight.inc("idle")
	inflight.dec("idle")

	got := orderCandidates([]registry.Candidate{
		cand("busy", 5), cand("idle", 5),
	}, cb, inflight)

	if got[0].Provider.ID != "idle" {
		t.Errorf("idle provider should sort first, got %v", ids(got))
	}
}

func TestOrderCandidates_Empty(t *testing.T) {
	got := orderCandidates(nil, testCB(), newInflightCounter())
	if len(got) != 0 {
		t.Errorf("expected empty result, got %v", ids(got))
	}
}

func TestInflightCounter_NeverNegative(t *testing.T) {
	c := newInflightCounter()
	c.dec("p1")
	if got := c.get("p1"); got != 0 {
		t.Errorf("count should not go negative, got %d", got)
	}
	c.inc("p1")
	c.inc("p1")
	c.dec("p1")
	if got := c.get("p1"); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
}
