package registry_test

import (
	"context"
	"testing"

	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/store"
)

func localProvider(id string, priority int, models ...string) *registry.Provider {
	p := &registry.Provider{
		ID:       id,
		Name:     id,
		Variant:  "local",
		Enabled:  true,
		Priority: priority,
		Local:    &registry.LocalConfig{BaseURL: "http://127.0.0.1:11434"},
	}
	for _, m := range models {
		p.Mappings = append(p.Mappings, registry.ModelMapping{
			ExternalID: m, InternalID: m + "-internal", SupportsStreaming: true,
		})
	}
	return p
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(store.NewMemoryStore())
}

func TestValidate(t *testing.T) {
	if err := registry.Validate(localProvider("p1", 1, "m1")); err != nil {
		t.Errorf("valid provider rejected: %v", err)
	}

	cases := []struct {
		name string
		p    *registry.Provider
	}{
		{"missing id", &registry.Provider{Variant: "local"}},
		{"no mappings", &registry.Provider{ID: "p", Variant: "local",
			Local: &registry.LocalConfig{BaseURL: "http://x"}}},
		{"empty model id", &registry.Provider{ID: "p", Variant: "local",
			Local:    &registry.LocalConfig{BaseURL: "http://x"},
			Mappings: []registry.ModelMapping{{ExternalID: "m"}}}},
		{"duplicate mapping", &registry.Provider{ID: "p", Variant: "local",
			Local: &registry.LocalConfig{BaseURL: "http://x"},
			Mappings: []registry.ModelMapping{
				{ExternalID: "m", InternalID: "a"},
				{ExternalID: "m", InternalID: "b"},
			}}},
		{"unknown variant", &registry.Provider{ID: "p", Variant: "carrier-pigeon",
			Mappings: []registry.ModelMapping{{ExternalID: "m", InternalID: "m"}}}},
		{"cli without image", &registry.Provider{ID: "p", Variant: "cli",
			CLI:      &registry.CLIConfig{Command: "llm"},
			Mappings: []registry.ModelMapping{{ExternalID: "m", InternalID: "m"}}}},
		{"httpsdk without base url", &registry.Provider{ID: "p", Variant: "httpsdk",
			HTTP:     &registry.HTTPConfig{Dialect: "openai"},
			Mappings: []registry.ModelMapping{{ExternalID: "m", InternalID: "m"}}}},
		{"proxy without target", &registry.Provider{ID: "p", Variant: "proxy",
			Proxy:    &registry.ProxyConfig{},
			Mappings: []registry.ModelMapping{{ExternalID: "m", InternalID: "m"}}}},
		{"local without base url", &registry.Provider{ID: "p", Variant: "local",
			Local:    &registry.LocalConfig{},
			Mappings: []registry.ModelMapping{{ExternalID: "m", InternalID: "m"}}}},
	}
	for _, c := range cases {
		if err := registry.Validate(c.p); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, localProvider("p1", 1, "gpt-4o", "embed")); err != nil {
		t.Fatalf("register: %v", err)
	}

	snap := r.Snapshot()
	if _, ok := snap.Get("p1"); !ok {
		t.Fatal("registered provider should be in the snapshot")
	}

	cands := snap.Candidates("gpt-4o")
	if len(cands) != 1 || cands[0].Provider.ID != "p1" {
		t.Fatalf("candidates = %+v", cands)
	}
	if cands[0].Mapping.InternalID != "gpt-4o-internal" {
		t.Errorf("mapping internal id = %q", cands[0].Mapping.InternalID)
	}
	if len(snap.Candidates("unknown")) != 0 {
		t.Error("unknown model should have no candidates")
	}
}

func TestRegistry_RejectsDuplicateID(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, localProvider("p1", 1, "m")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ctx, localProvider("p1", 2, "m")); err == nil {
		t.Error("duplicate id should be rejected")
	}
}

func TestRegistry_CandidatesSortedByPriority(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, localProvider("low", 1, "m"))
	r.Register(ctx, localProvider("high", 10, "m"))
	r.Register(ctx, localProvider("mid", 5, "m"))

	cands := r.Snapshot().Candidates("m")
	want := []string{"high", "mid", "low"}
	for i, c := range cands {
		if c.Provider.ID != want[i] {
			got := make([]string, len(cands))
			for j, cc := range cands {
				got[j] = cc.Provider.ID
			}
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestRegistry_Update(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, localProvider("p1", 1, "old-model"))

	updated := localProvider("p1", 2, "new-model")
	if err := r.Update(ctx, updated); err != nil {
		t.Fatalf("update: %v", err)
	}

	snap := r.Snapshot()
	if len(snap.Candidates("old-model")) != 0 {
		t.Error("old mapping should be gone")
	}
	if len(snap.Candidates("new-model")) != 1 {
		t.Error("new mapping should resolve")
	}

	if err := r.Update(ctx, localProvider("ghost", 1, "m")); err == nil {
		t.Error("updating a missing provider should fail")
	}
}

func TestRegistry_Delete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, localProvider("p1", 1, "m"))
	if err := r.Delete(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := r.Snapshot().Get("p1"); ok {
		t.Error("deleted provider should be gone")
	}
	if err := r.Delete(ctx, "p1"); err == nil {
		t.Error("double delete should fail")
	}
}

func TestRegistry_SetEnabled(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, localProvider("p1", 1, "m"))
	if err := r.SetEnabled(ctx, "p1", false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	snap := r.Snapshot()
	if len(snap.Candidates("m")) != 0 {
		t.Error("disabled provider should not resolve")
	}
	// The record itself stays visible for admin operations.
	if _, ok := snap.Get("p1"); !ok {
		t.Error("disabled provider should remain in the snapshot")
	}

	if err := r.SetEnabled(ctx, "p1", true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if len(r.Snapshot().Candidates("m")) != 1 {
		t.Error("re-enabled provider should resolve again")
	}
}

func TestRegistry_Load(t *testing.T) {
	st := store.NewMemoryStore()
	r := registry.New(st)
	ctx := context.Background()

	// Seed through one registry, load through a second sharing the store —
	// the path a replica takes on its periodic reload.
	if err := r.Register(ctx, localProvider("p1", 1, "m")); err != nil {
		t.Fatal(err)
	}

	r2 := registry.New(st)
	if err := r2.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := r2.Snapshot().Get("p1"); !ok {
		t.Error("loaded registry should see stored providers")
	}
}

func TestSnapshot_ModelIDs(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	r.Register(ctx, localProvider("p1", 1, "zeta", "alpha"))
	r.Register(ctx, localProvider("p2", 1, "alpha", "mid"))

	ids := r.Snapshot().ModelIDs()
	want := []string{"alpha", "mid", "zeta"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want sorted union %v", ids, want)
		}
	}
}

func TestProvider_CloneIsDeep(t *testing.T) {
	p := localProvider("p1", 1, "m")
	p.Tags = []string{"gpu"}
	p.CLI = &registry.CLIConfig{Command: "llm", Image: "img", Args: []string{"-q"}}

	cp := p.Clone()
	cp.Mappings[0].ExternalID = "changed"
	cp.Tags[0] = "cpu"
	cp.CLI.Args[0] = "-v"
	cp.Local.BaseURL = "http://other"

	if p.Mappings[0].ExternalID != "m" {
		t.Error("clone should not share mappings")
	}
	if p.Tags[0] != "gpu" {
		t.Error("clone should not share tags")
	}
	if p.CLI.Args[0] != "-q" {
		t.Error("clone should not share cli args")
	}
	if p.Local.BaseURL != "http://127.0.0.1:11434" {
		t.Error("clone should not share local config")
	}
}

func TestProvider_Mapping(t *testing.T) {
	p := localProvider("p1", 1, "m1", "m2")
	m, ok := p.Mapping("m2")
	if !ok || m.InternalID != "m2-internal" {
		t.Errorf("mapping = %+v, %v", m, ok)
	}
	if _, ok := p.Mapping("nope"); ok {
		t.Error("unknown model should not map")
	}
}

func TestSnapshot_VersionAdvances(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	v0 := r.Snapshot().Version
	r.Register(ctx, localProvider("p1", 1, "m"))
	if v1 := r.Snapshot().Version; v1 <= v0 {
		t.Errorf("version should advance on mutation: %d -> %d", v0, v1)
	}
}
