package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaymux/relaymux/internal/store"
)

func newTestAuth(t *testing.T) (*Authenticator, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, "test-salt"), st
}

func putKey(t *testing.T, a *Authenticator, st *store.MemoryStore, raw string, mutate func(*store.APIKeyRecord)) {
	t.Helper()
	rec := &store.APIKeyRecord{
		ID:     "key-" + raw,
		Hash:   a.HashKey(raw),
		Prefix: raw[:min(8, len(raw))],
		Owner:  "tester",
	}
	if mutate != nil {
		mutate(rec)
	}
	if err := st.PutAPIKey(context.Background(), rec); err != nil {
		t.Fatalf("put key: %v", err)
	}
}

func TestHashKey_Deterministic(t *testing.T) {
	a, _ := newTestAuth(t)
	if a.HashKey("rmx-abc") != a.HashKey("rmx-abc") {
		t.Error("same input should hash identically")
	}
	if a.HashKey("rmx-abc") == a.HashKey("rmx-abd") {
		t.Error("different inputs should not collide")
	}

	b := New(store.NewMemoryStore(), "other-salt")
	if a.HashKey("rmx-abc") == b.HashKey("rmx-abc") {
		t.Error("salt should change the digest")
	}
}

func TestAuthenticate_ValidKey(t *testing.T) {
	a, st := newTestAuth(t)
	putKey(t, a, st, "rmx-good-key", func(rec *store.APIKeyRecord) {
		rec.RPMLimit = 60
		rec.TPMLimit = 10000
	})

	id, err := a.Authenticate(context.Background(), "rmx-good-key", "10.0.0.1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.KeyID != "key-rmx-good-key" {
		t.Errorf("key id = %q", id.KeyID)
	}
	if id.RPMLimit != 60 || id.TPMLimit != 10000 {
		t.Errorf("limits = %d/%d", id.RPMLimit, id.TPMLimit)
	}
}

func TestAuthenticate_FailuresAreUniform(t *testing.T) {
	a, st := newTestAuth(t)
	putKey(t, a, st, "rmx-revoked", func(rec *store.APIKeyRecord) { rec.Revoked = true })
	putKey(t, a, st, "rmx-expired", func(rec *store.APIKeyRecord) {
		rec.ExpiresAt = time.Now().Add(-time.Hour)
	})

	// Unknown, revoked, and expired all yield the same error so a prober
	// learns nothing about key state.
	for _, raw := range []string{"", "rmx-unknown", "rmx-revoked", "rmx-expired"} {
		if _, err := a.Authenticate(context.Background(), raw, "10.0.0.1"); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: expected ErrInvalidKey, got %v", raw, err)
		}
	}
}

func TestAuthenticate_NotYetExpired(t *testing.T) {
	a, st := newTestAuth(t)
	putKey(t, a, st, "rmx-fresh", func(rec *store.APIKeyRecord) {
		rec.ExpiresAt = time.Now().Add(time.Hour)
	})
	if _, err := a.Authenticate(context.Background(), "rmx-fresh", "10.0.0.1"); err != nil {
		t.Errorf("unexpired key rejected: %v", err)
	}
}

func TestAuthenticate_IPAllowlist(t *testing.T) {
	a, st := newTestAuth(t)
	putKey(t, a, st, "rmx-pinned", func(rec *store.APIKeyRecord) {
		rec.IPAllowlist = []string{"10.0.0.1", "192.168.0.0/16"}
	})

	cases := []struct {
		ip string
		ok bool
	}{
		{"10.0.0.1", true},    // literal match
		{"192.168.5.9", true}, // CIDR match
		{"10.0.0.2", false},   // outside both
		{"not-an-ip", false},  // unparseable source
	}
	for _, c := range cases {
		_, err := a.Authenticate(context.Background(), "rmx-pinned", c.ip)
		if c.ok && err != nil {
			t.Errorf("ip %s: expected allow, got %v", c.ip, err)
		}
		if !c.ok && !errors.Is(err, ErrIPDenied) {
			t.Errorf("ip %s: expected ErrIPDenied, got %v", c.ip, err)
		}
	}
}

func TestIdentity_Permissions(t *testing.T) {
	a, st := newTestAuth(t)
	putKey(t, a, st, "rmx-open", nil)
	putKey(t, a, st, "rmx-narrow", func(rec *store.APIKeyRecord) {
		rec.Permissions = []string{PermChat, PermModels}
	})

	open, err := a.Authenticate(context.Background(), "rmx-open", "1.1.1.1")
	if err != nil {
		t.Fatal(err)
	}
	// No permission list: everything except admin.
	for _, p := range []string{PermChat, PermEmbeddings, PermModels} {
		if !open.Can(p) {
			t.Errorf("open key should carry %s", p)
		}
	}
	if open.Can(PermAdmin) {
		t.Error("open key should not carry admin")
	}

	narrow, err := a.Authenticate(context.Background(), "rmx-narrow", "1.1.1.1")
	if err != nil {
		t.Fatal(err)
	}
	if !narrow.Can(PermChat) || !narrow.Can(PermModels) {
		t.Error("narrow key should carry its listed permissions")
	}
	if narrow.Can(PermEmbeddings) || narrow.Can(PermAdmin) {
		t.Error("narrow key should not carry unlisted permissions")
	}
}

func TestIdentity_ModelPolicy(t *testing.T) {
	a, st := newTestAuth(t)
	putKey(t, a, st, "rmx-models", func(rec *store.APIKeyRecord) {
		rec.AllowedModels = []string{"gpt-4o", "/^claude-.*/"}
	})

	id, err := a.Authenticate(context.Background(), "rmx-models", "1.1.1.1")
	if err != nil {
		t.Fatal(err)
	}
	if !id.AllowsModel("gpt-4o") {
		t.Error("exact rule should match")
	}
	if !id.AllowsModel("claude-sonnet") {
		t.Error("regex rule should match")
	}
	if id.AllowsModel("gpt-4o-mini") {
		t.Error("exact rule should not prefix-match")
	}
	if id.AllowsModel("llama3") {
		t.Error("unlisted model should be denied")
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer rmx-key", "rmx-key"},
		{"bearer rmx-key", "rmx-key"}, // scheme is case-insensitive
		{"Bearer   rmx-key  ", "rmx-key"},
		{"Basic dXNlcg==", ""},
		{"rmx-key", ""},
		{"", ""},
		{"Bearer ", ""},
	}
	for _, c := range cases {
		if got := BearerToken(c.header); got != c.want {
			t.Errorf("BearerToken(%q) = %q, want %q", c.header, got, c.want)
		}
	}
}

func TestModelFilter(t *testing.T) {
	var nilFilter *ModelFilter
	if !nilFilter.Allows("anything") {
		t.Error("nil filter should allow everything")
	}
	if nilFilter.Len() != 0 {
		t.Error("nil filter has no rules")
	}

	mf, err := NewModelFilter([]string{"gpt-4o", "/gpt-3\\.5.*/", ""})
	if err != nil {
		t.Fatal(err)
	}
	if mf.Len() != 2 {
		t.Errorf("empty rule should be skipped, Len = %d", mf.Len())
	}
	if !mf.Allows("gpt-4o") || !mf.Allows("gpt-3.5-turbo") {
		t.Error("configured rules should match")
	}
	if mf.Allows("gpt-4") {
		t.Error("unmatched model should be denied")
	}

	if _, err := NewModelFilter([]string{"/[broken/"}); err == nil {
		t.Error("invalid pattern should fail to compile")
	}

	empty, err := NewModelFilter(nil)
	if err != nil {
		t.Fatal(err)
	}
	if empty != nil {
		t.Error("no rules should yield a nil (allow-all) filter")
	}
}
