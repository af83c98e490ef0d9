// Package registry owns provider records and hands out immutable snapshots.
//
// Mutations (admin CRUD) build a fresh snapshot and publish it with an atomic
// pointer swap; in-flight requests keep the snapshot they captured at
// admission. Long-lived per-provider state (breaker, counters) is keyed by
// stable provider id elsewhere, never by snapshot pointer.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/store"
)

type (
	// ModelMapping bridges the gateway's model namespace and a provider's.
	ModelMapping struct {
		ExternalID         string  `json:"external_id"`
		InternalID         string  `json:"internal_id"`
		MaxTokens          int     `json:"max_tokens"`
		ContextWindow      int     `json:"context_window"`
		SupportsStreaming  bool    `json:"supports_streaming"`
		SupportsEmbeddings bool    `json:"supports_embeddings"`
		CostPerToken       float64 `json:"cost_per_token,omitempty"`
		RPMLimit           int     `json:"rpm_limit,omitempty"`
	}

	// CLIConfig configures the sandboxed child-process variant. Command and
	// Args are operator-vetted; caller content never reaches them.
	CLIConfig struct {
		Command        string   `json:"command"`
		Args           []string `json:"args,omitempty"`
		Image          string   `json:"image"`
		TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
		MemoryMB       int      `json:"memory_mb,omitempty"`
		CPUs           float64  `json:"cpus,omitempty"`
	}

	// HTTPConfig configures the HTTP-SDK variant.
	HTTPConfig struct {
		BaseURL        string `json:"base_url"`
		Dialect        string `json:"dialect"` // openai | anthropic | gemini
		AuthMode       string `json:"auth_mode"`
		APIKeyRef      string `json:"api_key_ref,omitempty"` // secrets reference, never the key itself
		HeaderName     string `json:"header_name,omitempty"`
		Username       string `json:"username,omitempty"`
		PasswordRef    string `json:"password_ref,omitempty"`
		MaxSockets     int    `json:"max_sockets,omitempty"`
		TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	}

	// ProxyConfig configures the pass-through variant.
	ProxyConfig struct {
		TargetURL      string   `json:"target_url"`
		APIKeyRef      string   `json:"api_key_ref,omitempty"`
		ForwardHeaders []string `json:"forward_headers,omitempty"`
		TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	}

	// LocalConfig configures the loopback/LAN variant. The service type is
	// auto-detected on first use and cached until the provider is edited.
	LocalConfig struct {
		BaseURL        string `json:"base_url"`
		TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	}

	// Provider is one configured upstream. The Variant tag decides which
	// config record is valid.
	Provider struct {
		ID       string         `json:"id"`
		Name     string         `json:"name"`
		Variant  string         `json:"variant"`
		Enabled  bool           `json:"enabled"`
		Priority int            `json:"priority"`
		Tags     []string       `json:"tags,omitempty"`
		CLI      *CLIConfig     `json:"cli,omitempty"`
		HTTP     *HTTPConfig    `json:"http,omitempty"`
		Proxy    *ProxyConfig   `json:"proxy,omitempty"`
		Local    *LocalConfig   `json:"local,omitempty"`
		Mappings []ModelMapping `json:"mappings"`
	}

	// Candidate pairs a provider with the mapping that matched a model id.
	Candidate struct {
		Provider *Provider
		Mapping  ModelMapping
	}

	// Snapshot is an immutable view of all providers. Never mutate one.
	Snapshot struct {
		Version   int64
		Providers []*Provider
		byID      map[string]*Provider
		byModel   map[string][]Candidate
	}
)

// Registry publishes provider snapshots and writes mutations through to the
// persistent store.
type Registry struct {
	snap atomic.Pointer[Snapshot]

	mu      sync.Mutex // serializes mutations, not reads
	store   store.Store
	version int64
}

// New creates an empty registry backed by st. Call Load to populate it.
func New(st store.Store) *Registry {
	r := &Registry{store: st}
	r.snap.Store(buildSnapshot(0, nil))
	return r
}

// Load replaces the snapshot with the provider list from the store.
// Also called periodically (every 30s) to tolerate external writes.
func (r *Registry) Load(ctx context.Context) error {
	recs, err := r.store.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}
	provs := make([]*Provider, 0, len(recs))
	for _, rec := range recs {
		p, err := fromRecord(rec)
		if err != nil {
			return fmt.Errorf("registry: decode provider %q: %w", rec.ID, err)
		}
		provs = append(provs, p)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++
	r.snap.Store(buildSnapshot(r.version, provs))
	return nil
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Register validates and adds a new provider.
func (r *Registry) Register(ctx context.Context, p *Provider) error {
	if err := Validate(p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snap.Load()
	if _, ok := snap.byID[p.ID]; ok {
		return fmt.Errorf("registry: provider %q already exists", p.ID)
	}
	if err := r.store.PutProvider(ctx, toRecord(p)); err != nil {
		return fmt.Errorf("registry: persist %q: %w", p.ID, err)
	}
	r.publish(append(clone(snap.Providers), p.Clone()))
	return nil
}

// Update replaces an existing provider record.
func (r *Registry) Update(ctx context.Context, p *Provider) error {
	if err := Validate(p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snap.Load()
	if _, ok := snap.byID[p.ID]; !ok {
		return fmt.Errorf("registry: provider %q not found", p.ID)
	}
	if err := r.store.PutProvider(ctx, toRecord(p)); err != nil {
		return fmt.Errorf("registry: persist %q: %w", p.ID, err)
	}
	next := clone(snap.Providers)
	for i, old := range next {
		if old.ID == p.ID {
			next[i] = p.Clone()
		}
	}
	r.publish(next)
	return nil
}

// Delete removes a provider. Breaker state and usage counters for the id are
// left to expire on their own.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snap.Load()
	if _, ok := snap.byID[id]; !ok {
		return fmt.Errorf("registry: provider %q not found", id)
	}
	if err := r.store.DeleteProvider(ctx, id); err != nil {
		return fmt.Errorf("registry: delete %q: %w", id, err)
	}
	next := make([]*Provider, 0, len(snap.Providers)-1)
	for _, p := range snap.Providers {
		if p.ID != id {
			next = append(next, p.Clone())
		}
	}
	r.publish(next)
	return nil
}

// SetEnabled flips the enabled flag. Disabling removes the provider from
// resolution but preserves its counters.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snap.Load()
	cur, ok := snap.byID[id]
	if !ok {
		return fmt.Errorf("registry: provider %q not found", id)
	}
	p := cur.Clone()
	p.Enabled = enabled
	if err := r.store.PutProvider(ctx, toRecord(p)); err != nil {
		return fmt.Errorf("registry: persist %q: %w", id, err)
	}
	next := clone(snap.Providers)
	for i, old := range next {
		if old.ID == id {
			next[i] = p
		}
	}
	r.publish(next)
	return nil
}

// WatchStore re-loads the snapshot every interval until ctx is cancelled.
// Keeps a multi-replica deployment within 30s of external store writes.
func (r *Registry) WatchStore(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Load(ctx)
		}
	}
}

// publish must be called with r.mu held.
func (r *Registry) publish(provs []*Provider) {
	r.version++
	r.snap.Store(buildSnapshot(r.version, provs))
}

// Get returns the provider with the given id from the current snapshot.
func (s *Snapshot) Get(id string) (*Provider, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// Candidates returns all enabled providers exposing the external model id,
// sorted by descending priority. The dispatcher refines the order with
// breaker state and load before use.
func (s *Snapshot) Candidates(externalModel string) []Candidate {
	return s.byModel[externalModel]
}

// ModelIDs returns the sorted union of external model ids across enabled
// providers. Serves GET /v1/models.
func (s *Snapshot) ModelIDs() []string {
	ids := make([]string, 0, len(s.byModel))
	for id := range s.byModel {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the structural invariants of a provider record.
func Validate(p *Provider) error {
	if p.ID == "" {
		return fmt.Errorf("registry: provider id is required")
	}
	if len(p.Mappings) == 0 {
		return fmt.Errorf("registry: provider %q needs at least one model mapping", p.ID)
	}
	seen := make(map[string]bool, len(p.Mappings))
	for _, m := range p.Mappings {
		if m.ExternalID == "" || m.InternalID == "" {
			return fmt.Errorf("registry: provider %q has a mapping with empty model id", p.ID)
		}
		if seen[m.ExternalID] {
			return fmt.Errorf("registry: provider %q maps %q twice", p.ID, m.ExternalID)
		}
		seen[m.ExternalID] = true
	}
	switch p.Variant {
	case adapters.VariantCLI:
		if p.CLI == nil || p.CLI.Command == "" || p.CLI.Image == "" {
			return fmt.Errorf("registry: provider %q: cli variant needs command and image", p.ID)
		}
	case adapters.VariantHTTP:
		if p.HTTP == nil || p.HTTP.BaseURL == "" {
			return fmt.Errorf("registry: provider %q: httpsdk variant needs base_url", p.ID)
		}
	case adapters.VariantProxy:
		if p.Proxy == nil || p.Proxy.TargetURL == "" {
			return fmt.Errorf("registry: provider %q: proxy variant needs target_url", p.ID)
		}
	case adapters.VariantLocal:
		if p.Local == nil || p.Local.BaseURL == "" {
			return fmt.Errorf("registry: provider %q: local variant needs base_url", p.ID)
		}
	default:
		return fmt.Errorf("registry: provider %q: unknown variant %q", p.ID, p.Variant)
	}
	return nil
}

// Clone returns a deep copy safe to mutate.
func (p *Provider) Clone() *Provider {
	cp := *p
	cp.Tags = append([]string(nil), p.Tags...)
	cp.Mappings = append([]ModelMapping(nil), p.Mappings...)
	if p.CLI != nil {
		c := *p.CLI
		c.Args = append([]string(nil), p.CLI.Args...)
		cp.CLI = &c
	}
	if p.HTTP != nil {
		c := *p.HTTP
		cp.HTTP = &c
	}
	if p.Proxy != nil {
		c := *p.Proxy
		c.ForwardHeaders = append([]string(nil), p.Proxy.ForwardHeaders...)
		cp.Proxy = &c
	}
	if p.Local != nil {
		c := *p.Local
		cp.Local = &c
	}
	return &cp
}

// Mapping returns the mapping for the given external model id.
func (p *Provider) Mapping(externalModel string) (ModelMapping, bool) {
	for _, m := range p.Mappings {
		if m.ExternalID == externalModel {
			return m, true
		}
	}
	return ModelMapping{}, false
}

func buildSnapshot(version int64, provs []*Provider) *Snapshot {
	s := &Snapshot{
		Version:   version,
		Providers: provs,
		byID:      make(map[string]*Provider, len(provs)),
		byModel:   make(map[string][]Candidate),
	}
	for _, p := range provs {
		s.byID[p.ID] = p
		if !p.Enabled || len(p.Mappings) == 0 {
			continue
		}
		for _, m := range p.Mappings {
			s.byModel[m.ExternalID] = append(s.byModel[m.ExternalID], Candidate{Provider: p, Mapping: m})
		}
	}
	// Priority order is fixed per snapshot; breaker/load ordering happens
	// per request in the resolver.
	for model := range s.byModel {
		cands := s.byModel[model]
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].Provider.Priority > cands[j].Provider.Priority
		})
	}
	return s
}

func toRecord(p *Provider) *store.ProviderRecord {
	data, _ := json.Marshal(p)
	return &store.ProviderRecord{ID: p.ID, Enabled: p.Enabled, Data: data}
}

func fromRecord(rec *store.ProviderRecord) (*Provider, error) {
	var p Provider
	if err := json.Unmarshal(rec.Data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func clone(provs []*Provider) []*Provider {
	out := make([]*Provider, len(provs))
	for i, p := range provs {
		out[i] = p.Clone()
	}
	return out
}
