package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaymux/relaymux/internal/adapters"
)

const catalogTTL = 5 * time.Minute

// Catalog caches per-provider model catalogs so GET /v1/models does not fan
// out to every upstream on each call.
type Catalog struct {
	c Cache
}

func NewCatalog(c Cache) *Catalog {
	return &Catalog{c: c}
}

func catalogKey(providerID string) string {
	return "catalog:" + providerID
}

// Get returns the cached catalog for a provider, or (nil, false).
func (cc *Catalog) Get(ctx context.Context, providerID string) ([]adapters.ModelInfo, bool) {
	raw, ok := cc.c.Get(ctx, catalogKey(providerID))
	if !ok {
		return nil, false
	}
	var models []adapters.ModelInfo
	if err := json.Unmarshal(raw, &models); err != nil {
		_ = cc.c.Delete(ctx, catalogKey(providerID))
		return nil, false
	}
	return models, true
}

// Put stores a provider's catalog.
func (cc *Catalog) Put(ctx context.Context, providerID string, models []adapters.ModelInfo) {
	raw, err := json.Marshal(models)
	if err != nil {
		return
	}
	_ = cc.c.Set(ctx, catalogKey(providerID), raw, catalogTTL)
}

// Invalidate drops a provider's cached catalog. Called when the provider
// record is edited.
func (cc *Catalog) Invalidate(ctx context.Context, providerID string) {
	_ = cc.c.Delete(ctx, catalogKey(providerID))
}
