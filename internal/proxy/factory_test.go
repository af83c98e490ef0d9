package proxy

import (
	"context"
	"strings"
	"testing"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/registry"
)

func TestAdapterFactory_UnknownVariant(t *testing.T) {
	f := NewAdapterFactory(nil, nil)
	_, err := f.Adapter(context.Background(), &registry.Provider{ID: "p1", Variant: "ftp"})
	if err == nil {
		t.Fatal("unknown variant should fail")
	}
	if adapters.KindOf(err) != adapters.KindConfig {
		t.Errorf("kind = %v, want config", adapters.KindOf(err))
	}
	if !strings.Contains(err.Error(), `"ftp"`) {
		t.Errorf("error should name the variant, got %v", err)
	}
}

func TestAdapterFactory_MissingVariantConfig(t *testing.T) {
	f := NewAdapterFactory(nil, nil)
	for _, variant := range []string{
		adapters.VariantCLI, adapters.VariantHTTP, adapters.VariantProxy, adapters.VariantLocal,
	} {
		_, err := f.Adapter(context.Background(), &registry.Provider{ID: "p1", Variant: variant})
		if adapters.KindOf(err) != adapters.KindConfig {
			t.Errorf("%s without config: kind = %v, want config", variant, adapters.KindOf(err))
		}
	}
}
