// Package local implements the loopback adapter variant for services running
// on the same host or LAN (Ollama, llama.cpp server, vLLM and similar). The
// wire protocol is auto-detected on first use by probing well-known paths and
// cached for the adapter's lifetime; editing the provider rebuilds the
// adapter and re-runs detection.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/registry"
)

const defaultTimeout = 120 * time.Second

// Detected service kinds.
const (
	kindUnknown = ""
	kindOpenAI  = "openai" // llama.cpp server, vLLM, LocalAI
	kindOllama  = "ollama"
)

// Adapter talks to a local inference service.
type Adapter struct {
	name   string
	base   string
	client *http.Client

	mu   sync.Mutex
	kind string
}

// New creates a local Adapter. No credential material is involved; local
// services are reached over the operator's own network.
func New(providerName string, cfg registry.LocalConfig) *Adapter {
	return &Adapter{
		name:   providerName,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{Timeout: timeoutFor(cfg)},
	}
}

func timeoutFor(cfg registry.LocalConfig) time.Duration {
	if cfg.TimeoutSeconds > 0 {
		return time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return defaultTimeout
}

func (a *Adapter) Variant() string { return adapters.VariantLocal }

// detect probes well-known catalog paths to classify the service. The result
// sticks until the adapter is rebuilt.
func (a *Adapter) detect(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.kind != kindUnknown {
		return a.kind, nil
	}

	probes := []struct {
		path string
		kind string
	}{
		{"/api/tags", kindOllama},
		{"/v1/models", kindOpenAI},
		{"/models", kindOpenAI},
	}
	for _, p := range probes {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+p.path, nil)
		if err != nil {
			continue
		}
		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return kindUnknown, adapters.WrapErr(a.name, adapters.KindTransient, ctx.Err())
			}
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			a.kind = p.kind
			return a.kind, nil
		}
	}
	return kindUnknown, adapters.Errf(a.name, adapters.KindTransient,
		"no known service detected at %s", a.base)
}

func (a *Adapter) ChatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	kind, err := a.detect(ctx)
	if err != nil {
		return nil, err
	}
	if kind == kindOllama {
		return a.ollamaChat(ctx, req)
	}
	return a.openaiChat(ctx, req)
}

func (a *Adapter) ChatCompletionStream(ctx context.Context, req *adapters.ChatRequest) (<-chan adapters.StreamChunk, error) {
	kind, err := a.detect(ctx)
	if err != nil {
		return nil, err
	}
	if kind == kindOllama {
		return a.ollamaChatStream(ctx, req)
	}
	return a.openaiChatStream(ctx, req)
}

func (a *Adapter) Embeddings(ctx context.Context, req *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	kind, err := a.detect(ctx)
	if err != nil {
		return nil, err
	}
	if kind == kindOllama {
		return a.ollamaEmbed(ctx, req)
	}
	return a.openaiEmbed(ctx, req)
}

func (a *Adapter) HealthProbe(ctx context.Context) error {
	a.mu.Lock()
	a.kind = kindUnknown // force re-detection; the service may have changed
	a.mu.Unlock()
	_, err := a.detect(ctx)
	return err
}

func (a *Adapter) ListModels(ctx context.Context) ([]adapters.ModelInfo, error) {
	kind, err := a.detect(ctx)
	if err != nil {
		return nil, err
	}
	if kind == kindOllama {
		return a.ollamaListModels(ctx)
	}
	return a.openaiListModels(ctx)
}

func (a *Adapter) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindConfig, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindConfig, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, adapters.FromHTTPStatus(a.name, resp.StatusCode,
			fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, path))
	}
	return resp, nil
}
