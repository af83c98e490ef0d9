// Package httpsdk implements the HTTP adapter variant on top of the official
// provider SDKs. The wire dialect is selected per provider config: "openai"
// covers any OpenAI-compatible service (xAI, Groq, DeepSeek, Together AI,
// Perplexity, Cerebras, etc.), "anthropic" and "gemini" use their vendor SDKs.
//
// Credentials are resolved once at construction through the secrets backend;
// provider records only ever carry references.
package httpsdk

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/secrets"
)

const defaultTimeout = 60 * time.Second

// Auth modes accepted in HTTPConfig.AuthMode.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
	AuthBasic  = "basic"
)

// dialect is the per-wire-format implementation behind Adapter.
type dialect interface {
	chatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error)
	chatCompletionStream(ctx context.Context, req *adapters.ChatRequest) (<-chan adapters.StreamChunk, error)
	embeddings(ctx context.Context, req *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error)
	healthProbe(ctx context.Context) error
	listModels(ctx context.Context) ([]adapters.ModelInfo, error)
}

// Adapter speaks to an HTTP upstream through its official SDK.
type Adapter struct {
	name string
	d    dialect
}

// New resolves the provider's credential references and builds the dialect
// client. Unresolvable references and unknown dialects are config errors.
func New(ctx context.Context, providerName string, cfg registry.HTTPConfig, sec secrets.Backend) (*Adapter, error) {
	creds, err := resolveCredentials(ctx, cfg, sec)
	if err != nil {
		return nil, adapters.WrapErr(providerName, adapters.KindConfig, err)
	}

	httpClient := &http.Client{
		Timeout: timeoutFor(cfg),
		Transport: &http.Transport{
			MaxConnsPerHost:     maxSockets(cfg),
			MaxIdleConnsPerHost: maxSockets(cfg),
		},
	}

	var d dialect
	switch cfg.Dialect {
	case "", "openai":
		d, err = newOpenAIDialect(providerName, cfg, creds, httpClient)
	case "anthropic":
		d, err = newAnthropicDialect(providerName, cfg, creds, httpClient)
	case "gemini":
		d, err = newGeminiDialect(ctx, providerName, cfg, creds, httpClient)
	default:
		err = fmt.Errorf("unknown dialect %q", cfg.Dialect)
	}
	if err != nil {
		return nil, adapters.WrapErr(providerName, adapters.KindConfig, err)
	}

	return &Adapter{name: providerName, d: d}, nil
}

func (a *Adapter) Variant() string { return adapters.VariantHTTP }

func (a *Adapter) ChatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	return a.d.chatCompletion(ctx, req)
}

func (a *Adapter) ChatCompletionStream(ctx context.Context, req *adapters.ChatRequest) (<-chan adapters.StreamChunk, error) {
	return a.d.chatCompletionStream(ctx, req)
}

func (a *Adapter) Embeddings(ctx context.Context, req *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	return a.d.embeddings(ctx, req)
}

func (a *Adapter) HealthProbe(ctx context.Context) error {
	return a.d.healthProbe(ctx)
}

func (a *Adapter) ListModels(ctx context.Context) ([]adapters.ModelInfo, error) {
	return a.d.listModels(ctx)
}

// credentials is the resolved secret material for one provider.
type credentials struct {
	apiKey   string
	password string
}

func resolveCredentials(ctx context.Context, cfg registry.HTTPConfig, sec secrets.Backend) (credentials, error) {
	var creds credentials
	if cfg.APIKeyRef != "" {
		v, err := sec.Fetch(ctx, cfg.APIKeyRef)
		if err != nil {
			return creds, fmt.Errorf("resolve api key: %w", err)
		}
		creds.apiKey = string(v)
	}
	if cfg.PasswordRef != "" {
		v, err := sec.Fetch(ctx, cfg.PasswordRef)
		if err != nil {
			return creds, fmt.Errorf("resolve password: %w", err)
		}
		creds.password = string(v)
	}

	switch cfg.AuthMode {
	case "", AuthNone:
	case AuthBearer, AuthAPIKey:
		if creds.apiKey == "" {
			return creds, fmt.Errorf("auth mode %q requires api_key_ref", cfg.AuthMode)
		}
	case AuthBasic:
		if cfg.Username == "" || creds.password == "" {
			return creds, fmt.Errorf("auth mode basic requires username and password_ref")
		}
	default:
		return creds, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
	return creds, nil
}

func timeoutFor(cfg registry.HTTPConfig) time.Duration {
	if cfg.TimeoutSeconds > 0 {
		return time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return defaultTimeout
}

func maxSockets(cfg registry.HTTPConfig) int {
	if cfg.MaxSockets > 0 {
		return cfg.MaxSockets
	}
	return 32
}
