// Package adapters defines the common interface and types implemented by all
// upstream adapter variants (CLI, HTTP-SDK, Proxy, Local).
//
// Each variant lives in its own sub-package. Adapters receive immutable,
// provider-qualified requests: validation and external→internal model id
// substitution have already happened in the dispatcher. Adapters never own
// provider records; they are constructed from a config snapshot and hold no
// mutable shared state.
package adapters

import "context"

// Variant tags. The variant of a provider decides which config record is
// valid and which adapter implementation serves it.
const (
	VariantCLI   = "cli"
	VariantHTTP  = "httpsdk"
	VariantProxy = "proxy"
	VariantLocal = "local"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage — token usage stats as reported by the upstream. Zero when the
	// upstream does not report usage; the normalizer fills in zeros.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	}

	// ChatRequest is a provider-qualified chat completion request. Model is
	// the provider's internal model id.
	ChatRequest struct {
		Model       string    `json:"model"`
		Messages    []Message `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
		Stream      bool      `json:"stream,omitempty"`
		RequestID   string    `json:"-"`
	}

	// ChatResponse is the adapter-normalized non-streaming result.
	ChatResponse struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
	}

	// StreamChunk is one incremental piece of a streaming chat completion.
	// The sequence is finite and non-restartable; channel close is the
	// terminal sentinel. A chunk with Err != nil is the last chunk and is
	// surfaced to the caller in-band (finish_reason "error").
	StreamChunk struct {
		Content      string
		FinishReason string
		Err          error
	}

	// EmbeddingsRequest is a provider-qualified embeddings request.
	// Input always has at least one element.
	EmbeddingsRequest struct {
		Model     string
		Input     []string
		RequestID string
	}

	// EmbeddingsResponse carries one vector per input, in input order.
	EmbeddingsResponse struct {
		Model   string
		Vectors [][]float32
		Usage   Usage
	}

	// ModelInfo is one entry of an upstream model catalog.
	ModelInfo struct {
		ID      string
		OwnedBy string
	}
)

// Adapter executes requests against one class of upstream.
//
// All operations observe ctx for cancellation and deadlines. Errors are
// *adapters.Error values so the dispatcher can classify them for retry and
// breaker decisions; any other error is treated as transient.
type Adapter interface {
	// Variant returns the adapter variant tag (cli, httpsdk, proxy, local).
	Variant() string

	// ChatCompletion executes a non-streaming chat completion.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatCompletionStream starts a streaming chat completion and returns a
	// lazily produced chunk sequence. Ownership of the channel transfers to
	// the caller; the adapter closes it when the upstream stream ends or ctx
	// is cancelled.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Embeddings executes an embeddings request.
	Embeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResponse, error)

	// HealthProbe issues a cheap synthetic request against the upstream.
	// Also used by the admin test-connection operation, which bypasses
	// rate limiting entirely.
	HealthProbe(ctx context.Context) error

	// ListModels fetches the upstream model catalog.
	ListModels(ctx context.Context) ([]ModelInfo, error)
}
