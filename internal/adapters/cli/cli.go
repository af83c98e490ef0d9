// Package cli implements the child-process adapter variant.
//
// The configured command runs inside a single-use sandbox container. The
// provider-qualified request is serialized to one JSON document and delivered
// on the child's stdin; the child answers with a JSON document on stdout
// (non-streaming) or newline-delimited JSON objects (streaming). Caller
// content never reaches argv or the environment.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/sandbox"
)

const defaultTimeout = 120 * time.Second

// Adapter executes requests through a sandboxed command.
type Adapter struct {
	name string
	cfg  registry.CLIConfig
	exec *sandbox.Executor
}

// New creates a CLI Adapter for one provider config snapshot.
func New(providerName string, cfg registry.CLIConfig, exec *sandbox.Executor) *Adapter {
	return &Adapter{name: providerName, cfg: cfg, exec: exec}
}

func (a *Adapter) Variant() string { return adapters.VariantCLI }

func (a *Adapter) timeout() time.Duration {
	if a.cfg.TimeoutSeconds > 0 {
		return time.Duration(a.cfg.TimeoutSeconds) * time.Second
	}
	return defaultTimeout
}

func (a *Adapter) spec(stdin []byte) sandbox.RunSpec {
	return sandbox.RunSpec{
		Image:   a.cfg.Image,
		Command: a.cfg.Command,
		Args:    a.cfg.Args,
		Stdin:   bytes.NewReader(stdin),
		Limits:  sandbox.Limits{MemoryMB: a.cfg.MemoryMB, CPUs: a.cfg.CPUs},
		Timeout: a.timeout(),
	}
}

func (a *Adapter) ChatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindConfig, err)
	}

	res, err := a.exec.Run(ctx, a.spec(payload))
	if err != nil {
		return nil, a.runError(err, res)
	}

	out, perr := parseChatOutput(res.Stdout)
	if perr != nil {
		if res.ExitCode != 0 {
			return nil, adapters.Errf(a.name, adapters.KindTransient,
				"child exited %d with unparsable stdout", res.ExitCode)
		}
		return nil, adapters.WrapErr(a.name, adapters.KindPermanent, perr)
	}

	return &adapters.ChatResponse{
		ID:           out.ID,
		Model:        firstNonEmpty(out.Model, req.Model),
		Content:      out.content(string(res.Stdout)),
		FinishReason: out.finishReason(),
		Usage: adapters.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		},
	}, nil
}

func (a *Adapter) ChatCompletionStream(ctx context.Context, req *adapters.ChatRequest) (<-chan adapters.StreamChunk, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindConfig, err)
	}

	stdout, wait, err := a.exec.StartStream(ctx, a.spec(payload))
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindTransient, err)
	}

	ch := make(chan adapters.StreamChunk)
	go func() {
		defer close(ch)
		defer stdout.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var frame cliChatOutput
			if err := json.Unmarshal(line, &frame); err != nil {
				ch <- adapters.StreamChunk{Err: adapters.WrapErr(a.name, adapters.KindPermanent, err)}
				break
			}
			chunk := adapters.StreamChunk{
				Content:      frame.content(""),
				FinishReason: frame.finishRaw(),
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				_ = wait()
				return
			}
		}

		if err := wait(); err != nil && ctx.Err() == nil {
			ch <- adapters.StreamChunk{Err: adapters.WrapErr(a.name, adapters.KindTransient, err)}
		}
	}()

	return ch, nil
}

func (a *Adapter) Embeddings(ctx context.Context, req *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	payload, err := json.Marshal(map[string]any{
		"model": req.Model,
		"input": req.Input,
	})
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindConfig, err)
	}

	res, err := a.exec.Run(ctx, a.spec(payload))
	if err != nil {
		return nil, a.runError(err, res)
	}
	if res.ExitCode != 0 {
		return nil, adapters.Errf(a.name, adapters.KindTransient,
			"child exited %d", res.ExitCode)
	}

	vectors, err := coerceVectors(res.Stdout)
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindPermanent, err)
	}
	return &adapters.EmbeddingsResponse{Model: req.Model, Vectors: vectors}, nil
}

// HealthProbe runs the command with a minimal probe document and a short
// deadline. Any completed run (even non-zero exit) proves the image and
// command are runnable; failure to launch marks the provider unhealthy.
func (a *Adapter) HealthProbe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	spec := a.spec([]byte(`{"probe":true}` + "\n"))
	spec.Timeout = 10 * time.Second
	if _, err := a.exec.Run(probeCtx, spec); err != nil {
		return adapters.WrapErr(a.name, adapters.KindConfig, err)
	}
	return nil
}

// ListModels — a CLI child has no catalog endpoint; the registry mappings are
// the catalog. Returns an empty list.
func (a *Adapter) ListModels(context.Context) ([]adapters.ModelInfo, error) {
	return nil, nil
}

func (a *Adapter) runError(err error, res *sandbox.RunResult) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return adapters.WrapErr(a.name, adapters.KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return adapters.WrapErr(a.name, adapters.KindCancelled, err)
	}
	return adapters.WrapErr(a.name, adapters.KindTransient, err)
}

// cliChatOutput is the tolerant child-output shape. Children may emit either
// a flat {content, finish_reason} document or an OpenAI-style envelope.
type cliChatOutput struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Choices      []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// content picks the first recognizable content field; when the document is
// valid JSON but carries none (e.g. the child echoed the request), the raw
// stdout is the content.
func (o *cliChatOutput) content(raw string) string {
	if o.Content != "" {
		return o.Content
	}
	for _, c := range o.Choices {
		if c.Message.Content != "" {
			return c.Message.Content
		}
		if c.Delta.Content != "" {
			return c.Delta.Content
		}
	}
	return strings.TrimRight(raw, "\n")
}

func (o *cliChatOutput) finishRaw() string {
	if o.FinishReason != "" {
		return o.FinishReason
	}
	for _, c := range o.Choices {
		if c.FinishReason != "" {
			return c.FinishReason
		}
	}
	return ""
}

func (o *cliChatOutput) finishReason() string {
	if fr := o.finishRaw(); fr != "" {
		return fr
	}
	return "stop"
}

func parseChatOutput(stdout []byte) (*cliChatOutput, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, errors.New("empty stdout")
	}
	var out cliChatOutput
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func coerceVectors(stdout []byte) ([][]float32, error) {
	trimmed := bytes.TrimSpace(stdout)
	var nested [][]float32
	if err := json.Unmarshal(trimmed, &nested); err == nil && len(nested) > 0 {
		return nested, nil
	}
	var obj struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}
	if len(obj.Data) > 0 {
		out := make([][]float32, len(obj.Data))
		for i, d := range obj.Data {
			out[i] = d.Embedding
		}
		return out, nil
	}
	if len(obj.Embedding) > 0 {
		return [][]float32{obj.Embedding}, nil
	}
	return nil, errors.New("no embedding vectors in child output")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
