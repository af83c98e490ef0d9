package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/relaymux/relaymux/internal/adapters"
)

// Ollama-wire path. Chat streams as newline-delimited JSON, not SSE.

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []oaMessage    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string    `json:"model"`
	Message         oaMessage `json:"message"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
}

func (a *Adapter) ollamaChatBody(req *adapters.ChatRequest, stream bool) ollamaChatRequest {
	msgs := make([]oaMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = oaMessage{Role: m.Role, Content: m.Content}
	}
	out := ollamaChatRequest{Model: req.Model, Messages: msgs, Stream: stream}
	opts := make(map[string]any)
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		out.Options = opts
	}
	return out
}

func (a *Adapter) ollamaChat(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	resp, err := a.postJSON(ctx, "/api/chat", a.ollamaChatBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindTransient, fmt.Errorf("decode response: %w", err))
	}

	return &adapters.ChatResponse{
		Model:        cr.Model,
		Content:      cr.Message.Content,
		FinishReason: ollamaFinish(cr.DoneReason),
		Usage: adapters.Usage{
			PromptTokens:     cr.PromptEvalCount,
			CompletionTokens: cr.EvalCount,
		},
	}, nil
}

func (a *Adapter) ollamaChatStream(ctx context.Context, req *adapters.ChatRequest) (<-chan adapters.StreamChunk, error) {
	resp, err := a.postJSON(ctx, "/api/chat", a.ollamaChatBody(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan adapters.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var cr ollamaChatResponse
			if err := json.Unmarshal(line, &cr); err != nil {
				continue
			}

			out := adapters.StreamChunk{Content: cr.Message.Content}
			if cr.Done {
				out.FinishReason = ollamaFinish(cr.DoneReason)
			}
			if out.Content == "" && out.FinishReason == "" {
				continue
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
			if cr.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- adapters.StreamChunk{Err: adapters.WrapErr(a.name, adapters.KindTransient, err)}
		}
	}()

	return ch, nil
}

func (a *Adapter) ollamaEmbed(ctx context.Context, req *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	resp, err := a.postJSON(ctx, "/api/embed", map[string]any{
		"model": req.Model,
		"input": req.Input,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var er struct {
		Model           string      `json:"model"`
		Embeddings      [][]float32 `json:"embeddings"`
		PromptEvalCount int         `json:"prompt_eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindTransient, fmt.Errorf("decode response: %w", err))
	}

	return &adapters.EmbeddingsResponse{
		Model:   er.Model,
		Vectors: er.Embeddings,
		Usage:   adapters.Usage{PromptTokens: er.PromptEvalCount},
	}, nil
}

func (a *Adapter) ollamaListModels(ctx context.Context) ([]adapters.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/api/tags", nil)
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindConfig, err)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, adapters.FromHTTPStatus(a.name, resp.StatusCode, "list models")
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindTransient, fmt.Errorf("decode response: %w", err))
	}

	out := make([]adapters.ModelInfo, len(tags.Models))
	for i, m := range tags.Models {
		out[i] = adapters.ModelInfo{ID: m.Name, OwnedBy: "local"}
	}
	return out, nil
}

func ollamaFinish(dr string) string {
	switch dr {
	case "length":
		return "length"
	default:
		return "stop"
	}
}
