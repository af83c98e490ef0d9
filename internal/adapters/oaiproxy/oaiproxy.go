// Package oaiproxy implements the pass-through adapter variant for upstreams
// that already speak the OpenAI wire format. Requests go out verbatim over
// plain HTTP with the provider credential injected; streaming responses are
// re-parsed from SSE so the gateway keeps framing control.
package oaiproxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/secrets"
)

const defaultTimeout = 60 * time.Second

// Adapter forwards OpenAI-shaped requests to a compatible upstream.
type Adapter struct {
	name    string
	target  string
	apiKey  string
	forward map[string]string // lower-cased header name -> canonical form
	client  *http.Client
}

// New resolves the credential reference and prepares the forwarder.
func New(ctx context.Context, providerName string, cfg registry.ProxyConfig, sec secrets.Backend) (*Adapter, error) {
	a := &Adapter{
		name:    providerName,
		target:  strings.TrimRight(cfg.TargetURL, "/"),
		forward: make(map[string]string, len(cfg.ForwardHeaders)),
		client:  &http.Client{Timeout: timeoutFor(cfg)},
	}
	for _, h := range cfg.ForwardHeaders {
		a.forward[strings.ToLower(h)] = http.CanonicalHeaderKey(h)
	}
	if cfg.APIKeyRef != "" {
		v, err := sec.Fetch(ctx, cfg.APIKeyRef)
		if err != nil {
			return nil, adapters.WrapErr(providerName, adapters.KindConfig, err)
		}
		a.apiKey = string(v)
	}
	return a, nil
}

func (a *Adapter) Variant() string { return adapters.VariantProxy }

// ForwardHeaders filters caller headers down to the configured allowlist.
// Hop-by-hop and auth headers never pass even when listed.
func (a *Adapter) ForwardHeaders(in map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range in {
		lk := strings.ToLower(k)
		if lk == "authorization" || lk == "connection" || lk == "transfer-encoding" {
			continue
		}
		if canon, ok := a.forward[lk]; ok {
			out[canon] = v
		}
	}
	return out
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireChatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type wireChoice struct {
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type wireChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *wireError `json:"error,omitempty"`
}

func (a *Adapter) ChatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	resp, err := a.post(ctx, "/chat/completions", a.buildChatBody(req, false), false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr wireChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindTransient, fmt.Errorf("decode response: %w", err))
	}

	content := ""
	finish := ""
	if len(cr.Choices) > 0 {
		if cr.Choices[0].Message != nil {
			content = cr.Choices[0].Message.Content
		}
		finish = cr.Choices[0].FinishReason
	}

	return &adapters.ChatResponse{
		ID:           cr.ID,
		Model:        cr.Model,
		Content:      content,
		FinishReason: finish,
		Usage: adapters.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
		},
	}, nil
}

func (a *Adapter) ChatCompletionStream(ctx context.Context, req *adapters.ChatRequest) (<-chan adapters.StreamChunk, error) {
	resp, err := a.post(ctx, "/chat/completions", a.buildChatBody(req, true), true)
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
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var cr wireChatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}
			if len(cr.Choices) == 0 {
				continue
			}
			out := adapters.StreamChunk{FinishReason: cr.Choices[0].FinishReason}
			if cr.Choices[0].Delta != nil {
				out.Content = cr.Choices[0].Delta.Content
			}
			if out.Content == "" && out.FinishReason == "" {
				continue
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- adapters.StreamChunk{Err: adapters.WrapErr(a.name, adapters.KindTransient, err)}
		}
	}()

	return ch, nil
}

func (a *Adapter) Embeddings(ctx context.Context, req *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	body, err := json.Marshal(map[string]any{"model": req.Model, "input": req.Input})
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindConfig, err)
	}

	resp, err := a.post(ctx, "/embeddings", body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var er struct {
		Model string `json:"model"`
		Data  []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindTransient, fmt.Errorf("decode response: %w", err))
	}

	vectors := make([][]float32, len(er.Data))
	for i, d := range er.Data {
		idx := d.Index
		if idx < 0 || idx >= len(vectors) {
			idx = i
		}
		vectors[idx] = d.Embedding
	}

	return &adapters.EmbeddingsResponse{
		Model:   er.Model,
		Vectors: vectors,
		Usage:   adapters.Usage{PromptTokens: er.Usage.PromptTokens},
	}, nil
}

func (a *Adapter) HealthProbe(ctx context.Context) error {
	resp, err := a.get(ctx, "/models")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]adapters.ModelInfo, error) {
	resp, err := a.get(ctx, "/models")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ml struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ml); err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindTransient, fmt.Errorf("decode response: %w", err))
	}

	out := make([]adapters.ModelInfo, len(ml.Data))
	for i, m := range ml.Data {
		out[i] = adapters.ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy}
	}
	return out, nil
}

func (a *Adapter) buildChatBody(req *adapters.ChatRequest, stream bool) []byte {
	msgs := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	cr := wireChatRequest{Model: req.Model, Messages: msgs, Stream: stream}
	if req.Temperature > 0 {
		cr.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}
	data, _ := json.Marshal(cr)
	return data
}

func (a *Adapter) post(ctx context.Context, path string, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.target+path, bytes.NewReader(body))
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindConfig, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.parseError(resp)
	}
	return resp, nil
}

func (a *Adapter) get(ctx context.Context, path string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.target+path, nil)
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindConfig, err)
	}
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, adapters.WrapErr(a.name, adapters.KindTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.parseError(resp)
	}
	return resp, nil
}

func (a *Adapter) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var cr wireChatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return adapters.FromHTTPStatus(a.name, resp.StatusCode, cr.Error.Message)
	}
	return adapters.FromHTTPStatus(a.name, resp.StatusCode, fmt.Sprintf("unexpected status %d", resp.StatusCode))
}

func timeoutFor(cfg registry.ProxyConfig) time.Duration {
	if cfg.TimeoutSeconds > 0 {
		return time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return defaultTimeout
}
