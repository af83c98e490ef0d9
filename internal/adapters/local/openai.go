package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/relaymux/relaymux/internal/adapters"
)

// OpenAI-wire path for llama.cpp server, vLLM and friends.

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaChatRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Stream      bool        `json:"stream,omitempty"`
	Temperature float64     `json:"temperature,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
}

type oaChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      *oaMessage `json:"message,omitempty"`
		Delta        *oaMessage `json:"delta,omitempty"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *Adapter) openaiChatBody(req *adapters.ChatRequest, stream bool) oaChatRequest {
	msgs := make([]oaMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = oaMessage{Role: m.Role, Content: m.Content}
	}
	out := oaChatRequest{Model: req.Model, Messages: msgs, Stream: stream}
	if req.Temperature > 0 {
		out.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	return out
}

func (a *Adapter) openaiChat(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	resp, err := a.postJSON(ctx, "/v1/chat/completions", a.openaiChatBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cr oaChatResponse
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

func (a *Adapter) openaiChatStream(ctx context.Context, req *adapters.ChatRequest) (<-chan adapters.StreamChunk, error) {
	resp, err := a.postJSON(ctx, "/v1/chat/completions", a.openaiChatBody(req, true))
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

			var cr oaChatResponse
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

func (a *Adapter) openaiEmbed(ctx context.Context, req *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	resp, err := a.postJSON(ctx, "/v1/embeddings", map[string]any{
		"model": req.Model,
		"input": req.Input,
	})
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

func (a *Adapter) openaiListModels(ctx context.Context) ([]adapters.ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/v1/models", nil)
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
