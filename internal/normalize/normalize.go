// Package normalize coerces heterogeneous upstream output into OpenAI-shaped
// envelopes. The normalizer is the only component that writes wire shapes;
// adapters return neutral records, handlers serialize what this package
// produces.
//
// The caller's requested external model id is always substituted back into
// the response "model" field — upstream responses may use the internal id.
package normalize

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	ChatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	ChatChoice struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}

	ChatUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// ChatCompletion is the non-streaming chat envelope.
	ChatCompletion struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []ChatChoice `json:"choices"`
		Usage   ChatUsage    `json:"usage"`
	}

	ChunkDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}

	ChunkChoice struct {
		Index        int        `json:"index"`
		Delta        ChunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}

	// ChatCompletionChunk is one streaming frame. The ID is stable across
	// all chunks of a response.
	ChatCompletionChunk struct {
		ID      string         `json:"id"`
		Object  string         `json:"object"`
		Created int64          `json:"created"`
		Model   string         `json:"model"`
		Choices []ChunkChoice  `json:"choices"`
		Details map[string]any `json:"details,omitempty"`
	}

	EmbeddingItem struct {
		Object    string    `json:"object"`
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	}

	EmbeddingsUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	// EmbeddingsList is the OpenAI embeddings envelope.
	EmbeddingsList struct {
		Object string          `json:"object"`
		Data   []EmbeddingItem `json:"data"`
		Model  string          `json:"model"`
		Usage  EmbeddingsUsage `json:"usage"`
	}

	ModelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	// ModelList is the GET /v1/models envelope.
	ModelList struct {
		Object string       `json:"object"`
		Data   []ModelEntry `json:"data"`
	}
)

// Chat builds the non-streaming chat envelope. Missing finish_reason defaults
// to "stop"; missing usage stays zeroed.
func Chat(id, externalModel, content, finishReason string, promptTokens, completionTokens int) ChatCompletion {
	if id == "" {
		id = "chatcmpl-" + fmt.Sprintf("%d", time.Now().UnixNano())
	}
	if finishReason == "" {
		finishReason = "stop"
	}
	return ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   externalModel,
		Choices: []ChatChoice{
			{
				Index:        0,
				Message:      ChatMessage{Role: "assistant", Content: content},
				FinishReason: finishReason,
			},
		},
		Usage: ChatUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

// Chunk builds one streaming frame. finishReason is emitted as JSON null
// while the stream is in progress.
func Chunk(id, externalModel, content, finishReason string) ChatCompletionChunk {
	var fr *string
	if finishReason != "" {
		fr = &finishReason
	}
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   externalModel,
		Choices: []ChunkChoice{
			{Index: 0, Delta: ChunkDelta{Content: content}, FinishReason: fr},
		},
	}
}

// ErrorChunk builds the terminal in-band error frame used when a stream fails
// after the response is committed.
func ErrorChunk(id, externalModel string, err error) ChatCompletionChunk {
	fr := "error"
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   externalModel,
		Choices: []ChunkChoice{
			{Index: 0, Delta: ChunkDelta{}, FinishReason: &fr},
		},
		Details: map[string]any{
			"error": map[string]any{"message": err.Error()},
		},
	}
}

// Embeddings builds the OpenAI list envelope from coerced vectors.
func Embeddings(externalModel string, vectors [][]float32, promptTokens int) EmbeddingsList {
	data := make([]EmbeddingItem, len(vectors))
	for i, v := range vectors {
		data[i] = EmbeddingItem{Object: "embedding", Embedding: v, Index: i}
	}
	return EmbeddingsList{
		Object: "list",
		Data:   data,
		Model:  externalModel,
		Usage:  EmbeddingsUsage{PromptTokens: promptTokens, TotalTokens: promptTokens},
	}
}

// Models builds the GET /v1/models envelope.
func Models(ids []string) ModelList {
	now := time.Now().Unix()
	data := make([]ModelEntry, len(ids))
	for i, id := range ids {
		data[i] = ModelEntry{ID: id, Object: "model", Created: now, OwnedBy: "relaymux"}
	}
	return ModelList{Object: "list", Data: data}
}

// CoerceEmbeddings accepts the four upstream embedding shapes and returns the
// vectors in input order:
//
//  1. OpenAI-shaped list:   {"object":"list","data":[{"embedding":[...],"index":0},...]}
//  2. bare nested array:    [[0.1,0.2],[0.3,0.4]]
//  3. bare flat array:      [0.1,0.2]               (single vector)
//  4. single object:        {"embedding":[0.1,0.2]}
func CoerceEmbeddings(raw []byte) ([][]float32, error) {
	// Shape 1 / 4 — object forms.
	var obj struct {
		Object string `json:"object"`
		Data   []struct {
			Embedding []float32 `json:"embedding"`
			Index     *int      `json:"index"`
		} `json:"data"`
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if len(obj.Data) > 0 {
			out := make([][]float32, len(obj.Data))
			seen := make([]bool, len(obj.Data))
			indexed := true
			for _, d := range obj.Data {
				idx := -1
				if d.Index != nil {
					idx = *d.Index
				}
				if idx < 0 || idx >= len(out) || seen[idx] {
					indexed = false
					break
				}
				seen[idx] = true
				out[idx] = d.Embedding
			}
			if !indexed {
				// Indices are only trusted when they form a full permutation;
				// a missing, duplicate or out-of-range index would leave nil
				// slots, so fall back to list order.
				for i, d := range obj.Data {
					out[i] = d.Embedding
				}
			}
			return out, nil
		}
		if len(obj.Embedding) > 0 {
			return [][]float32{obj.Embedding}, nil
		}
	}

	// Shape 2 — nested array.
	var nested [][]float32
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested) > 0 {
		return nested, nil
	}

	// Shape 3 — flat array.
	var flat []float32
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat) > 0 {
		return [][]float32{flat}, nil
	}

	return nil, fmt.Errorf("normalize: unrecognized embeddings shape")
}
