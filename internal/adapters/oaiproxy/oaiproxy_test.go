package oaiproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/secrets"
)

func newTestAdapter(t *testing.T, target string) *Adapter {
	t.Helper()
	a, err := New(context.Background(), "upstream1", registry.ProxyConfig{
		TargetURL:      target,
		APIKeyRef:      "up-key",
		ForwardHeaders: []string{"X-Trace-ID"},
	}, secrets.Static{"up-key": "sk-upstream"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestChatCompletion(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		var req wireChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != "internal-model" || req.Stream {
			t.Errorf("forwarded request = %+v", req)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-up", "model": req.Model,
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "pong"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 4, "completion_tokens": 1},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	resp, err := a.ChatCompletion(context.Background(), &adapters.ChatRequest{
		Model:    "internal-model",
		Messages: []adapters.Message{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "pong" || resp.FinishReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.PromptTokens != 4 || resp.Usage.CompletionTokens != 1 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if gotAuth != "Bearer sk-upstream" {
		t.Errorf("upstream credential = %q", gotAuth)
	}
}

func TestChatCompletion_UpstreamErrors(t *testing.T) {
	cases := []struct {
		status int
		want   adapters.Kind
	}{
		{http.StatusInternalServerError, adapters.KindTransient},
		{http.StatusTooManyRequests, adapters.KindTransient},
		{http.StatusBadRequest, adapters.KindBadRequest},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"message": "upstream says no", "type": "server_error"},
			})
		}))

		a := newTestAdapter(t, srv.URL)
		_, err := a.ChatCompletion(context.Background(), &adapters.ChatRequest{Model: "m"})
		if err == nil {
			t.Fatalf("status %d: expected error", c.status)
		}
		if got := adapters.KindOf(err); got != c.want {
			t.Errorf("status %d classified %v, want %v", c.status, got, c.want)
		}
		var ae *adapters.Error
		if !errors.As(err, &ae) || ae.Message != "upstream says no" {
			t.Errorf("status %d: upstream message not preserved: %v", c.status, err)
		}
		srv.Close()
	}
}

func TestChatCompletionStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream flag should be set on the upstream request")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"id":"c","choices":[{"delta":{"role":"assistant"}}]}`, // no content, skipped
			`{"id":"c","choices":[{"delta":{"content":"one "}}]}`,
			`{"id":"c","choices":[{"delta":{"content":"two"}}]}`,
			`{"id":"c","choices":[{"delta":{},"finish_reason":"stop"}]}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	ch, err := a.ChatCompletionStream(context.Background(), &adapters.ChatRequest{
		Model:    "m",
		Messages: []adapters.Message{{Role: "user", Content: "count"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if cap(ch) != 0 {
		t.Errorf("stream channel cap = %d, frames must not be read ahead of the consumer", cap(ch))
	}

	var content string
	var finish string
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		content += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if content != "one two" {
		t.Errorf("content = %q", content)
	}
	if finish != "stop" {
		t.Errorf("finish = %q", finish)
	}
}

func TestEmbeddings_ReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "m",
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{9}},
				{"index": 0, "embedding": []float32{1}},
			},
			"usage": map[string]int{"prompt_tokens": 6},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	resp, err := a.Embeddings(context.Background(), &adapters.EmbeddingsRequest{
		Model: "m", Input: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("embeddings: %v", err)
	}
	if len(resp.Vectors) != 2 || resp.Vectors[0][0] != 1 || resp.Vectors[1][0] != 9 {
		t.Errorf("vectors = %v", resp.Vectors)
	}
	if resp.Usage.PromptTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestListModelsAndHealthProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{"id": "up-small", "owned_by": "up"},
				{"id": "up-large", "owned_by": "up"},
			},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)

	models, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 2 || models[0].ID != "up-small" || models[0].OwnedBy != "up" {
		t.Errorf("models = %+v", models)
	}

	if err := a.HealthProbe(context.Background()); err != nil {
		t.Errorf("health probe: %v", err)
	}
}

func TestForwardHeaders_Allowlist(t *testing.T) {
	a := newTestAdapter(t, "http://example.invalid")

	got := a.ForwardHeaders(map[string]string{
		"x-trace-id":        "t-1", // listed, case-insensitive
		"Authorization":     "Bearer caller-key",
		"Connection":        "keep-alive",
		"Transfer-Encoding": "chunked",
		"X-Unlisted":        "nope",
	})

	if got["X-Trace-Id"] != "t-1" {
		t.Errorf("listed header should pass canonicalized, got %v", got)
	}
	if len(got) != 1 {
		t.Errorf("only the allowlisted header should pass, got %v", got)
	}
}

func TestNew_MissingSecret(t *testing.T) {
	_, err := New(context.Background(), "p1", registry.ProxyConfig{
		TargetURL: "http://example.invalid",
		APIKeyRef: "missing-ref",
	}, secrets.Static{})
	if err == nil {
		t.Fatal("missing credential should fail")
	}
	if adapters.KindOf(err) != adapters.KindConfig {
		t.Errorf("missing credential should be a config error, got %v", adapters.KindOf(err))
	}
}
