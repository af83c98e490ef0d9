package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// newOllamaHandler returns an http.Handler that simulates the Ollama native
// API: NDJSON chat streaming, embeddings, and the local model list.
func newOllamaHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "mock internal error"})
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream *bool  `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}

		content := fakeSentence(cfg.StreamWords)

		// Ollama streams by default; stream:false selects the single-shot
		// response form.
		if req.Stream != nil && !*req.Stream {
			writeJSON(w, http.StatusOK, map[string]any{
				"model":             req.Model,
				"created_at":        time.Now().Format(time.RFC3339),
				"message":           map[string]string{"role": "assistant", "content": content},
				"done":              true,
				"done_reason":       "stop",
				"prompt_eval_count": 15,
				"eval_count":        cfg.StreamWords,
			})
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)

		for _, word := range strings.Fields(content) {
			_ = enc.Encode(map[string]any{
				"model":      req.Model,
				"created_at": time.Now().Format(time.RFC3339),
				"message":    map[string]string{"role": "assistant", "content": word + " "},
				"done":       false,
			})
			if flusher != nil {
				flusher.Flush()
			}
		}
		_ = enc.Encode(map[string]any{
			"model":             req.Model,
			"created_at":        time.Now().Format(time.RFC3339),
			"message":           map[string]string{"role": "assistant", "content": ""},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 15,
			"eval_count":        cfg.StreamWords,
		})
		if flusher != nil {
			flusher.Flush()
		}
	})

	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		var req struct {
			Model string          `json:"model"`
			Input json.RawMessage `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		var inputs []string
		if err := json.Unmarshal(req.Input, &inputs); err != nil {
			var s string
			_ = json.Unmarshal(req.Input, &s)
			inputs = []string{s}
		}
		vecs := make([][]float32, len(inputs))
		for i := range vecs {
			vecs[i] = fakeEmbedding(64)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"model":             req.Model,
			"embeddings":        vecs,
			"prompt_eval_count": len(inputs) * 8,
		})
	})

	// GET /api/tags — model list; doubles as the detection endpoint.
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "llama3.2:latest", "modified_at": time.Now().Format(time.RFC3339)},
				{"name": "nomic-embed-text:latest", "modified_at": time.Now().Format(time.RFC3339)},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("mock: unknown path %s", r.URL.Path),
		})
	})

	return mux
}
