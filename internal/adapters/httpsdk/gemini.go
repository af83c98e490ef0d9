package httpsdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/registry"
)

// geminiDialect drives the Google Gemini API through the official GenAI SDK.
// Only API-key auth applies; the SDK owns the transport headers.
type geminiDialect struct {
	name   string
	client *genai.Client
}

func newGeminiDialect(ctx context.Context, name string, cfg registry.HTTPConfig, creds credentials, hc *http.Client) (*geminiDialect, error) {
	if cfg.AuthMode == AuthBasic {
		return nil, fmt.Errorf("gemini dialect does not support basic auth")
	}

	base, ver := splitBaseURLAndVersion(cfg.BaseURL)
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      creds.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  hc,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &geminiDialect{name: name, client: client}, nil
}

func (d *geminiDialect) chatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	contents, cfg := buildContentsAndConfig(req)

	resp, err := d.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, d.wrapSDKError(ctx, err)
	}

	out := &adapters.ChatResponse{Model: req.Model, FinishReason: "stop"}
	if resp != nil {
		out.ID = resp.ResponseID
		out.Content = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil && resp.Candidates[0].FinishReason != "" {
			out.FinishReason = mapGeminiFinish(string(resp.Candidates[0].FinishReason))
		}
		if resp.UsageMetadata != nil {
			out.Usage = adapters.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}
	return out, nil
}

func (d *geminiDialect) chatCompletionStream(ctx context.Context, req *adapters.ChatRequest) (<-chan adapters.StreamChunk, error) {
	contents, cfg := buildContentsAndConfig(req)

	ch := make(chan adapters.StreamChunk)
	go func() {
		defer close(ch)

		for resp, err := range d.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				if ctx.Err() == nil {
					ch <- adapters.StreamChunk{Err: d.wrapSDKError(ctx, err)}
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			out := adapters.StreamChunk{Content: candidateText(c)}
			if c.FinishReason != "" {
				out.FinishReason = mapGeminiFinish(string(c.FinishReason))
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
	}()

	return ch, nil
}

func (d *geminiDialect) embeddings(ctx context.Context, req *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := d.client.Models.EmbedContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, d.wrapSDKError(ctx, err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, adapters.Errf(d.name, adapters.KindTransient, "empty embed response")
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		vectors[i] = emb.Values
	}
	return &adapters.EmbeddingsResponse{Model: req.Model, Vectors: vectors}, nil
}

func (d *geminiDialect) healthProbe(ctx context.Context) error {
	_, err := d.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return d.wrapSDKError(ctx, err)
	}
	return nil
}

func (d *geminiDialect) listModels(ctx context.Context) ([]adapters.ModelInfo, error) {
	page, err := d.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 100})
	if err != nil {
		return nil, d.wrapSDKError(ctx, err)
	}
	out := make([]adapters.ModelInfo, 0, len(page.Items))
	for _, m := range page.Items {
		if m == nil {
			continue
		}
		out = append(out, adapters.ModelInfo{ID: strings.TrimPrefix(m.Name, "models/"), OwnedBy: "google"})
	}
	return out, nil
}

func (d *geminiDialect) wrapSDKError(ctx context.Context, err error) error {
	// A dead caller context is a cancellation or timeout regardless of what
	// the SDK surfaced; it must not count against the provider's breaker.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return adapters.WrapErr(d.name, adapters.KindOf(ctxErr), err)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return adapters.FromHTTPStatus(d.name, apiErr.Code, apiErr.Message)
	}
	return adapters.WrapErr(d.name, adapters.KindTransient, err)
}

func buildContentsAndConfig(req *adapters.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if systemPrompt != "" {
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: systemPrompt}},
			}
		}
		if req.Temperature > 0 {
			cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
		}
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxTokens)
		}
	}
	return contents, cfg
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func mapGeminiFinish(fr string) string {
	switch fr {
	case "MAX_TOKENS":
		return "length"
	default:
		return "stop"
	}
}

// splitBaseURLAndVersion separates a trailing API version segment ("v1beta")
// from a configured base URL, because the SDK takes them as distinct options.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	if raw == "" {
		return "", ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]
	if strings.HasPrefix(last, "v") && len(last) >= 2 && last[1] >= '0' && last[1] <= '9' {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}
	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}
