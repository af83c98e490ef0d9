package httpsdk

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/registry"
)

// openaiDialect drives any OpenAI-compatible upstream through the official
// SDK. Non-bearer auth modes are layered on as extra request headers.
type openaiDialect struct {
	name   string
	client openaiSDK.Client
}

func newOpenAIDialect(name string, cfg registry.HTTPConfig, creds credentials, hc *http.Client) (*openaiDialect, error) {
	opts := []option.RequestOption{option.WithHTTPClient(hc)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	switch cfg.AuthMode {
	case "", AuthNone:
		opts = append(opts, option.WithAPIKey(""))
	case AuthBearer:
		opts = append(opts, option.WithAPIKey(creds.apiKey))
	case AuthAPIKey:
		header := cfg.HeaderName
		if header == "" {
			header = "X-Api-Key"
		}
		opts = append(opts, option.WithAPIKey(""), option.WithHeader(header, creds.apiKey))
	case AuthBasic:
		raw := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + creds.password))
		opts = append(opts, option.WithAPIKey(""), option.WithHeader("Authorization", "Basic "+raw))
	}

	return &openaiDialect{name: name, client: openaiSDK.NewClient(opts...)}, nil
}

func (d *openaiDialect) chatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	resp, err := d.client.Chat.Completions.New(ctx, d.buildParams(req))
	if err != nil {
		return nil, d.wrapSDKError(ctx, err)
	}

	content := ""
	finish := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}

	return &adapters.ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finish,
		Usage: adapters.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (d *openaiDialect) chatCompletionStream(ctx context.Context, req *adapters.ChatRequest) (<-chan adapters.StreamChunk, error) {
	stream := d.client.Chat.Completions.NewStreaming(ctx, d.buildParams(req))

	ch := make(chan adapters.StreamChunk)
	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content == "" && c.FinishReason == "" {
				continue
			}
			select {
			case ch <- adapters.StreamChunk{Content: c.Delta.Content, FinishReason: c.FinishReason}:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			ch <- adapters.StreamChunk{Err: d.wrapSDKError(ctx, err)}
		}
	}()

	return ch, nil
}

func (d *openaiDialect) buildParams(req *adapters.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func (d *openaiDialect) embeddings(ctx context.Context, req *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	resp, err := d.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(req.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	})
	if err != nil {
		return nil, d.wrapSDKError(ctx, err)
	}

	vectors := make([][]float32, len(resp.Data))
	for _, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		idx := int(item.Index)
		if idx < 0 || idx >= len(vectors) {
			idx = 0
		}
		vectors[idx] = vec
	}

	return &adapters.EmbeddingsResponse{
		Model:   resp.Model,
		Vectors: vectors,
		Usage:   adapters.Usage{PromptTokens: int(resp.Usage.PromptTokens)},
	}, nil
}

func (d *openaiDialect) healthProbe(ctx context.Context) error {
	if _, err := d.client.Models.List(ctx); err != nil {
		return d.wrapSDKError(ctx, err)
	}
	return nil
}

func (d *openaiDialect) listModels(ctx context.Context) ([]adapters.ModelInfo, error) {
	page, err := d.client.Models.List(ctx)
	if err != nil {
		return nil, d.wrapSDKError(ctx, err)
	}
	out := make([]adapters.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, adapters.ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	return out, nil
}

func (d *openaiDialect) wrapSDKError(ctx context.Context, err error) error {
	// A dead caller context is a cancellation or timeout regardless of what
	// the SDK surfaced; it must not count against the provider's breaker.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return adapters.WrapErr(d.name, adapters.KindOf(ctxErr), err)
	}
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return adapters.FromHTTPStatus(d.name, apierr.StatusCode, apierr.Error())
	}
	return adapters.WrapErr(d.name, adapters.KindTransient, err)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
