package httpsdk

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/registry"
)

// Anthropic requires max_tokens on every request.
const anthropicDefaultMaxTokens = 4096

// anthropicDialect drives the Anthropic Messages API through the official
// SDK. System and developer messages are folded into the system prompt; the
// API has no embeddings surface.
type anthropicDialect struct {
	name   string
	client anthropic.Client
}

func newAnthropicDialect(name string, cfg registry.HTTPConfig, creds credentials, hc *http.Client) (*anthropicDialect, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(creds.apiKey),
		option.WithHTTPClient(hc),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.AuthMode == AuthAPIKey && cfg.HeaderName != "" {
		opts = append(opts, option.WithHeader(cfg.HeaderName, creds.apiKey))
	}
	return &anthropicDialect{name: name, client: anthropic.NewClient(opts...)}, nil
}

func (d *anthropicDialect) chatCompletion(ctx context.Context, req *adapters.ChatRequest) (*adapters.ChatResponse, error) {
	msg, err := d.client.Messages.New(ctx, d.buildParams(req))
	if err != nil {
		return nil, d.wrapSDKError(ctx, err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &adapters.ChatResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: mapStopReason(string(msg.StopReason)),
		Usage: adapters.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (d *anthropicDialect) chatCompletionStream(ctx context.Context, req *adapters.ChatRequest) (<-chan adapters.StreamChunk, error) {
	stream := d.client.Messages.NewStreaming(ctx, d.buildParams(req))

	ch := make(chan adapters.StreamChunk)
	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			var out adapters.StreamChunk
			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					out.Content = deltaVariant.Text
				case *anthropic.TextDelta:
					out.Content = deltaVariant.Text
				}
			case anthropic.MessageDeltaEvent:
				out.FinishReason = mapStopReason(string(eventVariant.Delta.StopReason))
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

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			ch <- adapters.StreamChunk{Err: d.wrapSDKError(ctx, err)}
		}
	}()

	return ch, nil
}

func (d *anthropicDialect) buildParams(req *adapters.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toAnthropicMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func (d *anthropicDialect) embeddings(_ context.Context, _ *adapters.EmbeddingsRequest) (*adapters.EmbeddingsResponse, error) {
	return nil, adapters.Errf(d.name, adapters.KindBadRequest, "anthropic dialect has no embeddings endpoint")
}

func (d *anthropicDialect) healthProbe(ctx context.Context) error {
	_, err := d.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return d.wrapSDKError(ctx, err)
	}
	return nil
}

func (d *anthropicDialect) listModels(ctx context.Context) ([]adapters.ModelInfo, error) {
	page, err := d.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, d.wrapSDKError(ctx, err)
	}
	out := make([]adapters.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, adapters.ModelInfo{ID: m.ID, OwnedBy: "anthropic"})
	}
	return out, nil
}

func (d *anthropicDialect) wrapSDKError(ctx context.Context, err error) error {
	// A dead caller context is a cancellation or timeout regardless of what
	// the SDK surfaced; it must not count against the provider's breaker.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return adapters.WrapErr(d.name, adapters.KindOf(ctxErr), err)
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return adapters.FromHTTPStatus(d.name, apierr.StatusCode, apierr.Error())
	}
	return adapters.WrapErr(d.name, adapters.KindTransient, err)
}

func toAnthropicMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

// mapStopReason translates Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(sr string) string {
	switch sr {
	case "":
		return ""
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}
