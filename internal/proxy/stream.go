package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relaymux/relaymux/internal/adapters"
	"github.com/relaymux/relaymux/internal/auth"
	"github.com/relaymux/relaymux/internal/normalize"
	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/pkg/apierr"
)

// streamHeartbeat bounds how long a client disconnect can go unnoticed while
// the upstream produces nothing.
const streamHeartbeat = 50 * time.Millisecond

// streamChat serves a streaming chat completion over SSE.
//
// Failover happens only while opening the upstream stream; once the first
// byte is committed, upstream failures surface as an in-band error chunk
// followed by [DONE]. The response writer runs after the handler returns, so
// the upstream context derives from the gateway's base context and is
// cancelled when the client write side breaks.
func (g *Gateway) streamChat(
	ctx *fasthttp.RequestCtx,
	reqID string,
	identity *auth.Identity,
	req *inboundChatRequest,
	cands []registry.Candidate,
	estTokens int,
	release func(),
) {
	start := time.Now()
	streamCtx, cancel := context.WithCancel(g.baseCtx)

	var ch <-chan adapters.StreamChunk
	served, err := g.withFailover(ctx, routeChat, reqID, cands,
		func(actx context.Context, cand registry.Candidate, ad adapters.Adapter) error {
			c, aerr := ad.ChatCompletionStream(streamCtx, &adapters.ChatRequest{
				Model:       cand.Mapping.InternalID,
				Messages:    toAdapterMessages(req.Messages),
				Temperature: req.Temperature,
				MaxTokens:   clampMaxTokens(req.MaxTokens, cand.Mapping.MaxTokens),
				Stream:      true,
				RequestID:   reqID,
			})
			if aerr != nil {
				return aerr
			}
			ch = c
			return nil
		})
	if err != nil {
		cancel()
		release()
		g.settleTokens(ctx, identity, estTokens, 0)
		g.writeUpstreamError(ctx, req.Model, err)
		g.recordUsage(reqID, identity, "", req.Model, routeChat,
			0, 0, false, ctx.Response.StatusCode(), start)
		return
	}

	provider := served.Provider.ID
	model := req.Model
	chunkID := "chatcmpl-" + reqID

	promptTokens := 0
	if g.est != nil {
		promptTokens = g.est.CountMessages(model, messageContents(req.Messages))
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.Header.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()
		defer cancel()

		status := fasthttp.StatusOK
		charCount := 0
		finishSent := false
		disconnected := false
		streamErr := error(nil)

		// Opening frame carries the assistant role, per the OpenAI chunk
		// protocol.
		first := normalize.ChatCompletionChunk{
			ID:      chunkID,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []normalize.ChunkChoice{{Delta: normalize.ChunkDelta{Role: "assistant"}}},
		}
		if writeSSEJSON(w, first) != nil {
			disconnected = true
			cancel()
		}

		// Chunk writes surface a dead client on their own; the heartbeat
		// covers idle upstreams, writing SSE comment frames the client
		// ignores so a disconnect cancels the upstream promptly.
		hb := time.NewTicker(streamHeartbeat)
		defer hb.Stop()

	loop:
		for {
			select {
			case chunk, ok := <-ch:
				if !ok {
					break loop
				}
				if disconnected {
					continue // drain so the adapter can shut down
				}
				if chunk.Err != nil {
					streamErr = chunk.Err
					_ = writeSSEJSON(w, normalize.ErrorChunk(chunkID, model, chunk.Err))
					finishSent = true
					continue
				}
				charCount += len(chunk.Content)
				if chunk.FinishReason != "" {
					finishSent = true
				}
				if writeSSEJSON(w, normalize.Chunk(chunkID, model, chunk.Content, chunk.FinishReason)) != nil {
					disconnected = true
					cancel()
				}
			case <-hb.C:
				if disconnected {
					continue
				}
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					disconnected = true
					cancel()
					continue
				}
				if err := w.Flush(); err != nil {
					disconnected = true
					cancel()
				}
			}
		}

		if !disconnected {
			if !finishSent && streamErr == nil {
				_ = writeSSEJSON(w, normalize.Chunk(chunkID, model, "", "stop"))
			}
			_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
			_ = w.Flush()
		} else {
			status = apierr.StatusClientClosedRequest
		}

		// A disconnected or failed stream still bills what was emitted,
		// estimated at four characters per token.
		completionTokens := charCount / 4
		if charCount > 0 && completionTokens == 0 {
			completionTokens = 1
		}

		g.settleTokens(g.baseCtx, identity, estTokens, promptTokens+completionTokens)
		if g.metrics != nil {
			g.metrics.AddTokens(provider, routeChat, promptTokens, completionTokens)
		}
		g.recordUsage(reqID, identity, provider, model, routeChat,
			promptTokens, completionTokens, true, status, start)

		g.log.InfoContext(g.baseCtx, "chat_stream_done",
			slog.String("request_id", reqID),
			slog.String("provider", provider),
			slog.String("model", model),
			slog.Int("completion_tokens", completionTokens),
			slog.Bool("disconnected", disconnected),
			slog.Bool("upstream_error", streamErr != nil),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// writeSSEJSON writes one `data: <json>` frame and flushes it so the client
// sees every chunk as soon as it exists.
func writeSSEJSON(w *bufio.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	return w.Flush()
}
