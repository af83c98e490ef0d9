package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Start starts the HTTP server on addr (e.g. ":8080") and blocks until
// Shutdown is called or the listener fails.
func (g *Gateway) Start(addr string) error {
	r := router.New()

	authed := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return g.authMiddleware(h)
	}

	r.POST("/v1/chat/completions", authed(g.dispatchChat))
	r.POST("/v1/embeddings", authed(g.dispatchEmbeddings))
	r.GET("/v1/models", authed(g.handleModels))
	r.GET("/healthz", g.handleHealthz)
	r.GET("/ready", g.handleReady)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		g.shieldMiddleware,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	g.srv = &fasthttp.Server{
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: SSE responses stay open for the life of the
		// upstream stream.
		MaxRequestBodySize: 10 << 20,
		Name:               "relaymux",
	}
	g.health.Start()

	return g.srv.ListenAndServe(addr)
}

// Shutdown drains in-flight connections and stops the background health
// probes.
func (g *Gateway) Shutdown() error {
	g.health.Close()
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown()
}

func (g *Gateway) handleHealthz(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReady(ctx *fasthttp.RequestCtx) {
	if g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
