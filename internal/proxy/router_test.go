package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/relaymux/relaymux/internal/registry"
	"github.com/relaymux/relaymux/internal/store"
)

// serveRoutes runs the gateway's operational endpoints behind the middleware
// chain on an in-memory listener and returns an HTTP client + cleanup.
func serveRoutes(t *testing.T, g *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := applyMiddleware(
		func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/healthz":
				g.handleHealthz(ctx)
			case "/ready":
				g.handleReady(ctx)
			default:
				ctx.SetStatusCode(fasthttp.StatusNotFound)
			}
		},
		recovery,
		requestID,
		timing,
		securityHeaders,
	)

	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, func() { ln.Close() }
}

func opsGateway(t *testing.T) *Gateway {
	t.Helper()
	reg := registry.New(store.NewMemoryStore())
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Gateway{
		health: NewHealthChecker(context.Background(), reg, NewAdapterFactory(nil, nil), nil, log),
		log:    log,
	}
}

func TestRouter_Healthz(t *testing.T) {
	g := opsGateway(t)
	g.health.probe()
	client, cleanup := serveRoutes(t, g)
	defer cleanup()

	resp, err := client.Get("http://gw/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}

	var snap HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != "ok" {
		t.Errorf("health status = %s", snap.Status)
	}
}

func TestRouter_Ready(t *testing.T) {
	g := opsGateway(t)
	g.health.probe()
	client, cleanup := serveRoutes(t, g)
	defer cleanup()

	resp, err := client.Get("http://gw/ready")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRouter_NotReadyWhenCacheDown(t *testing.T) {
	g := opsGateway(t)
	g.health.SetCacheReady(func() bool { return false })
	g.health.probe()
	client, cleanup := serveRoutes(t, g)
	defer cleanup()

	resp, err := client.Get("http://gw/ready")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestRouter_UnknownPath(t *testing.T) {
	g := opsGateway(t)
	client, cleanup := serveRoutes(t, g)
	defer cleanup()

	resp, err := client.Get("http://gw/v2/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
