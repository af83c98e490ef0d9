// Package secrets is the boundary to the external secrets backend.
//
// Provider records store references, never credentials. Adapters resolve the
// reference at construction time through this interface.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Backend retrieves and rotates named secrets.
type Backend interface {
	// Fetch returns the secret bytes for name.
	Fetch(ctx context.Context, name string) ([]byte, error)

	// Rotate produces a new version of the secret and returns its new name.
	Rotate(ctx context.Context, name string) (string, error)

	// Ping reports backend reachability for the readiness probe.
	Ping(ctx context.Context) error
}

// EnvBackend resolves secrets from environment variables.
//
// Names are upper-cased with hyphens replaced by underscores and prefixed:
// "openai-api-key" with prefix "RELAYMUX_SECRET_" reads
// RELAYMUX_SECRET_OPENAI_API_KEY.
type EnvBackend struct {
	Prefix string
}

// NewEnvBackend creates an EnvBackend with the given variable prefix.
func NewEnvBackend(prefix string) *EnvBackend {
	return &EnvBackend{Prefix: prefix}
}

func (b *EnvBackend) Fetch(_ context.Context, name string) ([]byte, error) {
	envVar := b.envVar(name)
	val := os.Getenv(envVar)
	if val == "" {
		return nil, fmt.Errorf("secrets: %q not found (env var %s)", name, envVar)
	}
	return []byte(val), nil
}

// Rotate is not supported for environment-backed secrets.
func (b *EnvBackend) Rotate(context.Context, string) (string, error) {
	return "", fmt.Errorf("secrets: env backend does not support rotation")
}

// Ping always succeeds: the process environment is local.
func (b *EnvBackend) Ping(context.Context) error { return nil }

func (b *EnvBackend) envVar(name string) string {
	up := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return b.Prefix + up
}

// Static is a fixed in-memory backend for tests.
type Static map[string]string

func (s Static) Fetch(_ context.Context, name string) ([]byte, error) {
	v, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("secrets: %q not found", name)
	}
	return []byte(v), nil
}

func (s Static) Rotate(_ context.Context, name string) (string, error) {
	next := name + "-v2"
	s[next] = s[name]
	return next, nil
}

func (s Static) Ping(context.Context) error { return nil }
