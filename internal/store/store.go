// Package store defines the persistent-store interface the gateway consumes.
//
// The real backend is an external transactional document/KV store; the
// gateway only depends on this narrow interface and tolerates eventual read
// consistency (the registry caches the provider list for up to 30s). The
// in-memory implementation in this package backs tests and single-node runs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

type (
	// ProviderRecord is a stored provider document. Data holds the
	// variant-specific configuration as JSON; the store never interprets it.
	ProviderRecord struct {
		ID      string
		Enabled bool
		Data    []byte
	}

	// APIKeyRecord is a stored credential. The raw key is never stored;
	// lookup happens by salted SHA-256 hash.
	APIKeyRecord struct {
		ID          string
		Hash        string // hex(sha256(salt + raw key))
		Prefix      string // first 8 chars of the raw key, for display
		Owner       string
		Permissions []string // subset of chat, embeddings, models, admin
		// AllowedModels restricts the key to these external model ids.
		// Empty means unrestricted.
		AllowedModels []string
		RPMLimit      int // requests per minute, 0 = unlimited
		TPMLimit      int // tokens per minute, 0 = unlimited
		IPAllowlist   []string
		ExpiresAt     time.Time // zero = no expiry
		Revoked       bool

		TotalRequests int64
		TotalTokens   int64
		LastUsedAt    time.Time
	}
)

// Store is the persistence boundary. Operations are expected to be
// serializable on the backend.
type Store interface {
	GetProvider(ctx context.Context, id string) (*ProviderRecord, error)
	ListProviders(ctx context.Context) ([]*ProviderRecord, error)
	PutProvider(ctx context.Context, rec *ProviderRecord) error
	DeleteProvider(ctx context.Context, id string) error

	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKeyRecord, error)
	PutAPIKey(ctx context.Context, rec *APIKeyRecord) error

	// IncrementUsage adds to the rolling counters of a key. At-least-once
	// delivery; callers dedupe by request id upstream of this interface.
	IncrementUsage(ctx context.Context, keyID string, requests, tokens int64, lastUsed time.Time) error

	// Ping reports backend reachability for the readiness probe.
	Ping(ctx context.Context) error
}
