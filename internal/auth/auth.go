// Package auth validates gateway API keys and the per-key access policy.
//
// Keys are never stored raw: the store holds a salted SHA-256 digest plus a
// short display prefix for audit logs. Validation failures are deliberately
// uniform — a revoked, expired, or unknown key all surface as ErrInvalidKey
// so probing responses leak nothing about key state.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/relaymux/relaymux/internal/store"
)

var (
	ErrInvalidKey   = errors.New("auth: invalid api key")
	ErrIPDenied     = errors.New("auth: source ip not allowed for this key")
	ErrModelDenied  = errors.New("auth: model not allowed for this key")
	ErrNoPermission = errors.New("auth: key lacks permission for this operation")
)

// Permissions.
const (
	PermChat       = "chat"
	PermEmbeddings = "embeddings"
	PermModels     = "models"
	PermAdmin      = "admin"
)

// Identity is the authenticated caller attached to a request.
type Identity struct {
	KeyID       string
	Prefix      string
	Owner       string
	permissions map[string]struct{}
	models      *ModelFilter
	RPMLimit    int
	TPMLimit    int
}

// Can reports whether the key carries the named permission. A key with no
// permission list can do everything except admin.
func (id *Identity) Can(perm string) bool {
	if len(id.permissions) == 0 {
		return perm != PermAdmin
	}
	_, ok := id.permissions[perm]
	return ok
}

// AllowsModel reports whether the key may address the external model id.
func (id *Identity) AllowsModel(model string) bool {
	return id.models.Allows(model)
}

// Authenticator validates raw keys against the store.
type Authenticator struct {
	store store.Store
	salt  string
}

func New(st store.Store, salt string) *Authenticator {
	return &Authenticator{store: st, salt: salt}
}

// HashKey produces the stored digest for a raw key.
func (a *Authenticator) HashKey(raw string) string {
	sum := sha256.Sum256([]byte(a.salt + raw))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves and checks the raw bearer key. clientIP is matched
// against the key's IP allowlist when one is set.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey, clientIP string) (*Identity, error) {
	if rawKey == "" {
		return nil, ErrInvalidKey
	}

	rec, err := a.store.GetAPIKeyByHash(ctx, a.HashKey(rawKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}

	if rec.Revoked {
		return nil, ErrInvalidKey
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return nil, ErrInvalidKey
	}
	if !ipAllowed(rec.IPAllowlist, clientIP) {
		return nil, ErrIPDenied
	}

	filter, err := NewModelFilter(rec.AllowedModels)
	if err != nil {
		// A broken pattern in the record locks the key down rather than open.
		return nil, ErrModelDenied
	}

	id := &Identity{
		KeyID:    rec.ID,
		Prefix:   rec.Prefix,
		Owner:    rec.Owner,
		models:   filter,
		RPMLimit: rec.RPMLimit,
		TPMLimit: rec.TPMLimit,
	}
	if len(rec.Permissions) > 0 {
		id.permissions = make(map[string]struct{}, len(rec.Permissions))
		for _, p := range rec.Permissions {
			id.permissions[p] = struct{}{}
		}
	}
	return id, nil
}

// BearerToken extracts the key from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// ipAllowed matches ip against entries that are either literal addresses or
// CIDR blocks. An empty allowlist admits every source.
func ipAllowed(allowlist []string, ip string) bool {
	if len(allowlist) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	for _, entry := range allowlist {
		if entry == ip {
			return true
		}
		if parsed == nil {
			continue
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(parsed) {
			return true
		}
	}
	return false
}
