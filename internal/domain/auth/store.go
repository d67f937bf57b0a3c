package auth

import (
	"context"
	"errors"
)

// ErrUserNotFound is returned when a stored identity cannot be located.
var ErrUserNotFound = errors.New("auth: identity not found")

// Store provides credential lookup for the example auth gateway. Defined in
// the domain package to avoid circular imports; concrete implementations
// (in-memory seeded from config, or any external identity provider) live in
// internal/adapter/outbound.
type Store interface {
	// GetAPIKey retrieves an API key by its hash.
	GetAPIKey(ctx context.Context, keyHash string) (*APIKey, error)

	// GetIdentity retrieves an identity by ID.
	GetIdentity(ctx context.Context, id string) (*Identity, error)

	// ListAPIKeys returns all stored API keys, for the Argon2id fallback
	// verification path (which cannot do a direct hash-table lookup since
	// the salt differs per key).
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
}
