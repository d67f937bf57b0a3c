// Package authgateway is a reference auth collaborator, not part of the
// proxy core: it shows how a deployment might issue shadowcat API keys
// from its own user/password login, exercising the separation documented
// on internal/domain/auth — the core never issues or stores credentials
// itself, it only validates whatever API key this (or any other)
// collaborator hands back to a client.
package authgateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/auth"
)

// ErrInvalidCredentials is returned for an unknown username or wrong
// password, without distinguishing the two to avoid leaking which.
var ErrInvalidCredentials = errors.New("authgateway: invalid username or password")

// keyRegistrar is the slice of memory.AuthStore this package needs to
// seed newly issued keys and identities into the store the core's
// auth.APIKeyService reads from.
type keyRegistrar interface {
	AddIdentity(identity *auth.Identity)
	AddKey(key *auth.APIKey)
}

type userRecord struct {
	passwordHash string
	identity     auth.Identity
}

// Gateway authenticates users by bcrypt-hashed password and mints
// Argon2id-hashed shadowcat API keys bound to their identity on success.
type Gateway struct {
	mu    sync.RWMutex
	users map[string]userRecord
	store keyRegistrar
}

// NewGateway creates a Gateway that seeds issued keys/identities into store.
func NewGateway(store keyRegistrar) *Gateway {
	return &Gateway{
		users: make(map[string]userRecord),
		store: store,
	}
}

// RegisterUser creates a login for username with the given password and
// role set, bcrypt-hashing the password at rest. identityID should be
// stable and unique (e.g. a UUID); it becomes the Identity.ID bound to
// every key this user is later issued.
func (g *Gateway) RegisterUser(username, password, identityID string, roles []auth.Role) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("authgateway: hash password: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.users[username] = userRecord{
		passwordHash: string(hash),
		identity:     auth.Identity{ID: identityID, Name: username, Roles: roles},
	}
	return nil
}

// Login verifies username/password and mints a fresh API key for the
// associated identity, registering both the identity and the key's
// Argon2id hash into the backing store. The raw key is returned exactly
// once: only its hash is ever persisted.
func (g *Gateway) Login(ctx context.Context, username, password string) (rawKey string, err error) {
	g.mu.RLock()
	rec, ok := g.users[username]
	g.mu.RUnlock()
	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.passwordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	raw, err := generateRawKey()
	if err != nil {
		return "", fmt.Errorf("authgateway: generate key: %w", err)
	}
	keyHash, err := auth.HashKeyArgon2id(raw)
	if err != nil {
		return "", fmt.Errorf("authgateway: hash key: %w", err)
	}

	g.store.AddIdentity(&rec.identity)
	g.store.AddKey(&auth.APIKey{
		Key:        keyHash,
		IdentityID: rec.identity.ID,
		Name:       username + "-session",
		CreatedAt:  time.Now().UTC(),
	})
	return raw, nil
}

func generateRawKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(b), nil
}
