// Package ctxkey defines shared context key types used across multiple
// packages. This package has no dependencies on other internal packages to
// avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with its
// request_id field.
type LoggerKey struct{}

// APIKeyKey is the context key type for the raw bearer token extracted from
// the Authorization header, before it has been validated by the auth
// collaborator.
type APIKeyKey struct{}

// IPAddressKey is the context key type for the client's real IP address,
// used as a rate-limit key by external middleware.
type IPAddressKey struct{}
