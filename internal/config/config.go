// Package config provides configuration types for the shadowcat proxy.
package config

// ServerConfig controls the HTTP listener and session lifecycle.
type ServerConfig struct {
	HTTPAddr       string   `mapstructure:"http_addr" validate:"required,hostname_port"`
	LogLevel       string   `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	SessionTimeout string   `mapstructure:"session_timeout" validate:"omitempty"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// SessionStorePath, if set, selects the sqlite-backed session store at
	// this file path instead of the default in-memory one. Sessions then
	// survive a restart; leave empty for a single-process/dev deployment.
	SessionStorePath string `mapstructure:"session_store_path" validate:"omitempty"`
}

// HealthCheckConfig mirrors internal/domain/upstream.HealthCheckSpec in
// duration-string form, as YAML/env values arrive as strings.
type HealthCheckConfig struct {
	Interval         string `mapstructure:"interval" validate:"omitempty"`
	Timeout          string `mapstructure:"timeout" validate:"omitempty"`
	FailureThreshold int    `mapstructure:"failure_threshold" validate:"omitempty,min=1"`
}

// UpstreamConfig describes one upstream MCP server. Multiple entries are
// supported; the selector picks among enabled ones per request.
type UpstreamConfig struct {
	Name        string            `mapstructure:"name" validate:"required"`
	Type        string            `mapstructure:"type" validate:"required,oneof=stdio http"`
	Enabled     bool              `mapstructure:"enabled"`
	Command     string            `mapstructure:"command" validate:"required_if=Type stdio"`
	Args        []string          `mapstructure:"args"`
	URL         string            `mapstructure:"url" validate:"required_if=Type http"`
	Env         map[string]string `mapstructure:"env"`
	Weight      int               `mapstructure:"weight" validate:"omitempty,min=1"`
	PoolMinSize int               `mapstructure:"pool_min_size" validate:"omitempty,min=0"`
	PoolMaxSize int               `mapstructure:"pool_max_size" validate:"omitempty,min=1"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
}

// IdentityConfig seeds a named identity with roles, resolved by API key.
type IdentityConfig struct {
	ID    string   `mapstructure:"id" validate:"required"`
	Name  string   `mapstructure:"name" validate:"required"`
	Roles []string `mapstructure:"roles" validate:"required,min=1,dive,oneof=admin user read-only"`
}

// APIKeyConfig seeds a pre-hashed API key bound to an identity. KeyHash is
// an Argon2id PHC string ("$argon2id$..."), a "sha256:"-prefixed digest,
// or a bare SHA-256 hex digest, so auth.DetectHashType can route
// verification without a config-level flag.
type APIKeyConfig struct {
	IdentityID string `mapstructure:"identity_id" validate:"required"`
	Name       string `mapstructure:"name"`
	KeyHash    string `mapstructure:"key_hash" validate:"required"`
}

// AuthConfig seeds the identity store. Empty in dev mode, where
// SetDevDefaults fills a permissive admin identity (no API key).
type AuthConfig struct {
	Identities []IdentityConfig `mapstructure:"identities"`
	APIKeys    []APIKeyConfig   `mapstructure:"api_keys"`
}

// RateLimitConfig configures the external GCRA-based rate limit
// middleware, keyed by client IP. UserRate is defaulted but no
// identity-keyed limit is applied.
type RateLimitConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	IPRate          int    `mapstructure:"ip_rate" validate:"omitempty,min=1"`
	UserRate        int    `mapstructure:"user_rate" validate:"omitempty,min=1"`
	CleanupInterval string `mapstructure:"cleanup_interval" validate:"omitempty"`
	MaxTTL          string `mapstructure:"max_ttl" validate:"omitempty"`
}

// RuleConfig is the YAML form of a CEL interceptor rule, matching
// internal/domain/proxy.Rule field-for-field.
type RuleConfig struct {
	ID        string `mapstructure:"id" validate:"required"`
	Priority  int    `mapstructure:"priority"`
	ToolMatch string `mapstructure:"tool_match" validate:"omitempty"`
	Condition string `mapstructure:"condition" validate:"required"`
	Action    string `mapstructure:"action" validate:"required,oneof=allow deny"`
	Reason    string `mapstructure:"reason"`
}

// InterceptorConfig configures the CEL-driven rule interceptor that sits
// in the request-direction chain.
type InterceptorConfig struct {
	Rules []RuleConfig `mapstructure:"rules"`
}

// SelectorConfig picks the upstream load-balancing strategy.
type SelectorConfig struct {
	Strategy string `mapstructure:"strategy" validate:"omitempty,oneof=round_robin weighted session_affinity"`
}

// OSSConfig is the root configuration document for shadowcat.
type OSSConfig struct {
	Server      ServerConfig      `mapstructure:"server"`
	Upstreams   []UpstreamConfig  `mapstructure:"upstreams"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Interceptor InterceptorConfig `mapstructure:"interceptor"`
	Selector    SelectorConfig    `mapstructure:"selector"`
	DevMode     bool              `mapstructure:"dev_mode"`
}

// SetDefaults fills zero-valued fields with production defaults. Called
// after Viper unmarshalling, before validation.
func (c *OSSConfig) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.SessionTimeout == "" {
		c.Server.SessionTimeout = "30m"
	}
	if c.Selector.Strategy == "" {
		c.Selector.Strategy = "round_robin"
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.IPRate == 0 {
			c.RateLimit.IPRate = 300
		}
		if c.RateLimit.UserRate == 0 {
			c.RateLimit.UserRate = 600
		}
		if c.RateLimit.CleanupInterval == "" {
			c.RateLimit.CleanupInterval = "5m"
		}
		if c.RateLimit.MaxTTL == "" {
			c.RateLimit.MaxTTL = "1h"
		}
	}
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if u.Weight == 0 {
			u.Weight = 1
		}
		if u.Type == "stdio" {
			if u.PoolMinSize == 0 {
				u.PoolMinSize = 1
			}
			if u.PoolMaxSize == 0 {
				u.PoolMaxSize = 4
			}
			if u.HealthCheck.Interval == "" {
				u.HealthCheck.Interval = "30s"
			}
			if u.HealthCheck.Timeout == "" {
				u.HealthCheck.Timeout = "5s"
			}
			if u.HealthCheck.FailureThreshold == 0 {
				u.HealthCheck.FailureThreshold = 3
			}
		}
	}
}

// SetDevDefaults relaxes the config for local development: it seeds a
// single permissive admin identity if no auth config is present. It
// never overrides explicit config.
func (c *OSSConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if len(c.Auth.Identities) == 0 && len(c.Auth.APIKeys) == 0 {
		c.Auth.Identities = []IdentityConfig{
			{ID: "dev", Name: "dev", Roles: []string{"admin"}},
		}
	}
}

// HasUpstreams reports whether any upstream is configured, enabled or
// not. Validation fails without at least one upstream outside dev mode.
func (c *OSSConfig) HasUpstreams() bool {
	return len(c.Upstreams) > 0
}
