package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the OSSConfig using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *OSSConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateUpstreamNames(); err != nil {
		return err
	}

	if err := c.validateIdentityReferences(); err != nil {
		return err
	}

	if !c.DevMode && !c.HasUpstreams() {
		return errors.New("upstreams: at least one upstream is required outside dev mode")
	}

	return nil
}

// validateUpstreamNames ensures upstream names are unique. The selector
// and session affinity key on the generated upstream ID, not on name.
func (c *OSSConfig) validateUpstreamNames() error {
	seen := make(map[string]struct{}, len(c.Upstreams))
	for i, u := range c.Upstreams {
		if _, dup := seen[u.Name]; dup {
			return fmt.Errorf("upstreams[%d]: duplicate name %q", i, u.Name)
		}
		seen[u.Name] = struct{}{}
	}
	return nil
}

// validateIdentityReferences ensures all API key identity_id values reference valid identities.
func (c *OSSConfig) validateIdentityReferences() error {
	known := make(map[string]struct{}, len(c.Auth.Identities))
	for _, identity := range c.Auth.Identities {
		known[identity.ID] = struct{}{}
	}

	for i, apiKey := range c.Auth.APIKeys {
		if _, exists := known[apiKey.IdentityID]; !exists {
			return fmt.Errorf("api_keys[%d]: references unknown identity_id: %s", i, apiKey.IdentityID)
		}
	}

	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
