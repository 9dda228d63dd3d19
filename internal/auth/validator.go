package auth

import (
	"crypto/subtle"
	"strings"
)

// APIKeyValidator checks bridge callers against the configured keys
type APIKeyValidator struct {
	keys    [][]byte
	enabled bool
}

// NewAPIKeyValidator creates a validator. Blank keys are ignored.
func NewAPIKeyValidator(keys []string, enabled bool) *APIKeyValidator {
	v := &APIKeyValidator{enabled: enabled}
	for _, key := range keys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			v.keys = append(v.keys, []byte(trimmed))
		}
	}
	return v
}

// ValidateKey reports whether key is one of the configured keys. Every key
// is compared so the time taken does not depend on which one matched.
func (v *APIKeyValidator) ValidateKey(key string) bool {
	if !v.enabled {
		return true
	}
	if key == "" {
		return false
	}

	candidate := []byte(key)
	match := 0
	for _, k := range v.keys {
		match |= subtle.ConstantTimeCompare(candidate, k)
	}
	return match == 1
}

// IsEnabled returns whether authentication is enabled
func (v *APIKeyValidator) IsEnabled() bool {
	return v.enabled
}

// KeyCount returns the number of configured keys
func (v *APIKeyValidator) KeyCount() int {
	return len(v.keys)
}
