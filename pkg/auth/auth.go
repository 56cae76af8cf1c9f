// Package auth authenticates requests reaching the node: HTTP signature
// verification for federated inbox deliveries and bearer tokens for the
// local outbox.
package auth

import (
	"errors"
	"time"

	"ouka/pkg/utils"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrStaleRequest     = errors.New("request date outside allowed skew")
	ErrUnauthorized     = errors.New("unauthorized")
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// MaxClockSkew bounds how far a signed Date header may be from now.
	// Zero disables the check.
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
	// RequireDigest rejects signed requests that carry no Digest header.
	RequireDigest bool `yaml:"require_digest"`
	// MaxBodyBytes caps the inbound body read for digest verification.
	MaxBodyBytes utils.ByteSize `yaml:"max_body_bytes"`
	// OutboxToken, when set, must be presented as a bearer token to post to an outbox.
	OutboxToken string `yaml:"outbox_token"`

	TLS TLSConfig `yaml:"tls"`
}

// DefaultAuthConfig returns default authentication configuration
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		MaxClockSkew: time.Hour,
		MaxBodyBytes: utils.ByteSize(utils.MebiByte),
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
	}
}

// Validate checks if the authentication configuration is valid
func (c *AuthConfig) Validate() error {
	if c.MaxClockSkew < 0 {
		return errors.New("max_clock_skew cannot be negative")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("max_body_bytes must be positive")
	}
	return c.TLS.Validate()
}
