package base

import (
	"context"
	"time"
)

// Token is a short-lived credential for one sink or buffer resource
type Token struct {
	Value     string
	ExpiresAt time.Time // zero for tokens that never expire
}

// Expired reports whether the token is past (or has no remaining) lifetime at the given margin
func (token Token) Expired(margin time.Duration) bool {
	return !token.ExpiresAt.IsZero() && time.Now().Add(margin).After(token.ExpiresAt)
}

// CredentialProvider supplies short-lived credentials for network-adjacent
// services. Token acquisition itself is out of scope here; callers get caching
// and renew-before-expiry from sink/shared.CachingCredentials.
type CredentialProvider interface {
	// GetToken returns a token valid for the named resource, failing with an
	// error wrapping ErrAuthFailure on denial
	GetToken(ctx context.Context, resource string) (Token, error)
}
