// Package shared holds helpers common to sink implementations
package shared

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relex/slog-relay/base"
)

// renewalMargin is how long before expiry a cached token is refreshed
const renewalMargin = 30 * time.Second

// StaticCredentials returns the same token for every resource, for setups
// where the secret comes straight from configuration
type StaticCredentials struct {
	Secret string
}

// GetToken implements base.CredentialProvider
func (provider StaticCredentials) GetToken(_ context.Context, _ string) (base.Token, error) {
	return base.Token{Value: provider.Secret}, nil
}

// FetchTokenFunc fetches a fresh token for a resource from an external issuer
type FetchTokenFunc func(ctx context.Context, resource string) (base.Token, error)

// CachingCredentials caches tokens per resource and renews them before expiry,
// so sink reconnects do not hammer the issuer
type CachingCredentials struct {
	fetch  FetchTokenFunc
	mu     sync.Mutex
	tokens map[string]base.Token
}

// NewCachingCredentials wraps a fetch function with per-resource caching
func NewCachingCredentials(fetch FetchTokenFunc) *CachingCredentials {
	return &CachingCredentials{
		fetch:  fetch,
		tokens: make(map[string]base.Token, 10),
	}
}

// GetToken implements base.CredentialProvider
func (provider *CachingCredentials) GetToken(ctx context.Context, resource string) (base.Token, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	if token, found := provider.tokens[resource]; found && !token.Expired(renewalMargin) {
		return token, nil
	}

	token, ferr := provider.fetch(ctx, resource)
	if ferr != nil {
		return base.Token{}, fmt.Errorf("%w: %s", base.ErrAuthFailure, ferr.Error())
	}
	provider.tokens[resource] = token
	return token, nil
}
