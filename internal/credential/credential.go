// Package credential resolves per-provider API credentials on demand. The
// gateway never caches a resolved secret in memory beyond the lifetime of
// the request that requested it: secret storage and rotation remain the
// concern of an external system.
package credential

import (
	"context"
	"fmt"
)

// Resolver fetches the credential to use for one (provider, principal) pair.
// An empty principal means "use the gateway's own configured key" — the
// behavior the teacher's adapters already fall back to when no per-request
// API key override is supplied.
type Resolver interface {
	Resolve(ctx context.Context, provider, principal string) (string, error)
}

// StaticResolver resolves every request to a fixed, preconfigured key per
// provider. This is the gateway's own API keys loaded from config/secret
// storage at startup — the common case for a single-tenant deployment.
type StaticResolver struct {
	keys map[string]string
}

// NewStaticResolver builds a resolver over a provider→key map.
func NewStaticResolver(keys map[string]string) *StaticResolver {
	return &StaticResolver{keys: keys}
}

func (r *StaticResolver) Resolve(_ context.Context, provider, _ string) (string, error) {
	key, ok := r.keys[provider]
	if !ok || key == "" {
		return "", fmt.Errorf("credential: no key configured for provider %q", provider)
	}
	return key, nil
}

// PassThroughResolver returns the principal string unchanged as the
// credential — used when the caller supplies its own provider API key (the
// teacher's AllowClientAPIKeys mode).
type PassThroughResolver struct{}

func (PassThroughResolver) Resolve(_ context.Context, _, principal string) (string, error) {
	if principal == "" {
		return "", fmt.Errorf("credential: no client-supplied key present")
	}
	return principal, nil
}

// Chain tries each Resolver in order, returning the first successful
// resolution. Used to prefer a caller-supplied key and fall back to the
// gateway's own configured key.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, provider, principal string) (string, error) {
	var lastErr error
	for _, r := range c {
		key, err := r.Resolve(ctx, provider, principal)
		if err == nil && key != "" {
			return key, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("credential: no resolver configured for provider %q", provider)
	}
	return "", lastErr
}
