// Package rotation implements the per-provider secret rotation strategies
// the scheduler (C17) invokes against vault entries past their rotation
// deadline. spec.md §9 calls for "a small interface with one method,
// registered in a lookup table keyed by provider name" in place of the
// donor's callable-pattern rotation strategies.
package rotation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Strategy mints a replacement plaintext secret for one vault entry. What
// "rotate" means is provider-specific: some call out to the provider's own
// key-rotation API, others just mint a fresh random credential for AEGIS's
// own downstream use.
type Strategy interface {
	Rotate(ctx context.Context, sponsorID, serviceName, currentSecret string) (string, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, sponsorID, serviceName, currentSecret string) (string, error)

func (f StrategyFunc) Rotate(ctx context.Context, sponsorID, serviceName, currentSecret string) (string, error) {
	return f(ctx, sponsorID, serviceName, currentSecret)
}

// RandomTokenStrategy is the default strategy for any service_name without
// a provider-specific registration: it mints a fresh high-entropy token,
// the same shape as a newly-provisioned API key. Suitable for internal or
// opaque-bearer-token services where AEGIS itself is the source of truth
// for the credential's validity, not an external rotation API.
var RandomTokenStrategy = StrategyFunc(func(_ context.Context, _, _, _ string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("rotation: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
})

// Registry resolves a rotation Strategy by service name, falling back to a
// default when no provider-specific strategy is registered.
type Registry struct {
	strategies map[string]Strategy
	fallback   Strategy
}

// NewRegistry constructs a Registry. fallback is used for any service name
// not explicitly registered; nil defaults to RandomTokenStrategy.
func NewRegistry(fallback Strategy) *Registry {
	if fallback == nil {
		fallback = RandomTokenStrategy
	}
	return &Registry{strategies: make(map[string]Strategy), fallback: fallback}
}

// Register binds a strategy to a service name, e.g. "openai" or "stripe".
func (r *Registry) Register(serviceName string, strategy Strategy) {
	r.strategies[serviceName] = strategy
}

// Resolve returns the strategy registered for serviceName, or the
// registry's fallback.
func (r *Registry) Resolve(serviceName string) Strategy {
	if s, ok := r.strategies[serviceName]; ok {
		return s
	}
	return r.fallback
}
