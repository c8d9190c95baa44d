// Package jit implements C11: short-lived, agent-scoped secret tokens so a
// real credential never appears in an outbound request an agent can see.
package jit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fe-row/AEGIS/internal/aegis/errs"
	"github.com/fe-row/AEGIS/internal/aegis/store"
)

// DefaultTTL is the lifetime of a minted token when the caller does not
// specify one.
const DefaultTTL = 120 * time.Second

// tokenBytes gives each token at least 256 bits of entropy.
const tokenBytes = 48

const keyPrefix = "jit:"

// payload is what a minted token resolves to.
type payload struct {
	RealSecret string    `json:"real_secret"`
	Agent      string    `json:"agent"`
	Service    string    `json:"service"`
	MintedAt   time.Time `json:"minted_at"`
}

// Broker is C11.
type Broker struct {
	ephemeral store.Ephemeral
}

// New constructs the JIT broker.
func New(ephemeral store.Ephemeral) *Broker {
	return &Broker{ephemeral: ephemeral}
}

func tokenKey(agentID, token string) string { return fmt.Sprintf("%s%s:%s", keyPrefix, agentID, token) }

// Mint decrypts the caller's already-resolved secret is not this package's
// job — the caller passes in the plaintext secret already decrypted via
// C3. Mint generates an unguessable token and stores the mapping with ttl
// (DefaultTTL if zero).
func (b *Broker) Mint(ctx context.Context, agentID, serviceName, realSecret string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errs.Internal("generate jit token", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	p := payload{RealSecret: realSecret, Agent: agentID, Service: serviceName, MintedAt: time.Now().UTC()}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", errs.Internal("marshal jit payload", err)
	}

	if err := b.ephemeral.Set(ctx, tokenKey(agentID, token), raw, ttl); err != nil {
		return "", errs.Internal("store jit token", err)
	}
	return token, nil
}

// Resolve looks up a previously minted token. It returns (nil, nil) if the
// token does not exist or has expired.
func (b *Broker) Resolve(ctx context.Context, agentID, token string) (*ResolvedSecret, error) {
	raw, ok, err := b.ephemeral.Get(ctx, tokenKey(agentID, token))
	if err != nil {
		return nil, errs.Internal("resolve jit token", err)
	}
	if !ok {
		return nil, nil
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Internal("unmarshal jit payload", err)
	}
	return &ResolvedSecret{RealSecret: p.RealSecret, Service: p.Service, MintedAt: p.MintedAt}, nil
}

// ResolvedSecret is what Resolve returns on a hit.
type ResolvedSecret struct {
	RealSecret string
	Service    string
	MintedAt   time.Time
}

// Revoke deletes a single token immediately.
func (b *Broker) Revoke(ctx context.Context, agentID, token string) error {
	if err := b.ephemeral.Del(ctx, tokenKey(agentID, token)); err != nil {
		return errs.Internal("revoke jit token", err)
	}
	return nil
}

// RevokeAll deletes every token minted for agentID — used by the circuit
// breaker's panic cascade.
func (b *Broker) RevokeAll(ctx context.Context, agentID string) error {
	pattern := fmt.Sprintf("%s%s:*", keyPrefix, agentID)
	keys, err := b.ephemeral.Keys(ctx, pattern)
	if err != nil {
		return errs.Internal("scan jit tokens", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := b.ephemeral.Del(ctx, keys...); err != nil {
		return errs.Internal("revoke all jit tokens", err)
	}
	return nil
}
