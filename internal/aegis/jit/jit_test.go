package jit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type ttlEntry struct {
	value   []byte
	expires time.Time
}

type fakeEphemeral struct {
	mu   sync.Mutex
	data map[string]ttlEntry
}

func newFakeEphemeral() *fakeEphemeral { return &fakeEphemeral{data: make(map[string]ttlEntry)} }

func (f *fakeEphemeral) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp := time.Time{}
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	f.data[key] = ttlEntry{value: value, expires: exp}
	return nil
}

func (f *fakeEphemeral) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(f.data, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (f *fakeEphemeral) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeEphemeral) Keys(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeEphemeral) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeEphemeral) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return true, nil
}
func (f *fakeEphemeral) RPush(context.Context, string, ...[]byte) error        { return nil }
func (f *fakeEphemeral) LPop(context.Context, string) ([]byte, bool, error)    { return nil, false, nil }
func (f *fakeEphemeral) LRange(context.Context, string, int64, int64) ([][]byte, error) {
	return nil, nil
}
func (f *fakeEphemeral) LLen(context.Context, string) (int64, error)        { return 0, nil }
func (f *fakeEphemeral) Expire(context.Context, string, time.Duration) error { return nil }
func (f *fakeEphemeral) ZAdd(context.Context, string, float64, string) error { return nil }
func (f *fakeEphemeral) ZRangeByScore(context.Context, string, float64, float64) ([]string, error) {
	return nil, nil
}
func (f *fakeEphemeral) ZRemRangeByScore(context.Context, string, float64, float64) error { return nil }
func (f *fakeEphemeral) Incr(context.Context, string) (int64, error)                     { return 0, nil }
func (f *fakeEphemeral) IncrBy(context.Context, string, int64) (int64, error)             { return 0, nil }

func TestMintResolveRoundTrip(t *testing.T) {
	b := New(newFakeEphemeral())
	token, err := b.Mint(context.Background(), "agent-1", "openai", "sk-real-secret", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(token) < 32 {
		t.Fatalf("expected a high-entropy token, got %d chars", len(token))
	}

	resolved, err := b.Resolve(context.Background(), "agent-1", token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved == nil || resolved.RealSecret != "sk-real-secret" {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
}

func TestRevokeMakesTokenUnresolvable(t *testing.T) {
	b := New(newFakeEphemeral())
	token, err := b.Mint(context.Background(), "agent-1", "openai", "sk-real-secret", time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := b.Revoke(context.Background(), "agent-1", token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	resolved, err := b.Resolve(context.Background(), "agent-1", token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved != nil {
		t.Fatal("expected revoked token to resolve to nil")
	}
}

func TestRevokeAllClearsEveryAgentToken(t *testing.T) {
	eph := newFakeEphemeral()
	b := New(eph)
	t1, _ := b.Mint(context.Background(), "agent-1", "openai", "secret-a", time.Minute)
	t2, _ := b.Mint(context.Background(), "agent-1", "stripe", "secret-b", time.Minute)
	if _, err := b.Mint(context.Background(), "agent-2", "openai", "secret-c", time.Minute); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := b.RevokeAll(context.Background(), "agent-1"); err != nil {
		t.Fatalf("revoke all: %v", err)
	}

	for _, tok := range []string{t1, t2} {
		resolved, err := b.Resolve(context.Background(), "agent-1", tok)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolved != nil {
			t.Fatal("expected agent-1 tokens to be revoked")
		}
	}

	resolved, err := b.Resolve(context.Background(), "agent-2", "unused")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_ = resolved
}

func TestResolveUnknownTokenReturnsNil(t *testing.T) {
	b := New(newFakeEphemeral())
	resolved, err := b.Resolve(context.Background(), "agent-1", "does-not-exist")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved != nil {
		t.Fatal("expected nil for unknown token")
	}
}
