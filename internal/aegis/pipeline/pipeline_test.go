package pipeline

import (
	"context"
	"time"
)

// fakeEphemeral is a minimal in-memory stand-in for store.Ephemeral,
// enough for the idempotency cache/lock and the hourly counter.
type fakeEphemeral struct {
	kv    map[string][]byte
	locks map[string]bool
	ints  map[string]int64
}

func newFakeEphemeral() *fakeEphemeral {
	return &fakeEphemeral{kv: map[string][]byte{}, locks: map[string]bool{}, ints: map[string]int64{}}
}

func (f *fakeEphemeral) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.kv[key] = value
	return nil
}

func (f *fakeEphemeral) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := f.kv[key]
	return v, ok, nil
}

func (f *fakeEphemeral) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.kv, k)
		delete(f.locks, k)
	}
	return nil
}

func (f *fakeEphemeral) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	if f.locks[key] {
		return false, nil
	}
	f.locks[key] = true
	f.kv[key] = value
	return true, nil
}

func (f *fakeEphemeral) Incr(_ context.Context, key string) (int64, error) {
	f.ints[key]++
	return f.ints[key], nil
}

func (f *fakeEphemeral) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	f.ints[key] += delta
	return f.ints[key], nil
}

func (f *fakeEphemeral) Expire(_ context.Context, key string, _ time.Duration) error { return nil }
