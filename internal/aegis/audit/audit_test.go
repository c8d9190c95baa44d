package audit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	aegiscrypto "github.com/fe-row/AEGIS/internal/aegis/crypto"
	"github.com/fe-row/AEGIS/internal/aegis/model"
)

type fakeEphemeral struct {
	mu      sync.Mutex
	lists   map[string][][]byte
	locks   map[string]bool
}

func newFakeEphemeral() *fakeEphemeral {
	return &fakeEphemeral{lists: make(map[string][][]byte), locks: make(map[string]bool)}
}

func (f *fakeEphemeral) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (f *fakeEphemeral) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (f *fakeEphemeral) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.lists, k)
		delete(f.locks, k)
	}
	return nil
}
func (f *fakeEphemeral) Keys(context.Context, string) ([]string, error) { return nil, nil }

func (f *fakeEphemeral) SetNX(_ context.Context, key string, _ []byte, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] {
		return false, nil
	}
	f.locks[key] = true
	return true, nil
}
func (f *fakeEphemeral) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	return true, nil
}

func (f *fakeEphemeral) RPush(_ context.Context, key string, values ...[]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append(f.lists[key], values...)
	return nil
}
func (f *fakeEphemeral) LPop(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vals := f.lists[key]
	if len(vals) == 0 {
		return nil, false, nil
	}
	v := vals[0]
	f.lists[key] = vals[1:]
	return v, true, nil
}
func (f *fakeEphemeral) LRange(_ context.Context, key string, _, _ int64) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists[key], nil
}
func (f *fakeEphemeral) LLen(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.lists[key])), nil
}
func (f *fakeEphemeral) Expire(context.Context, string, time.Duration) error { return nil }
func (f *fakeEphemeral) ZAdd(context.Context, string, float64, string) error { return nil }
func (f *fakeEphemeral) ZRangeByScore(context.Context, string, float64, float64) ([]string, error) {
	return nil, nil
}
func (f *fakeEphemeral) ZRemRangeByScore(context.Context, string, float64, float64) error { return nil }
func (f *fakeEphemeral) Incr(context.Context, string) (int64, error)                     { return 0, nil }
func (f *fakeEphemeral) IncrBy(context.Context, string, int64) (int64, error)             { return 0, nil }

type fakePersistent struct {
	mu       sync.Mutex
	entries  []*model.AuditEntry
	nextID   int64
}

func (f *fakePersistent) InsertAuditEntries(_ context.Context, entries []*model.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		f.nextID++
		e.ID = f.nextID
		f.entries = append(f.entries, e)
	}
	return nil
}

func (f *fakePersistent) LatestLogHash(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return "", nil
	}
	return f.entries[len(f.entries)-1].LogHash, nil
}

func (f *fakePersistent) QueryAudit(context.Context, string, string, string, *time.Time, int, int) ([]*model.AuditEntry, error) {
	return f.entries, nil
}

func (f *fakePersistent) CountRecentAudit(context.Context, string, int) (int, error) {
	return len(f.entries), nil
}

func (f *fakePersistent) AuditEntriesByID(_ context.Context, _, _ int64, limit int) ([]*model.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 || limit > len(f.entries) {
		limit = len(f.entries)
	}
	return f.entries[:limit], nil
}

func TestLogTruncatesLongPrompts(t *testing.T) {
	eph := newFakeEphemeral()
	l := New(eph, &fakePersistent{}, nil)

	longPrompt := strings.Repeat("a", 1000)
	if err := l.Log(context.Background(), Entry{AgentID: "agent-1", Prompt: longPrompt, CostUSD: decimal.Zero}); err != nil {
		t.Fatalf("log: %v", err)
	}
	raw := eph.lists[bufferKey]
	if len(raw) != 1 {
		t.Fatalf("expected one buffered entry, got %d", len(raw))
	}
	if !strings.Contains(string(raw[0]), strings.Repeat("a", MaxPromptChars)) {
		t.Fatal("expected prompt to be truncated to MaxPromptChars")
	}
	if strings.Contains(string(raw[0]), strings.Repeat("a", MaxPromptChars+1)) {
		t.Fatal("expected prompt not to exceed MaxPromptChars")
	}
}

func TestFlushBufferChainsHashesFromGenesis(t *testing.T) {
	eph := newFakeEphemeral()
	persistent := &fakePersistent{}
	l := New(eph, persistent, nil)

	for i := 0; i < 3; i++ {
		if err := l.Log(context.Background(), Entry{AgentID: "agent-1", SponsorID: "sponsor-1", ActionType: "invoke", ServiceName: "openai", CostUSD: decimal.NewFromFloat(0.01)}); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	n, err := l.FlushBuffer(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 entries flushed, got %d", n)
	}
	if persistent.entries[0].PreviousHash != aegiscrypto.GenesisHash {
		t.Fatalf("expected first entry to chain from genesis, got %s", persistent.entries[0].PreviousHash)
	}
	for i := 1; i < len(persistent.entries); i++ {
		if persistent.entries[i].PreviousHash != persistent.entries[i-1].LogHash {
			t.Fatalf("entry %d does not chain from entry %d's hash", i, i-1)
		}
	}
	if len(eph.lists[bufferKey]) != 0 || len(eph.lists[processingKey]) != 0 {
		t.Fatal("expected buffer and processing lists to be drained after a successful flush")
	}
}

func TestFlushBufferReturnsZeroWhenLockHeld(t *testing.T) {
	eph := newFakeEphemeral()
	eph.locks[flushLockKey] = true
	l := New(eph, &fakePersistent{}, nil)

	if err := l.Log(context.Background(), Entry{AgentID: "agent-1", CostUSD: decimal.Zero}); err != nil {
		t.Fatalf("log: %v", err)
	}

	n, err := l.FlushBuffer(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 entries flushed while lock is held, got %d", n)
	}
	if len(eph.lists[bufferKey]) != 1 {
		t.Fatal("expected buffered entry to remain untouched while lock is held")
	}
}

func TestVerifyChainIntegrityDetectsBreak(t *testing.T) {
	persistent := &fakePersistent{}
	l := New(newFakeEphemeral(), persistent, nil)

	e1 := &model.AuditEntry{LogHash: "hash-1", PreviousHash: aegiscrypto.GenesisHash}
	e2 := &model.AuditEntry{LogHash: "hash-2", PreviousHash: "tampered"}
	persistent.InsertAuditEntries(context.Background(), []*model.AuditEntry{e1, e2})

	breaks, err := l.VerifyChainIntegrity(context.Background(), 10)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(breaks) != 1 || breaks[0].ID != e2.ID {
		t.Fatalf("expected exactly one break at entry 2, got %+v", breaks)
	}
}
