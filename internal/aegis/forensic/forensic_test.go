package forensic

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	aegiscrypto "github.com/fe-row/AEGIS/internal/aegis/crypto"
	"github.com/fe-row/AEGIS/internal/aegis/model"
)

type fakeStore struct {
	entries    []*model.AuditEntry
	exported   []int64
	ledgerCalls int
}

func (f *fakeStore) AuditEntriesByID(_ context.Context, fromID, toID int64, limit int) ([]*model.AuditEntry, error) {
	var out []*model.AuditEntry
	for _, e := range f.entries {
		if fromID > 0 && e.ID < fromID {
			continue
		}
		if toID > 0 && e.ID > toID {
			continue
		}
		if fromID <= 0 && toID <= 0 && e.ExportedAt != nil {
			continue
		}
		out = append(out, e)
		if len(out) >= limit && limit > 0 {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MarkAuditExported(_ context.Context, ids []int64, exportedAt time.Time, _ []byte) error {
	f.exported = append(f.exported, ids...)
	for _, e := range f.entries {
		for _, id := range ids {
			if e.ID == id {
				t := exportedAt
				e.ExportedAt = &t
			}
		}
	}
	return nil
}

func (f *fakeStore) InsertExportLedger(context.Context, string, int64, int64, string, time.Time) error {
	f.ledgerCalls++
	return nil
}

func buildChain(n int) []*model.AuditEntry {
	entries := make([]*model.AuditEntry, n)
	prev := aegiscrypto.GenesisHash
	ts := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < n; i++ {
		e := &model.AuditEntry{
			ID:           int64(i + 1),
			AgentID:      "agent-1",
			SponsorID:    "sponsor-1",
			ActionType:   "invoke",
			ServiceName:  "openai",
			CostUSD:      decimal.NewFromFloat(0.01),
			CreatedAt:    ts,
			PreviousHash: prev,
		}
		hash, _ := recomputeLogHash(e)
		e.LogHash = hash
		entries[i] = e
		prev = hash
	}
	return entries
}

func TestDeepVerifyChainCleanBatchHasNoTampers(t *testing.T) {
	store := &fakeStore{entries: buildChain(5)}
	ex := New(store, nil, nil)

	tampers, err := ex.DeepVerifyChain(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(tampers) != 0 {
		t.Fatalf("expected no tampers, got %+v", tampers)
	}
}

func TestDeepVerifyChainDetectsForgedHash(t *testing.T) {
	entries := buildChain(3)
	entries[1].LogHash = "forged0000000000000000000000000000000000000000000000000000000"
	entries[2].PreviousHash = entries[1].LogHash
	entries[2].LogHash, _ = recomputeLogHash(entries[2])
	store := &fakeStore{entries: entries}
	ex := New(store, nil, nil)

	tampers, err := ex.DeepVerifyChain(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(tampers) != 1 || tampers[0].ID != 2 {
		t.Fatalf("expected a single tamper at entry 2, got %+v", tampers)
	}
}

func TestExportBatchMarksRowsAndWritesLedger(t *testing.T) {
	entries := buildChain(4)
	store := &fakeStore{entries: entries}
	ex := New(store, nil, nil)

	result, err := ex.ExportBatch(context.Background(), 0, 0, 0, "ops@example.com")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if result.Count != 4 {
		t.Fatalf("expected 4 entries exported, got %d", result.Count)
	}
	if result.BatchHash == "" {
		t.Fatal("expected a non-empty batch hash")
	}
	if len(store.exported) != 4 {
		t.Fatalf("expected 4 rows marked exported, got %d", len(store.exported))
	}
	if store.ledgerCalls != 1 {
		t.Fatalf("expected exactly one export ledger insert, got %d", store.ledgerCalls)
	}

	again, err := ex.ExportBatch(context.Background(), 0, 0, 0, "ops@example.com")
	if err != nil {
		t.Fatalf("second export: %v", err)
	}
	if again.Count != 0 {
		t.Fatalf("expected no un-exported rows left, got %d", again.Count)
	}
}

func TestExportBatchAbortsOnChainBreak(t *testing.T) {
	entries := buildChain(3)
	entries[2].PreviousHash = "broken"
	store := &fakeStore{entries: entries}
	ex := New(store, nil, nil)

	if _, err := ex.ExportBatch(context.Background(), 0, 0, 0, "ops@example.com"); err == nil {
		t.Fatal("expected export to abort on a chain break")
	}
	if len(store.exported) != 0 {
		t.Fatal("expected no rows marked exported after an aborted export")
	}
}
