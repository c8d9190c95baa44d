package anomaly

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fe-row/AEGIS/internal/aegis/model"
)

// fakeEphemeral is a minimal in-memory store.Ephemeral sufficient for the
// list/counter operations the anomaly detector exercises.
type fakeEphemeral struct {
	mu       sync.Mutex
	lists    map[string][][]byte
	counters map[string]int64
}

func newFakeEphemeral() *fakeEphemeral {
	return &fakeEphemeral{lists: make(map[string][][]byte), counters: make(map[string]int64)}
}

func (f *fakeEphemeral) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (f *fakeEphemeral) Get(context.Context, string) ([]byte, bool, error)         { return nil, false, nil }
func (f *fakeEphemeral) Del(context.Context, ...string) error                      { return nil }
func (f *fakeEphemeral) Keys(context.Context, string) ([]string, error)            { return nil, nil }
func (f *fakeEphemeral) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
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
	l := f.lists[key]
	if len(l) == 0 {
		return nil, false, nil
	}
	v := l[0]
	f.lists[key] = l[1:]
	return v, true, nil
}

func (f *fakeEphemeral) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
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

func (f *fakeEphemeral) Incr(ctx context.Context, key string) (int64, error) {
	return f.IncrBy(ctx, key, 1)
}

func (f *fakeEphemeral) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key] += delta
	return f.counters[key], nil
}

// fakePersistent stubs only GetBehaviorProfile/UpsertBehaviorProfile.
type fakePersistent struct {
	profile *model.BehaviorProfile
}

func (f *fakePersistent) GetBehaviorProfile(context.Context, string) (*model.BehaviorProfile, error) {
	return f.profile, nil
}
func (f *fakePersistent) UpsertBehaviorProfile(_ context.Context, p *model.BehaviorProfile) error {
	f.profile = p
	return nil
}

func TestRecordActionTrimsToWindowSize(t *testing.T) {
	eph := newFakeEphemeral()
	d := &Detector{ephemeral: eph}

	for i := 0; i < RollingWindowSize+10; i++ {
		if err := d.RecordAction(context.Background(), "agent-1", "openai", "chat", 0.01); err != nil {
			t.Fatalf("record action %d: %v", i, err)
		}
	}

	length, err := eph.LLen(context.Background(), actionsKey("agent-1"))
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if length != RollingWindowSize {
		t.Fatalf("expected log trimmed to %d, got %d", RollingWindowSize, length)
	}
}

func TestDetectAnomalyMissingProfileIsNotAnomalous(t *testing.T) {
	eph := newFakeEphemeral()
	persistent := &fakePersistent{}
	d := &Detector{ephemeral: eph, persistent: persistent}

	res, err := d.DetectAnomaly(context.Background(), "agent-1", "openai", "chat")
	if err != nil {
		t.Fatalf("detect anomaly: %v", err)
	}
	if res.IsAnomalous || res.RiskScore != 0 {
		t.Fatalf("expected no anomaly for missing profile, got %+v", res)
	}
}

func TestDetectAnomalyFlagsUnusualService(t *testing.T) {
	eph := newFakeEphemeral()
	persistent := &fakePersistent{profile: &model.BehaviorProfile{
		TypicalServices: []string{"openai"},
		HourFrequency:   map[int]int{time.Now().UTC().Hour(): 5},
		AvgRequestsPerH: 100,
	}}
	d := &Detector{ephemeral: eph, persistent: persistent}

	res, err := d.DetectAnomaly(context.Background(), "agent-1", "stripe", "charge")
	if err != nil {
		t.Fatalf("detect anomaly: %v", err)
	}
	if !containsAnomaly(res.Anomalies, "unusual_service:stripe") {
		t.Fatalf("expected unusual_service tag, got %v", res.Anomalies)
	}
}

func containsAnomaly(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
