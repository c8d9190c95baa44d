package trust

import (
	"context"
	"testing"
)

type fakeAgents struct {
	score float64
}

func (f *fakeAgents) AdjustTrust(_ context.Context, _ string, delta float64) (float64, error) {
	next := f.score + delta
	if next < MinScore {
		next = MinScore
	}
	if next > MaxScore {
		next = MaxScore
	}
	f.score = next
	return next, nil
}

func TestAutonomyLevelThresholds(t *testing.T) {
	cases := []struct {
		score float64
		want  Level
	}{
		{100, LevelHigh},
		{80, LevelHigh},
		{79.9, LevelMedium},
		{60, LevelMedium},
		{59.9, LevelStandard},
		{40, LevelStandard},
		{39.9, LevelRestricted},
		{20, LevelRestricted},
		{19.9, LevelQuarantine},
		{0, LevelQuarantine},
	}
	for _, c := range cases {
		got := AutonomyLevel(c.score)
		if got.Level != c.want {
			t.Errorf("AutonomyLevel(%v) = %s, want %s", c.score, got.Level, c.want)
		}
	}
}

func TestAutonomyLevelMetadataMatchesSpec(t *testing.T) {
	high := AutonomyLevel(90)
	if high.SpendingMultiplier != 2.0 || !high.HITLBypass || high.MaxCostWithoutHITL != 10.0 {
		t.Fatalf("unexpected high-tier metadata: %+v", high)
	}
	quarantine := AutonomyLevel(5)
	if quarantine.SpendingMultiplier != 0.0 || quarantine.HITLBypass || quarantine.MaxCostWithoutHITL != 0.0 {
		t.Fatalf("unexpected quarantine-tier metadata: %+v", quarantine)
	}
}

func TestPanicCascadeMatchesWorkedExample(t *testing.T) {
	agents := &fakeAgents{score: 50}
	e := New(agents)

	score, err := e.PenalizePromptInjection(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("penalize injection: %v", err)
	}
	if score != 40 {
		t.Fatalf("expected trust 40 after prompt injection penalty, got %v", score)
	}

	score, err = e.PenalizeAnomaly(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("penalize anomaly: %v", err)
	}
	if score != 35 {
		t.Fatalf("expected trust 35 after anomaly penalty, got %v", score)
	}

	score, err = e.PenalizeCircuitBreak(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("penalize circuit break: %v", err)
	}
	if score != 20 {
		t.Fatalf("expected trust 20 after circuit breaker penalty, got %v", score)
	}

	score, err = e.PenalizePolicyViolation(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("penalize policy violation: %v", err)
	}
	if score != 18 {
		t.Fatalf("expected trust 18 after policy violation penalty, got %v", score)
	}
	if AutonomyLevel(score).Level != LevelQuarantine {
		t.Fatalf("expected quarantine autonomy at trust 18, got %s", AutonomyLevel(score).Level)
	}
}

func TestAdjustClampsToBounds(t *testing.T) {
	agents := &fakeAgents{score: 99.95}
	e := New(agents)
	score, err := e.RewardSuccess(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("reward success: %v", err)
	}
	if score != MaxScore {
		t.Fatalf("expected score clamped to %v, got %v", MaxScore, score)
	}

	agents.score = 0.1
	score, err = e.PenalizeCircuitBreak(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("penalize circuit break: %v", err)
	}
	if score != MinScore {
		t.Fatalf("expected score clamped to %v, got %v", MinScore, score)
	}
}
