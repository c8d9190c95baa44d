// Package trust implements the agent reputation system: reward/penalty
// deltas and the pure autonomy-bucket function derived from trust score.
package trust

import (
	"context"
)

// Reward and penalty deltas, applied via Engine.Adjust and clamped to
// [MinScore, MaxScore].
const (
	RewardSuccessfulAction  = 0.1
	RewardCleanAuditStreak  = 0.5
	PenaltyPolicyViolation  = -2.0
	PenaltyAnomaly          = -5.0
	PenaltyCircuitBreak     = -15.0
	PenaltyPromptInjection  = -10.0
	PenaltyHITLRejected     = -3.0
)

// MinScore and MaxScore bound a trust score.
const (
	MinScore = 0.0
	MaxScore = 100.0
)

// Level is an autonomy bucket derived from trust score.
type Level string

const (
	LevelHigh        Level = "high"
	LevelMedium      Level = "medium"
	LevelStandard    Level = "standard"
	LevelRestricted  Level = "restricted"
	LevelQuarantine  Level = "quarantine"
)

// Autonomy is the metadata attached to one trust bucket, surfaced in
// policy engine requests and agent status responses.
type Autonomy struct {
	Level                Level
	SpendingMultiplier   float64
	HITLBypass           bool
	MaxCostWithoutHITL   float64
}

// AutonomyLevel is a pure function of trust score with thresholds
// 80/60/40/20.
func AutonomyLevel(score float64) Autonomy {
	switch {
	case score >= 80:
		return Autonomy{Level: LevelHigh, SpendingMultiplier: 2.0, HITLBypass: true, MaxCostWithoutHITL: 10.0}
	case score >= 60:
		return Autonomy{Level: LevelMedium, SpendingMultiplier: 1.5, HITLBypass: false, MaxCostWithoutHITL: 5.0}
	case score >= 40:
		return Autonomy{Level: LevelStandard, SpendingMultiplier: 1.0, HITLBypass: false, MaxCostWithoutHITL: 2.0}
	case score >= 20:
		return Autonomy{Level: LevelRestricted, SpendingMultiplier: 0.5, HITLBypass: false, MaxCostWithoutHITL: 0.5}
	default:
		return Autonomy{Level: LevelQuarantine, SpendingMultiplier: 0.0, HITLBypass: false, MaxCostWithoutHITL: 0.0}
	}
}

func clamp(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// trustAdjuster is the narrow slice of identity.Service the engine needs —
// it already owns the read-modify-write clamp against persistent storage.
type trustAdjuster interface {
	AdjustTrust(ctx context.Context, agentID string, delta float64) (float64, error)
}

// Engine applies reward/penalty deltas to an agent's trust score.
type Engine struct {
	agents trustAdjuster
}

// New constructs the trust engine.
func New(agents trustAdjuster) *Engine {
	return &Engine{agents: agents}
}

// Adjust applies delta to the agent's current trust score, clamped to
// [MinScore, MaxScore], and returns the resulting score.
func (e *Engine) Adjust(ctx context.Context, agentID string, delta float64) (float64, error) {
	score, err := e.agents.AdjustTrust(ctx, agentID, delta)
	if err != nil {
		return 0, err
	}
	return clamp(score), nil
}

func (e *Engine) RewardSuccess(ctx context.Context, agentID string) (float64, error) {
	return e.Adjust(ctx, agentID, RewardSuccessfulAction)
}

func (e *Engine) RewardCleanAuditStreak(ctx context.Context, agentID string) (float64, error) {
	return e.Adjust(ctx, agentID, RewardCleanAuditStreak)
}

func (e *Engine) PenalizePolicyViolation(ctx context.Context, agentID string) (float64, error) {
	return e.Adjust(ctx, agentID, PenaltyPolicyViolation)
}

func (e *Engine) PenalizeAnomaly(ctx context.Context, agentID string) (float64, error) {
	return e.Adjust(ctx, agentID, PenaltyAnomaly)
}

func (e *Engine) PenalizeCircuitBreak(ctx context.Context, agentID string) (float64, error) {
	return e.Adjust(ctx, agentID, PenaltyCircuitBreak)
}

func (e *Engine) PenalizePromptInjection(ctx context.Context, agentID string) (float64, error) {
	return e.Adjust(ctx, agentID, PenaltyPromptInjection)
}

func (e *Engine) PenalizeHITLRejected(ctx context.Context, agentID string) (float64, error) {
	return e.Adjust(ctx, agentID, PenaltyHITLRejected)
}
