// Package identity implements C4: agent registration, lookup, and the
// status lifecycle (active/suspended/revoked/panic).
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	aegiscrypto "github.com/fe-row/AEGIS/internal/aegis/crypto"
	"github.com/fe-row/AEGIS/internal/aegis/errs"
	"github.com/fe-row/AEGIS/internal/aegis/model"
	"github.com/fe-row/AEGIS/internal/aegis/store"
)

// DefaultDailyLimitUSD and DefaultMonthlyLimitUSD seed a freshly registered
// agent's wallet when the caller does not specify limits.
const (
	DefaultDailyLimitUSD   = "10.000000"
	DefaultMonthlyLimitUSD = "200.000000"
	DefaultTrustScore      = 50.0
)

// Service is C4.
type Service struct {
	persistent store.Persistent
}

// New constructs the identity service.
func New(persistent store.Persistent) *Service {
	return &Service{persistent: persistent}
}

// RegisterInput describes a new agent to provision.
type RegisterInput struct {
	SponsorID    string
	Name         string
	AgentType    string
	DailyLimit   string
	MonthlyLimit string
}

// Register fingerprints, provisions a wallet and behavior profile, and
// persists a new agent in the active state.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.Agent, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errs.InvalidInput("name", "must not be empty")
	}
	if strings.TrimSpace(in.SponsorID) == "" {
		return nil, errs.InvalidInput("sponsor_id", "must not be empty")
	}

	fingerprint, err := aegiscrypto.IdentityFingerprint(name, in.SponsorID)
	if err != nil {
		return nil, errs.Internal("generate fingerprint", err)
	}

	daily := in.DailyLimit
	if daily == "" {
		daily = DefaultDailyLimitUSD
	}
	monthly := in.MonthlyLimit
	if monthly == "" {
		monthly = DefaultMonthlyLimitUSD
	}
	dailyDec, err := decimal.NewFromString(daily)
	if err != nil {
		return nil, errs.InvalidInput("daily_limit", err.Error())
	}
	monthlyDec, err := decimal.NewFromString(monthly)
	if err != nil {
		return nil, errs.InvalidInput("monthly_limit", err.Error())
	}

	agent := &model.Agent{
		SponsorID:   in.SponsorID,
		Name:        name,
		AgentType:   in.AgentType,
		Status:      model.AgentActive,
		TrustScore:  DefaultTrustScore,
		Fingerprint: fingerprint,
	}
	wallet := &model.Wallet{DailyLimit: dailyDec, MonthlyLimit: monthlyDec}
	profile := &model.BehaviorProfile{}

	if err := s.persistent.CreateAgent(ctx, agent, wallet, profile); err != nil {
		return nil, errs.Internal("create agent", err)
	}
	return agent, nil
}

// Get returns an agent by id, regardless of sponsor.
func (s *Service) Get(ctx context.Context, agentID string) (*model.Agent, error) {
	agent, err := s.persistent.GetAgent(ctx, agentID)
	if err != nil {
		return nil, errs.Internal("get agent", err)
	}
	if agent == nil {
		return nil, errs.NotFound("agent", agentID)
	}
	return agent, nil
}

// GetForSponsor returns an agent scoped to a sponsor. An agent that exists
// but belongs to a different sponsor is reported as not found — cross-tenant
// existence must never leak through a 403.
func (s *Service) GetForSponsor(ctx context.Context, agentID, sponsorID string) (*model.Agent, error) {
	agent, err := s.persistent.GetAgentForSponsor(ctx, agentID, sponsorID)
	if err != nil {
		return nil, errs.Internal("get agent for sponsor", err)
	}
	if agent == nil {
		return nil, errs.NotFound("agent", agentID)
	}
	return agent, nil
}

// List returns a sponsor's agents.
func (s *Service) List(ctx context.Context, sponsorID string, limit, offset int) ([]*model.Agent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	agents, err := s.persistent.ListAgents(ctx, sponsorID, limit, offset)
	if err != nil {
		return nil, errs.Internal("list agents", err)
	}
	return agents, nil
}

// Suspend transitions an agent to suspended. Idempotent.
func (s *Service) Suspend(ctx context.Context, agentID string) error {
	return s.transition(ctx, agentID, model.AgentSuspended)
}

// Activate transitions a suspended agent back to active. Revoked and
// panicked agents cannot be reactivated through this path.
func (s *Service) Activate(ctx context.Context, agentID string) error {
	agent, err := s.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status == model.AgentRevoked || agent.Status == model.AgentPanic {
		return errs.Conflict(fmt.Sprintf("agent is %s and cannot be reactivated", agent.Status))
	}
	return s.transition(ctx, agentID, model.AgentActive)
}

// Revoke permanently retires an agent.
func (s *Service) Revoke(ctx context.Context, agentID string) error {
	return s.transition(ctx, agentID, model.AgentRevoked)
}

// Panic places an agent into the panic state. This transition is reserved
// for the circuit breaker (C10) reacting to a velocity-spend trip — it is
// not a caller-facing operation.
func (s *Service) Panic(ctx context.Context, agentID string) error {
	return s.transition(ctx, agentID, model.AgentPanic)
}

func (s *Service) transition(ctx context.Context, agentID string, status model.AgentStatus) error {
	if _, err := s.Get(ctx, agentID); err != nil {
		return err
	}
	if err := s.persistent.UpdateAgentStatus(ctx, agentID, status); err != nil {
		return errs.Internal("update agent status", err)
	}
	return nil
}

// AdjustTrust clamps and persists a trust score delta (spec.md's trust
// reward/penalty constants are applied by the pipeline; this just enforces
// the [0, 100] bound and does the write).
func (s *Service) AdjustTrust(ctx context.Context, agentID string, delta float64) (float64, error) {
	agent, err := s.Get(ctx, agentID)
	if err != nil {
		return 0, err
	}
	next := agent.TrustScore + delta
	if next < 0 {
		next = 0
	}
	if next > 100 {
		next = 100
	}
	if err := s.persistent.UpdateAgentTrust(ctx, agentID, next); err != nil {
		return 0, errs.Internal("update agent trust", err)
	}
	return next, nil
}

// IsActive reports whether the agent may be used in the execution pipeline.
func IsActive(agent *model.Agent) bool {
	return agent.Status == model.AgentActive
}
