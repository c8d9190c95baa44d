package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fe-row/AEGIS/infrastructure/httputil"
	"github.com/fe-row/AEGIS/internal/aegis/identity"
	"github.com/fe-row/AEGIS/internal/aegis/model"
	"github.com/fe-row/AEGIS/internal/aegis/trust"
)

type registerAgentRequest struct {
	Name         string `json:"name"`
	AgentType    string `json:"agent_type"`
	DailyLimit   string `json:"daily_limit_usd"`
	MonthlyLimit string `json:"monthly_limit_usd"`
}

type agentResponse struct {
	ID          string  `json:"id"`
	SponsorID   string  `json:"sponsor_id"`
	Name        string  `json:"name"`
	AgentType   string  `json:"agent_type"`
	Status      string  `json:"status"`
	TrustScore  float64 `json:"trust_score"`
	Fingerprint string  `json:"fingerprint"`
	Autonomy    string  `json:"autonomy_level"`
}

// handleRegisterAgent is the sponsor-facing C4 registration endpoint.
func (s *Service) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var in registerAgentRequest
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	agent, err := s.deps.Identity.Register(r.Context(), identity.RegisterInput{
		SponsorID:    sponsorID,
		Name:         in.Name,
		AgentType:    in.AgentType,
		DailyLimit:   in.DailyLimit,
		MonthlyLimit: in.MonthlyLimit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toAgentResponse(agent))
}

// handleGetAgent returns one agent, 404-scoped to the caller's sponsor so
// cross-tenant existence never leaks.
func (s *Service) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	agentID := mux.Vars(r)["agent_id"]
	agent, err := s.deps.Identity.GetForSponsor(r.Context(), agentID, sponsorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAgentResponse(agent))
}

// handleListAgents returns the caller sponsor's agents.
func (s *Service) handleListAgents(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	offset, limit := httputil.PaginationParams(r, 50, 200)
	agents, err := s.deps.Identity.List(r.Context(), sponsorID, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, toAgentResponse(a))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"agents": out})
}

// handleSuspendAgent flips an agent to the suspended status.
func (s *Service) handleSuspendAgent(w http.ResponseWriter, r *http.Request) {
	s.transitionAgent(w, r, s.deps.Identity.Suspend)
}

// handleActivateAgent reactivates a suspended agent.
func (s *Service) handleActivateAgent(w http.ResponseWriter, r *http.Request) {
	s.transitionAgent(w, r, s.deps.Identity.Activate)
}

func (s *Service) transitionAgent(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, agentID string) error) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	agentID := mux.Vars(r)["agent_id"]
	// Scope the mutation to the caller's sponsor before applying it.
	if _, err := s.deps.Identity.GetForSponsor(r.Context(), agentID, sponsorID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := transition(r.Context(), agentID); err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := s.deps.Identity.Get(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toAgentResponse(agent))
}

func toAgentResponse(a *model.Agent) agentResponse {
	return agentResponse{
		ID:          a.ID,
		SponsorID:   a.SponsorID,
		Name:        a.Name,
		AgentType:   a.AgentType,
		Status:      string(a.Status),
		TrustScore:  a.TrustScore,
		Fingerprint: a.Fingerprint,
		Autonomy:    string(trust.AutonomyLevel(a.TrustScore).Level),
	}
}
