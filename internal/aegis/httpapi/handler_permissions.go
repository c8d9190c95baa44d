package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fe-row/AEGIS/infrastructure/httputil"
	"github.com/fe-row/AEGIS/internal/aegis/model"
)

// upsertPermissionRequest is the PUT body for creating or replacing an
// agent's permission scope against one service (C6).
type upsertPermissionRequest struct {
	AllowedActions   []string               `json:"allowed_actions"`
	MaxRequestsPerHr int                    `json:"max_requests_per_hour"`
	Window           model.TimeWindow       `json:"window"`
	RecordCap        int                    `json:"record_cap"`
	RequiresHITL     bool                   `json:"requires_hitl"`
	PolicyOverride   map[string]interface{} `json:"policy_override"`
	Active           bool                   `json:"active"`
}

// handleUpsertPermission writes an agent's allowed-action scope for one
// service, invalidating the permission cache before returning (spec.md §4.4).
func (s *Service) handleUpsertPermission(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	agentID := mux.Vars(r)["agent_id"]
	if _, err := s.deps.Identity.GetForSponsor(r.Context(), agentID, sponsorID); err != nil {
		writeError(w, r, err)
		return
	}

	var in upsertPermissionRequest
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	serviceName := r.URL.Query().Get("service")
	if serviceName == "" {
		httputil.BadRequest(w, "service query parameter is required")
		return
	}

	perm := &model.Permission{
		AgentID:          agentID,
		ServiceName:      serviceName,
		AllowedActions:   in.AllowedActions,
		MaxRequestsPerHr: in.MaxRequestsPerHr,
		Window:           in.Window,
		RecordCap:        in.RecordCap,
		RequiresHITL:     in.RequiresHITL,
		PolicyOverride:   in.PolicyOverride,
		Active:           in.Active,
	}
	if err := s.deps.PermCache.Upsert(r.Context(), perm); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// handleDeactivatePermission revokes an agent's permission for one service.
func (s *Service) handleDeactivatePermission(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	agentID := vars["agent_id"]
	serviceName := vars["service"]
	if _, err := s.deps.Identity.GetForSponsor(r.Context(), agentID, sponsorID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.PermCache.Deactivate(r.Context(), agentID, serviceName); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}
