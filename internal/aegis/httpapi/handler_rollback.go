package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fe-row/AEGIS/infrastructure/httputil"
)

// handleListSnapshots returns an agent's recent rollback snapshots.
func (s *Service) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	agentID := mux.Vars(r)["agent_id"]
	if _, err := s.deps.Identity.GetForSponsor(r.Context(), agentID, sponsorID); err != nil {
		writeError(w, r, err)
		return
	}
	_, limit := httputil.PaginationParams(r, 20, 100)
	snaps, err := s.deps.Rollback.ListSnapshots(r.Context(), agentID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snaps})
}

// handleExecuteRollback consumes one snapshot and returns its undo
// instructions for the caller's integration to apply.
func (s *Service) handleExecuteRollback(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	snapshotID := mux.Vars(r)["snapshot_id"]
	result, err := s.deps.Rollback.ExecuteRollback(r.Context(), snapshotID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}
