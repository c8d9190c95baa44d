package httpapi

import (
	"net/http"
	"time"

	"github.com/fe-row/AEGIS/infrastructure/httputil"
)

// handleQueryAudit lets a sponsor page through their own audit trail (C13),
// optionally narrowed by agent, service, and a since timestamp.
func (s *Service) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	agentID := httputil.QueryString(r, "agent_id", "")
	serviceName := httputil.QueryString(r, "service_name", "")
	offset, limit := httputil.PaginationParams(r, 50, 500)

	var since *time.Time
	if raw := httputil.QueryString(r, "since", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.BadRequest(w, "since must be an RFC3339 timestamp")
			return
		}
		since = &t
	}

	entries, err := s.deps.Audit.Query(r.Context(), sponsorID, agentID, serviceName, since, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// handleVerifyChain re-hashes the most recent limit audit rows and reports
// any break in the SHA3-256 chain (C13's tamper-detection surface).
func (s *Service) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	limit := httputil.QueryInt(r, "limit", 1000)
	breaks, err := s.deps.Audit.VerifyChainIntegrity(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"intact": len(breaks) == 0,
		"breaks": breaks,
	})
}
