package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fe-row/AEGIS/infrastructure/httputil"
)

type decideHITLRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note"`
}

// handleListPendingHITL returns the caller sponsor's pending approvals (C12).
func (s *Service) handleListPendingHITL(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	reqs, err := s.deps.HITL.ListPending(r.Context(), sponsorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

// handleGetHITL returns one approval request, scoped to the caller sponsor.
func (s *Service) handleGetHITL(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	req, err := s.deps.HITL.Get(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.SponsorID != sponsorID {
		httputil.NotFound(w, "hitl request not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, req)
}

// handleDecideHITL records a sponsor's approve/deny verdict. The first
// terminal write wins; a stale decision simply returns the already-settled
// state rather than erroring.
func (s *Service) handleDecideHITL(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	requestID := mux.Vars(r)["request_id"]

	existing, err := s.deps.HITL.Get(r.Context(), requestID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if existing.SponsorID != sponsorID {
		httputil.NotFound(w, "hitl request not found")
		return
	}

	var in decideHITLRequest
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	decided, err := s.deps.HITL.Decide(r.Context(), requestID, sponsorID, in.Approve, in.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, decided)
}
