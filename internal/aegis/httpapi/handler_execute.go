package httpapi

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/fe-row/AEGIS/infrastructure/httputil"
	"github.com/fe-row/AEGIS/internal/aegis/errs"
	"github.com/fe-row/AEGIS/internal/aegis/pipeline"
)

// executeRequest is the §4.14/§6 request shape for POST /proxy/execute.
type executeRequest struct {
	AgentID       string            `json:"agent_id"`
	ServiceName   string            `json:"service_name"`
	Action        string            `json:"action"`
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body"`
	Prompt        string            `json:"prompt"`
	Model         string            `json:"model"`
	EstimatedCost string            `json:"estimated_cost_usd"`
}

// executeResponse is §6's response envelope.
type executeResponse struct {
	RequestID      string      `json:"request_id"`
	Status         string      `json:"status"`
	ResponseCode   int         `json:"response_code,omitempty"`
	ResponseBody   string      `json:"response_body,omitempty"`
	CostChargedUSD string      `json:"cost_charged_usd"`
	PolicyResult   interface{} `json:"policy_result,omitempty"`
	Message        string      `json:"message"`
	DurationMS     int64       `json:"duration_ms,omitempty"`
}

// handleExecute is §6's POST /proxy/execute: the sole entry point the
// agent-facing SDK calls. A request body over 10 MiB never reaches here —
// it is rejected upstream by the body-limit middleware with 413.
func (s *Service) handleExecute(w http.ResponseWriter, r *http.Request) {
	sponsorID := sponsorFromContext(r.Context())

	var in executeRequest
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}

	cost, err := decimal.NewFromString(in.EstimatedCost)
	if err != nil {
		httputil.BadRequest(w, "estimated_cost_usd must be a decimal string")
		return
	}

	req := pipeline.Request{
		SponsorID:      sponsorID,
		AgentID:        in.AgentID,
		ServiceName:    in.ServiceName,
		Action:         in.Action,
		URL:            in.URL,
		Method:         in.Method,
		Headers:        in.Headers,
		Body:           []byte(in.Body),
		Prompt:         in.Prompt,
		Model:          in.Model,
		EstimatedCost:  cost,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		ClientIP:       clientIP(r),
	}

	result, err := s.deps.Pipeline.Execute(r.Context(), req)
	if err != nil {
		if isConflict(err) {
			httputil.WriteErrorResponse(w, r, http.StatusConflict, "CONFLICT", "a request with this idempotency key is already in flight", nil)
			return
		}
		writeError(w, r, err)
		return
	}

	// The request_id in the response is the pipeline's own — on an
	// idempotent replay it is the id minted on the first call, not a new
	// one, so a retried request is indistinguishable from its original.
	requestID := result.RequestID

	resp := executeResponse{
		RequestID:      requestID,
		Status:         string(result.Status),
		ResponseCode:   result.ResponseCode,
		ResponseBody:   string(result.ResponseBody),
		CostChargedUSD: result.CostUSD.StringFixed(6),
		DurationMS:     result.DurationMS,
	}
	switch result.Status {
	case pipeline.StatusBlocked:
		resp.Message = result.Reason
		resp.PolicyResult = map[string]interface{}{"error_code": string(result.ErrorCode), "reason": result.Reason}
	case pipeline.StatusHITLPending:
		resp.Message = "pending human approval"
		resp.PolicyResult = map[string]interface{}{"hitl_request_id": result.HITLRequestID}
	default:
		resp.Message = "executed"
		resp.PolicyResult = result.PolicyDecision
	}

	w.Header().Set("X-Request-ID", requestID)
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func isConflict(err error) bool {
	se := errs.AsServiceError(err)
	return se != nil && se.HTTPStatus == http.StatusConflict
}
