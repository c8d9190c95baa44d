package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/fe-row/AEGIS/infrastructure/httputil"
)

type walletResponse struct {
	AgentID          string `json:"agent_id"`
	BalanceUSD       string `json:"balance_usd"`
	DailyLimitUSD    string `json:"daily_limit_usd"`
	MonthlyLimitUSD  string `json:"monthly_limit_usd"`
	SpentTodayUSD    string `json:"spent_today_usd"`
	SpentMonthUSD    string `json:"spent_this_month_usd"`
	Frozen           bool   `json:"frozen"`
}

type topUpRequest struct {
	AmountUSD   string `json:"amount_usd"`
	Description string `json:"description"`
}

type freezeRequest struct {
	Frozen bool `json:"frozen"`
}

// handleGetWallet returns an agent's current budget state (C5).
func (s *Service) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	agentID := mux.Vars(r)["agent_id"]
	if _, err := s.deps.Identity.GetForSponsor(r.Context(), agentID, sponsorID); err != nil {
		writeError(w, r, err)
		return
	}
	wallet, err := s.deps.Wallet.Get(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, walletResponse{
		AgentID:         agentID,
		BalanceUSD:      wallet.Balance.StringFixed(4),
		DailyLimitUSD:   wallet.DailyLimit.StringFixed(4),
		MonthlyLimitUSD: wallet.MonthlyLimit.StringFixed(4),
		SpentTodayUSD:   wallet.SpentToday.StringFixed(4),
		SpentMonthUSD:   wallet.SpentThisMonth.StringFixed(4),
		Frozen:          wallet.Frozen,
	})
}

// handleTopUpWallet credits an agent's balance. This is a sponsor-console
// operation, not something an agent can trigger through proxy/execute.
func (s *Service) handleTopUpWallet(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	agentID := mux.Vars(r)["agent_id"]
	if _, err := s.deps.Identity.GetForSponsor(r.Context(), agentID, sponsorID); err != nil {
		writeError(w, r, err)
		return
	}

	var in topUpRequest
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	amount, err := decimal.NewFromString(in.AmountUSD)
	if err != nil {
		httputil.BadRequest(w, "amount_usd must be a decimal string")
		return
	}
	txn, err := s.deps.Wallet.TopUp(r.Context(), agentID, amount, in.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": txn.ID,
		"amount_usd":     txn.Amount.StringFixed(4),
	})
}

// handleFreezeWallet sets or clears an agent's wallet freeze flag, used by
// sponsors to pause spend without suspending the agent's identity outright.
func (s *Service) handleFreezeWallet(w http.ResponseWriter, r *http.Request) {
	sponsorID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	agentID := mux.Vars(r)["agent_id"]
	if _, err := s.deps.Identity.GetForSponsor(r.Context(), agentID, sponsorID); err != nil {
		writeError(w, r, err)
		return
	}
	var in freezeRequest
	if !httputil.DecodeJSON(w, r, &in) {
		return
	}
	if err := s.deps.Wallet.Freeze(r.Context(), agentID, in.Frozen); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}
