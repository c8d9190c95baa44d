// Package wallet implements C5: the agent spending budget, with atomic
// balance/limit checks and a row-locked charge path.
package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fe-row/AEGIS/internal/aegis/errs"
	"github.com/fe-row/AEGIS/internal/aegis/model"
	"github.com/fe-row/AEGIS/internal/aegis/store"
)

// TopUpServiceName is the synthetic service name recorded against a top-up
// transaction so it is distinguishable from a real spend in the ledger.
const TopUpServiceName = "__topup__"

// Service is C5.
type Service struct {
	persistent store.Persistent
}

// New constructs the wallet service.
func New(persistent store.Persistent) *Service {
	return &Service{persistent: persistent}
}

// applyPeriodResets lazily rolls spent_today/spent_this_month back to zero
// when the stored reset markers are stale, per spec.md §4.3. The wallet is
// mutated in place; callers are expected to already hold whatever lock is
// appropriate for their use (preflight needs none, charge needs the row
// lock).
func applyPeriodResets(w *model.Wallet, now time.Time) {
	now = now.UTC()
	lastDaily := w.LastDailyReset.UTC()
	if lastDaily.Year() != now.Year() || lastDaily.YearDay() != now.YearDay() {
		w.SpentToday = decimal.Zero
		w.LastDailyReset = now
	}
	lastMonthly := w.LastMonthlyReset.UTC()
	if lastMonthly.Year() != now.Year() || lastMonthly.Month() != now.Month() {
		w.SpentThisMonth = decimal.Zero
		w.LastMonthlyReset = now
	}
}

// CanSpend is the read-only preflight: it reports whether amount could be
// charged right now, without mutating anything.
func (s *Service) CanSpend(ctx context.Context, agentID string, amount decimal.Decimal) (bool, string, error) {
	w, err := s.persistent.GetWallet(ctx, agentID)
	if err != nil {
		return false, "", errs.Internal("get wallet", err)
	}
	if w == nil {
		return false, "", errs.NotFound("wallet", agentID)
	}

	snapshot := *w
	applyPeriodResets(&snapshot, time.Now())
	allowed, reason := evaluateSpend(&snapshot, amount)
	return allowed, reason, nil
}

// evaluateSpend applies spec.md §4.3's denial ladder: frozen, then balance,
// then daily limit, then monthly limit.
func evaluateSpend(w *model.Wallet, amount decimal.Decimal) (bool, string) {
	if w.Frozen {
		return false, "Wallet is frozen"
	}
	if w.Balance.LessThan(amount) {
		return false, fmt.Sprintf("Insufficient balance: %s < %s", w.Balance.StringFixed(4), amount.StringFixed(4))
	}
	if w.SpentToday.Add(amount).GreaterThan(w.DailyLimit) {
		return false, "Daily limit exceeded"
	}
	if w.SpentThisMonth.Add(amount).GreaterThan(w.MonthlyLimit) {
		return false, "Monthly limit exceeded"
	}
	return true, ""
}

// ReserveAndCharge is the serializable debit path: lock, re-check, debit,
// append a ledger row, commit — or fail with no side effects at all.
func (s *Service) ReserveAndCharge(ctx context.Context, agentID string, amount decimal.Decimal, description, serviceName, actionType string) (bool, string, *model.WalletTransaction, error) {
	if amount.IsNegative() || amount.IsZero() {
		return false, "", nil, errs.InvalidInput("amount", "must be positive")
	}

	var (
		deniedReason string
		txn          *model.WalletTransaction
	)

	_, resultTxn, err := s.persistent.WithWalletLock(ctx, agentID, func(_ context.Context, w *model.Wallet) (*model.Wallet, *model.WalletTransaction, error) {
		applyPeriodResets(w, time.Now())

		allowed, reason := evaluateSpend(w, amount)
		if !allowed {
			deniedReason = reason
			return nil, nil, nil
		}

		w.Balance = w.Balance.Sub(amount)
		w.SpentToday = w.SpentToday.Add(amount)
		w.SpentThisMonth = w.SpentThisMonth.Add(amount)

		txn = &model.WalletTransaction{
			AgentID:     agentID,
			Amount:      amount.Neg(),
			Description: description,
			ServiceName: serviceName,
			ActionType:  actionType,
		}
		return w, txn, nil
	})
	if err != nil {
		return false, "", nil, errs.Internal("reserve and charge", err)
	}
	if deniedReason != "" {
		return false, deniedReason, nil, nil
	}
	return true, "", resultTxn, nil
}

// TopUp credits the wallet balance without touching either spent counter,
// recorded as a positive-amount transaction against TopUpServiceName.
func (s *Service) TopUp(ctx context.Context, agentID string, amount decimal.Decimal, description string) (*model.WalletTransaction, error) {
	if amount.IsNegative() || amount.IsZero() {
		return nil, errs.InvalidInput("amount", "must be positive")
	}

	var txn *model.WalletTransaction
	_, resultTxn, err := s.persistent.WithWalletLock(ctx, agentID, func(_ context.Context, w *model.Wallet) (*model.Wallet, *model.WalletTransaction, error) {
		w.Balance = w.Balance.Add(amount)
		txn = &model.WalletTransaction{
			AgentID:     agentID,
			Amount:      amount,
			Description: description,
			ServiceName: TopUpServiceName,
			ActionType:  "topup",
		}
		return w, txn, nil
	})
	if err != nil {
		return nil, errs.Internal("top up wallet", err)
	}
	return resultTxn, nil
}

// Freeze sets or clears the frozen flag. While frozen, CanSpend and
// ReserveAndCharge both deny unconditionally.
func (s *Service) Freeze(ctx context.Context, agentID string, frozen bool) error {
	if err := s.persistent.FreezeWallet(ctx, agentID, frozen); err != nil {
		return errs.Internal("freeze wallet", err)
	}
	return nil
}

// Get returns the current wallet state with lazy period resets applied for
// read purposes only (it does not persist the reset).
func (s *Service) Get(ctx context.Context, agentID string) (*model.Wallet, error) {
	w, err := s.persistent.GetWallet(ctx, agentID)
	if err != nil {
		return nil, errs.Internal("get wallet", err)
	}
	if w == nil {
		return nil, errs.NotFound("wallet", agentID)
	}
	applyPeriodResets(w, time.Now())
	return w, nil
}
