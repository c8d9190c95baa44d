// Package breaker implements C10: a velocity-based circuit breaker that
// trips an agent into panic when its spend rate spikes.
package breaker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fe-row/AEGIS/internal/aegis/errs"
	"github.com/fe-row/AEGIS/internal/aegis/store"
)

const (
	// DefaultWindow is the sliding window width W used for both the
	// current and previous spend sums.
	DefaultWindow = 300 * time.Second
	// DefaultThresholdPct is the percentage spend increase that trips the
	// breaker.
	DefaultThresholdPct = 300.0
	// BaselineTripFactor trips the breaker outright if current spend
	// exceeds this multiple of the stored baseline.
	BaselineTripFactor = 4.0
	// MaxTripEvents bounds the per-agent trip event list.
	MaxTripEvents = 100
)

func spendKey(agentID string) string     { return fmt.Sprintf("breaker:spend:%s", agentID) }
func baselineKey(agentID string) string  { return fmt.Sprintf("breaker:baseline:%s", agentID) }
func tripEventsKey(agentID string) string { return fmt.Sprintf("breaker:trips:%s", agentID) }

// Notifier is notified when a breaker trips, so the pipeline can alert the
// sponsor without this package importing the webhook package directly.
type Notifier interface {
	NotifyCircuitTrip(ctx context.Context, agentID string, currentSpend, previousSpend float64)
}

// TrippedStore is the narrow slice of identity+wallet+JIT operations a trip
// must perform, in the exact order spec.md §4.8 step 5 requires.
type TrippedStore interface {
	PanicAgent(ctx context.Context, agentID string) error
	RevokeAllJIT(ctx context.Context, agentID string) error
	FreezeWallet(ctx context.Context, agentID string) error
}

// Breaker is C10.
type Breaker struct {
	ephemeral    store.Ephemeral
	window       time.Duration
	thresholdPct float64
	notifier     Notifier
}

// New constructs the circuit breaker.
func New(ephemeral store.Ephemeral, window time.Duration, thresholdPct float64, notifier Notifier) *Breaker {
	if window <= 0 {
		window = DefaultWindow
	}
	if thresholdPct <= 0 {
		thresholdPct = DefaultThresholdPct
	}
	return &Breaker{ephemeral: ephemeral, window: window, thresholdPct: thresholdPct, notifier: notifier}
}

// RecordSpend adds a charge to the agent's velocity window.
func (b *Breaker) RecordSpend(ctx context.Context, agentID string, amount float64, at time.Time) error {
	member := fmt.Sprintf("%d|%f", at.UnixNano(), amount)
	if err := b.ephemeral.ZAdd(ctx, spendKey(agentID), float64(at.Unix()), member); err != nil {
		return errs.Internal("record spend", err)
	}
	return nil
}

// CheckAndTrip evaluates the velocity rule for a pending charge of amount
// and, if it fires, executes the trip sequence against tripped.
func (b *Breaker) CheckAndTrip(ctx context.Context, agentID string, amount float64, tripped TrippedStore) (bool, error) {
	now := time.Now()
	current, err := b.windowSum(ctx, agentID, now.Add(-b.window), now)
	if err != nil {
		return false, err
	}
	current += amount

	previous, err := b.windowSum(ctx, agentID, now.Add(-2*b.window), now.Add(-b.window))
	if err != nil {
		return false, err
	}

	shouldTrip := false
	if previous > 0 && (current-previous)/previous*100 >= b.thresholdPct {
		shouldTrip = true
	}

	baseline, err := b.baseline(ctx, agentID)
	if err != nil {
		return false, err
	}
	if baseline > 0 && current > BaselineTripFactor*baseline {
		shouldTrip = true
	}

	if !shouldTrip {
		return false, nil
	}

	if err := b.trip(ctx, agentID, tripped); err != nil {
		return false, err
	}
	if b.notifier != nil {
		b.notifier.NotifyCircuitTrip(ctx, agentID, current, previous)
	}
	return true, nil
}

// trip executes the panic cascade in the exact order spec.md §4.8 requires:
// panic the agent, revoke all JIT tokens, freeze the wallet, then record
// the trip event.
func (b *Breaker) trip(ctx context.Context, agentID string, tripped TrippedStore) error {
	if err := tripped.PanicAgent(ctx, agentID); err != nil {
		return errs.Internal("panic agent", err)
	}
	if err := tripped.RevokeAllJIT(ctx, agentID); err != nil {
		return errs.Internal("revoke jit tokens", err)
	}
	if err := tripped.FreezeWallet(ctx, agentID); err != nil {
		return errs.Internal("freeze wallet", err)
	}
	return b.appendTripEvent(ctx, agentID)
}

func (b *Breaker) appendTripEvent(ctx context.Context, agentID string) error {
	key := tripEventsKey(agentID)
	event := []byte(strconv.FormatInt(time.Now().Unix(), 10))
	if err := b.ephemeral.RPush(ctx, key, event); err != nil {
		return errs.Internal("append trip event", err)
	}
	length, err := b.ephemeral.LLen(ctx, key)
	if err != nil {
		return errs.Internal("measure trip events", err)
	}
	for length > MaxTripEvents {
		if _, _, err := b.ephemeral.LPop(ctx, key); err != nil {
			return errs.Internal("trim trip events", err)
		}
		length--
	}
	return nil
}

func (b *Breaker) windowSum(ctx context.Context, agentID string, from, to time.Time) (float64, error) {
	members, err := b.ephemeral.ZRangeByScore(ctx, spendKey(agentID), float64(from.Unix()), float64(to.Unix()))
	if err != nil {
		return 0, errs.Internal("read spend window", err)
	}
	var sum float64
	for _, m := range members {
		parts := strings.SplitN(m, "|", 2)
		if len(parts) != 2 {
			continue
		}
		amount, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		sum += amount
	}
	return sum, nil
}

func (b *Breaker) baseline(ctx context.Context, agentID string) (float64, error) {
	raw, ok, err := b.ephemeral.Get(ctx, baselineKey(agentID))
	if err != nil {
		return 0, errs.Internal("read baseline", err)
	}
	if !ok {
		return 0, nil
	}
	val, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, nil
	}
	return val, nil
}

// SetBaseline stores an agent's expected steady-state spend rate, used by
// the 4x-baseline trip rule.
func (b *Breaker) SetBaseline(ctx context.Context, agentID string, baseline float64) error {
	raw := []byte(strconv.FormatFloat(baseline, 'f', -1, 64))
	if err := b.ephemeral.Set(ctx, baselineKey(agentID), raw, 0); err != nil {
		return errs.Internal("set baseline", err)
	}
	return nil
}
