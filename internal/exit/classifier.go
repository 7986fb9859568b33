// Package exit computes realized PnL and the normalized outcome of a closed recommendation.
package exit

import (
	"math"
	"time"

	"recommendation-tracker/internal/domain"
)

// BreakevenBandPct is the absolute PnL percent under which an exit is BREAKEVEN.
const BreakevenBandPct = 0.1

// Outcome is the classification of an exit.
type Outcome struct {
	Result     domain.Result
	PnLAmount  float64
	PnLPercent float64 // leverage-inclusive
	Label      domain.ExitLabel
}

// PnLPercent returns the direction-signed price move percent times leverage.
func PnLPercent(direction domain.Direction, entry, price, leverage float64) float64 {
	if entry <= 0 {
		return 0
	}
	if leverage < 1 {
		leverage = 1
	}
	return direction.Sign() * (price - entry) / entry * 100 * leverage
}

// PnLAmount converts a leverage-inclusive percent into an amount on size.
func PnLAmount(pnlPercent, size float64) float64 {
	return pnlPercent / 100 * size
}

// Classify computes the outcome of closing r at exitPrice for reason.
// The PnL sign decides WIN/LOSS; the reason only forces BREAKEVEN and TIMEOUT.
func Classify(r *domain.Recommendation, reason domain.ExitReason, exitPrice float64) Outcome {
	pct := PnLPercent(r.Direction, r.EntryPrice, exitPrice, r.Leverage)
	out := Outcome{
		PnLPercent: pct,
		PnLAmount:  PnLAmount(pct, r.PositionSize),
	}

	switch {
	case reason == domain.ExitReasonBreakeven || math.Abs(pct) < BreakevenBandPct:
		out.Result = domain.ResultBreakeven
	case pct > 0:
		out.Result = domain.ResultWin
	default:
		out.Result = domain.ResultLoss
	}

	switch {
	case reason == domain.ExitReasonTimeout:
		out.Label = domain.ExitLabelTimeout
	case out.Result == domain.ResultBreakeven:
		out.Label = domain.ExitLabelBreakeven
	case pct > BreakevenBandPct:
		out.Label = domain.ExitLabelDynamicTakeProfit
	case pct < -BreakevenBandPct:
		out.Label = domain.ExitLabelDynamicStopLoss
	default:
		out.Label = domain.ExitLabelNone
	}

	return out
}

// Apply writes a terminal state into r: CLOSED with a result, or EXPIRED for
// TIMEOUT. Returns domain.ErrInvalidTransition if r is already terminal.
func Apply(r *domain.Recommendation, reason domain.ExitReason, exitPrice float64, now time.Time) (Outcome, error) {
	to := domain.StatusClosed
	if reason == domain.ExitReasonTimeout {
		to = domain.StatusExpired
	}
	if !domain.CanTransition(r.Status, to) {
		return Outcome{}, domain.ErrInvalidTransition
	}

	out := Classify(r, reason, exitPrice)

	r.Status = to
	if to == domain.StatusClosed {
		r.Result = out.Result
	}
	price := exitPrice
	r.ExitPrice = &price
	r.ExitTime = &now
	r.ExitReason = reason
	r.ExitLabel = out.Label
	r.CurrentPrice = exitPrice
	r.PnLPercent = out.PnLPercent
	r.PnLAmount = out.PnLAmount
	r.HoldingDuration = r.Holding(now)
	r.UpdatedAt = now

	return out, nil
}
