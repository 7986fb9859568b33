package lifecycle

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"recommendation-tracker/internal/domain"
)

const pricePrecision = 8

func roundPrice(v float64) float64 {
	return decimal.NewFromFloat(v).Round(pricePrecision).InexactFloat64()
}

// trailingEnabled reports whether r trails, by engine config or its own plan.
func (e *Engine) trailingEnabled(r *domain.Recommendation) bool {
	return e.cfg.Trailing.Enabled || r.Trailing.Enabled
}

// trailPercent returns the record's own trail distance, else the configured one.
func (e *Engine) trailPercent(r *domain.Recommendation) float64 {
	if r.Trailing.Percent > 0 {
		return r.Trailing.Percent
	}
	return e.cfg.Trailing.Percent
}

// trail advances the watermark for price and returns a new stop when the
// trailing rules accept a move. Candidates that would not tighten the stop or
// move it by less than the minimum step are dropped.
func (e *Engine) trail(r *domain.Recommendation, price float64) (float64, bool) {
	if !e.trailingEnabled(r) || r.EntryPrice <= 0 {
		return 0, false
	}
	cfg := e.cfg.Trailing
	t := &r.Trailing
	sign := r.Direction.Sign()

	if t.Watermark <= 0 || sign*(price-t.Watermark) > 0 {
		t.Watermark = price
	}
	if t.ActivationPrice > 0 && sign*(t.Watermark-t.ActivationPrice) < 0 {
		return 0, false
	}

	pct := e.trailPercent(r)
	if pct <= 0 {
		return 0, false
	}

	// favorable move of the watermark, unleveraged
	profitPct := sign * (t.Watermark - r.EntryPrice) / r.EntryPrice * 100

	mult := 1.0
	switch {
	case cfg.HighProfitThresholdPct > 0 && profitPct >= cfg.HighProfitThresholdPct && cfg.HighProfitMultiplier > 0:
		mult = cfg.HighProfitMultiplier
	case cfg.LowProfitThresholdPct > 0 && profitPct < cfg.LowProfitThresholdPct && cfg.LowProfitMultiplier > 0:
		mult = cfg.LowProfitMultiplier
	}
	candidate := roundPrice(t.Watermark * (1 - sign*pct*mult/100))

	if !t.Activated {
		if cfg.ActivateOnBreakeven && sign*(candidate-r.EntryPrice) < 0 {
			return 0, false
		}
		t.Activated = true
	}
	if profitPct <= cfg.ActivationProfitPct {
		return 0, false
	}

	current := r.StopLossPrice
	if current > 0 {
		if sign*(candidate-current) <= 0 {
			return 0, false
		}
		if math.Abs(candidate-current)/current*100 < cfg.MinStepPct {
			return 0, false
		}
	}
	return candidate, true
}

// moveStop applies a trailed stop. A move that loosens the stop is an
// invariant violation and leaves r unchanged.
func moveStop(r *domain.Recommendation, stop float64) error {
	sign := r.Direction.Sign()
	if r.StopLossPrice > 0 && sign*(stop-r.StopLossPrice) <= 0 {
		return fmt.Errorf("%w: %s %v -> %v", ErrStopRetreat, r.Direction, r.StopLossPrice, stop)
	}
	r.StopLossPrice = stop
	r.Trailing.LastStop = stop
	r.Trailing.Moves++
	return nil
}

// trailingSnapshot captures the trailing config and state in force for r.
func (e *Engine) trailingSnapshot(r *domain.Recommendation) *domain.TrailingConfigSnapshot {
	cfg := e.cfg.Trailing
	return &domain.TrailingConfigSnapshot{
		Enabled:              e.trailingEnabled(r),
		Percent:              e.trailPercent(r),
		MinStepPct:           cfg.MinStepPct,
		ActivateOnBreakeven:  cfg.ActivateOnBreakeven,
		ActivationProfitPct:  cfg.ActivationProfitPct,
		LowProfitMultiplier:  cfg.LowProfitMultiplier,
		HighProfitMultiplier: cfg.HighProfitMultiplier,
		Activated:            r.Trailing.Activated,
		Watermark:            r.Trailing.Watermark,
		Stop:                 r.StopLossPrice,
	}
}
