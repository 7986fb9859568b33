// Package risk derives position size, leverage and exit levels for a proposal.
package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"recommendation-tracker/internal/config"
	"recommendation-tracker/internal/domain"
)

const (
	fallbackRiskReward = 2.0
	riskRewardCeiling  = 3.0 // sizing stops improving beyond this ratio
	pricePrecision     = 8
	sizePrecision      = 4
	leveragePrecision  = 1
)

// Partial take-profit tiers: share of the full take-profit distance and size released.
var partialTiers = []struct {
	distance float64
	ratio    float64
}{
	{0.4, 0.3},
	{0.7, 0.4},
	{1.0, 0.3},
}

var (
	// ErrNoEntryPrice is returned when neither the proposal nor the market supplies a price.
	ErrNoEntryPrice = errors.New("no entry price")

	// ErrInvalidLevels is returned when stop/target are on the wrong side of entry.
	ErrInvalidLevels = errors.New("stop-loss and take-profit must bracket entry")
)

// MarketContext is the market and book state the plan is derived against.
type MarketContext struct {
	LastPrice      float64 // last known oracle price, used when the proposal has no entry
	SymbolNotional float64 // size*leverage of ACTIVE recommendations on the same symbol
}

// TrailingPlan is the per-record trailing stop plan.
type TrailingPlan struct {
	ActivationPrice float64
	Percent         float64
}

// Plan is the full risk parameterization of a proposal.
type Plan struct {
	EntryPrice         float64
	StopLossPrice      float64
	TakeProfitPrice    float64
	StopLossPct        *float64 // leverage-inclusive
	TakeProfitPct      *float64 // leverage-inclusive
	LiquidationPrice   float64
	Leverage           float64
	PositionSize       float64
	RiskReward         float64
	MaxHoldingHours    float64
	ATR                *domain.ATRConfigSnapshot
	PartialTakeProfits []domain.PartialTakeProfit
	Trailing           *TrailingPlan
}

// Parameterizer computes risk plans. It holds no mutable state.
type Parameterizer struct {
	Config config.RiskConfig
}

// Parameterize derives the plan for p against mc. Identical inputs give identical plans.
func (z *Parameterizer) Parameterize(p domain.Proposal, mc MarketContext) (Plan, error) {
	if !p.Direction.Valid() {
		return Plan{}, fmt.Errorf("invalid direction %q", p.Direction)
	}

	entry := p.EntryPrice
	if entry <= 0 {
		entry = mc.LastPrice
	}
	if entry <= 0 {
		return Plan{}, ErrNoEntryPrice
	}

	plan := Plan{
		EntryPrice:      entry,
		MaxHoldingHours: p.MaxHoldingHours,
	}
	if plan.MaxHoldingHours <= 0 {
		plan.MaxHoldingHours = z.Config.DefaultMaxHoldingHours
	}

	rr := z.riskReward(p, entry)
	plan.PositionSize, plan.Leverage = z.size(p, rr, mc.SymbolNotional)

	atr := z.atr(p)
	plan.ATR = atr

	sign := p.Direction.Sign()
	lev := plan.Leverage

	switch {
	case p.StopLossPrice > 0:
		plan.StopLossPrice = p.StopLossPrice
	case p.StopLossPct != nil && *p.StopLossPct > 0:
		plan.StopLossPrice = entry * (1 - sign**p.StopLossPct/100/lev)
	case atr != nil:
		plan.StopLossPrice = entry - sign*atr.Value*atr.StopMultiplier
	default:
		plan.StopLossPrice = entry * (1 - sign*z.Config.DefaultStopLossPct/100/lev)
	}

	switch {
	case p.TakeProfitPrice > 0:
		plan.TakeProfitPrice = p.TakeProfitPrice
	case p.TakeProfitPct != nil && *p.TakeProfitPct > 0:
		plan.TakeProfitPrice = entry * (1 + sign**p.TakeProfitPct/100/lev)
	case atr != nil:
		plan.TakeProfitPrice = entry + sign*atr.Value*atr.TakeMultiplier
	default:
		plan.TakeProfitPrice = entry + sign*rr*math.Abs(entry-plan.StopLossPrice)
	}

	plan.StopLossPrice = roundPrice(plan.StopLossPrice)
	plan.TakeProfitPrice = roundPrice(plan.TakeProfitPrice)

	if sign*(entry-plan.StopLossPrice) <= 0 || sign*(plan.TakeProfitPrice-entry) <= 0 {
		return Plan{}, fmt.Errorf("%w: entry=%v stop=%v target=%v", ErrInvalidLevels, entry, plan.StopLossPrice, plan.TakeProfitPrice)
	}

	slPct := math.Abs(entry-plan.StopLossPrice) / entry * 100 * lev
	tpPct := math.Abs(plan.TakeProfitPrice-entry) / entry * 100 * lev
	plan.StopLossPct = &slPct
	plan.TakeProfitPct = &tpPct
	plan.RiskReward = round(tpPct/slPct, 4)

	if lev > 1 {
		plan.LiquidationPrice = roundPrice(entry * (1 - sign*(1/lev-z.Config.MaintenanceMarginRate)))
	}

	if t := p.Trend; t != nil && t.Strength >= z.Config.MinTrendStrength {
		if t.Direction == p.Direction {
			plan.PartialTakeProfits = partialPlan(entry, plan.TakeProfitPrice)
		}
		plan.Trailing = z.trailingPlan(entry, sign, t.Strength)
	}

	return plan, nil
}

// riskReward resolves the reward/risk ratio: prices, then percentages, then
// the proposal's own value, then the configured default.
func (z *Parameterizer) riskReward(p domain.Proposal, entry float64) float64 {
	if p.StopLossPrice > 0 && p.TakeProfitPrice > 0 {
		risk := math.Abs(entry - p.StopLossPrice)
		if risk > 0 {
			return math.Abs(p.TakeProfitPrice-entry) / risk
		}
	}
	if p.StopLossPct != nil && p.TakeProfitPct != nil && *p.StopLossPct > 0 {
		return *p.TakeProfitPct / *p.StopLossPct
	}
	if p.RiskReward > 0 {
		return p.RiskReward
	}
	if z.Config.DefaultRiskReward > 0 {
		return z.Config.DefaultRiskReward
	}
	return fallbackRiskReward
}

// size returns position size and leverage. Supplied values are kept; missing
// ones grow with confidence and risk/reward and shrink with same-symbol exposure.
func (z *Parameterizer) size(p domain.Proposal, rr, symbolNotional float64) (float64, float64) {
	conf := clamp(p.Confidence, 0, 1)
	rrFactor := clamp(rr, 0, riskRewardCeiling) / riskRewardCeiling
	score := 0.6*conf + 0.4*rrFactor

	exposureFactor := 1.0
	if z.Config.SymbolExposureSoftCap > 0 && symbolNotional > 0 {
		exposureFactor = 1 / (1 + symbolNotional/z.Config.SymbolExposureSoftCap)
	}

	maxLev := math.Max(z.Config.MaxLeverage, 1)

	size := p.PositionSize
	if size <= 0 {
		size = z.Config.BasePositionSize * (0.5 + score) * exposureFactor
		if z.Config.MaxPositionSize > 0 {
			size = math.Min(size, z.Config.MaxPositionSize)
		}
		size = round(size, sizePrecision)
	}

	lev := p.Leverage
	if lev < 1 {
		lev = round(1+(maxLev-1)*score*exposureFactor, leveragePrecision)
	}
	lev = clamp(lev, 1, maxLev)

	return size, lev
}

func (z *Parameterizer) atr(p domain.Proposal) *domain.ATRConfigSnapshot {
	if p.ATR == nil || p.ATR.Value <= 0 {
		return nil
	}
	snap := &domain.ATRConfigSnapshot{
		Value:          p.ATR.Value,
		Period:         p.ATR.Period,
		StopMultiplier: z.Config.ATRStopMultiplier,
		TakeMultiplier: z.Config.ATRTakeMultiplier,
	}
	if p.ATR.StopMultiplier != nil && *p.ATR.StopMultiplier > 0 {
		snap.StopMultiplier = *p.ATR.StopMultiplier
	}
	if p.ATR.TakeMultiplier != nil && *p.ATR.TakeMultiplier > 0 {
		snap.TakeMultiplier = *p.ATR.TakeMultiplier
	}
	return snap
}

// trailingPlan tightens the trail for stronger trends, never below the configured floor.
func (z *Parameterizer) trailingPlan(entry, sign, strength float64) *TrailingPlan {
	pct := z.Config.TrailingBasePercent * (1 - 0.5*clamp(strength, 0, 1))
	pct = math.Max(pct, z.Config.TrailingMinPercent)
	if pct <= 0 {
		return nil
	}
	return &TrailingPlan{
		ActivationPrice: roundPrice(entry * (1 + sign*z.Config.TrailingActivationPct/100)),
		Percent:         round(pct, 4),
	}
}

func partialPlan(entry, target float64) []domain.PartialTakeProfit {
	dist := target - entry
	tiers := make([]domain.PartialTakeProfit, 0, len(partialTiers))
	for i, t := range partialTiers {
		tiers = append(tiers, domain.PartialTakeProfit{
			Tier:         i + 1,
			TriggerPrice: roundPrice(entry + dist*t.distance),
			Ratio:        t.ratio,
		})
	}
	return tiers
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

func roundPrice(v float64) float64 {
	return round(v, pricePrecision)
}
