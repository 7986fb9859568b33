package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/gate"
	"recommendation-tracker/internal/idhash"
	"recommendation-tracker/internal/observability"
	"recommendation-tracker/internal/risk"
	"recommendation-tracker/internal/storage"
)

// Create parameterizes and admits a proposal, persists it and starts
// monitoring it. A gate rejection is returned as a *gate.Rejection error.
func (e *Engine) Create(ctx context.Context, p domain.Proposal, bypassCooldown bool) (*domain.Recommendation, error) {
	if strings.TrimSpace(p.Symbol) == "" || !p.Direction.Valid() {
		return nil, fmt.Errorf("%w: symbol=%q direction=%q", ErrInvalidProposal, p.Symbol, p.Direction)
	}
	if e.normalizer != nil {
		p.Symbol = e.normalizer.Normalize(p.Symbol)
	}

	// Entry price resolution may hit the oracle; keep it outside the lock.
	var fresh float64
	if p.EntryPrice <= 0 {
		e.mu.Lock()
		fresh = e.lastPrice[p.Symbol]
		e.mu.Unlock()
		if fresh <= 0 {
			price, err := e.fetchPrice(ctx, p.Symbol)
			if err != nil {
				return nil, fmt.Errorf("%w: no entry price for %s: %v", ErrInvalidProposal, p.Symbol, err)
			}
			fresh = price
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if fresh > 0 {
		e.lastPrice[p.Symbol] = fresh
	}
	exposure := e.exposureFor(p.Symbol)

	plan, err := e.risk.Parameterize(p, risk.MarketContext{
		LastPrice:      e.lastPrice[p.Symbol],
		SymbolNotional: exposure.TotalNotional,
	})
	if err != nil {
		observability.RecordParameterizeError()
		return nil, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	p.EntryPrice = plan.EntryPrice

	if e.gate != nil {
		rej, err := e.gate.Admit(ctx, gate.Request{
			Proposal:       p,
			Notional:       plan.PositionSize * plan.Leverage,
			Now:            now,
			Active:         e.sortedActive(),
			LastAdmittedAt: e.lastAdmittedAt,
			BypassCooldown: bypassCooldown,
		})
		if err != nil {
			return nil, fmt.Errorf("admission: %w", err)
		}
		if rej != nil {
			observability.RecordAdmission(string(rej.Code), string(rej.Kind))
			return nil, rej
		}
	}

	rec := e.build(p, plan, exposure, now)

	// ACTIVE is entered only once the store holds the record.
	stored := rec.Clone()
	if err := stored.Transition(domain.StatusActive); err != nil {
		return nil, err
	}

	pctx, cancel := e.persistCtx(ctx)
	defer cancel()

	if err := e.store.Save(pctx, stored); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			observability.RecordDuplicateKey()
			e.logger.Error("lifecycle: fingerprint collision, insert dropped",
				zap.String("id", rec.ID),
				zap.String("fingerprint", rec.Fingerprint),
				zap.String("symbol", rec.Symbol),
			)
		}
		return nil, fmt.Errorf("save recommendation: %w", err)
	}

	if err := rec.Transition(domain.StatusActive); err != nil {
		return nil, err
	}
	e.active[rec.ID] = rec
	e.lastAdmittedAt = now
	observability.RecordAdmission("", "")
	e.updateGauges()

	e.logger.Info("lifecycle: recommendation admitted",
		zap.String("id", rec.ID),
		zap.String("symbol", rec.Symbol),
		zap.String("direction", string(rec.Direction)),
		zap.Float64("entry", rec.EntryPrice),
		zap.Float64("stop_loss", rec.StopLossPrice),
		zap.Float64("take_profit", rec.TakeProfitPrice),
		zap.Float64("size", rec.PositionSize),
		zap.Float64("leverage", rec.Leverage),
	)
	return rec.Clone(), nil
}

// build assembles a PENDING record from an admitted plan. Must be called with mu held.
func (e *Engine) build(p domain.Proposal, plan risk.Plan, exposure domain.ExposureSnapshot, now time.Time) *domain.Recommendation {
	rec := &domain.Recommendation{
		ID:                  e.newID(),
		Strategy:            p.Strategy,
		Symbol:              p.Symbol,
		Direction:           p.Direction,
		EntryPrice:          plan.EntryPrice,
		CurrentPrice:        plan.EntryPrice,
		StopLossPrice:       plan.StopLossPrice,
		TakeProfitPrice:     plan.TakeProfitPrice,
		StopLossPct:         plan.StopLossPct,
		TakeProfitPct:       plan.TakeProfitPct,
		LiquidationPrice:    plan.LiquidationPrice,
		Leverage:            plan.Leverage,
		PositionSize:        plan.PositionSize,
		InitialPositionSize: plan.PositionSize,
		RiskReward:          plan.RiskReward,
		Confidence:          p.Confidence,
		PartialTakeProfits:  plan.PartialTakeProfits,
		MaxHoldingHours:     plan.MaxHoldingHours,
		Status:              domain.StatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if plan.ATR != nil {
		value, period := plan.ATR.Value, plan.ATR.Period
		stopMult, takeMult := plan.ATR.StopMultiplier, plan.ATR.TakeMultiplier
		rec.ATRValue = &value
		rec.ATRPeriod = &period
		rec.ATRStopMultiplier = &stopMult
		rec.ATRTakeMultiplier = &takeMult
	}
	if plan.Trailing != nil {
		rec.Trailing = domain.TrailingState{
			Enabled:         true,
			ActivationPrice: plan.Trailing.ActivationPrice,
			Percent:         plan.Trailing.Percent,
		}
	}
	rec.Fingerprint = idhash.FingerprintOf(rec)

	rec.Extra = domain.ExtraContext{
		Version:  domain.ExtraContextVersion,
		Trailing: e.trailingSnapshot(rec),
		ATR:      plan.ATR,
		Exposure: &exposure,
	}
	if p.MTF != nil {
		mtf := *p.MTF
		rec.Extra.MTF = &mtf
	}
	if p.Trend != nil {
		trend := *p.Trend
		rec.Extra.Trend = &trend
	}
	return rec
}
