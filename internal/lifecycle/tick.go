package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/exit"
	"recommendation-tracker/internal/observability"
)

// Tick runs one monitoring pass: timeouts first, then price fetch outside
// the lock, then trailing, partial take-profit, triggers, snapshot and
// termination per record. An overlapping call returns immediately.
func (e *Engine) Tick(ctx context.Context) {
	if !e.ticking.CompareAndSwap(false, true) {
		observability.RecordTickSkipped()
		e.logger.Warn("lifecycle: previous tick still running, skipping")
		return
	}
	defer e.ticking.Store(false)

	start := time.Now()

	symbols := e.expireTimedOut(ctx)
	prices := e.fetchPrices(ctx, symbols)

	e.mu.Lock()
	now := e.now()
	evaluated := 0
	for _, r := range e.sortedActive() {
		// The holding limit may have passed while prices were fetched.
		if e.timedOut(r, now) {
			e.terminate(ctx, r, domain.ExitReasonTimeout, e.lastKnownPrice(r), now)
			continue
		}
		price, ok := prices[r.Symbol]
		if !ok {
			continue
		}
		e.evaluate(ctx, r, price, now)
		evaluated++
	}
	e.updateGauges()
	remaining := len(e.active)
	e.mu.Unlock()

	observability.RecordTick(time.Since(start).Seconds(), now.Unix())
	e.logger.Debug("lifecycle: tick complete",
		zap.Int("evaluated", evaluated),
		zap.Int("active", remaining),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// expireTimedOut retries dirty writes, expires records past their holding
// limit without consulting the oracle and returns the symbols still to price.
func (e *Engine) expireTimedOut(ctx context.Context) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.flushDirty(ctx)

	now := e.now()
	seen := make(map[string]struct{})
	var symbols []string
	for _, r := range e.sortedActive() {
		if e.timedOut(r, now) {
			e.terminate(ctx, r, domain.ExitReasonTimeout, e.lastKnownPrice(r), now)
			continue
		}
		if _, ok := seen[r.Symbol]; !ok {
			seen[r.Symbol] = struct{}{}
			symbols = append(symbols, r.Symbol)
		}
	}
	return symbols
}

func (e *Engine) maxHolding(r *domain.Recommendation) time.Duration {
	hours := r.MaxHoldingHours
	if hours <= 0 {
		hours = e.cfg.MaxHoldingHours
	}
	return time.Duration(hours * float64(time.Hour))
}

func (e *Engine) timedOut(r *domain.Recommendation, now time.Time) bool {
	limit := e.maxHolding(r)
	return limit > 0 && r.Holding(now) >= limit
}

// lastKnownPrice must be called with mu held.
func (e *Engine) lastKnownPrice(r *domain.Recommendation) float64 {
	if r.CurrentPrice > 0 {
		return r.CurrentPrice
	}
	if p := e.lastPrice[r.Symbol]; p > 0 {
		return p
	}
	return r.EntryPrice
}

// fetchPrices prices distinct symbols in parallel. Failed symbols are absent
// from the result and their records are skipped this tick.
func (e *Engine) fetchPrices(ctx context.Context, symbols []string) map[string]float64 {
	prices := make(map[string]float64, len(symbols))
	if e.oracle == nil || len(symbols) == 0 {
		return prices
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallelFetches)

	for _, symbol := range symbols {
		g.Go(func() error {
			price, err := e.fetchPrice(ctx, symbol)
			if err != nil {
				e.logger.Warn("lifecycle: price fetch failed, skipping symbol this tick",
					zap.String("symbol", symbol),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			prices[symbol] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return prices
}

// evaluate applies one price observation to r. Must be called with mu held.
func (e *Engine) evaluate(ctx context.Context, r *domain.Recommendation, price float64, now time.Time) {
	r.CurrentPrice = price
	r.UpdatedAt = now
	e.lastPrice[r.Symbol] = price
	persisted := false

	if stop, ok := e.trail(r, price); ok {
		if err := moveStop(r, stop); err != nil {
			e.logger.Error("lifecycle: trailing move dropped", zap.String("id", r.ID), zap.Error(err))
		} else {
			observability.RecordTrailingMove()
			e.logger.Info("lifecycle: trailing stop moved",
				zap.String("id", r.ID),
				zap.Float64("stop", stop),
				zap.Float64("watermark", r.Trailing.Watermark),
			)
			persisted = e.persistUpdate(ctx, r, "trailing")
		}
	}

	if fired := takePartials(r, price, now); fired > 0 {
		e.logger.Info("lifecycle: partial take-profit",
			zap.String("id", r.ID),
			zap.Int("tiers", fired),
			zap.Float64("remaining_size", r.PositionSize),
			zap.Float64("realized", r.PartialRealizedPnL),
		)
		persisted = false
	}

	sign := r.Direction.Sign()
	liquidation := r.LiquidationPrice > 0 && sign*(price-r.LiquidationPrice) <= 0
	stopLoss := r.StopLossPrice > 0 && sign*(price-r.StopLossPrice) <= 0
	takeProfit := r.TakeProfitPrice > 0 && sign*(price-r.TakeProfitPrice) >= 0
	held := takeProfit && r.Holding(now) < time.Duration(e.cfg.MinHoldingMinutes*float64(time.Minute))

	e.appendSnapshot(ctx, r, price, now, liquidation, stopLoss, takeProfit, held)

	switch {
	case liquidation:
		e.terminate(ctx, r, domain.ExitReasonLiquidation, price, now)
	case stopLoss:
		e.terminate(ctx, r, domain.ExitReasonStopLoss, price, now)
	case takeProfit && !held:
		e.terminate(ctx, r, domain.ExitReasonTakeProfit, price, now)
	case !persisted:
		e.persistUpdate(ctx, r, "tick")
	}
}

// appendSnapshot writes the audit row. Failures are logged, not retried.
func (e *Engine) appendSnapshot(ctx context.Context, r *domain.Recommendation, price float64, now time.Time, liquidation, stopLoss, takeProfit, held bool) {
	if e.snapshots == nil {
		return
	}
	pct := exit.PnLPercent(r.Direction, r.EntryPrice, price, r.Leverage)

	snap := &domain.MonitoringSnapshot{
		RecommendationID: r.ID,
		Symbol:           r.Symbol,
		Direction:        r.Direction,
		Timestamp:        now,
		Price:            price,
		StopLossPrice:    r.StopLossPrice,
		TakeProfitPrice:  r.TakeProfitPrice,
		PositionSize:     r.PositionSize,
		UnrealizedPnL:    exit.PnLAmount(pct, r.PositionSize),
		UnrealizedPnLPct: pct,
		StopLossHit:      stopLoss,
		TakeProfitHit:    takeProfit,
		LiquidationHit:   liquidation,
		TakeProfitHeld:   held,
		Context:          e.auditContext(r),
	}

	pctx, cancel := e.persistCtx(ctx)
	defer cancel()

	if err := e.snapshots.Append(pctx, snap); err != nil {
		observability.RecordPersistFailure("snapshot")
		e.logger.Warn("lifecycle: snapshot append failed", zap.String("id", r.ID), zap.Error(err))
	}
}

// auditContext is the record's extra context refreshed with current trailing
// and exposure state. Must be called with mu held.
func (e *Engine) auditContext(r *domain.Recommendation) domain.ExtraContext {
	c := r.Extra.Clone()
	c.Version = domain.ExtraContextVersion
	c.Trailing = e.trailingSnapshot(r)
	exposure := e.exposureFor(r.Symbol)
	c.Exposure = &exposure
	return c
}
