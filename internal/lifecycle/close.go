package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/exit"
	"recommendation-tracker/internal/observability"
	"recommendation-tracker/internal/storage"
)

// terminate classifies and persists the exit of r and removes it from the
// active set regardless of the write outcome. Must be called with mu held.
func (e *Engine) terminate(ctx context.Context, r *domain.Recommendation, reason domain.ExitReason, price float64, now time.Time) {
	out, err := exit.Apply(r, reason, price, now)
	if err != nil {
		e.logger.Error("lifecycle: terminate on non-active record",
			zap.String("id", r.ID),
			zap.String("status", string(r.Status)),
			zap.Error(err),
		)
		delete(e.active, r.ID)
		delete(e.dirty, r.ID)
		return
	}

	delete(e.active, r.ID)
	delete(e.dirty, r.ID)

	if err := e.persistClose(ctx, r); err != nil {
		observability.RecordPersistFailure("close")
		e.logger.Error("lifecycle: closure not persisted",
			zap.String("id", r.ID),
			zap.String("status", string(r.Status)),
			zap.Error(err),
		)
		e.raise(Alert{
			RecommendationID: r.ID,
			Symbol:           r.Symbol,
			Status:           r.Status,
			Err:              err,
			At:               now,
		})
	}

	observability.RecordClosure(string(r.Status), string(r.Result), string(r.ExitLabel))
	e.logger.Info("lifecycle: recommendation terminated",
		zap.String("id", r.ID),
		zap.String("symbol", r.Symbol),
		zap.String("status", string(r.Status)),
		zap.String("reason", string(reason)),
		zap.String("result", string(out.Result)),
		zap.String("label", string(out.Label)),
		zap.Float64("exit_price", price),
		zap.Float64("pnl_pct", out.PnLPercent),
		zap.Float64("pnl", out.PnLAmount),
		zap.Float64("partial_pnl", r.PartialRealizedPnL),
	)
}

// persistClose writes the terminal state. A constraint violation relaxes
// the exit reason and label and retries exactly once.
func (e *Engine) persistClose(ctx context.Context, r *domain.Recommendation) error {
	pctx, cancel := e.persistCtx(ctx)
	defer cancel()

	err := e.store.Update(pctx, r.Clone())
	if err == nil || !errors.Is(err, storage.ErrConstraintViolation) {
		return err
	}

	e.logger.Warn("lifecycle: closure rejected by store, relaxing exit reason",
		zap.String("id", r.ID),
		zap.String("exit_reason", string(r.ExitReason)),
		zap.String("exit_label", string(r.ExitLabel)),
		zap.Error(err),
	)
	r.ExitReason = ""
	r.ExitLabel = domain.ExitLabelNone

	if err := e.store.Update(pctx, r.Clone()); err != nil {
		return fmt.Errorf("relaxed retry: %w", err)
	}
	return nil
}

// CloseByID closes an ACTIVE recommendation on operator request. A reason
// outside the accepted set becomes BREAKEVEN. A fresh oracle price is used
// when available, else the last known price.
func (e *Engine) CloseByID(ctx context.Context, id string, reason domain.ExitReason) (*domain.Recommendation, error) {
	if !reason.Valid() {
		reason = domain.ExitReasonBreakeven
	}

	e.mu.Lock()
	r, ok := e.active[id]
	var symbol string
	if ok {
		symbol = r.Symbol
	}
	e.mu.Unlock()
	if !ok {
		return nil, e.notActive(ctx, id)
	}

	fresh, err := e.fetchPrice(ctx, symbol)
	if err != nil {
		fresh = 0
		e.logger.Debug("lifecycle: manual close without fresh price", zap.String("id", id), zap.Error(err))
	}

	return e.closeActive(ctx, id, reason, fresh)
}

// ExpireByID expires an ACTIVE recommendation at its last known price.
func (e *Engine) ExpireByID(ctx context.Context, id string) (*domain.Recommendation, error) {
	return e.closeActive(ctx, id, domain.ExitReasonTimeout, 0)
}

func (e *Engine) closeActive(ctx context.Context, id string, reason domain.ExitReason, price float64) (*domain.Recommendation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.active[id]
	if !ok {
		return nil, e.notActive(ctx, id)
	}
	if price > 0 {
		e.lastPrice[r.Symbol] = price
	} else {
		price = e.lastKnownPrice(r)
	}

	e.terminate(ctx, r, reason, price, e.now())
	e.updateGauges()
	return r.Clone(), nil
}

func (e *Engine) notActive(ctx context.Context, id string) error {
	if _, err := e.store.GetByID(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotActive, id)
}
