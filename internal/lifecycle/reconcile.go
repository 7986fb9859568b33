package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Flushed int // dirty records retried
	Adopted int // ACTIVE in store, missing in memory
	Dropped int // in memory, terminal in store
}

// Reconcile aligns the in-memory active set with the store: pending writes
// are retried, store-side ACTIVE records are adopted and records the store
// already holds as terminal are dropped.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	recs, err := e.store.GetActive(ctx)
	if err != nil {
		return report, fmt.Errorf("load active: %w", err)
	}
	stored := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		stored[r.ID] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	report.Flushed = len(e.dirty)
	e.flushDirty(ctx)

	for _, r := range recs {
		if _, ok := e.active[r.ID]; ok {
			continue
		}
		e.active[r.ID] = r
		if r.CurrentPrice > 0 {
			if _, known := e.lastPrice[r.Symbol]; !known {
				e.lastPrice[r.Symbol] = r.CurrentPrice
			}
		}
		if r.CreatedAt.After(e.lastAdmittedAt) {
			e.lastAdmittedAt = r.CreatedAt
		}
		report.Adopted++
		e.logger.Warn("lifecycle: adopted active record from store", zap.String("id", r.ID))
	}

	for id := range e.active {
		if _, ok := stored[id]; ok {
			continue
		}
		if _, pending := e.dirty[id]; pending {
			continue
		}
		existing, err := e.store.GetByID(ctx, id)
		if err != nil || !existing.Status.Terminal() {
			continue
		}
		delete(e.active, id)
		report.Dropped++
		e.logger.Warn("lifecycle: dropped record closed in store",
			zap.String("id", id),
			zap.String("status", string(existing.Status)),
		)
	}

	e.updateGauges()
	e.logger.Info("lifecycle: reconciled",
		zap.Int("flushed", report.Flushed),
		zap.Int("adopted", report.Adopted),
		zap.Int("dropped", report.Dropped),
	)
	return report, nil
}
