package lifecycle

import (
	"time"

	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/exit"
	"recommendation-tracker/internal/observability"
)

// takePartials executes reached partial take-profit tiers in order and
// returns how many fired. The last tier is left to the take-profit exit.
func takePartials(r *domain.Recommendation, price float64, now time.Time) int {
	n := len(r.PartialTakeProfits)
	if n == 0 {
		return 0
	}
	sign := r.Direction.Sign()
	fired := 0

	for i := 0; i < n-1; i++ {
		tier := &r.PartialTakeProfits[i]
		if tier.Hit {
			continue
		}
		if sign*(price-tier.TriggerPrice) < 0 {
			break
		}

		released := tier.Ratio * r.InitialPositionSize
		if released > r.PositionSize {
			released = r.PositionSize
		}
		pct := exit.PnLPercent(r.Direction, r.EntryPrice, price, r.Leverage)
		r.PartialRealizedPnL += exit.PnLAmount(pct, released)
		r.PositionSize -= released

		hitAt, hitPrice := now, price
		tier.Hit = true
		tier.HitAt = &hitAt
		tier.HitPrice = &hitPrice

		observability.RecordPartialTakeProfit(tier.Tier)
		fired++
	}
	return fired
}
