package oracle

import (
	"context"

	"go.uber.org/zap"
)

// Fallback asks Primary first and Secondary when Primary fails.
type Fallback struct {
	Primary   PriceOracle
	Secondary PriceOracle
	Logger    *zap.Logger
}

// Price implements PriceOracle.
func (f *Fallback) Price(ctx context.Context, symbol string) (float64, error) {
	price, err := f.Primary.Price(ctx, symbol)
	if err == nil {
		return price, nil
	}
	if f.Secondary == nil {
		return 0, err
	}
	if f.Logger != nil {
		f.Logger.Debug("oracle: primary failed, using fallback",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}
	return f.Secondary.Price(ctx, symbol)
}

var (
	_ PriceOracle = (*RESTOracle)(nil)
	_ PriceOracle = (*StreamOracle)(nil)
	_ PriceOracle = (*Fallback)(nil)
)
