// Package oracle provides market price sources for the lifecycle engine.
package oracle

import (
	"context"
	"errors"
)

var (
	// ErrNoPrice is returned when the source has no price for a symbol.
	ErrNoPrice = errors.New("no price")

	// ErrStalePrice is returned when the cached price is older than the staleness bound.
	ErrStalePrice = errors.New("stale price")
)

// PriceOracle returns the current market price of a symbol.
type PriceOracle interface {
	Price(ctx context.Context, symbol string) (float64, error)
}
