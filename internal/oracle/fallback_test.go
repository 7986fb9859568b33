package oracle

import (
	"context"
	"errors"
	"testing"
)

type fixedOracle struct {
	price float64
	err   error
	calls int
}

func (f *fixedOracle) Price(context.Context, string) (float64, error) {
	f.calls++
	return f.price, f.err
}

func TestFallback(t *testing.T) {
	ctx := context.Background()

	primary := &fixedOracle{price: 10}
	secondary := &fixedOracle{price: 20}
	f := &Fallback{Primary: primary, Secondary: secondary}

	if p, err := f.Price(ctx, "X"); err != nil || p != 10 {
		t.Fatalf("expected primary price 10, got %v, %v", p, err)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary called while primary healthy")
	}

	primary.err = ErrStalePrice
	if p, err := f.Price(ctx, "X"); err != nil || p != 20 {
		t.Fatalf("expected fallback price 20, got %v, %v", p, err)
	}

	f.Secondary = nil
	if _, err := f.Price(ctx, "X"); !errors.Is(err, ErrStalePrice) {
		t.Errorf("expected primary error without secondary, got %v", err)
	}
}
