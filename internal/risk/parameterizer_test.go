package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recommendation-tracker/internal/config"
	"recommendation-tracker/internal/domain"
)

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		BasePositionSize:       1,
		MaxPositionSize:        3,
		MaxLeverage:            5,
		SymbolExposureSoftCap:  10,
		DefaultStopLossPct:     2,
		DefaultRiskReward:      2,
		ATRStopMultiplier:      1.5,
		ATRTakeMultiplier:      3,
		MaintenanceMarginRate:  0.005,
		MinTrendStrength:       0.3,
		TrailingActivationPct:  0.5,
		TrailingBasePercent:    2,
		TrailingMinPercent:     0.5,
		DefaultMaxHoldingHours: 24,
	}
}

func ptr(v float64) *float64 { return &v }

func TestParameterize_ExplicitLevels(t *testing.T) {
	z := &Parameterizer{Config: testConfig()}

	plan, err := z.Parameterize(domain.Proposal{
		Symbol:          "X",
		Direction:       domain.DirectionLong,
		EntryPrice:      100,
		StopLossPrice:   98,
		TakeProfitPrice: 106,
		Leverage:        1,
		PositionSize:    1,
	}, MarketContext{})
	require.NoError(t, err)

	assert.Equal(t, 98.0, plan.StopLossPrice)
	assert.Equal(t, 106.0, plan.TakeProfitPrice)
	assert.Equal(t, 1.0, plan.Leverage)
	assert.Equal(t, 1.0, plan.PositionSize)
	assert.Equal(t, 3.0, plan.RiskReward)
	assert.Zero(t, plan.LiquidationPrice, "no liquidation at 1x")
	assert.InDelta(t, 2.0, *plan.StopLossPct, 1e-9)
	assert.InDelta(t, 6.0, *plan.TakeProfitPct, 1e-9)
	assert.Equal(t, 24.0, plan.MaxHoldingHours)
	assert.Nil(t, plan.PartialTakeProfits)
	assert.Nil(t, plan.Trailing)
}

func TestParameterize_PercentBackfillIsDeleveraged(t *testing.T) {
	z := &Parameterizer{Config: testConfig()}

	tests := []struct {
		name      string
		direction domain.Direction
		wantSL    float64
		wantTP    float64
		wantLiq   float64
	}{
		{"long", domain.DirectionLong, 196, 208, 151},
		{"short", domain.DirectionShort, 204, 192, 249},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := z.Parameterize(domain.Proposal{
				Symbol:        "X",
				Direction:     tt.direction,
				EntryPrice:    200,
				StopLossPct:   ptr(8),
				TakeProfitPct: ptr(16),
				Leverage:      4,
				PositionSize:  1,
			}, MarketContext{})
			require.NoError(t, err)

			assert.InDelta(t, tt.wantSL, plan.StopLossPrice, 1e-8)
			assert.InDelta(t, tt.wantTP, plan.TakeProfitPrice, 1e-8)
			assert.InDelta(t, tt.wantLiq, plan.LiquidationPrice, 1e-8)
			assert.InDelta(t, 2.0, plan.RiskReward, 1e-9)
		})
	}
}

func TestParameterize_ATRFallback(t *testing.T) {
	z := &Parameterizer{Config: testConfig()}

	p := domain.Proposal{
		Symbol:       "X",
		Direction:    domain.DirectionLong,
		EntryPrice:   100,
		Leverage:     1,
		PositionSize: 1,
		ATR:          &domain.ATRSignal{Value: 2, Period: 14},
	}

	plan, err := z.Parameterize(p, MarketContext{})
	require.NoError(t, err)
	assert.Equal(t, 97.0, plan.StopLossPrice)
	assert.Equal(t, 106.0, plan.TakeProfitPrice)
	require.NotNil(t, plan.ATR)
	assert.Equal(t, 14, plan.ATR.Period)
	assert.Equal(t, 1.5, plan.ATR.StopMultiplier)

	p.ATR.StopMultiplier = ptr(1)
	plan, err = z.Parameterize(p, MarketContext{})
	require.NoError(t, err)
	assert.Equal(t, 98.0, plan.StopLossPrice)
}

func TestParameterize_DefaultStopAndRiskReward(t *testing.T) {
	z := &Parameterizer{Config: testConfig()}

	plan, err := z.Parameterize(domain.Proposal{
		Symbol:       "X",
		Direction:    domain.DirectionLong,
		EntryPrice:   100,
		Leverage:     1,
		PositionSize: 1,
	}, MarketContext{})
	require.NoError(t, err)

	assert.Equal(t, 98.0, plan.StopLossPrice)
	assert.Equal(t, 104.0, plan.TakeProfitPrice)
	assert.Equal(t, 2.0, plan.RiskReward)
}

func TestParameterize_EntryFromMarket(t *testing.T) {
	z := &Parameterizer{Config: testConfig()}

	p := domain.Proposal{Symbol: "X", Direction: domain.DirectionShort, Leverage: 1, PositionSize: 1}

	_, err := z.Parameterize(p, MarketContext{})
	assert.ErrorIs(t, err, ErrNoEntryPrice)

	plan, err := z.Parameterize(p, MarketContext{LastPrice: 50})
	require.NoError(t, err)
	assert.Equal(t, 50.0, plan.EntryPrice)
	assert.Equal(t, 51.0, plan.StopLossPrice)
	assert.Equal(t, 48.0, plan.TakeProfitPrice)
}

func TestParameterize_InvalidLevels(t *testing.T) {
	z := &Parameterizer{Config: testConfig()}

	_, err := z.Parameterize(domain.Proposal{
		Symbol:          "X",
		Direction:       domain.DirectionLong,
		EntryPrice:      100,
		StopLossPrice:   101,
		TakeProfitPrice: 110,
		Leverage:        1,
		PositionSize:    1,
	}, MarketContext{})
	assert.ErrorIs(t, err, ErrInvalidLevels)

	_, err = z.Parameterize(domain.Proposal{Symbol: "X", Direction: "FLAT", EntryPrice: 1}, MarketContext{})
	assert.Error(t, err)
}

func TestParameterize_SizingIsMonotonicAndBounded(t *testing.T) {
	z := &Parameterizer{Config: testConfig()}

	base := domain.Proposal{Symbol: "X", Direction: domain.DirectionLong, EntryPrice: 100}

	low := base
	low.Confidence = 0.2
	high := base
	high.Confidence = 0.9

	lowPlan, err := z.Parameterize(low, MarketContext{})
	require.NoError(t, err)
	highPlan, err := z.Parameterize(high, MarketContext{})
	require.NoError(t, err)

	assert.Greater(t, highPlan.PositionSize, lowPlan.PositionSize)
	assert.Greater(t, highPlan.Leverage, lowPlan.Leverage)

	loaded, err := z.Parameterize(high, MarketContext{SymbolNotional: 20})
	require.NoError(t, err)
	assert.Less(t, loaded.PositionSize, highPlan.PositionSize)
	assert.LessOrEqual(t, loaded.Leverage, highPlan.Leverage)

	cleaner := high
	cleaner.RiskReward = 3
	cleanerPlan, err := z.Parameterize(cleaner, MarketContext{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cleanerPlan.PositionSize, highPlan.PositionSize)

	cfg := testConfig()
	cfg.BasePositionSize = 10
	capped := &Parameterizer{Config: cfg}
	maxed := base
	maxed.Confidence = 1
	maxed.RiskReward = 10
	plan, err := capped.Parameterize(maxed, MarketContext{})
	require.NoError(t, err)
	assert.Equal(t, 3.0, plan.PositionSize)
	assert.Equal(t, 5.0, plan.Leverage)
}

func TestParameterize_Idempotent(t *testing.T) {
	z := &Parameterizer{Config: testConfig()}

	p := domain.Proposal{
		Symbol:     "X",
		Direction:  domain.DirectionShort,
		EntryPrice: 123.45,
		Confidence: 0.67,
		ATR:        &domain.ATRSignal{Value: 1.7, Period: 14},
		Trend:      &domain.TrendSignal{Direction: domain.DirectionShort, Strength: 0.55},
	}
	mc := MarketContext{LastPrice: 123.4, SymbolNotional: 4.2}

	first, err := z.Parameterize(p, mc)
	require.NoError(t, err)
	second, err := z.Parameterize(p, mc)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestParameterize_PartialAndTrailingPlans(t *testing.T) {
	z := &Parameterizer{Config: testConfig()}

	p := domain.Proposal{
		Symbol:          "X",
		Direction:       domain.DirectionLong,
		EntryPrice:      100,
		StopLossPrice:   95,
		TakeProfitPrice: 110,
		Leverage:        1,
		PositionSize:    1,
		Trend:           &domain.TrendSignal{Direction: domain.DirectionLong, Strength: 0.6},
	}

	plan, err := z.Parameterize(p, MarketContext{})
	require.NoError(t, err)

	require.Len(t, plan.PartialTakeProfits, 3)
	wantTriggers := []float64{104, 107, 110}
	wantRatios := []float64{0.3, 0.4, 0.3}
	for i, tier := range plan.PartialTakeProfits {
		assert.Equal(t, i+1, tier.Tier)
		assert.InDelta(t, wantTriggers[i], tier.TriggerPrice, 1e-8)
		assert.Equal(t, wantRatios[i], tier.Ratio)
		assert.False(t, tier.Hit)
	}

	require.NotNil(t, plan.Trailing)
	assert.InDelta(t, 100.5, plan.Trailing.ActivationPrice, 1e-8)
	assert.InDelta(t, 1.4, plan.Trailing.Percent, 1e-9)

	t.Run("opposite trend keeps trailing only", func(t *testing.T) {
		q := p
		q.Trend = &domain.TrendSignal{Direction: domain.DirectionShort, Strength: 0.6}
		plan, err := z.Parameterize(q, MarketContext{})
		require.NoError(t, err)
		assert.Nil(t, plan.PartialTakeProfits)
		assert.NotNil(t, plan.Trailing)
	})

	t.Run("weak trend omits both", func(t *testing.T) {
		q := p
		q.Trend = &domain.TrendSignal{Direction: domain.DirectionLong, Strength: 0.2}
		plan, err := z.Parameterize(q, MarketContext{})
		require.NoError(t, err)
		assert.Nil(t, plan.PartialTakeProfits)
		assert.Nil(t, plan.Trailing)
	})

	t.Run("trail percent floor", func(t *testing.T) {
		cfg := testConfig()
		cfg.TrailingMinPercent = 1.5
		q := p
		q.Trend = &domain.TrendSignal{Direction: domain.DirectionLong, Strength: 1}
		plan, err := (&Parameterizer{Config: cfg}).Parameterize(q, MarketContext{})
		require.NoError(t, err)
		require.NotNil(t, plan.Trailing)
		assert.Equal(t, 1.5, plan.Trailing.Percent)
	})
}
