package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/gate"
	"recommendation-tracker/internal/storage"
)

func TestEngine_TakeProfitWin(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)
	assert.Equal(t, domain.StatusActive, rec.Status)

	h.tickAt("X", 106)

	got := h.stored(t, rec.ID)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, domain.ResultWin, got.Result)
	assert.Equal(t, domain.ExitReasonTakeProfit, got.ExitReason)
	assert.Equal(t, domain.ExitLabelDynamicTakeProfit, got.ExitLabel)
	assert.InDelta(t, 6, got.PnLPercent, 1e-9)
	assert.Empty(t, h.engine.Active())
}

func TestEngine_SameDirectionCooldownAfterClose(t *testing.T) {
	h := newHarness(t)
	h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)
	h.tickAt("X", 106)

	h.clock.Advance(time.Millisecond)
	_, err := h.engine.Create(context.Background(), domain.Proposal{
		Symbol:     "X",
		Direction:  domain.DirectionLong,
		EntryPrice: 100.04,
		Confidence: 0.7,
	}, false)

	rej, ok := gate.AsRejection(err)
	require.True(t, ok, "expected rejection, got %v", err)
	assert.Equal(t, gate.CodeCooldownActive, rej.Code)
	assert.Equal(t, gate.KindSameDirection, rej.Kind)
	assert.Equal(t, int64(599999), rej.RemainingMs)
}

func TestEngine_TrailedStopClosesAsWin(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, "X", domain.DirectionLong, 100, 95, 120, 1)

	h.tickAt("X", 103)
	assert.InDelta(t, 100.94, h.stored(t, rec.ID).StopLossPrice, 1e-9)

	h.tickAt("X", 110)
	assert.InDelta(t, 107.8, h.stored(t, rec.ID).StopLossPrice, 1e-9)

	h.tickAt("X", 107.8)
	got := h.stored(t, rec.ID)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, domain.ExitReasonStopLoss, got.ExitReason)
	assert.Equal(t, domain.ResultWin, got.Result)
	assert.Equal(t, domain.ExitLabelDynamicTakeProfit, got.ExitLabel)
	assert.Equal(t, 2, got.Trailing.Moves)
}

func TestEngine_TrailingStopMonotonic(t *testing.T) {
	tests := []struct {
		name  string
		dir   domain.Direction
		stop  float64
		take  float64
		path  []float64
		final float64
	}{
		{
			name: "long", dir: domain.DirectionLong, stop: 90, take: 200,
			path:  []float64{101, 103, 102, 105, 104, 110, 108.5, 112, 111, 115},
			final: 112.7,
		},
		{
			name: "short", dir: domain.DirectionShort, stop: 110, take: 50,
			path:  []float64{99, 97, 98, 95, 96, 90, 91.5, 88, 89, 85},
			final: 86.7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.create(t, "X", tt.dir, 100, tt.stop, tt.take, 1)

			for _, p := range tt.path {
				h.tickAt("X", p)
			}

			stops := h.store.persistedStops()
			require.NotEmpty(t, stops)
			prev := tt.stop
			for i, s := range stops {
				if tt.dir == domain.DirectionLong {
					assert.GreaterOrEqual(t, s, prev, "write %d loosened the stop", i)
				} else {
					assert.LessOrEqual(t, s, prev, "write %d loosened the stop", i)
				}
				prev = s
			}

			got := h.stored(t, rec.ID)
			assert.Equal(t, domain.StatusActive, got.Status)
			assert.InDelta(t, tt.final, got.StopLossPrice, 1e-9)
		})
	}
}

func TestEngine_TimeoutWithoutPrices(t *testing.T) {
	h := newHarness(t)
	h.oracle.err = errors.New("upstream down")

	rec, err := h.engine.Create(context.Background(), domain.Proposal{
		Symbol:          "X",
		Direction:       domain.DirectionLong,
		EntryPrice:      100,
		StopLossPrice:   98,
		TakeProfitPrice: 106,
		Leverage:        1,
		PositionSize:    1,
		MaxHoldingHours: 1,
	}, false)
	require.NoError(t, err)

	h.clock.Advance(59 * time.Minute)
	h.engine.Tick(context.Background())
	assert.Equal(t, domain.StatusActive, h.stored(t, rec.ID).Status)
	assert.Equal(t, 1, h.oracle.callCount())

	h.clock.Advance(time.Minute)
	h.engine.Tick(context.Background())

	got := h.stored(t, rec.ID)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Equal(t, domain.ExitReasonTimeout, got.ExitReason)
	assert.Equal(t, domain.ExitLabelTimeout, got.ExitLabel)
	assert.Empty(t, got.Result)
	require.NotNil(t, got.ExitPrice)
	assert.Equal(t, 100.0, *got.ExitPrice)
	assert.Equal(t, time.Hour, got.HoldingDuration)
	assert.Equal(t, 1, h.oracle.callCount(), "expiry must not wait on the oracle")
}

func TestEngine_TimeoutReachedDuringFetch(t *testing.T) {
	h := newHarness(t)

	rec, err := h.engine.Create(context.Background(), domain.Proposal{
		Symbol:          "X",
		Direction:       domain.DirectionLong,
		EntryPrice:      100,
		StopLossPrice:   98,
		TakeProfitPrice: 106,
		Leverage:        1,
		PositionSize:    1,
		MaxHoldingHours: 1,
	}, false)
	require.NoError(t, err)

	h.clock.Advance(59 * time.Minute)
	h.oracle.onPrice = func() { h.clock.Advance(time.Minute) }
	h.tickAt("X", 106)

	got := h.stored(t, rec.ID)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Equal(t, domain.ExitReasonTimeout, got.ExitReason)
	assert.Equal(t, domain.ExitLabelTimeout, got.ExitLabel)
	assert.Empty(t, got.Result, "take-profit must not fire after the holding limit")
	assert.Equal(t, time.Hour, got.HoldingDuration)
	assert.Empty(t, h.engine.Active())
}

func TestEngine_LiquidationBeforeStopLoss(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, "X", domain.DirectionLong, 100, 98, 110, 5)
	require.InDelta(t, 80.5, rec.LiquidationPrice, 1e-9)

	h.tickAt("X", 80)

	got := h.stored(t, rec.ID)
	assert.Equal(t, domain.ExitReasonLiquidation, got.ExitReason)
	assert.Equal(t, domain.ResultLoss, got.Result)
	assert.InDelta(t, -100, got.PnLPercent, 1e-9)
}

func TestEngine_MinimumHoldingDefersTakeProfit(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.MinHoldingMinutes = 30 })
	rec := h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)

	h.clock.Advance(10 * time.Minute)
	h.tickAt("X", 106)
	assert.Equal(t, domain.StatusActive, h.stored(t, rec.ID).Status)

	snaps, err := h.snapshots.GetByRecommendationID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].TakeProfitHit)
	assert.True(t, snaps[0].TakeProfitHeld)

	h.clock.Advance(21 * time.Minute)
	h.tickAt("X", 106)
	assert.Equal(t, domain.ExitReasonTakeProfit, h.stored(t, rec.ID).ExitReason)
}

func TestEngine_PartialTakeProfit(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.Trailing.Percent = 0 })

	rec, err := h.engine.Create(context.Background(), domain.Proposal{
		Symbol:          "X",
		Direction:       domain.DirectionLong,
		EntryPrice:      100,
		StopLossPrice:   95,
		TakeProfitPrice: 110,
		Leverage:        1,
		PositionSize:    1,
		Trend:           &domain.TrendSignal{Direction: domain.DirectionLong, Strength: 0.5},
	}, false)
	require.NoError(t, err)
	require.Len(t, rec.PartialTakeProfits, 3)

	h.tickAt("X", 107)

	got := h.stored(t, rec.ID)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.InDelta(t, 0.3, got.PositionSize, 1e-9)
	assert.InDelta(t, 0.049, got.PartialRealizedPnL, 1e-9)
	assert.True(t, got.PartialTakeProfits[0].Hit)
	assert.True(t, got.PartialTakeProfits[1].Hit)
	assert.False(t, got.PartialTakeProfits[2].Hit)

	h.tickAt("X", 110)

	got = h.stored(t, rec.ID)
	assert.Equal(t, domain.ExitReasonTakeProfit, got.ExitReason)
	assert.InDelta(t, 0.03, got.PnLAmount, 1e-9)
	assert.InDelta(t, 0.079, got.PnLAmount+got.PartialRealizedPnL, 1e-9)
}

func TestEngine_SnapshotPerTick(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)

	h.tickAt("X", 101)

	snaps, err := h.snapshots.GetByRecommendationID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	s := snaps[0]
	assert.Equal(t, 101.0, s.Price)
	assert.InDelta(t, 1, s.UnrealizedPnLPct, 1e-9)
	assert.InDelta(t, 0.01, s.UnrealizedPnL, 1e-9)
	assert.False(t, s.StopLossHit)
	require.NotNil(t, s.Context.Trailing)
	assert.Equal(t, 101.0, s.Context.Trailing.Watermark)
	require.NotNil(t, s.Context.Exposure)
	assert.Equal(t, 1.0, s.Context.Exposure.LongNotional)
}

func TestEngine_RelaxedExitReasonRetry(t *testing.T) {
	h := newHarness(t)
	h.store.RejectExitReasons(domain.ExitReasonTakeProfit)
	rec := h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)

	h.tickAt("X", 106)

	got := h.stored(t, rec.ID)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, domain.ResultWin, got.Result)
	assert.Empty(t, got.ExitReason)
	assert.Empty(t, got.ExitLabel)

	select {
	case a := <-h.engine.Alerts():
		t.Fatalf("unexpected alert: %+v", a)
	default:
	}
}

func TestEngine_AlertWhenClosureNotPersisted(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)

	h.store.setFail(true)
	h.tickAt("X", 97)

	select {
	case a := <-h.engine.Alerts():
		assert.Equal(t, rec.ID, a.RecommendationID)
		assert.Equal(t, domain.StatusClosed, a.Status)
		assert.Error(t, a.Err)
	default:
		t.Fatal("expected alert")
	}
	assert.Empty(t, h.engine.Active())
	assert.Equal(t, domain.StatusActive, h.stored(t, rec.ID).Status)
}

func TestEngine_DirtyRecordRetriedNextTick(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)

	h.store.setFail(true)
	h.tickAt("X", 101)
	h.engine.mu.Lock()
	assert.Contains(t, h.engine.dirty, rec.ID)
	h.engine.mu.Unlock()

	h.store.setFail(false)
	h.oracle.err = errors.New("upstream down")
	h.engine.Tick(context.Background())

	h.engine.mu.Lock()
	assert.Empty(t, h.engine.dirty)
	h.engine.mu.Unlock()
	assert.Equal(t, 101.0, h.stored(t, rec.ID).CurrentPrice)
}

func TestEngine_OverlappingTickSkipped(t *testing.T) {
	h := newHarness(t)
	h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)

	h.engine.ticking.Store(true)
	h.tickAt("X", 106)
	h.engine.ticking.Store(false)

	assert.Equal(t, 0, h.oracle.callCount())
	assert.Len(t, h.engine.Active(), 1)
}

func TestEngine_CloseByID(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)
	h.oracle.set("X", 101)

	got, err := h.engine.CloseByID(context.Background(), rec.ID, domain.ExitReason("PANIC"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, domain.ExitReasonBreakeven, got.ExitReason)
	assert.Equal(t, domain.ResultBreakeven, got.Result)
	require.NotNil(t, got.ExitPrice)
	assert.Equal(t, 101.0, *got.ExitPrice)

	_, err = h.engine.CloseByID(context.Background(), rec.ID, domain.ExitReasonManual)
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = h.engine.CloseByID(context.Background(), "missing", domain.ExitReasonManual)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEngine_CloseByIDFallsBackToLastPrice(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, "X", domain.DirectionShort, 100, 102, 94, 1)
	h.tickAt("X", 99)
	h.oracle.err = errors.New("upstream down")

	got, err := h.engine.CloseByID(context.Background(), rec.ID, domain.ExitReasonManual)
	require.NoError(t, err)
	assert.Equal(t, 99.0, *got.ExitPrice)
	assert.Equal(t, domain.ResultWin, got.Result)
}

func TestEngine_ExpireByID(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)
	h.tickAt("X", 101)

	got, err := h.engine.ExpireByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Equal(t, domain.ExitLabelTimeout, got.ExitLabel)
	assert.Empty(t, got.Result)
	assert.Equal(t, 101.0, *got.ExitPrice)
	assert.InDelta(t, 1, got.PnLPercent, 1e-9)
}

func TestEngine_CreateRejectsInvalidProposal(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Create(context.Background(), domain.Proposal{Symbol: "X", Direction: "FLAT"}, false)
	assert.ErrorIs(t, err, ErrInvalidProposal)

	_, err = h.engine.Create(context.Background(), domain.Proposal{Symbol: "X", Direction: domain.DirectionLong}, false)
	assert.ErrorIs(t, err, ErrInvalidProposal, "no entry price and no oracle quote")
}

func TestEngine_CreateResolvesEntryFromOracle(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Normalizer = domain.NewSymbolNormalizer(nil)
	})
	h.oracle.set("BTCUSDT", 50)

	rec, err := h.engine.Create(context.Background(), domain.Proposal{
		Symbol:     "btc/usdt",
		Direction:  domain.DirectionLong,
		Confidence: 0.5,
	}, false)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", rec.Symbol)
	assert.Equal(t, 50.0, rec.EntryPrice)
	assert.Less(t, rec.StopLossPrice, rec.EntryPrice)
	assert.Greater(t, rec.TakeProfitPrice, rec.EntryPrice)
	assert.NotEmpty(t, rec.Fingerprint)
	assert.Equal(t, domain.ExtraContextVersion, rec.Extra.Version)
}

func TestEngine_DuplicateKeyDropped(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.NewID = func() string { return "fixed" }
	})
	h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)

	_, err := h.engine.Create(context.Background(), domain.Proposal{
		Symbol:     "Y",
		Direction:  domain.DirectionLong,
		EntryPrice: 10,
	}, false)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
	assert.Len(t, h.engine.Active(), 1)
}

func TestEngine_InitRestoresState(t *testing.T) {
	h := newHarness(t)
	rec := h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)

	restarted := New(Options{
		Config: testLifecycle(),
		Store:  h.store,
		Oracle: h.oracle,
		Clock:  h.clock.Now,
	})
	require.NoError(t, restarted.Init(context.Background()))

	active := restarted.Active()
	require.Len(t, active, 1)
	assert.Equal(t, rec.ID, active[0].ID)
	assert.True(t, restarted.LastAdmittedAt().Equal(t0))
}

func TestEngine_Reconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)

	closed := h.stored(t, rec.ID)
	closed.Status = domain.StatusClosed
	require.NoError(t, h.store.RecommendationStore.Update(ctx, closed))

	orphan := &domain.Recommendation{
		ID:           "orphan",
		Fingerprint:  "fp-orphan",
		Symbol:       "Z",
		Direction:    domain.DirectionShort,
		EntryPrice:   10,
		Leverage:     1,
		PositionSize: 1,
		Status:       domain.StatusActive,
		CreatedAt:    t0.Add(time.Minute),
	}
	require.NoError(t, h.store.Save(ctx, orphan))

	report, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Adopted)
	assert.Equal(t, 1, report.Dropped)

	active := h.engine.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "orphan", active[0].ID)
	assert.True(t, h.engine.LastAdmittedAt().Equal(t0.Add(time.Minute)))
}

func TestEngine_StartShutdown(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.TickInterval = 10 * time.Millisecond })
	h.create(t, "X", domain.DirectionLong, 100, 98, 106, 1)
	h.oracle.set("X", 101)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)

	require.Eventually(t, func() bool { return h.oracle.callCount() >= 2 }, time.Second, 5*time.Millisecond)

	sctx, scancel := context.WithTimeout(context.Background(), time.Second)
	defer scancel()
	require.NoError(t, h.engine.Shutdown(sctx))
	require.NoError(t, h.engine.Shutdown(sctx))
}

func TestEngine_ExposureSummary(t *testing.T) {
	h := newHarness(t)
	h.create(t, "X", domain.DirectionLong, 100, 98, 106, 2)
	h.create(t, "Y", domain.DirectionShort, 10, 11, 8, 1)

	summary := h.engine.ExposureSummary()
	require.Len(t, summary, 2)
	assert.Equal(t, "X", summary[0].Symbol)
	assert.Equal(t, 2.0, summary[0].LongNotional)
	assert.Equal(t, "Y", summary[1].Symbol)
	assert.Equal(t, 1.0, summary[1].ShortNotional)
}
