package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"recommendation-tracker/internal/config"
	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/gate"
	"recommendation-tracker/internal/oracle"
	"recommendation-tracker/internal/risk"
	"recommendation-tracker/internal/storage/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeOracle struct {
	mu      sync.Mutex
	prices  map[string]float64
	err     error
	calls   int
	onPrice func() // runs outside the lock on every call
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{prices: make(map[string]float64)}
}

func (o *fakeOracle) Price(_ context.Context, symbol string) (float64, error) {
	o.mu.Lock()
	hook := o.onPrice
	o.mu.Unlock()
	if hook != nil {
		hook()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return 0, o.err
	}
	p, ok := o.prices[symbol]
	if !ok {
		return 0, oracle.ErrNoPrice
	}
	return p, nil
}

func (o *fakeOracle) set(symbol string, price float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = price
}

func (o *fakeOracle) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// recordingStore captures every stop-loss value written by Update.
type recordingStore struct {
	*memory.RecommendationStore

	mu    sync.Mutex
	stops []float64
	fail  bool
}

func (s *recordingStore) Update(ctx context.Context, r *domain.Recommendation) error {
	s.mu.Lock()
	fail := s.fail
	if !fail {
		s.stops = append(s.stops, r.StopLossPrice)
	}
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.RecommendationStore.Update(ctx, r)
}

func (s *recordingStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *recordingStore) persistedStops() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.stops...)
}

type harness struct {
	engine    *Engine
	store     *recordingStore
	snapshots *memory.SnapshotStore
	oracle    *fakeOracle
	clock     *fakeClock
}

func testAdmission() config.AdmissionConfig {
	return config.AdmissionConfig{
		DuplicateWindow:       30 * time.Minute,
		DuplicatePriceBps:     20,
		SameDirectionCooldown: 10 * time.Minute,
	}
}

func testRisk() config.RiskConfig {
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
		DefaultMaxHoldingHours: 24,
	}
}

func testLifecycle() config.LifecycleConfig {
	return config.LifecycleConfig{
		TickInterval:    time.Minute,
		MaxHoldingHours: 24,
		Trailing: config.TrailingConfig{
			Enabled:             true,
			Percent:             2,
			MinStepPct:          0.5,
			ActivateOnBreakeven: true,
			ActivationProfitPct: 1,
		},
	}
}

func newHarness(t *testing.T, tweak ...func(*Options)) *harness {
	t.Helper()

	store := &recordingStore{RecommendationStore: memory.NewRecommendationStore()}
	h := &harness{
		store:     store,
		snapshots: memory.NewSnapshotStore(),
		oracle:    newFakeOracle(),
		clock:     &fakeClock{t: t0},
	}

	opts := Options{
		Config:    testLifecycle(),
		Store:     store,
		Snapshots: h.snapshots,
		Oracle:    h.oracle,
		Gate:      &gate.Gate{Config: testAdmission(), Store: store},
		Risk:      &risk.Parameterizer{Config: testRisk()},
		Clock:     h.clock.Now,
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	h.engine = New(opts)
	require.NoError(t, h.engine.Init(context.Background()))
	return h
}

// create admits a LONG or SHORT with explicit levels, size 1 and the given leverage.
func (h *harness) create(t *testing.T, symbol string, dir domain.Direction, entry, stop, target, leverage float64) *domain.Recommendation {
	t.Helper()
	rec, err := h.engine.Create(context.Background(), domain.Proposal{
		Symbol:          symbol,
		Direction:       dir,
		EntryPrice:      entry,
		StopLossPrice:   stop,
		TakeProfitPrice: target,
		Leverage:        leverage,
		PositionSize:    1,
		Confidence:      0.7,
	}, false)
	require.NoError(t, err)
	return rec
}

func (h *harness) tickAt(symbol string, price float64) {
	h.oracle.set(symbol, price)
	h.engine.Tick(context.Background())
}

func (h *harness) stored(t *testing.T, id string) *domain.Recommendation {
	t.Helper()
	r, err := h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return r
}
