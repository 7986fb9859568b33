// Package lifecycle owns the set of ACTIVE recommendations: admission,
// periodic monitoring and termination.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"recommendation-tracker/internal/config"
	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/gate"
	"recommendation-tracker/internal/observability"
	"recommendation-tracker/internal/oracle"
	"recommendation-tracker/internal/risk"
	"recommendation-tracker/internal/storage"
)

var (
	// ErrInvalidProposal is returned when a proposal lacks a symbol or direction.
	ErrInvalidProposal = errors.New("invalid proposal")

	// ErrNotActive is returned by manual controls for records that are not ACTIVE.
	ErrNotActive = errors.New("recommendation not active")

	// ErrStopRetreat is returned when a stop move would increase risk.
	ErrStopRetreat = errors.New("stop-loss would retreat")
)

// Alert is raised on the operator channel when a closure could not be persisted.
type Alert struct {
	RecommendationID string
	Symbol           string
	Status           domain.Status
	Err              error
	At               time.Time
}

// Options contains configuration for creating an Engine.
type Options struct {
	Config     config.LifecycleConfig
	Store      storage.RecommendationStore
	Snapshots  storage.SnapshotStore // optional
	Oracle     oracle.PriceOracle    // nil degrades to timeout-only closures
	Gate       *gate.Gate
	Risk       *risk.Parameterizer
	Normalizer *domain.SymbolNormalizer // optional
	Clock      func() time.Time         // Default: time.Now().UTC()
	NewID      func() string            // Default: uuid.NewString
	Logger     *zap.Logger
}

// Engine is the single owner of in-memory recommendation state.
// Admission, manual controls and tick mutations are serialized by mu.
type Engine struct {
	cfg        config.LifecycleConfig
	store      storage.RecommendationStore
	snapshots  storage.SnapshotStore
	oracle     oracle.PriceOracle
	gate       *gate.Gate
	risk       *risk.Parameterizer
	normalizer *domain.SymbolNormalizer
	now        func() time.Time
	newID      func() string
	logger     *zap.Logger

	mu             sync.Mutex
	active         map[string]*domain.Recommendation
	dirty          map[string]struct{}
	lastPrice      map[string]float64 // symbol -> last observed price
	lastAdmittedAt time.Time

	alerts   chan Alert
	ticking  atomic.Bool
	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new lifecycle engine.
func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = 5 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.MaxParallelFetches <= 0 {
		cfg.MaxParallelFetches = 8
	}
	if cfg.AlertBuffer <= 0 {
		cfg.AlertBuffer = 64
	}

	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	riskParams := opts.Risk
	if riskParams == nil {
		riskParams = &risk.Parameterizer{}
	}

	return &Engine{
		cfg:        cfg,
		store:      opts.Store,
		snapshots:  opts.Snapshots,
		oracle:     opts.Oracle,
		gate:       opts.Gate,
		risk:       riskParams,
		normalizer: opts.Normalizer,
		now:        clock,
		newID:      newID,
		logger:     logger,
		active:     make(map[string]*domain.Recommendation),
		dirty:      make(map[string]struct{}),
		lastPrice:  make(map[string]float64),
		alerts:     make(chan Alert, cfg.AlertBuffer),
		stop:       make(chan struct{}),
	}
}

// Init loads ACTIVE recommendations from the store and restores the
// process-wide last admission time.
func (e *Engine) Init(ctx context.Context) error {
	recs, err := e.store.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("load active: %w", err)
	}

	latest, err := e.store.GetLatest(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load latest: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range recs {
		e.active[r.ID] = r
		if r.CurrentPrice > 0 {
			e.lastPrice[r.Symbol] = r.CurrentPrice
		}
	}
	if latest != nil {
		e.lastAdmittedAt = latest.CreatedAt
	}
	e.updateGauges()

	e.logger.Info("lifecycle: initialized",
		zap.Int("active", len(e.active)),
		zap.Time("last_admitted_at", e.lastAdmittedAt),
	)
	return nil
}

// Start runs the monitoring tick on the configured interval until ctx is
// cancelled or Shutdown is called.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()

		e.logger.Info("lifecycle: monitoring started", zap.Duration("interval", e.cfg.TickInterval))

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				e.Tick(ctx)
			}
		}
	}()
}

// Shutdown stops the ticker and waits for the in-flight tick, whose writes
// are never cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("lifecycle: stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// Alerts returns the operator channel.
func (e *Engine) Alerts() <-chan Alert {
	return e.alerts
}

// Active returns copies of the ACTIVE recommendations ordered by creation.
func (e *Engine) Active() []*domain.Recommendation {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*domain.Recommendation, 0, len(e.active))
	for _, r := range e.sortedActive() {
		out = append(out, r.Clone())
	}
	return out
}

// LastAdmittedAt returns the process-wide last admission time.
func (e *Engine) LastAdmittedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAdmittedAt
}

// sortedActive must be called with mu held.
func (e *Engine) sortedActive() []*domain.Recommendation {
	out := make([]*domain.Recommendation, 0, len(e.active))
	for _, r := range e.active {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// persistCtx detaches persistence from caller cancellation.
func (e *Engine) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
}

// persistUpdate writes r and marks it dirty on failure. Must be called with mu held.
func (e *Engine) persistUpdate(ctx context.Context, r *domain.Recommendation, op string) bool {
	pctx, cancel := e.persistCtx(ctx)
	defer cancel()

	if err := e.store.Update(pctx, r.Clone()); err != nil {
		e.dirty[r.ID] = struct{}{}
		observability.RecordPersistFailure(op)
		e.logger.Warn("lifecycle: update failed, retrying next tick",
			zap.String("id", r.ID),
			zap.String("operation", op),
			zap.Error(err),
		)
		return false
	}
	delete(e.dirty, r.ID)
	return true
}

// flushDirty retries records whose last update failed. Must be called with mu held.
func (e *Engine) flushDirty(ctx context.Context) {
	for id := range e.dirty {
		r, ok := e.active[id]
		if !ok {
			delete(e.dirty, id)
			continue
		}
		e.persistUpdate(ctx, r, "retry")
	}
}

func (e *Engine) raise(a Alert) {
	observability.RecordAlert()
	select {
	case e.alerts <- a:
	default:
		e.logger.Error("lifecycle: alert channel full, alert dropped",
			zap.String("id", a.RecommendationID),
			zap.Error(a.Err),
		)
	}
}

// exposureFor sums ACTIVE notional of a symbol. Must be called with mu held.
func (e *Engine) exposureFor(symbol string) domain.ExposureSnapshot {
	snap := domain.ExposureSnapshot{Symbol: symbol}
	for _, r := range e.active {
		if r.Symbol != symbol {
			continue
		}
		n := r.Notional()
		if r.Direction == domain.DirectionShort {
			snap.ShortNotional += n
		} else {
			snap.LongNotional += n
		}
		snap.ActiveCount++
	}
	snap.TotalNotional = snap.LongNotional + snap.ShortNotional
	return snap
}

// ExposureSummary returns per-symbol ACTIVE exposure ordered by symbol.
func (e *Engine) ExposureSummary() []domain.ExposureSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exposureSummary()
}

func (e *Engine) exposureSummary() []domain.ExposureSnapshot {
	symbols := make(map[string]struct{})
	for _, r := range e.active {
		symbols[r.Symbol] = struct{}{}
	}
	for s := range e.lastPrice {
		symbols[s] = struct{}{}
	}

	out := make([]domain.ExposureSnapshot, 0, len(symbols))
	for s := range symbols {
		out = append(out, e.exposureFor(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// updateGauges must be called with mu held.
func (e *Engine) updateGauges() {
	long, short := 0, 0
	for _, r := range e.active {
		if r.Direction == domain.DirectionShort {
			short++
		} else {
			long++
		}
	}
	observability.SetActive(long, short)

	for _, x := range e.exposureSummary() {
		observability.SetExposure(x.Symbol, string(domain.DirectionLong), x.LongNotional)
		observability.SetExposure(x.Symbol, string(domain.DirectionShort), x.ShortNotional)
	}
}

// fetchPrice calls the oracle with the per-call timeout.
func (e *Engine) fetchPrice(ctx context.Context, symbol string) (float64, error) {
	if e.oracle == nil {
		return 0, oracle.ErrNoPrice
	}
	fctx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
	defer cancel()

	start := time.Now()
	price, err := e.oracle.Price(fctx, symbol)
	observability.RecordPrice(symbol, time.Since(start).Seconds(), err)
	if err == nil && price <= 0 {
		err = fmt.Errorf("%s: non-positive price %v: %w", symbol, price, oracle.ErrNoPrice)
	}
	return price, err
}
