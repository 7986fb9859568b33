// Package gate implements the ordered admission checks a proposal must pass
// before it becomes a tracked recommendation.
package gate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"recommendation-tracker/internal/config"
	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/storage"
)

// Scopes of the same-direction count and the hourly caps. Notional caps
// always cover the proposal's symbol only.
const (
	CountScopeBook   = "book"
	CountScopeSymbol = "symbol"
)

const hourlyWindow = time.Hour

// Request is a single admission attempt.
type Request struct {
	Proposal       domain.Proposal          // symbol normalized, entry price resolved
	Notional       float64                  // candidate size*leverage
	Now            time.Time                // admission clock
	Active         []*domain.Recommendation // in-memory ACTIVE set
	LastAdmittedAt time.Time                // process-wide last admission (zero = none)
	BypassCooldown bool                     // privileged callers skip cooldown windows
}

// Gate runs admission checks in fixed order; the first failure wins.
// Callers serialize Admit with the persistence of accepted proposals.
type Gate struct {
	Config config.AdmissionConfig
	Store  storage.RecommendationStore
	Logger *zap.Logger
}

// Admit returns nil, nil on acceptance, a Rejection when a check fails,
// or an error when the store could not be read.
func (g *Gate) Admit(ctx context.Context, req Request) (*Rejection, error) {
	checks := []func(context.Context, Request) (*Rejection, error){
		g.checkMTF,
		g.checkExposureCount,
		g.checkExposureCaps,
		g.checkDuplicate,
		g.checkHourly,
		g.checkCooldowns,
	}
	for _, check := range checks {
		rej, err := check(ctx, req)
		if err != nil {
			return nil, err
		}
		if rej != nil {
			g.logger().Debug("gate: reject",
				zap.String("symbol", req.Proposal.Symbol),
				zap.String("direction", string(req.Proposal.Direction)),
				zap.String("code", string(rej.Code)),
				zap.String("kind", string(rej.Kind)),
				zap.String("scope", string(rej.Scope)),
			)
			return rej, nil
		}
	}
	return nil, nil
}

func (g *Gate) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

// symbolCounts reports whether count checks are narrowed to the proposal's symbol.
func (g *Gate) symbolCounts() bool {
	return strings.EqualFold(g.Config.CountScope, CountScopeSymbol)
}

// activeRecords returns the ACTIVE records of the book, or of the
// proposal's symbol when sameSymbol is set.
func activeRecords(req Request, sameSymbol bool) []*domain.Recommendation {
	out := make([]*domain.Recommendation, 0, len(req.Active))
	for _, r := range req.Active {
		if r.Status != domain.StatusActive {
			continue
		}
		if sameSymbol && r.Symbol != req.Proposal.Symbol {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (g *Gate) checkMTF(_ context.Context, req Request) (*Rejection, error) {
	mtf := req.Proposal.MTF
	if !g.Config.RequireMTF || mtf == nil {
		return nil, nil
	}
	if mtf.Agreement >= g.Config.MinMTFAgreement && mtf.DominantDirection == req.Proposal.Direction {
		return nil, nil
	}
	return &Rejection{
		Code:              CodeMTFConsistency,
		Agreement:         mtf.Agreement,
		MinAgreement:      g.Config.MinMTFAgreement,
		DominantDirection: mtf.DominantDirection,
	}, nil
}

func (g *Gate) checkExposureCount(_ context.Context, req Request) (*Rejection, error) {
	if g.Config.MaxSameDirection <= 0 {
		return nil, nil
	}
	count := 0
	for _, r := range activeRecords(req, g.symbolCounts()) {
		if r.Direction == req.Proposal.Direction {
			count++
		}
	}
	if count < g.Config.MaxSameDirection {
		return nil, nil
	}
	return &Rejection{
		Code:        CodeExposureLimit,
		ActiveCount: count,
		MaxActive:   g.Config.MaxSameDirection,
	}, nil
}

type exposureSnapshot struct {
	Total decimal.Decimal
	Long  decimal.Decimal
	Short decimal.Decimal
}

func (e exposureSnapshot) direction(d domain.Direction) decimal.Decimal {
	if d == domain.DirectionShort {
		return e.Short
	}
	return e.Long
}

func exposures(active []*domain.Recommendation) exposureSnapshot {
	out := exposureSnapshot{Total: decimal.Zero, Long: decimal.Zero, Short: decimal.Zero}
	for _, r := range active {
		n := decimal.NewFromFloat(r.PositionSize).Mul(decimal.NewFromFloat(r.Leverage))
		out.Total = out.Total.Add(n)
		if r.Direction == domain.DirectionShort {
			out.Short = out.Short.Add(n)
		} else {
			out.Long = out.Long.Add(n)
		}
	}
	return out
}

func (g *Gate) checkExposureCaps(_ context.Context, req Request) (*Rejection, error) {
	exp := exposures(activeRecords(req, true))
	candidate := decimal.NewFromFloat(req.Notional)

	if g.Config.MaxTotalNotional > 0 {
		limit := decimal.NewFromFloat(g.Config.MaxTotalNotional)
		if exp.Total.Add(candidate).GreaterThan(limit) {
			return capRejection(ScopeTotal, exp.Total, candidate, g.Config.MaxTotalNotional), nil
		}
	}
	if g.Config.MaxDirectionNotional > 0 {
		limit := decimal.NewFromFloat(g.Config.MaxDirectionNotional)
		current := exp.direction(req.Proposal.Direction)
		if current.Add(candidate).GreaterThan(limit) {
			return capRejection(directionScope(req.Proposal.Direction), current, candidate, g.Config.MaxDirectionNotional), nil
		}
	}
	return nil, nil
}

func capRejection(scope Scope, current, candidate decimal.Decimal, limit float64) *Rejection {
	return &Rejection{
		Code:      CodeExposureCap,
		Scope:     scope,
		Current:   current.InexactFloat64(),
		Candidate: candidate.InexactFloat64(),
		Cap:       limit,
	}
}

func (g *Gate) checkDuplicate(ctx context.Context, req Request) (*Rejection, error) {
	if g.Config.DuplicateWindow <= 0 {
		return nil, nil
	}
	p := req.Proposal
	last, err := g.Store.GetLastBySymbolDirection(ctx, p.Symbol, p.Direction, domain.StatusActive)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("duplicate lookup: %w", err)
	}
	if req.Now.Sub(last.CreatedAt) >= g.Config.DuplicateWindow || last.EntryPrice <= 0 {
		return nil, nil
	}
	bps := math.Abs(p.EntryPrice-last.EntryPrice) / last.EntryPrice * 10000
	if bps > g.Config.DuplicatePriceBps {
		return nil, nil
	}
	return &Rejection{
		Code:         CodeDuplicate,
		MatchedID:    last.ID,
		WindowMs:     g.Config.DuplicateWindow.Milliseconds(),
		ThresholdBps: g.Config.DuplicatePriceBps,
		ObservedBps:  decimal.NewFromFloat(bps).Round(4).InexactFloat64(),
	}, nil
}

func (g *Gate) checkHourly(ctx context.Context, req Request) (*Rejection, error) {
	filter := storage.CountFilter{}
	if g.symbolCounts() {
		filter.Symbol = req.Proposal.Symbol
	}
	windowStart := req.Now.Add(-hourlyWindow)

	if g.Config.HourlyCapTotal > 0 {
		rej, err := g.hourlyCap(ctx, req.Now, windowStart, filter, g.Config.HourlyCapTotal)
		if rej != nil || err != nil {
			return rej, err
		}
	}
	if g.Config.HourlyCapDirection > 0 {
		filter.Direction = req.Proposal.Direction
		return g.hourlyCap(ctx, req.Now, windowStart, filter, g.Config.HourlyCapDirection)
	}
	return nil, nil
}

func (g *Gate) hourlyCap(ctx context.Context, now, windowStart time.Time, filter storage.CountFilter, limit int) (*Rejection, error) {
	count, oldest, err := g.Store.CountCreatedWithin(ctx, windowStart, filter)
	if err != nil {
		return nil, fmt.Errorf("hourly count: %w", err)
	}
	if count < limit {
		return nil, nil
	}
	rej := cooldown(KindHourly, oldest.Add(hourlyWindow), now)
	rej.Count = count
	rej.Limit = limit
	return rej, nil
}

func (g *Gate) checkCooldowns(ctx context.Context, req Request) (*Rejection, error) {
	if req.BypassCooldown {
		return nil, nil
	}
	p := req.Proposal

	windows := []struct {
		kind      Kind
		direction domain.Direction
		window    time.Duration
	}{
		{KindOpposite, p.Direction.Opposite(), g.Config.OppositeCooldown},
		{KindSameDirection, p.Direction, g.Config.SameDirectionCooldown},
	}
	for _, w := range windows {
		if w.window <= 0 {
			continue
		}
		last, err := g.Store.GetLastBySymbolDirection(ctx, p.Symbol, w.direction)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cooldown lookup: %w", err)
		}
		if until := last.CreatedAt.Add(w.window); req.Now.Before(until) {
			rej := cooldown(w.kind, until, req.Now)
			rej.BlockingID = last.ID
			return rej, nil
		}
	}

	if g.Config.GlobalCooldown > 0 && !req.LastAdmittedAt.IsZero() {
		if until := req.LastAdmittedAt.Add(g.Config.GlobalCooldown); req.Now.Before(until) {
			return cooldown(KindGlobal, until, req.Now), nil
		}
	}
	return nil, nil
}
