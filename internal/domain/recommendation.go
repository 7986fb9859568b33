package domain

import (
	"errors"
	"time"
)

// Direction is the side of a recommendation.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Valid reports whether d is LONG or SHORT.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Sign returns +1 for LONG and -1 for SHORT.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

// Status is the lifecycle state of a recommendation.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusClosed  Status = "CLOSED"
	StatusExpired Status = "EXPIRED"
)

// Terminal reports whether no further mutation is allowed in this state.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusExpired
}

// Result is the outcome of a closed recommendation.
type Result string

const (
	ResultWin       Result = "WIN"
	ResultLoss      Result = "LOSS"
	ResultBreakeven Result = "BREAKEVEN"
)

// ExitReason is the operational trigger that ended a recommendation.
type ExitReason string

const (
	ExitReasonTakeProfit  ExitReason = "TAKE_PROFIT"
	ExitReasonStopLoss    ExitReason = "STOP_LOSS"
	ExitReasonTimeout     ExitReason = "TIMEOUT"
	ExitReasonLiquidation ExitReason = "LIQUIDATION"
	ExitReasonManual      ExitReason = "MANUAL"
	ExitReasonBreakeven   ExitReason = "BREAKEVEN"
)

// Valid reports whether r belongs to the accepted exit reason set.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitReasonTakeProfit, ExitReasonStopLoss, ExitReasonTimeout,
		ExitReasonLiquidation, ExitReasonManual, ExitReasonBreakeven:
		return true
	}
	return false
}

// ExitLabel is a PnL-sign-derived classification of how a recommendation ended.
type ExitLabel string

const (
	ExitLabelNone              ExitLabel = ""
	ExitLabelDynamicTakeProfit ExitLabel = "DYNAMIC_TAKE_PROFIT"
	ExitLabelDynamicStopLoss   ExitLabel = "DYNAMIC_STOP_LOSS"
	ExitLabelTimeout           ExitLabel = "TIMEOUT"
	ExitLabelBreakeven         ExitLabel = "BREAKEVEN"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidTransitions lists allowed status transitions.
var ValidTransitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusClosed, StatusExpired},
	StatusActive:  {StatusClosed, StatusExpired},
	StatusClosed:  {},
	StatusExpired: {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PartialTakeProfit is one tier of the partial take-profit plan.
type PartialTakeProfit struct {
	Tier         int        // 1..3
	TriggerPrice float64    // price at which the tier fires
	Ratio        float64    // fraction of the initial size released (0..1)
	Hit          bool       // tier already executed
	HitAt        *time.Time // execution time
	HitPrice     *float64   // execution price
}

// TrailingState is the trailing-stop state carried by a recommendation.
type TrailingState struct {
	Enabled         bool    // trailing plan present for this record
	Activated       bool    // stop has started trailing
	Watermark       float64 // high (LONG) or low (SHORT) since entry
	LastStop        float64 // last persisted trailed stop
	ActivationPrice float64 // price that must be reached before activation (0 = none)
	Percent         float64 // trail distance in percent (0 = engine default)
	Moves           int     // number of accepted stop moves
}

// Recommendation is a tracked trading recommendation.
type Recommendation struct {
	ID          string // uuid
	Fingerprint string // storage-level dedupe key
	Strategy    string // strategy tag of the proposer

	// Market
	Symbol       string
	Direction    Direction
	EntryPrice   float64
	CurrentPrice float64

	// Risk
	StopLossPrice       float64
	TakeProfitPrice     float64
	StopLossPct         *float64 // leverage-inclusive
	TakeProfitPct       *float64 // leverage-inclusive
	LiquidationPrice    float64  // 0 when leverage is 1
	Leverage            float64  // >= 1
	PositionSize        float64  // remaining notional units
	InitialPositionSize float64  // notional units at admission
	RiskReward          float64
	Confidence          float64
	ATRValue            *float64
	ATRPeriod           *int
	ATRStopMultiplier   *float64
	ATRTakeMultiplier   *float64
	PartialTakeProfits  []PartialTakeProfit
	Trailing            TrailingState
	MaxHoldingHours     float64

	// Lifecycle
	Status     Status
	Result     Result
	ExitPrice  *float64
	ExitTime   *time.Time
	ExitReason ExitReason
	ExitLabel  ExitLabel

	// Derived
	PnLAmount          float64
	PnLPercent         float64
	PartialRealizedPnL float64
	HoldingDuration    time.Duration
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Extra ExtraContext
}

// Notional returns size multiplied by leverage.
func (r *Recommendation) Notional() float64 {
	return r.PositionSize * r.Leverage
}

// Clone returns a deep copy of r.
func (r *Recommendation) Clone() *Recommendation {
	c := *r
	if r.PartialTakeProfits != nil {
		c.PartialTakeProfits = make([]PartialTakeProfit, len(r.PartialTakeProfits))
		copy(c.PartialTakeProfits, r.PartialTakeProfits)
	}
	c.Extra = r.Extra.Clone()
	return &c
}

// Transition moves r to the given status.
func (r *Recommendation) Transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return ErrInvalidTransition
	}
	r.Status = to
	return nil
}

// Holding returns the elapsed holding time at t, never negative.
func (r *Recommendation) Holding(t time.Time) time.Duration {
	d := t.Sub(r.CreatedAt)
	if d < 0 {
		return 0
	}
	return d
}
