package domain

import "time"

// ExtraContextVersion is the schema version written into ExtraContext.
const ExtraContextVersion = 1

// TrailingConfigSnapshot captures the trailing configuration in force.
type TrailingConfigSnapshot struct {
	Enabled              bool    `json:"enabled"`
	Percent              float64 `json:"percent"`
	MinStepPct           float64 `json:"min_step_pct"`
	ActivateOnBreakeven  bool    `json:"activate_on_breakeven"`
	ActivationProfitPct  float64 `json:"activation_profit_pct"`
	LowProfitMultiplier  float64 `json:"low_profit_multiplier"`
	HighProfitMultiplier float64 `json:"high_profit_multiplier"`
	Activated            bool    `json:"activated"`
	Watermark            float64 `json:"watermark"`
	Stop                 float64 `json:"stop"`
}

// ATRConfigSnapshot captures the ATR inputs used for stops and targets.
type ATRConfigSnapshot struct {
	Value          float64 `json:"value"`
	Period         int     `json:"period"`
	StopMultiplier float64 `json:"stop_multiplier"`
	TakeMultiplier float64 `json:"take_multiplier"`
}

// ExposureSnapshot captures book exposure around the recommendation.
type ExposureSnapshot struct {
	Symbol        string  `json:"symbol"`
	LongNotional  float64 `json:"long_notional"`
	ShortNotional float64 `json:"short_notional"`
	TotalNotional float64 `json:"total_notional"`
	ActiveCount   int     `json:"active_count"`
}

// ExtraContext is the versioned audit side-record of a recommendation.
// It is written, never read back into decisions.
type ExtraContext struct {
	Version  int                     `json:"version"`
	Trailing *TrailingConfigSnapshot `json:"trailing,omitempty"`
	ATR      *ATRConfigSnapshot      `json:"atr,omitempty"`
	Exposure *ExposureSnapshot       `json:"exposure,omitempty"`
	MTF      *MTFSignal              `json:"mtf,omitempty"`
	Trend    *TrendSignal            `json:"trend,omitempty"`
}

// Clone returns a copy with independent pointer fields.
func (e ExtraContext) Clone() ExtraContext {
	c := e
	if e.Trailing != nil {
		t := *e.Trailing
		c.Trailing = &t
	}
	if e.ATR != nil {
		a := *e.ATR
		c.ATR = &a
	}
	if e.Exposure != nil {
		x := *e.Exposure
		c.Exposure = &x
	}
	if e.MTF != nil {
		m := *e.MTF
		c.MTF = &m
	}
	if e.Trend != nil {
		t := *e.Trend
		c.Trend = &t
	}
	return c
}

// MonitoringSnapshot is one audit row written per monitored record per tick.
type MonitoringSnapshot struct {
	RecommendationID string
	Symbol           string
	Direction        Direction
	Timestamp        time.Time
	Price            float64
	StopLossPrice    float64
	TakeProfitPrice  float64
	PositionSize     float64
	UnrealizedPnL    float64 // amount
	UnrealizedPnLPct float64 // leverage-inclusive percent

	StopLossHit    bool
	TakeProfitHit  bool
	LiquidationHit bool
	TakeProfitHeld bool // take-profit suppressed by minimum holding time

	Context ExtraContext
}
