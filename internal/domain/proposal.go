package domain

// MTFSignal is the optional multi-timeframe consistency capability of a proposal.
type MTFSignal struct {
	Agreement         float64   // 0..1 share of timeframes agreeing
	DominantDirection Direction // direction most timeframes agree on
}

// ATRSignal is the optional volatility capability of a proposal.
type ATRSignal struct {
	Value          float64
	Period         int
	StopMultiplier *float64 // overrides configured multiplier
	TakeMultiplier *float64 // overrides configured multiplier
}

// TrendSignal is the optional trend capability of a proposal.
type TrendSignal struct {
	Direction Direction // trend direction
	Strength  float64   // 0..1
}

// Proposal is a caller's request to track a new recommendation.
type Proposal struct {
	Symbol     string
	Direction  Direction
	Strategy   string
	EntryPrice float64
	Confidence float64 // 0..1

	// Optional explicit risk parameters; zero/nil means "derive".
	StopLossPrice   float64
	TakeProfitPrice float64
	StopLossPct     *float64 // leverage-inclusive
	TakeProfitPct   *float64 // leverage-inclusive
	RiskReward      float64
	Leverage        float64
	PositionSize    float64
	MaxHoldingHours float64

	// Optional capabilities; nil = absent, dependent rules are skipped.
	MTF   *MTFSignal
	ATR   *ATRSignal
	Trend *TrendSignal
}

// HasExplicitSizing reports whether size and leverage were both supplied.
func (p *Proposal) HasExplicitSizing() bool {
	return p.PositionSize > 0 && p.Leverage >= 1
}
