package api

import (
	"time"

	"recommendation-tracker/internal/domain"
)

// RecommendationView is the JSON form of a recommendation.
type RecommendationView struct {
	ID                 string                     `json:"id"`
	Strategy           string                     `json:"strategy,omitempty"`
	Symbol             string                     `json:"symbol"`
	Direction          domain.Direction           `json:"direction"`
	Status             domain.Status              `json:"status"`
	EntryPrice         float64                    `json:"entry_price"`
	CurrentPrice       float64                    `json:"current_price"`
	StopLossPrice      float64                    `json:"stop_loss_price"`
	TakeProfitPrice    float64                    `json:"take_profit_price"`
	StopLossPct        *float64                   `json:"stop_loss_pct,omitempty"`
	TakeProfitPct      *float64                   `json:"take_profit_pct,omitempty"`
	LiquidationPrice   float64                    `json:"liquidation_price,omitempty"`
	Leverage           float64                    `json:"leverage"`
	PositionSize       float64                    `json:"position_size"`
	InitialSize        float64                    `json:"initial_position_size"`
	RiskReward         float64                    `json:"risk_reward"`
	Confidence         float64                    `json:"confidence"`
	MaxHoldingHours    float64                    `json:"max_holding_hours"`
	PartialTakeProfits []domain.PartialTakeProfit `json:"partial_take_profits,omitempty"`
	TrailingActivated  bool                       `json:"trailing_activated"`
	TrailingMoves      int                        `json:"trailing_moves"`
	Result             domain.Result              `json:"result,omitempty"`
	ExitPrice          *float64                   `json:"exit_price,omitempty"`
	ExitTime           *time.Time                 `json:"exit_time,omitempty"`
	ExitReason         domain.ExitReason          `json:"exit_reason,omitempty"`
	ExitLabel          domain.ExitLabel           `json:"exit_label,omitempty"`
	PnLAmount          float64                    `json:"pnl_amount"`
	PnLPercent         float64                    `json:"pnl_percent"`
	PartialRealizedPnL float64                    `json:"partial_realized_pnl"`
	HoldingSeconds     float64                    `json:"holding_seconds,omitempty"`
	CreatedAt          time.Time                  `json:"created_at"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

// NewRecommendationView builds the JSON form of r.
func NewRecommendationView(r *domain.Recommendation) RecommendationView {
	return RecommendationView{
		ID:                 r.ID,
		Strategy:           r.Strategy,
		Symbol:             r.Symbol,
		Direction:          r.Direction,
		Status:             r.Status,
		EntryPrice:         r.EntryPrice,
		CurrentPrice:       r.CurrentPrice,
		StopLossPrice:      r.StopLossPrice,
		TakeProfitPrice:    r.TakeProfitPrice,
		StopLossPct:        r.StopLossPct,
		TakeProfitPct:      r.TakeProfitPct,
		LiquidationPrice:   r.LiquidationPrice,
		Leverage:           r.Leverage,
		PositionSize:       r.PositionSize,
		InitialSize:        r.InitialPositionSize,
		RiskReward:         r.RiskReward,
		Confidence:         r.Confidence,
		MaxHoldingHours:    r.MaxHoldingHours,
		PartialTakeProfits: r.PartialTakeProfits,
		TrailingActivated:  r.Trailing.Activated,
		TrailingMoves:      r.Trailing.Moves,
		Result:             r.Result,
		ExitPrice:          r.ExitPrice,
		ExitTime:           r.ExitTime,
		ExitReason:         r.ExitReason,
		ExitLabel:          r.ExitLabel,
		PnLAmount:          r.PnLAmount,
		PnLPercent:         r.PnLPercent,
		PartialRealizedPnL: r.PartialRealizedPnL,
		HoldingSeconds:     r.HoldingDuration.Seconds(),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}
