// Package api exposes the tracker over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/gate"
	"recommendation-tracker/internal/lifecycle"
	"recommendation-tracker/internal/observability"
	"recommendation-tracker/internal/storage"
)

// Engine is the lifecycle surface served over HTTP.
type Engine interface {
	Create(ctx context.Context, p domain.Proposal, bypassCooldown bool) (*domain.Recommendation, error)
	CloseByID(ctx context.Context, id string, reason domain.ExitReason) (*domain.Recommendation, error)
	ExpireByID(ctx context.Context, id string) (*domain.Recommendation, error)
	Active() []*domain.Recommendation
	ExposureSummary() []domain.ExposureSnapshot
	LastAdmittedAt() time.Time
}

var _ Engine = (*lifecycle.Engine)(nil)

// Handler serves the recommendation endpoints.
type Handler struct {
	engine        Engine
	logger        *zap.Logger
	started       time.Time
	operatorToken string
}

// Option configures a Handler.
type Option func(*Handler)

// WithOperatorToken sets the bearer token that authorizes privileged
// requests. Without it privileged requests are refused.
func WithOperatorToken(token string) Option {
	return func(h *Handler) {
		h.operatorToken = strings.TrimSpace(token)
	}
}

// New creates a handler.
func New(engine Engine, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{engine: engine, logger: logger, started: time.Now()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// isOperator reports whether r carries the operator bearer token.
func (h *Handler) isOperator(r *http.Request) bool {
	if h.operatorToken == "" {
		return false
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.operatorToken)) == 1
}

// Routes returns the HTTP mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", observability.Handler())
	mux.HandleFunc("GET /status", h.handleStatus)

	mux.HandleFunc("POST /recommendations", h.handleCreate)
	mux.HandleFunc("GET /recommendations", h.handleList)
	mux.HandleFunc("POST /recommendations/{id}/close", h.handleClose)
	mux.HandleFunc("POST /recommendations/{id}/expire", h.handleExpire)

	return mux
}

// ProposalRequest is the JSON body of POST /recommendations.
type ProposalRequest struct {
	Symbol          string   `json:"symbol"`
	Direction       string   `json:"direction"`
	Strategy        string   `json:"strategy"`
	EntryPrice      float64  `json:"entry_price"`
	Confidence      float64  `json:"confidence"`
	StopLossPrice   float64  `json:"stop_loss_price"`
	TakeProfitPrice float64  `json:"take_profit_price"`
	StopLossPct     *float64 `json:"stop_loss_pct"`
	TakeProfitPct   *float64 `json:"take_profit_pct"`
	RiskReward      float64  `json:"risk_reward"`
	Leverage        float64  `json:"leverage"`
	PositionSize    float64  `json:"position_size"`
	MaxHoldingHours float64  `json:"max_holding_hours"`
	BypassCooldown  bool     `json:"bypass_cooldown"` // operator only

	MTF *struct {
		Agreement         float64 `json:"agreement"`
		DominantDirection string  `json:"dominant_direction"`
	} `json:"mtf"`
	ATR *struct {
		Value          float64  `json:"value"`
		Period         int      `json:"period"`
		StopMultiplier *float64 `json:"stop_multiplier"`
		TakeMultiplier *float64 `json:"take_multiplier"`
	} `json:"atr"`
	Trend *struct {
		Direction string  `json:"direction"`
		Strength  float64 `json:"strength"`
	} `json:"trend"`
}

// Proposal converts the request into a domain proposal.
func (req ProposalRequest) Proposal() domain.Proposal {
	p := domain.Proposal{
		Symbol:          req.Symbol,
		Direction:       domain.Direction(req.Direction),
		Strategy:        req.Strategy,
		EntryPrice:      req.EntryPrice,
		Confidence:      req.Confidence,
		StopLossPrice:   req.StopLossPrice,
		TakeProfitPrice: req.TakeProfitPrice,
		StopLossPct:     req.StopLossPct,
		TakeProfitPct:   req.TakeProfitPct,
		RiskReward:      req.RiskReward,
		Leverage:        req.Leverage,
		PositionSize:    req.PositionSize,
		MaxHoldingHours: req.MaxHoldingHours,
	}
	if req.MTF != nil {
		p.MTF = &domain.MTFSignal{
			Agreement:         req.MTF.Agreement,
			DominantDirection: domain.Direction(req.MTF.DominantDirection),
		}
	}
	if req.ATR != nil {
		p.ATR = &domain.ATRSignal{
			Value:          req.ATR.Value,
			Period:         req.ATR.Period,
			StopMultiplier: req.ATR.StopMultiplier,
			TakeMultiplier: req.ATR.TakeMultiplier,
		}
	}
	if req.Trend != nil {
		p.Trend = &domain.TrendSignal{
			Direction: domain.Direction(req.Trend.Direction),
			Strength:  req.Trend.Strength,
		}
	}
	return p
}

// CloseRequest is the optional JSON body of POST /recommendations/{id}/close.
type CloseRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req ProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.BypassCooldown && !h.isOperator(r) {
		h.logger.Warn("api: cooldown bypass refused", zap.String("remote", r.RemoteAddr))
		writeError(w, http.StatusForbidden, "bypass_cooldown requires operator token")
		return
	}

	rec, err := h.engine.Create(r.Context(), req.Proposal(), req.BypassCooldown)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, NewRecommendationView(rec))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	active := h.engine.Active()
	out := make([]RecommendationView, 0, len(active))
	for _, rec := range active {
		out = append(out, NewRecommendationView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	reason := domain.ExitReason(req.Reason)
	if reason == "" {
		reason = domain.ExitReasonManual
	}

	rec, err := h.engine.CloseByID(r.Context(), r.PathValue("id"), reason)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewRecommendationView(rec))
}

func (h *Handler) handleExpire(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.ExpireByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewRecommendationView(rec))
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status         string                    `json:"status"`
	Uptime         string                    `json:"uptime"`
	Active         int                       `json:"active"`
	LastAdmittedAt *time.Time                `json:"last_admitted_at,omitempty"`
	Exposure       []domain.ExposureSnapshot `json:"exposure"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:   "running",
		Uptime:   time.Since(h.started).Round(time.Second).String(),
		Active:   len(h.engine.Active()),
		Exposure: h.engine.ExposureSummary(),
	}
	if last := h.engine.LastAdmittedAt(); !last.IsZero() {
		resp.LastAdmittedAt = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// rejectionResponse wraps a gate rejection for 409 responses.
type rejectionResponse struct {
	Error     string          `json:"error"`
	Rejection *gate.Rejection `json:"rejection"`
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	if rej, ok := gate.AsRejection(err); ok {
		writeJSON(w, http.StatusConflict, rejectionResponse{Error: rej.Error(), Rejection: rej})
		return
	}

	switch {
	case errors.Is(err, lifecycle.ErrInvalidProposal):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrNotActive), errors.Is(err, storage.ErrDuplicateKey):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
