package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/storage"
)

// RecommendationStore implements storage.RecommendationStore using PostgreSQL.
type RecommendationStore struct {
	pool *Pool
}

// NewRecommendationStore creates a new RecommendationStore.
func NewRecommendationStore(pool *Pool) *RecommendationStore {
	return &RecommendationStore{pool: pool}
}

// Compile-time interface check.
var _ storage.RecommendationStore = (*RecommendationStore)(nil)

const recommendationColumns = `
	id, fingerprint, strategy,
	symbol, direction, entry_price, current_price,
	stop_loss_price, take_profit_price, stop_loss_pct, take_profit_pct,
	liquidation_price, leverage, position_size, initial_position_size,
	risk_reward, confidence, atr_value, atr_period, atr_stop_multiplier, atr_take_multiplier,
	partial_take_profits, trailing, max_holding_hours,
	status, result, exit_price, exit_time, exit_reason, exit_label,
	pnl_amount, pnl_percent, partial_realized_pnl, holding_duration_ms,
	created_at, updated_at, extra_context
`

// Save inserts a new recommendation. Returns ErrDuplicateKey if id or fingerprint exists.
func (s *RecommendationStore) Save(ctx context.Context, r *domain.Recommendation) (err error) {
	defer observe("save", time.Now(), &err)

	if r == nil || r.ID == "" || r.Fingerprint == "" {
		return storage.ErrInvalidInput
	}

	args, err := recommendationArgs(r)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO recommendations (` + recommendationColumns + `) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21,
			$22, $23, $24,
			$25, $26, $27, $28, $29, $30,
			$31, $32, $33, $34,
			$35, $36, $37
		)
	`

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		if isConstraintError(err) {
			return fmt.Errorf("%w: %v", storage.ErrConstraintViolation, err)
		}
		return fmt.Errorf("insert recommendation: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of an existing recommendation.
func (s *RecommendationStore) Update(ctx context.Context, r *domain.Recommendation) (err error) {
	defer observe("update", time.Now(), &err)

	if r == nil || r.ID == "" {
		return storage.ErrInvalidInput
	}

	partials, trailing, extra, err := marshalJSONColumns(r)
	if err != nil {
		return err
	}

	query := `
		UPDATE recommendations SET
			current_price = $2,
			stop_loss_price = $3,
			take_profit_price = $4,
			position_size = $5,
			partial_take_profits = $6,
			trailing = $7,
			status = $8,
			result = $9,
			exit_price = $10,
			exit_time = $11,
			exit_reason = $12,
			exit_label = $13,
			pnl_amount = $14,
			pnl_percent = $15,
			partial_realized_pnl = $16,
			holding_duration_ms = $17,
			updated_at = $18,
			extra_context = $19
		WHERE id = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		r.ID,
		r.CurrentPrice,
		r.StopLossPrice,
		r.TakeProfitPrice,
		r.PositionSize,
		partials,
		trailing,
		string(r.Status),
		string(r.Result),
		r.ExitPrice,
		r.ExitTime,
		string(r.ExitReason),
		string(r.ExitLabel),
		r.PnLAmount,
		r.PnLPercent,
		r.PartialRealizedPnL,
		r.HoldingDuration.Milliseconds(),
		r.UpdatedAt,
		extra,
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: %v", storage.ErrConstraintViolation, err)
		}
		return fmt.Errorf("update recommendation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByID retrieves a recommendation by its ID. Returns ErrNotFound if not exists.
func (s *RecommendationStore) GetByID(ctx context.Context, id string) (*domain.Recommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM recommendations WHERE id = $1`

	r, err := scanRecommendation(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get recommendation by id: %w", err)
	}
	return r, nil
}

// GetActive retrieves all ACTIVE recommendations, ordered by created_at ASC.
func (s *RecommendationStore) GetActive(ctx context.Context) (recs []*domain.Recommendation, err error) {
	defer observe("get_active", time.Now(), &err)

	query := `
		SELECT ` + recommendationColumns + `
		FROM recommendations
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, string(domain.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("get active recommendations: %w", err)
	}
	defer rows.Close()

	return scanRecommendations(rows)
}

// GetLastBySymbolDirection retrieves the newest recommendation for symbol+direction.
func (s *RecommendationStore) GetLastBySymbolDirection(ctx context.Context, symbol string, direction domain.Direction, statuses ...domain.Status) (*domain.Recommendation, error) {
	query := `
		SELECT ` + recommendationColumns + `
		FROM recommendations
		WHERE symbol = $1 AND direction = $2
	`
	args := []any{symbol, string(direction)}

	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, st := range statuses {
			values[i] = string(st)
		}
		query += ` AND status = ANY($3)`
		args = append(args, values)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	r, err := scanRecommendation(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get last recommendation by symbol/direction: %w", err)
	}
	return r, nil
}

// GetLatest retrieves the newest recommendation of any symbol.
func (s *RecommendationStore) GetLatest(ctx context.Context) (*domain.Recommendation, error) {
	query := `
		SELECT ` + recommendationColumns + `
		FROM recommendations
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	r, err := scanRecommendation(s.pool.QueryRow(ctx, query))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get latest recommendation: %w", err)
	}
	return r, nil
}

// CountCreatedWithin counts recommendations created at or after windowStart.
func (s *RecommendationStore) CountCreatedWithin(ctx context.Context, windowStart time.Time, filter storage.CountFilter) (int, time.Time, error) {
	conds := []string{"created_at >= $1"}
	args := []any{windowStart}

	if filter.Symbol != "" {
		args = append(args, filter.Symbol)
		conds = append(conds, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if filter.Direction != "" {
		args = append(args, string(filter.Direction))
		conds = append(conds, fmt.Sprintf("direction = $%d", len(args)))
	}

	query := `
		SELECT count(*), min(created_at)
		FROM recommendations
		WHERE ` + strings.Join(conds, " AND ")

	var count int
	var oldest *time.Time
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count, &oldest); err != nil {
		return 0, time.Time{}, fmt.Errorf("count recommendations: %w", err)
	}
	if oldest == nil {
		return count, time.Time{}, nil
	}
	return count, *oldest, nil
}

func marshalJSONColumns(r *domain.Recommendation) (partials, trailing, extra string, err error) {
	p := r.PartialTakeProfits
	if p == nil {
		p = []domain.PartialTakeProfit{}
	}
	pb, err := json.Marshal(p)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal partial take profits: %w", err)
	}
	tb, err := json.Marshal(r.Trailing)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal trailing state: %w", err)
	}
	eb, err := json.Marshal(r.Extra)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal extra context: %w", err)
	}
	return string(pb), string(tb), string(eb), nil
}

func recommendationArgs(r *domain.Recommendation) ([]any, error) {
	partials, trailing, extra, err := marshalJSONColumns(r)
	if err != nil {
		return nil, err
	}

	return []any{
		r.ID, r.Fingerprint, r.Strategy,
		r.Symbol, string(r.Direction), r.EntryPrice, r.CurrentPrice,
		r.StopLossPrice, r.TakeProfitPrice, r.StopLossPct, r.TakeProfitPct,
		r.LiquidationPrice, r.Leverage, r.PositionSize, r.InitialPositionSize,
		r.RiskReward, r.Confidence, r.ATRValue, r.ATRPeriod, r.ATRStopMultiplier, r.ATRTakeMultiplier,
		partials, trailing, r.MaxHoldingHours,
		string(r.Status), string(r.Result), r.ExitPrice, r.ExitTime, string(r.ExitReason), string(r.ExitLabel),
		r.PnLAmount, r.PnLPercent, r.PartialRealizedPnL, r.HoldingDuration.Milliseconds(),
		r.CreatedAt, r.UpdatedAt, extra,
	}, nil
}

// scanRecommendation scans a single row into a Recommendation.
func scanRecommendation(row pgx.Row) (*domain.Recommendation, error) {
	var r domain.Recommendation
	var direction, status, result, exitReason, exitLabel string
	var partials, trailing, extra []byte
	var holdingMs int64

	err := row.Scan(
		&r.ID, &r.Fingerprint, &r.Strategy,
		&r.Symbol, &direction, &r.EntryPrice, &r.CurrentPrice,
		&r.StopLossPrice, &r.TakeProfitPrice, &r.StopLossPct, &r.TakeProfitPct,
		&r.LiquidationPrice, &r.Leverage, &r.PositionSize, &r.InitialPositionSize,
		&r.RiskReward, &r.Confidence, &r.ATRValue, &r.ATRPeriod, &r.ATRStopMultiplier, &r.ATRTakeMultiplier,
		&partials, &trailing, &r.MaxHoldingHours,
		&status, &result, &r.ExitPrice, &r.ExitTime, &exitReason, &exitLabel,
		&r.PnLAmount, &r.PnLPercent, &r.PartialRealizedPnL, &holdingMs,
		&r.CreatedAt, &r.UpdatedAt, &extra,
	)
	if err != nil {
		return nil, err
	}

	r.Direction = domain.Direction(direction)
	r.Status = domain.Status(status)
	r.Result = domain.Result(result)
	r.ExitReason = domain.ExitReason(exitReason)
	r.ExitLabel = domain.ExitLabel(exitLabel)
	r.HoldingDuration = time.Duration(holdingMs) * time.Millisecond

	if err := json.Unmarshal(partials, &r.PartialTakeProfits); err != nil {
		return nil, fmt.Errorf("unmarshal partial take profits: %w", err)
	}
	if len(r.PartialTakeProfits) == 0 {
		r.PartialTakeProfits = nil
	}
	if err := json.Unmarshal(trailing, &r.Trailing); err != nil {
		return nil, fmt.Errorf("unmarshal trailing state: %w", err)
	}
	if err := json.Unmarshal(extra, &r.Extra); err != nil {
		return nil, fmt.Errorf("unmarshal extra context: %w", err)
	}

	return &r, nil
}

// scanRecommendations scans multiple rows into a slice of Recommendation.
func scanRecommendations(rows pgx.Rows) ([]*domain.Recommendation, error) {
	var recs []*domain.Recommendation

	for rows.Next() {
		r, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recommendation row: %w", err)
		}
		recs = append(recs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recommendation rows: %w", err)
	}

	return recs, nil
}
