package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"recommendation-tracker/internal/domain"
	"recommendation-tracker/internal/observability"
	"recommendation-tracker/internal/storage"
)

// SnapshotStore implements storage.SnapshotStore using ClickHouse.
type SnapshotStore struct {
	conn *Conn
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(conn *Conn) *SnapshotStore {
	return &SnapshotStore{conn: conn}
}

// Compile-time interface check.
var _ storage.SnapshotStore = (*SnapshotStore)(nil)

// Append adds a monitoring snapshot.
func (s *SnapshotStore) Append(ctx context.Context, snap *domain.MonitoringSnapshot) (err error) {
	start := time.Now()
	defer func() {
		observability.RecordDBQuery("clickhouse", "append_snapshot", time.Since(start).Seconds(), err)
	}()

	if snap == nil || snap.RecommendationID == "" {
		return storage.ErrInvalidInput
	}

	ctxJSON, err := json.Marshal(snap.Context)
	if err != nil {
		return fmt.Errorf("marshal snapshot context: %w", err)
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO monitoring_snapshots (
			recommendation_id, symbol, direction, timestamp_ms,
			price, stop_loss_price, take_profit_price, position_size,
			unrealized_pnl, unrealized_pnl_pct,
			stop_loss_hit, take_profit_hit, liquidation_hit, take_profit_held,
			context
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	err = batch.Append(
		snap.RecommendationID, snap.Symbol, string(snap.Direction), uint64(snap.Timestamp.UnixMilli()),
		snap.Price, snap.StopLossPrice, snap.TakeProfitPrice, snap.PositionSize,
		snap.UnrealizedPnL, snap.UnrealizedPnLPct,
		boolToUInt8(snap.StopLossHit), boolToUInt8(snap.TakeProfitHit),
		boolToUInt8(snap.LiquidationHit), boolToUInt8(snap.TakeProfitHeld),
		string(ctxJSON),
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByRecommendationID retrieves all snapshots of a recommendation, ordered by timestamp ASC.
func (s *SnapshotStore) GetByRecommendationID(ctx context.Context, recommendationID string) ([]*domain.MonitoringSnapshot, error) {
	query := `
		SELECT
			recommendation_id, symbol, direction, timestamp_ms,
			price, stop_loss_price, take_profit_price, position_size,
			unrealized_pnl, unrealized_pnl_pct,
			stop_loss_hit, take_profit_hit, liquidation_hit, take_profit_held,
			context
		FROM monitoring_snapshots
		WHERE recommendation_id = ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, recommendationID)
	if err != nil {
		return nil, fmt.Errorf("query by recommendation id: %w", err)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

// scanSnapshots scans multiple rows.
func scanSnapshots(rows chRows) ([]*domain.MonitoringSnapshot, error) {
	var snaps []*domain.MonitoringSnapshot

	for rows.Next() {
		var snap domain.MonitoringSnapshot
		var direction, ctxJSON string
		var timestampMs uint64
		var slHit, tpHit, liqHit, tpHeld uint8

		err := rows.Scan(
			&snap.RecommendationID, &snap.Symbol, &direction, &timestampMs,
			&snap.Price, &snap.StopLossPrice, &snap.TakeProfitPrice, &snap.PositionSize,
			&snap.UnrealizedPnL, &snap.UnrealizedPnLPct,
			&slHit, &tpHit, &liqHit, &tpHeld,
			&ctxJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}

		snap.Direction = domain.Direction(direction)
		snap.Timestamp = time.UnixMilli(int64(timestampMs)).UTC()
		snap.StopLossHit = slHit == 1
		snap.TakeProfitHit = tpHit == 1
		snap.LiquidationHit = liqHit == 1
		snap.TakeProfitHeld = tpHeld == 1
		if ctxJSON != "" {
			if err := json.Unmarshal([]byte(ctxJSON), &snap.Context); err != nil {
				return nil, fmt.Errorf("unmarshal snapshot context: %w", err)
			}
		}

		snaps = append(snaps, &snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}

	return snaps, nil
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
