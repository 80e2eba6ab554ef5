package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"trading-core/internal/state"
)

// StateRepository persists trading state to PostgreSQL.
type StateRepository struct {
	db *DB
}

// NewStateRepository creates a new state repository
func NewStateRepository(db *DB) *StateRepository {
	return &StateRepository{db: db}
}

// SavePosition upserts a single position row.
func (r *StateRepository) SavePosition(ctx context.Context, pos state.Position) error {
	query := `
		INSERT INTO positions (symbol, quantity, side, entry_price, current_price, unrealized_pnl, entry_time, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			side = EXCLUDED.side,
			entry_price = EXCLUDED.entry_price,
			current_price = EXCLUDED.current_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			entry_time = EXCLUDED.entry_time,
			last_update = EXCLUDED.last_update`

	_, err := r.db.Pool.Exec(ctx, query,
		pos.Symbol, pos.Quantity, pos.Side, pos.EntryPrice, pos.CurrentPrice,
		pos.UnrealizedPnL, pos.EntryTime, pos.LastUpdate)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// DeletePosition removes the row for a flattened symbol.
func (r *StateRepository) DeletePosition(ctx context.Context, symbol string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM positions WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

// LoadPositions returns all open positions keyed by symbol.
func (r *StateRepository) LoadPositions(ctx context.Context) (map[string]state.Position, error) {
	query := `
		SELECT symbol, quantity, side, entry_price, current_price, unrealized_pnl, entry_time, last_update
		FROM positions`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	defer rows.Close()

	positions := make(map[string]state.Position)
	for rows.Next() {
		var pos state.Position
		if err := rows.Scan(&pos.Symbol, &pos.Quantity, &pos.Side, &pos.EntryPrice,
			&pos.CurrentPrice, &pos.UnrealizedPnL, &pos.EntryTime, &pos.LastUpdate); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions[pos.Symbol] = pos
	}
	return positions, rows.Err()
}

// SaveRiskParameters appends a risk parameters revision.
func (r *StateRepository) SaveRiskParameters(ctx context.Context, params state.RiskParameters) error {
	query := `
		INSERT INTO risk_parameters (max_position_size, max_daily_loss, max_drawdown_percent,
			position_size_percent, stop_loss_points, take_profit_points, max_positions, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Pool.Exec(ctx, query,
		params.MaxPositionSize, params.MaxDailyLoss, params.MaxDrawdownPercent,
		params.PositionSizePercent, params.StopLossPoints, params.TakeProfitPoints,
		params.MaxPositions, params.Enabled, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save risk parameters: %w", err)
	}
	return nil
}

// LoadRiskParameters returns the most recently saved risk parameters, or
// nil when none have been saved yet.
func (r *StateRepository) LoadRiskParameters(ctx context.Context) (*state.RiskParameters, error) {
	query := `
		SELECT max_position_size, max_daily_loss, max_drawdown_percent, position_size_percent,
			stop_loss_points, take_profit_points, max_positions, enabled
		FROM risk_parameters
		ORDER BY id DESC
		LIMIT 1`

	var params state.RiskParameters
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&params.MaxPositionSize, &params.MaxDailyLoss, &params.MaxDrawdownPercent,
		&params.PositionSizePercent, &params.StopLossPoints, &params.TakeProfitPoints,
		&params.MaxPositions, &params.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load risk parameters: %w", err)
	}
	return &params, nil
}

// SaveSystemConfig appends a system config revision.
func (r *StateRepository) SaveSystemConfig(ctx context.Context, cfg state.SystemConfig) error {
	query := `
		INSERT INTO system_config (auto_trade_enabled, trading_enabled, max_orders_per_minute,
			emergency_stop_triggered, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.Pool.Exec(ctx, query,
		cfg.AutoTradeEnabled, cfg.TradingEnabled, cfg.MaxOrdersPerMinute,
		cfg.EmergencyStopTriggered, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save system config: %w", err)
	}
	return nil
}

// LoadSystemConfig returns the most recently saved system config, or
// nil when none have been saved yet.
func (r *StateRepository) LoadSystemConfig(ctx context.Context) (*state.SystemConfig, error) {
	query := `
		SELECT auto_trade_enabled, trading_enabled, max_orders_per_minute, emergency_stop_triggered
		FROM system_config
		ORDER BY id DESC
		LIMIT 1`

	var cfg state.SystemConfig
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&cfg.AutoTradeEnabled, &cfg.TradingEnabled, &cfg.MaxOrdersPerMinute, &cfg.EmergencyStopTriggered)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load system config: %w", err)
	}
	return &cfg, nil
}

// SaveStateTransition appends a lifecycle transition to the audit trail.
func (r *StateRepository) SaveStateTransition(ctx context.Context, eventType, oldState, newState string, data map[string]interface{}) error {
	var dataJSON []byte
	if data != nil {
		var err error
		dataJSON, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal transition data: %w", err)
		}
	}

	query := `
		INSERT INTO state_history (timestamp, event_type, old_state, new_state, data)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.Pool.Exec(ctx, query, time.Now(), eventType, oldState, newState, dataJSON)
	if err != nil {
		return fmt.Errorf("failed to save state transition: %w", err)
	}
	return nil
}

// SaveMarketTick appends a market data row.
func (r *StateRepository) SaveMarketTick(ctx context.Context, tick state.MarketTick) error {
	query := `
		INSERT INTO market_data (symbol, close, bid, ask, volume, timestamp, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Pool.Exec(ctx, query,
		tick.Symbol, tick.Close, tick.Bid, tick.Ask, tick.Volume, tick.Timestamp, tick.Source)
	if err != nil {
		return fmt.Errorf("failed to save market tick: %w", err)
	}
	return nil
}

// SavePnLSnapshot appends a P&L snapshot row for the given date.
func (r *StateRepository) SavePnLSnapshot(ctx context.Context, date string, pnl state.PnL) error {
	query := `
		INSERT INTO pnl_history (date, realized_pnl, unrealized_pnl, total_pnl)
		VALUES ($1, $2, $3, $4)`

	_, err := r.db.Pool.Exec(ctx, query, date, pnl.Realized, pnl.Unrealized, pnl.Total)
	if err != nil {
		return fmt.Errorf("failed to save pnl snapshot: %w", err)
	}
	return nil
}

// CleanupBefore deletes market data and state history rows older than the
// cutoff. Returns the total number of rows removed.
func (r *StateRepository) CleanupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64

	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM market_data WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up market data: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = r.db.Pool.Exec(ctx, `DELETE FROM state_history WHERE timestamp < $1`, cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to clean up state history: %w", err)
	}
	total += tag.RowsAffected()

	return total, nil
}
