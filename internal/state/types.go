package state

import "time"

// TradingState is the aggregate direction of all open positions. It is
// recomputed from the positions map on every update and never set directly.
type TradingState string

const (
	TradingFlat          TradingState = "FLAT"
	TradingLong          TradingState = "LONG"
	TradingShort         TradingState = "SHORT"
	TradingTransitioning TradingState = "TRANSITIONING"
)

// SystemState is the system lifecycle state machine.
// OFFLINE -> STARTING -> ONLINE -> {DEGRADED, EMERGENCY_STOP}.
// EMERGENCY_STOP is terminal for the session: leaving it requires an
// explicit operator action, never an automatic transition.
type SystemState string

const (
	SystemOffline       SystemState = "OFFLINE"
	SystemStarting      SystemState = "STARTING"
	SystemOnline        SystemState = "ONLINE"
	SystemDegraded      SystemState = "DEGRADED"
	SystemEmergencyStop SystemState = "EMERGENCY_STOP"
)

// Position side constants
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
	SideFlat  = "FLAT"
)

// Position represents an open position for a single symbol. Side is
// derivable from the quantity sign; UnrealizedPnL is always recomputed
// from prices, never treated as a source of truth on its own.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      int64     `json:"quantity"`
	Side          string    `json:"side"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	EntryTime     time.Time `json:"entry_time"`
	LastUpdate    time.Time `json:"last_update"`
}

// RiskParameters holds the currently active risk limits. When Enabled is
// false no trade may be approved regardless of the other fields.
type RiskParameters struct {
	MaxPositionSize     int64   `json:"max_position_size"`
	MaxDailyLoss        float64 `json:"max_daily_loss"`
	MaxDrawdownPercent  float64 `json:"max_drawdown_percent"`
	PositionSizePercent float64 `json:"position_size_percent"`
	StopLossPoints      float64 `json:"stop_loss_points"`
	TakeProfitPoints    float64 `json:"take_profit_points"`
	MaxPositions        int     `json:"max_positions"`
	Enabled             bool    `json:"enabled"`
}

// SystemConfig holds operator-controlled system switches.
// AutoTradeEnabled may only be true while RiskParameters.Enabled is true
// and the system is ONLINE; the store enforces this on every write.
type SystemConfig struct {
	AutoTradeEnabled       bool `json:"auto_trade_enabled"`
	TradingEnabled         bool `json:"trading_enabled"`
	MaxOrdersPerMinute     int  `json:"max_orders_per_minute"`
	EmergencyStopTriggered bool `json:"emergency_stop_triggered"`
}

// MarketTick is a single market data update from an external feed.
type MarketTick struct {
	Symbol    string    `json:"symbol"`
	Close     float64   `json:"close"`
	Bid       *float64  `json:"bid,omitempty"`
	Ask       *float64  `json:"ask,omitempty"`
	Volume    *int64    `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// PnL is the aggregate profit and loss block.
// Total is always Today plus the sum of unrealized P&L.
type PnL struct {
	Today      float64 `json:"today"`
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
	Total      float64 `json:"total"`
}

// Stats tracks store activity counters for the status surface.
type Stats struct {
	StateUpdates      uint64     `json:"state_updates"`
	PositionUpdates   uint64     `json:"position_updates"`
	RiskUpdates       uint64     `json:"risk_updates"`
	MarketDataUpdates uint64     `json:"market_data_updates"`
	DatabaseWrites    uint64     `json:"database_writes"`
	EventsPublished   uint64     `json:"events_published"`
	LastSave          *time.Time `json:"last_save,omitempty"`
	StartTime         time.Time  `json:"start_time"`
}

// Snapshot is an immutable copy of the complete store state. Callers may
// mutate it freely; nothing they do can reach the live store.
type Snapshot struct {
	TradingState     TradingState        `json:"trading_state"`
	SystemState      SystemState         `json:"system_state"`
	Positions        map[string]Position `json:"positions"`
	RiskParameters   RiskParameters      `json:"risk_parameters"`
	SystemConfig     SystemConfig        `json:"system_config"`
	PnL              PnL                 `json:"pnl"`
	LastMarketUpdate *time.Time          `json:"last_market_update,omitempty"`
	Stats            Stats               `json:"stats"`
	Timestamp        time.Time           `json:"timestamp"`
}

// RiskParametersPatch is a partial update to RiskParameters; nil fields
// are left unchanged by the merge.
type RiskParametersPatch struct {
	MaxPositionSize     *int64   `json:"max_position_size,omitempty"`
	MaxDailyLoss        *float64 `json:"max_daily_loss,omitempty"`
	MaxDrawdownPercent  *float64 `json:"max_drawdown_percent,omitempty"`
	PositionSizePercent *float64 `json:"position_size_percent,omitempty"`
	StopLossPoints      *float64 `json:"stop_loss_points,omitempty"`
	TakeProfitPoints    *float64 `json:"take_profit_points,omitempty"`
	MaxPositions        *int     `json:"max_positions,omitempty"`
	Enabled             *bool    `json:"enabled,omitempty"`
}

// SystemConfigPatch is a partial update to SystemConfig. Clearing
// EmergencyStopTriggered is the operator action that ends an emergency
// stop; auto-trade stays blocked until the flag is cleared and the
// system is back ONLINE.
type SystemConfigPatch struct {
	AutoTradeEnabled       *bool `json:"auto_trade_enabled,omitempty"`
	TradingEnabled         *bool `json:"trading_enabled,omitempty"`
	MaxOrdersPerMinute     *int  `json:"max_orders_per_minute,omitempty"`
	EmergencyStopTriggered *bool `json:"emergency_stop_triggered,omitempty"`
}

// SideForQuantity derives the position side from a signed quantity.
func SideForQuantity(quantity int64) string {
	switch {
	case quantity > 0:
		return SideLong
	case quantity < 0:
		return SideShort
	default:
		return SideFlat
	}
}
