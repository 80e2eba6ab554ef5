package risk

import "time"

// Level classifies the severity of a risk violation.
type Level string

const (
	LevelLow       Level = "LOW"
	LevelMedium    Level = "MEDIUM"
	LevelHigh      Level = "HIGH"
	LevelCritical  Level = "CRITICAL"
	LevelEmergency Level = "EMERGENCY"
)

// Trade request sides. CLOSE flattens the symbol's position entirely.
const (
	SideBuy   = "BUY"
	SideSell  = "SELL"
	SideClose = "CLOSE"
)

// TradeRequest is an immutable trade proposal submitted for validation.
// The engine never mutates it.
type TradeRequest struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // BUY, SELL, CLOSE
	Quantity   int64     `json:"quantity"`
	Price      float64   `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Decision is the outcome of a validation call. Approved is true exactly
// when Violations is empty.
type Decision struct {
	Approved   bool     `json:"approved"`
	Violations []string `json:"violations"`
	RiskScore  float64  `json:"risk_score"`
}

// Violation is one entry in the append-only risk audit trail.
type Violation struct {
	ID             string                 `json:"id"`
	Level          Level                  `json:"level"`
	Message        string                 `json:"message"`
	RuleType       string                 `json:"rule_type"`
	Details        map[string]interface{} `json:"details,omitempty"`
	Recommendation string                 `json:"recommendation,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// TradeValidation is the persisted audit record of a validation call.
// Every call is recorded, approved or not.
type TradeValidation struct {
	Timestamp        time.Time `json:"timestamp"`
	Symbol           string    `json:"symbol"`
	Side             string    `json:"side"`
	Quantity         int64     `json:"quantity"`
	Price            float64   `json:"price"`
	Approved         bool      `json:"approved"`
	RejectionReasons []string  `json:"rejection_reasons,omitempty"`
	RiskScore        float64   `json:"risk_score"`
}

// DailySummary aggregates one trading day of risk activity.
type DailySummary struct {
	Date            string  `json:"date"` // YYYY-MM-DD
	MaxExposure     float64 `json:"max_exposure"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	TotalViolations int     `json:"total_violations"`
	TradesBlocked   uint64  `json:"trades_blocked"`
	RiskScore       float64 `json:"risk_score"`
	Summary         string  `json:"summary"` // JSON metrics blob
}

// SizingDetails explains how a position size was derived.
type SizingDetails struct {
	AccountValue         float64 `json:"account_value"`
	RiskPerTrade         float64 `json:"risk_per_trade"`
	ConfidenceMultiplier float64 `json:"confidence_multiplier"`
	AdjustedRisk         float64 `json:"adjusted_risk"`
	StopLossPoints       float64 `json:"stop_loss_points"`
	MaxPositionSize      int64   `json:"max_position_size"`
	CalculatedSize       int64   `json:"calculated_size"`
}

// Metrics tracks engine activity counters.
type Metrics struct {
	OrdersValidated        uint64 `json:"orders_validated"`
	OrdersBlocked          uint64 `json:"orders_blocked"`
	ViolationsRecorded     uint64 `json:"violations_recorded"`
	CircuitBreakerTriggers uint64 `json:"circuit_breaker_triggers"`
	RiskChecksPassed       uint64 `json:"risk_checks_passed"`
	RiskChecksFailed       uint64 `json:"risk_checks_failed"`
}

// Status is the engine's public status block.
type Status struct {
	CircuitBreakerActive bool          `json:"circuit_breaker_active"`
	CircuitBreakerReason string        `json:"circuit_breaker_reason,omitempty"`
	CircuitBreakerTime   *time.Time    `json:"circuit_breaker_time,omitempty"`
	EmergencyMode        bool          `json:"emergency_mode"`
	CurrentExposure      float64       `json:"current_exposure"`
	DailyPnL             float64       `json:"daily_pnl"`
	RiskBudgetUsed       float64       `json:"risk_budget_used"`
	ViolationCounts      map[Level]int `json:"violation_counts"`
	ViolationsLast24h    int           `json:"violations_last_24h"`
	Metrics              Metrics       `json:"metrics"`
	Timestamp            time.Time     `json:"timestamp"`
}
