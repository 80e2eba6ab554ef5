// Package risk implements the trade validation engine. Every trade
// proposal passes through the full rule pipeline before execution; a
// rejected trade never reaches the broker. The engine fails closed: any
// internal error rejects the trade.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-core/internal/events"
	"trading-core/internal/state"
)

// StateAuthority is the slice of the state store the engine depends on.
type StateAuthority interface {
	Snapshot() state.Snapshot
	LastMarketUpdate() *time.Time
	UpdateSystemConfig(ctx context.Context, patch state.SystemConfigPatch) error
	EmergencyStop(ctx context.Context, reason string) error
}

// SymbolProvider answers tradeability questions for the symbol gate.
type SymbolProvider interface {
	IsTradeable(symbol string) bool
	RolloverSymbols() []string
}

// AuditRepository persists the engine's audit trail.
type AuditRepository interface {
	SaveViolation(ctx context.Context, v Violation) error
	SaveTradeValidation(ctx context.Context, tv TradeValidation) error
	SaveDailySummary(ctx context.Context, s DailySummary) error
}

// ScoreAdjuster lets callers plug additional scoring rules into the
// pipeline. Returned violations gate the trade like any built-in rule.
type ScoreAdjuster func(req TradeRequest, snap state.Snapshot) (score float64, violations []string)

// maxViolationsInMemory caps the in-memory violation window. The full
// history stays in the database.
const maxViolationsInMemory = 1000

// Engine validates trade requests and owns the circuit breaker.
type Engine struct {
	logger       zerolog.Logger
	store        StateAuthority
	symbols      SymbolProvider
	repo         AuditRepository
	bus          *events.EventBus
	accountValue float64

	mu                   sync.Mutex
	circuitBreakerActive bool
	circuitBreakerReason string
	circuitBreakerTime   *time.Time
	emergencyMode        bool
	approvals            []time.Time
	violations           []Violation
	violationCounts      map[Level]int
	metrics              Metrics
	currentExposure      float64
	dailyPnL             float64
	riskBudgetUsed       float64
	maxExposure          float64
	maxDrawdown          float64
	adjusters            []ScoreAdjuster

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a risk engine. accountValue is the reference account
// size used for exposure and drawdown rules.
func NewEngine(store StateAuthority, symbols SymbolProvider, repo AuditRepository, bus *events.EventBus, accountValue float64, logger zerolog.Logger) *Engine {
	return &Engine{
		logger:          logger.With().Str("component", "risk_engine").Logger(),
		store:           store,
		symbols:         symbols,
		repo:            repo,
		bus:             bus,
		accountValue:    accountValue,
		violationCounts: make(map[Level]int),
	}
}

// RegisterScoreAdjuster adds a pluggable scoring rule. Must be called
// before Start.
func (e *Engine) RegisterScoreAdjuster(adj ScoreAdjuster) {
	e.adjusters = append(e.adjusters, adj)
}

// ValidateTradeRequest runs the full rule pipeline against a trade
// proposal. A panic anywhere in the pipeline is converted into a
// rejection; the engine never approves by accident.
func (e *Engine) ValidateTradeRequest(ctx context.Context, req TradeRequest) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("Risk validation panicked")
			e.mu.Lock()
			e.metrics.OrdersBlocked++
			e.mu.Unlock()
			e.recordViolation(ctx, LevelCritical, "Risk validation internal failure",
				map[string]interface{}{"panic": fmt.Sprint(r)}, "system_error", "Investigate immediately")
			decision = Decision{
				Approved:   false,
				Violations: []string{fmt.Sprintf("SYSTEM ERROR: Risk validation failed - %v", r)},
				RiskScore:  1.0,
			}
		}
	}()

	e.mu.Lock()
	e.metrics.OrdersValidated++
	e.mu.Unlock()

	snap := e.store.Snapshot()
	var violations []string
	riskScore := 0.0

	// Symbol gate
	if !e.symbols.IsTradeable(req.Symbol) {
		violations = append(violations, fmt.Sprintf("Symbol %s not in approved tradeable symbols list", req.Symbol))
		e.recordViolation(ctx, LevelHigh, fmt.Sprintf("Invalid symbol for trading: %s", req.Symbol),
			map[string]interface{}{"symbol": req.Symbol}, "symbol_validation",
			"Use only symbols from the approved tradeable set")
		return e.finalize(ctx, req, violations, 1.0)
	}
	for _, sym := range e.symbols.RolloverSymbols() {
		if sym == req.Symbol {
			riskScore += 0.2
			e.recordViolation(ctx, LevelMedium, fmt.Sprintf("Symbol rollover warning: %s", req.Symbol),
				map[string]interface{}{"symbol": req.Symbol}, "rollover_warning",
				"Consider rolling to next contract before trading")
		}
	}

	// Configuration gate
	if !riskConfigurationValid(snap.RiskParameters) {
		violations = append(violations, "CRITICAL: Risk parameters not configured or invalid")
		e.recordViolation(ctx, LevelCritical, "Risk configuration invalid",
			map[string]interface{}{"symbol": req.Symbol}, "risk_config", "")
		return e.finalize(ctx, req, violations, 1.0)
	}

	// Safety gate
	e.mu.Lock()
	emergency := e.emergencyMode
	breakerActive := e.circuitBreakerActive
	breakerReason := e.circuitBreakerReason
	e.mu.Unlock()

	if emergency {
		violations = append(violations, "EMERGENCY: System in emergency mode - all trading blocked")
		return e.finalize(ctx, req, violations, 1.0)
	}
	if breakerActive {
		violations = append(violations, fmt.Sprintf("BLOCKED: Circuit breaker active - %s", breakerReason))
		return e.finalize(ctx, req, violations, 1.0)
	}
	if snap.SystemState != state.SystemOnline {
		violations = append(violations, fmt.Sprintf("BLOCKED: System state is %s", snap.SystemState))
		return e.finalize(ctx, req, violations, 1.0)
	}
	if !snap.SystemConfig.TradingEnabled {
		violations = append(violations, "BLOCKED: Trading not enabled in system config")
		return e.finalize(ctx, req, violations, 1.0)
	}

	// Rate limiting
	rateViolations := e.checkOrderRate(ctx, snap.SystemConfig.MaxOrdersPerMinute)
	violations = append(violations, rateViolations...)
	riskScore += float64(len(rateViolations)) * 0.1

	// Position sizing
	sizeViolations, sizeRisk := e.checkPositionSize(req, snap)
	violations = append(violations, sizeViolations...)
	riskScore += sizeRisk

	// Daily loss limit
	lossViolations, lossRisk := e.checkDailyLoss(ctx, snap)
	violations = append(violations, lossViolations...)
	riskScore += lossRisk

	// Market conditions
	marketViolations, marketRisk := e.checkMarketConditions(req)
	violations = append(violations, marketViolations...)
	riskScore += marketRisk

	// Drawdown
	drawdownViolations, drawdownRisk := e.checkDrawdown(ctx, snap)
	violations = append(violations, drawdownViolations...)
	riskScore += drawdownRisk

	// Pluggable scorers
	for _, adj := range e.adjusters {
		score, adjViolations := adj(req, snap)
		violations = append(violations, adjViolations...)
		riskScore += score
	}

	return e.finalize(ctx, req, violations, riskScore)
}

// finalize records the audit row, updates metrics, and on approval
// appends to the rate window.
func (e *Engine) finalize(ctx context.Context, req TradeRequest, violations []string, riskScore float64) Decision {
	approved := len(violations) == 0

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	tv := TradeValidation{
		Timestamp:        ts,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Quantity:         req.Quantity,
		Price:            req.Price,
		Approved:         approved,
		RejectionReasons: violations,
		RiskScore:        riskScore,
	}
	if err := e.repo.SaveTradeValidation(ctx, tv); err != nil {
		e.logger.Error().Err(err).Msg("Failed to record trade validation")
	}

	if !approved {
		e.mu.Lock()
		e.metrics.OrdersBlocked++
		e.metrics.RiskChecksFailed++
		e.mu.Unlock()

		e.recordViolation(ctx, LevelHigh,
			fmt.Sprintf("Trade request blocked: %s %s", req.Symbol, req.Side),
			map[string]interface{}{
				"symbol":     req.Symbol,
				"side":       req.Side,
				"quantity":   req.Quantity,
				"violations": violations,
				"risk_score": riskScore,
			},
			"trade_validation",
			"Review risk parameters and market conditions")

		return Decision{Approved: false, Violations: violations, RiskScore: riskScore}
	}

	e.mu.Lock()
	e.metrics.RiskChecksPassed++
	now := time.Now()
	e.approvals = append(e.approvals, now)
	// Trim the window to the trailing hour
	cutoff := now.Add(-time.Hour)
	for len(e.approvals) > 0 && e.approvals[0].Before(cutoff) {
		e.approvals = e.approvals[1:]
	}
	e.mu.Unlock()

	e.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Int64("quantity", req.Quantity).
		Msg("Trade approved")
	return Decision{Approved: true, Violations: []string{}, RiskScore: riskScore}
}

func riskConfigurationValid(p state.RiskParameters) bool {
	return p.Enabled && p.MaxPositionSize > 0 && p.MaxDailyLoss > 0 && p.PositionSizePercent > 0
}

func (e *Engine) checkOrderRate(ctx context.Context, maxOrdersPerMinute int) []string {
	if maxOrdersPerMinute <= 0 {
		return nil
	}

	e.mu.Lock()
	oneMinuteAgo := time.Now().Add(-time.Minute)
	recent := 0
	for _, ts := range e.approvals {
		if ts.After(oneMinuteAgo) {
			recent++
		}
	}
	e.mu.Unlock()

	if recent >= maxOrdersPerMinute {
		e.recordViolation(ctx, LevelMedium, "Order rate limit exceeded",
			map[string]interface{}{"recent_orders": recent, "limit": maxOrdersPerMinute}, "rate_limit", "")
		return []string{fmt.Sprintf("Order rate limit exceeded: %d/%d orders per minute", recent, maxOrdersPerMinute)}
	}
	return nil
}

func (e *Engine) checkPositionSize(req TradeRequest, snap state.Snapshot) ([]string, float64) {
	var violations []string
	riskScore := 0.0
	params := snap.RiskParameters

	var currentQuantity int64
	if pos, ok := snap.Positions[req.Symbol]; ok {
		currentQuantity = pos.Quantity
	}

	var newQuantity int64
	switch req.Side {
	case SideBuy:
		newQuantity = currentQuantity + req.Quantity
	case SideSell:
		newQuantity = currentQuantity - req.Quantity
	case SideClose:
		newQuantity = 0
	default:
		newQuantity = currentQuantity
	}

	absNew := newQuantity
	if absNew < 0 {
		absNew = -absNew
	}

	if absNew > params.MaxPositionSize {
		violations = append(violations, fmt.Sprintf("Position size %d exceeds maximum %d", absNew, params.MaxPositionSize))
		riskScore += 0.3
	}

	estimatedExposure := float64(absNew) * req.Price
	maxExposure := e.accountValue * (params.PositionSizePercent / 100)
	if estimatedExposure > maxExposure {
		violations = append(violations, fmt.Sprintf("Position exposure $%.0f exceeds limit $%.0f", estimatedExposure, maxExposure))
		riskScore += 0.4
	}

	if _, held := snap.Positions[req.Symbol]; !held && len(snap.Positions) >= params.MaxPositions {
		violations = append(violations, fmt.Sprintf("Maximum number of positions (%d) already held", params.MaxPositions))
		riskScore += 0.2
	}

	return violations, riskScore
}

func (e *Engine) checkDailyLoss(ctx context.Context, snap state.Snapshot) ([]string, float64) {
	var violations []string
	riskScore := 0.0

	currentPnL := snap.PnL.Today
	maxDailyLoss := snap.RiskParameters.MaxDailyLoss
	if maxDailyLoss < 0 {
		maxDailyLoss = -maxDailyLoss
	}

	switch {
	case currentPnL < -maxDailyLoss:
		violations = append(violations, fmt.Sprintf("Daily loss $%.2f exceeds limit $%.2f", -currentPnL, maxDailyLoss))
		riskScore += 0.5
		if currentPnL < -maxDailyLoss*1.2 {
			e.tripCircuitBreaker(ctx, "Daily loss limit severely exceeded")
		}
	case currentPnL < -maxDailyLoss*0.8:
		riskScore += 0.2
		e.recordViolation(ctx, LevelMedium,
			fmt.Sprintf("Approaching daily loss limit: $%.2f / $%.2f", -currentPnL, maxDailyLoss),
			map[string]interface{}{"current_pnl": currentPnL, "limit": maxDailyLoss},
			"daily_loss_warning", "")
	}

	return violations, riskScore
}

func (e *Engine) checkMarketConditions(req TradeRequest) ([]string, float64) {
	var violations []string
	riskScore := 0.0

	if last := e.store.LastMarketUpdate(); last != nil {
		age := time.Since(*last).Seconds()
		if age > 60 {
			violations = append(violations, fmt.Sprintf("Market data is stale: %.0f seconds old", age))
			riskScore += 0.4
		} else if age > 30 {
			riskScore += 0.1
		}
	} else {
		violations = append(violations, "No market data available")
		riskScore += 0.5
	}

	if req.Price <= 0 {
		violations = append(violations, "Invalid trade price")
		riskScore += 0.3
	}

	return violations, riskScore
}

func (e *Engine) checkDrawdown(ctx context.Context, snap state.Snapshot) ([]string, float64) {
	var violations []string
	riskScore := 0.0

	var totalUnrealized float64
	for _, pos := range snap.Positions {
		totalUnrealized += pos.UnrealizedPnL
	}
	if totalUnrealized >= 0 || e.accountValue <= 0 {
		return violations, riskScore
	}

	drawdownPct := -totalUnrealized / e.accountValue * 100
	maxDrawdown := snap.RiskParameters.MaxDrawdownPercent

	switch {
	case drawdownPct > maxDrawdown:
		violations = append(violations, fmt.Sprintf("Drawdown %.1f%% exceeds limit %.1f%%", drawdownPct, maxDrawdown))
		riskScore += 0.5
		e.tripCircuitBreaker(ctx, fmt.Sprintf("Maximum drawdown exceeded: %.1f%%", drawdownPct))
	case drawdownPct > maxDrawdown*0.8:
		riskScore += 0.2
		e.recordViolation(ctx, LevelMedium,
			fmt.Sprintf("Approaching drawdown limit: %.1f%% / %.1f%%", drawdownPct, maxDrawdown),
			map[string]interface{}{"current_drawdown": drawdownPct, "limit": maxDrawdown},
			"drawdown_warning", "")
	}

	e.mu.Lock()
	if drawdownPct > e.maxDrawdown {
		e.maxDrawdown = drawdownPct
	}
	e.mu.Unlock()

	return violations, riskScore
}

// tripCircuitBreaker latches the breaker and halts the system: auto-trade
// off, emergency stop through the state store, EMERGENCY violation
// recorded. Tripping an already-active breaker is a no-op.
func (e *Engine) tripCircuitBreaker(ctx context.Context, reason string) {
	e.mu.Lock()
	if e.circuitBreakerActive {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	e.circuitBreakerActive = true
	e.circuitBreakerReason = reason
	e.circuitBreakerTime = &now
	e.metrics.CircuitBreakerTriggers++
	e.mu.Unlock()

	e.logger.Error().Str("reason", reason).Msg("CIRCUIT BREAKER TRIGGERED")

	autoTradeOff := false
	if err := e.store.UpdateSystemConfig(ctx, state.SystemConfigPatch{AutoTradeEnabled: &autoTradeOff}); err != nil {
		e.logger.Error().Err(err).Msg("Failed to disable auto-trade on breaker trip")
	}
	if err := e.store.EmergencyStop(ctx, fmt.Sprintf("Risk circuit breaker: %s", reason)); err != nil {
		e.logger.Error().Err(err).Msg("Failed to trigger emergency stop on breaker trip")
	}

	e.recordViolation(ctx, LevelEmergency,
		fmt.Sprintf("Circuit breaker triggered: %s", reason),
		map[string]interface{}{"reason": reason, "time": now},
		"circuit_breaker",
		"Immediate manual intervention required")

	e.bus.PublishCircuitBreakerUpdate(true, "tripped", reason)
}

// ResetCircuitBreaker clears the breaker. Requires adminOverride; the
// reset itself lands in the audit trail as a HIGH violation.
func (e *Engine) ResetCircuitBreaker(ctx context.Context, adminOverride bool, reason string) bool {
	if !adminOverride {
		e.logger.Warn().Msg("Circuit breaker reset requires admin override")
		return false
	}

	e.mu.Lock()
	e.circuitBreakerActive = false
	e.circuitBreakerReason = ""
	e.circuitBreakerTime = nil
	e.mu.Unlock()

	e.logger.Info().Str("reason", reason).Msg("Circuit breaker reset")

	e.recordViolation(ctx, LevelHigh,
		fmt.Sprintf("Circuit breaker reset by admin: %s", reason),
		map[string]interface{}{"reset_reason": reason, "reset_time": time.Now()},
		"circuit_breaker_reset", "")

	e.bus.PublishCircuitBreakerUpdate(false, "reset", reason)
	return true
}

// CircuitBreakerActive reports the breaker latch.
func (e *Engine) CircuitBreakerActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.circuitBreakerActive
}

// SetEmergencyMode toggles the engine-local emergency flag. Used by
// operators to block all trading without tripping the breaker.
func (e *Engine) SetEmergencyMode(on bool) {
	e.mu.Lock()
	e.emergencyMode = on
	e.mu.Unlock()
	if on {
		e.logger.Error().Msg("Emergency mode enabled, all trading blocked")
	} else {
		e.logger.Info().Msg("Emergency mode cleared")
	}
}

// recordViolation appends to the in-memory window (capped) and the
// database, publishes a risk_violation event, and logs by severity.
func (e *Engine) recordViolation(ctx context.Context, level Level, message string, details map[string]interface{}, ruleType, recommendation string) {
	v := Violation{
		ID:             uuid.New().String(),
		Level:          level,
		Message:        message,
		RuleType:       ruleType,
		Details:        details,
		Recommendation: recommendation,
		Timestamp:      time.Now(),
	}

	e.mu.Lock()
	e.violations = append(e.violations, v)
	if len(e.violations) > maxViolationsInMemory {
		e.violations = e.violations[len(e.violations)-maxViolationsInMemory:]
	}
	e.violationCounts[level]++
	e.metrics.ViolationsRecorded++
	e.mu.Unlock()

	if err := e.repo.SaveViolation(ctx, v); err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist violation")
	}

	switch level {
	case LevelCritical, LevelEmergency:
		e.logger.Error().Str("rule", ruleType).Msg(message)
	case LevelHigh:
		e.logger.Warn().Str("rule", ruleType).Msg(message)
	default:
		e.logger.Info().Str("rule", ruleType).Msg(message)
	}

	e.bus.PublishRiskViolation(string(level), message, ruleType)
}

// Status returns the engine's public status block.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make(map[Level]int, len(e.violationCounts))
	for k, v := range e.violationCounts {
		counts[k] = v
	}

	last24h := 0
	cutoff := time.Now().Add(-24 * time.Hour)
	for _, v := range e.violations {
		if v.Timestamp.After(cutoff) {
			last24h++
		}
	}

	var breakerTime *time.Time
	if e.circuitBreakerTime != nil {
		t := *e.circuitBreakerTime
		breakerTime = &t
	}

	return Status{
		CircuitBreakerActive: e.circuitBreakerActive,
		CircuitBreakerReason: e.circuitBreakerReason,
		CircuitBreakerTime:   breakerTime,
		EmergencyMode:        e.emergencyMode,
		CurrentExposure:      e.currentExposure,
		DailyPnL:             e.dailyPnL,
		RiskBudgetUsed:       e.riskBudgetUsed,
		ViolationCounts:      counts,
		ViolationsLast24h:    last24h,
		Metrics:              e.metrics,
		Timestamp:            time.Now(),
	}
}

// RecentViolations returns in-memory violations newer than the horizon.
func (e *Engine) RecentViolations(hours int) []Violation {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Violation
	for _, v := range e.violations {
		if v.Timestamp.After(cutoff) {
			out = append(out, v)
		}
	}
	return out
}

// ValidateSystemSafety runs a full safety sweep independent of any trade.
// Returns (safe, issues).
func (e *Engine) ValidateSystemSafety() (bool, []string) {
	var issues []string

	e.mu.Lock()
	if e.circuitBreakerActive {
		issues = append(issues, fmt.Sprintf("Circuit breaker active: %s", e.circuitBreakerReason))
	}
	if e.emergencyMode {
		issues = append(issues, "System in emergency mode")
	}
	recentCritical := 0
	cutoff := time.Now().Add(-5 * time.Minute)
	for _, v := range e.violations {
		if (v.Level == LevelCritical || v.Level == LevelEmergency) && v.Timestamp.After(cutoff) {
			recentCritical++
		}
	}
	e.mu.Unlock()

	if recentCritical > 0 {
		issues = append(issues, fmt.Sprintf("%d critical violations in last 5 minutes", recentCritical))
	}

	snap := e.store.Snapshot()
	if !riskConfigurationValid(snap.RiskParameters) {
		issues = append(issues, "Risk parameters not properly configured")
	}
	if snap.SystemState != state.SystemOnline {
		issues = append(issues, fmt.Sprintf("System not online: %s", snap.SystemState))
	}

	return len(issues) == 0, issues
}
