// Package state implements the authoritative trading state store. All
// trading state (positions, P&L, lifecycle state machines, risk limits,
// system switches) lives here; every other component reads through
// snapshots and accessors and mutates through the store's operations.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-core/internal/events"
)

// Repository persists trading state. Implemented by the database package;
// tests substitute an in-memory fake.
type Repository interface {
	SavePosition(ctx context.Context, pos Position) error
	DeletePosition(ctx context.Context, symbol string) error
	LoadPositions(ctx context.Context) (map[string]Position, error)
	SaveRiskParameters(ctx context.Context, params RiskParameters) error
	LoadRiskParameters(ctx context.Context) (*RiskParameters, error)
	SaveSystemConfig(ctx context.Context, cfg SystemConfig) error
	LoadSystemConfig(ctx context.Context) (*SystemConfig, error)
	SaveStateTransition(ctx context.Context, eventType, oldState, newState string, data map[string]interface{}) error
	SaveMarketTick(ctx context.Context, tick MarketTick) error
	SavePnLSnapshot(ctx context.Context, date string, pnl PnL) error
	CleanupBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotCache mirrors the latest snapshot for read-heavy consumers.
type SnapshotCache interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
}

// Store intervals and retention horizons.
const (
	saveInterval     = 60 * time.Second
	pnlInterval      = 10 * time.Second
	cleanupInterval  = time.Hour
	retentionHorizon = 7 * 24 * time.Hour
)

// Store is the single authority for trading state. One mutex serializes
// all mutations; reads hand out copies, never references into the store.
type Store struct {
	logger zerolog.Logger
	repo   Repository
	bus    *events.EventBus
	cache  SnapshotCache

	mu               sync.Mutex
	systemState      SystemState
	tradingState     TradingState
	positions        map[string]Position
	riskParams       RiskParameters
	systemConfig     SystemConfig
	pnl              PnL
	lastMarketUpdate *time.Time
	lastTicks        map[string]MarketTick
	stats            Stats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore creates a store with the given defaults. The defaults apply
// until Start reloads any persisted values.
func NewStore(repo Repository, bus *events.EventBus, cache SnapshotCache, defaults RiskParameters, defaultConfig SystemConfig, logger zerolog.Logger) *Store {
	return &Store{
		logger:       logger.With().Str("component", "state_store").Logger(),
		repo:         repo,
		bus:          bus,
		cache:        cache,
		systemState:  SystemOffline,
		tradingState: TradingFlat,
		positions:    make(map[string]Position),
		riskParams:   defaults,
		systemConfig: defaultConfig,
		lastTicks:    make(map[string]MarketTick),
		stats:        Stats{StartTime: time.Now()},
	}
}

// Start transitions OFFLINE -> STARTING -> ONLINE, reloading persisted
// state in between, and launches the background loops.
func (s *Store) Start(ctx context.Context) error {
	if err := s.SetSystemState(ctx, SystemStarting); err != nil {
		return err
	}

	if err := s.reload(ctx); err != nil {
		return fmt.Errorf("failed to reload persisted state: %w", err)
	}

	if err := s.SetSystemState(ctx, SystemOnline); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(3)
	go s.saveLoop(loopCtx)
	go s.pnlLoop(loopCtx)
	go s.cleanupLoop(loopCtx)

	s.logger.Info().Msg("State store started")
	return nil
}

// Stop halts the background loops, performs a final save, and goes
// OFFLINE. Safe to call once after a successful Start.
func (s *Store) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err := s.saveAll(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Final state save failed")
	}

	if err := s.SetSystemState(ctx, SystemOffline); err != nil {
		return err
	}

	s.logger.Info().Msg("State store stopped")
	return nil
}

func (s *Store) reload(ctx context.Context) error {
	positions, err := s.repo.LoadPositions(ctx)
	if err != nil {
		return err
	}

	params, err := s.repo.LoadRiskParameters(ctx)
	if err != nil {
		return err
	}

	cfg, err := s.repo.LoadSystemConfig(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(positions) > 0 {
		s.positions = positions
		s.recomputeUnrealizedLocked()
		s.recomputeTradingStateLocked()
		s.logger.Info().Int("positions", len(positions)).Msg("Restored positions")
	}
	if params != nil {
		s.riskParams = *params
		s.logger.Info().Msg("Restored risk parameters")
	}
	if cfg != nil {
		s.systemConfig = *cfg
		if cfg.EmergencyStopTriggered {
			// A prior emergency stop survives restarts. Auto-trade stays
			// off until an operator clears it.
			s.systemConfig.AutoTradeEnabled = false
			s.logger.Warn().Msg("Restored config has emergency stop triggered, auto-trade disabled")
		}
		s.logger.Info().Msg("Restored system config")
	}
	return nil
}

// UpdatePosition creates or mutates the position for a symbol. Quantity
// zero flattens the symbol and removes the row. Side is rederived from
// the quantity sign; the caller's value is only used as a sanity check.
func (s *Store) UpdatePosition(ctx context.Context, symbol string, quantity int64, side string, entryPrice, currentPrice float64) error {
	if symbol == "" {
		return fmt.Errorf("symbol is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	oldTradingState := s.tradingState

	if quantity == 0 {
		if _, exists := s.positions[symbol]; exists {
			delete(s.positions, symbol)
			if err := s.repo.DeletePosition(ctx, symbol); err != nil {
				s.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to delete position row")
			} else {
				s.stats.DatabaseWrites++
			}
		}
	} else {
		derived := SideForQuantity(quantity)
		if side != "" && side != derived {
			s.logger.Warn().
				Str("symbol", symbol).
				Str("reported_side", side).
				Str("derived_side", derived).
				Msg("Reported side disagrees with quantity sign, using derived side")
		}

		pos, exists := s.positions[symbol]
		if !exists {
			pos = Position{Symbol: symbol, EntryTime: now}
		}
		if entryPrice > 0 {
			pos.EntryPrice = entryPrice
		}
		if currentPrice > 0 {
			pos.CurrentPrice = currentPrice
		}
		// Direction flip resets the entry clock
		if exists && SideForQuantity(pos.Quantity) != derived {
			pos.EntryTime = now
		}
		pos.Quantity = quantity
		pos.Side = derived
		pos.UnrealizedPnL = unrealizedPnL(pos)
		pos.LastUpdate = now
		s.positions[symbol] = pos

		if err := s.repo.SavePosition(ctx, pos); err != nil {
			s.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to persist position")
		} else {
			s.stats.DatabaseWrites++
		}
	}

	s.recomputePnLLocked()
	s.recomputeTradingStateLocked()
	s.stats.PositionUpdates++
	s.stats.StateUpdates++

	pos, ok := s.positions[symbol]
	if !ok {
		pos = Position{Symbol: symbol, Side: SideFlat}
	}
	s.bus.PublishPositionUpdated(symbol, pos.Side, pos.Quantity, pos.CurrentPrice, pos.UnrealizedPnL, string(s.tradingState))
	if s.tradingState != oldTradingState {
		s.logger.Info().
			Str("old_state", string(oldTradingState)).
			Str("new_state", string(s.tradingState)).
			Msg("Trading state changed")
		s.bus.PublishTradingStateChanged(string(oldTradingState), string(s.tradingState))
	}
	return nil
}

// UpdateRiskParameters merges a partial update into the active limits.
// If the merged result would allow auto-trading with a non-positive
// limit, auto-trade is forced off.
func (s *Store) UpdateRiskParameters(ctx context.Context, patch RiskParametersPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.riskParams
	if patch.MaxPositionSize != nil {
		merged.MaxPositionSize = *patch.MaxPositionSize
	}
	if patch.MaxDailyLoss != nil {
		merged.MaxDailyLoss = *patch.MaxDailyLoss
	}
	if patch.MaxDrawdownPercent != nil {
		merged.MaxDrawdownPercent = *patch.MaxDrawdownPercent
	}
	if patch.PositionSizePercent != nil {
		merged.PositionSizePercent = *patch.PositionSizePercent
	}
	if patch.StopLossPoints != nil {
		merged.StopLossPoints = *patch.StopLossPoints
	}
	if patch.TakeProfitPoints != nil {
		merged.TakeProfitPoints = *patch.TakeProfitPoints
	}
	if patch.MaxPositions != nil {
		merged.MaxPositions = *patch.MaxPositions
	}
	if patch.Enabled != nil {
		merged.Enabled = *patch.Enabled
	}

	s.riskParams = merged
	if s.systemConfig.AutoTradeEnabled && !riskLimitsValid(merged) {
		s.systemConfig.AutoTradeEnabled = false
		s.logger.Warn().Msg("Risk limits no longer valid, auto-trade disabled")
		if err := s.repo.SaveSystemConfig(ctx, s.systemConfig); err != nil {
			s.logger.Error().Err(err).Msg("Failed to persist system config")
		} else {
			s.stats.DatabaseWrites++
		}
	}

	if err := s.repo.SaveRiskParameters(ctx, merged); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist risk parameters")
	} else {
		s.stats.DatabaseWrites++
	}

	s.stats.RiskUpdates++
	s.stats.StateUpdates++
	s.bus.Publish(events.Event{
		Type: events.EventRiskParametersUpdated,
		Data: map[string]interface{}{
			"max_position_size": merged.MaxPositionSize,
			"max_daily_loss":    merged.MaxDailyLoss,
			"max_positions":     merged.MaxPositions,
			"enabled":           merged.Enabled,
		},
	})
	return nil
}

// UpdateSystemConfig merges a partial update into the system switches.
// Enabling auto-trade requires valid risk limits, risk enabled, and the
// system ONLINE; otherwise the flag is forced off. Clearing
// EmergencyStopTriggered is how an operator ends an emergency stop.
func (s *Store) UpdateSystemConfig(ctx context.Context, patch SystemConfigPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.systemConfig
	if patch.AutoTradeEnabled != nil {
		merged.AutoTradeEnabled = *patch.AutoTradeEnabled
	}
	if patch.TradingEnabled != nil {
		merged.TradingEnabled = *patch.TradingEnabled
	}
	if patch.MaxOrdersPerMinute != nil {
		merged.MaxOrdersPerMinute = *patch.MaxOrdersPerMinute
	}
	if patch.EmergencyStopTriggered != nil {
		if s.systemConfig.EmergencyStopTriggered && !*patch.EmergencyStopTriggered {
			s.logger.Warn().Msg("Emergency stop flag cleared by operator")
		}
		merged.EmergencyStopTriggered = *patch.EmergencyStopTriggered
	}

	if merged.AutoTradeEnabled {
		switch {
		case !s.riskParams.Enabled || !riskLimitsValid(s.riskParams):
			merged.AutoTradeEnabled = false
			s.logger.Warn().Msg("Auto-trade requested without valid risk limits, forced off")
		case s.systemState != SystemOnline:
			merged.AutoTradeEnabled = false
			s.logger.Warn().Str("system_state", string(s.systemState)).Msg("Auto-trade requested while not ONLINE, forced off")
		case merged.EmergencyStopTriggered:
			merged.AutoTradeEnabled = false
			s.logger.Warn().Msg("Auto-trade requested with emergency stop triggered, forced off")
		}
	}

	s.systemConfig = merged

	if err := s.repo.SaveSystemConfig(ctx, merged); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist system config")
	} else {
		s.stats.DatabaseWrites++
	}

	s.stats.StateUpdates++
	s.bus.Publish(events.Event{
		Type: events.EventSystemConfigUpdated,
		Data: map[string]interface{}{
			"auto_trade_enabled":       merged.AutoTradeEnabled,
			"trading_enabled":          merged.TradingEnabled,
			"max_orders_per_minute":    merged.MaxOrdersPerMinute,
			"emergency_stop_triggered": merged.EmergencyStopTriggered,
		},
	})
	return nil
}

// SetSystemState transitions the lifecycle state machine. Leaving ONLINE
// forces auto-trade off. Every transition lands in the audit trail.
func (s *Store) SetSystemState(ctx context.Context, newState SystemState) error {
	s.mu.Lock()

	oldState := s.systemState
	if oldState == newState {
		s.mu.Unlock()
		return nil
	}

	s.systemState = newState
	if oldState == SystemOnline && s.systemConfig.AutoTradeEnabled {
		s.systemConfig.AutoTradeEnabled = false
		s.logger.Warn().Str("new_state", string(newState)).Msg("Left ONLINE, auto-trade disabled")
	}
	s.stats.StateUpdates++
	s.mu.Unlock()

	if err := s.repo.SaveStateTransition(ctx, "system_state_changed", string(oldState), string(newState), nil); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist state transition")
	}

	s.logger.Info().
		Str("old_state", string(oldState)).
		Str("new_state", string(newState)).
		Msg("System state changed")
	s.bus.PublishSystemStateChanged(string(oldState), string(newState))
	return nil
}

// EmergencyStop halts everything: emergency flag set, auto-trade off,
// system state EMERGENCY_STOP, full state persisted. Idempotent beyond
// re-logging the reason.
func (s *Store) EmergencyStop(ctx context.Context, reason string) error {
	s.logger.Error().Str("reason", reason).Msg("EMERGENCY STOP")

	s.mu.Lock()
	s.systemConfig.EmergencyStopTriggered = true
	s.systemConfig.AutoTradeEnabled = false
	s.mu.Unlock()

	if err := s.SetSystemState(ctx, SystemEmergencyStop); err != nil {
		return err
	}

	if err := s.repo.SaveStateTransition(ctx, "emergency_stop", "", string(SystemEmergencyStop),
		map[string]interface{}{"reason": reason}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist emergency stop record")
	}
	if err := s.saveAll(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist state during emergency stop")
	}

	s.bus.PublishEmergencyStop(reason)
	return nil
}

// OnMarketTick ingests a market data update: reprices the matching
// position, persists the tick, and refreshes the freshness clock.
func (s *Store) OnMarketTick(ctx context.Context, tick MarketTick) error {
	if tick.Symbol == "" {
		return fmt.Errorf("tick symbol is required")
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}

	s.mu.Lock()
	now := time.Now()
	s.lastMarketUpdate = &now
	s.lastTicks[tick.Symbol] = tick
	s.stats.MarketDataUpdates++

	if pos, exists := s.positions[tick.Symbol]; exists && tick.Close > 0 {
		pos.CurrentPrice = tick.Close
		pos.UnrealizedPnL = unrealizedPnL(pos)
		pos.LastUpdate = now
		s.positions[tick.Symbol] = pos
		s.recomputePnLLocked()

		if err := s.repo.SavePosition(ctx, pos); err != nil {
			s.logger.Error().Err(err).Str("symbol", tick.Symbol).Msg("Failed to persist repriced position")
		} else {
			s.stats.DatabaseWrites++
		}
	}
	s.mu.Unlock()

	if err := s.repo.SaveMarketTick(ctx, tick); err != nil {
		s.logger.Error().Err(err).Str("symbol", tick.Symbol).Msg("Failed to persist market tick")
	} else {
		s.mu.Lock()
		s.stats.DatabaseWrites++
		s.mu.Unlock()
	}

	s.bus.PublishMarketDataUpdated(tick.Symbol, tick.Close, tick.Source)
	return nil
}

// AddRealizedPnL records a realized fill result. Feeds the daily loss rule.
func (s *Store) AddRealizedPnL(ctx context.Context, delta float64) error {
	s.mu.Lock()
	s.pnl.Today += delta
	s.pnl.Realized += delta
	s.recomputePnLLocked()
	s.stats.StateUpdates++
	s.mu.Unlock()
	return nil
}

// Snapshot returns an immutable copy of the complete store state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	positions := make(map[string]Position, len(s.positions))
	for k, v := range s.positions {
		positions[k] = v
	}

	var lastUpdate *time.Time
	if s.lastMarketUpdate != nil {
		t := *s.lastMarketUpdate
		lastUpdate = &t
	}

	stats := s.stats
	stats.EventsPublished = s.bus.PublishedCount()
	if s.stats.LastSave != nil {
		t := *s.stats.LastSave
		stats.LastSave = &t
	}

	return Snapshot{
		TradingState:     s.tradingState,
		SystemState:      s.systemState,
		Positions:        positions,
		RiskParameters:   s.riskParams,
		SystemConfig:     s.systemConfig,
		PnL:              s.pnl,
		LastMarketUpdate: lastUpdate,
		Stats:            stats,
		Timestamp:        time.Now(),
	}
}

// Positions returns a copy of the open positions map.
func (s *Store) Positions() map[string]Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// Position returns the position for a symbol, if any.
func (s *Store) Position(symbol string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[symbol]
	return pos, ok
}

// RiskParameters returns the active risk limits.
func (s *Store) RiskParameters() RiskParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.riskParams
}

// SystemConfig returns the current system switches.
func (s *Store) SystemConfig() SystemConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemConfig
}

// SystemState returns the current lifecycle state.
func (s *Store) SystemState() SystemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemState
}

// TradingState returns the current aggregate trading state.
func (s *Store) TradingState() TradingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tradingState
}

// PnL returns the current P&L block.
func (s *Store) PnL() PnL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pnl
}

// LastMarketUpdate returns when the last tick arrived, if ever.
func (s *Store) LastMarketUpdate() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastMarketUpdate == nil {
		return nil
	}
	t := *s.lastMarketUpdate
	return &t
}

// LastTick returns the most recent tick for a symbol, if any.
func (s *Store) LastTick(symbol string) (MarketTick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tick, ok := s.lastTicks[symbol]
	return tick, ok
}

// Subscribe registers a callback for one event type on the store's bus.
func (s *Store) Subscribe(eventType events.EventType, fn events.Subscriber) {
	s.bus.Subscribe(eventType, fn)
}

// --- internal helpers; callers hold s.mu ---

func riskLimitsValid(p RiskParameters) bool {
	return p.MaxPositionSize > 0 && p.MaxDailyLoss > 0 && p.PositionSizePercent > 0
}

// unrealizedPnL computes per-position unrealized P&L.
// LONG: (current - entry) * qty. SHORT: (entry - current) * |qty|.
func unrealizedPnL(pos Position) float64 {
	if pos.Quantity >= 0 {
		return (pos.CurrentPrice - pos.EntryPrice) * float64(pos.Quantity)
	}
	return (pos.EntryPrice - pos.CurrentPrice) * float64(-pos.Quantity)
}

func (s *Store) recomputeUnrealizedLocked() {
	for k, pos := range s.positions {
		pos.UnrealizedPnL = unrealizedPnL(pos)
		s.positions[k] = pos
	}
	s.recomputePnLLocked()
}

func (s *Store) recomputePnLLocked() {
	var unrealized float64
	for _, pos := range s.positions {
		unrealized += pos.UnrealizedPnL
	}
	s.pnl.Unrealized = unrealized
	s.pnl.Total = s.pnl.Today + unrealized
}

func (s *Store) recomputeTradingStateLocked() {
	var totalLong, totalShort int64
	for _, pos := range s.positions {
		if pos.Quantity > 0 {
			totalLong += pos.Quantity
		} else if pos.Quantity < 0 {
			totalShort += -pos.Quantity
		}
	}

	switch {
	case totalLong > 0 && totalShort > 0:
		s.tradingState = TradingTransitioning
	case totalLong > 0:
		s.tradingState = TradingLong
	case totalShort > 0:
		s.tradingState = TradingShort
	default:
		s.tradingState = TradingFlat
	}
}

// saveAll persists the complete current state and refreshes the snapshot
// cache. Used by the periodic save loop, emergency stop, and shutdown.
func (s *Store) saveAll(ctx context.Context) error {
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	var firstErr error
	for _, pos := range snap.Positions {
		if err := s.repo.SavePosition(ctx, pos); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.repo.SaveRiskParameters(ctx, snap.RiskParameters); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.repo.SaveSystemConfig(ctx, snap.SystemConfig); err != nil && firstErr == nil {
		firstErr = err
	}
	date := time.Now().Format("2006-01-02")
	if err := s.repo.SavePnLSnapshot(ctx, date, snap.PnL); err != nil && firstErr == nil {
		firstErr = err
	}

	if s.cache != nil {
		if err := s.cache.SaveSnapshot(ctx, snap); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to refresh snapshot cache")
		}
	}

	now := time.Now()
	s.mu.Lock()
	s.stats.LastSave = &now
	s.stats.DatabaseWrites += uint64(len(snap.Positions)) + 3
	s.mu.Unlock()

	return firstErr
}

func (s *Store) saveLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := s.saveAll(saveCtx); err != nil {
				s.logger.Error().Err(err).Msg("Periodic state save failed")
			}
			cancel()
		}
	}
}

func (s *Store) pnlLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(pnlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.recomputeUnrealizedLocked()
			s.mu.Unlock()
		}
	}
}

func (s *Store) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retentionHorizon)
			cleanCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := s.repo.CleanupBefore(cleanCtx, cutoff)
			cancel()
			if err != nil {
				s.logger.Error().Err(err).Msg("Retention cleanup failed")
				continue
			}
			if removed > 0 {
				s.logger.Info().Int64("rows", removed).Msg("Retention cleanup removed old rows")
			}
		}
	}
}
