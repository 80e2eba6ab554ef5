package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Monitoring cadences and thresholds.
const (
	positionMonitorInterval = 30 * time.Second
	metricsInterval         = 60 * time.Second
	violationCleanupEvery   = time.Hour
	violationMemoryHorizon  = 24 * time.Hour
	positionLossAlert       = -500.0
	stalePositionHours      = 24.0
	dailySummaryHour        = 16
)

// Start launches the engine's monitoring loops. The loops stop when ctx
// is cancelled or Stop is called, whichever comes first.
func (e *Engine) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(4)
	go e.positionMonitorLoop(loopCtx)
	go e.metricsLoop(loopCtx)
	go e.violationCleanupLoop(loopCtx)
	go e.dailySummaryLoop(loopCtx)

	e.logger.Info().Msg("Risk engine started")
	return nil
}

// Stop halts the loops and writes a final daily summary.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if err := e.saveDailySummary(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to save daily summary on shutdown")
	}

	e.logger.Info().Msg("Risk engine stopped")
	return nil
}

func (e *Engine) positionMonitorLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(positionMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.monitorPositions(ctx)
		}
	}
}

func (e *Engine) monitorPositions(ctx context.Context) {
	snap := e.store.Snapshot()
	for _, pos := range snap.Positions {
		if pos.UnrealizedPnL < positionLossAlert {
			e.recordViolation(ctx, LevelHigh,
				fmt.Sprintf("Position loss alert: %s showing $%.2f loss", pos.Symbol, pos.UnrealizedPnL),
				map[string]interface{}{
					"symbol":         pos.Symbol,
					"quantity":       pos.Quantity,
					"unrealized_pnl": pos.UnrealizedPnL,
				},
				"position_loss",
				"Consider adding stop loss or closing position")
		}

		hoursStale := time.Since(pos.LastUpdate).Hours()
		if hoursStale > stalePositionHours {
			e.recordViolation(ctx, LevelMedium,
				fmt.Sprintf("Stale position: %s not updated for %.1f hours", pos.Symbol, hoursStale),
				map[string]interface{}{"symbol": pos.Symbol, "hours_stale": hoursStale},
				"stale_position",
				"Verify position is still valid")
		}
	}
}

func (e *Engine) metricsLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.updateRiskMetrics()
		}
	}
}

// updateRiskMetrics recomputes exposure, daily P&L including unrealized,
// and the fraction of the daily loss budget consumed.
func (e *Engine) updateRiskMetrics() {
	snap := e.store.Snapshot()

	var totalExposure, totalUnrealized float64
	for _, pos := range snap.Positions {
		qty := pos.Quantity
		if qty < 0 {
			qty = -qty
		}
		totalExposure += float64(qty) * pos.CurrentPrice
		totalUnrealized += pos.UnrealizedPnL
	}

	dailyPnL := snap.PnL.Today + totalUnrealized

	e.mu.Lock()
	e.currentExposure = totalExposure
	if totalExposure > e.maxExposure {
		e.maxExposure = totalExposure
	}
	e.dailyPnL = dailyPnL
	if snap.RiskParameters.MaxDailyLoss > 0 {
		budget := dailyPnL
		if budget < 0 {
			budget = -budget
		}
		e.riskBudgetUsed = budget / snap.RiskParameters.MaxDailyLoss
	}
	e.mu.Unlock()
}

func (e *Engine) violationCleanupLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(violationCleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-violationMemoryHorizon)
			e.mu.Lock()
			kept := e.violations[:0]
			for _, v := range e.violations {
				if v.Timestamp.After(cutoff) {
					kept = append(kept, v)
				}
			}
			removed := len(e.violations) - len(kept)
			e.violations = kept
			e.mu.Unlock()
			if removed > 0 {
				e.logger.Debug().Int("removed", removed).Msg("Expired old violations from memory")
			}
		}
	}
}

func (e *Engine) dailySummaryLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var lastSaved string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			today := now.Format("2006-01-02")
			if now.Hour() == dailySummaryHour && lastSaved != today {
				saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := e.saveDailySummary(saveCtx); err != nil {
					e.logger.Error().Err(err).Msg("Failed to save daily summary")
				} else {
					lastSaved = today
				}
				cancel()
			}
		}
	}
}

// saveDailySummary upserts today's summary row. Running it twice for the
// same day overwrites with the latest numbers.
func (e *Engine) saveDailySummary(ctx context.Context) error {
	e.mu.Lock()
	totalViolations := 0
	for _, c := range e.violationCounts {
		totalViolations += c
	}
	summary := DailySummary{
		Date:            time.Now().Format("2006-01-02"),
		MaxExposure:     e.maxExposure,
		MaxDrawdown:     e.maxDrawdown,
		TotalViolations: totalViolations,
		TradesBlocked:   e.metrics.OrdersBlocked,
		RiskScore:       e.riskBudgetUsed,
	}
	metrics := e.metrics
	e.mu.Unlock()

	blob, err := json.Marshal(map[string]interface{}{
		"date":             summary.Date,
		"max_exposure":     summary.MaxExposure,
		"max_drawdown":     summary.MaxDrawdown,
		"total_violations": summary.TotalViolations,
		"trades_blocked":   summary.TradesBlocked,
		"circuit_breakers": metrics.CircuitBreakerTriggers,
		"risk_metrics":     metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	summary.Summary = string(blob)

	if err := e.repo.SaveDailySummary(ctx, summary); err != nil {
		return err
	}

	e.logger.Info().Str("date", summary.Date).Msg("Daily risk summary saved")
	return nil
}
