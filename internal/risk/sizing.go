package risk

// CalculatePositionSize derives a contract count from the active risk
// parameters. Confidence scales the risk budget and is clamped to
// [0.1, 1.0]; the result is clamped to [1, MaxPositionSize].
func (e *Engine) CalculatePositionSize(symbol string, entryPrice, confidence float64) (int64, SizingDetails) {
	snap := e.store.Snapshot()
	params := snap.RiskParameters

	riskPerTrade := params.PositionSizePercent / 100

	confidenceMultiplier := confidence
	if confidenceMultiplier < 0.1 {
		confidenceMultiplier = 0.1
	}
	if confidenceMultiplier > 1.0 {
		confidenceMultiplier = 1.0
	}
	adjustedRisk := riskPerTrade * confidenceMultiplier

	var size int64 = 1
	if params.StopLossPoints > 0 {
		riskAmount := e.accountValue * adjustedRisk
		size = int64(riskAmount / params.StopLossPoints)
	}

	if size > params.MaxPositionSize {
		size = params.MaxPositionSize
	}
	if size < 1 {
		size = 1
	}

	details := SizingDetails{
		AccountValue:         e.accountValue,
		RiskPerTrade:         riskPerTrade,
		ConfidenceMultiplier: confidenceMultiplier,
		AdjustedRisk:         adjustedRisk,
		StopLossPoints:       params.StopLossPoints,
		MaxPositionSize:      params.MaxPositionSize,
		CalculatedSize:       size,
	}

	if !params.Enabled {
		e.logger.Warn().Str("symbol", symbol).Msg("Position size requested while risk parameters disabled")
	}

	return size, details
}
