package risk

import (
	"testing"
)

func TestCalculatePositionSize(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		stopLoss   float64
		maxSize    int64
		pct        float64
		wantSize   int64
	}{
		// 100000 * 2% * 1.0 / 10 = 200, clamped to max 5
		{"full confidence clamped to max", 1.0, 10, 5, 2, 5},
		// 100000 * 2% * 1.0 / 10 = 200, max 500 leaves it at 200
		{"full confidence unclamped", 1.0, 10, 500, 2, 200},
		// 100000 * 2% * 0.5 / 10 = 100
		{"half confidence", 0.5, 10, 500, 2, 100},
		// Confidence below 0.1 clamps up: 100000 * 2% * 0.1 / 10 = 20
		{"confidence floor", 0.01, 10, 500, 2, 20},
		// Confidence above 1.0 clamps down
		{"confidence ceiling", 3.0, 10, 500, 2, 200},
		// No stop loss configured falls back to a single contract
		{"zero stop loss", 1.0, 0, 500, 2, 1},
		// Tiny risk budget still yields at least one contract
		{"minimum one contract", 0.1, 5000, 500, 0.1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := healthySnapshot()
			snap.RiskParameters.StopLossPoints = tt.stopLoss
			snap.RiskParameters.MaxPositionSize = tt.maxSize
			snap.RiskParameters.PositionSizePercent = tt.pct
			engine, _, _ := newTestEngine(snap)

			size, details := engine.CalculatePositionSize("NQU25-CME", 18000, tt.confidence)
			if size != tt.wantSize {
				t.Errorf("expected size %d, got %d (details %+v)", tt.wantSize, size, details)
			}
			if size < 1 {
				t.Error("size must never drop below 1")
			}
			if size > tt.maxSize {
				t.Errorf("size %d exceeds max %d", size, tt.maxSize)
			}
		})
	}
}

func TestSizingDetailsExplainTheMath(t *testing.T) {
	engine, _, _ := newTestEngine(healthySnapshot())

	size, details := engine.CalculatePositionSize("NQU25-CME", 18000, 0.5)
	if details.AccountValue != 100000 {
		t.Errorf("expected account value 100000, got %f", details.AccountValue)
	}
	if details.ConfidenceMultiplier != 0.5 {
		t.Errorf("expected confidence 0.5, got %f", details.ConfidenceMultiplier)
	}
	if details.CalculatedSize != size {
		t.Errorf("details size %d disagrees with returned size %d", details.CalculatedSize, size)
	}
}
