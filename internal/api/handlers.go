package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"trading-core/internal/risk"
	"trading-core/internal/state"
)

func (s *Server) handleHealth(c *gin.Context) {
	systemState := s.store.SystemState()
	status := "ok"
	code := http.StatusOK
	if systemState == state.SystemEmergencyStop || systemState == state.SystemOffline {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"system_state": systemState,
		"uptime":       time.Since(s.startTime).String(),
		"timestamp":    time.Now(),
	})
}

func (s *Server) handleGetState(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleGetPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"positions":     s.store.Positions(),
		"trading_state": s.store.TradingState(),
	})
}

func (s *Server) handleGetSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tradeable":       s.symbols.Tradeable(),
		"rollover_alerts": s.symbols.RolloverAlerts(),
	})
}

func (s *Server) handleRiskStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handleRiskViolations(c *gin.Context) {
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours parameter"})
			return
		}
		hours = parsed
	}

	violations := s.engine.RecentViolations(hours)
	c.JSON(http.StatusOK, gin.H{
		"violations": violations,
		"count":      len(violations),
		"hours":      hours,
	})
}

func (s *Server) handleSystemSafety(c *gin.Context) {
	safe, issues := s.engine.ValidateSystemSafety()
	c.JSON(http.StatusOK, gin.H{
		"safe":   safe,
		"issues": issues,
	})
}

func (s *Server) handleValidate(c *gin.Context) {
	var req risk.TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.Symbol == "" || req.Side == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol and side are required"})
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	decision := s.engine.ValidateTradeRequest(c.Request.Context(), req)
	c.JSON(http.StatusOK, decision)
}

type positionSizeRequest struct {
	Symbol     string  `json:"symbol" binding:"required"`
	EntryPrice float64 `json:"entry_price"`
	Confidence float64 `json:"confidence"`
}

func (s *Server) handlePositionSize(c *gin.Context) {
	var req positionSizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.Confidence == 0 {
		req.Confidence = 0.5
	}

	size, details := s.engine.CalculatePositionSize(req.Symbol, req.EntryPrice, req.Confidence)
	c.JSON(http.StatusOK, gin.H{
		"symbol":  req.Symbol,
		"size":    size,
		"details": details,
	})
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleResetCircuitBreaker(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	operator := Operator(c)
	ok := s.engine.ResetCircuitBreaker(c.Request.Context(), true, fmt.Sprintf("%s (by %s)", req.Reason, operator))
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed"})
		return
	}

	s.logger.Info().Str("operator", operator).Str("reason", req.Reason).Msg("Circuit breaker reset via API")
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	operator := Operator(c)
	if err := s.store.EmergencyStop(c.Request.Context(), fmt.Sprintf("%s (by %s)", req.Reason, operator)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) handleUpdateRiskParameters(c *gin.Context) {
	var patch state.RiskParametersPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	if err := s.store.UpdateRiskParameters(c.Request.Context(), patch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk_parameters": s.store.RiskParameters()})
}

func (s *Server) handleUpdateSystemConfig(c *gin.Context) {
	var patch state.SystemConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	if err := s.store.UpdateSystemConfig(c.Request.Context(), patch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"system_config": s.store.SystemConfig()})
}

type systemStateRequest struct {
	State string `json:"state" binding:"required"`
}

func (s *Server) handleSetSystemState(c *gin.Context) {
	var req systemStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state is required"})
		return
	}

	newState := state.SystemState(req.State)
	switch newState {
	case state.SystemOffline, state.SystemStarting, state.SystemOnline, state.SystemDegraded, state.SystemEmergencyStop:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown system state: %s", req.State)})
		return
	}

	if err := s.store.SetSystemState(c.Request.Context(), newState); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"system_state": s.store.SystemState()})
}
