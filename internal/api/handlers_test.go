package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-core/internal/events"
	"trading-core/internal/risk"
	"trading-core/internal/state"
	"trading-core/internal/symbols"
)

// fakeStateRepo is an in-memory state.Repository.
type fakeStateRepo struct {
	mu        sync.Mutex
	positions map[string]state.Position
}

func newFakeStateRepo() *fakeStateRepo {
	return &fakeStateRepo{positions: make(map[string]state.Position)}
}

func (f *fakeStateRepo) SavePosition(ctx context.Context, pos state.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[pos.Symbol] = pos
	return nil
}

func (f *fakeStateRepo) DeletePosition(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.positions, symbol)
	return nil
}

func (f *fakeStateRepo) LoadPositions(ctx context.Context) (map[string]state.Position, error) {
	return map[string]state.Position{}, nil
}

func (f *fakeStateRepo) SaveRiskParameters(ctx context.Context, params state.RiskParameters) error {
	return nil
}

func (f *fakeStateRepo) LoadRiskParameters(ctx context.Context) (*state.RiskParameters, error) {
	return nil, nil
}

func (f *fakeStateRepo) SaveSystemConfig(ctx context.Context, cfg state.SystemConfig) error {
	return nil
}

func (f *fakeStateRepo) LoadSystemConfig(ctx context.Context) (*state.SystemConfig, error) {
	return nil, nil
}

func (f *fakeStateRepo) SaveStateTransition(ctx context.Context, eventType, oldState, newState string, data map[string]interface{}) error {
	return nil
}

func (f *fakeStateRepo) SaveMarketTick(ctx context.Context, tick state.MarketTick) error {
	return nil
}

func (f *fakeStateRepo) SavePnLSnapshot(ctx context.Context, date string, pnl state.PnL) error {
	return nil
}

func (f *fakeStateRepo) CleanupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// fakeAuditRepo is an in-memory risk.AuditRepository.
type fakeAuditRepo struct{}

func (f *fakeAuditRepo) SaveViolation(ctx context.Context, v risk.Violation) error       { return nil }
func (f *fakeAuditRepo) SaveTradeValidation(ctx context.Context, tv risk.TradeValidation) error {
	return nil
}
func (f *fakeAuditRepo) SaveDailySummary(ctx context.Context, s risk.DailySummary) error { return nil }

func newTestServer(t *testing.T, jwtManager *JWTManager) (*Server, *state.Store) {
	t.Helper()

	bus := events.NewEventBus()
	store := state.NewStore(newFakeStateRepo(), bus, nil,
		state.RiskParameters{
			MaxPositionSize:     5,
			MaxDailyLoss:        1000,
			MaxDrawdownPercent:  10,
			PositionSizePercent: 2,
			StopLossPoints:      10,
			TakeProfitPoints:    20,
			MaxPositions:        3,
			Enabled:             true,
		},
		state.SystemConfig{TradingEnabled: true, MaxOrdersPerMinute: 10},
		zerolog.Nop())

	ctx := context.Background()
	if err := store.SetSystemState(ctx, state.SystemOnline); err != nil {
		t.Fatalf("failed to bring store online: %v", err)
	}
	if err := store.OnMarketTick(ctx, state.MarketTick{
		Symbol: "NQU25-CME", Close: 18000, Timestamp: time.Now(), Source: "test",
	}); err != nil {
		t.Fatalf("failed to seed market data: %v", err)
	}

	provider := symbols.NewProvider([]string{"NQU25-CME", "ESU25-CME"}, zerolog.Nop())
	engine := risk.NewEngine(store, provider, &fakeAuditRepo{}, bus, 100000, zerolog.Nop())

	server := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0}, store, engine, provider, jwtManager, zerolog.Nop())
	return server, store
}

func doRequest(t *testing.T, server *Server, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := doRequest(t, server, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestStateEndpointReturnsSnapshot(t *testing.T) {
	server, store := newTestServer(t, nil)
	store.UpdatePosition(context.Background(), "NQU25-CME", 1, state.SideLong, 18000, 18010)

	w := doRequest(t, server, http.MethodGet, "/api/state", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var snap state.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid snapshot JSON: %v", err)
	}
	if snap.SystemState != state.SystemOnline {
		t.Errorf("expected ONLINE, got %s", snap.SystemState)
	}
	if _, ok := snap.Positions["NQU25-CME"]; !ok {
		t.Error("position missing from snapshot")
	}
}

func TestValidateEndpointApproves(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := doRequest(t, server, http.MethodPost, "/api/risk/validate", risk.TradeRequest{
		Symbol:   "NQU25-CME",
		Side:     risk.SideBuy,
		Quantity: 1,
		Price:    100,
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var d risk.Decision
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatalf("invalid decision JSON: %v", err)
	}
	if !d.Approved {
		t.Errorf("expected approval, got violations %v", d.Violations)
	}
}

func TestValidateEndpointRejectsUnknownSymbol(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := doRequest(t, server, http.MethodPost, "/api/risk/validate", risk.TradeRequest{
		Symbol:   "BOGUS",
		Side:     risk.SideBuy,
		Quantity: 1,
		Price:    100,
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var d risk.Decision
	if err := json.Unmarshal(w.Body.Bytes(), &d); err != nil {
		t.Fatalf("invalid decision JSON: %v", err)
	}
	if d.Approved {
		t.Error("unknown symbol must be rejected")
	}
}

func TestValidateEndpointRequiresSymbol(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := doRequest(t, server, http.MethodPost, "/api/risk/validate", map[string]interface{}{
		"quantity": 1,
	}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestPositionSizeEndpoint(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := doRequest(t, server, http.MethodPost, "/api/risk/position-size", map[string]interface{}{
		"symbol":      "NQU25-CME",
		"entry_price": 18000,
		"confidence":  1.0,
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Size int64 `json:"size"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	// 100000 * 2% / 10 points = 200, clamped to max position size 5
	if resp.Size != 5 {
		t.Errorf("expected size 5, got %d", resp.Size)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	jwtManager := NewJWTManager("test-secret-please-rotate", time.Hour)
	server, _ := newTestServer(t, jwtManager)

	w := doRequest(t, server, http.MethodPost, "/api/admin/emergency-stop",
		map[string]string{"reason": "drill"}, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	w = doRequest(t, server, http.MethodPost, "/api/admin/emergency-stop",
		map[string]string{"reason": "drill"}, "not-a-real-token")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with garbage token, got %d", w.Code)
	}
}

func TestAdminRoutesRejectNonAdmin(t *testing.T) {
	jwtManager := NewJWTManager("test-secret-please-rotate", time.Hour)
	server, _ := newTestServer(t, jwtManager)

	token, err := jwtManager.GenerateToken("viewer", false)
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}

	w := doRequest(t, server, http.MethodPost, "/api/admin/emergency-stop",
		map[string]string{"reason": "drill"}, token)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", w.Code)
	}
}

func TestAdminEmergencyStop(t *testing.T) {
	jwtManager := NewJWTManager("test-secret-please-rotate", time.Hour)
	server, store := newTestServer(t, jwtManager)

	token, err := jwtManager.GenerateToken("ops", true)
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}

	w := doRequest(t, server, http.MethodPost, "/api/admin/emergency-stop",
		map[string]string{"reason": "drill"}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if store.SystemState() != state.SystemEmergencyStop {
		t.Errorf("expected EMERGENCY_STOP, got %s", store.SystemState())
	}
	if !store.SystemConfig().EmergencyStopTriggered {
		t.Error("emergency flag not set")
	}
}

func TestAdminUpdateRiskParameters(t *testing.T) {
	jwtManager := NewJWTManager("test-secret-please-rotate", time.Hour)
	server, store := newTestServer(t, jwtManager)

	token, _ := jwtManager.GenerateToken("ops", true)

	w := doRequest(t, server, http.MethodPut, "/api/admin/risk-parameters",
		map[string]interface{}{"max_position_size": 8}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if store.RiskParameters().MaxPositionSize != 8 {
		t.Errorf("expected max position size 8, got %d", store.RiskParameters().MaxPositionSize)
	}
	// Untouched fields survive the partial update
	if store.RiskParameters().MaxDailyLoss != 1000 {
		t.Error("partial update clobbered max daily loss")
	}
}

func TestAdminSetSystemStateValidatesInput(t *testing.T) {
	jwtManager := NewJWTManager("test-secret-please-rotate", time.Hour)
	server, _ := newTestServer(t, jwtManager)

	token, _ := jwtManager.GenerateToken("ops", true)

	w := doRequest(t, server, http.MethodPut, "/api/admin/system-state",
		map[string]string{"state": "HALF_ONLINE"}, token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown state, got %d", w.Code)
	}

	w = doRequest(t, server, http.MethodPut, "/api/admin/system-state",
		map[string]string{"state": "DEGRADED"}, token)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for valid state, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRiskStatusEndpoint(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := doRequest(t, server, http.MethodGet, "/api/risk/status", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var status risk.Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid status JSON: %v", err)
	}
	if status.CircuitBreakerActive {
		t.Error("fresh engine must not have an active breaker")
	}
}

func TestViolationsEndpointValidatesHours(t *testing.T) {
	server, _ := newTestServer(t, nil)

	w := doRequest(t, server, http.MethodGet, "/api/risk/violations?hours=abc", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad hours, got %d", w.Code)
	}

	w = doRequest(t, server, http.MethodGet, "/api/risk/violations?hours=6", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
