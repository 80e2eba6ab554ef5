package risk

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-core/internal/events"
	"trading-core/internal/state"
)

// fakeStateAuthority satisfies StateAuthority with a canned snapshot.
type fakeStateAuthority struct {
	mu               sync.Mutex
	snap             state.Snapshot
	lastMarketUpdate *time.Time
	emergencyStops   []string
	configPatches    []state.SystemConfigPatch
}

func (f *fakeStateAuthority) Snapshot() state.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	positions := make(map[string]state.Position, len(f.snap.Positions))
	for k, v := range f.snap.Positions {
		positions[k] = v
	}
	snap := f.snap
	snap.Positions = positions
	return snap
}

func (f *fakeStateAuthority) LastMarketUpdate() *time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMarketUpdate
}

func (f *fakeStateAuthority) UpdateSystemConfig(ctx context.Context, patch state.SystemConfigPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configPatches = append(f.configPatches, patch)
	return nil
}

func (f *fakeStateAuthority) EmergencyStop(ctx context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergencyStops = append(f.emergencyStops, reason)
	return nil
}

type fakeSymbolProvider struct {
	tradeable map[string]bool
	rollover  []string
}

func (f *fakeSymbolProvider) IsTradeable(symbol string) bool { return f.tradeable[symbol] }
func (f *fakeSymbolProvider) RolloverSymbols() []string      { return f.rollover }

type fakeAuditRepository struct {
	mu          sync.Mutex
	violations  []Violation
	validations []TradeValidation
	summaries   []DailySummary
}

func (f *fakeAuditRepository) SaveViolation(ctx context.Context, v Violation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.violations = append(f.violations, v)
	return nil
}

func (f *fakeAuditRepository) SaveTradeValidation(ctx context.Context, tv TradeValidation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validations = append(f.validations, tv)
	return nil
}

func (f *fakeAuditRepository) SaveDailySummary(ctx context.Context, s DailySummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, s)
	return nil
}

func healthySnapshot() state.Snapshot {
	return state.Snapshot{
		TradingState: state.TradingFlat,
		SystemState:  state.SystemOnline,
		Positions:    map[string]state.Position{},
		RiskParameters: state.RiskParameters{
			MaxPositionSize:     5,
			MaxDailyLoss:        1000,
			MaxDrawdownPercent:  10,
			PositionSizePercent: 2,
			StopLossPoints:      10,
			TakeProfitPoints:    20,
			MaxPositions:        3,
			Enabled:             true,
		},
		SystemConfig: state.SystemConfig{
			TradingEnabled:     true,
			MaxOrdersPerMinute: 10,
		},
		Timestamp: time.Now(),
	}
}

func newTestEngine(snap state.Snapshot) (*Engine, *fakeStateAuthority, *fakeAuditRepository) {
	now := time.Now()
	store := &fakeStateAuthority{snap: snap, lastMarketUpdate: &now}
	repo := &fakeAuditRepository{}
	provider := &fakeSymbolProvider{tradeable: map[string]bool{
		"NQU25-CME": true,
		"ESU25-CME": true,
	}}
	engine := NewEngine(store, provider, repo, events.NewEventBus(), 100000, zerolog.Nop())
	return engine, store, repo
}

func baseRequest() TradeRequest {
	return TradeRequest{
		Symbol:    "NQU25-CME",
		Side:      SideBuy,
		Quantity:  1,
		Price:     100,
		Timestamp: time.Now(),
	}
}

func containsSubstring(list []string, substr string) bool {
	for _, s := range list {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func TestHealthyTradeApproved(t *testing.T) {
	engine, _, repo := newTestEngine(healthySnapshot())

	d := engine.ValidateTradeRequest(context.Background(), baseRequest())
	if !d.Approved {
		t.Fatalf("expected approval, got violations: %v", d.Violations)
	}
	if len(d.Violations) != 0 {
		t.Errorf("approved decision carries violations: %v", d.Violations)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.validations) != 1 || !repo.validations[0].Approved {
		t.Error("approved validation not recorded in audit trail")
	}
}

func TestUnknownSymbolRejected(t *testing.T) {
	engine, _, _ := newTestEngine(healthySnapshot())

	req := baseRequest()
	req.Symbol = "GCZ25-CME"
	d := engine.ValidateTradeRequest(context.Background(), req)
	if d.Approved {
		t.Fatal("unknown symbol must be rejected")
	}
	if !containsSubstring(d.Violations, "not in approved tradeable symbols") {
		t.Errorf("expected symbol violation, got %v", d.Violations)
	}
}

func TestDisabledRiskParametersReject(t *testing.T) {
	snap := healthySnapshot()
	snap.RiskParameters.Enabled = false
	engine, _, _ := newTestEngine(snap)

	d := engine.ValidateTradeRequest(context.Background(), baseRequest())
	if d.Approved {
		t.Fatal("disabled risk parameters must reject everything")
	}
	if !containsSubstring(d.Violations, "Risk parameters not configured or invalid") {
		t.Errorf("expected configuration violation, got %v", d.Violations)
	}
}

func TestCircuitBreakerFailsClosed(t *testing.T) {
	engine, _, _ := newTestEngine(healthySnapshot())
	engine.tripCircuitBreaker(context.Background(), "test trip")

	d := engine.ValidateTradeRequest(context.Background(), baseRequest())
	if d.Approved {
		t.Fatal("active breaker must reject all trades")
	}
	if !containsSubstring(d.Violations, "Circuit breaker active") {
		t.Errorf("expected breaker violation, got %v", d.Violations)
	}
}

func TestSystemNotOnlineRejected(t *testing.T) {
	snap := healthySnapshot()
	snap.SystemState = state.SystemDegraded
	engine, _, _ := newTestEngine(snap)

	d := engine.ValidateTradeRequest(context.Background(), baseRequest())
	if d.Approved {
		t.Fatal("trades must be rejected while not ONLINE")
	}
	if !containsSubstring(d.Violations, "System state is DEGRADED") {
		t.Errorf("expected system state violation, got %v", d.Violations)
	}
}

func TestTradingDisabledRejected(t *testing.T) {
	snap := healthySnapshot()
	snap.SystemConfig.TradingEnabled = false
	engine, _, _ := newTestEngine(snap)

	d := engine.ValidateTradeRequest(context.Background(), baseRequest())
	if d.Approved {
		t.Fatal("trades must be rejected when trading disabled")
	}
	if !containsSubstring(d.Violations, "Trading not enabled") {
		t.Errorf("expected trading disabled violation, got %v", d.Violations)
	}
}

func TestPositionSizeLimit(t *testing.T) {
	engine, _, _ := newTestEngine(healthySnapshot())

	req := baseRequest()
	req.Quantity = 6 // limit is 5
	d := engine.ValidateTradeRequest(context.Background(), req)
	if d.Approved {
		t.Fatal("oversized position must be rejected")
	}
	if !containsSubstring(d.Violations, "exceeds maximum 5") {
		t.Errorf("expected size violation, got %v", d.Violations)
	}
}

func TestCloseAlwaysPassesSizeRule(t *testing.T) {
	snap := healthySnapshot()
	snap.Positions["NQU25-CME"] = state.Position{
		Symbol: "NQU25-CME", Quantity: 5, Side: state.SideLong,
		EntryPrice: 100, CurrentPrice: 100,
		LastUpdate: time.Now(),
	}
	engine, _, _ := newTestEngine(snap)

	req := baseRequest()
	req.Side = SideClose
	req.Quantity = 5
	d := engine.ValidateTradeRequest(context.Background(), req)
	if !d.Approved {
		t.Fatalf("closing a position must not violate size rules: %v", d.Violations)
	}
}

func TestMaxPositionsLimit(t *testing.T) {
	snap := healthySnapshot()
	for _, sym := range []string{"A", "B", "C"} {
		snap.Positions[sym] = state.Position{Symbol: sym, Quantity: 1, LastUpdate: time.Now()}
	}
	engine, _, _ := newTestEngine(snap)

	d := engine.ValidateTradeRequest(context.Background(), baseRequest())
	if d.Approved {
		t.Fatal("opening a 4th symbol with max_positions=3 must be rejected")
	}
	if !containsSubstring(d.Violations, "Maximum number of positions") {
		t.Errorf("expected max positions violation, got %v", d.Violations)
	}
}

func TestDailyLossLimitAndBreakerTrip(t *testing.T) {
	// Loss beyond the limit but under 1.2x: violation, no breaker trip
	snap := healthySnapshot()
	snap.PnL.Today = -1050
	engine, _, _ := newTestEngine(snap)

	d := engine.ValidateTradeRequest(context.Background(), baseRequest())
	if d.Approved {
		t.Fatal("trade must be rejected past the daily loss limit")
	}
	if !containsSubstring(d.Violations, "Daily loss") {
		t.Errorf("expected daily loss violation, got %v", d.Violations)
	}
	if engine.CircuitBreakerActive() {
		t.Error("breaker must not trip below the 1.2x threshold")
	}

	// Loss beyond 1.2x: breaker trips with the severe reason and the trip
	// side effects reach the state authority
	snap2 := healthySnapshot()
	snap2.PnL.Today = -1201
	engine2, store2, repo2 := newTestEngine(snap2)

	d2 := engine2.ValidateTradeRequest(context.Background(), baseRequest())
	if d2.Approved {
		t.Fatal("trade must be rejected past the severe loss threshold")
	}
	if !engine2.CircuitBreakerActive() {
		t.Fatal("breaker must trip past the 1.2x threshold")
	}

	status := engine2.Status()
	if status.CircuitBreakerReason != "Daily loss limit severely exceeded" {
		t.Errorf("unexpected breaker reason: %q", status.CircuitBreakerReason)
	}

	store2.mu.Lock()
	stops := len(store2.emergencyStops)
	patches := len(store2.configPatches)
	store2.mu.Unlock()
	if stops != 1 {
		t.Error("breaker trip must call EmergencyStop on the state authority")
	}
	if patches != 1 {
		t.Error("breaker trip must disable auto-trade on the state authority")
	}

	repo2.mu.Lock()
	hasEmergencyViolation := false
	for _, v := range repo2.violations {
		if v.Level == LevelEmergency && v.RuleType == "circuit_breaker" {
			hasEmergencyViolation = true
		}
	}
	repo2.mu.Unlock()
	if !hasEmergencyViolation {
		t.Error("breaker trip must record an EMERGENCY violation")
	}
}

func TestStaleMarketDataRejected(t *testing.T) {
	engine, store, _ := newTestEngine(healthySnapshot())
	stale := time.Now().Add(-61 * time.Second)
	store.mu.Lock()
	store.lastMarketUpdate = &stale
	store.mu.Unlock()

	d := engine.ValidateTradeRequest(context.Background(), baseRequest())
	if d.Approved {
		t.Fatal("stale market data must reject the trade")
	}
	if !containsSubstring(d.Violations, "Market data is stale") {
		t.Errorf("expected staleness violation, got %v", d.Violations)
	}
}

func TestModeratelyStaleDataScoresOnly(t *testing.T) {
	engine, store, _ := newTestEngine(healthySnapshot())
	aged := time.Now().Add(-45 * time.Second)
	store.mu.Lock()
	store.lastMarketUpdate = &aged
	store.mu.Unlock()

	d := engine.ValidateTradeRequest(context.Background(), baseRequest())
	if !d.Approved {
		t.Fatalf("30-60s old data must not gate the trade: %v", d.Violations)
	}
	if d.RiskScore < 0.1 {
		t.Errorf("expected score contribution for moderately stale data, got %f", d.RiskScore)
	}
}

func TestNoMarketDataRejected(t *testing.T) {
	engine, store, _ := newTestEngine(healthySnapshot())
	store.mu.Lock()
	store.lastMarketUpdate = nil
	store.mu.Unlock()

	d := engine.ValidateTradeRequest(context.Background(), baseRequest())
	if d.Approved {
		t.Fatal("missing market data must reject the trade")
	}
	if !containsSubstring(d.Violations, "No market data available") {
		t.Errorf("expected no-data violation, got %v", d.Violations)
	}
}

func TestInvalidPriceRejected(t *testing.T) {
	engine, _, _ := newTestEngine(healthySnapshot())

	req := baseRequest()
	req.Price = 0
	d := engine.ValidateTradeRequest(context.Background(), req)
	if d.Approved {
		t.Fatal("non-positive price must reject the trade")
	}
	if !containsSubstring(d.Violations, "Invalid trade price") {
		t.Errorf("expected price violation, got %v", d.Violations)
	}
}

func TestDrawdownTripsBreaker(t *testing.T) {
	snap := healthySnapshot()
	snap.Positions["NQU25-CME"] = state.Position{
		Symbol: "NQU25-CME", Quantity: 1, Side: state.SideLong,
		EntryPrice: 100000, CurrentPrice: 89000,
		UnrealizedPnL: -11000, // 11% of the 100k account, limit is 10%
		LastUpdate:    time.Now(),
	}
	engine, _, _ := newTestEngine(snap)

	d := engine.ValidateTradeRequest(context.Background(), baseRequest())
	if d.Approved {
		t.Fatal("drawdown past the limit must reject the trade")
	}
	if !containsSubstring(d.Violations, "Drawdown") {
		t.Errorf("expected drawdown violation, got %v", d.Violations)
	}
	if !engine.CircuitBreakerActive() {
		t.Error("drawdown breach must trip the breaker")
	}
}

func TestRateLimitCountsOnlyApprovals(t *testing.T) {
	snap := healthySnapshot()
	snap.SystemConfig.MaxOrdersPerMinute = 2
	engine, _, _ := newTestEngine(snap)
	ctx := context.Background()

	// Two approvals fill the window
	for i := 0; i < 2; i++ {
		if d := engine.ValidateTradeRequest(ctx, baseRequest()); !d.Approved {
			t.Fatalf("setup approval %d failed: %v", i, d.Violations)
		}
	}

	d := engine.ValidateTradeRequest(ctx, baseRequest())
	if d.Approved {
		t.Fatal("third trade within the window must hit the rate limit")
	}
	if !containsSubstring(d.Violations, "Order rate limit exceeded") {
		t.Errorf("expected rate violation, got %v", d.Violations)
	}

	// The rejection above must not consume window capacity: the count of
	// recorded approvals stays at 2
	d = engine.ValidateTradeRequest(ctx, d2Request())
	if d.Approved {
		t.Fatal("window still full, trade must stay rejected")
	}
}

func d2Request() TradeRequest {
	req := baseRequest()
	req.Symbol = "ESU25-CME"
	return req
}

func TestValidationIsDeterministic(t *testing.T) {
	snap := healthySnapshot()
	snap.PnL.Today = -1050
	engine, _, _ := newTestEngine(snap)
	ctx := context.Background()

	first := engine.ValidateTradeRequest(ctx, baseRequest())
	second := engine.ValidateTradeRequest(ctx, baseRequest())

	if first.Approved != second.Approved {
		t.Fatal("identical state must give identical approval")
	}
	if len(first.Violations) != len(second.Violations) {
		t.Fatalf("violation lists differ: %v vs %v", first.Violations, second.Violations)
	}
	for i := range first.Violations {
		if first.Violations[i] != second.Violations[i] {
			t.Errorf("violation %d differs: %q vs %q", i, first.Violations[i], second.Violations[i])
		}
	}
	if first.RiskScore != second.RiskScore {
		t.Errorf("risk scores differ: %f vs %f", first.RiskScore, second.RiskScore)
	}
}

func TestPanicInPipelineFailsClosed(t *testing.T) {
	engine, _, _ := newTestEngine(healthySnapshot())
	engine.RegisterScoreAdjuster(func(req TradeRequest, snap state.Snapshot) (float64, []string) {
		panic("adjuster exploded")
	})

	d := engine.ValidateTradeRequest(context.Background(), baseRequest())
	if d.Approved {
		t.Fatal("a panicking pipeline must reject the trade")
	}
	if !containsSubstring(d.Violations, "SYSTEM ERROR") {
		t.Errorf("expected SYSTEM ERROR violation, got %v", d.Violations)
	}
}

func TestResetCircuitBreakerRequiresAdmin(t *testing.T) {
	engine, _, _ := newTestEngine(healthySnapshot())
	ctx := context.Background()
	engine.tripCircuitBreaker(ctx, "test trip")

	if engine.ResetCircuitBreaker(ctx, false, "no override") {
		t.Fatal("reset without admin override must fail")
	}
	if !engine.CircuitBreakerActive() {
		t.Fatal("breaker must stay latched after refused reset")
	}

	if !engine.ResetCircuitBreaker(ctx, true, "post-incident review done") {
		t.Fatal("admin reset must succeed")
	}
	if engine.CircuitBreakerActive() {
		t.Error("breaker still active after admin reset")
	}
}

func TestValidateSystemSafety(t *testing.T) {
	engine, _, _ := newTestEngine(healthySnapshot())

	safe, issues := engine.ValidateSystemSafety()
	if !safe {
		t.Fatalf("healthy system reported unsafe: %v", issues)
	}

	engine.tripCircuitBreaker(context.Background(), "test trip")
	safe, issues = engine.ValidateSystemSafety()
	if safe {
		t.Fatal("tripped breaker must make the system unsafe")
	}
	if !containsSubstring(issues, "Circuit breaker active") {
		t.Errorf("expected breaker issue, got %v", issues)
	}
}

func TestEmergencyModeBlocksEverything(t *testing.T) {
	engine, _, _ := newTestEngine(healthySnapshot())
	engine.SetEmergencyMode(true)

	d := engine.ValidateTradeRequest(context.Background(), baseRequest())
	if d.Approved {
		t.Fatal("emergency mode must block all trading")
	}
	if !containsSubstring(d.Violations, "emergency mode") {
		t.Errorf("expected emergency violation, got %v", d.Violations)
	}
}

func TestRejectionsAreAudited(t *testing.T) {
	engine, _, repo := newTestEngine(healthySnapshot())

	req := baseRequest()
	req.Quantity = 6
	engine.ValidateTradeRequest(context.Background(), req)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.validations) != 1 {
		t.Fatalf("expected 1 validation record, got %d", len(repo.validations))
	}
	tv := repo.validations[0]
	if tv.Approved {
		t.Error("rejected trade recorded as approved")
	}
	if len(tv.RejectionReasons) == 0 {
		t.Error("rejection reasons missing from audit record")
	}
}

func TestRecentViolationsWindow(t *testing.T) {
	engine, _, _ := newTestEngine(healthySnapshot())
	ctx := context.Background()

	engine.recordViolation(ctx, LevelHigh, "recent", nil, "test_rule", "")

	old := Violation{
		ID: "old", Level: LevelLow, Message: "ancient",
		RuleType: "test_rule", Timestamp: time.Now().Add(-48 * time.Hour),
	}
	engine.mu.Lock()
	engine.violations = append(engine.violations, old)
	engine.mu.Unlock()

	recent := engine.RecentViolations(24)
	for _, v := range recent {
		if v.ID == "old" {
			t.Error("violation outside the window returned")
		}
	}
	found := false
	for _, v := range recent {
		if v.Message == "recent" {
			found = true
		}
	}
	if !found {
		t.Error("recent violation missing from window")
	}
}

func TestStartContextCancelStopsLoops(t *testing.T) {
	engine, _, repo := newTestEngine(healthySnapshot())

	ctx, cancel := context.WithCancel(context.Background())
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()

	// With the parent context cancelled the loops exit, so Stop's wait
	// returns promptly instead of hanging on live goroutines.
	done := make(chan error, 1)
	go func() { done <- engine.Stop(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after parent context cancellation")
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.summaries) != 1 {
		t.Errorf("expected final daily summary on Stop, got %d writes", len(repo.summaries))
	}
}

func TestDailySummaryUpsertIdempotent(t *testing.T) {
	engine, _, repo := newTestEngine(healthySnapshot())
	ctx := context.Background()

	if err := engine.saveDailySummary(ctx); err != nil {
		t.Fatalf("first summary save failed: %v", err)
	}
	if err := engine.saveDailySummary(ctx); err != nil {
		t.Fatalf("second summary save failed: %v", err)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.summaries) != 2 {
		t.Fatalf("expected 2 summary writes, got %d", len(repo.summaries))
	}
	if repo.summaries[0].Date != repo.summaries[1].Date {
		t.Error("summary writes for the same day must share the date key")
	}
}
