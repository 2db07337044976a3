package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stratexec/internal/config"
	"stratexec/internal/events"
	"stratexec/internal/exchange"
	"stratexec/internal/registry"
	"stratexec/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// stubVenue plays the live venue for engine tests: scripted balances,
// positions, and placement behavior, plus a captured market-data
// subscription the tests push snapshots through. In paper mode it only
// serves as the paper adapter's price source.
type stubVenue struct {
	mu        sync.Mutex
	push      exchange.SnapshotFunc
	fills     exchange.FillFunc
	balance   types.Balance
	balErr    error
	positions []types.ExchangePosition
	placeFn   func(req types.OrderRequest) (types.OrderAck, error)
	placed    []types.OrderRequest
	nextID    int
}

func (v *stubVenue) SubscribeMarketData(_ context.Context, _ []string, fn exchange.SnapshotFunc) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.push = fn
	return nil
}

func (v *stubVenue) PlaceOrder(_ context.Context, req types.OrderRequest) (types.OrderAck, error) {
	v.mu.Lock()
	v.placed = append(v.placed, req)
	fn := v.placeFn
	v.nextID++
	id := fmt.Sprintf("live-%d", v.nextID)
	v.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return types.OrderAck{ExchangeOrderID: id, Status: types.StatusOpen, Timestamp: time.Now().UTC()}, nil
}

func (v *stubVenue) CancelOrder(context.Context, string) error { return nil }

func (v *stubVenue) GetOrderStatus(context.Context, string) (types.OrderStatusInfo, error) {
	return types.OrderStatusInfo{}, exchange.ErrOrderNotFound
}

func (v *stubVenue) GetAccountBalance(context.Context) (types.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balErr != nil {
		return types.Balance{}, v.balErr
	}
	return v.balance, nil
}

func (v *stubVenue) GetOpenPositions(context.Context) ([]types.ExchangePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions, nil
}

func (v *stubVenue) SetFillHandler(fn exchange.FillFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fills = fn
}

func (v *stubVenue) IsRateLimited() (bool, time.Time) { return false, time.Time{} }

func (v *stubVenue) placeCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.placed)
}

// pushRaw feeds one snapshot through the captured subscription without
// running an evaluation pass, for seeding several assets before a tick.
func (v *stubVenue) pushRaw(t *testing.T, snap types.MarketSnapshot) {
	t.Helper()
	v.mu.Lock()
	push := v.push
	v.mu.Unlock()
	if push == nil {
		t.Fatal("no market subscription captured; load a strategy first")
	}
	push(snap)
}

// newTestEngine wires an engine around a stub venue and a fresh data
// dir. The tick loop is not started; tests call processTick directly so
// every evaluation runs synchronously on the test goroutine.
func newTestEngine(t *testing.T, mutate func(*config.Config)) (*Engine, *stubVenue) {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Service.Version = "test"
	cfg.Service.DataDir = dir
	cfg.Service.FailureThreshold = 3
	cfg.Strategy.Path = filepath.Join(dir, "strategy.json")
	cfg.Engine.SnapshotBuffer = 64
	cfg.Paper.InitialBalanceUSD = 10000
	cfg.Paper.SlippagePct = 0.001
	cfg.Events.Dir = filepath.Join(dir, "events")
	cfg.Events.RingSize = 512
	cfg.Sizing.DefaultLotIncrement = 0.001
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	venue := &stubVenue{balance: types.Balance{AvailableUSD: d("10000")}}

	e, err := newEngine(cfg, venue, logger)
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	t.Cleanup(func() {
		e.cancel()
		e.router.Close()
		e.log.Close()
	})
	return e, venue
}

// writeStrategy writes the document and loads it through the service,
// the same path the file watcher takes.
func writeStrategy(t *testing.T, e *Engine, doc string) {
	t.Helper()
	if err := os.WriteFile(e.cfg.Strategy.Path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write strategy: %v", err)
	}
	e.strategy.Reload()
	if e.strategy.Active() == nil {
		t.Fatalf("strategy did not load:\n%s", doc)
	}
}

const defaultRisk = `{"max_drawdown_pct": 0.10, "daily_loss_limit_usd": 5000, "max_total_exposure_pct": 1, "max_per_position_pct": 0.25}`

func strategyDoc(mode, posture, riskJSON string, positions ...string) string {
	validUntil := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	return fmt.Sprintf(`{
  "mode": %q,
  "validity_window": %q,
  "posture": %q,
  "portfolio_risk": %s,
  "positions": [%s]
}`, mode, validUntil, posture, riskJSON, strings.Join(positions, ",\n"))
}

func snap(asset string, bid, ask float64, indicators map[string]float64) types.MarketSnapshot {
	s := types.MarketSnapshot{
		Asset:     asset,
		Bid:       decimal.NewFromFloat(bid),
		Ask:       decimal.NewFromFloat(ask),
		Timestamp: time.Now().UTC(),
	}
	if len(indicators) > 0 {
		s.Indicators = make(map[string]decimal.Decimal, len(indicators))
		for k, v := range indicators {
			s.Indicators[k] = decimal.NewFromFloat(v)
		}
	}
	return s
}

// pushTick feeds one snapshot (updating the paper book and hub caches)
// and runs one full evaluation pass.
func pushTick(t *testing.T, e *Engine, venue *stubVenue, snap types.MarketSnapshot) {
	t.Helper()
	venue.pushRaw(t, snap)
	e.processTick()
}

func eventsOfType(e *Engine, eventType string) []events.Event {
	var out []events.Event
	for _, ev := range e.log.Recent(0) {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func onlyPosition(t *testing.T, e *Engine) registry.OpenPosition {
	t.Helper()
	open := e.registry.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("open positions = %d, want 1", len(open))
	}
	return open[0]
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMarketEntryOpensPosition(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	writeStrategy(t, e, strategyDoc("paper", "moderate", defaultRisk,
		`{"id": "btc-core", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.10, "entry_type": "market"}`))

	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))

	pos := onlyPosition(t, e)
	if pos.StrategyPositionID != "btc-core" {
		t.Errorf("strategy position id = %s, want btc-core", pos.StrategyPositionID)
	}
	if !pos.Quantity.Equal(d("0.02")) {
		t.Errorf("quantity = %s, want 0.02 (10%% of 10000 at mid 50000)", pos.Quantity)
	}
	if !pos.AverageEntryPrice.Equal(d("50050")) {
		t.Errorf("entry price = %s, want 50050 (mid plus 0.1%% slippage)", pos.AverageEntryPrice)
	}
	if pos.Origin != types.OriginStrategy {
		t.Errorf("origin = %s, want strategy", pos.Origin)
	}

	// The dispatch slot is consumed: further ticks must not re-enter.
	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	if got := len(eventsOfType(e, events.EntryTriggered)); got != 1 {
		t.Errorf("entry_triggered events = %d, want 1", got)
	}
	if e.registry.Count() != 1 {
		t.Errorf("positions = %d, want 1", e.registry.Count())
	}
	if venue.placeCount() != 0 {
		t.Errorf("live venue saw %d orders in paper mode, want 0", venue.placeCount())
	}
	for _, typ := range []string{events.OrderPlaced, events.OrderFilled, events.PositionOpened} {
		if len(eventsOfType(e, typ)) == 0 {
			t.Errorf("%s not emitted", typ)
		}
	}
}

func TestLimitEntryRestsUntilPriceCrosses(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	writeStrategy(t, e, strategyDoc("paper", "moderate", defaultRisk,
		`{"id": "btc-dip", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.10, "entry_type": "limit", "entry_limit_price": 49000}`))

	// Bid far above the limit: no trigger, no order, no skip noise.
	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	if got := len(eventsOfType(e, events.EntryTriggered)); got != 0 {
		t.Fatal("entry fired at bid 49990 against limit 49000")
	}
	if got := len(eventsOfType(e, events.EntrySkipped)); got != 0 {
		t.Fatalf("entry_skipped events = %d, want 0 while waiting on price", got)
	}

	// Bid reaches the limit: the order goes out but rests, the ask is
	// still above the limit.
	pushTick(t, e, venue, snap("BTC/USD", 48990, 49010, nil))
	if got := len(eventsOfType(e, events.EntryTriggered)); got != 1 {
		t.Fatalf("entry_triggered events = %d, want 1", got)
	}
	if e.registry.Count() != 0 {
		t.Fatal("position open before the resting limit filled")
	}

	// Ask crosses: the simulated venue fills the resting order at the
	// limit price.
	pushTick(t, e, venue, snap("BTC/USD", 48950, 48990, nil))
	pos := onlyPosition(t, e)
	if !pos.AverageEntryPrice.Equal(d("49000")) {
		t.Errorf("entry price = %s, want the 49000 limit", pos.AverageEntryPrice)
	}
	if !pos.Quantity.Equal(d("0.02")) {
		t.Errorf("quantity = %s, want 0.02", pos.Quantity)
	}
}

func TestConditionalEntryFiresOnCrossing(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	writeStrategy(t, e, strategyDoc("paper", "moderate", defaultRisk,
		`{"id": "macd-flip", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.10, "entry_type": "conditional", "entry_condition": "MACD(12, 26, BTC/USD) crosses_above 0"}`))

	// Two evaluations below zero: a crossing needs an observed
	// transition, never a level.
	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, map[string]float64{"MACD_12_26": -5}))
	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, map[string]float64{"MACD_12_26": -1}))
	if got := len(eventsOfType(e, events.EntryTriggered)); got != 0 {
		t.Fatalf("entry fired before the indicator crossed, events = %d", got)
	}

	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, map[string]float64{"MACD_12_26": 2}))
	if got := len(eventsOfType(e, events.EntryTriggered)); got != 1 {
		t.Fatalf("entry_triggered events = %d, want 1 after the cross", got)
	}
	pos := onlyPosition(t, e)
	if !pos.Quantity.Equal(d("0.02")) {
		t.Errorf("quantity = %s, want 0.02", pos.Quantity)
	}
}

func TestConditionalEntryUnknownSkipsOnce(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	writeStrategy(t, e, strategyDoc("paper", "moderate", defaultRisk,
		`{"id": "rsi-hot", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.10, "entry_type": "conditional", "entry_condition": "RSI(14, BTC/USD) > 70"}`))

	// Ticks carry no RSI indicator: the condition is unknowable, the
	// skip is narrated once, repeats stay quiet.
	for i := 0; i < 3; i++ {
		pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	}

	skips := eventsOfType(e, events.EntrySkipped)
	if len(skips) != 1 {
		t.Fatalf("entry_skipped events = %d, want 1 (deduplicated)", len(skips))
	}
	if got := skips[0].Data["reason"]; got != "indicator_not_ready" {
		t.Errorf("skip reason = %v, want indicator_not_ready", got)
	}
	if e.registry.Count() != 0 {
		t.Error("unknown condition must not open a position")
	}
}

func TestPlacementFailureStreakTriggersSafeMode(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)
	if err := e.SetOperationMode(types.ModeLive, "streak test", "tester"); err != nil {
		t.Fatalf("SetOperationMode: %v", err)
	}
	venue.mu.Lock()
	venue.placeFn = func(types.OrderRequest) (types.OrderAck, error) {
		return types.OrderAck{}, errors.New("instrument halted")
	}
	venue.mu.Unlock()

	writeStrategy(t, e, strategyDoc("live", "moderate", defaultRisk,
		`{"id": "btc-a", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.05, "entry_type": "market"}`,
		`{"id": "eth-b", "asset": "ETH/USD", "direction": "long", "allocation_pct": 0.05, "entry_type": "market"}`,
		`{"id": "sol-c", "asset": "SOL/USD", "direction": "long", "allocation_pct": 0.05, "entry_type": "market"}`))

	venue.pushRaw(t, snap("BTC/USD", 49990, 50010, nil))
	venue.pushRaw(t, snap("ETH/USD", 2990, 3010, nil))
	pushTick(t, e, venue, snap("SOL/USD", 149.9, 150.1, nil))

	if got := venue.placeCount(); got != 3 {
		t.Fatalf("placements = %d, want 3", got)
	}
	if got := e.failures.Count(); got != 3 {
		t.Errorf("failure count = %d, want 3", got)
	}
	if !e.safeMode.Active() {
		t.Fatal("third consecutive rejection must engage safe mode")
	}
	acts := eventsOfType(e, events.SafeModeActivated)
	if len(acts) != 1 {
		t.Fatalf("safe_mode_activated events = %d, want 1", len(acts))
	}
	if got := acts[0].Data["reason"]; got != "consecutive_failures" {
		t.Errorf("activation reason = %v, want consecutive_failures", got)
	}
	if got := len(eventsOfType(e, events.OrderRejected)); got != 3 {
		t.Errorf("order_rejected events = %d, want 3", got)
	}
}

func TestDrawdownBreachFlattensBook(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	writeStrategy(t, e, strategyDoc("paper", "moderate", defaultRisk,
		`{"id": "btc-core", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.25, "entry_type": "market"}`))

	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	if got := onlyPosition(t, e).Quantity; !got.Equal(d("0.05")) {
		t.Fatalf("quantity = %s, want 0.05", got)
	}

	// Mid collapses to 30000: cash 7497.5 plus marks 1500 is equity
	// 8997.5 against a 10000 peak, through the 10% drawdown limit.
	pushTick(t, e, venue, snap("BTC/USD", 29990, 30010, nil))

	if !e.safeMode.Active() {
		t.Fatal("drawdown breach must engage safe mode")
	}
	if e.registry.Count() != 0 {
		t.Fatalf("book not flat after safe mode, %d positions", e.registry.Count())
	}
	trades := e.registry.ClosedTrades(10)
	if len(trades) != 1 {
		t.Fatalf("closed trades = %d, want 1", len(trades))
	}
	if trades[0].ExitReason != types.ExitSafeModeClose {
		t.Errorf("exit reason = %s, want safe_mode_close", trades[0].ExitReason)
	}
	if !trades[0].RealizedPnL.Equal(d("-1004")) {
		t.Errorf("realized pnl = %s, want -1004", trades[0].RealizedPnL)
	}

	breaches := eventsOfType(e, events.RiskLimitBreached)
	if len(breaches) != 1 {
		t.Fatalf("risk_limit_breached events = %d, want 1", len(breaches))
	}
	if got := breaches[0].Data["limit"]; got != "max_drawdown_pct" {
		t.Errorf("breached limit = %v, want max_drawdown_pct", got)
	}
	acts := eventsOfType(e, events.SafeModeActivated)
	if len(acts) != 1 {
		t.Fatalf("safe_mode_activated events = %d, want 1", len(acts))
	}
	if acts[0].Mode != types.ModeSafe {
		t.Errorf("activation event mode = %s, want safe", acts[0].Mode)
	}
}

func TestDailyLossSuspendsEntriesUntilReset(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	riskJSON := `{"max_drawdown_pct": 0.50, "daily_loss_limit_usd": 50, "max_total_exposure_pct": 1, "max_per_position_pct": 0.25}`
	writeStrategy(t, e, strategyDoc("paper", "moderate", riskJSON,
		`{"id": "btc-core", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.20, "entry_type": "market"}`,
		`{"id": "btc-dip", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.10, "entry_type": "conditional", "entry_condition": "price(BTC/USD) < 49000"}`))

	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	if e.registry.Count() != 1 {
		t.Fatalf("positions after first tick = %d, want 1", e.registry.Count())
	}

	// Mark the book down 82 USD: past the 50 USD daily limit, so the dip
	// trigger (now true) is suspended, and only narrated once.
	pushTick(t, e, venue, snap("BTC/USD", 47990, 48010, nil))
	pushTick(t, e, venue, snap("BTC/USD", 47990, 48010, nil))

	if e.registry.Count() != 1 {
		t.Fatalf("suspended entry still dispatched, positions = %d", e.registry.Count())
	}
	if e.riskMgr.EntriesAllowed() {
		t.Fatal("entries should be suspended on daily loss")
	}
	skips := eventsOfType(e, events.EntrySkipped)
	if len(skips) != 1 {
		t.Fatalf("entry_skipped events = %d, want 1 (deduplicated)", len(skips))
	}
	if got := skips[0].Data["reason"]; got != "entries_suspended_daily_loss_limit_usd" {
		t.Errorf("skip reason = %v, want entries_suspended_daily_loss_limit_usd", got)
	}

	// The UTC-midnight baseline reset lifts the suspension; the dip
	// entry then fires on the next tick.
	e.resetDailyBaseline()
	pushTick(t, e, venue, snap("BTC/USD", 47990, 48010, nil))
	if e.registry.Count() != 2 {
		t.Fatalf("positions after baseline reset = %d, want 2", e.registry.Count())
	}
}

func TestTakeProfitLadderClosesInStages(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	writeStrategy(t, e, strategyDoc("paper", "moderate", defaultRisk,
		`{"id": "btc-core", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.20, "entry_type": "market", "take_profit_targets": [{"price": 51000, "close_pct": 0.5}, {"price": 52000, "close_pct": 0.5}]}`))

	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	if got := onlyPosition(t, e).Quantity; !got.Equal(d("0.04")) {
		t.Fatalf("quantity = %s, want 0.04", got)
	}

	// Price gaps through both targets. Only the first closes this tick:
	// a lower target must settle before the next is considered.
	pushTick(t, e, venue, snap("BTC/USD", 52490, 52510, nil))
	pos := onlyPosition(t, e)
	if !pos.Quantity.Equal(d("0.02")) {
		t.Fatalf("quantity after target 1 = %s, want 0.02", pos.Quantity)
	}
	if len(pos.TakeProfitTargetsHit) != 1 || pos.TakeProfitTargetsHit[0] != 0 {
		t.Errorf("targets hit = %v, want [0]", pos.TakeProfitTargetsHit)
	}
	trades := e.registry.ClosedTrades(10)
	if len(trades) != 1 {
		t.Fatalf("closed trades after target 1 = %d, want 1", len(trades))
	}
	if trades[0].ExitReason != types.TakeProfitReason(0) {
		t.Errorf("exit reason = %s, want %s", trades[0].ExitReason, types.TakeProfitReason(0))
	}

	// The next tick at the same price clears the remainder.
	pushTick(t, e, venue, snap("BTC/USD", 52490, 52510, nil))
	if e.registry.Count() != 0 {
		t.Fatalf("position still open after final target, count = %d", e.registry.Count())
	}
	trades = e.registry.ClosedTrades(10)
	if len(trades) != 2 {
		t.Fatalf("closed trades = %d, want 2", len(trades))
	}
	if trades[1].ExitReason != types.TakeProfitReason(1) {
		t.Errorf("final exit reason = %s, want %s", trades[1].ExitReason, types.TakeProfitReason(1))
	}
}

func TestTrailingStopRatchetsAndFires(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	writeStrategy(t, e, strategyDoc("paper", "moderate", defaultRisk,
		`{"id": "btc-core", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.20, "entry_type": "market", "stop_loss": {"type": "trailing", "trail_pct": 0.02}}`))

	// The stop seeds off the entry tick's bid and ratchets up with it.
	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	pos := onlyPosition(t, e)
	if pos.TrailingStopPrice == nil || !pos.TrailingStopPrice.Equal(d("48990.2")) {
		t.Fatalf("trailing stop = %v, want 48990.2", pos.TrailingStopPrice)
	}

	pushTick(t, e, venue, snap("BTC/USD", 50990, 51010, nil))
	pushTick(t, e, venue, snap("BTC/USD", 51990, 52010, nil))
	pos = onlyPosition(t, e)
	if pos.TrailingStopPrice == nil || !pos.TrailingStopPrice.Equal(d("50950.2")) {
		t.Fatalf("trailing stop after ratchet = %v, want 50950.2", pos.TrailingStopPrice)
	}

	// Pullback under the ratcheted level: the stop holds its high-water
	// mark and fires on mid.
	pushTick(t, e, venue, snap("BTC/USD", 50890, 50910, nil))
	if e.registry.Count() != 0 {
		t.Fatal("position survived a mid below the trailing stop")
	}
	trades := e.registry.ClosedTrades(10)
	if len(trades) != 1 || trades[0].ExitReason != types.ExitStopLossTrailing {
		t.Fatalf("closed trades = %+v, want one stop_loss_trailing", trades)
	}
}

func TestTimeExitClosesAtDeadline(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	deadline := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	writeStrategy(t, e, strategyDoc("paper", "moderate", defaultRisk,
		fmt.Sprintf(`{"id": "btc-core", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.10, "entry_type": "market", "time_exit_utc": %q}`, deadline)))

	// Deadline already past: the entry fills and the exit pass of the
	// same tick closes it again.
	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))

	if e.registry.Count() != 0 {
		t.Fatalf("position still open past its time exit, count = %d", e.registry.Count())
	}
	trades := e.registry.ClosedTrades(10)
	if len(trades) != 1 || trades[0].ExitReason != types.ExitTimeExit {
		t.Fatalf("closed trades = %+v, want one time_exit", trades)
	}
	if got := len(eventsOfType(e, events.ExitTriggered)); got != 1 {
		t.Errorf("exit_triggered events = %d, want 1", got)
	}
}

func TestInvalidationConditionCloses(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	writeStrategy(t, e, strategyDoc("paper", "moderate", defaultRisk,
		`{"id": "btc-core", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.10, "entry_type": "market", "invalidation_condition": "price(BTC/USD) < 48000"}`))

	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	if e.registry.Count() != 1 {
		t.Fatalf("positions = %d, want 1", e.registry.Count())
	}

	pushTick(t, e, venue, snap("BTC/USD", 46990, 47010, nil))
	if e.registry.Count() != 0 {
		t.Fatal("position survived its invalidation condition")
	}
	trades := e.registry.ClosedTrades(10)
	if len(trades) != 1 || trades[0].ExitReason != types.ExitInvalidation {
		t.Fatalf("closed trades = %+v, want one invalidation", trades)
	}
}

func TestExitAllPostureFlattens(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	position := `{"id": "btc-core", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.10, "entry_type": "market"}`
	writeStrategy(t, e, strategyDoc("paper", "moderate", defaultRisk, position))
	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	if e.registry.Count() != 1 {
		t.Fatalf("positions = %d, want 1", e.registry.Count())
	}

	// Hot-swap to exit_all: no new entries, and the book unwinds.
	writeStrategy(t, e, strategyDoc("paper", "exit_all", defaultRisk, position))
	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))

	if e.registry.Count() != 0 {
		t.Fatalf("book not flat under exit_all, %d positions", e.registry.Count())
	}
	trades := e.registry.ClosedTrades(10)
	if len(trades) != 1 || trades[0].ExitReason != types.ExitAll {
		t.Fatalf("closed trades = %+v, want one exit_all", trades)
	}
	if got := len(eventsOfType(e, events.EntryTriggered)); got != 1 {
		t.Errorf("entry_triggered events = %d, want 1 (no re-entry under exit_all)", got)
	}
}

func TestRateLimitBackoffPausesEntries(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)
	if err := e.SetOperationMode(types.ModeLive, "backoff test", "tester"); err != nil {
		t.Fatalf("SetOperationMode: %v", err)
	}

	var calls int
	venue.mu.Lock()
	venue.placeFn = func(types.OrderRequest) (types.OrderAck, error) {
		calls++
		if calls == 1 {
			return types.OrderAck{}, &exchange.RateLimitError{ResumeAt: time.Now().Add(80 * time.Millisecond)}
		}
		return types.OrderAck{ExchangeOrderID: "live-retry", Status: types.StatusOpen, Timestamp: time.Now().UTC()}, nil
	}
	venue.mu.Unlock()

	writeStrategy(t, e, strategyDoc("live", "moderate", defaultRisk,
		`{"id": "btc-core", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.10, "entry_type": "market"}`))

	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	if got := venue.placeCount(); got != 1 {
		t.Fatalf("placements = %d, want 1", got)
	}
	if got := e.failures.Count(); got != 0 {
		t.Errorf("rate limit counted as failure, count = %d", got)
	}
	if active, _ := e.router.InBackoff(); !active {
		t.Fatal("router should be in backoff")
	}

	// Ticks during the cool-down dispatch nothing.
	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	if got := venue.placeCount(); got != 1 {
		t.Fatalf("placements during backoff = %d, want 1", got)
	}

	waitFor(t, func() bool {
		active, _ := e.router.InBackoff()
		return !active
	}, "backoff to end")

	// The withdrawn entry re-arms and goes out on the next tick.
	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	if got := venue.placeCount(); got != 2 {
		t.Fatalf("placements after backoff = %d, want 2", got)
	}
	if got := len(eventsOfType(e, events.RateLimitBackoffStarted)); got != 1 {
		t.Errorf("rate_limit_backoff_started events = %d, want 1", got)
	}
	if got := len(eventsOfType(e, events.RateLimitBackoffEnded)); got != 1 {
		t.Errorf("rate_limit_backoff_ended events = %d, want 1", got)
	}
}

func TestBalanceOutageStillRunsExits(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)
	if err := e.SetOperationMode(types.ModeLive, "outage test", "tester"); err != nil {
		t.Fatalf("SetOperationMode: %v", err)
	}
	venue.mu.Lock()
	venue.balErr = errors.New("balance endpoint: 503")
	venue.mu.Unlock()

	writeStrategy(t, e, strategyDoc("live", "moderate", defaultRisk,
		`{"id": "btc-core", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.10, "entry_type": "market", "stop_loss": {"type": "hard", "price": 49000}}`))

	if _, err := e.registry.Open(registry.OpenPosition{
		StrategyPositionID: "btc-core",
		StrategyID:         "seed",
		Asset:              "BTC/USD",
		Direction:          types.Long,
		Quantity:           d("0.1"),
		AverageEntryPrice:  d("50000"),
		OpenedAt:           time.Now().UTC(),
		Origin:             types.OriginStrategy,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	// Mid under the stop while the balance endpoint is down: risk and
	// entries are skipped, the protective exit still goes out.
	pushTick(t, e, venue, snap("BTC/USD", 47990, 48010, nil))

	if got := venue.placeCount(); got != 1 {
		t.Fatalf("placements = %d, want 1 protective exit", got)
	}
	venue.mu.Lock()
	placed := venue.placed[0]
	venue.mu.Unlock()
	if placed.Side != types.SELL || !placed.Quantity.Equal(d("0.1")) {
		t.Errorf("exit order = %s %s, want SELL 0.1", placed.Side, placed.Quantity)
	}
	if !e.riskMgr.Snapshot().EvaluatedAt.IsZero() {
		t.Error("risk evaluated without a balance")
	}

	// The close stays in flight until the venue confirms; no duplicate
	// dispatch on the next tick.
	pushTick(t, e, venue, snap("BTC/USD", 47990, 48010, nil))
	if got := venue.placeCount(); got != 1 {
		t.Errorf("placements after second tick = %d, want 1", got)
	}
	if e.registry.Count() != 1 {
		t.Errorf("position count = %d, want 1 (no fill arrived)", e.registry.Count())
	}
}

func TestReconcileAdoptsUnknownAndClosesOrphans(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)
	if err := e.SetOperationMode(types.ModeLive, "reconcile test", "tester"); err != nil {
		t.Fatalf("SetOperationMode: %v", err)
	}

	// Registry says ETH long, venue says BTC long: the orphan closes at
	// entry (flat P&L) and the unknown is adopted.
	if _, err := e.registry.Open(registry.OpenPosition{
		StrategyPositionID: "eth-old",
		StrategyID:         "seed",
		Asset:              "ETH/USD",
		Direction:          types.Long,
		Quantity:           d("2"),
		AverageEntryPrice:  d("3000"),
		OpenedAt:           time.Now().UTC(),
		Origin:             types.OriginStrategy,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	venue.mu.Lock()
	venue.positions = []types.ExchangePosition{
		{Asset: "BTC/USD", Direction: types.Long, Quantity: d("0.5"), AvgEntryPrice: d("61000")},
	}
	venue.mu.Unlock()

	e.reconcile(e.ctx)

	pos := onlyPosition(t, e)
	if pos.Asset != "BTC/USD" || pos.Origin != types.OriginReconciled {
		t.Errorf("adopted position = %s origin %s, want BTC/USD reconciled", pos.Asset, pos.Origin)
	}
	if pos.StrategyPositionID != "reconciled_BTC/USD_long" {
		t.Errorf("adopted strategy position id = %s", pos.StrategyPositionID)
	}
	if !pos.Quantity.Equal(d("0.5")) || !pos.AverageEntryPrice.Equal(d("61000")) {
		t.Errorf("adopted position = %s @ %s, want 0.5 @ 61000", pos.Quantity, pos.AverageEntryPrice)
	}

	trades := e.registry.ClosedTrades(10)
	if len(trades) != 1 || trades[0].ExitReason != types.ExitReconciledGone {
		t.Fatalf("closed trades = %+v, want one reconciled_gone", trades)
	}
	if !trades[0].RealizedPnL.IsZero() {
		t.Errorf("orphan close pnl = %s, want 0", trades[0].RealizedPnL)
	}

	summaries := eventsOfType(e, events.ReconciliationSummary)
	if len(summaries) != 1 {
		t.Fatalf("reconciliation_summary events = %d, want 1", len(summaries))
	}
	data := summaries[0].Data
	if data["status"] != "ok" || data["matched"] != 0 || data["orphaned_closed"] != 1 || data["unknown_added"] != 1 {
		t.Errorf("summary = %v", data)
	}
	if got := len(eventsOfType(e, events.PositionReconciled)); got != 1 {
		t.Errorf("position_reconciled events = %d, want 1", got)
	}
}

func TestReconcileSkippedInSafeMode(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)
	if err := e.SetOperationMode(types.ModeLive, "reconcile test", "tester"); err != nil {
		t.Fatalf("SetOperationMode: %v", err)
	}

	e.safeMode.Activate(e.ctx, "operator_halt")

	if _, err := e.registry.Open(registry.OpenPosition{
		StrategyPositionID: "eth-old",
		StrategyID:         "seed",
		Asset:              "ETH/USD",
		Direction:          types.Long,
		Quantity:           d("2"),
		AverageEntryPrice:  d("3000"),
		OpenedAt:           time.Now().UTC(),
		Origin:             types.OriginStrategy,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	venue.mu.Lock()
	venue.positions = []types.ExchangePosition{
		{Asset: "BTC/USD", Direction: types.Long, Quantity: d("0.5"), AvgEntryPrice: d("61000")},
	}
	venue.mu.Unlock()

	e.reconcile(e.ctx)

	// Nothing adopted, nothing closed: the operator cleans up first.
	if e.registry.Count() != 1 {
		t.Errorf("position count = %d, want 1 untouched", e.registry.Count())
	}
	if got := len(e.registry.ClosedTrades(10)); got != 0 {
		t.Errorf("closed trades = %d, want 0", got)
	}
	summaries := eventsOfType(e, events.ReconciliationSummary)
	if len(summaries) != 1 {
		t.Fatalf("reconciliation_summary events = %d, want 1", len(summaries))
	}
	if got := summaries[0].Data["status"]; got != "skipped" {
		t.Errorf("summary status = %v, want skipped", got)
	}
}

func TestStrategyReloadRearmsEntries(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	doc := strategyDoc("paper", "moderate", defaultRisk,
		`{"id": "btc-core", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.10, "entry_type": "market"}`)
	writeStrategy(t, e, doc)

	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	pos := onlyPosition(t, e)

	// Close out-of-band: the consumed dispatch slot still blocks
	// re-entry under the same load.
	if _, err := e.registry.Close(pos.ID, pos.Quantity, d("50000"), types.ExitManual); err != nil {
		t.Fatalf("manual close: %v", err)
	}
	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	if got := len(eventsOfType(e, events.EntryTriggered)); got != 1 {
		t.Fatalf("entry re-fired under the same load, events = %d", got)
	}

	// Reloading the document resets the slots; the entry fires again.
	writeStrategy(t, e, doc)
	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	if got := len(eventsOfType(e, events.EntryTriggered)); got != 2 {
		t.Fatalf("entry_triggered events after reload = %d, want 2", got)
	}
	if e.registry.Count() != 1 {
		t.Errorf("position count = %d, want 1", e.registry.Count())
	}
}

func TestStrategySwapCancelsRestingEntries(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	writeStrategy(t, e, strategyDoc("paper", "moderate", defaultRisk,
		`{"id": "btc-dip", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.10, "entry_type": "limit", "entry_limit_price": 49000}`))

	// The limit order goes out and rests unfilled.
	pushTick(t, e, venue, snap("BTC/USD", 48990, 49010, nil))
	if got := len(eventsOfType(e, events.EntryTriggered)); got != 1 {
		t.Fatalf("entry_triggered events = %d, want 1", got)
	}
	if e.registry.Count() != 0 {
		t.Fatal("limit order should be resting, not filled")
	}

	// A different document replaces the strategy; the resting entry
	// belongs to nobody and must be cancelled, not left to fill.
	writeStrategy(t, e, strategyDoc("paper", "flat", defaultRisk,
		`{"id": "btc-dip", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.10, "entry_type": "limit", "entry_limit_price": 42000}`))
	if got := len(eventsOfType(e, events.OrderCancelled)); got != 1 {
		t.Fatalf("order_cancelled events = %d, want 1", got)
	}

	// Price crosses the old limit: nothing fills.
	pushTick(t, e, venue, snap("BTC/USD", 48950, 48990, nil))
	if e.registry.Count() != 0 {
		t.Fatal("cancelled entry filled after the strategy swap")
	}
	if got := len(eventsOfType(e, events.OrderFilled)); got != 0 {
		t.Fatalf("order_filled events = %d, want 0", got)
	}
}

func TestPortfolioViewNetsShorts(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, nil)

	seed := []registry.OpenPosition{
		{StrategyPositionID: "eth-short", StrategyID: "seed", Asset: "ETH/USD", Direction: types.Short,
			Quantity: d("2"), AverageEntryPrice: d("3000"), OpenedAt: time.Now().UTC(), Origin: types.OriginStrategy},
		{StrategyPositionID: "btc-long", StrategyID: "seed", Asset: "BTC/USD", Direction: types.Long,
			Quantity: d("0.1"), AverageEntryPrice: d("50000"), OpenedAt: time.Now().UTC(), Origin: types.OriginStrategy},
	}
	for _, p := range seed {
		if _, err := e.registry.Open(p); err != nil {
			t.Fatalf("seed %s: %v", p.StrategyPositionID, err)
		}
	}

	// No snapshots cached: both positions value at their entry price.
	// Equity nets the short, gross exposure does not.
	equity, gross, err := e.portfolioView(context.Background())
	if err != nil {
		t.Fatalf("portfolioView: %v", err)
	}
	if !equity.Equal(d("9000")) {
		t.Errorf("equity = %s, want 9000 (10000 - 6000 short + 5000 long)", equity)
	}
	if !gross.Equal(d("11000")) {
		t.Errorf("gross exposure = %s, want 11000", gross)
	}
}

func TestModeSwitchDropsBalanceCache(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, func(cfg *config.Config) {
		cfg.Engine.BalanceRefreshInterval = time.Hour
		cfg.Paper.InitialBalanceUSD = 5555
	})
	if err := e.SetOperationMode(types.ModeLive, "cache test", "tester"); err != nil {
		t.Fatalf("SetOperationMode: %v", err)
	}

	ctx := context.Background()
	bal, err := e.accountBalance(ctx)
	if err != nil {
		t.Fatalf("accountBalance: %v", err)
	}
	if !bal.AvailableUSD.Equal(d("10000")) {
		t.Fatalf("live balance = %s, want 10000", bal.AvailableUSD)
	}

	// Within the refresh interval the cache serves, even after the venue
	// moves.
	venue.mu.Lock()
	venue.balance = types.Balance{AvailableUSD: d("7777")}
	venue.mu.Unlock()
	bal, _ = e.accountBalance(ctx)
	if !bal.AvailableUSD.Equal(d("10000")) {
		t.Fatalf("cached balance = %s, want 10000", bal.AvailableUSD)
	}

	// A mode switch means a different account: the cache must not serve
	// the old venue's number.
	if err := e.SetOperationMode(types.ModePaper, "cache test", "tester"); err != nil {
		t.Fatalf("SetOperationMode: %v", err)
	}
	bal, _ = e.accountBalance(ctx)
	if !bal.AvailableUSD.Equal(d("5555")) {
		t.Errorf("balance after mode switch = %s, want paper 5555", bal.AvailableUSD)
	}
}

func TestSafeModeDeactivateRearmsRisk(t *testing.T) {
	t.Parallel()
	e, venue := newTestEngine(t, nil)

	writeStrategy(t, e, strategyDoc("paper", "moderate", defaultRisk,
		`{"id": "btc-core", "asset": "BTC/USD", "direction": "long", "allocation_pct": 0.25, "entry_type": "market"}`))

	pushTick(t, e, venue, snap("BTC/USD", 49990, 50010, nil))
	pushTick(t, e, venue, snap("BTC/USD", 29990, 30010, nil))
	if !e.safeMode.Active() {
		t.Fatal("drawdown breach must engage safe mode")
	}

	// Deactivation rebases peak equity on the flattened book, so the
	// same depressed price no longer reads as a drawdown.
	e.DeactivateSafeMode(context.Background(), "reviewed, resuming")
	if e.safeMode.Active() {
		t.Fatal("safe mode still active after deactivation")
	}
	if !e.riskMgr.Snapshot().PeakEquity.Equal(d("8996")) {
		t.Errorf("peak equity = %s, want rebased 8996", e.riskMgr.Snapshot().PeakEquity)
	}

	pushTick(t, e, venue, snap("BTC/USD", 29990, 30010, nil))
	if e.safeMode.Active() {
		t.Fatal("safe mode re-triggered off the stale peak")
	}
	if got := len(eventsOfType(e, events.SafeModeActivated)); got != 1 {
		t.Errorf("safe_mode_activated events = %d, want 1", got)
	}
	if got := len(eventsOfType(e, events.SafeModeDeactivated)); got != 1 {
		t.Errorf("safe_mode_deactivated events = %d, want 1", got)
	}
}
