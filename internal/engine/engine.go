// Package engine is the central orchestrator of the execution service.
//
// It wires together all subsystems:
//
//  1. The strategy service watches the document file and hot-swaps the
//     active strategy; every load repoints the market subscription and
//     resets the entry dispatch set.
//  2. The market hub feeds one buffered tick channel; the engine loop is
//     the single writer for every trading decision.
//  3. Each tick runs risk evaluation, then entries, then exits, draining
//     buffered fills between stages so each stage sees the registry
//     state its predecessor produced.
//  4. The router dispatches orders to the adapter for the current
//     operation mode (paper simulator or live venue) and folds fills
//     back into the position registry.
//  5. Safe mode, the failure streak, and the risk latches can each halt
//     entries; safe mode also flattens the book.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stratexec/internal/config"
	"stratexec/internal/events"
	"stratexec/internal/exchange"
	"stratexec/internal/market"
	"stratexec/internal/registry"
	"stratexec/internal/risk"
	"stratexec/internal/router"
	"stratexec/internal/schedule"
	"stratexec/internal/sizing"
	"stratexec/internal/state"
	"stratexec/internal/strategy"
	"stratexec/pkg/types"
)

// fillBuffer sizes the execution queue between the adapters and the tick
// loop. The paper venue emits fills synchronously inside PlaceOrder, on
// the tick goroutine itself, so the queue must absorb them until the
// dispatch call returns.
const fillBuffer = 256

// skipSizing marks entries latched out by the sizer until balance-moving
// state changes re-arm them. The sizer narrates its own skip reasons;
// this marker only suppresses re-sizing the same dead entry every tick.
const skipSizing = "sizing"

// Engine owns the lifecycle of all subsystems and the single-writer
// trading loop.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	log    *events.Log

	live  exchange.Adapter
	paper exchange.Adapter

	hub      *market.Hub
	strategy *strategy.Service
	registry *registry.Registry
	router   *router.Router
	riskMgr  *risk.Manager
	sizer    *sizing.Sizer
	failures *state.FailureTracker
	safeMode *state.SafeMode
	opMode   *state.OperationMode
	sched    *schedule.Scheduler

	fills chan types.Fill

	// mu guards the dispatch bookkeeping: at-most-once entry per strategy
	// load, at-most-one in-flight close per position, and skip dedup.
	mu             sync.Mutex
	dispatched     map[string]bool   // strategy_position_id → entry sent this load
	closeDispatch  map[string]string // position id → in-flight close order id
	skipped        map[string]string // strategy_position_id → last skip reason
	lastStrategyID string            // detects document swaps across reloads

	balanceMu sync.Mutex
	balance   types.Balance
	balanceAt time.Time

	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components against the real venue.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	return newEngine(cfg, exchange.NewLiveAdapter(cfg.Exchange, logger), logger)
}

// newEngine wires the engine around the given live adapter. Tests inject
// a stub venue here; New passes the real client.
func newEngine(cfg *config.Config, live exchange.Adapter, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:           cfg,
		logger:        logger.With("component", "engine"),
		live:          live,
		fills:         make(chan types.Fill, fillBuffer),
		dispatched:    make(map[string]bool),
		closeDispatch: make(map[string]string),
		skipped:       make(map[string]string),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	log, err := events.NewLog(cfg.Events.Dir, cfg.Events.RotateDaily, cfg.Events.RingSize, cfg.Service.Version, e.eventMode, logger)
	if err != nil {
		return nil, err
	}
	e.log = log

	dataDir := cfg.Service.DataDir
	e.failures = state.NewFailureTracker(filepath.Join(dataDir, "failure_count.json"), cfg.Service.FailureThreshold, logger)
	e.safeMode = state.NewSafeMode(filepath.Join(dataDir, "safe_mode.json"), e.failures, log, logger)
	e.opMode = state.NewOperationMode(filepath.Join(dataDir, "operation_mode.json"), log, logger)

	// The paper adapter wraps the live one as its price source, so the
	// simulated book stays priced in both modes and a paper→live flip
	// needs no resubscription.
	e.paper = exchange.NewPaperAdapter(cfg.Paper.InitialBalanceUSD, cfg.Paper.SlippagePct, cfg.Paper.CommissionRate, live, logger)
	e.hub = market.NewHub(e.paper, cfg.Engine.SnapshotBuffer, logger)

	reg, err := registry.New(dataDir, log, logger)
	if err != nil {
		return nil, err
	}
	e.registry = reg

	e.riskMgr = risk.NewManager(log, logger)
	e.sizer = sizing.New(cfg.Sizing, e.availableUSD, log, logger)
	e.router = router.New(e.adapterFor, e.opMode.Current, reg, e.failures, log, logger)

	e.strategy = strategy.NewService(cfg.Strategy, log, logger)
	e.strategy.SetOnLoaded(e.onStrategyLoaded)
	e.strategy.SetOnExpired(e.onStrategyExpired)

	e.failures.SetOnTrigger(func(reason string) { e.safeMode.Activate(e.ctx, reason) })
	e.router.SetOnAuthFailure(func(reason string) { e.safeMode.Activate(e.ctx, reason) })
	e.safeMode.SetCloseAll(e.closeAllPositions)
	e.paper.SetFillHandler(e.enqueueFill)
	live.SetFillHandler(e.enqueueFill)

	e.sched = schedule.New(logger)
	if err := e.sched.AddDailyUTC("daily_risk_baseline_reset", e.resetDailyBaseline); err != nil {
		return nil, err
	}
	if err := e.sched.AddDailyUTC("event_log_rotation", log.RotateCheck); err != nil {
		return nil, err
	}

	return e, nil
}

// Start restores persisted state, reconciles against the venue, and
// launches the strategy watcher, the scheduler, and the tick loop.
func (e *Engine) Start() error {
	if err := e.opMode.Load(); err != nil {
		return fmt.Errorf("load operation mode: %w", err)
	}
	if err := e.safeMode.Load(); err != nil {
		return fmt.Errorf("load safe mode: %w", err)
	}
	if err := e.failures.Load(); err != nil {
		return fmt.Errorf("load failure count: %w", err)
	}
	if err := e.registry.Load(); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	e.startedAt = time.Now().UTC()
	e.log.Emit(events.ServiceStarted, map[string]any{
		"version":          e.cfg.Service.Version,
		"operation_mode":   string(e.opMode.Current()),
		"safe_mode_active": e.safeMode.Active(),
		"open_positions":   e.registry.Count(),
	})

	e.reconcile(e.ctx)

	if err := e.strategy.Start(e.ctx); err != nil {
		return err
	}
	e.sched.Start()

	e.wg.Add(1)
	go e.run()

	e.logger.Info("engine started",
		"mode", e.opMode.Current(),
		"safe_mode", e.safeMode.Active(),
		"strategy_path", e.cfg.Strategy.Path,
	)
	return nil
}

// Stop winds the engine down: tick intake, the watcher, and the
// scheduler stop; in-flight placements are left to settle on their own,
// startup reconciliation beats split-brain cancels. The caller closes
// the event log after Stop returns.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.strategy.Stop()
	e.sched.Stop()
	e.wg.Wait()
	e.router.Close()

	e.log.Emit(events.ServiceStopped, map[string]any{
		"uptime_seconds": int64(time.Since(e.startedAt).Seconds()),
	})
	e.logger.Info("shutdown complete")
}

// run is the single-writer trading loop. Every order decision happens
// here, so entry and exit evaluation never race each other or the fill
// path.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case fill := <-e.fills:
			e.applyFill(fill)
		case <-e.hub.Ticks():
			// The hub has already cached the snapshot; evaluation reads
			// the full cache because conditions may span assets.
			e.processTick()
		}
	}
}

// processTick runs one full evaluation pass: risk, entries, exits.
func (e *Engine) processTick() {
	e.drainFills()

	equity, gross, err := e.portfolioView(e.ctx)
	if err != nil {
		// Without a balance there is nothing to size or measure; the
		// exit pass below still runs on cached prices.
		e.logger.Warn("portfolio view unavailable, skipping risk and entries", "error", err)
	} else {
		decision := e.riskMgr.Evaluate(equity, gross)
		if decision.SafeMode {
			e.safeMode.Activate(e.ctx, decision.SafeModeReason)
		}
		e.evaluateEntries(e.ctx)
		e.drainFills()
	}

	e.evaluateExits(e.ctx)
	e.drainFills()
}

// drainFills applies every buffered execution. A dispatch earlier in the
// same tick may already have queued fills.
func (e *Engine) drainFills() {
	for {
		select {
		case fill := <-e.fills:
			e.applyFill(fill)
		default:
			return
		}
	}
}

// enqueueFill hands an execution to the tick loop. It never blocks: the
// paper adapter calls this from inside PlaceOrder on the tick goroutine
// itself, and a blocking send there would deadlock the loop.
func (e *Engine) enqueueFill(fill types.Fill) {
	select {
	case e.fills <- fill:
	default:
		e.logger.Error("fill buffer full, dropping execution",
			"exchange_order_id", fill.ExchangeOrderID,
			"asset", fill.Asset,
			"quantity", fill.Quantity,
		)
	}
}

// applyFill folds one execution into the router and registry, then
// re-arms everything that keyed off the old balance.
func (e *Engine) applyFill(fill types.Fill) {
	e.router.ApplyFill(fill)
	e.invalidateBalance()
	e.clearSizingSkips()
}

// eventMode stamps events: "safe" while safe mode is engaged, the
// operation mode otherwise. The nil guards cover emissions during
// wiring, before the state controllers exist.
func (e *Engine) eventMode() types.Mode {
	if e.safeMode != nil && e.safeMode.Active() {
		return types.ModeSafe
	}
	if e.opMode != nil {
		return e.opMode.Current()
	}
	return types.ModePaper
}

// adapterFor resolves the venue serving one operation mode. ModeSafe
// never reaches here: entries are blocked before dispatch and closes run
// under the mode recorded on the position's orders.
func (e *Engine) adapterFor(mode types.Mode) exchange.Adapter {
	if mode == types.ModeLive {
		return e.live
	}
	return e.paper
}

func (e *Engine) currentAdapter() exchange.Adapter {
	return e.adapterFor(e.opMode.Current())
}

// accountBalance returns the venue balance, cached for the configured
// refresh interval so per-tick risk evaluation does not hammer the
// venue. Fills and mode changes invalidate the cache; a zero interval
// disables it.
func (e *Engine) accountBalance(ctx context.Context) (types.Balance, error) {
	e.balanceMu.Lock()
	defer e.balanceMu.Unlock()

	ttl := e.cfg.Engine.BalanceRefreshInterval
	if ttl > 0 && !e.balanceAt.IsZero() && time.Since(e.balanceAt) < ttl {
		return e.balance, nil
	}
	bal, err := e.currentAdapter().GetAccountBalance(ctx)
	if err != nil {
		return types.Balance{}, err
	}
	e.balance = bal
	e.balanceAt = time.Now()
	return bal, nil
}

// availableUSD is the BalanceFunc the sizer runs on.
func (e *Engine) availableUSD(ctx context.Context) (decimal.Decimal, error) {
	bal, err := e.accountBalance(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return bal.AvailableUSD, nil
}

func (e *Engine) invalidateBalance() {
	e.balanceMu.Lock()
	e.balanceAt = time.Time{}
	e.balanceMu.Unlock()
}

// portfolioView computes account equity and gross exposure. Equity is
// available cash plus the signed value of every open position (longs
// add, shorts subtract); gross exposure sums unsigned values. Positions
// on assets without a live snapshot fall back to their last mark, then
// to the entry price.
func (e *Engine) portfolioView(ctx context.Context) (equity, gross decimal.Decimal, err error) {
	bal, err := e.accountBalance(ctx)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	equity = bal.AvailableUSD
	for _, p := range e.registry.OpenPositions() {
		price := p.AverageEntryPrice
		if snap, ok := e.hub.Snapshot(p.Asset); ok {
			price = snap.Mid()
		} else if p.CurrentPrice.IsPositive() {
			price = p.CurrentPrice
		}
		value := p.Quantity.Mul(price)
		gross = gross.Add(value)
		if p.Direction == types.Short {
			equity = equity.Sub(value)
		} else {
			equity = equity.Add(value)
		}
	}
	return equity, gross, nil
}

// onStrategyLoaded applies a freshly compiled document: repoint the
// market subscription, install the portfolio risk limits, and reset the
// per-load dispatch bookkeeping. In-flight close dispatches survive a
// load; the one-close-per-position guarantee outlives the document
// that triggered the close.
func (e *Engine) onStrategyLoaded(c *strategy.Compiled) {
	if err := e.hub.SetAssets(e.ctx, c.Assets()); err != nil {
		e.logger.Error("market resubscribe failed", "assets", c.Assets(), "error", err)
	}
	e.riskMgr.SetLimits(risk.Limits{
		MaxDrawdownPct:      c.Doc.PortfolioRisk.MaxDrawdownPct,
		MaxTotalExposurePct: c.Doc.PortfolioRisk.MaxTotalExposurePct,
		DailyLossLimitUSD:   c.Doc.PortfolioRisk.DailyLossLimitUSD,
	})

	e.mu.Lock()
	swapped := e.lastStrategyID != "" && e.lastStrategyID != c.ID
	e.lastStrategyID = c.ID
	e.dispatched = make(map[string]bool)
	e.skipped = make(map[string]string)
	e.mu.Unlock()

	// A different document invalidates resting entries placed under the
	// old one: their fills would open positions no strategy manages.
	// Reloads of the same document keep resting entries alive.
	if swapped {
		e.router.CancelPendingEntries(e.ctx)
	}
}

func (e *Engine) onStrategyExpired(c *strategy.Compiled) {
	e.router.CancelPendingEntries(e.ctx)
	e.logger.Warn("strategy expired, entries halted", "strategy_id", c.ID)
}

// closeAllPositions cancels every resting entry and market-closes every
// open position. Wired as the safe-mode flattening hook; the per-tick
// exit pass retries anything that fails here.
func (e *Engine) closeAllPositions(ctx context.Context) {
	e.router.CancelPendingEntries(ctx)
	for _, p := range e.registry.OpenPositions() {
		e.dispatchClose(ctx, p, p.Quantity, types.ExitSafeModeClose)
	}
}

// resetDailyBaseline re-bases the daily-loss measurement at UTC
// midnight, lifting any daily-loss suspension.
func (e *Engine) resetDailyBaseline() {
	ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
	defer cancel()

	equity, _, err := e.portfolioView(ctx)
	if err != nil {
		equity = e.riskMgr.Snapshot().Equity
		e.logger.Error("daily baseline reset on last evaluated equity", "error", err)
	}
	e.riskMgr.ResetDailyBaseline(equity)
	e.clearSizingSkips()
}

func (e *Engine) entryDispatched(strategyPositionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatched[strategyPositionID]
}

func (e *Engine) markDispatched(strategyPositionID string) {
	e.mu.Lock()
	e.dispatched[strategyPositionID] = true
	e.mu.Unlock()
}

func (e *Engine) unmarkDispatched(strategyPositionID string) {
	e.mu.Lock()
	delete(e.dispatched, strategyPositionID)
	e.mu.Unlock()
}

// skipEntry emits entry_skipped once per cause: repeated skips of the
// same position for the same reason stay silent until the reason changes
// or the strategy reloads.
func (e *Engine) skipEntry(strategyPositionID, asset, reason string) {
	e.mu.Lock()
	if e.skipped[strategyPositionID] == reason {
		e.mu.Unlock()
		return
	}
	e.skipped[strategyPositionID] = reason
	e.mu.Unlock()

	e.log.Emit(events.EntrySkipped, map[string]any{
		"strategy_position_id": strategyPositionID,
		"asset":                asset,
		"reason":               reason,
	})
}

// clearSkip forgets the last skip for a position so the next skip, if
// any, is narrated again.
func (e *Engine) clearSkip(strategyPositionID string) {
	e.mu.Lock()
	delete(e.skipped, strategyPositionID)
	e.mu.Unlock()
}

func (e *Engine) sizingSkipped(strategyPositionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipped[strategyPositionID] == skipSizing
}

func (e *Engine) latchSizingSkip(strategyPositionID string) {
	e.mu.Lock()
	e.skipped[strategyPositionID] = skipSizing
	e.mu.Unlock()
}

// clearSizingSkips re-arms entries latched out by the sizer after the
// inputs change: a fill moved the balance, the day rolled, or safe mode
// cleared.
func (e *Engine) clearSizingSkips() {
	e.mu.Lock()
	for id, reason := range e.skipped {
		if reason == skipSizing {
			delete(e.skipped, id)
		}
	}
	e.mu.Unlock()
}

// ActivateSafeMode engages the protective flag and flattens the book.
func (e *Engine) ActivateSafeMode(ctx context.Context, reason string) {
	e.safeMode.Activate(ctx, reason)
}

// DeactivateSafeMode clears the protective flag and re-arms the risk
// manager at current equity, so the drawdown latch does not immediately
// re-trigger off the old peak.
func (e *Engine) DeactivateSafeMode(ctx context.Context, note string) {
	if !e.safeMode.Active() {
		return
	}
	e.safeMode.Deactivate(ctx, note)

	equity, _, err := e.portfolioView(ctx)
	if err != nil {
		equity = e.riskMgr.Snapshot().Equity
		e.logger.Error("risk reset on last evaluated equity", "error", err)
	}
	e.riskMgr.Reset(equity)
	e.clearSizingSkips()
}

// SetOperationMode flips paper ↔ live. The balance cache is dropped:
// the two venues do not share an account.
func (e *Engine) SetOperationMode(mode types.Mode, note, operator string) error {
	if err := e.opMode.Set(mode, note, operator); err != nil {
		return err
	}
	e.invalidateBalance()
	return nil
}

// ReloadStrategy forces a strategy file reload outside the watcher.
func (e *Engine) ReloadStrategy() {
	e.strategy.Reload()
}

// Events returns the event log for API access.
func (e *Engine) Events() *events.Log {
	return e.log
}

// Registry returns the position registry for API access.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Strategy returns the strategy service for API access.
func (e *Engine) Strategy() *strategy.Service {
	return e.strategy
}

// SafeMode returns the safe-mode controller for API access.
func (e *Engine) SafeMode() *state.SafeMode {
	return e.safeMode
}

// OperationMode returns the operation-mode controller for API access.
func (e *Engine) OperationMode() *state.OperationMode {
	return e.opMode
}

// Risk returns the risk manager for API access.
func (e *Engine) Risk() *risk.Manager {
	return e.riskMgr
}

// OrderRouter returns the order router for API access.
func (e *Engine) OrderRouter() *router.Router {
	return e.router
}

// Hub returns the market hub for API access.
func (e *Engine) Hub() *market.Hub {
	return e.hub
}

// Failures returns the failure tracker for API access.
func (e *Engine) Failures() *state.FailureTracker {
	return e.failures
}

// StartedAt returns the engine start time, zero before Start.
func (e *Engine) StartedAt() time.Time {
	return e.startedAt
}
