package engine

import (
	"context"
	"errors"

	"stratexec/internal/condition"
	"stratexec/internal/events"
	"stratexec/internal/router"
	"stratexec/internal/strategy"
	"stratexec/pkg/types"
)

// triggerState is the outcome of one entry trigger check. Unknown means
// a referenced indicator or asset has no data yet; the entry is skipped
// with a narrated reason rather than treated as not-triggered.
type triggerState int

const (
	triggerNo triggerState = iota
	triggerYes
	triggerUnknown
)

// evaluateEntries runs the entry side of one tick. Each intended
// position dispatches at most one entry order per strategy load; the
// trigger check runs before the safe-mode and risk gates so stateful
// crossing conditions keep seeing every tick while entries are
// suspended.
func (e *Engine) evaluateEntries(ctx context.Context) {
	compiled := e.strategy.Active()
	if compiled == nil || !e.strategy.EntriesAllowed() {
		return
	}
	switch compiled.Doc.Posture {
	case types.PostureFlat, types.PostureExitAll:
		return
	}
	if inBackoff, _ := e.router.InBackoff(); inBackoff {
		return
	}

	snaps := e.hub.AllSnapshots()

	for _, cp := range compiled.Positions {
		spec := cp.Spec
		if e.entryDispatched(spec.ID) {
			continue
		}
		if _, open := e.registry.FindByStrategyPosition(spec.ID); open {
			continue
		}
		snap, ok := snaps[spec.Asset]
		if !ok {
			continue
		}

		switch e.entryTrigger(cp, snap, snaps) {
		case triggerNo:
			continue
		case triggerUnknown:
			e.skipEntry(spec.ID, spec.Asset, "indicator_not_ready")
			continue
		}

		if e.safeMode.Active() {
			e.skipEntry(spec.ID, spec.Asset, "safe_mode_active")
			continue
		}
		if !e.riskMgr.EntriesAllowed() {
			e.skipEntry(spec.ID, spec.Asset, "entries_suspended_"+e.riskMgr.SuspendReason())
			continue
		}
		if e.sizingSkipped(spec.ID) {
			// The sizer already narrated this skip; stay quiet until a
			// fill, the daily reset, or a reload changes its inputs.
			continue
		}

		price := snap.Mid()
		if spec.EntryType == types.EntryLimit {
			price = spec.EntryLimitPrice
		}
		qty, ok := e.sizer.Calculate(ctx, spec.ID, spec.Asset, spec.AllocationPct, compiled.Doc.PortfolioRisk.MaxPerPositionPct, price)
		if !ok {
			e.latchSizingSkip(spec.ID)
			continue
		}

		e.clearSkip(spec.ID)
		e.markDispatched(spec.ID)
		e.log.Emit(events.EntryTriggered, map[string]any{
			"strategy_position_id": spec.ID,
			"strategy_id":          compiled.ID,
			"asset":                spec.Asset,
			"direction":            string(spec.Direction),
			"entry_type":           string(spec.EntryType),
			"quantity":             qty.String(),
			"price":                price.String(),
		})

		_, err := e.router.PlaceEntryOrder(ctx, router.EntryRequest{
			StrategyPositionID: spec.ID,
			StrategyID:         compiled.ID,
			Asset:              spec.Asset,
			Direction:          spec.Direction,
			Type:               orderTypeFor(spec.EntryType),
			Quantity:           qty,
			LimitPrice:         spec.EntryLimitPrice,
		})
		if errors.Is(err, router.ErrRateLimited) {
			// Cool-down, not failure: free the slot so the entry retries
			// after the backoff, and stop dispatching this pass.
			e.unmarkDispatched(spec.ID)
			return
		}
		if err != nil {
			// The router recorded the failure; the dispatch slot stays
			// consumed so a broken entry does not retry every tick.
			e.logger.Error("entry dispatch failed",
				"strategy_position_id", spec.ID,
				"asset", spec.Asset,
				"error", err,
			)
		}
	}
}

// entryTrigger decides whether one intended position wants in at the
// current prices. Limit entries arm when the book reaches the limit
// (long: bid at or below, short: ask at or above); the venue still
// decides the actual fill.
func (e *Engine) entryTrigger(cp *strategy.CompiledPosition, snap types.MarketSnapshot, snaps map[string]types.MarketSnapshot) triggerState {
	spec := cp.Spec
	switch spec.EntryType {
	case types.EntryMarket:
		return triggerYes
	case types.EntryLimit:
		if spec.Direction == types.Short {
			if snap.Ask.GreaterThanOrEqual(spec.EntryLimitPrice) {
				return triggerYes
			}
			return triggerNo
		}
		if snap.Bid.LessThanOrEqual(spec.EntryLimitPrice) {
			return triggerYes
		}
		return triggerNo
	case types.EntryConditional:
		switch cp.Entry.Evaluate(snaps) {
		case condition.True:
			return triggerYes
		case condition.Unknown:
			return triggerUnknown
		}
		return triggerNo
	}
	return triggerNo
}

// orderTypeFor maps an entry type to the venue order type. Conditional
// entries go out as market orders: the condition already decided the
// moment.
func orderTypeFor(t types.EntryType) types.OrderType {
	if t == types.EntryLimit {
		return types.OrderLimit
	}
	return types.OrderMarket
}
