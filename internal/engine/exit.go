package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"stratexec/internal/condition"
	"stratexec/internal/events"
	"stratexec/internal/registry"
	"stratexec/internal/router"
	"stratexec/internal/strategy"
	"stratexec/pkg/types"
)

// takeProfitEpsilon absorbs close_pct rounding: a ladder summing to
// 0.999999999 or better on its last rung closes the full position
// instead of stranding dust.
var takeProfitEpsilon = decimal.New(1, -9)

// evaluateExits runs the exit side of one tick. Exits always run, even
// in safe mode and during risk suspensions: protective closes are the
// one thing no gate may block.
func (e *Engine) evaluateExits(ctx context.Context) {
	e.pruneCloseDispatches()

	positions := e.registry.OpenPositions()
	if len(positions) == 0 {
		return
	}

	compiled := e.strategy.Active()
	snaps := e.hub.AllSnapshots()

	// A flatten overrides every per-position rule.
	var flattenReason types.ExitReason
	switch {
	case e.safeMode.Active():
		flattenReason = types.ExitSafeModeClose
	case compiled == nil || compiled.Doc.Posture == types.PostureExitAll:
		flattenReason = types.ExitAll
	}

	for _, p := range positions {
		snap, hasSnap := snaps[p.Asset]
		if hasSnap {
			e.registry.UpdateUnrealized(p.ID, snap.Mid())
		}

		if flattenReason != "" {
			e.dispatchClose(ctx, p, p.Quantity, flattenReason)
			continue
		}
		if !hasSnap {
			continue
		}

		cp, managed := compiled.Position(p.StrategyPositionID)
		if !managed {
			// Reconciled or externally opened: marks only, closes are
			// the operator's call until a flatten covers them.
			continue
		}
		e.evaluatePositionExit(ctx, p, cp, snap, snaps)
	}
}

// evaluatePositionExit checks one managed position's exit rules in
// priority order: hard stop, trailing stop, time exit, invalidation,
// take-profit ladder. The first rule that fires dispatches and returns;
// remaining rules wait for the next tick.
func (e *Engine) evaluatePositionExit(ctx context.Context, p registry.OpenPosition, cp *strategy.CompiledPosition, snap types.MarketSnapshot, snaps map[string]types.MarketSnapshot) {
	spec := cp.Spec
	mid := snap.Mid()

	// Ratchet the trailing level first: the tightened level applies to
	// this very tick.
	trailPrice := e.ratchetTrailing(p, spec, snap)

	if spec.StopLoss != nil && spec.StopLoss.Type == strategy.StopHard {
		if stopHit(p.Direction, mid, spec.StopLoss.Price) {
			e.dispatchClose(ctx, p, p.Quantity, types.ExitStopLossHard)
			return
		}
	}
	if trailPrice != nil && stopHit(p.Direction, mid, *trailPrice) {
		e.dispatchClose(ctx, p, p.Quantity, types.ExitStopLossTrailing)
		return
	}
	if t := spec.TimeExitUTC; t != nil && !time.Now().UTC().Before(*t) {
		e.dispatchClose(ctx, p, p.Quantity, types.ExitTimeExit)
		return
	}
	if cp.Invalidation != nil && cp.Invalidation.Evaluate(snaps) == condition.True {
		e.dispatchClose(ctx, p, p.Quantity, types.ExitInvalidation)
		return
	}

	e.evaluateTakeProfits(ctx, p, spec, mid)
}

// ratchetTrailing advances a trailing stop to follow favorable price
// movement and returns the level in force, nil when the position has no
// trailing stop. The level only ever tightens.
func (e *Engine) ratchetTrailing(p registry.OpenPosition, spec strategy.PositionSpec, snap types.MarketSnapshot) *decimal.Decimal {
	if spec.StopLoss == nil || spec.StopLoss.Type != strategy.StopTrailing {
		return nil
	}

	one := decimal.NewFromInt(1)
	var candidate decimal.Decimal
	if p.Direction == types.Short {
		candidate = snap.Ask.Mul(one.Add(spec.StopLoss.TrailPct))
	} else {
		candidate = snap.Bid.Mul(one.Sub(spec.StopLoss.TrailPct))
	}

	level := candidate
	if p.TrailingStopPrice != nil {
		prev := *p.TrailingStopPrice
		if p.Direction == types.Short {
			level = decimal.Min(prev, candidate)
		} else {
			level = decimal.Max(prev, candidate)
		}
		if level.Equal(prev) {
			return &prev
		}
	}

	if err := e.registry.SetTrailingStop(p.ID, level); err != nil {
		e.logger.Error("persist trailing stop", "position_id", p.ID, "error", err)
	}
	return &level
}

// stopHit reports whether mid has crossed a protective stop. A
// non-positive stop never fires.
func stopHit(direction types.Direction, mid, stop decimal.Decimal) bool {
	if !stop.IsPositive() {
		return false
	}
	if direction == types.Short {
		return mid.GreaterThanOrEqual(stop)
	}
	return mid.LessThanOrEqual(stop)
}

// evaluateTakeProfits walks the ladder in order and fires at most one
// target per tick. Target i gates target i+1: a gap past several rungs
// still realizes them one tick at a time, each at current prices.
func (e *Engine) evaluateTakeProfits(ctx context.Context, p registry.OpenPosition, spec strategy.PositionSpec, mid decimal.Decimal) {
	if len(spec.TakeProfitTargets) == 0 {
		return
	}

	hit := make(map[int]bool, len(p.TakeProfitTargetsHit))
	closedPct := decimal.Decimal{}
	for _, idx := range p.TakeProfitTargetsHit {
		hit[idx] = true
		if idx < len(spec.TakeProfitTargets) {
			closedPct = closedPct.Add(spec.TakeProfitTargets[idx].ClosePct)
		}
	}

	one := decimal.NewFromInt(1)
	for idx, tgt := range spec.TakeProfitTargets {
		if hit[idx] {
			continue
		}
		if !targetReached(p.Direction, mid, tgt.Price) {
			return
		}

		// Remaining quantity already reflects earlier rungs, so scale
		// this rung's share of the original size up by what is left.
		closeQty := p.Quantity
		cumulative := closedPct.Add(tgt.ClosePct)
		if cumulative.LessThan(one.Sub(takeProfitEpsilon)) {
			remaining := one.Sub(closedPct)
			closeQty = p.Quantity.Mul(tgt.ClosePct).Div(remaining)
			closeQty = decimal.Min(closeQty, p.Quantity)
		}

		if e.dispatchClose(ctx, p, closeQty, types.TakeProfitReason(idx)) {
			if err := e.registry.MarkTargetHit(p.ID, idx); err != nil {
				e.logger.Error("mark take-profit target", "position_id", p.ID, "target", idx, "error", err)
			}
		}
		return
	}
}

// targetReached reports whether mid has reached a take-profit level.
func targetReached(direction types.Direction, mid, target decimal.Decimal) bool {
	if direction == types.Short {
		return mid.LessThanOrEqual(target)
	}
	return mid.GreaterThanOrEqual(target)
}

// dispatchClose sends a reducing order for qty of position p, at most
// one in flight per position. Returns true when the order went out.
func (e *Engine) dispatchClose(ctx context.Context, p registry.OpenPosition, qty decimal.Decimal, reason types.ExitReason) bool {
	if !qty.IsPositive() {
		return false
	}
	if inBackoff, _ := e.router.InBackoff(); inBackoff {
		return false
	}

	e.mu.Lock()
	if _, inflight := e.closeDispatch[p.ID]; inflight {
		e.mu.Unlock()
		return false
	}
	e.closeDispatch[p.ID] = ""
	e.mu.Unlock()

	e.log.Emit(events.ExitTriggered, map[string]any{
		"position_id":          p.ID,
		"strategy_position_id": p.StrategyPositionID,
		"asset":                p.Asset,
		"direction":            string(p.Direction),
		"quantity":             qty.String(),
		"reason":               string(reason),
	})

	rec, err := e.router.PlaceExitOrder(ctx, router.ExitRequest{
		PositionID:         p.ID,
		StrategyPositionID: p.StrategyPositionID,
		StrategyID:         p.StrategyID,
		Asset:              p.Asset,
		Direction:          p.Direction,
		Quantity:           qty,
		Reason:             reason,
	})
	if err != nil {
		e.mu.Lock()
		delete(e.closeDispatch, p.ID)
		e.mu.Unlock()
		if !errors.Is(err, router.ErrRateLimited) {
			e.logger.Error("exit dispatch failed",
				"position_id", p.ID,
				"asset", p.Asset,
				"reason", reason,
				"error", err,
			)
		}
		return false
	}

	e.mu.Lock()
	e.closeDispatch[p.ID] = rec.InternalID
	e.mu.Unlock()
	return true
}

// pruneCloseDispatches frees the close slots of orders that reached a
// terminal state, so partially filled or rejected closes can redispatch.
func (e *Engine) pruneCloseDispatches() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for positionID, orderID := range e.closeDispatch {
		if orderID == "" {
			// Reservation made moments ago on this goroutine; keep it.
			continue
		}
		rec, ok := e.router.Order(orderID)
		if !ok || rec.Status.Terminal() {
			delete(e.closeDispatch, positionID)
		}
	}
}
