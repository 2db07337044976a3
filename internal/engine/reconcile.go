package engine

import (
	"context"
	"fmt"

	"stratexec/internal/events"
	"stratexec/internal/registry"
	"stratexec/pkg/types"
)

// reconcile aligns the registry with the venue's view of open positions
// at startup. Positions only the registry knows are closed at their
// entry price; positions only the venue knows are adopted so exits and
// flattens can reach them. Matching is by (asset, direction): the venue
// has no notion of our position ids.
func (e *Engine) reconcile(ctx context.Context) {
	if e.safeMode.Active() {
		// Safe mode means the last run ended badly; adopting or closing
		// positions now would race the operator's cleanup.
		e.logger.Warn("reconciliation skipped, safe mode active")
		e.log.Emit(events.ReconciliationSummary, map[string]any{
			"status": "skipped",
			"reason": "safe_mode_active",
		})
		return
	}

	venuePositions, err := e.currentAdapter().GetOpenPositions(ctx)
	if err != nil {
		e.logger.Error("reconciliation fetch failed", "error", err)
		e.log.Emit(events.ReconciliationSummary, map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	type key struct {
		asset string
		dir   types.Direction
	}
	venue := make(map[key]types.ExchangePosition, len(venuePositions))
	for _, vp := range venuePositions {
		venue[key{vp.Asset, vp.Direction}] = vp
	}

	var matched, orphanedClosed, unknownAdded int

	registryKeys := make(map[key]bool)
	for _, p := range e.registry.OpenPositions() {
		k := key{p.Asset, p.Direction}
		registryKeys[k] = true
		if _, held := venue[k]; held {
			matched++
			continue
		}
		// Gone on the venue: close at the entry price, realized P&L
		// zero. Whatever actually happened to it is not in our books.
		if _, err := e.registry.Close(p.ID, p.Quantity, p.AverageEntryPrice, types.ExitReconciledGone); err != nil {
			e.logger.Error("close orphaned position", "position_id", p.ID, "error", err)
			continue
		}
		orphanedClosed++
	}

	for k, vp := range venue {
		if registryKeys[k] {
			continue
		}
		p, err := e.registry.Upsert(registry.OpenPosition{
			StrategyPositionID: fmt.Sprintf("reconciled_%s_%s", vp.Asset, vp.Direction),
			Asset:              vp.Asset,
			Direction:          vp.Direction,
			Quantity:           vp.Quantity,
			AverageEntryPrice:  vp.AvgEntryPrice,
			Origin:             types.OriginReconciled,
		})
		if err != nil {
			e.logger.Error("adopt venue position", "asset", vp.Asset, "direction", vp.Direction, "error", err)
			continue
		}
		e.log.Emit(events.PositionReconciled, map[string]any{
			"position_id":          p.ID,
			"strategy_position_id": p.StrategyPositionID,
			"asset":                p.Asset,
			"direction":            string(p.Direction),
			"quantity":             p.Quantity.String(),
			"avg_entry_price":      p.AverageEntryPrice.String(),
		})
		unknownAdded++
	}

	e.logger.Info("reconciliation complete",
		"matched", matched,
		"orphaned_closed", orphanedClosed,
		"unknown_added", unknownAdded,
	)
	e.log.Emit(events.ReconciliationSummary, map[string]any{
		"status":          "ok",
		"matched":         matched,
		"orphaned_closed": orphanedClosed,
		"unknown_added":   unknownAdded,
	})
}
