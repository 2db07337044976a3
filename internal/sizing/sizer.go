// Package sizing converts a strategy allocation into an order quantity.
//
// The sizer owns the only place quantity is derived from capital:
// effective percentage (allocation capped by the per-position limit) of
// the available balance, divided by price, floored to the asset's lot
// increment. Quantities that round to less than the minimum lot are not
// dispatched at all — a dust order would be rejected by the venue and
// burn a failure-tracker slot for nothing.
package sizing

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"stratexec/internal/config"
	"stratexec/internal/events"
)

// BalanceFunc reports the available USD balance. The engine wires this
// to its cached adapter balance so per-tick sizing does not hammer the
// venue.
type BalanceFunc func(ctx context.Context) (decimal.Decimal, error)

// lotSpec is the rounding rule for one asset.
type lotSpec struct {
	increment decimal.Decimal
	min       decimal.Decimal
}

// Sizer computes lot-rounded order quantities.
type Sizer struct {
	balanceFn  BalanceFunc
	defaultInc decimal.Decimal
	assets     map[string]lotSpec
	log        *events.Log
	logger     *slog.Logger
}

// New creates a sizer from sizing config. Float config values convert
// to decimals once, here.
func New(cfg config.SizingConfig, balanceFn BalanceFunc, log *events.Log, logger *slog.Logger) *Sizer {
	assets := make(map[string]lotSpec, len(cfg.Assets))
	for _, a := range cfg.Assets {
		spec := lotSpec{
			increment: decimal.NewFromFloat(a.LotIncrement),
			min:       decimal.NewFromFloat(a.MinQuantity),
		}
		assets[a.Asset] = spec
	}
	return &Sizer{
		balanceFn:  balanceFn,
		defaultInc: decimal.NewFromFloat(cfg.DefaultLotIncrement),
		assets:     assets,
		log:        log,
		logger:     logger.With("component", "sizing"),
	}
}

// Calculate returns the order quantity for one entry, or ok=false when
// the entry should be skipped (no capital, or the rounded quantity is
// below the minimum lot). Skips emit entry_skipped with the reason.
func (s *Sizer) Calculate(ctx context.Context, strategyPositionID, asset string, allocationPct, maxPerPositionPct, price decimal.Decimal) (decimal.Decimal, bool) {
	if !price.IsPositive() {
		s.logger.Error("sizing with non-positive price", "asset", asset, "price", price)
		return decimal.Decimal{}, false
	}

	available, err := s.balanceFn(ctx)
	if err != nil {
		s.logger.Error("fetch balance for sizing", "asset", asset, "error", err)
		s.skip(strategyPositionID, asset, "balance_unavailable", nil)
		return decimal.Decimal{}, false
	}
	if !available.IsPositive() {
		s.skip(strategyPositionID, asset, "no_available_capital", map[string]any{
			"available_usd": available.String(),
		})
		return decimal.Decimal{}, false
	}

	effective := decimal.Min(allocationPct, maxPerPositionPct)
	notional := available.Mul(effective)
	raw := notional.Div(price)

	inc, minQty := s.lot(asset)
	qty := raw.Sub(raw.Mod(inc)) // floor to the lot increment

	if qty.LessThan(minQty) {
		s.skip(strategyPositionID, asset, "below_minimum_lot_size", map[string]any{
			"raw_quantity": raw.String(),
			"rounded":      qty.String(),
			"minimum":      minQty.String(),
		})
		return decimal.Decimal{}, false
	}
	return qty, true
}

// lot returns the increment and minimum for an asset. Assets without an
// override use the default increment, which doubles as the minimum.
func (s *Sizer) lot(asset string) (inc, min decimal.Decimal) {
	if spec, ok := s.assets[asset]; ok {
		inc, min = spec.increment, spec.min
		if !inc.IsPositive() {
			inc = s.defaultInc
		}
		if !min.IsPositive() {
			min = inc
		}
		return inc, min
	}
	return s.defaultInc, s.defaultInc
}

func (s *Sizer) skip(strategyPositionID, asset, reason string, extra map[string]any) {
	data := map[string]any{
		"strategy_position_id": strategyPositionID,
		"asset":                asset,
		"reason":               reason,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.logger.Info("entry skipped by sizer", "strategy_position_id", strategyPositionID, "asset", asset, "reason", reason)
	s.log.Emit(events.EntrySkipped, data)
}
