// paper.go implements the simulated venue used in paper mode.
//
// The adapter consumes real market data from any MarketSource and keeps
// everything else local: a cash balance, a net position book per asset,
// and an order table. Market orders fill immediately at mid adjusted by
// slippage; marketable limit orders fill at their limit price;
// non-marketable limit orders rest and fill when a later tick crosses.
// Commission is charged on every fill. The paper venue never rate-limits.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stratexec/pkg/types"
)

// paperOrder is the venue-side order record.
type paperOrder struct {
	ID            string
	ClientOrderID string
	Asset         string
	Side          types.Side
	Type          types.OrderType
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	Status        types.OrderStatus
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	CreatedAt     time.Time
}

// netPosition is the venue's netted view of an asset: signed quantity
// (positive long, negative short) and the volume-weighted entry price.
type netPosition struct {
	Quantity decimal.Decimal
	AvgEntry decimal.Decimal
}

// PaperAdapter simulates order execution against live market data.
type PaperAdapter struct {
	source MarketSource

	slippagePct    decimal.Decimal
	commissionRate decimal.Decimal

	mu        sync.Mutex
	balance   decimal.Decimal
	snapshots map[string]types.MarketSnapshot
	orders    map[string]*paperOrder
	byClient  map[string]string // client order id -> venue order id
	book      map[string]*netPosition

	fillMu sync.Mutex
	fillFn FillFunc

	logger *slog.Logger
}

// NewPaperAdapter creates a simulated venue with the given starting
// balance. source supplies the price stream; pass the live adapter to
// paper-trade against real ticks.
func NewPaperAdapter(initialBalanceUSD, slippagePct, commissionRate float64, source MarketSource, logger *slog.Logger) *PaperAdapter {
	return &PaperAdapter{
		source:         source,
		slippagePct:    decimal.NewFromFloat(slippagePct),
		commissionRate: decimal.NewFromFloat(commissionRate),
		balance:        decimal.NewFromFloat(initialBalanceUSD),
		snapshots:      make(map[string]types.MarketSnapshot),
		orders:         make(map[string]*paperOrder),
		byClient:       make(map[string]string),
		book:           make(map[string]*netPosition),
		logger:         logger.With("component", "paper_exchange"),
	}
}

// SetFillHandler registers the execution callback.
func (a *PaperAdapter) SetFillHandler(fn FillFunc) {
	a.fillMu.Lock()
	a.fillFn = fn
	a.fillMu.Unlock()
}

// IsRateLimited always reports false: the simulated venue has no limits.
func (a *PaperAdapter) IsRateLimited() (bool, time.Time) {
	return false, time.Time{}
}

// SubscribeMarketData subscribes via the underlying source. Every tick is
// cached for fill pricing and checked against resting limit orders before
// it is forwarded to fn.
func (a *PaperAdapter) SubscribeMarketData(ctx context.Context, assets []string, fn SnapshotFunc) error {
	if a.source == nil {
		return fmt.Errorf("paper adapter has no market source")
	}
	return a.source.SubscribeMarketData(ctx, assets, func(snap types.MarketSnapshot) {
		a.onSnapshot(snap)
		if fn != nil {
			fn(snap)
		}
	})
}

// PlaceOrder fills market orders immediately and rests non-marketable
// limit orders. Orders for assets with no cached snapshot are rejected.
func (a *PaperAdapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderAck, error) {
	a.mu.Lock()

	// The venue dedupes client order ids the way a real one would.
	if existingID, ok := a.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		if existing, ok := a.orders[existingID]; ok {
			ack := ackFromOrder(existing)
			a.mu.Unlock()
			return ack, nil
		}
	}

	snap, ok := a.snapshots[req.Asset]
	if !ok {
		a.mu.Unlock()
		return types.OrderAck{}, fmt.Errorf("place %s %s: %w", req.Side, req.Asset, ErrNoMarketData)
	}

	order := &paperOrder{
		ID:            "paper-" + uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Asset:         req.Asset,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		Status:        types.StatusOpen,
		CreatedAt:     time.Now().UTC(),
	}

	var fills []types.Fill
	switch req.Type {
	case types.OrderMarket:
		px := a.slippedPrice(snap, req.Side)
		fill, err := a.executeLocked(order, px, snap.Timestamp)
		if err != nil {
			a.mu.Unlock()
			return types.OrderAck{}, err
		}
		fills = append(fills, fill)

	case types.OrderLimit:
		if req.LimitPrice.IsZero() {
			a.mu.Unlock()
			return types.OrderAck{}, fmt.Errorf("place %s %s: limit order without limit price", req.Side, req.Asset)
		}
		if limitCrossed(snap, req.Side, req.LimitPrice) {
			fill, err := a.executeLocked(order, req.LimitPrice, snap.Timestamp)
			if err != nil {
				a.mu.Unlock()
				return types.OrderAck{}, err
			}
			fills = append(fills, fill)
		}
		// Otherwise the order rests until a tick crosses the limit.

	default:
		a.mu.Unlock()
		return types.OrderAck{}, fmt.Errorf("place %s %s: unsupported order type %q", req.Side, req.Asset, req.Type)
	}

	a.orders[order.ID] = order
	if req.ClientOrderID != "" {
		a.byClient[req.ClientOrderID] = order.ID
	}
	ack := ackFromOrder(order)
	a.mu.Unlock()

	a.emitFills(fills)

	a.logger.Info("paper order placed",
		"order_id", order.ID,
		"asset", req.Asset,
		"side", req.Side,
		"type", req.Type,
		"quantity", req.Quantity,
		"status", ack.Status,
	)
	return ack, nil
}

// CancelOrder cancels a resting order.
func (a *PaperAdapter) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	order, ok := a.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", exchangeOrderID, ErrOrderNotFound)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("cancel %s: order already %s", exchangeOrderID, order.Status)
	}
	order.Status = types.StatusCancelled
	return nil
}

// GetOrderStatus reports the venue-side state of an order.
func (a *PaperAdapter) GetOrderStatus(ctx context.Context, exchangeOrderID string) (types.OrderStatusInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	order, ok := a.orders[exchangeOrderID]
	if !ok {
		return types.OrderStatusInfo{}, fmt.Errorf("status %s: %w", exchangeOrderID, ErrOrderNotFound)
	}
	return types.OrderStatusInfo{
		ExchangeOrderID: order.ID,
		Status:          order.Status,
		FilledQuantity:  order.FilledQty,
		AvgFillPrice:    order.AvgFillPrice,
	}, nil
}

// GetAccountBalance returns simulated cash plus net asset holdings.
func (a *PaperAdapter) GetAccountBalance(ctx context.Context) (types.Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	assets := make(map[string]decimal.Decimal, len(a.book))
	for asset, pos := range a.book {
		assets[asset] = pos.Quantity
	}
	return types.Balance{
		AvailableUSD: a.balance,
		Assets:       assets,
		Timestamp:    time.Now().UTC(),
	}, nil
}

// GetOpenPositions reports the netted book, one entry per asset.
func (a *PaperAdapter) GetOpenPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.ExchangePosition, 0, len(a.book))
	for asset, pos := range a.book {
		if pos.Quantity.IsZero() {
			continue
		}
		dir := types.Long
		qty := pos.Quantity
		if qty.IsNegative() {
			dir = types.Short
			qty = qty.Neg()
		}
		out = append(out, types.ExchangePosition{
			Asset:         asset,
			Direction:     dir,
			Quantity:      qty,
			AvgEntryPrice: pos.AvgEntry,
		})
	}
	return out, nil
}

// ———————————————————————————————————————————————————————————————————————
// Simulation internals
// ———————————————————————————————————————————————————————————————————————

// onSnapshot caches the tick and fills any resting limit orders it
// crosses. Fill callbacks fire after the lock is released so the handler
// may call back into the adapter.
func (a *PaperAdapter) onSnapshot(snap types.MarketSnapshot) {
	a.mu.Lock()
	a.snapshots[snap.Asset] = snap

	var fills []types.Fill
	for _, order := range a.orders {
		if order.Asset != snap.Asset || order.Type != types.OrderLimit {
			continue
		}
		if order.Status != types.StatusOpen && order.Status != types.StatusPending {
			continue
		}
		if !limitCrossed(snap, order.Side, order.LimitPrice) {
			continue
		}
		fill, err := a.executeLocked(order, order.LimitPrice, snap.Timestamp)
		if err != nil {
			a.logger.Warn("resting order fill failed", "order_id", order.ID, "error", err)
			continue
		}
		fills = append(fills, fill)
	}
	a.mu.Unlock()

	a.emitFills(fills)
}

// executeLocked fills the whole order at px, updating balance and the net
// book. Caller holds a.mu.
func (a *PaperAdapter) executeLocked(order *paperOrder, px decimal.Decimal, ts time.Time) (types.Fill, error) {
	notional := order.Quantity.Mul(px)
	commission := notional.Mul(a.commissionRate)

	if order.Side == types.BUY {
		cost := notional.Add(commission)
		if cost.GreaterThan(a.balance) {
			order.Status = types.StatusRejected
			return types.Fill{}, fmt.Errorf("fill %s: insufficient funds: need %s, have %s",
				order.ID, cost.StringFixed(2), a.balance.StringFixed(2))
		}
		a.balance = a.balance.Sub(cost)
	} else {
		a.balance = a.balance.Add(notional.Sub(commission))
	}

	a.applyToBook(order.Asset, order.Side, order.Quantity, px)

	order.Status = types.StatusFilled
	order.FilledQty = order.Quantity
	order.AvgFillPrice = px

	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return types.Fill{
		ExchangeOrderID: order.ID,
		Asset:           order.Asset,
		Side:            order.Side,
		Quantity:        order.Quantity,
		Price:           px,
		Commission:      commission,
		Timestamp:       ts,
	}, nil
}

// applyToBook nets the fill into the per-asset position. Increasing the
// position VWAPs the entry; reducing keeps it; flipping through zero
// restarts it at the fill price.
func (a *PaperAdapter) applyToBook(asset string, side types.Side, qty, px decimal.Decimal) {
	delta := qty
	if side == types.SELL {
		delta = qty.Neg()
	}

	pos, ok := a.book[asset]
	if !ok {
		a.book[asset] = &netPosition{Quantity: delta, AvgEntry: px}
		return
	}

	newQty := pos.Quantity.Add(delta)
	switch {
	case newQty.IsZero():
		delete(a.book, asset)
	case pos.Quantity.Sign() == delta.Sign():
		// Same direction: volume-weighted entry over the combined size.
		prev := pos.Quantity.Abs().Mul(pos.AvgEntry)
		add := qty.Mul(px)
		pos.AvgEntry = prev.Add(add).Div(newQty.Abs())
		pos.Quantity = newQty
	case newQty.Sign() == pos.Quantity.Sign():
		// Partial reduce: entry price unchanged.
		pos.Quantity = newQty
	default:
		// Flipped through zero.
		pos.Quantity = newQty
		pos.AvgEntry = px
	}
}

// slippedPrice prices a market order off mid: buys pay up, sells give up.
func (a *PaperAdapter) slippedPrice(snap types.MarketSnapshot, side types.Side) decimal.Decimal {
	mid := snap.Mid()
	if side == types.BUY {
		return mid.Mul(decimal.NewFromInt(1).Add(a.slippagePct))
	}
	return mid.Mul(decimal.NewFromInt(1).Sub(a.slippagePct))
}

func (a *PaperAdapter) emitFills(fills []types.Fill) {
	if len(fills) == 0 {
		return
	}
	a.fillMu.Lock()
	fn := a.fillFn
	a.fillMu.Unlock()
	if fn == nil {
		a.logger.Warn("fills with no handler registered", "count", len(fills))
		return
	}
	for _, fill := range fills {
		fn(fill)
	}
}

// limitCrossed reports whether the book satisfies the limit: buys need
// the ask at or under the limit, sells need the bid at or over it.
func limitCrossed(snap types.MarketSnapshot, side types.Side, limit decimal.Decimal) bool {
	if side == types.BUY {
		return snap.Ask.LessThanOrEqual(limit)
	}
	return snap.Bid.GreaterThanOrEqual(limit)
}

func ackFromOrder(order *paperOrder) types.OrderAck {
	return types.OrderAck{
		ExchangeOrderID: order.ID,
		Status:          order.Status,
		FilledQuantity:  order.FilledQty,
		AvgFillPrice:    order.AvgFillPrice,
		Timestamp:       time.Now().UTC(),
	}
}
