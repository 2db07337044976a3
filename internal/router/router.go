// Package router owns the order lifecycle between the evaluators and the
// exchange adapter.
//
// Every dispatched order gets an OrderRecord keyed by a minted internal
// id; the exchange order id maps back to it when fills arrive. The router
// is the idempotency boundary: a strategy position with a non-terminal
// entry order never dispatches a second one, and a venue rate-limit
// suspends all placements until the resume time with a single
// backoff-started/ended event pair.
//
// Placement results feed the failure tracker (success resets the streak,
// rejection extends it) with two carve-outs: rate limits are a cool-down,
// not a failure, and authentication errors additionally trigger safe mode
// through the registered callback.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stratexec/internal/events"
	"stratexec/internal/exchange"
	"stratexec/internal/registry"
	"stratexec/internal/state"
	"stratexec/pkg/types"
)

// ErrRateLimited is returned when a placement was skipped (not rejected)
// because the venue has us in a cool-down. The caller may retry after the
// backoff ends; nothing reached the venue.
var ErrRateLimited = errors.New("router: placement suspended by rate-limit backoff")

// OrderRecord is the router's view of one dispatched order.
type OrderRecord struct {
	InternalID         string            `json:"internal_id"`
	ExchangeOrderID    string            `json:"exchange_order_id,omitempty"`
	StrategyPositionID string            `json:"strategy_position_id,omitempty"`
	StrategyID         string            `json:"strategy_id,omitempty"`
	PositionID         string            `json:"position_id,omitempty"` // exits: the registry position being closed
	Mode               types.Mode        `json:"mode"`
	Asset              string            `json:"asset"`
	Direction          types.Direction   `json:"direction"`
	Side               types.Side        `json:"side"`
	Type               types.OrderType   `json:"type"`
	Quantity           decimal.Decimal   `json:"quantity"`
	LimitPrice         decimal.Decimal   `json:"limit_price,omitempty"`
	Status             types.OrderStatus `json:"status"`
	FilledQuantity     decimal.Decimal   `json:"filled_quantity"`
	AvgFillPrice       decimal.Decimal   `json:"avg_fill_price"`
	IsExit             bool              `json:"is_exit"`
	ExitReason         types.ExitReason  `json:"exit_reason,omitempty"`
	RejectionReason    string            `json:"rejection_reason,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// EntryRequest describes one entry dispatch from the entry evaluator.
type EntryRequest struct {
	StrategyPositionID string
	StrategyID         string
	Asset              string
	Direction          types.Direction
	Type               types.OrderType
	Quantity           decimal.Decimal
	LimitPrice         decimal.Decimal // zero for market entries
}

// ExitRequest describes one close dispatch from the exit evaluator. Exits
// are always market orders.
type ExitRequest struct {
	PositionID         string
	StrategyPositionID string
	StrategyID         string
	Asset              string
	Direction          types.Direction
	Quantity           decimal.Decimal
	Reason             types.ExitReason
}

// AdapterFunc resolves the adapter for one operation mode. New orders
// bind to the mode active at dispatch and keep it for their whole
// lifecycle: a record placed in paper is cancelled and queried in paper
// even if the operator flips to live in between.
type AdapterFunc func(types.Mode) exchange.Adapter

// ModeFunc reports the current operation mode.
type ModeFunc func() types.Mode

// Router dispatches orders and folds fills back into the registry.
type Router struct {
	adapterFor AdapterFunc
	modeFn     ModeFunc
	registry   *registry.Registry
	failures   *state.FailureTracker
	log        *events.Log
	logger     *slog.Logger

	onAuthFailure func(reason string)

	mu         sync.Mutex
	orders     map[string]*OrderRecord // internal id -> record
	byExchange map[string]string       // exchange order id -> internal id

	backoffActive bool
	backoffUntil  time.Time
	backoffTimer  *time.Timer
}

// New creates a router. adapterFor must return the adapter serving each
// operation mode; modeFn reports the mode new dispatches bind to.
func New(adapterFor AdapterFunc, modeFn ModeFunc, reg *registry.Registry, failures *state.FailureTracker, log *events.Log, logger *slog.Logger) *Router {
	return &Router{
		adapterFor: adapterFor,
		modeFn:     modeFn,
		registry:   reg,
		failures:   failures,
		log:        log,
		logger:     logger.With("component", "router"),
		orders:     make(map[string]*OrderRecord),
		byExchange: make(map[string]string),
	}
}

// SetOnAuthFailure registers the callback fired when the venue rejects
// our credentials. Wired to safe-mode activation before the service
// starts taking ticks.
func (r *Router) SetOnAuthFailure(fn func(reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAuthFailure = fn
}

// Close stops the backoff timer.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backoffTimer != nil {
		r.backoffTimer.Stop()
		r.backoffTimer = nil
	}
}

// PlaceEntryOrder dispatches one entry. Returns (nil, nil) when an order
// for the same strategy position is already in flight — the duplicate is
// dropped without touching the adapter. Returns ErrRateLimited when the
// venue cool-down suspended the placement; the caller may retry after it
// ends.
func (r *Router) PlaceEntryOrder(ctx context.Context, req EntryRequest) (*OrderRecord, error) {
	r.mu.Lock()
	for _, rec := range r.orders {
		if !rec.IsExit && rec.StrategyPositionID == req.StrategyPositionID && !rec.Status.Terminal() {
			r.mu.Unlock()
			r.logger.Debug("duplicate entry dispatch dropped",
				"strategy_position_id", req.StrategyPositionID,
				"in_flight", rec.InternalID,
			)
			return nil, nil
		}
	}
	r.mu.Unlock()

	mode := r.modeFn()
	adapter := r.adapterFor(mode)
	if limited, resumeAt := adapter.IsRateLimited(); limited {
		r.startBackoff(resumeAt)
		return nil, ErrRateLimited
	}

	now := time.Now().UTC()
	rec := &OrderRecord{
		InternalID:         uuid.NewString(),
		StrategyPositionID: req.StrategyPositionID,
		StrategyID:         req.StrategyID,
		Mode:               mode,
		Asset:              req.Asset,
		Direction:          req.Direction,
		Side:               req.Direction.EntrySide(),
		Type:               req.Type,
		Quantity:           req.Quantity,
		LimitPrice:         req.LimitPrice,
		Status:             types.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	r.mu.Lock()
	r.orders[rec.InternalID] = rec
	r.mu.Unlock()

	if err := r.submit(ctx, adapter, rec); err != nil {
		return nil, err
	}
	out := r.snapshotRecord(rec.InternalID)
	return &out, nil
}

// PlaceExitOrder dispatches a market close for part or all of a registry
// position. The exit reason travels with the record and is applied when
// the fill closes the position.
func (r *Router) PlaceExitOrder(ctx context.Context, req ExitRequest) (*OrderRecord, error) {
	mode := r.modeFn()
	adapter := r.adapterFor(mode)
	if limited, resumeAt := adapter.IsRateLimited(); limited {
		r.startBackoff(resumeAt)
		return nil, ErrRateLimited
	}

	now := time.Now().UTC()
	rec := &OrderRecord{
		InternalID:         uuid.NewString(),
		StrategyPositionID: req.StrategyPositionID,
		StrategyID:         req.StrategyID,
		PositionID:         req.PositionID,
		Mode:               mode,
		Asset:              req.Asset,
		Direction:          req.Direction,
		Side:               req.Direction.ExitSide(),
		Type:               types.OrderMarket,
		Quantity:           req.Quantity,
		Status:             types.StatusPending,
		IsExit:             true,
		ExitReason:         req.Reason,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	r.mu.Lock()
	r.orders[rec.InternalID] = rec
	r.mu.Unlock()

	if err := r.submit(ctx, adapter, rec); err != nil {
		return nil, err
	}
	out := r.snapshotRecord(rec.InternalID)
	return &out, nil
}

// submit sends the record to the venue and settles its immediate fate:
// acked, rejected, or withdrawn under a rate limit.
func (r *Router) submit(ctx context.Context, adapter exchange.Adapter, rec *OrderRecord) error {
	ack, err := adapter.PlaceOrder(ctx, types.OrderRequest{
		ClientOrderID: rec.InternalID,
		Asset:         rec.Asset,
		Side:          rec.Side,
		Type:          rec.Type,
		Quantity:      rec.Quantity,
		LimitPrice:    rec.LimitPrice,
	})
	if err != nil {
		return r.placementFailed(rec, err)
	}

	r.mu.Lock()
	rec.ExchangeOrderID = ack.ExchangeOrderID
	rec.Status = types.StatusOpen
	rec.UpdatedAt = time.Now().UTC()
	r.byExchange[ack.ExchangeOrderID] = rec.InternalID
	r.mu.Unlock()

	r.logger.Info("order placed",
		"internal_id", rec.InternalID,
		"exchange_order_id", ack.ExchangeOrderID,
		"asset", rec.Asset,
		"side", rec.Side,
		"type", rec.Type,
		"quantity", rec.Quantity,
		"is_exit", rec.IsExit,
	)
	r.log.Emit(events.OrderPlaced, r.orderData(rec))
	r.failures.RecordSuccess()
	return nil
}

// placementFailed classifies the adapter error. Rate limits withdraw the
// record entirely (nothing reached the venue) and start the backoff;
// everything else marks the record rejected and counts toward the
// failure streak. Authentication failures additionally trigger safe mode.
func (r *Router) placementFailed(rec *OrderRecord, err error) error {
	var rl *exchange.RateLimitError
	if errors.As(err, &rl) {
		r.mu.Lock()
		delete(r.orders, rec.InternalID)
		r.mu.Unlock()
		r.startBackoff(rl.ResumeAt)
		return ErrRateLimited
	}

	r.mu.Lock()
	rec.Status = types.StatusRejected
	rec.RejectionReason = err.Error()
	rec.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.logger.Error("order rejected",
		"internal_id", rec.InternalID,
		"asset", rec.Asset,
		"side", rec.Side,
		"is_exit", rec.IsExit,
		"error", err,
	)
	data := r.orderData(rec)
	data["rejection_reason"] = err.Error()
	r.log.Emit(events.OrderRejected, data)
	r.failures.RecordFailure()

	if errors.Is(err, exchange.ErrAuthentication) {
		r.mu.Lock()
		cb := r.onAuthFailure
		r.mu.Unlock()
		if cb != nil {
			cb("authentication_failure")
		}
	}
	return fmt.Errorf("place order %s: %w", rec.InternalID, err)
}

// ApplyFill folds one execution into its order record and the position
// registry. Unknown exchange order ids are logged and dropped: they
// belong to a past life of the service and reconciliation owns them.
func (r *Router) ApplyFill(fill types.Fill) {
	r.mu.Lock()
	internalID, ok := r.byExchange[fill.ExchangeOrderID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("fill for unknown order", "exchange_order_id", fill.ExchangeOrderID, "asset", fill.Asset)
		return
	}
	rec := r.orders[internalID]
	if rec.Status.Terminal() {
		r.mu.Unlock()
		r.logger.Warn("fill for terminal order dropped",
			"internal_id", internalID,
			"status", rec.Status,
			"exchange_order_id", fill.ExchangeOrderID,
		)
		return
	}

	// Volume-weighted average over all fills of this order.
	prevNotional := rec.AvgFillPrice.Mul(rec.FilledQuantity)
	rec.FilledQuantity = rec.FilledQuantity.Add(fill.Quantity)
	rec.AvgFillPrice = prevNotional.Add(fill.Price.Mul(fill.Quantity)).Div(rec.FilledQuantity)

	full := rec.FilledQuantity.GreaterThanOrEqual(rec.Quantity)
	if full {
		rec.Status = types.StatusFilled
	} else {
		rec.Status = types.StatusPartiallyFilled
	}
	rec.UpdatedAt = time.Now().UTC()

	data := r.orderData(rec)
	data["fill_quantity"] = fill.Quantity.String()
	data["fill_price"] = fill.Price.String()
	data["commission"] = fill.Commission.String()
	isExit := rec.IsExit
	positionID := rec.PositionID
	exitReason := rec.ExitReason
	strategyPositionID := rec.StrategyPositionID
	strategyID := rec.StrategyID
	asset := rec.Asset
	direction := rec.Direction
	r.mu.Unlock()

	if full {
		r.log.Emit(events.OrderFilled, data)
	} else {
		r.log.Emit(events.OrderPartiallyFilled, data)
	}

	if isExit {
		if _, err := r.registry.Close(positionID, fill.Quantity, fill.Price, exitReason); err != nil {
			r.logger.Error("close position from exit fill",
				"position_id", positionID,
				"exit_reason", exitReason,
				"error", err,
			)
		}
		return
	}

	if pos, ok := r.registry.FindByStrategyPosition(strategyPositionID); ok {
		if err := r.registry.ApplyPartialFill(pos.ID, fill.Quantity, fill.Price); err != nil {
			r.logger.Error("apply entry fill to position", "position_id", pos.ID, "error", err)
		}
		return
	}
	_, err := r.registry.Open(registry.OpenPosition{
		StrategyPositionID: strategyPositionID,
		StrategyID:         strategyID,
		Asset:              asset,
		Direction:          direction,
		Quantity:           fill.Quantity,
		AverageEntryPrice:  fill.Price,
		OpenedAt:           fill.Timestamp,
		Origin:             types.OriginStrategy,
	})
	if err != nil {
		r.logger.Error("open position from entry fill", "strategy_position_id", strategyPositionID, "error", err)
	}
}

// CancelOrder cancels one non-terminal order at the venue. A venue that
// no longer knows the order counts as cancelled: the record is closed out
// locally and reconciliation will repair any divergence.
func (r *Router) CancelOrder(ctx context.Context, internalID string) error {
	r.mu.Lock()
	rec, ok := r.orders[internalID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("cancel %s: unknown order", internalID)
	}
	if rec.Status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("cancel %s: order already %s", internalID, rec.Status)
	}
	exchangeID := rec.ExchangeOrderID
	mode := rec.Mode
	r.mu.Unlock()

	if exchangeID != "" {
		err := r.adapterFor(mode).CancelOrder(ctx, exchangeID)
		switch {
		case err == nil:
		case errors.Is(err, exchange.ErrOrderNotFound):
			r.logger.Warn("cancel: venue does not know the order", "internal_id", internalID, "exchange_order_id", exchangeID)
		default:
			return fmt.Errorf("cancel %s: %w", internalID, err)
		}
	}

	r.mu.Lock()
	rec.Status = types.StatusCancelled
	rec.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.logger.Info("order cancelled", "internal_id", internalID, "exchange_order_id", exchangeID)
	r.log.Emit(events.OrderCancelled, r.orderData(rec))
	return nil
}

// CancelPendingEntries cancels every non-terminal entry order. Used when
// the strategy expires or is swapped out: untriggered resting entries
// must not fire under a strategy that no longer exists. Best effort;
// returns how many were cancelled.
func (r *Router) CancelPendingEntries(ctx context.Context) int {
	r.mu.Lock()
	var ids []string
	for id, rec := range r.orders {
		if !rec.IsExit && !rec.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	cancelled := 0
	for _, id := range ids {
		if err := r.CancelOrder(ctx, id); err != nil {
			r.logger.Warn("cancel pending entry", "internal_id", id, "error", err)
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		r.logger.Info("pending entries cancelled", "count", cancelled)
	}
	return cancelled
}

// Order returns a copy of one record.
func (r *Router) Order(internalID string) (OrderRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.orders[internalID]
	if !ok {
		return OrderRecord{}, false
	}
	return *rec, true
}

// OpenOrders returns copies of all non-terminal records.
func (r *Router) OpenOrders() []OrderRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OrderRecord, 0)
	for _, rec := range r.orders {
		if !rec.Status.Terminal() {
			out = append(out, *rec)
		}
	}
	return out
}

// InBackoff reports whether placements are currently suspended and until
// when.
func (r *Router) InBackoff() (bool, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backoffActive, r.backoffUntil
}

// startBackoff begins (or extends) a placement suspension ending at
// resumeAt. The started event fires once per suspension; the paired ended
// event fires from the timer.
func (r *Router) startBackoff(resumeAt time.Time) {
	r.mu.Lock()
	if resumeAt.IsZero() || !resumeAt.After(time.Now()) {
		r.mu.Unlock()
		return
	}
	if r.backoffActive && !resumeAt.After(r.backoffUntil) {
		r.mu.Unlock()
		return
	}

	fresh := !r.backoffActive
	r.backoffActive = true
	r.backoffUntil = resumeAt
	if r.backoffTimer != nil {
		r.backoffTimer.Stop()
	}
	r.backoffTimer = time.AfterFunc(time.Until(resumeAt), r.endBackoff)
	r.mu.Unlock()

	if fresh {
		r.logger.Warn("rate limited, suspending placements", "resumes_at", resumeAt.UTC())
		r.log.Emit(events.RateLimitBackoffStarted, map[string]any{
			"resumes_at": resumeAt.UTC().Format(time.RFC3339),
		})
	} else {
		r.logger.Warn("rate-limit backoff extended", "resumes_at", resumeAt.UTC())
	}
}

func (r *Router) endBackoff() {
	r.mu.Lock()
	if !r.backoffActive {
		r.mu.Unlock()
		return
	}
	// A later 429 may have pushed the resume time past this timer.
	if remaining := time.Until(r.backoffUntil); remaining > 0 {
		r.backoffTimer = time.AfterFunc(remaining, r.endBackoff)
		r.mu.Unlock()
		return
	}
	r.backoffActive = false
	r.backoffTimer = nil
	r.mu.Unlock()

	r.logger.Info("rate-limit backoff ended, placements resume")
	r.log.Emit(events.RateLimitBackoffEnded, nil)
}

// snapshotRecord copies a record under the lock.
func (r *Router) snapshotRecord(internalID string) OrderRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.orders[internalID]
}

// orderData builds the shared event payload for an order record. Callers
// holding r.mu and callers that just released it both use this; the
// record fields it reads are only mutated on the engine goroutine.
func (r *Router) orderData(rec *OrderRecord) map[string]any {
	data := map[string]any{
		"internal_id":       rec.InternalID,
		"exchange_order_id": rec.ExchangeOrderID,
		"asset":             rec.Asset,
		"side":              string(rec.Side),
		"type":              string(rec.Type),
		"quantity":          rec.Quantity.String(),
		"status":            string(rec.Status),
	}
	if rec.StrategyPositionID != "" {
		data["strategy_position_id"] = rec.StrategyPositionID
	}
	if !rec.LimitPrice.IsZero() {
		data["limit_price"] = rec.LimitPrice.String()
	}
	if rec.FilledQuantity.IsPositive() {
		data["filled_quantity"] = rec.FilledQuantity.String()
		data["avg_fill_price"] = rec.AvgFillPrice.String()
	}
	if rec.IsExit {
		data["is_exit"] = true
		data["position_id"] = rec.PositionID
		data["exit_reason"] = string(rec.ExitReason)
	}
	return data
}
