// Package registry is the authoritative store of open positions and
// closed trades.
//
// All mutations go through a single registry mutex and persist atomically
// (unique temp file + rename) before they are visible to readers, so a
// crash between fills can lose at most the mutation in flight. Reads
// return copies; callers never hold references into the registry's maps.
// The registry is the only writer of positions.json and trades.json.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stratexec/internal/events"
	"stratexec/internal/state"
	"stratexec/pkg/types"
)

// OpenPosition is one live position. Quantity is always > 0; direction
// carries the sign. CurrentPrice and UnrealizedPnL are refreshed every
// tick and are advisory only — the persisted values go stale the moment
// the service stops.
type OpenPosition struct {
	ID                   string               `json:"id"`
	StrategyPositionID   string               `json:"strategy_position_id"`
	StrategyID           string               `json:"strategy_id,omitempty"`
	Asset                string               `json:"asset"`
	Direction            types.Direction      `json:"direction"`
	Quantity             decimal.Decimal      `json:"quantity"`
	AverageEntryPrice    decimal.Decimal      `json:"average_entry_price"`
	OpenedAt             time.Time            `json:"opened_at"`
	TrailingStopPrice    *decimal.Decimal     `json:"trailing_stop_price,omitempty"`
	TakeProfitTargetsHit []int                `json:"take_profit_targets_hit,omitempty"`
	Origin               types.PositionOrigin `json:"origin"`
	CurrentPrice         decimal.Decimal      `json:"current_price,omitempty"`
	UnrealizedPnL        decimal.Decimal      `json:"unrealized_pnl,omitempty"`
}

// copyPosition returns a deep copy (the slice and pointer fields would
// otherwise alias registry-owned memory).
func copyPosition(p OpenPosition) OpenPosition {
	out := p
	if p.TrailingStopPrice != nil {
		v := *p.TrailingStopPrice
		out.TrailingStopPrice = &v
	}
	if p.TakeProfitTargetsHit != nil {
		out.TakeProfitTargetsHit = append([]int(nil), p.TakeProfitTargetsHit...)
	}
	return out
}

// ClosedTrade is the immutable record appended when a position (or part
// of one) closes.
type ClosedTrade struct {
	ID                 string               `json:"id"`
	PositionID         string               `json:"position_id"`
	StrategyPositionID string               `json:"strategy_position_id"`
	StrategyID         string               `json:"strategy_id,omitempty"`
	Asset              string               `json:"asset"`
	Direction          types.Direction      `json:"direction"`
	Quantity           decimal.Decimal      `json:"quantity"`
	AverageEntryPrice  decimal.Decimal      `json:"average_entry_price"`
	ExitPrice          decimal.Decimal      `json:"exit_price"`
	OpenedAt           time.Time            `json:"opened_at"`
	ClosedAt           time.Time            `json:"closed_at"`
	ExitReason         types.ExitReason     `json:"exit_reason"`
	RealizedPnL        decimal.Decimal      `json:"realized_pnl"`
	Origin             types.PositionOrigin `json:"origin,omitempty"`
}

// Registry owns positions.json and trades.json under its directory.
type Registry struct {
	positionsPath string
	tradesPath    string
	log           *events.Log
	logger        *slog.Logger

	mu        sync.Mutex
	positions map[string]OpenPosition // keyed by position ID
	trades    []ClosedTrade

	onChanged func() // fired outside the mutex after every mutation
}

// New creates a registry persisting under dir.
func New(dir string, log *events.Log, logger *slog.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &Registry{
		positionsPath: filepath.Join(dir, "positions.json"),
		tradesPath:    filepath.Join(dir, "trades.json"),
		log:           log,
		logger:        logger.With("component", "registry"),
		positions:     make(map[string]OpenPosition),
	}, nil
}

// SetOnChanged registers a hook fired after every mutation, outside the
// registry mutex. Used to push state to the operator stream.
func (r *Registry) SetOnChanged(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChanged = fn
}

// Load reads both files. Malformed content is logged and replaced with an
// empty collection: a corrupt state file must not keep the service down,
// reconciliation will rebuild what it can from the exchange.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var positions []OpenPosition
	if err := readJSONFile(r.positionsPath, &positions); err != nil {
		r.logger.Error("load positions, starting empty", "error", err)
		positions = nil
	}
	r.positions = make(map[string]OpenPosition, len(positions))
	for _, p := range positions {
		r.positions[p.ID] = p
	}

	var trades []ClosedTrade
	if err := readJSONFile(r.tradesPath, &trades); err != nil {
		r.logger.Error("load trades, starting empty", "error", err)
		trades = nil
	}
	r.trades = trades
	return nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Open records a new position. A missing ID is minted; a zero OpenedAt is
// stamped now. Emits position_opened.
func (r *Registry) Open(p OpenPosition) (OpenPosition, error) {
	if p.Quantity.LessThanOrEqual(decimal.Zero) {
		return OpenPosition{}, fmt.Errorf("open position %s: quantity %s not positive", p.Asset, p.Quantity)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	if p.Origin == "" {
		p.Origin = types.OriginStrategy
	}

	r.mu.Lock()
	prev, existed := r.positions[p.ID]
	r.positions[p.ID] = p
	if err := r.persistPositionsLocked(); err != nil {
		if existed {
			r.positions[p.ID] = prev
		} else {
			delete(r.positions, p.ID)
		}
		r.mu.Unlock()
		return OpenPosition{}, err
	}
	r.mu.Unlock()

	r.log.Emit(events.PositionOpened, map[string]any{
		"position_id":          p.ID,
		"strategy_position_id": p.StrategyPositionID,
		"asset":                p.Asset,
		"direction":            string(p.Direction),
		"quantity":             p.Quantity.String(),
		"avg_entry_price":      p.AverageEntryPrice.String(),
		"origin":               string(p.Origin),
	})
	r.fireChanged()
	return p, nil
}

// ApplyPartialFill folds an additional fill into an open position,
// updating the volume-weighted average entry:
//
//	new_avg = (old_qty·old_avg + add_qty·add_price) / (old_qty + add_qty)
func (r *Registry) ApplyPartialFill(id string, addQty, addPrice decimal.Decimal) error {
	if addQty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("partial fill on %s: quantity %s not positive", id, addQty)
	}

	r.mu.Lock()
	p, ok := r.positions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("partial fill: position %s not found", id)
	}
	prev := p

	totalQty := p.Quantity.Add(addQty)
	totalCost := p.Quantity.Mul(p.AverageEntryPrice).Add(addQty.Mul(addPrice))
	p.Quantity = totalQty
	p.AverageEntryPrice = totalCost.Div(totalQty)
	r.positions[id] = p
	if err := r.persistPositionsLocked(); err != nil {
		r.positions[id] = prev
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	r.fireChanged()
	return nil
}

// Close closes up to closeQty of the position at exitPrice. A closeQty at
// or above the open quantity removes the position; less leaves the
// remainder open. Realized P&L is (exit−entry)·qty for longs and
// (entry−exit)·qty for shorts. Emits position_closed and returns the
// appended trade.
func (r *Registry) Close(id string, closeQty, exitPrice decimal.Decimal, reason types.ExitReason) (ClosedTrade, error) {
	r.mu.Lock()
	p, ok := r.positions[id]
	if !ok {
		r.mu.Unlock()
		return ClosedTrade{}, fmt.Errorf("close: position %s not found", id)
	}
	prev := p

	full := closeQty.GreaterThanOrEqual(p.Quantity)
	qty := closeQty
	if full {
		qty = p.Quantity
	}

	pnl := exitPrice.Sub(p.AverageEntryPrice).Mul(qty)
	if p.Direction == types.Short {
		pnl = p.AverageEntryPrice.Sub(exitPrice).Mul(qty)
	}

	trade := ClosedTrade{
		ID:                 uuid.NewString(),
		PositionID:         p.ID,
		StrategyPositionID: p.StrategyPositionID,
		StrategyID:         p.StrategyID,
		Asset:              p.Asset,
		Direction:          p.Direction,
		Quantity:           qty,
		AverageEntryPrice:  p.AverageEntryPrice,
		ExitPrice:          exitPrice,
		OpenedAt:           p.OpenedAt,
		ClosedAt:           time.Now().UTC(),
		ExitReason:         reason,
		RealizedPnL:        pnl,
		Origin:             p.Origin,
	}

	if full {
		delete(r.positions, id)
	} else {
		p.Quantity = p.Quantity.Sub(qty)
		r.positions[id] = p
	}
	r.trades = append(r.trades, trade)

	if err := r.persistPositionsLocked(); err != nil {
		r.positions[id] = prev
		r.trades = r.trades[:len(r.trades)-1]
		r.mu.Unlock()
		return ClosedTrade{}, err
	}
	if err := r.persistTradesLocked(); err != nil {
		// Positions already on disk; keep the trade in memory and flag it.
		r.logger.Error("persist trades", "error", err)
	}
	r.mu.Unlock()

	r.log.Emit(events.PositionClosed, map[string]any{
		"position_id":          trade.PositionID,
		"strategy_position_id": trade.StrategyPositionID,
		"asset":                trade.Asset,
		"direction":            string(trade.Direction),
		"quantity":             trade.Quantity.String(),
		"exit_price":           trade.ExitPrice.String(),
		"exit_reason":          string(trade.ExitReason),
		"realized_pnl":         trade.RealizedPnL.String(),
		"fully_closed":         full,
	})
	r.fireChanged()
	return trade, nil
}

// UpdateUnrealized refreshes the advisory mark fields from the current
// price. In-memory only: the tick path must not write a file per tick.
func (r *Registry) UpdateUnrealized(id string, currentPrice decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.positions[id]
	if !ok {
		return
	}
	p.CurrentPrice = currentPrice
	diff := currentPrice.Sub(p.AverageEntryPrice)
	if p.Direction == types.Short {
		diff = p.AverageEntryPrice.Sub(currentPrice)
	}
	p.UnrealizedPnL = diff.Mul(p.Quantity)
	r.positions[id] = p
}

// SetTrailingStop records an updated trailing stop. The caller owns the
// ratchet logic; the registry just persists what it is given.
func (r *Registry) SetTrailingStop(id string, price decimal.Decimal) error {
	r.mu.Lock()
	p, ok := r.positions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("trailing stop: position %s not found", id)
	}
	prev := p
	v := price
	p.TrailingStopPrice = &v
	r.positions[id] = p
	if err := r.persistPositionsLocked(); err != nil {
		r.positions[id] = prev
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()
	return nil
}

// MarkTargetHit records that take-profit target idx has fired for the
// position, so ordered-target evaluation can resume past it next tick.
func (r *Registry) MarkTargetHit(id string, idx int) error {
	r.mu.Lock()
	p, ok := r.positions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("mark target: position %s not found", id)
	}
	prev := p
	for _, hit := range p.TakeProfitTargetsHit {
		if hit == idx {
			r.mu.Unlock()
			return nil
		}
	}
	p.TakeProfitTargetsHit = append(append([]int(nil), p.TakeProfitTargetsHit...), idx)
	r.positions[id] = p
	if err := r.persistPositionsLocked(); err != nil {
		r.positions[id] = prev
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()
	return nil
}

// Upsert inserts or replaces a position wholesale. Reconciliation uses
// this to adopt exchange-side positions; no lifecycle event is emitted
// here, the caller narrates.
func (r *Registry) Upsert(p OpenPosition) (OpenPosition, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}

	r.mu.Lock()
	prev, existed := r.positions[p.ID]
	r.positions[p.ID] = p
	if err := r.persistPositionsLocked(); err != nil {
		if existed {
			r.positions[p.ID] = prev
		} else {
			delete(r.positions, p.ID)
		}
		r.mu.Unlock()
		return OpenPosition{}, err
	}
	r.mu.Unlock()

	r.fireChanged()
	return p, nil
}

// Remove deletes a position without writing a trade. Reserved for
// administrative correction; normal closes go through Close.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	prev, ok := r.positions[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.positions, id)
	if err := r.persistPositionsLocked(); err != nil {
		r.positions[id] = prev
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	r.fireChanged()
	return nil
}

// Get returns a copy of the position with the given ID.
func (r *Registry) Get(id string) (OpenPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return OpenPosition{}, false
	}
	return copyPosition(p), true
}

// FindByStrategyPosition returns the open position created for a strategy
// position id, if any. The router uses this to decide between opening a
// new position and folding a fill into an existing one.
func (r *Registry) FindByStrategyPosition(strategyPositionID string) (OpenPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.positions {
		if p.StrategyPositionID == strategyPositionID {
			return copyPosition(p), true
		}
	}
	return OpenPosition{}, false
}

// OpenPositions returns copies of all open positions.
func (r *Registry) OpenPositions() []OpenPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OpenPosition, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, copyPosition(p))
	}
	return out
}

// Count returns the number of open positions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.positions)
}

// ClosedTrades returns up to limit most recent closed trades, oldest
// first. limit <= 0 returns all.
func (r *Registry) ClosedTrades(limit int) []ClosedTrade {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.trades)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ClosedTrade, n)
	copy(out, r.trades[len(r.trades)-n:])
	return out
}

func (r *Registry) persistPositionsLocked() error {
	list := make([]OpenPosition, 0, len(r.positions))
	for _, p := range r.positions {
		list = append(list, p)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	if err := state.WriteFileAtomic(r.positionsPath, data); err != nil {
		return fmt.Errorf("persist positions: %w", err)
	}
	return nil
}

func (r *Registry) persistTradesLocked() error {
	data, err := json.MarshalIndent(r.trades, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trades: %w", err)
	}
	if err := state.WriteFileAtomic(r.tradesPath, data); err != nil {
		return fmt.Errorf("persist trades: %w", err)
	}
	return nil
}

func (r *Registry) fireChanged() {
	r.mu.Lock()
	fn := r.onChanged
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}
