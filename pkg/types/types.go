// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the execution service — order
// and position enums, market snapshots, and the request/response shapes
// exchanged with exchange adapters. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side. Used when a close order must unwind an
// entry (long entries BUY and close with SELL, shorts the reverse).
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Direction is the strategy-level exposure direction of a position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// EntrySide returns the order side that opens a position in this direction.
func (d Direction) EntrySide() Side {
	if d == Short {
		return SELL
	}
	return BUY
}

// ExitSide returns the order side that closes a position in this direction.
func (d Direction) ExitSide() Side {
	return d.EntrySide().Opposite()
}

// OrderType enumerates the supported order kinds on the adapter boundary.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderStatus is the lifecycle state of an order record.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"          // created, not yet acknowledged
	StatusOpen            OrderStatus = "open"             // acknowledged, resting or working
	StatusPartiallyFilled OrderStatus = "partially_filled" // some quantity executed
	StatusFilled          OrderStatus = "filled"           // fully executed
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status is final. Non-terminal orders for a
// strategy position block duplicate dispatch.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// EntryType is how a strategy position decides to enter.
type EntryType string

const (
	EntryMarket      EntryType = "market"      // fire once, immediately
	EntryLimit       EntryType = "limit"       // fire when price reaches the limit
	EntryConditional EntryType = "conditional" // fire when the DSL condition holds
)

// Posture is the strategy's overall stance. flat and exit_all suppress new
// entries; exit_all additionally closes everything open.
type Posture string

const (
	PostureAggressive Posture = "aggressive"
	PostureModerate   Posture = "moderate"
	PostureDefensive  Posture = "defensive"
	PostureFlat       Posture = "flat"
	PostureExitAll    Posture = "exit_all"
)

// Valid reports whether p is one of the enumerated postures.
func (p Posture) Valid() bool {
	switch p {
	case PostureAggressive, PostureModerate, PostureDefensive, PostureFlat, PostureExitAll:
		return true
	}
	return false
}

// Mode is the execution mode orders run under. ModeSafe never drives an
// adapter choice; it appears on events emitted while safe mode is active.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
	ModeSafe  Mode = "safe"
)

// PositionOrigin records how a registry position came to exist.
type PositionOrigin string

const (
	OriginStrategy   PositionOrigin = "strategy"   // opened by an entry dispatch
	OriginReconciled PositionOrigin = "reconciled" // adopted from the exchange at startup
	OriginExternal   PositionOrigin = "external"   // placed outside this service
)

// ExitReason explains why a position (or part of one) was closed.
type ExitReason string

const (
	ExitStopLossHard     ExitReason = "stop_loss_hard"
	ExitStopLossTrailing ExitReason = "stop_loss_trailing"
	ExitTimeExit         ExitReason = "time_exit"
	ExitInvalidation     ExitReason = "invalidation"
	ExitAll              ExitReason = "exit_all"
	ExitReconciledGone   ExitReason = "reconciled_missing"
	ExitSafeModeClose    ExitReason = "safe_mode_close"
	ExitManual           ExitReason = "manual"
)

// TakeProfitReason returns the exit reason for take-profit target idx
// (zero-based): take_profit_target_1, take_profit_target_2, …
func TakeProfitReason(idx int) ExitReason {
	return ExitReason(fmt.Sprintf("take_profit_target_%d", idx+1))
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarketSnapshot is the latest per-asset view delivered by the tick stream.
// Indicator keys follow the NAME_PARAM1_PARAM2 convention, uppercased
// (e.g. "RSI_14", "MACD_HISTOGRAM_12_26_9").
type MarketSnapshot struct {
	Asset      string                     `json:"asset"`
	Bid        decimal.Decimal            `json:"bid"`
	Ask        decimal.Decimal            `json:"ask"`
	Indicators map[string]decimal.Decimal `json:"indicators,omitempty"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Mid returns (bid+ask)/2, the reference price for sizing, P&L, and
// condition evaluation.
func (s MarketSnapshot) Mid() decimal.Decimal {
	return s.Bid.Add(s.Ask).Div(decimal.NewFromInt(2))
}

// Indicator looks up an indicator value by key.
func (s MarketSnapshot) Indicator(key string) (decimal.Decimal, bool) {
	v, ok := s.Indicators[key]
	return v, ok
}

// ————————————————————————————————————————————————————————————————————————
// Adapter boundary
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is what the router hands to an exchange adapter.
// ClientOrderID is the idempotency key: adapters may use it to dedupe
// resubmissions after a timeout.
type OrderRequest struct {
	ClientOrderID string          `json:"client_order_id"`
	Asset         string          `json:"asset"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"` // zero for market orders
}

// OrderAck is the adapter's acknowledgment of a placed order. Paper fills
// are immediate, so the ack may already carry fill quantities; the fill
// itself is still delivered through the fill callback.
type OrderAck struct {
	ExchangeOrderID string          `json:"exchange_order_id"`
	Status          OrderStatus     `json:"status"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	Timestamp       time.Time       `json:"timestamp"`
}

// OrderStatusInfo is the adapter's answer to a status query.
type OrderStatusInfo struct {
	ExchangeOrderID string          `json:"exchange_order_id"`
	Status          OrderStatus     `json:"status"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
}

// Balance is the account state used for sizing and risk.
type Balance struct {
	AvailableUSD decimal.Decimal            `json:"available_usd"`
	Assets       map[string]decimal.Decimal `json:"assets,omitempty"` // per-asset quantity held
	Timestamp    time.Time                  `json:"timestamp"`
}

// ExchangePosition is the exchange's own view of an open position, fetched
// during reconciliation.
type ExchangePosition struct {
	Asset         string          `json:"asset"`
	Direction     Direction       `json:"direction"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

// Fill is a trade execution notification. Adapters deliver one per
// (possibly partial) execution; the router accumulates them into order
// records and registry positions.
type Fill struct {
	ExchangeOrderID string          `json:"exchange_order_id"`
	Asset           string          `json:"asset"`
	Side            Side            `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Commission      decimal.Decimal `json:"commission"`
	Timestamp       time.Time       `json:"timestamp"`
}
