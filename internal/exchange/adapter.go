// Package exchange implements the adapter boundary between the execution
// core and a trading venue.
//
// The core depends only on the Adapter interface: place/cancel/query
// orders, account balance, exchange-side positions, and a market-data
// subscription. Two implementations ship:
//
//   - LiveAdapter: REST for the order lifecycle (signed requests, bounded
//     retries, client-side token buckets) and a WebSocket feed for market
//     snapshots and fill notifications, with auto-reconnect.
//
//   - PaperAdapter: consumes real market data from any MarketSource and
//     simulates fills with slippage + commission against a local balance
//     and position book. Used in paper mode and by the test suite.
//
// Failures map to a small taxonomy the router branches on: sentinel
// errors for authentication and unknown orders, *RateLimitError carrying
// the resume time for cool-downs. Anything else is a generic adapter
// error wrapped with context.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stratexec/pkg/types"
)

var (
	// ErrOrderNotFound is returned by status and cancel calls for an
	// exchange order id the venue does not recognize.
	ErrOrderNotFound = errors.New("exchange: order not found")

	// ErrAuthentication covers HTTP 401/403 and invalid-key responses.
	// The router treats it as fatal for live trading.
	ErrAuthentication = errors.New("exchange: authentication failed")

	// ErrNoMarketData rejects orders for assets with no cached snapshot.
	ErrNoMarketData = errors.New("exchange: no market data for asset")
)

// RateLimitError signals the venue asked us to back off. ResumeAt is when
// order placement may resume; the adapter's rate-limit flags are set to
// the same instant.
type RateLimitError struct {
	ResumeAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("exchange: rate limited until %s", e.ResumeAt.UTC().Format(time.RFC3339))
}

// SnapshotFunc receives market snapshots from a subscription.
type SnapshotFunc func(types.MarketSnapshot)

// FillFunc receives trade executions for our orders.
type FillFunc func(types.Fill)

// MarketSource is anything that can stream market snapshots for a set of
// assets. LiveAdapter implements it; the paper adapter consumes one so
// paper trading runs against real prices.
type MarketSource interface {
	SubscribeMarketData(ctx context.Context, assets []string, fn SnapshotFunc) error
}

// MarketSourceFunc adapts a function to the MarketSource interface.
type MarketSourceFunc func(ctx context.Context, assets []string, fn SnapshotFunc) error

func (f MarketSourceFunc) SubscribeMarketData(ctx context.Context, assets []string, fn SnapshotFunc) error {
	return f(ctx, assets, fn)
}

// Adapter is the capability set the execution core needs from a venue.
type Adapter interface {
	MarketSource

	// PlaceOrder submits an order. The request's ClientOrderID is the
	// idempotency key.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderAck, error)

	// CancelOrder cancels by exchange order id.
	CancelOrder(ctx context.Context, exchangeOrderID string) error

	// GetOrderStatus reports fill progress. ErrOrderNotFound when unknown.
	GetOrderStatus(ctx context.Context, exchangeOrderID string) (types.OrderStatusInfo, error)

	// GetAccountBalance returns available capital and per-asset holdings.
	GetAccountBalance(ctx context.Context) (types.Balance, error)

	// GetOpenPositions returns the venue's view of open positions, used
	// by startup reconciliation.
	GetOpenPositions(ctx context.Context) ([]types.ExchangePosition, error)

	// SetFillHandler registers the callback for trade executions. Must be
	// called before orders are placed.
	SetFillHandler(fn FillFunc)

	// IsRateLimited reports whether the adapter is in a cool-down and
	// until when.
	IsRateLimited() (bool, time.Time)
}

// rateLimitState tracks the shared cool-down flags both adapters expose.
type rateLimitState struct {
	mu       sync.Mutex
	limited  bool
	resumeAt time.Time
}

func (s *rateLimitState) set(resumeAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limited = true
	s.resumeAt = resumeAt
}

// status clears the flag lazily once the resume time has passed.
func (s *rateLimitState) status() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limited && time.Now().After(s.resumeAt) {
		s.limited = false
	}
	if !s.limited {
		return false, time.Time{}
	}
	return true, s.resumeAt
}
