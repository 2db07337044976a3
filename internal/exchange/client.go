package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"stratexec/internal/config"
	"stratexec/pkg/types"
)

// LiveAdapter talks to a real venue: REST for the order lifecycle and
// balances, WebSocket for market snapshots and fill notifications.
// Private calls are signed, paced by client-side token buckets, and
// retried on transient failures (network errors and 5xx — never 429,
// which maps to RateLimitError instead).
type LiveAdapter struct {
	http   *resty.Client
	signer *Signer
	rl     *RateLimiter
	feed   *MarketFeed
	cfg    config.ExchangeConfig
	logger *slog.Logger

	limits rateLimitState

	subMu      sync.Mutex
	subscribed map[string]bool
	snapshotFn SnapshotFunc

	fillMu sync.RWMutex
	fillFn FillFunc

	startOnce sync.Once
}

// NewLiveAdapter creates the live adapter from exchange config.
func NewLiveAdapter(cfg config.ExchangeConfig, logger *slog.Logger) *LiveAdapter {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	signer := NewSigner(cfg.APIKey, cfg.APISecret)
	a := &LiveAdapter{
		http:       httpClient,
		signer:     signer,
		rl:         NewRateLimiter(),
		cfg:        cfg,
		logger:     logger.With("component", "exchange_live"),
		subscribed: make(map[string]bool),
	}
	a.feed = NewMarketFeed(cfg.WSURL, signer, cfg.MaxReconnectAttempts, cfg.ReconnectDelay(), logger)
	return a
}

// SetFillHandler registers the fill callback.
func (a *LiveAdapter) SetFillHandler(fn FillFunc) {
	a.fillMu.Lock()
	defer a.fillMu.Unlock()
	a.fillFn = fn
}

// IsRateLimited reports the server-imposed cool-down state.
func (a *LiveAdapter) IsRateLimited() (bool, time.Time) {
	return a.limits.status()
}

// PlaceOrder submits an order via POST /v1/orders.
func (a *LiveAdapter) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderAck, error) {
	if limited, resumeAt := a.limits.status(); limited {
		return types.OrderAck{}, &RateLimitError{ResumeAt: resumeAt}
	}
	if err := a.rl.Order.Wait(ctx); err != nil {
		return types.OrderAck{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := a.signer.Headers("/v1/orders", string(body))
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("place order: %w", err)
	}

	var result struct {
		OrderID        string          `json:"order_id"`
		Status         string          `json:"status"`
		FilledQuantity decimal.Decimal `json:"filled_quantity"`
		AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/v1/orders")
	if err != nil {
		return types.OrderAck{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return types.OrderAck{}, a.apiError("place order", resp)
	}

	return types.OrderAck{
		ExchangeOrderID: result.OrderID,
		Status:          mapOrderStatus(result.Status),
		FilledQuantity:  result.FilledQuantity,
		AvgFillPrice:    result.AvgFillPrice,
		Timestamp:       time.Now().UTC(),
	}, nil
}

// CancelOrder cancels via DELETE /v1/orders/{id}.
func (a *LiveAdapter) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return err
	}

	path := "/v1/orders/" + exchangeOrderID
	headers, err := a.signer.Headers(path, "")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete(path)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("cancel order %s: %w", exchangeOrderID, ErrOrderNotFound)
	default:
		return a.apiError("cancel order", resp)
	}
}

// GetOrderStatus queries GET /v1/orders/{id}.
func (a *LiveAdapter) GetOrderStatus(ctx context.Context, exchangeOrderID string) (types.OrderStatusInfo, error) {
	if err := a.rl.Query.Wait(ctx); err != nil {
		return types.OrderStatusInfo{}, err
	}

	path := "/v1/orders/" + exchangeOrderID
	headers, err := a.signer.Headers(path, "")
	if err != nil {
		return types.OrderStatusInfo{}, fmt.Errorf("order status: %w", err)
	}

	var result struct {
		OrderID        string          `json:"order_id"`
		Status         string          `json:"status"`
		FilledQuantity decimal.Decimal `json:"filled_quantity"`
		AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
		Reason         string          `json:"reason"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return types.OrderStatusInfo{}, fmt.Errorf("order status: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return types.OrderStatusInfo{}, fmt.Errorf("order status %s: %w", exchangeOrderID, ErrOrderNotFound)
	default:
		return types.OrderStatusInfo{}, a.apiError("order status", resp)
	}

	return types.OrderStatusInfo{
		ExchangeOrderID: result.OrderID,
		Status:          mapOrderStatus(result.Status),
		FilledQuantity:  result.FilledQuantity,
		AvgFillPrice:    result.AvgFillPrice,
		RejectionReason: result.Reason,
	}, nil
}

// GetAccountBalance queries GET /v1/balance.
func (a *LiveAdapter) GetAccountBalance(ctx context.Context) (types.Balance, error) {
	if err := a.rl.Query.Wait(ctx); err != nil {
		return types.Balance{}, err
	}

	headers, err := a.signer.Headers("/v1/balance", "")
	if err != nil {
		return types.Balance{}, fmt.Errorf("balance: %w", err)
	}

	var result struct {
		AvailableUSD decimal.Decimal            `json:"available_usd"`
		Assets       map[string]decimal.Decimal `json:"assets"`
		Timestamp    time.Time                  `json:"timestamp"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/v1/balance")
	if err != nil {
		return types.Balance{}, fmt.Errorf("balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Balance{}, a.apiError("balance", resp)
	}

	ts := result.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return types.Balance{AvailableUSD: result.AvailableUSD, Assets: result.Assets, Timestamp: ts}, nil
}

// GetOpenPositions queries GET /v1/positions.
func (a *LiveAdapter) GetOpenPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	if err := a.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := a.signer.Headers("/v1/positions", "")
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}

	var result []types.ExchangePosition
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/v1/positions")
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, a.apiError("positions", resp)
	}
	return result, nil
}

// SubscribeMarketData points the WebSocket feed at the given asset set.
// The first call starts the feed goroutines; later calls diff the set and
// adjust subscriptions.
func (a *LiveAdapter) SubscribeMarketData(ctx context.Context, assets []string, fn SnapshotFunc) error {
	a.subMu.Lock()
	a.snapshotFn = fn
	var added, removed []string
	next := make(map[string]bool, len(assets))
	for _, asset := range assets {
		next[asset] = true
		if !a.subscribed[asset] {
			added = append(added, asset)
		}
	}
	for asset := range a.subscribed {
		if !next[asset] {
			removed = append(removed, asset)
		}
	}
	a.subscribed = next
	a.subMu.Unlock()

	a.startOnce.Do(func() {
		go func() {
			if err := a.feed.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("market feed stopped", "error", err)
			}
		}()
		go a.pump(ctx)
	})

	if len(added) > 0 {
		if err := a.feed.Subscribe(added); err != nil {
			return fmt.Errorf("subscribe market data: %w", err)
		}
	}
	if len(removed) > 0 {
		if err := a.feed.Unsubscribe(removed); err != nil {
			return fmt.Errorf("unsubscribe market data: %w", err)
		}
	}
	return nil
}

// pump forwards feed events to the registered callbacks.
func (a *LiveAdapter) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-a.feed.Snapshots():
			a.subMu.Lock()
			fn := a.snapshotFn
			a.subMu.Unlock()
			if fn != nil {
				fn(snap)
			}
		case fill := <-a.feed.Fills():
			a.fillMu.RLock()
			fn := a.fillFn
			a.fillMu.RUnlock()
			if fn != nil {
				fn(fill)
			} else {
				a.logger.Warn("fill received with no handler", "order_id", fill.ExchangeOrderID)
			}
		}
	}
}

// Close shuts down the WebSocket feed.
func (a *LiveAdapter) Close() error {
	return a.feed.Close()
}

// apiError maps an HTTP failure to the adapter error taxonomy. 401/403
// and invalid-key bodies become ErrAuthentication; 429 and rate-limit
// bodies become RateLimitError and arm the cool-down flags.
func (a *LiveAdapter) apiError(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	body := resp.String()
	lower := strings.ToLower(body)

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden ||
		strings.Contains(lower, "invalid key") || strings.Contains(lower, "invalid signature"):
		return fmt.Errorf("%s: %w", op, ErrAuthentication)

	case code == http.StatusTooManyRequests || strings.Contains(lower, "rate limit"):
		resumeAt := time.Now().Add(a.retryAfter(resp))
		a.limits.set(resumeAt)
		a.logger.Warn("rate limited", "op", op, "resume_at", resumeAt)
		return fmt.Errorf("%s: %w", op, &RateLimitError{ResumeAt: resumeAt})

	default:
		return fmt.Errorf("%s: status %d: %s", op, code, body)
	}
}

// retryAfter honors the Retry-After header, falling back to the
// configured cool-down.
func (a *LiveAdapter) retryAfter(resp *resty.Response) time.Duration {
	if v := resp.Header().Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return a.cfg.RateLimitCooldown()
}

// mapOrderStatus normalizes venue status strings.
func mapOrderStatus(s string) types.OrderStatus {
	switch strings.ToLower(s) {
	case "pending", "new":
		return types.StatusPending
	case "open", "live", "working":
		return types.StatusOpen
	case "partially_filled", "partial":
		return types.StatusPartiallyFilled
	case "filled", "closed", "executed":
		return types.StatusFilled
	case "cancelled", "canceled":
		return types.StatusCancelled
	case "rejected":
		return types.StatusRejected
	default:
		return types.StatusOpen
	}
}
