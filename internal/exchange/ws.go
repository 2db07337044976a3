// ws.go implements the WebSocket feed for real-time market data and fill
// notifications.
//
// One connection serves both streams: "snapshot" messages carry per-asset
// bid/ask/indicator ticks, "fill" messages report executions of our
// orders (the subscribe message is signed so the venue will attach the
// private fill stream). The feed auto-reconnects with exponential backoff
// (reconnect_delay_seconds → 30s cap, up to max_reconnect_attempts
// consecutive failures) and re-subscribes to all tracked assets on
// reconnection. A read deadline ensures silent server failures are
// detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"stratexec/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	snapshotBufSize  = 256              // buffer for snapshot ticks
	fillBufSize      = 64               // buffer for fill notifications
)

// wsAuth is the credential block attached to the subscribe message.
type wsAuth struct {
	APIKey    string `json:"api_key"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// wsSubscribeMsg subscribes or unsubscribes assets on the feed.
type wsSubscribeMsg struct {
	Op     string   `json:"op"` // "subscribe" or "unsubscribe"
	Assets []string `json:"assets"`
	Auth   *wsAuth  `json:"auth,omitempty"`
}

// wsSnapshotMsg is the wire shape of a market tick.
type wsSnapshotMsg struct {
	Type       string                     `json:"type"` // "snapshot"
	Asset      string                     `json:"asset"`
	Bid        decimal.Decimal            `json:"bid"`
	Ask        decimal.Decimal            `json:"ask"`
	Indicators map[string]decimal.Decimal `json:"indicators"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// wsFillMsg is the wire shape of an execution report.
type wsFillMsg struct {
	Type       string          `json:"type"` // "fill"
	OrderID    string          `json:"order_id"`
	Asset      string          `json:"asset"`
	Side       string          `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
}

// MarketFeed manages the WebSocket connection: lifecycle, subscription
// tracking, message routing, and automatic reconnection.
type MarketFeed struct {
	url    string
	signer *Signer
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	maxAttempts int           // consecutive failed connects before giving up (0 = unlimited)
	baseDelay   time.Duration // initial reconnect backoff

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	snapshotCh chan types.MarketSnapshot
	fillCh     chan types.Fill

	logger *slog.Logger
}

// NewMarketFeed creates a feed for wsURL. signer may be nil for venues
// with public fill streams; normally it signs the subscribe message.
func NewMarketFeed(wsURL string, signer *Signer, maxAttempts int, baseDelay time.Duration, logger *slog.Logger) *MarketFeed {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &MarketFeed{
		url:         wsURL,
		signer:      signer,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		subscribed:  make(map[string]bool),
		snapshotCh:  make(chan types.MarketSnapshot, snapshotBufSize),
		fillCh:      make(chan types.Fill, fillBufSize),
		logger:      logger.With("component", "ws_feed"),
	}
}

// Snapshots returns a read-only channel of market ticks.
func (f *MarketFeed) Snapshots() <-chan types.MarketSnapshot { return f.snapshotCh }

// Fills returns a read-only channel of execution reports.
func (f *MarketFeed) Fills() <-chan types.Fill { return f.fillCh }

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled or the attempt budget is exhausted.
func (f *MarketFeed) Run(ctx context.Context) error {
	backoff := f.baseDelay
	attempts := 0

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempts++
		if f.maxAttempts > 0 && attempts >= f.maxAttempts {
			return fmt.Errorf("websocket gave up after %d attempts: %w", attempts, err)
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
			"attempt", attempts,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds assets to the feed. If the connection is down, the
// assets are still tracked and picked up by the connect-time
// subscription.
func (f *MarketFeed) Subscribe(assets []string) error {
	f.subscribedMu.Lock()
	for _, asset := range assets {
		f.subscribed[asset] = true
	}
	f.subscribedMu.Unlock()

	err := f.writeJSON(f.subscribeMsg("subscribe", assets))
	if err != nil && err == errNotConnected {
		return nil
	}
	return err
}

// Unsubscribe removes assets from the feed.
func (f *MarketFeed) Unsubscribe(assets []string) error {
	f.subscribedMu.Lock()
	for _, asset := range assets {
		delete(f.subscribed, asset)
	}
	f.subscribedMu.Unlock()

	err := f.writeJSON(f.subscribeMsg("unsubscribe", assets))
	if err != nil && err == errNotConnected {
		return nil
	}
	return err
}

// Close gracefully closes the connection.
func (f *MarketFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *MarketFeed) subscribeMsg(op string, assets []string) wsSubscribeMsg {
	msg := wsSubscribeMsg{Op: op, Assets: assets}
	if f.signer != nil && f.signer.HasCredentials() {
		nonce := strconv.FormatInt(f.signer.nextNonce(), 10)
		if sig, err := f.signer.sign("/ws", nonce, ""); err == nil {
			msg.Auth = &wsAuth{APIKey: f.signer.apiKey, Nonce: nonce, Signature: sig}
		}
	}
	return msg
}

func (f *MarketFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Send initial subscription covering everything tracked
	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "url", f.url)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *MarketFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	assets := make([]string, 0, len(f.subscribed))
	for asset := range f.subscribed {
		assets = append(assets, asset)
	}
	f.subscribedMu.RUnlock()

	if len(assets) == 0 {
		return nil
	}
	return f.writeJSON(f.subscribeMsg("subscribe", assets))
}

func (f *MarketFeed) dispatchMessage(data []byte) {
	// Peek at type to route
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Type {
	case "snapshot":
		var msg wsSnapshotMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Error("unmarshal snapshot", "error", err)
			return
		}
		snap := types.MarketSnapshot{
			Asset:      msg.Asset,
			Bid:        msg.Bid,
			Ask:        msg.Ask,
			Indicators: msg.Indicators,
			Timestamp:  msg.Timestamp,
		}
		if snap.Timestamp.IsZero() {
			snap.Timestamp = time.Now().UTC()
		}
		select {
		case f.snapshotCh <- snap:
		default:
			f.logger.Warn("snapshot channel full, dropping tick", "asset", msg.Asset)
		}

	case "fill":
		var msg wsFillMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Error("unmarshal fill", "error", err)
			return
		}
		fill := types.Fill{
			ExchangeOrderID: msg.OrderID,
			Asset:           msg.Asset,
			Side:            types.Side(msg.Side),
			Quantity:        msg.Quantity,
			Price:           msg.Price,
			Commission:      msg.Commission,
			Timestamp:       msg.Timestamp,
		}
		select {
		case f.fillCh <- fill:
		default:
			f.logger.Warn("fill channel full, dropping event", "order_id", msg.OrderID)
		}

	case "subscribed", "unsubscribed", "heartbeat":
		f.logger.Debug("ignoring event", "type", envelope.Type)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.Type)
	}
}

func (f *MarketFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

var errNotConnected = fmt.Errorf("websocket not connected")

func (f *MarketFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *MarketFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
