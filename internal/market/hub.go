// Package market maintains the service's local view of live market data.
//
// Hub sits between the exchange adapter's subscription stream and the
// engine tick loop. It is updated from one source: snapshot callbacks
// registered through SubscribeMarketData. Each tick is cached per asset
// (for condition evaluation, which may reference assets other than the
// one that ticked) and forwarded to a buffered channel the engine drains.
// Under pressure the oldest queued tick is dropped; the cache always
// holds the newest.
//
// The Hub is concurrency-safe (RWMutex protected). Published snapshots
// are treated as immutable: nothing mutates a snapshot or its indicator
// map after it enters the cache.
package market

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"stratexec/internal/exchange"
	"stratexec/pkg/types"
)

// Hub caches the latest snapshot per asset and fans ticks out to the
// engine.
type Hub struct {
	source exchange.MarketSource
	logger *slog.Logger

	mu        sync.RWMutex
	snapshots map[string]types.MarketSnapshot
	assets    []string // sorted current subscription set
	lastTick  time.Time

	ticks chan types.MarketSnapshot
}

// NewHub creates a hub reading from source. buffer sizes the tick
// channel; the engine should drain it faster than assets tick.
func NewHub(source exchange.MarketSource, buffer int, logger *slog.Logger) *Hub {
	if buffer < 1 {
		buffer = 256
	}
	return &Hub{
		source:    source,
		logger:    logger.With("component", "market_hub"),
		snapshots: make(map[string]types.MarketSnapshot),
		ticks:     make(chan types.MarketSnapshot, buffer),
	}
}

// SetAssets points the subscription at the given asset set, typically
// the union of a strategy's position assets. A call with an unchanged
// set is a no-op.
func (h *Hub) SetAssets(ctx context.Context, assets []string) error {
	next := normalize(assets)

	h.mu.Lock()
	if equalSets(h.assets, next) {
		h.mu.Unlock()
		return nil
	}
	h.assets = next
	h.mu.Unlock()

	h.logger.Info("market subscription changed", "assets", next)
	return h.source.SubscribeMarketData(ctx, next, h.onSnapshot)
}

// Assets returns the current subscription set, sorted.
func (h *Hub) Assets() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.assets))
	copy(out, h.assets)
	return out
}

// Ticks returns the channel the engine drains. Each received snapshot
// has already been cached.
func (h *Hub) Ticks() <-chan types.MarketSnapshot { return h.ticks }

// Snapshot returns the latest cached snapshot for one asset.
func (h *Hub) Snapshot(asset string) (types.MarketSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snap, ok := h.snapshots[asset]
	return snap, ok
}

// AllSnapshots returns a copy of the cache keyed by asset.
func (h *Hub) AllSnapshots() map[string]types.MarketSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]types.MarketSnapshot, len(h.snapshots))
	for asset, snap := range h.snapshots {
		out[asset] = snap
	}
	return out
}

// LastTickAt reports when any asset last ticked. Zero before the first
// tick; callers use the age for staleness display.
func (h *Hub) LastTickAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastTick
}

// onSnapshot caches the tick and queues it for the engine, dropping the
// oldest queued tick when the buffer is full.
func (h *Hub) onSnapshot(snap types.MarketSnapshot) {
	h.mu.Lock()
	h.snapshots[snap.Asset] = snap
	h.lastTick = time.Now().UTC()
	h.mu.Unlock()

	select {
	case h.ticks <- snap:
		return
	default:
	}

	// Engine is behind: make room by discarding the oldest tick. The
	// cache already holds the newest state for every asset.
	select {
	case <-h.ticks:
	default:
	}
	select {
	case h.ticks <- snap:
	default:
		h.logger.Warn("tick buffer full, dropping snapshot", "asset", snap.Asset)
	}
}

func normalize(assets []string) []string {
	seen := make(map[string]bool, len(assets))
	out := make([]string, 0, len(assets))
	for _, a := range assets {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
