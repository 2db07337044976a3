package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"stratexec/internal/config"
	"stratexec/internal/events"
	"stratexec/pkg/types"
)

// defaultListLimit caps /api/trades and /api/events responses when the
// request carries no limit parameter. limit=0 returns everything
// retained.
const defaultListLimit = 100

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	cfg      config.Config
	eng      Engine
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates the handler set. The WebSocket upgrader enforces
// the configured origin allowlist.
func NewHandlers(cfg config.Config, eng Engine, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		cfg:    cfg,
		eng:    eng,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg.API, r.Host)
		},
	}
	return h
}

// isOriginAllowed applies the WebSocket origin policy: browsers send an
// Origin header, non-browser clients usually don't (empty passes). With
// no allowlist configured, localhost and same-host origins pass; an
// explicit allowlist replaces the default with exact matching.
func isOriginAllowed(origin string, cfg config.APIConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}

	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.EqualFold(u.Host, reqHost)
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus returns the aggregate service status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	h.writeJSON(w, buildStatus(h.eng, h.cfg.Service.Version))
}

// HandlePositions lists the open positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	positions := h.eng.Registry().OpenPositions()
	h.writeJSON(w, map[string]any{
		"count":     len(positions),
		"positions": positions,
	})
}

// HandleTrades lists closed trades, oldest first within the window.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	trades := h.eng.Registry().ClosedTrades(limit)
	h.writeJSON(w, map[string]any{
		"count":  len(trades),
		"trades": trades,
	})
}

// HandleEvents returns the most recent event records from the ring.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recent := h.eng.Events().Recent(limit)
	h.writeJSON(w, map[string]any{
		"count":  len(recent),
		"events": recent,
	})
}

// operatorRequest is the body shared by the command endpoints.
type operatorRequest struct {
	Mode     string `json:"mode"`
	Note     string `json:"note"`
	Operator string `json:"operator"`
}

// HandleSafeModeActivate flattens the book and blocks new entries until
// an operator deactivates.
func (h *Handlers) HandleSafeModeActivate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCommand(w, r)
	if !ok {
		return
	}
	h.emitCommand("safe_mode_activate", req)
	h.eng.ActivateSafeMode(r.Context(), "operator_request")
	h.writeJSON(w, map[string]any{
		"status":    "ok",
		"safe_mode": h.eng.SafeMode().State(),
	})
}

// HandleSafeModeDeactivate clears safe mode. The note lands in the
// safe_mode_deactivated event.
func (h *Handlers) HandleSafeModeDeactivate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCommand(w, r)
	if !ok {
		return
	}
	h.emitCommand("safe_mode_deactivate", req)
	h.eng.DeactivateSafeMode(r.Context(), req.Note)
	h.writeJSON(w, map[string]any{
		"status":    "ok",
		"safe_mode": h.eng.SafeMode().State(),
	})
}

// HandleMode promotes to live or demotes to paper.
func (h *Handlers) HandleMode(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCommand(w, r)
	if !ok {
		return
	}
	h.emitCommand("set_mode", req)

	mode := types.Mode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if err := h.eng.SetOperationMode(mode, req.Note, operatorName(req)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.writeJSON(w, map[string]any{
		"status":         "ok",
		"operation_mode": h.eng.OperationMode().State(),
	})
}

// HandleStrategyReload forces a strategy reload from disk.
func (h *Handlers) HandleStrategyReload(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCommand(w, r)
	if !ok {
		return
	}
	h.emitCommand("strategy_reload", req)
	h.eng.ReloadStrategy()
	h.writeJSON(w, map[string]any{
		"status":         "ok",
		"strategy_state": h.eng.Strategy().State(),
	})
}

// HandleWebSocket upgrades the connection and streams event records.
// The first frame is a synthetic status snapshot so clients can render
// without waiting for activity.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	hello := events.Event{
		Timestamp:      time.Now().UTC(),
		Type:           "status_snapshot",
		Mode:           effectiveMode(h.eng),
		ServiceVersion: h.cfg.Service.Version,
		Data:           map[string]any{"status": buildStatus(h.eng, h.cfg.Service.Version)},
	}
	data, err := json.Marshal(hello)
	if err != nil {
		h.logger.Error("failed to marshal status snapshot", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("dropped status snapshot for slow client")
	}
}

// decodeCommand enforces POST and parses the optional JSON body. An
// empty body decodes to the zero request.
func (h *Handlers) decodeCommand(w http.ResponseWriter, r *http.Request) (operatorRequest, bool) {
	var req operatorRequest
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// emitCommand records the operator action before it runs, so commands
// that are then rejected still leave a trace in the event stream.
func (h *Handlers) emitCommand(command string, req operatorRequest) {
	data := map[string]any{
		"command":  command,
		"operator": operatorName(req),
	}
	if req.Mode != "" {
		data["mode"] = req.Mode
	}
	if req.Note != "" {
		data["note"] = req.Note
	}
	h.eng.Events().Emit(events.OperatorCommand, data)
}

func operatorName(req operatorRequest) string {
	if req.Operator != "" {
		return req.Operator
	}
	return "api"
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}
