package events

import (
	"time"

	"stratexec/pkg/types"
)

// Event is one line of the execution event stream. Every state change in
// the service produces exactly one Event, written to the NDJSON log and
// pushed to subscribers.
type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	Type           string         `json:"event_type"`
	Mode           types.Mode     `json:"mode"`
	ServiceVersion string         `json:"service_version"`
	Data           map[string]any `json:"data,omitempty"`
}

// Well-known event types. Data keys are snake_case; payload shapes are
// documented where the event is emitted.
const (
	ServiceStarted = "service_started"
	ServiceStopped = "service_stopped"

	StrategyLoaded   = "strategy_loaded"
	StrategyRejected = "strategy_rejected"
	StrategySwapped  = "strategy_swapped"
	StrategyExpired  = "strategy_expired"

	EntryTriggered = "entry_triggered"
	EntrySkipped   = "entry_skipped"
	ExitTriggered  = "exit_triggered"

	OrderPlaced          = "order_placed"
	OrderFilled          = "order_filled"
	OrderPartiallyFilled = "order_partially_filled"
	OrderCancelled       = "order_cancelled"
	OrderRejected        = "order_rejected"

	PositionOpened     = "position_opened"
	PositionClosed     = "position_closed"
	PositionReconciled = "position_reconciled"

	RiskLimitBreached = "risk_limit_breached"

	SafeModeActivated   = "safe_mode_activated"
	SafeModeDeactivated = "safe_mode_deactivated"

	ReconciliationSummary = "reconciliation_summary"

	ModeChanged     = "mode_changed"
	OperatorCommand = "operator_command"

	RateLimitBackoffStarted = "rate_limit_backoff_started"
	RateLimitBackoffEnded   = "rate_limit_backoff_ended"
)
