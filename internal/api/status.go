// status.go builds the aggregate service summary served on /api/status
// and sent as the WebSocket hello frame.
package api

import (
	"time"

	"stratexec/internal/risk"
	"stratexec/internal/state"
	"stratexec/internal/strategy"
	"stratexec/pkg/types"
)

// StatusResponse is the operator-facing service summary.
type StatusResponse struct {
	Version          string                   `json:"version"`
	Uptime           string                   `json:"uptime,omitempty"`
	OperationMode    state.OperationModeState `json:"operation_mode"`
	SafeMode         state.SafeModeState      `json:"safe_mode"`
	Strategy         StrategyStatus           `json:"strategy"`
	OpenPositions    int                      `json:"open_positions"`
	Risk             risk.RiskSnapshot        `json:"risk"`
	RateLimit        RateLimitStatus          `json:"rate_limit"`
	FailureStreak    int                      `json:"failure_streak"`
	EventLogDegraded bool                     `json:"event_log_degraded"`
	LastTickAt       *time.Time               `json:"last_tick_at,omitempty"`
	Assets           []string                 `json:"assets,omitempty"`
}

// StrategyStatus summarizes the active strategy slot.
type StrategyStatus struct {
	State      strategy.State `json:"state"`
	ID         string         `json:"id,omitempty"`
	LoadedAt   *time.Time     `json:"loaded_at,omitempty"`
	ValidUntil *time.Time     `json:"valid_until,omitempty"`
	Posture    types.Posture  `json:"posture,omitempty"`
	Positions  int            `json:"positions,omitempty"`
}

// RateLimitStatus reports the order-router cool-down.
type RateLimitStatus struct {
	InBackoff bool       `json:"in_backoff"`
	ResumeAt  *time.Time `json:"resume_at,omitempty"`
}

func buildStatus(eng Engine, version string) StatusResponse {
	st := StatusResponse{
		Version:          version,
		OperationMode:    eng.OperationMode().State(),
		SafeMode:         eng.SafeMode().State(),
		OpenPositions:    eng.Registry().Count(),
		Risk:             eng.Risk().Snapshot(),
		FailureStreak:    eng.Failures().Count(),
		EventLogDegraded: eng.Events().WriteErrored(),
		Assets:           eng.Hub().Assets(),
	}
	if started := eng.StartedAt(); !started.IsZero() {
		st.Uptime = time.Since(started).Round(time.Second).String()
	}

	st.Strategy.State = eng.Strategy().State()
	if c := eng.Strategy().Active(); c != nil {
		st.Strategy.ID = c.ID
		loaded := c.LoadedAt
		st.Strategy.LoadedAt = &loaded
		valid := c.Doc.ValidityWindow
		st.Strategy.ValidUntil = &valid
		st.Strategy.Posture = c.Doc.Posture
		st.Strategy.Positions = len(c.Positions)
	}

	if backoff, resume := eng.OrderRouter().InBackoff(); backoff {
		st.RateLimit.InBackoff = true
		st.RateLimit.ResumeAt = &resume
	}
	if last := eng.Hub().LastTickAt(); !last.IsZero() {
		st.LastTickAt = &last
	}
	return st
}

// effectiveMode is the mode stamped on event records: safe mode wins
// over the persisted operation mode.
func effectiveMode(eng Engine) types.Mode {
	if eng.SafeMode().State().Active {
		return types.ModeSafe
	}
	return eng.OperationMode().State().Mode
}
