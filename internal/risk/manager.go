// Package risk enforces portfolio-level limits over the whole account.
//
// The engine calls Evaluate at the top of every tick with current equity
// and gross exposure. The manager checks them against the limits from the
// active strategy document:
//
//   - Max drawdown:   equity falling max_drawdown_pct below its peak
//     triggers safe mode (latched until Reset)
//   - Exposure cap:   gross exposure at or above max_total_exposure_pct
//     of equity suspends new entries; entries resume once exposure falls
//     below 95% of the cap (hysteresis, so a position hovering at the
//     limit does not flap)
//   - Daily loss:     equity dropping daily_loss_limit_usd below the
//     daily baseline suspends new entries until the next UTC midnight,
//     when the scheduler resets the baseline
//
// Breaches are latched and emit risk_limit_breached exactly once per
// transition. The manager never places or cancels orders itself; the
// engine reads the Decision and acts.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stratexec/internal/events"
)

// Limits are the portfolio-level thresholds from the strategy document.
// A non-positive limit disables its check.
type Limits struct {
	MaxDrawdownPct      decimal.Decimal
	MaxTotalExposurePct decimal.Decimal
	DailyLossLimitUSD   decimal.Decimal
}

// Decision is the outcome of one evaluation. SafeMode is true only on
// the tick the drawdown limit is first breached; the engine activates
// safe mode then. EntriesAllowed reflects every latch.
type Decision struct {
	SafeMode       bool
	SafeModeReason string
	EntriesAllowed bool
}

// exposureResumeFraction is the hysteresis band: entries suspended for
// exposure resume only below this fraction of the cap.
var exposureResumeFraction = decimal.NewFromFloat(0.95)

// Manager enforces the portfolio limits. All evaluation happens on the
// engine tick goroutine; the mutex exists for the API snapshot readers.
type Manager struct {
	logger *slog.Logger
	log    *events.Log

	mu                sync.RWMutex
	limits            Limits
	peakEquity        decimal.Decimal
	dailyBaseline     decimal.Decimal
	baselineSet       bool
	safeModeTriggered bool
	exposureSuspended bool
	dailySuspended    bool

	// last observed metrics, for the status endpoint
	equity      decimal.Decimal
	exposurePct decimal.Decimal
	drawdownPct decimal.Decimal
	dailyLoss   decimal.Decimal
	evaluatedAt time.Time
}

// NewManager creates a risk manager with no limits set. Limits arrive
// with the first strategy load.
func NewManager(log *events.Log, logger *slog.Logger) *Manager {
	return &Manager{
		logger: logger.With("component", "risk"),
		log:    log,
	}
}

// SetLimits replaces the active limits. Called on every strategy load.
func (rm *Manager) SetLimits(l Limits) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.limits = l
}

// Evaluate checks equity and gross exposure against the limits and
// returns what the engine should do. Peak equity ratchets up on every
// call; the daily baseline initializes on the first.
func (rm *Manager) Evaluate(equity, grossExposure decimal.Decimal) Decision {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if equity.GreaterThan(rm.peakEquity) {
		rm.peakEquity = equity
	}
	if !rm.baselineSet {
		rm.dailyBaseline = equity
		rm.baselineSet = true
	}

	rm.equity = equity
	rm.evaluatedAt = time.Now().UTC()

	rm.drawdownPct = decimal.Zero
	if rm.peakEquity.IsPositive() {
		rm.drawdownPct = rm.peakEquity.Sub(equity).Div(rm.peakEquity)
	}
	rm.exposurePct = decimal.Zero
	if equity.IsPositive() {
		rm.exposurePct = grossExposure.Div(equity)
	} else if grossExposure.IsPositive() {
		rm.exposurePct = decimal.NewFromInt(1)
	}
	rm.dailyLoss = rm.dailyBaseline.Sub(equity)

	dec := Decision{}

	if rm.limits.MaxDrawdownPct.IsPositive() &&
		rm.drawdownPct.GreaterThanOrEqual(rm.limits.MaxDrawdownPct) &&
		!rm.safeModeTriggered {
		rm.safeModeTriggered = true
		dec.SafeMode = true
		dec.SafeModeReason = "max_drawdown_pct"
		rm.logger.Error("drawdown limit breached",
			"drawdown_pct", rm.drawdownPct,
			"limit", rm.limits.MaxDrawdownPct,
			"equity", equity,
			"peak_equity", rm.peakEquity,
		)
		rm.log.Emit(events.RiskLimitBreached, map[string]any{
			"limit":       "max_drawdown_pct",
			"action":      "safe_mode",
			"threshold":   rm.limits.MaxDrawdownPct.String(),
			"observed":    rm.drawdownPct.String(),
			"equity":      equity.String(),
			"peak_equity": rm.peakEquity.String(),
		})
	}

	rm.checkExposure(grossExposure)
	rm.checkDailyLoss()

	dec.EntriesAllowed = !rm.safeModeTriggered && !rm.exposureSuspended && !rm.dailySuspended
	return dec
}

func (rm *Manager) checkExposure(grossExposure decimal.Decimal) {
	capPct := rm.limits.MaxTotalExposurePct
	if !capPct.IsPositive() {
		rm.exposureSuspended = false
		return
	}

	if !rm.exposureSuspended {
		if rm.exposurePct.GreaterThanOrEqual(capPct) {
			rm.exposureSuspended = true
			rm.logger.Warn("exposure cap reached, suspending entries",
				"exposure_pct", rm.exposurePct,
				"cap", capPct,
				"gross_exposure_usd", grossExposure,
			)
			rm.log.Emit(events.RiskLimitBreached, map[string]any{
				"limit":     "max_total_exposure_pct",
				"action":    "suspend_entries",
				"threshold": capPct.String(),
				"observed":  rm.exposurePct.String(),
			})
		}
		return
	}

	// Suspended: resume only below 95% of the cap, and never while the
	// drawdown latch holds.
	if rm.safeModeTriggered {
		return
	}
	if rm.exposurePct.LessThan(capPct.Mul(exposureResumeFraction)) {
		rm.exposureSuspended = false
		rm.logger.Info("exposure back below resume band, entries allowed",
			"exposure_pct", rm.exposurePct,
			"cap", capPct,
		)
	}
}

func (rm *Manager) checkDailyLoss() {
	limit := rm.limits.DailyLossLimitUSD
	if !limit.IsPositive() || rm.dailySuspended {
		return
	}
	if rm.dailyLoss.GreaterThanOrEqual(limit) {
		rm.dailySuspended = true
		rm.logger.Warn("daily loss limit reached, suspending entries until UTC midnight",
			"daily_loss_usd", rm.dailyLoss,
			"limit_usd", limit,
		)
		rm.log.Emit(events.RiskLimitBreached, map[string]any{
			"limit":     "daily_loss_limit_usd",
			"action":    "suspend_entries_until_utc_midnight",
			"threshold": limit.String(),
			"observed":  rm.dailyLoss.String(),
		})
	}
}

// ResetDailyBaseline rebases the daily loss window. The scheduler calls
// this at UTC midnight; the daily suspension clears with it.
func (rm *Manager) ResetDailyBaseline(equity decimal.Decimal) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.dailyBaseline = equity
	rm.baselineSet = true
	if rm.dailySuspended {
		rm.dailySuspended = false
		rm.logger.Info("daily baseline reset, entries allowed again", "baseline", equity)
	} else {
		rm.logger.Info("daily baseline reset", "baseline", equity)
	}
}

// Reset clears every latch and rebases peak and baseline on the given
// equity. Called when safe mode is deactivated so stale drawdown state
// cannot immediately re-trigger.
func (rm *Manager) Reset(newEquity decimal.Decimal) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.peakEquity = newEquity
	rm.dailyBaseline = newEquity
	rm.baselineSet = true
	rm.safeModeTriggered = false
	rm.exposureSuspended = false
	rm.dailySuspended = false
	rm.logger.Info("risk state reset", "equity", newEquity)
}

// EntriesAllowed reports whether any latch currently blocks new entries.
func (rm *Manager) EntriesAllowed() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return !rm.safeModeTriggered && !rm.exposureSuspended && !rm.dailySuspended
}

// SuspendReason names the active latch, or "" when entries are allowed.
// Drawdown wins over exposure over daily loss when several hold.
func (rm *Manager) SuspendReason() string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.suspendReasonLocked()
}

func (rm *Manager) suspendReasonLocked() string {
	switch {
	case rm.safeModeTriggered:
		return "max_drawdown_pct"
	case rm.exposureSuspended:
		return "max_total_exposure_pct"
	case rm.dailySuspended:
		return "daily_loss_limit_usd"
	}
	return ""
}

// RiskSnapshot is the aggregate risk view for the status endpoint.
type RiskSnapshot struct {
	Equity            decimal.Decimal `json:"equity_usd"`
	PeakEquity        decimal.Decimal `json:"peak_equity_usd"`
	DailyBaseline     decimal.Decimal `json:"daily_baseline_usd"`
	ExposurePct       decimal.Decimal `json:"exposure_pct"`
	DrawdownPct       decimal.Decimal `json:"drawdown_pct"`
	DailyLossUSD      decimal.Decimal `json:"daily_loss_usd"`
	EntriesAllowed    bool            `json:"entries_allowed"`
	SuspendReason     string          `json:"suspend_reason,omitempty"`
	SafeModeTriggered bool            `json:"safe_mode_triggered"`
	EvaluatedAt       time.Time       `json:"evaluated_at"`
}

// Snapshot returns the current aggregate risk metrics.
func (rm *Manager) Snapshot() RiskSnapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	return RiskSnapshot{
		Equity:            rm.equity,
		PeakEquity:        rm.peakEquity,
		DailyBaseline:     rm.dailyBaseline,
		ExposurePct:       rm.exposurePct,
		DrawdownPct:       rm.drawdownPct,
		DailyLossUSD:      rm.dailyLoss,
		EntriesAllowed:    !rm.safeModeTriggered && !rm.exposureSuspended && !rm.dailySuspended,
		SuspendReason:     rm.suspendReasonLocked(),
		SafeModeTriggered: rm.safeModeTriggered,
		EvaluatedAt:       rm.evaluatedAt,
	}
}
