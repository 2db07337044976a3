package risk

import (
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"stratexec/internal/events"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testLimits() Limits {
	return Limits{
		MaxDrawdownPct:      d("0.15"),
		MaxTotalExposurePct: d("0.50"),
		DailyLossLimitUSD:   d("300"),
	}
}

func newTestManager(t *testing.T) (*Manager, *events.Log) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	log, err := events.NewLog(t.TempDir(), false, 64, "test", nil, logger)
	if err != nil {
		t.Fatalf("events.NewLog: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	rm := NewManager(log, logger)
	rm.SetLimits(testLimits())
	return rm, log
}

func countBreaches(log *events.Log, limit string) int {
	n := 0
	for _, ev := range log.Recent(0) {
		if ev.Type == events.RiskLimitBreached && ev.Data["limit"] == limit {
			n++
		}
	}
	return n
}

func TestEvaluateUnderLimits(t *testing.T) {
	t.Parallel()
	rm, log := newTestManager(t)

	dec := rm.Evaluate(d("10000"), d("2000"))
	if dec.SafeMode {
		t.Error("safe mode should not fire under limits")
	}
	if !dec.EntriesAllowed {
		t.Error("entries should be allowed under limits")
	}
	if got := log.Recent(0); len(got) != 0 {
		t.Errorf("unexpected events: %+v", got)
	}
}

func TestPeakEquityRatchets(t *testing.T) {
	t.Parallel()
	rm, _ := newTestManager(t)

	rm.Evaluate(d("10000"), decimal.Zero)
	rm.Evaluate(d("11000"), decimal.Zero)
	rm.Evaluate(d("10500"), decimal.Zero)

	if !rm.peakEquity.Equal(d("11000")) {
		t.Errorf("peak = %s, want 11000 (never falls)", rm.peakEquity)
	}
}

func TestDrawdownTriggersSafeModeOnce(t *testing.T) {
	t.Parallel()
	rm, log := newTestManager(t)

	rm.Evaluate(d("10000"), decimal.Zero)

	// 16% under peak, limit is 15%.
	dec := rm.Evaluate(d("8400"), decimal.Zero)
	if !dec.SafeMode {
		t.Fatal("expected safe mode on drawdown breach")
	}
	if dec.SafeModeReason != "max_drawdown_pct" {
		t.Errorf("reason = %q, want max_drawdown_pct", dec.SafeModeReason)
	}
	if dec.EntriesAllowed {
		t.Error("entries must be blocked after drawdown breach")
	}

	// Latched: subsequent evaluations do not re-fire.
	dec = rm.Evaluate(d("8300"), decimal.Zero)
	if dec.SafeMode {
		t.Error("safe mode should fire only on the transition")
	}
	if got := countBreaches(log, "max_drawdown_pct"); got != 1 {
		t.Errorf("risk_limit_breached emitted %d times, want 1", got)
	}
}

func TestExposureSuspendAndHysteresis(t *testing.T) {
	t.Parallel()
	rm, log := newTestManager(t)

	// 60% exposure against a 50% cap.
	dec := rm.Evaluate(d("10000"), d("6000"))
	if dec.EntriesAllowed {
		t.Fatal("entries should be suspended at 60% exposure")
	}
	if !rm.exposureSuspended {
		t.Fatal("exposure latch should be set")
	}

	// 48% is below the cap but above the 95% resume band (47.5%).
	dec = rm.Evaluate(d("10000"), d("4800"))
	if dec.EntriesAllowed {
		t.Error("entries should stay suspended inside the hysteresis band")
	}

	// 47% clears the band.
	dec = rm.Evaluate(d("10000"), d("4700"))
	if !dec.EntriesAllowed {
		t.Error("entries should resume below 95% of the cap")
	}
	if got := countBreaches(log, "max_total_exposure_pct"); got != 1 {
		t.Errorf("exposure breach emitted %d times, want 1", got)
	}
}

func TestExposureResumeBlockedBySafeModeLatch(t *testing.T) {
	t.Parallel()
	rm, _ := newTestManager(t)

	rm.Evaluate(d("10000"), decimal.Zero)
	rm.Evaluate(d("8000"), d("4800")) // 20% drawdown + 60% exposure

	if !rm.safeModeTriggered || !rm.exposureSuspended {
		t.Fatal("expected both latches set")
	}

	// Exposure falls to zero but the drawdown latch holds everything.
	dec := rm.Evaluate(d("8000"), decimal.Zero)
	if dec.EntriesAllowed {
		t.Error("entries must stay blocked while safe mode latch holds")
	}
	if !rm.exposureSuspended {
		t.Error("exposure latch must not clear while safe mode latch holds")
	}
}

func TestDailyLossSuspendsUntilBaselineReset(t *testing.T) {
	t.Parallel()
	rm, log := newTestManager(t)

	rm.Evaluate(d("10000"), decimal.Zero) // baseline = 10000

	// Loss of 350 against a 300 limit. Drawdown is only 3.5%, under its limit.
	dec := rm.Evaluate(d("9650"), decimal.Zero)
	if dec.SafeMode {
		t.Fatal("daily loss must not trigger safe mode")
	}
	if dec.EntriesAllowed {
		t.Fatal("entries should be suspended on daily loss breach")
	}
	if got := countBreaches(log, "daily_loss_limit_usd"); got != 1 {
		t.Fatalf("daily loss breach emitted %d times, want 1", got)
	}

	// Recovery does not clear the latch; only the UTC midnight reset does.
	dec = rm.Evaluate(d("9900"), decimal.Zero)
	if dec.EntriesAllowed {
		t.Error("daily suspension must hold until the baseline reset")
	}

	rm.ResetDailyBaseline(d("9900"))
	dec = rm.Evaluate(d("9900"), decimal.Zero)
	if !dec.EntriesAllowed {
		t.Error("entries should resume after the baseline reset")
	}
}

func TestResetClearsAllLatches(t *testing.T) {
	t.Parallel()
	rm, _ := newTestManager(t)

	rm.Evaluate(d("10000"), decimal.Zero)
	rm.Evaluate(d("8000"), d("6000")) // drawdown + exposure

	rm.Reset(d("8000"))

	if !rm.EntriesAllowed() {
		t.Error("entries should be allowed after Reset")
	}
	if !rm.peakEquity.Equal(d("8000")) {
		t.Errorf("peak after reset = %s, want 8000", rm.peakEquity)
	}
	dec := rm.Evaluate(d("8000"), decimal.Zero)
	if dec.SafeMode || !dec.EntriesAllowed {
		t.Errorf("evaluation after reset = %+v, want clean", dec)
	}
}

func TestZeroLimitsDisableChecks(t *testing.T) {
	t.Parallel()
	rm, log := newTestManager(t)
	rm.SetLimits(Limits{})

	rm.Evaluate(d("10000"), d("9000"))
	dec := rm.Evaluate(d("1000"), d("9000"))
	if !dec.EntriesAllowed {
		t.Error("no limits configured, entries must be allowed")
	}
	if got := log.Recent(0); len(got) != 0 {
		t.Errorf("unexpected events with limits disabled: %+v", got)
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	t.Parallel()
	rm, _ := newTestManager(t)

	rm.Evaluate(d("10000"), d("2500"))
	snap := rm.Snapshot()

	if !snap.Equity.Equal(d("10000")) {
		t.Errorf("equity = %s, want 10000", snap.Equity)
	}
	if !snap.ExposurePct.Equal(d("0.25")) {
		t.Errorf("exposure_pct = %s, want 0.25", snap.ExposurePct)
	}
	if !snap.EntriesAllowed || snap.SuspendReason != "" {
		t.Errorf("snapshot = %+v, want entries allowed with no reason", snap)
	}
}
