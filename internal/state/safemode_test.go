package state

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"stratexec/internal/events"
	"stratexec/pkg/types"
)

func newTestEventLog(t *testing.T) *events.Log {
	t.Helper()
	l, err := events.NewLog(t.TempDir(), false, 32, "test", func() types.Mode { return types.ModeSafe }, slog.Default())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func newTestSafeMode(t *testing.T) (*SafeMode, *events.Log, string) {
	t.Helper()
	log := newTestEventLog(t)
	path := filepath.Join(t.TempDir(), "safe_mode.json")
	tracker := NewFailureTracker(filepath.Join(t.TempDir(), "failure_count.json"), 3, slog.Default())
	return NewSafeMode(path, tracker, log, slog.Default()), log, path
}

func TestActivateFlattensAndPersists(t *testing.T) {
	t.Parallel()
	sm, log, path := newTestSafeMode(t)

	var closed bool
	sm.SetCloseAll(func(context.Context) { closed = true })

	var activations int
	var stampedMode types.Mode
	log.Subscribe(func(ev events.Event) {
		if ev.Type == events.SafeModeActivated {
			activations++
			stampedMode = ev.Mode
		}
	})

	sm.Activate(context.Background(), "drawdown_breach")

	if !sm.Active() {
		t.Fatal("Active() = false after Activate")
	}
	if !closed {
		t.Error("close-all hook not invoked")
	}
	if activations != 1 {
		t.Errorf("activation events = %d, want 1", activations)
	}
	if stampedMode != types.ModeSafe {
		t.Errorf("activation event mode = %s, want %s", stampedMode, types.ModeSafe)
	}
	if st := sm.State(); st.Reason != "drawdown_breach" || st.TriggeredAt == nil {
		t.Errorf("state = %+v", st)
	}

	// Restart: a fresh controller over the same file restores the flag.
	sm2 := NewSafeMode(path, nil, log, slog.Default())
	if err := sm2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !sm2.Active() {
		t.Error("safe mode did not survive restart")
	}
}

func TestActivateIdempotent(t *testing.T) {
	t.Parallel()
	sm, log, _ := newTestSafeMode(t)

	var activations atomic.Int32
	log.Subscribe(func(ev events.Event) {
		if ev.Type == events.SafeModeActivated {
			activations.Add(1)
		}
	})

	var closes atomic.Int32
	sm.SetCloseAll(func(context.Context) { closes.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm.Activate(context.Background(), "consecutive_failures")
		}()
	}
	wg.Wait()

	if got := activations.Load(); got != 1 {
		t.Errorf("concurrent Activate produced %d events, want 1", got)
	}
	if got := closes.Load(); got != 1 {
		t.Errorf("close-all ran %d times, want 1", got)
	}
}

func TestDeactivateResetsFailures(t *testing.T) {
	t.Parallel()
	log := newTestEventLog(t)
	dir := t.TempDir()
	tracker := NewFailureTracker(filepath.Join(dir, "failure_count.json"), 2, slog.Default())
	sm := NewSafeMode(filepath.Join(dir, "safe_mode.json"), tracker, log, slog.Default())

	tracker.RecordFailure()
	tracker.RecordFailure()
	sm.Activate(context.Background(), "consecutive_failures")

	var deactivations int
	log.Subscribe(func(ev events.Event) {
		if ev.Type == events.SafeModeDeactivated {
			deactivations++
		}
	})

	sm.Deactivate(context.Background(), "operator cleared")

	if sm.Active() {
		t.Error("still active after Deactivate")
	}
	if tracker.Count() != 0 || tracker.Latched() {
		t.Errorf("tracker not reset: count=%d latched=%v", tracker.Count(), tracker.Latched())
	}
	if deactivations != 1 {
		t.Errorf("deactivation events = %d, want 1", deactivations)
	}

	// Deactivating while inactive is a no-op.
	sm.Deactivate(context.Background(), "again")
	if deactivations != 1 {
		t.Errorf("no-op deactivate emitted an event")
	}
}
