package events

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"stratexec/pkg/types"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := NewLog(t.TempDir(), false, 8, "test", func() types.Mode { return types.ModePaper }, slog.Default())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEmitWritesNDJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	l, err := NewLog(dir, false, 8, "1.0.0", func() types.Mode { return types.ModeLive }, slog.Default())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	defer l.Close()

	l.Emit(OrderPlaced, map[string]any{"asset": "BTC/USD"})
	l.Emit(OrderFilled, map[string]any{"asset": "BTC/USD"})

	f, err := os.Open(filepath.Join(dir, "events.ndjson"))
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()

	var lines []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		lines = append(lines, ev)
	}

	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].Type != OrderPlaced || lines[1].Type != OrderFilled {
		t.Errorf("types = %q, %q; want %q, %q", lines[0].Type, lines[1].Type, OrderPlaced, OrderFilled)
	}
	if lines[0].Mode != types.ModeLive {
		t.Errorf("mode = %q, want live", lines[0].Mode)
	}
	if lines[0].ServiceVersion != "1.0.0" {
		t.Errorf("service_version = %q, want 1.0.0", lines[0].ServiceVersion)
	}
	if lines[0].Data["asset"] != "BTC/USD" {
		t.Errorf("data.asset = %v, want BTC/USD", lines[0].Data["asset"])
	}
}

func TestRecentRingBounds(t *testing.T) {
	t.Parallel()
	l := newTestLog(t) // ring capacity 8

	for i := 0; i < 20; i++ {
		l.Emit(EntrySkipped, map[string]any{"n": i})
	}

	recent := l.Recent(0)
	if len(recent) != 8 {
		t.Fatalf("ring holds %d events, want 8", len(recent))
	}
	// Oldest surviving entry is n=12.
	if got := recent[0].Data["n"].(int); got != 12 {
		t.Errorf("oldest ring entry n = %v, want 12", got)
	}

	limited := l.Recent(3)
	if len(limited) != 3 {
		t.Fatalf("Recent(3) returned %d events", len(limited))
	}
	if got := limited[2].Data["n"].(int); got != 19 {
		t.Errorf("newest entry n = %v, want 19", got)
	}
}

func TestSubscriberReceivesEvents(t *testing.T) {
	t.Parallel()
	l := newTestLog(t)

	var got []string
	l.Subscribe(func(ev Event) { got = append(got, ev.Type) })

	l.Emit(SafeModeActivated, nil)
	l.Emit(SafeModeDeactivated, nil)

	if len(got) != 2 || got[0] != SafeModeActivated || got[1] != SafeModeDeactivated {
		t.Errorf("subscriber saw %v", got)
	}
}

func TestSubscriberPanicRecovered(t *testing.T) {
	t.Parallel()
	l := newTestLog(t)

	l.Subscribe(func(Event) { panic("boom") })

	var after string
	l.Subscribe(func(ev Event) { after = ev.Type })

	l.Emit(ModeChanged, nil) // must not panic the caller
	if after != ModeChanged {
		t.Errorf("subscriber after panicking one did not run, got %q", after)
	}
}

func TestRotationEmbedsDate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	l, err := NewLog(dir, true, 8, "test", nil, slog.Default())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	defer l.Close()

	l.Emit(ServiceStarted, nil)

	matches, err := filepath.Glob(filepath.Join(dir, "events.*.ndjson"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d dated log files, want 1 (%v)", len(matches), matches)
	}
}
