// Package events implements the append-only execution event log.
//
// Every state change in the service is recorded as one newline-delimited
// JSON object. Writes are serialized through a single mutex so lines never
// interleave; a bounded in-memory ring serves recent-event queries without
// touching disk. Subscribers registered with Subscribe receive each event
// after it is written, outside the write lock, so a slow or panicking
// subscriber cannot stall or corrupt the log.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"stratexec/pkg/types"
)

// ModeFunc reports the mode stamped on each event. The service wires this
// to return ModeSafe while safe mode is active and the operation mode
// otherwise.
type ModeFunc func() types.Mode

// Log is the NDJSON event sink. All writes go through Emit.
type Log struct {
	dir     string
	rotate  bool   // daily file rotation (events.YYYY-MM-DD.ndjson)
	version string // stamped on every event
	modeFn  ModeFunc
	logger  *slog.Logger

	mu       sync.Mutex // serializes file writes and ring updates
	file     *os.File
	fileDate string // UTC date the open handle was created for
	ring     []Event
	ringCap  int

	writeErrored atomic.Bool

	subsMu sync.RWMutex
	subs   []func(Event)
}

// NewLog creates the event log rooted at dir. The file handle is opened
// lazily on first write. ringSize bounds the in-memory recent-event
// buffer; values < 1 fall back to 256.
func NewLog(dir string, rotate bool, ringSize int, version string, modeFn ModeFunc, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	if ringSize < 1 {
		ringSize = 256
	}
	if modeFn == nil {
		modeFn = func() types.Mode { return types.ModePaper }
	}
	return &Log{
		dir:     dir,
		rotate:  rotate,
		version: version,
		modeFn:  modeFn,
		logger:  logger.With("component", "events"),
		ringCap: ringSize,
	}, nil
}

// Emit appends one event to the log and delivers it to subscribers.
// Write failures are flagged and logged, never propagated: losing a log
// line must not take down the trading path.
func (l *Log) Emit(eventType string, data map[string]any) {
	ev := Event{
		Timestamp:      time.Now().UTC(),
		Type:           eventType,
		Mode:           l.modeFn(),
		ServiceVersion: l.version,
		Data:           data,
	}

	l.mu.Lock()
	l.writeLocked(ev)
	l.ring = append(l.ring, ev)
	if len(l.ring) > l.ringCap {
		l.ring = l.ring[len(l.ring)-l.ringCap:]
	}
	l.mu.Unlock()

	l.notify(ev)
}

// writeLocked serializes ev and appends it to the current file, rotating
// the handle first when the UTC date has advanced.
func (l *Log) writeLocked(ev Event) {
	if err := l.ensureFileLocked(ev.Timestamp); err != nil {
		l.writeErrored.Store(true)
		l.logger.Error("open event log", "error", err)
		return
	}

	line, err := json.Marshal(ev)
	if err != nil {
		l.writeErrored.Store(true)
		l.logger.Error("marshal event", "type", ev.Type, "error", err)
		return
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.writeErrored.Store(true)
		l.logger.Error("write event", "type", ev.Type, "error", err)
		return
	}
	l.writeErrored.Store(false)
}

func (l *Log) ensureFileLocked(now time.Time) error {
	date := now.Format("2006-01-02")
	if l.file != nil && (!l.rotate || l.fileDate == date) {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	name := "events.ndjson"
	if l.rotate {
		name = "events." + date + ".ndjson"
	}
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	l.file = f
	l.fileDate = date
	return nil
}

// RotateCheck forces the rotation check outside the write path. The
// midnight scheduler calls this so a quiet service still rolls its file.
func (l *Log) RotateCheck() {
	if !l.rotate {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureFileLocked(time.Now().UTC()); err != nil {
		l.writeErrored.Store(true)
		l.logger.Error("rotate event log", "error", err)
	}
}

// Recent returns up to limit most recent events, oldest first.
func (l *Log) Recent(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.ring)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, l.ring[len(l.ring)-n:])
	return out
}

// Subscribe registers fn to receive every subsequent event. Subscribers
// run synchronously after the write, outside the log mutex; panics are
// recovered so one bad subscriber cannot kill the emitter goroutine.
func (l *Log) Subscribe(fn func(Event)) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	l.subs = append(l.subs, fn)
}

func (l *Log) notify(ev Event) {
	l.subsMu.RLock()
	subs := l.subs
	l.subsMu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("event subscriber panic", "type", ev.Type, "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}

// WriteErrored reports whether the most recent write attempt failed.
// The operator status surface exposes this as degraded durability.
func (l *Log) WriteErrored() bool {
	return l.writeErrored.Load()
}

// Close flushes and closes the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
