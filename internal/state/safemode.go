package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stratexec/internal/events"
)

// SafeModeState is the on-disk shape of safe_mode.json.
type SafeModeState struct {
	Active      bool       `json:"active"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// CloseAllFunc market-closes every open position. The engine wires this
// in; safe mode activation calls it best-effort after the flag persists.
type CloseAllFunc func(ctx context.Context)

// SafeMode is the persistent protective flag. While active the service
// places no new entry orders and stamps events with mode "safe". The flag
// survives restarts; only an explicit operator deactivation clears it.
type SafeMode struct {
	path    string
	tracker *FailureTracker
	log     *events.Log
	logger  *slog.Logger

	closeAll CloseAllFunc

	mu sync.Mutex
	st SafeModeState
}

// NewSafeMode creates the controller persisting to path. Deactivation
// resets tracker so a cleared streak does not immediately re-trigger.
func NewSafeMode(path string, tracker *FailureTracker, log *events.Log, logger *slog.Logger) *SafeMode {
	return &SafeMode{
		path:    path,
		tracker: tracker,
		log:     log,
		logger:  logger.With("component", "safemode"),
	}
}

// SetCloseAll registers the position-flattening hook. Must be called
// during wiring, before any activation path can run.
func (s *SafeMode) SetCloseAll(fn CloseAllFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAll = fn
}

// Load restores the persisted flag. Missing file means inactive.
func (s *SafeMode) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := loadJSON(s.path, &s.st)
	return err
}

// Active reports whether safe mode is engaged.
func (s *SafeMode) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Active
}

// State returns a copy of the current state.
func (s *SafeMode) State() SafeModeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Activate engages safe mode and market-closes all open positions.
// Idempotent: a second call while active does nothing and emits nothing,
// so concurrent triggers (risk breach racing failure streak) produce a
// single activation event. Close failures are logged but never roll the
// flag back — a half-flattened book in safe mode beats an open one out
// of it.
func (s *SafeMode) Activate(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.st.Active {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	s.st = SafeModeState{Active: true, TriggeredAt: &now, Reason: reason}
	if err := saveJSON(s.path, s.st); err != nil {
		s.logger.Error("persist safe mode", "error", err)
	}
	closeAll := s.closeAll
	s.mu.Unlock()

	s.logger.Warn("safe mode activated", "reason", reason)
	s.log.Emit(events.SafeModeActivated, map[string]any{"reason": reason})

	if closeAll != nil {
		closeAll(ctx)
	}
}

// Deactivate clears the flag and resets the failure streak. Requires an
// explicit operator action; nothing in the service calls this on its own.
func (s *SafeMode) Deactivate(ctx context.Context, note string) {
	s.mu.Lock()
	if !s.st.Active {
		s.mu.Unlock()
		return
	}
	s.st = SafeModeState{}
	if err := saveJSON(s.path, s.st); err != nil {
		s.logger.Error("persist safe mode", "error", err)
	}
	s.mu.Unlock()

	if s.tracker != nil {
		s.tracker.Reset()
	}

	s.logger.Info("safe mode deactivated", "note", note)
	s.log.Emit(events.SafeModeDeactivated, map[string]any{"operator_note": note})
}
