package state

import (
	"log/slog"
	"sync"
	"time"
)

// failureState is the on-disk shape of failure_count.json.
type failureState struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureUTC      *time.Time `json:"last_failure_utc,omitempty"`
}

// FailureTracker counts consecutive order-placement failures. Any success
// resets the count; reaching the threshold fires the trigger callback
// exactly once until the tracker is reset. The count is persisted so a
// crash-loop cannot launder a failure streak.
type FailureTracker struct {
	path      string
	threshold int
	logger    *slog.Logger

	mu      sync.Mutex
	st      failureState
	latched bool // trigger already fired for the current streak

	onTrigger func(reason string)
}

// NewFailureTracker creates a tracker persisting to path. threshold < 1
// disables triggering entirely.
func NewFailureTracker(path string, threshold int, logger *slog.Logger) *FailureTracker {
	return &FailureTracker{
		path:      path,
		threshold: threshold,
		logger:    logger.With("component", "failures"),
	}
}

// SetOnTrigger registers the callback invoked when the streak reaches the
// threshold. Called before the service starts taking ticks.
func (t *FailureTracker) SetOnTrigger(fn func(reason string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrigger = fn
}

// Load restores the persisted count. A restored streak at or past the
// threshold starts latched: safe mode was already triggered before the
// restart, and re-firing would double-activate it.
func (t *FailureTracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	found, err := loadJSON(t.path, &t.st)
	if err != nil {
		return err
	}
	if found && t.threshold > 0 && t.st.ConsecutiveFailures >= t.threshold {
		t.latched = true
	}
	return nil
}

// RecordSuccess resets the streak to zero.
func (t *FailureTracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.st.ConsecutiveFailures == 0 && !t.latched {
		return
	}
	t.st.ConsecutiveFailures = 0
	t.st.LastFailureUTC = nil
	t.latched = false
	t.persistLocked()
}

// RecordFailure increments the streak and fires the trigger when the
// threshold is reached for the first time in this streak.
func (t *FailureTracker) RecordFailure() {
	t.mu.Lock()
	now := time.Now().UTC()
	t.st.ConsecutiveFailures++
	t.st.LastFailureUTC = &now
	t.persistLocked()

	fire := t.threshold > 0 && t.st.ConsecutiveFailures >= t.threshold && !t.latched
	if fire {
		t.latched = true
	}
	cb := t.onTrigger
	count := t.st.ConsecutiveFailures
	t.mu.Unlock()

	if fire {
		t.logger.Warn("consecutive failure threshold reached", "count", count, "threshold", t.threshold)
		if cb != nil {
			cb("consecutive_failures")
		}
	}
}

// Reset clears the streak and the latch. Called on safe-mode deactivation.
func (t *FailureTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.ConsecutiveFailures = 0
	t.st.LastFailureUTC = nil
	t.latched = false
	t.persistLocked()
}

// Count returns the current consecutive-failure count.
func (t *FailureTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st.ConsecutiveFailures
}

// Latched reports whether the trigger has fired for the current streak.
func (t *FailureTracker) Latched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latched
}

func (t *FailureTracker) persistLocked() {
	if err := saveJSON(t.path, t.st); err != nil {
		t.logger.Error("persist failure count", "error", err)
	}
}
