package state

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stratexec/internal/events"
	"stratexec/pkg/types"
)

// OperationModeState is the on-disk shape of operation_mode.json.
type OperationModeState struct {
	Mode      types.Mode `json:"mode"`
	ChangedAt time.Time  `json:"changed_at"`
	ChangedBy string     `json:"changed_by,omitempty"`
}

// OperationMode is the persistent paper/live switch. The router selects
// its adapter off this flag; promotion and demotion are operator actions.
type OperationMode struct {
	path   string
	log    *events.Log
	logger *slog.Logger

	mu sync.RWMutex
	st OperationModeState
}

// NewOperationMode creates the switch persisting to path. Default paper.
func NewOperationMode(path string, log *events.Log, logger *slog.Logger) *OperationMode {
	return &OperationMode{
		path:   path,
		log:    log,
		logger: logger.With("component", "opmode"),
		st:     OperationModeState{Mode: types.ModePaper},
	}
}

// Load restores the persisted mode. Missing file keeps the paper default.
func (m *OperationMode) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found, err := loadJSON(m.path, &m.st)
	if err != nil {
		return err
	}
	if !found || (m.st.Mode != types.ModePaper && m.st.Mode != types.ModeLive) {
		m.st = OperationModeState{Mode: types.ModePaper}
	}
	return nil
}

// Current returns the active operation mode.
func (m *OperationMode) Current() types.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Mode
}

// State returns a copy of the persisted state.
func (m *OperationMode) State() OperationModeState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st
}

// Set switches the operation mode. Setting the current mode is a no-op.
func (m *OperationMode) Set(mode types.Mode, note, operator string) error {
	if mode != types.ModePaper && mode != types.ModeLive {
		return fmt.Errorf("invalid operation mode %q", mode)
	}

	m.mu.Lock()
	prev := m.st.Mode
	if prev == mode {
		m.mu.Unlock()
		return nil
	}
	m.st = OperationModeState{Mode: mode, ChangedAt: time.Now().UTC(), ChangedBy: operator}
	if err := saveJSON(m.path, m.st); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.logger.Info("operation mode changed", "from", prev, "to", mode, "by", operator)
	m.log.Emit(events.ModeChanged, map[string]any{
		"new_mode":      string(mode),
		"previous_mode": string(prev),
		"operator_note": note,
	})
	return nil
}
