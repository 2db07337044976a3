// service.go hosts the strategy file watcher and the active-strategy
// pointer.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"stratexec/internal/config"
	"stratexec/internal/events"
)

// State is the lifecycle state of the strategy slot.
type State string

const (
	StateIdle    State = "idle"    // no strategy loaded
	StateActive  State = "active"  // loaded and inside the validity window
	StateExpired State = "expired" // past validity: exits only
)

// Service watches the strategy file and swaps the active compiled
// strategy. Edits are debounced so editors that write in several
// syscalls trigger one reload. Expiry is checked on a timer; an expired
// strategy stays readable (exits keep working) but blocks new entries.
type Service struct {
	path     string
	debounce time.Duration
	interval time.Duration
	log      *events.Log
	logger   *slog.Logger

	mu     sync.RWMutex
	active *Compiled
	state  State

	reloadMu sync.Mutex // serializes file reloads

	onLoaded  func(*Compiled)
	onExpired func(*Compiled)

	watcher *fsnotify.Watcher
}

// NewService creates the watcher service for cfg.Path.
func NewService(cfg config.StrategyConfig, log *events.Log, logger *slog.Logger) *Service {
	return &Service{
		path:     cfg.Path,
		debounce: cfg.ReloadLatency(),
		interval: cfg.ValidityCheckInterval(),
		log:      log,
		logger:   logger.With("component", "strategy"),
		state:    StateIdle,
	}
}

// SetOnLoaded registers the hook fired after every successful load.
// Must be set before Start.
func (s *Service) SetOnLoaded(fn func(*Compiled)) { s.onLoaded = fn }

// SetOnExpired registers the hook fired when the validity window
// passes. Must be set before Start.
func (s *Service) SetOnExpired(fn func(*Compiled)) { s.onExpired = fn }

// Start performs the initial load and begins watching. Returns after
// spawning the watch goroutine; Stop or ctx cancellation ends it.
func (s *Service) Start(ctx context.Context) error {
	if _, err := os.Stat(s.path); err == nil {
		s.Reload()
	} else {
		s.logger.Info("no strategy file yet, waiting", "path", s.path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create strategy watcher: %w", err)
	}
	// Watch the directory: atomic-rename writers never touch the file's
	// own watch descriptor.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch strategy dir: %w", err)
	}
	s.watcher = watcher

	go s.watch(ctx)
	return nil
}

// Stop closes the file watcher.
func (s *Service) Stop() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// Active returns the current compiled strategy, nil when idle. An
// expired strategy is still returned; check State for entry gating.
func (s *Service) Active() *Compiled {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// State reports the lifecycle state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// EntriesAllowed reports whether new entries may dispatch.
func (s *Service) EntriesAllowed() bool {
	return s.State() == StateActive
}

// Reload loads the strategy file now, bypassing the debounce. Used by
// the watcher and by the operator force-reload endpoint.
func (s *Service) Reload() {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Error("strategy file unreadable", "path", s.path, "error", err)
		s.log.Emit(events.StrategyRejected, map[string]any{
			"path":   s.path,
			"reason": fmt.Sprintf("read: %v", err),
		})
		return
	}

	compiled, err := Compile(raw)
	if err != nil {
		data := map[string]any{"path": s.path}
		var verr *ValidationError
		if errors.As(err, &verr) {
			data["errors"] = verr.Errors
		} else {
			data["reason"] = err.Error()
		}
		s.logger.Error("strategy rejected", "error", err)
		s.log.Emit(events.StrategyRejected, data)
		return
	}

	s.mu.Lock()
	prev := s.active
	s.active = compiled
	s.state = StateActive
	s.mu.Unlock()

	s.logger.Info("strategy loaded",
		"strategy_id", compiled.ID,
		"mode", compiled.Doc.Mode,
		"posture", compiled.Doc.Posture,
		"positions", len(compiled.Positions),
		"valid_until", compiled.Doc.ValidityWindow,
	)
	s.log.Emit(events.StrategyLoaded, map[string]any{
		"strategy_id": compiled.ID,
		"mode":        string(compiled.Doc.Mode),
		"posture":     string(compiled.Doc.Posture),
		"positions":   len(compiled.Positions),
		"valid_until": compiled.Doc.ValidityWindow.Format(time.RFC3339),
	})
	if prev != nil && prev.ID != compiled.ID {
		s.log.Emit(events.StrategySwapped, map[string]any{
			"previous_strategy_id": prev.ID,
			"strategy_id":          compiled.ID,
		})
	}

	if s.onLoaded != nil {
		s.onLoaded(compiled)
	}
}

// watch drains filesystem events, debouncing bursts into one reload,
// and runs the validity ticker.
func (s *Service) watch(ctx context.Context) {
	debounce := time.NewTimer(s.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(s.debounce)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("strategy watcher error", "error", err)

		case <-debounce.C:
			s.Reload()

		case <-ticker.C:
			s.checkValidity()
		}
	}
}

// checkValidity transitions active → expired when the window passes.
func (s *Service) checkValidity() {
	s.mu.Lock()
	if s.state != StateActive || s.active == nil {
		s.mu.Unlock()
		return
	}
	if time.Now().Before(s.active.Doc.ValidityWindow) {
		s.mu.Unlock()
		return
	}
	expired := s.active
	s.state = StateExpired
	s.mu.Unlock()

	s.logger.Warn("strategy expired",
		"strategy_id", expired.ID,
		"validity_window", expired.Doc.ValidityWindow,
	)
	s.log.Emit(events.StrategyExpired, map[string]any{
		"strategy_id":     expired.ID,
		"validity_window": expired.Doc.ValidityWindow.Format(time.RFC3339),
	})

	if s.onExpired != nil {
		s.onExpired(expired)
	}
}
