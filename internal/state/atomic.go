// Package state persists the service's small operational flags — safe
// mode, the consecutive-failure counter, and the paper/live operation
// mode — as individual JSON files. Every write goes through an atomic
// replace (unique temp file + rename) so a crash mid-write can never
// leave a corrupt flag behind. These flags are what make the service's
// protective behavior survive restarts.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteFileAtomic writes data to path by way of a uniquely named temp
// file in the same directory, then renames it over the target. Unique
// temp names keep concurrent writers (operator command + tick loop) from
// clobbering each other's in-flight temp files.
func WriteFileAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// saveJSON marshals v (indented, so the files stay hand-inspectable) and
// writes it atomically.
func saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data)
}

// loadJSON reads path into v. Returns found=false (and no error) when the
// file does not exist yet.
func loadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
