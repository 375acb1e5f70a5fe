package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PointerValidity bounds how old a saved pointer can be and still be worth
// resuming; it mirrors the server's session idle timeout.
const PointerValidity = 10 * time.Minute

// Pointer is the on-disk record of a paused or in-progress analysis, enough
// to resume after a process restart. The step history rides along so resumed
// transforms can still reference earlier steps.
type Pointer struct {
	SessionID  string         `json:"sessionId"`
	AnalysisID string         `json:"analysisId"`
	Query      string         `json:"query"`
	Steps      []AnalysisStep `json:"steps,omitempty"`
	SavedAt    time.Time      `json:"savedAt"`
}

// SavePointer writes the pointer atomically via a temp file rename.
func SavePointer(path string, p Pointer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create pointer directory: %w", err)
	}

	p.SavedAt = time.Now()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode pointer: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pointer: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace pointer: %w", err)
	}
	return nil
}

// LoadPointer reads a pointer if one exists and is still fresh. A stale or
// missing pointer returns ok=false; the server would have swept the session
// anyway.
func LoadPointer(path string) (Pointer, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Pointer{}, false, nil
	}
	if err != nil {
		return Pointer{}, false, fmt.Errorf("failed to read pointer: %w", err)
	}

	var p Pointer
	if err := json.Unmarshal(data, &p); err != nil {
		return Pointer{}, false, fmt.Errorf("failed to decode pointer: %w", err)
	}
	if p.SessionID == "" || time.Since(p.SavedAt) > PointerValidity {
		return Pointer{}, false, nil
	}
	return p, true, nil
}

// ClearPointer removes the pointer file. Missing is fine.
func ClearPointer(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pointer: %w", err)
	}
	return nil
}
