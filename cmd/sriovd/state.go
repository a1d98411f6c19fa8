package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"sriov-emu/pkg/types"
)

const stateVersion = "1.0.0"

// stateDump is the on-disk form of the inventory
type stateDump struct {
	Timestamp string           `json:"timestamp"`
	Version   string           `json:"version"`
	Inventory *types.Inventory `json:"inventory"`
}

// stateWriter replaces the state file atomically so readers never see a
// partial dump. An empty path disables it.
type stateWriter struct {
	path string
	now  func() time.Time
}

func newStateWriter(path string) *stateWriter {
	return &stateWriter{path: path, now: time.Now}
}

func (w *stateWriter) write(inv *types.Inventory) error {
	if w.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(stateDump{
		Timestamp: w.now().Format(time.RFC3339),
		Version:   stateVersion,
		Inventory: inv,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(w.path, append(data, '\n'), 0o644)
}
