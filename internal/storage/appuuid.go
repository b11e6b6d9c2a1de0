// Package storage holds the relay's small on-disk artifacts: the
// installation identifier and the append-only event recording.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateAppUUID returns the stable installation identifier,
// creating and persisting one on first run.
func LoadOrCreateAppUUID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		// corrupt file, regenerate
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read app uuid: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write app uuid: %w", err)
	}
	return id, nil
}
