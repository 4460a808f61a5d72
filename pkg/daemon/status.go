package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/jamesainslie/forgevisor/pkg/forge/fsutil"
)

// Daemon startup states.
const (
	StatusReady = "ready"
	StatusError = "error"
)

// StatusFile represents the daemon startup status.
type StatusFile struct {
	Status string `json:"status"`           // "ready" or "error"
	PID    int    `json:"pid,omitempty"`    // Process ID (only for ready status)
	Listen string `json:"listen,omitempty"` // HTTP API address (only for ready status)
	Error  string `json:"error,omitempty"`  // Error message (only for error status)
}

// WriteStatusReady writes a ready status file.
func WriteStatusReady(path, listen string) error {
	return writeStatus(path, &StatusFile{
		Status: StatusReady,
		PID:    os.Getpid(),
		Listen: listen,
	})
}

// WriteStatusError writes an error status file.
func WriteStatusError(path string, err error) error {
	return writeStatus(path, &StatusFile{
		Status: StatusError,
		Error:  err.Error(),
	})
}

func writeStatus(path string, status *StatusFile) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fsutil.WriteAtomic(path, data, 0o644)
}

// ReadStatus reads a status file.
func ReadStatus(path string) (*StatusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status StatusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RemoveStatus removes the status file.
func RemoveStatus(path string) error {
	return os.Remove(path)
}

// StatusPath returns the status file path for a data directory.
func StatusPath(dataDir string) string {
	return filepath.Join(dataDir, "status.json")
}
