package daemon

import (
	"os"
	"path/filepath"

	"github.com/jamesainslie/forgevisor/pkg/forge/logging"
)

// JournalDir returns the Badger journal directory inside dataDir.
func JournalDir(dataDir string) string {
	return filepath.Join(dataDir, "journal.db")
}

// RecoverFromStaleDaemon checks for and cleans up stale daemon artifacts.
// Returns nil if cleanup succeeded or wasn't needed.
// Returns ErrDaemonAlreadyRunning if a daemon is actually running.
func RecoverFromStaleDaemon(pidPath, socketPath, dataDir string) error {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		// No PID file or invalid PID means nothing to recover - this is success, not an error
		return nil //nolint:nilerr // intentional: missing/invalid PID file is not an error condition
	}

	if IsProcessRunning(pid) {
		return ErrDaemonAlreadyRunning
	}

	log := logging.Get("daemon")
	log.Warn("cleaning up stale daemon files", "stale_pid", pid)

	// Remove stale files (ignore errors - files may not exist)
	_ = os.Remove(pidPath)
	_ = os.Remove(socketPath)
	_ = os.Remove(StatusPath(dataDir))
	_ = os.Remove(filepath.Join(JournalDir(dataDir), "LOCK"))

	return nil
}
