package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/jamesainslie/forgevisor/pkg/daemon"
	"github.com/jamesainslie/forgevisor/pkg/forge/config"
)

// DaemonBinary is the daemon executable name.
const DaemonBinary = "forgevisord"

// DaemonPaths configures paths for daemon operations.
// Empty fields use defaults.
type DaemonPaths struct {
	Binary string // Path to forgevisord binary (auto-discovered if empty)
	Config string // Config file passed to forgevisord
	Socket string // Unix socket path
	PID    string // PID file path
	Status string // Startup status file path
}

// PathsFromConfig returns the daemon paths a loaded config resolves to.
func PathsFromConfig(cfg *config.Config, configFile string) DaemonPaths {
	return DaemonPaths{
		Config: configFile,
		Socket: cfg.SocketPath(),
		PID:    cfg.PIDPath(),
		Status: daemon.StatusPath(cfg.DataPath()),
	}
}

// withDefaults returns a copy with empty fields filled with defaults.
func (p DaemonPaths) withDefaults() DaemonPaths {
	if p.Socket == "" {
		p.Socket = config.DefaultSocketPath()
	}
	if p.PID == "" {
		p.PID = config.DefaultPIDPath()
	}
	if p.Status == "" {
		p.Status = config.DefaultStatusPath()
	}
	return p
}

// IsDaemonRunning checks if the daemon is running based on the PID file.
func IsDaemonRunning(pidPath string) bool {
	return daemon.IsDaemonRunning(pidPath)
}

// EnsureDaemon ensures the daemon is running, starting it if necessary.
// Idempotent: returns nil if daemon is already running.
func EnsureDaemon(paths DaemonPaths) error {
	return StartDaemon(paths)
}

// StartDaemon starts forgevisord in the background and waits for it to
// report ready. Idempotent: returns nil if daemon is already running.
func StartDaemon(paths DaemonPaths) error {
	paths = paths.withDefaults()

	if IsDaemonRunning(paths.PID) {
		return nil
	}

	binary, err := resolveBinary(paths.Binary)
	if err != nil {
		return fmt.Errorf("find %s: %w", DaemonBinary, err)
	}

	_ = os.Remove(paths.Status)

	var args []string
	if paths.Config != "" {
		args = append(args, "--config", paths.Config)
	}

	// exec.Command, not CommandContext: the daemon must outlive the caller.
	cmd := exec.Command(binary, args...) //nolint:gosec // binary path is resolved above
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if cmd.Process != nil {
		_ = cmd.Process.Release()
	}

	return waitReady(paths, 50, 100*time.Millisecond)
}

// waitReady polls the status file until the daemon reports ready or error.
func waitReady(paths DaemonPaths, attempts int, interval time.Duration) error {
	for range attempts {
		time.Sleep(interval)

		if status, err := daemon.ReadStatus(paths.Status); err == nil {
			switch status.Status {
			case daemon.StatusReady:
				return nil
			case daemon.StatusError:
				return fmt.Errorf("daemon failed to start: %s", status.Error)
			}
		}
	}
	return errors.New("daemon did not become ready within timeout")
}

// StopDaemon asks the daemon to shut down through the API and waits for it
// to exit. Idempotent: returns nil if daemon is not running.
func StopDaemon(ctx context.Context, c *Client, paths DaemonPaths) error {
	paths = paths.withDefaults()

	if !IsDaemonRunning(paths.PID) {
		return nil
	}

	if err := c.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown daemon: %w", err)
	}

	// Stopping the game server can take a while; wait as long as ctx allows.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !IsDaemonRunning(paths.PID) {
				return nil
			}
		case <-ctx.Done():
			return errors.New("daemon did not stop within timeout")
		}
	}
}

// ListenAddr returns the API address a running daemon reported in its
// status file.
func ListenAddr(paths DaemonPaths) (string, error) {
	paths = paths.withDefaults()
	status, err := daemon.ReadStatus(paths.Status)
	if err != nil {
		return "", err
	}
	if status.Status != daemon.StatusReady || status.Listen == "" {
		return "", fmt.Errorf("daemon not ready: %s", status.Status)
	}
	return status.Listen, nil
}

// resolveBinary finds the forgevisord binary path.
// Priority: configured path > same directory as executable > PATH.
func resolveBinary(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured binary not found: %s", configured)
		}
		return configured, nil
	}

	if execPath, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(execPath), DaemonBinary)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath(DaemonBinary); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%s not found", DaemonBinary)
}
