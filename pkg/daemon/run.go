package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jamesainslie/forgevisor/pkg/daemon/store"
	"github.com/jamesainslie/forgevisor/pkg/daemon/watcher"
	"github.com/jamesainslie/forgevisor/pkg/forge/config"
	"github.com/jamesainslie/forgevisor/pkg/forge/logging"
)

// DefaultJournalKeep is the number of journal entries kept across restarts.
const DefaultJournalKeep = 10000

// DefaultShutdownTimeout bounds how long shutdown waits for the server to exit.
const DefaultShutdownTimeout = 2 * time.Minute

// ErrShutdownRequested is the cancel cause for API shutdown requests.
var ErrShutdownRequested = errors.New("shutdown requested")

// Run runs forgevisord until ctx is cancelled, a shutdown is requested, or
// the supervisor reports a fatal error. A fatal error is returned; a normal
// shutdown returns nil.
func Run(ctx context.Context, cfg *config.Config) error {
	log := logging.Get("daemon")

	dataDir := cfg.DataPath()
	statusPath := StatusPath(dataDir)
	pidPath := cfg.PIDPath()
	socketPath := cfg.SocketPath()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := RecoverFromStaleDaemon(pidPath, socketPath, dataDir); err != nil {
		return err
	}
	_ = os.Remove(statusPath)

	fail := func(err error) error {
		if werr := WriteStatusError(statusPath, err); werr != nil {
			log.Warn("failed to write status file", "error", werr)
		}
		return err
	}

	journal, err := store.Open(JournalDir(dataDir))
	if err != nil {
		return fail(fmt.Errorf("opening journal: %w", err))
	}
	defer journal.Close()

	if err := journal.Migrate(); err != nil {
		return fail(fmt.Errorf("migrating journal: %w", err))
	}
	if n, err := journal.Prune(DefaultJournalKeep); err != nil {
		log.Warn("pruning journal", "error", err)
	} else if n > 0 {
		log.Debug("pruned journal", "removed", n)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	svc := NewService(cfg, journal)
	svc.OnFatal(func(err error) { cancel(err) })
	svc.OnShutdownRequest(func() { cancel(ErrShutdownRequested) })

	srv, err := NewServer(Config{
		SocketPath:  socketPath,
		Listen:      cfg.API.Listen,
		TokenHash:   cfg.API.TokenHash,
		CORSOrigins: cfg.API.CORSOrigins,
	}, svc)
	if err != nil {
		return fail(fmt.Errorf("binding listeners: %w", err))
	}

	if err := WritePIDFile(pidPath); err != nil {
		_ = srv.Close()
		return fail(fmt.Errorf("writing pid file: %w", err))
	}
	defer func() {
		if err := RemovePIDFile(pidPath); err != nil {
			log.Warn("failed to remove PID file", "error", err)
		}
		_ = RemoveStatus(statusPath)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve()
	}()

	if err := WriteStatusReady(statusPath, srv.Addr()); err != nil {
		log.Warn("failed to write status file", "error", err)
	}
	log.Info("forgevisord ready", "api", srv.Addr(), "socket", socketPath, "server_dir", cfg.Server.Dir)

	if cfg.Mods.Watch {
		if err := startWatcher(ctx, cfg, svc); err != nil {
			log.Warn("mod watcher disabled", "error", err)
		}
	}

	if cfg.Server.AutoStart {
		if err := svc.StartServer(ctx); err != nil {
			log.Error("auto-start failed", "error", err)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			cancel(fmt.Errorf("serving: %w", err))
		}
	}

	cause := context.Cause(ctx)
	log.Info("shutting down", "reason", cause)

	if err := svc.Shutdown(context.Background(), DefaultShutdownTimeout); err != nil {
		log.Warn("server still running at shutdown", "error", err)
	}
	if err := srv.Close(); err != nil {
		log.Warn("error during shutdown", "error", err)
	}

	if errors.Is(cause, context.Canceled) || errors.Is(cause, ErrShutdownRequested) {
		return nil
	}
	return cause
}

// startWatcher runs the mod watcher until ctx ends.
func startWatcher(ctx context.Context, cfg *config.Config, svc *Service) error {
	if err := os.MkdirAll(cfg.ModsDir(), 0o755); err != nil {
		return err
	}

	w, err := watcher.New(cfg.ModsDir(), cfg.Mods.Debounce, func(ctx context.Context) error {
		_, err := svc.ScanMods(ctx)
		return err
	})
	if err != nil {
		return err
	}

	svc.setWatching(true)
	go func() {
		defer w.Close()
		defer svc.setWatching(false)
		w.Run(ctx)
	}()
	return nil
}
