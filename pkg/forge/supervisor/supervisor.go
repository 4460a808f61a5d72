// Package supervisor runs the game server under a pseudo-terminal, derives
// its lifecycle from the console stream and relays commands into it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/jamesainslie/forgevisor/pkg/forge/console"
	"github.com/jamesainslie/forgevisor/pkg/forge/events"
	"github.com/jamesainslie/forgevisor/pkg/forge/logging"
	"github.com/jamesainslie/forgevisor/pkg/forge/moddiff"
	"github.com/jamesainslie/forgevisor/pkg/forge/world"
)

var (
	// ErrAlreadyRunning is returned by Start while a server process exists.
	ErrAlreadyRunning = errors.New("server already running")
	// ErrSpawn wraps failures to launch the server process.
	ErrSpawn = errors.New("failed to spawn server")
	// ErrNoCommand is returned when no command line is configured.
	ErrNoCommand = errors.New("no server command configured")
)

// drainTimeout bounds how long the exit path waits for buffered output once
// the process has been reaped.
const drainTimeout = 2 * time.Second

// scanRetryInterval is how often Start retries while the mod watcher scans.
const scanRetryInterval = 100 * time.Millisecond

// Bus is the event bus the supervisor publishes on and resets.
type Bus interface {
	Publish(event string, payload any)
	Reset(subs []events.Subscription)
}

// VersionChecker runs before every start.
type VersionChecker interface {
	Reconcile(ctx context.Context, pub events.Publisher) (bool, error)
}

// ModReconciler runs before every start.
type ModReconciler interface {
	Reconcile(ctx context.Context, pub events.Publisher) (moddiff.Result, error)
}

// Options configures a Supervisor.
type Options struct {
	// Dir is the server directory and the child's working directory.
	Dir string
	// Command is the server command line.
	Command []string
	// Env is appended to the daemon's environment for the child.
	Env []string
	// Cols and Rows size the pseudo-terminal.
	Cols, Rows uint16

	// ConsoleLog is the console log sink path. Empty disables the sink.
	ConsoleLog string
	// Rotation configures the console log sink.
	Rotation logging.RotationConfig

	// Bus receives status and console events. Required.
	Bus Bus
	// Subscriptions returns the subscriber set installed on every start.
	Subscriptions func() []events.Subscription
	// Version, when set, is reconciled before spawning.
	Version VersionChecker
	// Mods, when set, is reconciled before spawning.
	Mods ModReconciler

	// OnConsole is called for every parsed line from the reader goroutine.
	// It must not block.
	OnConsole func(console.Line)
	// OnState is called after every state transition.
	OnState func(State)
	// OnFatal receives errors that leave the supervisor unable to continue.
	OnFatal func(error)
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Dir       string    `json:"dir"`
	Command   []string  `json:"command"`
	StartedAt time.Time `json:"started_at,omitzero"`
	ReadyAt   time.Time `json:"ready_at,omitzero"`
	ExitedAt  time.Time `json:"exited_at,omitzero"`
	LastExit  string    `json:"last_exit,omitempty"`
}

// Supervisor owns at most one server process at a time.
type Supervisor struct {
	opts   Options
	logger *logging.Logger

	startMu sync.Mutex // serialises Start
	writeMu sync.Mutex // single writer into the pty

	mu     sync.Mutex
	state  State
	ptmx   *os.File
	done   chan struct{}
	status Status
}

// New returns a stopped supervisor.
func New(opts Options) *Supervisor {
	if opts.Cols == 0 {
		opts.Cols = 512
	}
	if opts.Rows == 0 {
		opts.Rows = 50
	}
	done := make(chan struct{})
	close(done)
	return &Supervisor{
		opts:   opts,
		logger: logging.Get("supervisor"),
		done:   done,
		status: Status{Dir: opts.Dir, Command: opts.Command},
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether the server has finished starting and accepts
// commands.
func (s *Supervisor) IsRunning() bool {
	return s.State() == Running
}

// Status returns a snapshot of the current run.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.State = s.state
	st.Command = append([]string(nil), st.Command...)
	return st
}

// Done returns a channel closed when the current process exits. With no
// process it is already closed.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Wait blocks until the current process exits or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start resets the subscriber set, runs the version and mod checks, opens
// the console log and spawns the server. The process outlives ctx, which
// only bounds the checks.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if st := s.State(); !st.canStart() {
		return fmt.Errorf("%w (state %s)", ErrAlreadyRunning, st)
	}
	if len(s.opts.Command) == 0 {
		return ErrNoCommand
	}

	var subs []events.Subscription
	if s.opts.Subscriptions != nil {
		subs = s.opts.Subscriptions()
	}
	s.opts.Bus.Reset(subs)

	if s.opts.Version != nil {
		if _, err := s.opts.Version.Reconcile(ctx, s.opts.Bus); err != nil {
			return fmt.Errorf("version check: %w", err)
		}
	}

	if s.opts.Mods != nil {
		if err := s.reconcileMods(ctx); err != nil {
			return err
		}
	}

	var sink *logging.RotatingWriter
	if s.opts.ConsoleLog != "" {
		w, err := logging.NewRotatingWriter(s.opts.ConsoleLog, s.opts.Rotation)
		if err != nil {
			return fmt.Errorf("opening console log: %w", err)
		}
		sink = w
	}

	cmd := exec.Command(s.opts.Command[0], s.opts.Command[1:]...)
	cmd.Dir = s.opts.Dir
	cmd.Env = append(os.Environ(), s.opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: s.opts.Cols, Rows: s.opts.Rows})
	if err != nil {
		if sink != nil {
			_ = sink.Close()
		}
		err = fmt.Errorf("%w: %s: %w", ErrSpawn, s.opts.Command[0], err)
		s.logger.Error("spawn failed", "command", s.opts.Command, "dir", s.opts.Dir, "error", err)
		s.fatal(err)
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.state = Starting
	s.ptmx = ptmx
	s.done = done
	s.status = Status{
		PID:       cmd.Process.Pid,
		Dir:       s.opts.Dir,
		Command:   append([]string(nil), s.opts.Command...),
		StartedAt: time.Now(),
	}
	s.mu.Unlock()

	s.logger.Info("server starting", "pid", cmd.Process.Pid, "command", s.opts.Command, "dir", s.opts.Dir)
	s.notifyState(Starting)
	s.opts.Bus.Publish(events.EventStatus, statusPayload(StatusStarting))

	go s.run(cmd, ptmx, sink, done)
	return nil
}

// reconcileMods runs the mod check, waiting out a scan the watcher started.
func (s *Supervisor) reconcileMods(ctx context.Context) error {
	for {
		_, err := s.opts.Mods.Reconcile(ctx, s.opts.Bus)
		if err == nil {
			return nil
		}
		if errors.Is(err, moddiff.ErrScanInProgress) {
			select {
			case <-time.After(scanRetryInterval):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = fmt.Errorf("mod reconcile: %w", err)
		if errors.Is(err, moddiff.ErrEnumerate) || errors.Is(err, moddiff.ErrPersist) {
			s.logger.Error("mod reconcile failed", "error", err)
			s.fatal(err)
		}
		return err
	}
}

// run owns the process from spawn to exit.
func (s *Supervisor) run(cmd *exec.Cmd, ptmx *os.File, sink *logging.RotatingWriter, done chan struct{}) {
	parser := console.NewParser()
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				for _, line := range parser.Feed(buf[:n]) {
					s.handleLine(line, sink)
				}
			}
			if err != nil {
				return
			}
		}
	}()

	waitErr := cmd.Wait()

	select {
	case <-readerDone:
	case <-time.After(drainTimeout):
		// A grandchild still holds the terminal open.
		_ = ptmx.Close()
		<-readerDone
	}

	for _, line := range parser.Flush() {
		s.handleLine(line, sink)
	}

	s.mu.Lock()
	s.ptmx = nil
	s.mu.Unlock()

	if sink != nil {
		if err := sink.Rotate(); err != nil {
			s.logger.Warn("rotating console log", "error", err)
		}
		if err := sink.Close(); err != nil {
			s.logger.Warn("closing console log", "error", err)
		}
	}

	s.writeMu.Lock()
	_ = ptmx.Close()
	s.writeMu.Unlock()

	s.logger.Info("server exited", "pid", cmd.Process.Pid, "result", exitDescription(waitErr))
	s.opts.Bus.Publish(events.EventStatus, statusPayload(StatusDown))
	s.opts.Bus.Reset(nil)

	// Exited comes last: Start is refused until then, so the teardown
	// above never reaches the next run's subscribers.
	s.mu.Lock()
	s.state = Exited
	s.status.ExitedAt = time.Now()
	s.status.LastExit = exitDescription(waitErr)
	s.mu.Unlock()

	s.notifyState(Exited)
	close(done)
}

func (s *Supervisor) handleLine(line console.Line, sink *logging.RotatingWriter) {
	if sink != nil {
		if _, err := io.WriteString(sink, line.Raw+"\n"); err != nil {
			s.logger.Warn("writing console log", "error", err)
		}
	}

	if line.Emit {
		s.opts.Bus.Publish(events.EventConsole, line.Event)
	}
	if s.opts.OnConsole != nil {
		s.opts.OnConsole(line)
	}

	if !line.Ready {
		return
	}

	s.mu.Lock()
	promoted := s.state == Starting
	if promoted {
		s.state = Running
		s.status.ReadyAt = time.Now()
	}
	s.mu.Unlock()

	if promoted {
		s.logger.Info("server ready", "message", line.Event.Message)
		s.notifyState(Running)
		s.opts.Bus.Publish(events.EventStatus, statusPayload(StatusUp))
	}
}

// SendCommand writes text and a newline to the server console. It returns
// false, without writing, unless the server is Running. Text containing a
// line break is refused.
func (s *Supervisor) SendCommand(text string) bool {
	if strings.ContainsAny(text, "\r\n") {
		s.logger.Warn("refusing multi-line command")
		return false
	}

	s.mu.Lock()
	if s.state != Running || s.ptmx == nil {
		s.mu.Unlock()
		return false
	}
	ptmx := s.ptmx
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := io.WriteString(ptmx, text+"\n"); err != nil {
		s.logger.Warn("writing command", "error", err)
		return false
	}
	s.logger.Debug("command sent", "command", text)
	return true
}

// Stop asks the server to shut down by sending "stop". There is no kill
// path; the exit is observed like any other.
func (s *Supervisor) Stop() bool {
	return s.SendCommand("stop")
}

// Op grants operator status to player.
func (s *Supervisor) Op(player string) bool {
	if !validPlayer(player) {
		return false
	}
	return s.SendCommand("op " + player)
}

// Deop revokes operator status from player.
func (s *Supervisor) Deop(player string) bool {
	if !validPlayer(player) {
		return false
	}
	return s.SendCommand("deop " + player)
}

func validPlayer(p string) bool {
	return p != "" && !strings.ContainsAny(p, " \t\r\n")
}

// RemoveWorld deletes a world directory. It fails with world.ReasonPTY
// while a server process exists.
func (s *Supervisor) RemoveWorld(name string) error {
	return world.Remove(s.opts.Dir, name, s.State().Alive())
}

func (s *Supervisor) notifyState(st State) {
	if s.opts.OnState != nil {
		s.opts.OnState(st)
	}
}

func (s *Supervisor) fatal(err error) {
	if s.opts.OnFatal != nil {
		s.opts.OnFatal(err)
	}
}

func statusPayload(status string) map[string]string {
	return map[string]string{"status": status}
}

func exitDescription(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
