package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jamesainslie/forgevisor/pkg/daemon/broadcaster"
	"github.com/jamesainslie/forgevisor/pkg/daemon/store"
	"github.com/jamesainslie/forgevisor/pkg/forge/config"
	"github.com/jamesainslie/forgevisor/pkg/forge/console"
	"github.com/jamesainslie/forgevisor/pkg/forge/events"
	"github.com/jamesainslie/forgevisor/pkg/forge/install"
	"github.com/jamesainslie/forgevisor/pkg/forge/logging"
	"github.com/jamesainslie/forgevisor/pkg/forge/manifest"
	"github.com/jamesainslie/forgevisor/pkg/forge/moddiff"
	"github.com/jamesainslie/forgevisor/pkg/forge/supervisor"
)

// StreamLine is the stream event carrying every raw console line, including
// lines that produce no console event.
const StreamLine = "line"

var (
	// ErrNotRunning is returned for commands sent while the server is not running.
	ErrNotRunning = errors.New("server not running")
	// ErrInvalidCommand is returned for empty or multi-line commands and bad player names.
	ErrInvalidCommand = errors.New("invalid command")
)

// LineMessage is the payload of a StreamLine event.
type LineMessage struct {
	Raw   string `json:"raw"`
	Ready bool   `json:"ready,omitempty"`
}

// DaemonInfo describes the daemon process.
type DaemonInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
	Watching  bool      `json:"watching"`
	Webhooks  int       `json:"webhooks"`
	Listeners int       `json:"listeners"`
}

// StatusReport is returned by GET /status.
type StatusReport struct {
	Daemon DaemonInfo        `json:"daemon"`
	Server supervisor.Status `json:"server"`
}

// ModsReport is returned by GET /mods.
type ModsReport struct {
	Dir      string             `json:"dir"`
	Manifest string             `json:"manifest"`
	Records  []manifest.Record  `json:"records"`
	LastScan *store.ScanSummary `json:"last_scan,omitempty"`
}

// ScanReport is returned by POST /mods/scan.
type ScanReport struct {
	Scanned int              `json:"scanned"`
	Changes []moddiff.Change `json:"changes"`
	Skipped []string         `json:"skipped,omitempty"`
}

// Service owns the supervisor and everything wired around it.
type Service struct {
	cfg         *config.Config
	bus         *events.Bus
	journal     *store.Store
	broadcaster *broadcaster.Broadcaster
	engine      *moddiff.Engine
	checker     *install.Checker
	sup         *supervisor.Supervisor
	startTime   time.Time
	logger      *logging.Logger

	mu         sync.Mutex
	stateHooks []func(supervisor.State)
	watching   bool
	fatal      func(error)
	shutdown   func()
}

// NewService wires the supervisor, mod engine, version checker and event bus
// for cfg. The journal may be nil.
func NewService(cfg *config.Config, journal *store.Store, opts ...events.Option) *Service {
	s := &Service{
		cfg:         cfg,
		journal:     journal,
		broadcaster: broadcaster.New(broadcaster.DefaultBacklog),
		startTime:   time.Now(),
		logger:      logging.Get("daemon"),
	}

	s.bus = events.New(opts...)
	s.bus.AddRecorder(s.broadcaster)
	if journal != nil {
		journal.Skip = []string{events.EventConsole}
		s.bus.AddRecorder(journal)
	}

	s.engine = moddiff.New(moddiff.Options{
		ModDir:       cfg.ModsDir(),
		ManifestPath: cfg.ManifestPath(),
		HashWorkers:  cfg.Mods.HashWorkers,
	})

	var installer install.Installer
	if len(cfg.Install.Command) > 0 {
		installer = &install.CommandInstaller{Dir: cfg.Server.Dir, Command: cfg.Install.Command}
	}
	s.checker = install.NewChecker(cfg.Server.Dir, cfg.Version.Minecraft, cfg.Version.Forge, installer)

	rotation := logging.DefaultRotationConfig()
	s.sup = supervisor.New(supervisor.Options{
		Dir:           cfg.Server.Dir,
		Command:       cfg.Server.Command,
		Cols:          uint16(cfg.Server.PTY.Cols),
		Rows:          uint16(cfg.Server.PTY.Rows),
		ConsoleLog:    cfg.ConsoleLogPath(),
		Rotation:      rotation,
		Bus:           s.bus,
		Subscriptions: s.configuredSubscriptions,
		Version:       s.checker,
		Mods:          &recordingReconciler{engine: s.engine, journal: journal},
		OnConsole:     s.onConsole,
		OnState:       s.onState,
		OnFatal:       s.onFatal,
	})

	return s
}

// Supervisor returns the process supervisor.
func (s *Service) Supervisor() *supervisor.Supervisor {
	return s.sup
}

// Bus returns the event bus.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// Broadcaster returns the live event fan-out.
func (s *Service) Broadcaster() *broadcaster.Broadcaster {
	return s.broadcaster
}

// OnStateChange registers fn to run after every supervisor state change.
func (s *Service) OnStateChange(fn func(supervisor.State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateHooks = append(s.stateHooks, fn)
}

// OnFatal sets the handler for errors the supervisor cannot recover from.
func (s *Service) OnFatal(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatal = fn
}

// OnShutdownRequest sets the handler for shutdown requests from the API.
func (s *Service) OnShutdownRequest(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = fn
}

func (s *Service) requestShutdown() {
	s.mu.Lock()
	fn := s.shutdown
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (s *Service) setWatching(on bool) {
	s.mu.Lock()
	s.watching = on
	s.mu.Unlock()
}

// configuredSubscriptions converts the webhooks section into subscriptions.
func (s *Service) configuredSubscriptions() []events.Subscription {
	subs := make([]events.Subscription, 0, len(s.cfg.Webhooks))
	for _, wh := range s.cfg.Webhooks {
		subs = append(subs, events.Subscription{Kind: wh.Kind, URL: wh.URL, Events: wh.Events})
	}
	return subs
}

func (s *Service) onConsole(line console.Line) {
	data, err := json.Marshal(LineMessage{Raw: line.Raw, Ready: line.Ready})
	if err != nil {
		return
	}
	s.broadcaster.Record(events.Envelope{Event: StreamLine, Data: data, Time: time.Now()})
}

func (s *Service) onState(st supervisor.State) {
	s.mu.Lock()
	hooks := append([](func(supervisor.State))(nil), s.stateHooks...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(st)
	}
}

func (s *Service) onFatal(err error) {
	s.logger.Error("fatal supervisor error", "error", err)

	s.mu.Lock()
	fn := s.fatal
	s.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

// Status reports the daemon and server state.
func (s *Service) Status() StatusReport {
	s.mu.Lock()
	watching := s.watching
	s.mu.Unlock()

	return StatusReport{
		Daemon: DaemonInfo{
			PID:       os.Getpid(),
			StartedAt: s.startTime,
			Uptime:    time.Since(s.startTime).Round(time.Second).String(),
			Watching:  watching,
			Webhooks:  len(s.bus.Subscriptions()),
			Listeners: s.broadcaster.SubscriberCount(),
		},
		Server: s.sup.Status(),
	}
}

// StartServer starts the game server.
func (s *Service) StartServer(ctx context.Context) error {
	return s.sup.Start(ctx)
}

// StopServer asks the game server to stop.
func (s *Service) StopServer() error {
	if !s.sup.Stop() {
		return ErrNotRunning
	}
	return nil
}

// SendCommand writes one console command.
func (s *Service) SendCommand(text string) error {
	if strings.TrimSpace(text) == "" || strings.ContainsAny(text, "\r\n") {
		return ErrInvalidCommand
	}
	if !s.sup.SendCommand(text) {
		return ErrNotRunning
	}
	return nil
}

// Op grants operator status.
func (s *Service) Op(player string) error {
	if !validPlayer(player) {
		return ErrInvalidCommand
	}
	if !s.sup.Op(player) {
		return ErrNotRunning
	}
	return nil
}

// Deop revokes operator status.
func (s *Service) Deop(player string) error {
	if !validPlayer(player) {
		return ErrInvalidCommand
	}
	if !s.sup.Deop(player) {
		return ErrNotRunning
	}
	return nil
}

func validPlayer(p string) bool {
	return p != "" && !strings.ContainsAny(p, " \t\r\n")
}

// RemoveWorld deletes a world directory while the server is down.
func (s *Service) RemoveWorld(name string) error {
	return s.sup.RemoveWorld(name)
}

// Mods returns the manifest on disk and the last scan summary.
func (s *Service) Mods() (ModsReport, error) {
	m, err := manifest.Load(s.cfg.ManifestPath())
	if err != nil {
		return ModsReport{}, err
	}

	report := ModsReport{
		Dir:      s.cfg.ModsDir(),
		Manifest: s.cfg.ManifestPath(),
		Records:  m.Records(),
	}
	if s.journal != nil {
		if sum, err := s.journal.LastScan(); err == nil {
			report.LastScan = &sum
		}
	}
	return report, nil
}

// ScanMods reconciles the mod directory and publishes any changes.
func (s *Service) ScanMods(ctx context.Context) (ScanReport, error) {
	rec := &recordingReconciler{engine: s.engine, journal: s.journal}
	res, err := rec.Reconcile(ctx, s.bus)
	if err != nil {
		return ScanReport{}, err
	}
	return ScanReport{Scanned: res.Scanned, Changes: res.Changes, Skipped: res.Skipped}, nil
}

// History returns journaled events, newest first.
func (s *Service) History(q store.Query) ([]store.Entry, error) {
	if s.journal == nil {
		return nil, nil
	}
	return s.journal.List(q)
}

// RegisterWebhook adds a subscription for the current server run. The
// supervisor drops it when the server exits.
func (s *Service) RegisterWebhook(sub events.Subscription) error {
	return s.bus.Register(sub)
}

// Shutdown stops the game server, if any, and waits for it to exit. There
// is no forced kill: when timeout passes first the error says so. The bus
// is closed either way.
func (s *Service) Shutdown(ctx context.Context, timeout time.Duration) error {
	defer s.broadcaster.Close()
	defer s.bus.Close()

	if !s.sup.State().Alive() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("stopping server for shutdown")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	sent := s.sup.Stop()
	for {
		select {
		case <-s.sup.Done():
			return nil
		case <-ticker.C:
			// A server still starting refuses commands; keep asking.
			if !sent {
				sent = s.sup.Stop()
			}
		case <-ctx.Done():
			return fmt.Errorf("server did not exit: %w", ctx.Err())
		}
	}
}

// recordingReconciler runs the mod engine and stores a scan summary.
type recordingReconciler struct {
	engine  *moddiff.Engine
	journal *store.Store
}

func (r *recordingReconciler) Reconcile(ctx context.Context, pub events.Publisher) (moddiff.Result, error) {
	res, err := r.engine.Reconcile(ctx, pub)
	if err != nil {
		return res, err
	}
	if r.journal != nil {
		_ = r.journal.SetLastScan(store.ScanSummary{
			Time:      time.Now(),
			Scanned:   res.Scanned,
			Additions: len(res.Batch(moddiff.Addition)),
			Updates:   len(res.Batch(moddiff.Update)),
			Deletions: len(res.Batch(moddiff.Deletion)),
			Skipped:   res.Skipped,
		})
	}
	return res, nil
}
