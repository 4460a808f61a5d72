package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jamesainslie/forgevisor/pkg/forge/logging"
	"github.com/jamesainslie/forgevisor/pkg/forge/supervisor"
)

// HealthService is the gRPC health service name that tracks the game server.
// It reports SERVING only while the server is Running.
const HealthService = "forgevisor"

// Config holds daemon server configuration.
type Config struct {
	// SocketPath is the Unix socket for the gRPC health service.
	SocketPath string
	// Listen is the HTTP API address.
	Listen string
	// TokenHash is a bcrypt hash of the API bearer token. Empty disables auth.
	TokenHash string
	// CORSOrigins lists allowed browser origins.
	CORSOrigins []string
}

// Server serves the HTTP operator API and the gRPC health service.
type Server struct {
	cfg    Config
	svc    *Service
	logger *logging.Logger

	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener

	http         *http.Server
	httpListener net.Listener
}

// NewServer creates a new daemon server and binds its listeners.
func NewServer(cfg Config, svc *Service) (*Server, error) {
	// Remove stale socket if exists
	if err := os.RemoveAll(cfg.SocketPath); err != nil {
		return nil, err
	}

	// Ensure socket directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "unix", cfg.SocketPath)
	if err != nil {
		return nil, err
	}

	httpListener, err := lc.Listen(context.Background(), "tcp", cfg.Listen)
	if err != nil {
		_ = listener.Close()
		_ = os.Remove(cfg.SocketPath)
		return nil, err
	}

	srv := &Server{
		cfg:          cfg,
		svc:          svc,
		logger:       logging.Get("api"),
		grpc:         grpc.NewServer(),
		health:       health.NewServer(),
		listener:     listener,
		httpListener: httpListener,
	}

	healthpb.RegisterHealthServer(srv.grpc, srv.health)
	srv.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.setServing(svc.Supervisor().State())
	svc.OnStateChange(srv.setServing)

	srv.http = &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv, nil
}

func (s *Server) setServing(st supervisor.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st == supervisor.Running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, status)
}

// Addr returns the HTTP API address.
func (s *Server) Addr() string {
	return s.httpListener.Addr().String()
}

// Handler returns the HTTP API handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Serve serves both listeners. Blocks until stopped.
func (s *Server) Serve() error {
	var g errgroup.Group
	g.Go(func() error {
		return s.grpc.Serve(s.listener)
	})
	g.Go(func() error {
		if err := s.http.Serve(s.httpListener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

// Close stops the server and cleans up.
func (s *Server) Close() error {
	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpErr := s.http.Shutdown(ctx)

	s.grpc.GracefulStop()
	if err := os.RemoveAll(s.cfg.SocketPath); err != nil {
		return err
	}
	return httpErr
}
