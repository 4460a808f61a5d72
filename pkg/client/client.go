// Package client provides a client for the forgevisord operator API.
// Requests go over HTTP; liveness is checked with the gRPC health service
// on the daemon's Unix socket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jamesainslie/forgevisor/pkg/daemon"
	"github.com/jamesainslie/forgevisor/pkg/daemon/store"
	"github.com/jamesainslie/forgevisor/pkg/forge/events"
)

// DefaultTimeout bounds each API request.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
	Reason     string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Reason)
	}
	return e.Message
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client talks to one forgevisord instance.
type Client struct {
	addr   string
	token  string
	socket string
	http   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithSocket sets the Unix socket used for health checks.
func WithSocket(path string) Option {
	return func(c *Client) { c.socket = path }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for the API listening on addr (host:port or a full
// http:// URL).
func New(addr string, opts ...Option) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	c := &Client{
		addr: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the API base URL.
func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr+daemon.APIPrefix+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e daemon.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error, Reason: e.Reason}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// Status returns the daemon and server status.
func (c *Client) Status(ctx context.Context) (daemon.StatusReport, error) {
	var report daemon.StatusReport
	err := c.do(ctx, http.MethodGet, "/status", nil, &report)
	return report, err
}

// Start starts the game server.
func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/server/start", nil, nil)
}

// Stop asks the game server to stop.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/server/stop", nil, nil)
}

// Command sends one console command.
func (c *Client) Command(ctx context.Context, command string) error {
	return c.do(ctx, http.MethodPost, "/server/command", daemon.CommandRequest{Command: command}, nil)
}

// Op grants operator status to player.
func (c *Client) Op(ctx context.Context, player string) error {
	return c.do(ctx, http.MethodPost, "/server/op/"+url.PathEscape(player), nil, nil)
}

// Deop revokes operator status from player.
func (c *Client) Deop(ctx context.Context, player string) error {
	return c.do(ctx, http.MethodPost, "/server/deop/"+url.PathEscape(player), nil, nil)
}

// RemoveWorld deletes a world directory. The server must not be running.
func (c *Client) RemoveWorld(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/worlds/"+url.PathEscape(name), nil, nil)
}

// Mods returns the manifest and the last scan summary.
func (c *Client) Mods(ctx context.Context) (daemon.ModsReport, error) {
	var report daemon.ModsReport
	err := c.do(ctx, http.MethodGet, "/mods", nil, &report)
	return report, err
}

// Scan reconciles the mod directory now.
func (c *Client) Scan(ctx context.Context) (daemon.ScanReport, error) {
	var report daemon.ScanReport
	err := c.do(ctx, http.MethodPost, "/mods/scan", nil, &report)
	return report, err
}

// History returns journaled events, newest first.
func (c *Client) History(ctx context.Context, q store.Query) ([]store.Entry, error) {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Event != "" {
		v.Set("event", q.Event)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	path := "/history"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}

	var entries []store.Entry
	err := c.do(ctx, http.MethodGet, path, nil, &entries)
	return entries, err
}

// RegisterWebhook adds a webhook for the current server run.
func (c *Client) RegisterWebhook(ctx context.Context, sub events.Subscription) error {
	return c.do(ctx, http.MethodPost, "/webhooks", sub, nil)
}

// Shutdown asks the daemon to stop the server and exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/daemon/shutdown", nil, nil)
}

// Health reports the game server health from the daemon's gRPC health
// service. It needs the socket path set with WithSocket.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if c.socket == "" {
		return healthpb.HealthCheckResponse_UNKNOWN, errors.New("no daemon socket configured")
	}
	if _, err := os.Stat(c.socket); os.IsNotExist(err) {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("daemon socket not found at %s", c.socket)
	}

	conn, err := grpc.NewClient("unix://"+c.socket, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.HealthService})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}
