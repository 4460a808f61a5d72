package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jamesainslie/forgevisor/pkg/daemon"
	"github.com/jamesainslie/forgevisor/pkg/daemon/store"
	"github.com/jamesainslie/forgevisor/pkg/forge/config"
	"github.com/jamesainslie/forgevisor/pkg/forge/events"
	"github.com/jamesainslie/forgevisor/pkg/forge/supervisor"
)

const serverScript = `#!/bin/sh
echo "[12:00:00] [main/INFO]: Loading"
sleep 0.3
echo "[12:00:01] [Server thread/INFO]: Done (0.31s)! For help, type \"help\""
while read line; do
  case "$line" in
    stop) echo "[12:00:09] [Server thread/INFO]: Stopping server"; exit 0;;
    *) echo "[12:00:02] [Server thread/INFO]: got $line";;
  esac
done
`

type testDaemon struct {
	dir    string
	socket string
	base   string
	svc    *daemon.Service
	srv    *daemon.Server
	token  string
}

func newTestDaemon(t *testing.T, mutate func(*config.Config)) *testDaemon {
	t.Helper()

	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "server.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(serverScript), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "mods"), 0o755))

	cfg := &config.Config{
		Server: config.ServerConfig{
			Dir:     dir,
			Command: []string{"/bin/sh", scriptPath},
		},
	}
	cfg.Server.PTY.Cols = 120
	cfg.Server.PTY.Rows = 40
	if mutate != nil {
		mutate(cfg)
	}

	journal, err := store.OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, journal.Migrate())

	// Unix socket paths are length-limited; keep this one short.
	sockDir, err := os.MkdirTemp("", "fv")
	require.NoError(t, err)
	socket := filepath.Join(sockDir, "d.sock")

	svc := daemon.NewService(cfg, journal)
	srv, err := daemon.NewServer(daemon.Config{
		SocketPath:  socket,
		Listen:      "127.0.0.1:0",
		TokenHash:   cfg.API.TokenHash,
		CORSOrigins: cfg.API.CORSOrigins,
	}, svc)
	require.NoError(t, err)

	go func() { _ = srv.Serve() }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx, 5*time.Second)
		_ = srv.Close()
		_ = journal.Close()
		_ = os.RemoveAll(sockDir)
	})

	return &testDaemon{
		dir:    dir,
		socket: socket,
		base:   "http://" + srv.Addr() + daemon.APIPrefix,
		svc:    svc,
		srv:    srv,
	}
}

func (d *testDaemon) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, d.base+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func (d *testDaemon) status(t *testing.T) daemon.StatusReport {
	t.Helper()
	code, body := d.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, code, string(body))

	var report daemon.StatusReport
	require.NoError(t, json.Unmarshal(body, &report))
	return report
}

func (d *testDaemon) waitState(t *testing.T, want supervisor.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.status(t).Server.State == want
	}, 10*time.Second, 50*time.Millisecond, "server never reached %s", want)
}

func (d *testDaemon) health(t *testing.T) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	conn, err := grpc.NewClient("unix://"+d.socket, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.HealthService})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestAPI_StatusWhileStopped(t *testing.T) {
	d := newTestDaemon(t, nil)

	report := d.status(t)
	assert.Equal(t, supervisor.Stopped, report.Server.State)
	assert.Equal(t, os.Getpid(), report.Daemon.PID)
	assert.Equal(t, d.dir, report.Server.Dir)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, d.health(t))
}

func TestAPI_CommandsRefusedWhileStopped(t *testing.T) {
	d := newTestDaemon(t, nil)

	code, _ := d.do(t, http.MethodPost, "/server/command", daemon.CommandRequest{Command: "say hi"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = d.do(t, http.MethodPost, "/server/stop", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = d.do(t, http.MethodPost, "/server/op/Steve", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = d.do(t, http.MethodPost, "/server/deop/Steve", nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestAPI_CommandValidation(t *testing.T) {
	d := newTestDaemon(t, nil)

	code, _ := d.do(t, http.MethodPost, "/server/command", daemon.CommandRequest{Command: "say a\nstop"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = d.do(t, http.MethodPost, "/server/command", map[string]string{"cmd": "typo"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = d.do(t, http.MethodPost, "/server/op/two%20words", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_RemoveWorld(t *testing.T) {
	d := newTestDaemon(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(d.dir, "world", "region"), 0o755))

	code, body := d.do(t, http.MethodDelete, "/worlds/world", nil)
	assert.Equal(t, http.StatusOK, code, string(body))
	assert.NoDirExists(t, filepath.Join(d.dir, "world"))

	code, body = d.do(t, http.MethodDelete, "/worlds/world", nil)
	assert.Equal(t, http.StatusNotFound, code)
	var e daemon.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "NOTEXIST", e.Reason)

	code, body = d.do(t, http.MethodDelete, "/worlds/a..b", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "INVOKE", e.Reason)
}

func TestAPI_ModsScanAndHistory(t *testing.T) {
	d := newTestDaemon(t, nil)
	modDir := filepath.Join(d.dir, "mods")
	require.NoError(t, os.WriteFile(filepath.Join(modDir, "jei.jar"), []byte("jei"), 0o644))

	code, body := d.do(t, http.MethodPost, "/mods/scan", nil)
	require.Equal(t, http.StatusOK, code, string(body))

	var scan daemon.ScanReport
	require.NoError(t, json.Unmarshal(body, &scan))
	assert.Equal(t, 1, scan.Scanned)
	require.Len(t, scan.Changes, 1)
	assert.Equal(t, "jei.jar", scan.Changes[0].Records[0].Filename)

	code, body = d.do(t, http.MethodGet, "/mods", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var mods daemon.ModsReport
	require.NoError(t, json.Unmarshal(body, &mods))
	require.Len(t, mods.Records, 1)
	require.NotNil(t, mods.LastScan)
	assert.Equal(t, 1, mods.LastScan.Additions)

	// A second scan finds nothing new.
	code, body = d.do(t, http.MethodPost, "/mods/scan", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &scan))
	assert.Empty(t, scan.Changes)

	code, body = d.do(t, http.MethodGet, "/history?event=modAddition", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var entries []store.Entry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, events.EventModAddition, entries[0].Event)

	code, _ = d.do(t, http.MethodGet, "/history?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_RegisterWebhook(t *testing.T) {
	d := newTestDaemon(t, nil)

	code, _ := d.do(t, http.MethodPost, "/webhooks", events.Subscription{Kind: "discord", URL: "http://example.com/hook"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = d.do(t, http.MethodPost, "/webhooks", events.Subscription{Kind: events.KindWebhook, URL: "not a url"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := d.do(t, http.MethodPost, "/webhooks", events.Subscription{
		Kind:   events.KindWebhook,
		URL:    "http://127.0.0.1:1/hook",
		Events: []string{events.EventStatus},
	})
	assert.Equal(t, http.StatusCreated, code, string(body))
	assert.Equal(t, 1, d.status(t).Daemon.Webhooks)
}

func TestAPI_TokenAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	d := newTestDaemon(t, func(cfg *config.Config) {
		cfg.API.TokenHash = string(hash)
	})

	code, _ := d.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	d.token = "wrong"
	code, _ = d.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	d.token = "s3cret"
	code, _ = d.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = d.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, code, "cached token still accepted")

	d.token = ""
	code, _ = d.do(t, http.MethodGet, "/status?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAPI_ServerLifecycle(t *testing.T) {
	d := newTestDaemon(t, nil)

	ws, _, err := websocket.DefaultDialer.Dial(
		strings.Replace(d.base, "http://", "ws://", 1)+"/console?events=line,status", nil)
	require.NoError(t, err)
	defer ws.Close()

	code, body := d.do(t, http.MethodPost, "/server/start", nil)
	require.Equal(t, http.StatusAccepted, code, string(body))

	code, _ = d.do(t, http.MethodPost, "/server/start", nil)
	assert.Equal(t, http.StatusConflict, code, "second start while alive")

	d.waitState(t, supervisor.Running)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, d.health(t))

	// Commands arrive over the websocket too.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("say hello")))

	var sawUp, sawReply bool
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	for !sawUp || !sawReply {
		var msg daemon.StreamMessage
		require.NoError(t, ws.ReadJSON(&msg))
		switch msg.Event {
		case events.EventStatus:
			if strings.Contains(string(msg.Data), `"up"`) {
				sawUp = true
			}
		case daemon.StreamLine:
			var line daemon.LineMessage
			require.NoError(t, json.Unmarshal(msg.Data, &line))
			if strings.Contains(line.Raw, "got say hello") {
				sawReply = true
			}
		}
	}

	code, _ = d.do(t, http.MethodDelete, "/worlds/world", nil)
	assert.Equal(t, http.StatusConflict, code, "worlds cannot be removed while running")

	code, _ = d.do(t, http.MethodPost, "/server/stop", nil)
	assert.Equal(t, http.StatusAccepted, code)
	d.waitState(t, supervisor.Exited)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, d.health(t))

	var entries []store.Entry
	require.Eventually(t, func() bool {
		code, body := d.do(t, http.MethodGet, "/history?event=status", nil)
		require.Equal(t, http.StatusOK, code)
		entries = nil
		require.NoError(t, json.Unmarshal(body, &entries))
		return len(entries) == 3
	}, 5*time.Second, 50*time.Millisecond)
	assert.JSONEq(t, `{"status":"down"}`, string(entries[0].Data))
	assert.JSONEq(t, `{"status":"up"}`, string(entries[1].Data))
	assert.JSONEq(t, `{"status":"starting"}`, string(entries[2].Data))
}

func TestAPI_ConsoleRefusalReply(t *testing.T) {
	d := newTestDaemon(t, nil)

	ws, _, err := websocket.DefaultDialer.Dial(
		strings.Replace(d.base, "http://", "ws://", 1)+"/console", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("say nobody home")))

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg daemon.StreamMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, daemon.StreamError, msg.Event)
	assert.Contains(t, string(msg.Data), "not running")
}

func TestAPI_Shutdown(t *testing.T) {
	d := newTestDaemon(t, nil)

	requested := make(chan struct{})
	d.svc.OnShutdownRequest(func() { close(requested) })

	code, _ := d.do(t, http.MethodPost, "/daemon/shutdown", nil)
	assert.Equal(t, http.StatusAccepted, code)

	select {
	case <-requested:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown handler not called")
	}
}
