package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func TestCommandTree(t *testing.T) {
	want := [][]string{
		{"start"}, {"stop"}, {"send"}, {"op"}, {"deop"}, {"status"},
		{"world", "rm"}, {"mods", "list"}, {"mods", "scan"},
		{"history"}, {"console"}, {"init"}, {"token", "hash"},
		{"config", "show"}, {"config", "init"}, {"config", "path"}, {"config", "edit"},
		{"daemon", "start"}, {"daemon", "stop"}, {"daemon", "restart"}, {"daemon", "status"},
		{"version"},
	}

	for _, path := range want {
		cmd, rest, err := rootCmd.Find(path)
		if err != nil || len(rest) != 0 {
			t.Errorf("%v: not found (%v)", path, err)
			continue
		}
		if cmd.Name() != path[len(path)-1] {
			t.Errorf("%v resolved to %q", path, cmd.Name())
		}
	}
}

func TestArgValidation(t *testing.T) {
	tests := []struct {
		cmd     *cobra.Command
		args    []string
		wantErr bool
	}{
		{sendCmd, nil, true},
		{sendCmd, []string{"say", "hi"}, false},
		{opCmd, []string{"Steve"}, false},
		{opCmd, []string{"Steve", "Alex"}, true},
		{worldRmCmd, nil, true},
		{tokenHashCmd, nil, false},
		{tokenHashCmd, []string{"a", "b"}, true},
		{historyCmd, []string{"x"}, true},
	}

	for _, tt := range tests {
		err := tt.cmd.Args(tt.cmd, tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s %v: err = %v, wantErr %v", tt.cmd.Name(), tt.args, err, tt.wantErr)
		}
	}
}

func TestModsScanFlagsExclusive(t *testing.T) {
	flags := modsScanCmd.Flags()
	if flags.Lookup("dry-run") == nil || flags.Lookup("offline") == nil {
		t.Fatal("scan flags missing")
	}
	ann := flags.Lookup("dry-run").Annotations
	if len(ann) == 0 {
		t.Error("dry-run and offline should be mutually exclusive")
	}
}

func TestHashToken(t *testing.T) {
	hash, err := hashToken("s3cret", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")) != nil {
		t.Error("hash does not verify")
	}

	if _, err := hashToken(strings.Repeat("x", 73), bcrypt.MinCost); err == nil {
		t.Error("expected error for a token over 72 bytes")
	}
}

func TestHistoryQuery(t *testing.T) {
	defer func() { historyLimit, historyEvent, historySince = 20, "", 0 }()

	historyLimit, historyEvent, historySince = 5, "status", time.Hour
	q, err := historyQuery()
	if err != nil {
		t.Fatal(err)
	}
	if q.Limit != 5 || q.Event != "status" {
		t.Errorf("q = %+v", q)
	}
	if since := time.Since(q.Since); since < time.Hour || since > time.Hour+time.Minute {
		t.Errorf("since = %v ago", since)
	}

	historySince = 0
	if q, _ = historyQuery(); !q.Since.IsZero() {
		t.Error("zero --since should not filter")
	}

	historyLimit = -1
	if _, err := historyQuery(); err == nil {
		t.Error("negative limit accepted")
	}
}

func TestRedact(t *testing.T) {
	settings := map[string]any{
		"daemon": map[string]any{"token": "hunter2", "pid_path": "/run/fv.pid"},
		"api":    map[string]any{"listen": "127.0.0.1:8765"},
	}
	redact(settings, []string{"daemon", "token"})
	redact(settings, []string{"missing", "token"})

	d := settings["daemon"].(map[string]any)
	if d["token"] != "<redacted>" {
		t.Errorf("token = %v", d["token"])
	}
	if d["pid_path"] != "/run/fv.pid" {
		t.Error("unrelated key changed")
	}

	empty := map[string]any{"daemon": map[string]any{"token": ""}}
	redact(empty, []string{"daemon", "token"})
	if empty["daemon"].(map[string]any)["token"] != "" {
		t.Error("empty token should stay empty")
	}
}

func TestEnvOverrides(t *testing.T) {
	got := envOverrides([]string{
		"PATH=/usr/bin",
		"FORGEVISOR_SERVER_DIR=/srv",
		"FORGEVISOR_DAEMON_TOKEN=secret",
		"FORGEVISORX=1",
		"FORGEVISOR_API_LISTEN=0.0.0.0:1",
	})
	want := []string{
		"FORGEVISOR_API_LISTEN=0.0.0.0:1",
		"FORGEVISOR_DAEMON_TOKEN=<redacted>",
		"FORGEVISOR_SERVER_DIR=/srv",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWriteEULA(t *testing.T) {
	dir := t.TempDir()
	path, err := writeEULA(dir)
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, "eula.txt") {
		t.Errorf("path = %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "eula=true\n") {
		t.Errorf("eula.txt = %q", data)
	}
}
