package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jamesainslie/forgevisor/pkg/daemon"
	"github.com/jamesainslie/forgevisor/pkg/daemon/store"
	"github.com/jamesainslie/forgevisor/pkg/forge/manifest"
	"github.com/jamesainslie/forgevisor/pkg/forge/moddiff"
	"github.com/jamesainslie/forgevisor/pkg/forge/supervisor"
)

func TestStatusResult(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	report := daemon.StatusReport{
		Daemon: daemon.DaemonInfo{PID: 7, Uptime: "1m0s", Watching: true, Webhooks: 2, Listeners: 1},
		Server: supervisor.Status{
			State:     supervisor.Running,
			PID:       4242,
			Dir:       "/srv/forge",
			Command:   []string{"java", "-jar", "server.jar"},
			StartedAt: started,
		},
	}

	r := statusResult(report, "SERVING")
	if r.Daemon == nil || r.Server == nil {
		t.Fatal("missing sections")
	}
	if r.Daemon.Health != "SERVING" || r.Daemon.Webhooks != 2 || !r.Daemon.Watching {
		t.Errorf("daemon = %+v", r.Daemon)
	}
	if r.Server.State != "running" || r.Server.PID != 4242 || !r.Server.StartedAt.Equal(started) {
		t.Errorf("server = %+v", r.Server)
	}
}

func TestModsFromRecords(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "jei.jar"), make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}

	mods := modsFromRecords([]manifest.Record{
		{Filename: "jei.jar", Hash: "aa"},
		{Filename: "gone.jar", Hash: "bb"},
	}, dir)

	if len(mods) != 2 {
		t.Fatalf("got %d mods", len(mods))
	}
	if mods[0].Size != 2048 || mods[0].SizeHuman != "2.0 KiB" {
		t.Errorf("jei.jar = %+v", mods[0])
	}
	if mods[1].Size != 0 || mods[1].SizeHuman != "" {
		t.Errorf("missing file should have no size: %+v", mods[1])
	}
}

func TestChangesAndScanInfo(t *testing.T) {
	changes := []moddiff.Change{
		{Kind: moddiff.Addition, Records: []manifest.Record{{Filename: "a.jar"}, {Filename: "b.jar"}}},
		{Kind: moddiff.Update, Records: []manifest.Record{{Filename: "c.jar"}}},
		{Kind: moddiff.Deletion, Records: []manifest.Record{{Filename: "d.jar"}}},
	}

	flat := changesFrom(changes)
	if len(flat) != 4 {
		t.Fatalf("got %d changes, want 4", len(flat))
	}
	if flat[0].Kind != string(moddiff.Addition) || flat[3].Filename != "d.jar" {
		t.Errorf("unexpected changes: %+v", flat)
	}

	info := scanInfoFrom(5, changes, []string{"locked.jar"})
	if info.Scanned != 5 || info.Additions != 2 || info.Updates != 1 || info.Deletions != 1 {
		t.Errorf("info = %+v", info)
	}
	if len(info.Skipped) != 1 {
		t.Errorf("skipped = %v", info.Skipped)
	}

	if scanInfoFrom(0, nil, nil).Additions != 0 {
		t.Error("empty scan should count nothing")
	}
}

func TestScanInfoFromSummary(t *testing.T) {
	if scanInfoFromSummary(nil) != nil {
		t.Error("nil summary should give nil")
	}

	now := time.Now()
	info := scanInfoFromSummary(&store.ScanSummary{Time: now, Scanned: 3, Updates: 1})
	if !info.Time.Equal(now) || info.Scanned != 3 || info.Updates != 1 {
		t.Errorf("info = %+v", info)
	}
}

func TestHistoryFrom(t *testing.T) {
	now := time.Now()
	events := historyFrom([]store.Entry{
		{ID: "1", Event: "status", Data: []byte(`{"status":"up"}`), Time: now},
	})
	if len(events) != 1 || events[0].Data != `{"status":"up"}` || events[0].Event != "status" {
		t.Errorf("events = %+v", events)
	}
	if got := historyFrom(nil); got == nil || len(got) != 0 {
		t.Errorf("historyFrom(nil) = %#v, want empty slice", got)
	}
}
