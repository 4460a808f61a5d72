package main

import (
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/forgevisor/pkg/daemon"
	"github.com/jamesainslie/forgevisor/pkg/daemon/store"
	"github.com/jamesainslie/forgevisor/pkg/forge/manifest"
	"github.com/jamesainslie/forgevisor/pkg/forge/moddiff"
	"github.com/jamesainslie/forgevisor/pkg/forge/output"
	"github.com/jamesainslie/forgevisor/pkg/forge/supervisor"
)

func serverInfo(s supervisor.Status) *output.ServerInfo {
	return &output.ServerInfo{
		State:     s.State.String(),
		PID:       s.PID,
		Dir:       s.Dir,
		Command:   s.Command,
		StartedAt: s.StartedAt,
		ReadyAt:   s.ReadyAt,
		ExitedAt:  s.ExitedAt,
		LastExit:  s.LastExit,
	}
}

func statusResult(report daemon.StatusReport, health string) *output.Result {
	d := report.Daemon
	return &output.Result{
		Daemon: &output.DaemonInfo{
			PID:       d.PID,
			Uptime:    d.Uptime,
			Watching:  d.Watching,
			Webhooks:  d.Webhooks,
			Listeners: d.Listeners,
			Health:    health,
		},
		Server: serverInfo(report.Server),
	}
}

// modsFromRecords converts manifest records, adding sizes for files present
// in modDir.
func modsFromRecords(records []manifest.Record, modDir string) []output.Mod {
	mods := make([]output.Mod, 0, len(records))
	for _, r := range records {
		m := output.Mod{Filename: r.Filename, Hash: r.Hash}
		if info, err := os.Stat(filepath.Join(modDir, r.Filename)); err == nil {
			m.Size = info.Size()
			m.SizeHuman = humanize.IBytes(uint64(info.Size()))
		}
		mods = append(mods, m)
	}
	return mods
}

func changesFrom(changes []moddiff.Change) []output.Change {
	var out []output.Change
	for _, c := range changes {
		for _, r := range c.Records {
			out = append(out, output.Change{Kind: string(c.Kind), Filename: r.Filename, Hash: r.Hash})
		}
	}
	return out
}

func scanInfoFrom(scanned int, changes []moddiff.Change, skipped []string) *output.ScanInfo {
	info := &output.ScanInfo{Scanned: scanned, Skipped: skipped}
	for _, c := range changes {
		switch c.Kind {
		case moddiff.Addition:
			info.Additions += len(c.Records)
		case moddiff.Update:
			info.Updates += len(c.Records)
		case moddiff.Deletion:
			info.Deletions += len(c.Records)
		}
	}
	return info
}

func scanInfoFromSummary(s *store.ScanSummary) *output.ScanInfo {
	if s == nil {
		return nil
	}
	return &output.ScanInfo{
		Time:      s.Time,
		Scanned:   s.Scanned,
		Additions: s.Additions,
		Updates:   s.Updates,
		Deletions: s.Deletions,
		Skipped:   s.Skipped,
	}
}

func historyFrom(entries []store.Entry) []output.Event {
	out := make([]output.Event, 0, len(entries))
	for _, e := range entries {
		out = append(out, output.Event{Time: e.Time, Event: e.Event, Data: string(e.Data)})
	}
	return out
}
