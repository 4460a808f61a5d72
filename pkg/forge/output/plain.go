package output

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

// PlainFormatter formats output as simple aligned columns.
// It produces plain text output suitable for scripting and piping.
// No colors or styling are applied.
type PlainFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PlainFormatter) Format(w *bytes.Buffer, r *Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)

	if s := r.Server; s != nil {
		fmt.Fprintf(tw, "state\t%s\n", s.State)
		if s.PID > 0 {
			fmt.Fprintf(tw, "pid\t%d\n", s.PID)
		}
		fmt.Fprintf(tw, "dir\t%s\n", s.Dir)
		fmt.Fprintf(tw, "command\t%s\n", strings.Join(s.Command, " "))
		writeTime(tw, "started_at", s.StartedAt)
		writeTime(tw, "ready_at", s.ReadyAt)
		writeTime(tw, "exited_at", s.ExitedAt)
		if s.LastExit != "" {
			fmt.Fprintf(tw, "last_exit\t%s\n", s.LastExit)
		}
	}
	if d := r.Daemon; d != nil {
		fmt.Fprintf(tw, "daemon_pid\t%d\n", d.PID)
		fmt.Fprintf(tw, "daemon_uptime\t%s\n", d.Uptime)
		fmt.Fprintf(tw, "watching\t%t\n", d.Watching)
		fmt.Fprintf(tw, "webhooks\t%d\n", d.Webhooks)
		fmt.Fprintf(tw, "listeners\t%d\n", d.Listeners)
		if d.Health != "" {
			fmt.Fprintf(tw, "health\t%s\n", d.Health)
		}
	}

	if r.Mods != nil {
		fmt.Fprintln(tw, "SIZE\tHASH\tFILE")
		for _, m := range r.Mods {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", sizeOrDash(m), m.Hash, m.Filename)
		}
	}

	if s := r.Scan; s != nil {
		fmt.Fprintf(tw, "scanned\t%d\nadditions\t%d\nupdates\t%d\ndeletions\t%d\n",
			s.Scanned, s.Additions, s.Updates, s.Deletions)
		for _, name := range s.Skipped {
			fmt.Fprintf(tw, "skipped\t%s\n", name)
		}
	}
	if len(r.Changes) > 0 {
		fmt.Fprintln(tw, "KIND\tFILE\tHASH")
		for _, c := range r.Changes {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Kind, c.Filename, c.Hash)
		}
	}

	if r.History != nil {
		fmt.Fprintln(tw, "TIME\tEVENT\tDATA")
		for _, e := range r.History {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Time.UTC().Format(time.RFC3339), e.Event, e.Data)
		}
	}

	for _, warning := range r.Warnings {
		fmt.Fprintf(tw, "warning\t%s\n", warning)
	}

	return tw.Flush()
}

func writeTime(w *tabwriter.Writer, key string, t time.Time) {
	if !t.IsZero() {
		fmt.Fprintf(w, "%s\t%s\n", key, t.UTC().Format(time.RFC3339))
	}
}

func init() {
	Register("plain", func() Formatter {
		return &PlainFormatter{}
	})
}

// Ensure PlainFormatter implements Formatter.
var _ Formatter = (*PlainFormatter)(nil)
