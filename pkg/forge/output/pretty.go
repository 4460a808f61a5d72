package output

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// shortHash is how many hash characters the human-facing formatters show.
const shortHash = 12

// PrettyFormatter formats output with colors and styling using lipgloss.
// It produces a visually appealing output suitable for terminal display.
type PrettyFormatter struct {
	// now is used for relative times; zero means time.Now.
	now time.Time
}

// Format writes the formatted output to the buffer.
func (f *PrettyFormatter) Format(w *bytes.Buffer, r *Result) error {
	if r.Daemon != nil || r.Server != nil {
		w.WriteString(f.formatStatus(r))
		w.WriteString("\n")
	}
	if r.Mods != nil {
		w.WriteString(f.formatMods(r))
	}
	if r.Scan != nil {
		w.WriteString(f.formatScan(r.Scan))
	}
	if len(r.Changes) > 0 {
		w.WriteString(f.formatChanges(r.Changes))
	}
	if r.History != nil {
		w.WriteString(f.formatHistory(r.History))
	}
	if len(r.Warnings) > 0 {
		w.WriteString("\n")
		w.WriteString(f.formatWarnings(r.Warnings))
	}
	return nil
}

func (f *PrettyFormatter) relative(t time.Time) string {
	now := f.now
	if now.IsZero() {
		now = time.Now()
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func field(label, value string) string {
	return LabelStyle.Render(label) + " " + value
}

// formatStatus builds the header box with server and daemon state.
func (f *PrettyFormatter) formatStatus(r *Result) string {
	var lines []string

	if s := r.Server; s != nil {
		parts := []string{field("Server:", StateStyle(s.State).Bold(true).Render(s.State))}
		if s.PID > 0 {
			parts = append(parts, field("PID:", ValueStyle.Render(fmt.Sprint(s.PID))))
		}
		switch {
		case !s.ReadyAt.IsZero() && s.State == "running":
			parts = append(parts, field("Up:", ValueStyle.Render(f.relative(s.ReadyAt))))
		case !s.StartedAt.IsZero() && s.State == "starting":
			parts = append(parts, field("Starting:", ValueStyle.Render(f.relative(s.StartedAt))))
		case !s.ExitedAt.IsZero():
			parts = append(parts, field("Exited:", ValueStyle.Render(f.relative(s.ExitedAt))))
		}
		lines = append(lines, strings.Join(parts, "  "))
		lines = append(lines, field("Dir:", ValueStyle.Render(s.Dir)))
		if s.LastExit != "" && s.State == "exited" {
			lines = append(lines, field("Last exit:", WarningStyle.Render(s.LastExit)))
		}
	}

	if d := r.Daemon; d != nil {
		parts := []string{field("Daemon:", ValueStyle.Render(fmt.Sprintf("pid %d, up %s", d.PID, d.Uptime)))}
		if d.Watching {
			parts = append(parts, SuccessStyle.Render("watching mods"))
		}
		parts = append(parts,
			field("Webhooks:", ValueStyle.Render(fmt.Sprint(d.Webhooks))),
			field("Listeners:", ValueStyle.Render(fmt.Sprint(d.Listeners))))
		if d.Health != "" {
			parts = append(parts, field("Health:", ValueStyle.Render(d.Health)))
		}
		lines = append(lines, strings.Join(parts, "  "))
	}

	return HeaderBox.Render(strings.Join(lines, "\n"))
}

// formatMods builds the mod table with SIZE, HASH and FILE columns.
func (f *PrettyFormatter) formatMods(r *Result) string {
	if len(r.Mods) == 0 {
		return MutedStyle.Render("  No mods tracked") + "\n"
	}

	var sb strings.Builder

	maxSizeWidth := 8
	for _, m := range r.Mods {
		maxSizeWidth = max(maxSizeWidth, len(sizeOrDash(m)))
	}

	fmt.Fprintf(&sb, "  %s%s%s\n",
		TableHeaderStyle.Render(padLeft("SIZE", maxSizeWidth)),
		TableHeaderStyle.Render(padRight("HASH", shortHash)),
		TableHeaderStyle.Render("FILE"))

	for _, m := range r.Mods {
		fmt.Fprintf(&sb, "  %s  %s  %s\n",
			SizeStyle.Render(padLeft(sizeOrDash(m), maxSizeWidth)),
			MutedStyle.Render(truncate(m.Hash, shortHash)),
			ValueStyle.Render(m.Filename))
	}

	parts := []string{field("Mods:", ValueStyle.Render(fmt.Sprint(len(r.Mods))))}
	if total := r.TotalModSize(); total > 0 {
		parts = append(parts, field("Total:", SizeStyle.Render(humanize.IBytes(uint64(total)))))
	}
	sb.WriteString(FooterBox.Render(strings.Join(parts, "  ")))
	sb.WriteString("\n")
	return sb.String()
}

// formatScan builds the one-line scan summary.
func (f *PrettyFormatter) formatScan(s *ScanInfo) string {
	title := "Scan"
	if s.Offline {
		title = "Offline scan"
	}

	parts := []string{
		TitleStyle.Render(title),
		field("Scanned:", ValueStyle.Render(fmt.Sprint(s.Scanned))),
		SuccessStyle.Render(fmt.Sprintf("+%d", s.Additions)),
		WarningStyle.Render(fmt.Sprintf("~%d", s.Updates)),
		ErrorStyle.Render(fmt.Sprintf("-%d", s.Deletions)),
	}
	if !s.Time.IsZero() {
		parts = append(parts, MutedStyle.Render(f.relative(s.Time)))
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(parts, "  "))
	sb.WriteString("\n")
	for _, name := range s.Skipped {
		sb.WriteString(WarningStyle.Render("  skipped " + name))
		sb.WriteString("\n")
	}
	return sb.String()
}

var kindMarks = map[string]string{
	"addition": "+",
	"update":   "~",
	"deletion": "-",
}

// formatChanges lists each changed record with its kind marker.
func (f *PrettyFormatter) formatChanges(changes []Change) string {
	var sb strings.Builder
	for _, c := range changes {
		mark := kindMarks[c.Kind]
		if mark == "" {
			mark = "?"
		}
		style := KindStyle(c.Kind)
		fmt.Fprintf(&sb, "  %s %s  %s\n",
			style.Render(mark),
			style.Render(c.Filename),
			MutedStyle.Render(truncate(c.Hash, shortHash)))
	}
	return sb.String()
}

// formatHistory lists journaled events, newest first as given.
func (f *PrettyFormatter) formatHistory(history []Event) string {
	if len(history) == 0 {
		return MutedStyle.Render("  No events recorded") + "\n"
	}

	maxEventWidth := 0
	for _, e := range history {
		maxEventWidth = max(maxEventWidth, len(e.Event))
	}

	var sb strings.Builder
	for _, e := range history {
		fmt.Fprintf(&sb, "  %s  %s  %s\n",
			MutedStyle.Render(e.Time.Local().Format(time.DateTime)),
			TitleStyle.Render(padRight(e.Event, maxEventWidth)),
			ValueStyle.Render(e.Data))
	}
	return sb.String()
}

// formatWarnings builds a warning block.
func (f *PrettyFormatter) formatWarnings(warnings []string) string {
	var sb strings.Builder

	sb.WriteString(WarningStyle.Bold(true).Render("Warnings:"))
	sb.WriteString("\n")
	for _, warning := range warnings {
		sb.WriteString(WarningStyle.Render("  " + warning))
		sb.WriteString("\n")
	}
	return sb.String()
}

func sizeOrDash(m Mod) string {
	if m.SizeHuman != "" {
		return m.SizeHuman
	}
	if m.Size > 0 {
		return humanize.IBytes(uint64(m.Size))
	}
	return "-"
}

// padLeft pads a string with spaces on the left to achieve the desired width.
func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(s)) + s
}

// padRight pads a string with spaces on the right to achieve the desired width.
func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func init() {
	Register("pretty", func() Formatter {
		return &PrettyFormatter{}
	})
}

// Ensure PrettyFormatter implements Formatter.
var _ Formatter = (*PrettyFormatter)(nil)
