package tui

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// renderHeader renders the title row: server directory, server status,
// connection state and buffered line count.
func renderHeader(title, status string, connected bool, lines int) string {
	name := titleStyle.Render("FORGEVISOR")
	if title != "" {
		name += mutedTextStyle.Render("  " + title)
	}

	if status == "" {
		status = "unknown"
	}
	state := "  " + statusStyle(status).Render("● "+status)

	conn := successTextStyle.Render("  connected")
	if !connected {
		conn = errorTextStyle.Render("  disconnected")
	}

	count := mutedTextStyle.Render(fmt.Sprintf("  %s lines", humanize.Comma(int64(lines))))
	return " " + name + state + conn + count
}

// renderKeyHints renders the footer key help.
func renderKeyHints() string {
	hint := func(key, desc string) string {
		return keyStyle.Render(key) + " " + keyDescStyle.Render(desc) + "  "
	}
	return " " + hint("enter", "send") + hint("↑/↓", "history") + hint("pgup/pgdn", "scroll") + hint("esc", "quit")
}
