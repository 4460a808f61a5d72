package tui

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"github.com/jamesainslie/forgevisor/pkg/daemon"
	"github.com/jamesainslie/forgevisor/pkg/forge/events"
)

// DefaultMaxLines is the scrollback kept by the console.
const DefaultMaxLines = 2000

// maxHistory bounds remembered commands.
const maxHistory = 100

// chromeRows is the header, two dividers, the input and the key hints.
const chromeRows = 5

// Stream is a live console session.
type Stream interface {
	Messages() <-chan daemon.StreamMessage
	Send(command string) error
	Close() error
}

// Options configures the console.
type Options struct {
	// Title is shown next to the app name, usually the server directory.
	Title string
	// Status is the server status before the first status event.
	Status string
	// MaxLines bounds scrollback. Zero means DefaultMaxLines.
	MaxLines int
}

// streamMsg carries one frame from the daemon.
type streamMsg daemon.StreamMessage

// streamClosedMsg reports the end of the session.
type streamClosedMsg struct{}

// sendErrMsg reports a failed websocket write.
type sendErrMsg struct{ err error }

// Model is the Bubble Tea model for the console.
type Model struct {
	stream  Stream
	options Options

	buffer    *lineRingBuffer
	viewport  viewport.Model
	input     textinput.Model
	status    string
	connected bool

	history    []string
	historyPos int

	width  int
	height int
}

// NewModel returns a console model reading from stream.
func NewModel(stream Stream, opts Options) Model {
	if opts.MaxLines <= 0 {
		opts.MaxLines = DefaultMaxLines
	}

	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "console command"
	ti.CharLimit = 1024
	ti.Focus()

	m := Model{
		stream:    stream,
		options:   opts,
		buffer:    newLineRingBuffer(opts.MaxLines),
		viewport:  viewport.New(80, 24-chromeRows),
		input:     ti,
		status:    opts.Status,
		connected: true,
		width:     80,
		height:    24,
	}
	return m
}

// Init starts reading the stream.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForMessage())
}

// waitForMessage returns a command that delivers the next stream frame.
func (m Model) waitForMessage() tea.Cmd {
	ch := m.stream.Messages()
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return streamMsg(msg)
	}
}

// send writes a command to the stream off the update loop.
func (m Model) send(command string) tea.Cmd {
	stream := m.stream
	return func() tea.Msg {
		if err := stream.Send(command); err != nil {
			return sendErrMsg{err: err}
		}
		return nil
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-chromeRows, 1)
		m.input.Width = max(msg.Width-len(m.input.Prompt)-1, 1)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case streamMsg:
		m.handleFrame(daemon.StreamMessage(msg))
		return m, m.waitForMessage()

	case streamClosedMsg:
		m.connected = false
		m.addLine(consoleLine{Time: time.Now(), Kind: kindError, Text: "console stream closed"})
		return m, nil

	case sendErrMsg:
		m.addLine(consoleLine{Time: time.Now(), Kind: kindError, Text: msg.err.Error()})
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleKey handles keyboard input.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		_ = m.stream.Close()
		return m, tea.Quit

	case "enter":
		command := strings.TrimSpace(m.input.Value())
		m.input.SetValue("")
		if command == "" {
			return m, nil
		}
		m.remember(command)
		m.addLine(consoleLine{Time: time.Now(), Kind: kindEcho, Text: command})
		if !m.connected {
			m.addLine(consoleLine{Time: time.Now(), Kind: kindError, Text: "not connected"})
			return m, nil
		}
		return m, m.send(command)

	case "up":
		m.recall(-1)
		return m, nil

	case "down":
		m.recall(1)
		return m, nil

	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleFrame turns a stream frame into console lines.
func (m *Model) handleFrame(msg daemon.StreamMessage) {
	switch msg.Event {
	case daemon.StreamLine:
		var line daemon.LineMessage
		if err := json.Unmarshal(msg.Data, &line); err != nil {
			return
		}
		m.addLine(consoleLine{Time: msg.Time, Kind: kindOutput, Text: line.Raw, Ready: line.Ready})

	case events.EventStatus:
		var payload struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Status == "" {
			return
		}
		m.status = payload.Status
		m.addLine(consoleLine{Time: msg.Time, Kind: kindStatus, Text: "server " + payload.Status})

	case daemon.StreamError:
		var resp daemon.ErrorResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil || resp.Error == "" {
			resp.Error = string(msg.Data)
		}
		m.addLine(consoleLine{Time: msg.Time, Kind: kindError, Text: resp.Error})

	default:
		m.addLine(consoleLine{Time: msg.Time, Kind: kindStatus, Text: msg.Event + " " + string(msg.Data)})
	}
}

// addLine buffers a line and follows the tail if the view was at the bottom.
func (m *Model) addLine(line consoleLine) {
	follow := m.viewport.AtBottom()
	m.buffer.Add(line)
	m.refresh()
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) refresh() {
	lines := m.buffer.Lines()
	rows := make([]string, len(lines))
	for i, l := range lines {
		rows[i] = renderLine(l, m.width)
	}
	m.viewport.SetContent(strings.Join(rows, "\n"))
}

// remember appends a command to the history.
func (m *Model) remember(command string) {
	if n := len(m.history); n == 0 || m.history[n-1] != command {
		m.history = append(m.history, command)
		if len(m.history) > maxHistory {
			m.history = m.history[1:]
		}
	}
	m.historyPos = len(m.history)
}

// recall moves through the history; moving past the newest entry clears the
// input.
func (m *Model) recall(delta int) {
	if len(m.history) == 0 {
		return
	}
	m.historyPos = min(max(m.historyPos+delta, 0), len(m.history))
	if m.historyPos == len(m.history) {
		m.input.SetValue("")
		return
	}
	m.input.SetValue(m.history[m.historyPos])
	m.input.CursorEnd()
}

// renderLine renders one console line, cut to width.
func renderLine(l consoleLine, width int) string {
	ts := mutedTextStyle.Render(l.Time.Format("15:04:05"))

	var text string
	switch l.Kind {
	case kindEcho:
		text = echoStyle.Render("> " + l.Text)
	case kindError:
		text = errorTextStyle.Render("! " + l.Text)
	case kindStatus:
		text = warningTextStyle.Render("* " + l.Text)
	default:
		text = l.Text
		if l.Ready {
			text = successTextStyle.Render(l.Text)
		}
	}

	line := ts + " " + text
	if width > 0 {
		line = ansi.Truncate(line, width, "…")
	}
	return line
}

// View renders the console.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(renderHeader(m.options.Title, m.status, m.connected, m.buffer.Len()))
	b.WriteString("\n")
	b.WriteString(renderDivider(m.width))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(renderDivider(m.width))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(renderKeyHints())
	return b.String()
}

// Run runs the console until the user quits.
func Run(stream Stream, opts Options) error {
	p := tea.NewProgram(NewModel(stream, opts), tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := p.Run()
	return err
}
