// Package console turns the server's raw terminal output into structured
// console events.
//
// Output is buffered until a line terminator arrives, so chunk boundaries
// from the PTY never split or merge lines. Bytes are decoded as ISO-8859-1;
// multi-byte UTF-8 from the server is mis-decoded, which is accepted.
package console

import (
	"bytes"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/text/encoding/charmap"
)

// MaxLineLength bounds the buffered partial line. Longer lines are split.
const MaxLineLength = 64 * 1024

// Event is one structured console line.
type Event struct {
	Tags    []string `json:"tags"`
	Message string   `json:"message"`
}

// Line is the result of parsing one complete line of output.
type Line struct {
	// Raw is the decoded line without its terminator, control sequences intact.
	Raw string
	// Event holds the tags and message extracted from the cleaned line.
	Event Event
	// Ready is set when the message carries the startup-complete marker.
	Ready bool
	// Emit is false for noise lines whose first tag is missing or blank.
	Emit bool
}

// Parser buffers output chunks and yields complete lines. It is not safe for
// concurrent use; the supervisor feeds it from a single reader goroutine.
type Parser struct {
	buf []byte
}

// NewParser returns an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk and returns every line completed by it, in order.
func (p *Parser) Feed(chunk []byte) []Line {
	p.buf = append(p.buf, chunk...)

	var lines []Line
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, ParseLine(p.buf[:i]))
		p.buf = p.buf[i+1:]
	}

	for len(p.buf) > MaxLineLength {
		lines = append(lines, ParseLine(p.buf[:MaxLineLength]))
		p.buf = p.buf[MaxLineLength:]
	}

	// Release the backing array once drained so a burst does not pin memory.
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return lines
}

// Flush returns the buffered partial line, if any, and resets the parser.
func (p *Parser) Flush() []Line {
	if len(p.buf) == 0 {
		return nil
	}
	line := ParseLine(p.buf)
	p.buf = nil
	return []Line{line}
}

// Pending reports how many bytes are buffered without a terminator.
func (p *Parser) Pending() int {
	return len(p.buf)
}

// ParseLine decodes and tokenizes a single line. Trailing carriage returns
// are dropped.
func ParseLine(b []byte) Line {
	raw := decode(bytes.TrimRight(b, "\r"))
	ev := Tokenize(Clean(raw))

	return Line{
		Raw:   raw,
		Event: ev,
		Ready: IsReady(ev.Message),
		Emit:  len(ev.Tags) > 0 && ev.Tags[0] != "" && ev.Tags[0] != " ",
	}
}

func decode(b []byte) string {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		// ISO-8859-1 maps every byte, so this only guards the API contract.
		return string(b)
	}
	return string(out)
}

// Clean strips ANSI escape sequences and C0 control characters other than
// tab.
func Clean(s string) string {
	s = ansi.Strip(s)
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
