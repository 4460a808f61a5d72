package tui

import (
	"sync"
	"time"
)

// lineKind distinguishes how a console line is drawn.
type lineKind int

const (
	kindOutput lineKind = iota // server output
	kindEcho                   // command typed here
	kindError                  // refused command or stream error
	kindStatus                 // lifecycle change
)

// consoleLine is one rendered row of the console.
type consoleLine struct {
	Time  time.Time
	Kind  lineKind
	Text  string
	Ready bool
}

// lineRingBuffer is a thread-safe ring buffer for console lines.
// It maintains a fixed-size buffer with FIFO eviction.
type lineRingBuffer struct {
	mu       sync.RWMutex
	lines    []consoleLine
	maxLines int
}

// newLineRingBuffer creates a new ring buffer with the specified max size.
func newLineRingBuffer(maxLines int) *lineRingBuffer {
	if maxLines < 1 {
		maxLines = 1
	}
	return &lineRingBuffer{
		lines:    make([]consoleLine, 0, maxLines),
		maxLines: maxLines,
	}
}

// Add appends a line, evicting the oldest if at capacity.
func (rb *lineRingBuffer) Add(line consoleLine) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.lines) >= rb.maxLines {
		rb.lines = rb.lines[1:]
	}
	rb.lines = append(rb.lines, line)
}

// Lines returns a copy of all lines in order.
func (rb *lineRingBuffer) Lines() []consoleLine {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]consoleLine, len(rb.lines))
	copy(result, rb.lines)
	return result
}

// Len returns the number of buffered lines.
func (rb *lineRingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.lines)
}
