package session

import (
	"fmt"
	"sync"
	"time"
)

// DefaultLineBufferSize bounds per-stream memory; slow consumers lose
// the oldest lines rather than growing the buffer.
const DefaultLineBufferSize = 2000

// Line is one log line with its monotonically increasing index. A
// consumer that reconnects resumes with the last index it saw; if the
// buffer has wrapped past it, After reports the gap.
type Line struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

// LineBuffer is a bounded ring of log lines with index-based
// resumption. Logical indices start at 0 and never reset; the physical
// slice holds at most maxSize entries, dropping the oldest on
// overflow.
type LineBuffer struct {
	mu         sync.RWMutex
	lines      []Line
	maxSize    int
	startIndex int // logical index of lines[0]
	dropped    int64
}

// NewLineBuffer creates a buffer holding up to maxSize lines.
func NewLineBuffer(maxSize int) *LineBuffer {
	if maxSize <= 0 {
		maxSize = DefaultLineBufferSize
	}
	return &LineBuffer{
		lines:   make([]Line, 0, maxSize),
		maxSize: maxSize,
	}
}

// Append adds a line and returns its logical index.
func (b *LineBuffer) Append(text string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	index := b.startIndex + len(b.lines)
	if len(b.lines) >= b.maxSize {
		b.lines = b.lines[1:]
		b.startIndex++
		b.dropped++
	}
	b.lines = append(b.lines, Line{Index: index, Timestamp: time.Now(), Text: text})
	return index
}

// After returns the lines after the given index (exclusive). Index -1
// means everything buffered. A request for purged lines errors so the
// consumer knows it missed output.
func (b *LineBuffer) After(index int) ([]Line, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if index != -1 && index < b.startIndex-1 {
		return nil, fmt.Errorf("lines before index %d were dropped (oldest available: %d)", index, b.startIndex)
	}

	start := 0
	if index >= 0 {
		start = index - b.startIndex + 1
		if start < 0 {
			start = 0
		}
	}
	if start >= len(b.lines) {
		return []Line{}, nil
	}
	out := make([]Line, len(b.lines)-start)
	copy(out, b.lines[start:])
	return out, nil
}

// Last returns up to n most recent line texts, oldest first.
func (b *LineBuffer) Last(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, 0, n)
	for _, l := range b.lines[len(b.lines)-n:] {
		out = append(out, l.Text)
	}
	return out
}

// LastIndex returns the newest logical index, or -1 when empty.
func (b *LineBuffer) LastIndex() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.lines) == 0 {
		return -1
	}
	return b.startIndex + len(b.lines) - 1
}

// Len returns the number of buffered lines.
func (b *LineBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// Dropped returns how many lines were lost to overflow.
func (b *LineBuffer) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Clear empties the buffer and resets indices.
func (b *LineBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = make([]Line, 0, b.maxSize)
	b.startIndex = 0
	b.dropped = 0
}
