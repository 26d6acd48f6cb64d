package session

import (
	"context"
	"io"
	"os"
	"strings"
	"time"
)

// DefaultTailInterval is the log poll period. The interpreter flushes
// its log in bursts, so polling faster buys nothing.
const DefaultTailInterval = 200 * time.Millisecond

// Tailer polls a growing log file and feeds complete lines into a
// LineBuffer. It tolerates the file not existing yet and detects
// truncation, which happens when a new run reopens the log.
type Tailer struct {
	path     string
	buf      *LineBuffer
	interval time.Duration

	offset  int64
	partial string
}

// NewTailer tails path into buf. A zero interval means the default.
func NewTailer(path string, buf *LineBuffer, interval time.Duration) *Tailer {
	if interval <= 0 {
		interval = DefaultTailInterval
	}
	return &Tailer{path: path, buf: buf, interval: interval}
}

// Run polls until ctx is cancelled, then takes one final poll so lines
// written just before completion are not lost.
func (t *Tailer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Poll()
			return
		case <-ticker.C:
			t.Poll()
		}
	}
}

// Poll reads whatever the log gained since the last poll and appends
// the complete lines to the buffer.
func (t *Tailer) Poll() {
	f, err := os.Open(t.path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < t.offset {
		// log was reopened with replace; start over
		t.offset = 0
		t.partial = ""
	}
	if info.Size() == t.offset {
		return
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil && len(data) == 0 {
		return
	}
	t.offset += int64(len(data))

	text := t.partial + strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	t.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		t.buf.Append(line)
	}
}

// Flush appends any trailing partial line. Call once the writer is
// known to be finished.
func (t *Tailer) Flush() {
	if t.partial != "" {
		t.buf.Append(t.partial)
		t.partial = ""
	}
}
