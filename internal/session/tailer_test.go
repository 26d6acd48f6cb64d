package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTailerPollsGrowingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	buf := NewLineBuffer(100)
	tailer := NewTailer(path, buf, 0)

	// missing file is not an error, just nothing yet
	tailer.Poll()
	if buf.Len() != 0 {
		t.Fatalf("len = %d before file exists", buf.Len())
	}

	if err := os.WriteFile(path, []byte("first\nsecond\npart"), 0o644); err != nil {
		t.Fatal(err)
	}
	tailer.Poll()

	lines, _ := buf.After(-1)
	if len(lines) != 2 {
		t.Fatalf("lines = %v, want first and second", lines)
	}
	if lines[0].Text != "first" || lines[1].Text != "second" {
		t.Errorf("lines = %v", lines)
	}

	// completing the partial line delivers it on the next poll
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("ial\nlast\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	tailer.Poll()

	lines, _ = buf.After(-1)
	if len(lines) != 4 || lines[2].Text != "partial" || lines[3].Text != "last" {
		t.Errorf("lines = %v", lines)
	}
}

func TestTailerNormalizesCRLF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	buf := NewLineBuffer(100)
	tailer := NewTailer(path, buf, 0)

	if err := os.WriteFile(path, []byte("one\r\ntwo\r\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tailer.Poll()

	lines, _ := buf.After(-1)
	if len(lines) != 2 || lines[0].Text != "one" || lines[1].Text != "two" {
		t.Errorf("lines = %v", lines)
	}
}

func TestTailerDetectsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	buf := NewLineBuffer(100)
	tailer := NewTailer(path, buf, 0)

	if err := os.WriteFile(path, []byte("old run output line\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tailer.Poll()

	// a new run reopens the log with replace
	if err := os.WriteFile(path, []byte("new\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tailer.Poll()

	lines, _ := buf.After(-1)
	if len(lines) != 2 || lines[1].Text != "new" {
		t.Errorf("lines = %v", lines)
	}
}

func TestTailerFlushDeliversPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	buf := NewLineBuffer(100)
	tailer := NewTailer(path, buf, 0)

	if err := os.WriteFile(path, []byte("no newline at end"), 0o644); err != nil {
		t.Fatal(err)
	}
	tailer.Poll()
	if buf.Len() != 0 {
		t.Fatalf("partial line delivered early: %v", buf.Last(10))
	}

	tailer.Flush()
	if got := buf.Last(1); len(got) != 1 || got[0] != "no newline at end" {
		t.Errorf("flush = %v", got)
	}
}
