package session

import (
	"fmt"
	"testing"
)

func TestLineBufferAppendAfter(t *testing.T) {
	b := NewLineBuffer(10)

	for i := 0; i < 5; i++ {
		if got := b.Append(fmt.Sprintf("line %d", i)); got != i {
			t.Errorf("index = %d, want %d", got, i)
		}
	}

	all, err := b.After(-1)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}

	rest, err := b.After(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 || rest[0].Text != "line 3" {
		t.Errorf("After(2) = %v", rest)
	}

	none, err := b.After(4)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("After(last) = %v, want empty", none)
	}
}

func TestLineBufferOverflow(t *testing.T) {
	b := NewLineBuffer(3)
	for i := 0; i < 5; i++ {
		b.Append(fmt.Sprintf("line %d", i))
	}

	if b.Len() != 3 {
		t.Errorf("len = %d, want 3", b.Len())
	}
	if b.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", b.Dropped())
	}
	if b.LastIndex() != 4 {
		t.Errorf("last index = %d, want 4", b.LastIndex())
	}

	// resuming past the purge point must error, not silently skip
	if _, err := b.After(0); err == nil {
		t.Error("expected purge error for dropped index")
	}
	kept, err := b.After(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(kept) != 3 || kept[0].Text != "line 2" {
		t.Errorf("After(1) = %v", kept)
	}
}

func TestLineBufferLast(t *testing.T) {
	b := NewLineBuffer(10)
	for i := 0; i < 4; i++ {
		b.Append(fmt.Sprintf("line %d", i))
	}

	last := b.Last(2)
	if len(last) != 2 || last[0] != "line 2" || last[1] != "line 3" {
		t.Errorf("Last(2) = %v", last)
	}
	if got := b.Last(100); len(got) != 4 {
		t.Errorf("Last(100) = %v", got)
	}
}

func TestLineBufferClear(t *testing.T) {
	b := NewLineBuffer(10)
	b.Append("x")
	b.Clear()

	if b.Len() != 0 || b.LastIndex() != -1 {
		t.Errorf("clear left len=%d lastIndex=%d", b.Len(), b.LastIndex())
	}
}
