package amcp

import (
	"reflect"
	"testing"
)

func TestBatchLines(t *testing.T) {
	b := NewBatch("host:5250")
	if !b.Empty() {
		t.Fatal("new batch should be empty")
	}
	b.Add("PLAY 1-10", "MIXER 1-10 OPACITY 1 0")

	got := b.Lines()
	want := []string{"DEFER", "PLAY 1-10", "MIXER 1-10 OPACITY 1 0", "RESUME"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Lines = %v, want %v", got, want)
	}
}

func TestEmptyBatchHasNoLines(t *testing.T) {
	b := NewBatch("host:5250")
	if lines := b.Lines(); lines != nil {
		t.Errorf("empty batch Lines() = %v, want nil", lines)
	}
}

func TestQueryBatchIsUnwrapped(t *testing.T) {
	b := NewQuery("host:5250", "CALL 1-10 FRAME")
	want := []string{"CALL 1-10 FRAME"}
	if got := b.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("query Lines = %v, want %v", got, want)
	}
}

// Property 11 / scenario S4: commands for one logical operation on one
// connection land in a single batch, in submission order, never
// interleaved with another slot's commands mid-batch.
func TestBatchPreservesSubmissionOrder(t *testing.T) {
	b := NewBatch("host:5250")
	l1 := Layer{Channel: 1, Layer: 10}
	l2 := Layer{Channel: 1, Layer: 20}
	l3 := Layer{Channel: 2, Layer: 30}

	for _, l := range []Layer{l1, l2, l3} {
		b.Add(LoadBG(l, "a.mov", 0))
		b.Add(Pause(l))
	}

	lines := b.Lines()
	// DEFER, then 3*(LOADBG,PAUSE) = 6 commands, then RESUME.
	if len(lines) != 8 {
		t.Fatalf("len(lines) = %d, want 8", len(lines))
	}
	if lines[1] != LoadBG(l1, "a.mov", 0) || lines[2] != Pause(l1) {
		t.Errorf("slot order not preserved for l1: %v", lines)
	}
	if lines[7] != "RESUME" {
		t.Errorf("last line = %q, want RESUME", lines[7])
	}
}
