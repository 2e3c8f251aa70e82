package playout

import (
	"testing"

	"github.com/playoutsync/engine/internal/amcp"
)

func TestGroupByConnPartitionsByAddress(t *testing.T) {
	slots := []*runtime{
		newRuntime(Slot{Index: 0, Host: "a", Port: 1, Channel: 1, BaseLayer: 10, Clip: "x.mov", Enabled: true}),
		newRuntime(Slot{Index: 1, Host: "b", Port: 1, Channel: 1, BaseLayer: 20, Clip: "x.mov", Enabled: true}),
		newRuntime(Slot{Index: 2, Host: "a", Port: 1, Channel: 2, BaseLayer: 30, Clip: "x.mov", Enabled: true}),
	}

	groups := groupByConn(slots, pauseCommands)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}

	var groupA *connGroup
	for _, g := range groups {
		if g.addr == amcp.Addr("a", 1) {
			groupA = g
		}
	}
	if groupA == nil {
		t.Fatal("no group for addr a:1")
	}
	if len(groupA.spans) != 2 {
		t.Fatalf("groupA spans = %d, want 2", len(groupA.spans))
	}
	if groupA.spans[0].slot.cfg.Index != 0 || groupA.spans[1].slot.cfg.Index != 2 {
		t.Errorf("groupA spans out of submission order: %+v", groupA.spans)
	}
	// pauseCommands emits 2 lines per slot, so the second span must start
	// right after the first.
	if groupA.spans[0].start != 0 || groupA.spans[0].count != 2 {
		t.Errorf("span[0] = %+v, want start=0 count=2", groupA.spans[0])
	}
	if groupA.spans[1].start != 2 || groupA.spans[1].count != 2 {
		t.Errorf("span[1] = %+v, want start=2 count=2", groupA.spans[1])
	}
}

func TestGroupByConnSkipsIneffectiveSlots(t *testing.T) {
	slots := []*runtime{
		newRuntime(Slot{Index: 0, Host: "a", Port: 1, Channel: 1, BaseLayer: 10, Clip: "x.mov", Enabled: false}),
		newRuntime(Slot{Index: 1, Host: "a", Port: 1, Channel: 1, BaseLayer: 20, Clip: "x.mov", Enabled: true}),
	}
	groups := groupByConn(slots, pauseCommands)
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if len(groups[0].spans) != 1 {
		t.Fatalf("spans = %d, want 1 (disabled slot excluded)", len(groups[0].spans))
	}
}

// Scenario S5's attribution mechanism, tested directly against a
// synthesized reply set without going through a live connection.
func TestAttributeFailureMapsReplyToSpan(t *testing.T) {
	r0 := newRuntime(Slot{Index: 0})
	r1 := newRuntime(Slot{Index: 1})
	r2 := newRuntime(Slot{Index: 2})

	g := &connGroup{
		addr:  "x",
		batch: amcp.NewBatch("x"),
		spans: []span{
			{slot: r0, start: 0, count: 2},
			{slot: r1, start: 2, count: 2},
			{slot: r2, start: 4, count: 2},
		},
	}

	// Reply index 0 is DEFER's own reply; command index i maps to reply
	// index i+1.
	result := amcp.Result{Replies: []amcp.Reply{
		{Code: 202}, // DEFER
		{Code: 202}, // r0 cmd 0
		{Code: 202}, // r0 cmd 1
		{Code: 202}, // r1 cmd 0
		{Code: 501}, // r1 cmd 1 <- fails
		{Code: 202}, // r2 cmd 0
		{Code: 202}, // r2 cmd 1
	}}

	got := attributeFailure(g, result)
	if got != r1 {
		t.Errorf("attributeFailure = slot %d, want slot 1", got.cfg.Index)
	}
}

func TestAttributeFailureReturnsNilWhenAllSuccess(t *testing.T) {
	r0 := newRuntime(Slot{Index: 0})
	g := &connGroup{addr: "x", batch: amcp.NewBatch("x"), spans: []span{{slot: r0, start: 0, count: 1}}}
	result := amcp.Result{Replies: []amcp.Reply{{Code: 202}, {Code: 202}}}
	if got := attributeFailure(g, result); got != nil {
		t.Errorf("attributeFailure = %v, want nil", got)
	}
}
