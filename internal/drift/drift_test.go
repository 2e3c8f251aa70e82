package drift

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/playoutsync/engine/internal/amcp"
	"github.com/playoutsync/engine/internal/playout"
)

// newTestRegistry wires a Registry whose connections are backed by
// net.Pipe fakes running handle, with Run started automatically via onNew
// (standing in for the production supervisor).
func newTestRegistry(t *testing.T, handle func(r *bufio.Reader, w net.Conn)) (*amcp.Registry, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			handle(bufio.NewReader(server), server)
		}()
		return client, nil
	}

	reg := amcp.NewRegistry(dial, nil, nil, func(c *amcp.Conn) {
		go c.Run(ctx)
	})
	return reg, cancel
}

func echoAllOK(r *bufio.Reader, w net.Conn) {
	for {
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		w.Write([]byte("202 OK\r\n"))
	}
}

// frameReplier answers every CALL ... FRAME query with the value currently
// stored in frame, and everything else with 202 OK.
func frameReplier(frame *atomic.Int64) func(r *bufio.Reader, w net.Conn) {
	return func(r *bufio.Reader, w net.Conn) {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.Contains(line, "FRAME") {
				w.Write([]byte(fmt.Sprintf("201 FRAME OK %d\r\n", frame.Load())))
			} else {
				w.Write([]byte("202 OK\r\n"))
			}
		}
	}
}

func testSettings() playout.Settings {
	return playout.Settings{
		FPS:             50,
		LoopFrames:      30000,
		IntervalSeconds: 1,
		ToleranceFrames: 1,
		ResyncMode:      playout.ResyncCut,
		FadeFrames:      4,
	}
}

func testSlot() []playout.Slot {
	return []playout.Slot{{
		ID: "s1", Index: 0, Name: "Slot 1", Host: "fake", Port: 5250,
		Channel: 1, BaseLayer: 10, Clip: "a.mov", StartTimecode: "00:00:00:00", Enabled: true,
	}}
}

func TestTickNoopWhenNotAuto(t *testing.T) {
	reg, cancel := newTestRegistry(t, echoAllOK)
	defer cancel()

	pc := playout.NewController(testSettings(), testSlot(), reg, nil)
	pc.StartAll(context.Background())
	pc.SetMode(playout.ModeManual)

	dc := New(pc, nil)
	dc.tick(context.Background())

	snap := pc.Snapshot(nil, nil)
	if len(snap.LastResyncErrors) != 0 {
		t.Errorf("expected no resync attempted outside AUTO")
	}
}

func TestTickTriggersResyncWhenDriftExceedsTolerance(t *testing.T) {
	var frame atomic.Int64
	reg, cancel := newTestRegistry(t, frameReplier(&frame))
	defer cancel()

	pc := playout.NewController(testSettings(), testSlot(), reg, nil)
	pc.StartAll(context.Background())
	pc.SetMode(playout.ModeAuto)

	tf := pc.TargetFrame()
	frame.Store(tf + 50) // far outside tolerance=1

	dc := New(pc, nil)
	dc.tick(context.Background())

	snap := pc.Snapshot(nil, nil)
	for _, row := range snap.Rows {
		if row.ActiveLayer != 20 {
			t.Errorf("expected pair swap after triggered resync, got active layer %d", row.ActiveLayer)
		}
	}
}

func TestTickNoopWhenWithinTolerance(t *testing.T) {
	var frame atomic.Int64
	reg, cancel := newTestRegistry(t, frameReplier(&frame))
	defer cancel()

	pc := playout.NewController(testSettings(), testSlot(), reg, nil)
	pc.StartAll(context.Background())
	pc.SetMode(playout.ModeAuto)

	tf := pc.TargetFrame()
	frame.Store(tf) // zero drift

	dc := New(pc, nil)
	dc.tick(context.Background())

	snap := pc.Snapshot(nil, nil)
	for _, row := range snap.Rows {
		if row.ActiveLayer != 10 {
			t.Errorf("expected no swap when drift is zero, got active layer %d", row.ActiveLayer)
		}
	}
}

// Property 9: with toleranceFrames = 0, AUTO triggers a resync on any
// non-null drift.
func TestZeroToleranceTriggersOnAnyDrift(t *testing.T) {
	var frame atomic.Int64
	reg, cancel := newTestRegistry(t, frameReplier(&frame))
	defer cancel()

	settings := testSettings()
	settings.ToleranceFrames = 0
	pc := playout.NewController(settings, testSlot(), reg, nil)
	pc.StartAll(context.Background())
	pc.SetMode(playout.ModeAuto)

	tf := pc.TargetFrame()
	frame.Store(tf + 1)

	dc := New(pc, nil)
	dc.tick(context.Background())

	snap := pc.Snapshot(nil, nil)
	swapped := false
	for _, row := range snap.Rows {
		if row.ActiveLayer == 20 {
			swapped = true
		}
	}
	if !swapped {
		t.Error("zero tolerance should trigger resync on a single frame of drift")
	}
}

func TestTickIsSingleFlightDropsOverlap(t *testing.T) {
	reg, cancel := newTestRegistry(t, echoAllOK)
	defer cancel()

	pc := playout.NewController(testSettings(), testSlot(), reg, nil)
	pc.StartAll(context.Background())
	pc.SetMode(playout.ModeAuto)

	dc := New(pc, nil)
	dc.ticking.Store(true) // simulate a tick already in flight

	dc.tick(context.Background())

	snap := pc.Snapshot(nil, nil)
	if snap.DroppedTicks != 1 {
		t.Errorf("DroppedTicks = %d, want 1", snap.DroppedTicks)
	}
}

func TestIntervalForDefaultsWhenNonPositive(t *testing.T) {
	reg, cancel := newTestRegistry(t, echoAllOK)
	defer cancel()

	settings := testSettings()
	settings.IntervalSeconds = 0
	pc := playout.NewController(settings, testSlot(), reg, nil)

	dc := New(pc, nil)
	if got := dc.intervalFor(); got != time.Second {
		t.Errorf("intervalFor() = %v, want 1s", got)
	}
}

// amcp.ParseFrame is exercised indirectly via frameReplier above; this guards the
// frame-format assumption the fake engine relies on.
func TestFrameReplyFormatParsesAsInt(t *testing.T) {
	if _, err := strconv.ParseInt("777", 10, 64); err != nil {
		t.Fatal(err)
	}
}
