package playout

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/playoutsync/engine/internal/amcp"
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
		if _, err := w.Write([]byte("202 OK\r\n")); err != nil {
			return
		}
	}
}

func defaultSettings() Settings {
	return Settings{
		FPS:             50,
		LoopFrames:      30000,
		IntervalSeconds: 1,
		ToleranceFrames: 1,
		ResyncMode:      ResyncCut,
		FadeFrames:      4,
	}
}

func oneSlot() []Slot {
	return []Slot{{
		ID: "s1", Index: 0, Name: "Slot 1", Host: "fake", Port: 5250,
		Channel: 1, BaseLayer: 10, Clip: "a.mov", StartTimecode: "00:00:00:00", Enabled: true,
	}}
}

func TestPreloadAllReachesPreloaded(t *testing.T) {
	reg, cancel := newTestRegistry(t, echoAllOK)
	defer cancel()

	c := NewController(defaultSettings(), oneSlot(), reg, nil)
	errs := c.PreloadAll(context.Background())
	if len(errs) != 0 {
		t.Fatalf("PreloadAll errs = %v", errs)
	}
	if c.runtimes[0].state != StatePreloaded {
		t.Errorf("state = %v, want Preloaded", c.runtimes[0].state)
	}
}

// Property 7: two consecutive preloadAll calls produce identical post-state.
func TestPreloadAllIdempotent(t *testing.T) {
	reg, cancel := newTestRegistry(t, echoAllOK)
	defer cancel()

	c := NewController(defaultSettings(), oneSlot(), reg, nil)
	c.PreloadAll(context.Background())
	pairBefore := c.runtimes[0].pair
	stateBefore := c.runtimes[0].state

	c.PreloadAll(context.Background())
	if c.runtimes[0].pair != pairBefore || c.runtimes[0].state != stateBefore {
		t.Errorf("second preloadAll changed state: pair %+v->%+v state %v->%v",
			pairBefore, c.runtimes[0].pair, stateBefore, c.runtimes[0].state)
	}
}

// Property 4 / 5: startAll then resyncAll swaps active/standby and leaves
// the slot Playing.
func TestStartThenResyncSwapsPair(t *testing.T) {
	reg, cancel := newTestRegistry(t, echoAllOK)
	defer cancel()

	c := NewController(defaultSettings(), oneSlot(), reg, nil)
	c.StartAll(context.Background())

	before := c.runtimes[0].pair
	errs := c.ResyncAll(context.Background(), ResyncCut, 100)
	if len(errs) != 0 {
		t.Fatalf("ResyncAll errs = %v", errs)
	}
	after := c.runtimes[0].pair
	if after != before.Swapped() {
		t.Errorf("pair after resync = %+v, want %+v", after, before.Swapped())
	}
	if c.runtimes[0].state != StatePlaying {
		t.Errorf("state = %v, want Playing", c.runtimes[0].state)
	}
}

// Property 10: with no effective slots, every sync operation is a no-op
// success.
func TestNoEffectiveSlotsIsNoop(t *testing.T) {
	reg, cancel := newTestRegistry(t, echoAllOK)
	defer cancel()

	c := NewController(defaultSettings(), []Slot{{ID: "s1", Enabled: false}}, reg, nil)
	if errs := c.PreloadAll(context.Background()); len(errs) != 0 {
		t.Errorf("PreloadAll on no effective slots errs = %v", errs)
	}
	if errs := c.StartAll(context.Background()); len(errs) != 0 {
		t.Errorf("StartAll on no effective slots errs = %v", errs)
	}
	if errs := c.ResyncAll(context.Background(), ResyncCut, 0); len(errs) != 0 {
		t.Errorf("ResyncAll on no effective slots errs = %v", errs)
	}
}

// resyncAll while no slot is Playing is a no-op, not an error.
func TestResyncAllNoopWhenNothingPlaying(t *testing.T) {
	reg, cancel := newTestRegistry(t, echoAllOK)
	defer cancel()

	c := NewController(defaultSettings(), oneSlot(), reg, nil)
	// Cold, never started or preloaded into Playing.
	errs := c.ResyncAll(context.Background(), ResyncCut, 10)
	if len(errs) != 0 {
		t.Errorf("ResyncAll errs = %v, want none", errs)
	}
	if c.runtimes[0].state != StateCold {
		t.Errorf("state changed to %v on a no-op resync", c.runtimes[0].state)
	}
}

// Scenario S5: remote rejects the arm batch for one slot among several;
// that slot keeps its prior pair, the others swap normally.
func TestResyncAllPartialFailure(t *testing.T) {
	var armed atomic.Bool

	rejectSlotTwo := func(r *bufio.Reader, w net.Conn) {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if armed.Load() && strings.Contains(line, "2-40") {
				w.Write([]byte("501 ERROR\r\n"))
			} else {
				w.Write([]byte("202 OK\r\n"))
			}
		}
	}

	reg, cancel := newTestRegistry(t, rejectSlotTwo)
	defer cancel()

	slots := []Slot{
		{ID: "s0", Index: 0, Host: "fake", Port: 5250, Channel: 1, BaseLayer: 10, Clip: "a.mov", Enabled: true},
		{ID: "s1", Index: 1, Host: "fake", Port: 5250, Channel: 1, BaseLayer: 20, Clip: "a.mov", Enabled: true},
		{ID: "s2", Index: 2, Host: "fake", Port: 5250, Channel: 2, BaseLayer: 30, Clip: "a.mov", Enabled: true},
	}
	c := NewController(defaultSettings(), slots, reg, nil)
	c.StartAll(context.Background())

	before2 := c.runtimes[2].pair
	armed.Store(true)

	errs := c.ResyncAll(context.Background(), ResyncCut, 500)

	found := false
	for _, e := range errs {
		if e.SlotIndex == 2 {
			found = true
			if _, ok := e.Err.(*amcp.RemoteError); !ok {
				t.Errorf("slot 2 error = %T, want *amcp.RemoteError", e.Err)
			}
		}
	}
	if !found {
		t.Errorf("expected an error attributed to slot 2, got %v", errs)
	}
	if c.runtimes[2].pair != before2 {
		t.Errorf("slot 2 pair changed despite arm failure: %+v -> %+v", before2, c.runtimes[2].pair)
	}
}

func TestSetModeRejectsInvalid(t *testing.T) {
	reg, cancel := newTestRegistry(t, echoAllOK)
	defer cancel()
	c := NewController(defaultSettings(), oneSlot(), reg, nil)

	if ok := c.SetMode(Mode("bogus")); ok {
		t.Error("SetMode accepted an invalid mode")
	}
	if ok := c.SetMode(ModeAuto); !ok || c.Mode() != ModeAuto {
		t.Errorf("SetMode(auto) failed, mode = %v", c.Mode())
	}
}

func TestDefaultPostFadeDelay(t *testing.T) {
	got := DefaultPostFadeDelay(4, 50)
	want := 80 * time.Millisecond
	if got != want {
		t.Errorf("DefaultPostFadeDelay(4,50) = %v, want %v", got, want)
	}
}
