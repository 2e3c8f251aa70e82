// SPDX-License-Identifier: MIT

package playout

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/playoutsync/engine/internal/amcp"
	"github.com/playoutsync/engine/internal/timecode"
)

// Mode is the process-wide control mode. Only Auto enables the drift
// controller; Off and Manual behave identically server-side.
type Mode string

const (
	ModeOff    Mode = "off"
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// ValidMode reports whether m is one of the three accepted mode values.
func ValidMode(m string) bool {
	switch Mode(m) {
	case ModeOff, ModeManual, ModeAuto:
		return true
	default:
		return false
	}
}

// Settings are the global, operator-tunable parameters shared by every
// slot.
type Settings struct {
	FPS             float64
	LoopFrames      int64
	IntervalSeconds int
	ToleranceFrames int64
	ResyncMode      ResyncMode
	FadeFrames      int
	// PostFadeDelay is how long batch B (parking the outgoing layer) is
	// delayed after batch A completes during a FADE resync, so the
	// cross-fade has time to render before the old layer is paused out
	// from under it. Defaults to ceil(FadeFrames/FPS * 1000)ms.
	PostFadeDelay time.Duration
}

// DefaultPostFadeDelay computes the default post-fade delay for the given
// fade length and frame rate, per the documented open-question resolution.
func DefaultPostFadeDelay(fadeFrames int, fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	ms := math.Ceil(float64(fadeFrames) / fps * 1000)
	return time.Duration(ms) * time.Millisecond
}

// RowStatus is one slot's contribution to a status snapshot.
type RowStatus struct {
	Index        int
	Name         string
	Host         string
	Port         int
	Channel      int
	BaseLayer    int
	ActiveLayer  int
	StandbyLayer int
	Clip         string
	Timecode     string
	CurrentFrame *int64
	TargetFrame  int64
	Drift        *int64
}

// Snapshot is the full status broadcast to control-surface subscribers.
type Snapshot struct {
	Mode                Mode
	ResyncMode          ResyncMode
	FadeFrames          int
	Started             bool
	T0                  time.Time
	FPS                 float64
	LoopFrames          int64
	IntervalSeconds     int
	ToleranceFrames     int64
	Rows                []RowStatus
	DroppedTicks        int64
	LastResyncErrors    []SlotError
}

// Controller owns all mutable playout state (mode, clock, config, slot
// pair/state) behind one control-plane mutex, and adapts it to the sync
// operations in sync.go / commands.go. It is the implementation behind C4
// (slot state machine), C5 (sync operations), and the non-transport half
// of C7 (control surface adapter).
type Controller struct {
	mu       sync.Mutex
	settings Settings
	mode     Mode
	clock    *timecode.Clock
	runtimes []*runtime

	registry *amcp.Registry
	logger   *slog.Logger

	droppedTicks     int64
	lastResyncErrors []SlotError
}

// NewController builds a Controller for the given settings and initial
// slot configuration.
func NewController(settings Settings, slots []Slot, registry *amcp.Registry, logger *slog.Logger) *Controller {
	c := &Controller{
		settings: settings,
		mode:     ModeOff,
		registry: registry,
		logger:   logger,
	}
	c.clock = timecode.NewClock(settings.FPS, settings.LoopFrames)
	c.setSlots(slots)
	return c
}

func (c *Controller) setSlots(slots []Slot) {
	runtimes := make([]*runtime, len(slots))
	for i, s := range slots {
		runtimes[i] = newRuntime(s)
	}
	c.runtimes = runtimes
}

// ApplyConfig replaces settings and slot configuration atomically.
// BaseLayer changes reset the affected slot's pair to canonical, per the
// lifecycle rule that any running playout is assumed to be restarted by
// the operator when base layer changes.
func (c *Controller) ApplyConfig(settings Settings, slots []Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := make(map[string]*runtime, len(c.runtimes))
	for _, r := range c.runtimes {
		old[r.cfg.ID] = r
	}

	runtimes := make([]*runtime, len(slots))
	for i, s := range slots {
		if prev, ok := old[s.ID]; ok {
			prev.cfg = s
			if prev.cfg.BaseLayer != CanonicalBaseLayer(prev.pair) {
				prev.resetPair()
			}
			runtimes[i] = prev
			continue
		}
		runtimes[i] = newRuntime(s)
	}

	c.settings = settings
	c.runtimes = runtimes
	c.clock = timecode.NewClock(settings.FPS, settings.LoopFrames)
}

// CanonicalBaseLayer returns the base layer a pair was assigned from,
// which is min(active, standby) regardless of which is currently active.
func CanonicalBaseLayer(p Pair) int {
	if p.Active < p.Standby {
		return p.Active
	}
	return p.Standby
}

// SetMode changes the process-wide mode. Rejects anything outside
// {off, manual, auto}.
func (c *Controller) SetMode(m Mode) bool {
	if !ValidMode(string(m)) {
		return false
	}
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
	return true
}

// Mode returns the current process-wide mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Settings returns the current global settings.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Slots returns the currently configured slots, in index order, including
// disabled ones.
func (c *Controller) Slots() []Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Slot, len(c.runtimes))
	for i, r := range c.runtimes {
		out[i] = r.cfg
	}
	return out
}

// ResetClock re-captures t0 at the current monotonic instant without
// touching any slot's playout state.
func (c *Controller) ResetClock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock.Reset()
}

// effectiveRuntimes returns the slots currently effective, in index order.
// Must be called with the control-plane mutex held.
func (c *Controller) effectiveRuntimes() []*runtime {
	var out []*runtime
	for _, r := range c.runtimes {
		if r.cfg.Effective() {
			out = append(out, r)
		}
	}
	return out
}

// PreloadAll loads both layers of every effective slot at frame 0, paused
// and hidden, with the active layer at full volume. Idempotent: two
// consecutive calls produce identical post-state.
func (c *Controller) PreloadAll(ctx context.Context) []SlotError {
	c.mu.Lock()
	slots := c.effectiveRuntimes()
	c.mu.Unlock()

	groups := groupByConn(slots, preloadCommands)
	errs := dispatchGrouped(ctx, c.registry, groups)

	c.mu.Lock()
	failed := toFailedSet(errs)
	for _, r := range slots {
		if !failed[r.cfg.Index] {
			r.state = StatePreloaded
		}
	}
	c.mu.Unlock()

	return errs
}

// StartAll captures t0 before issuing any commands, resets every effective
// slot's pair to canonical, then loads both layers at each slot's own
// start timecode, pauses both, and starts+reveals the active layer.
func (c *Controller) StartAll(ctx context.Context) []SlotError {
	c.mu.Lock()
	c.clock.Start()
	slots := c.effectiveRuntimes()
	for _, r := range slots {
		r.resetPair()
	}
	fps := c.settings.FPS
	c.mu.Unlock()

	groups := groupByConn(slots, func(r *runtime) []string {
		startFrame := timecode.Parse(r.cfg.StartTimecode, fps)
		return startCommands(r, startFrame)
	})
	errs := dispatchGrouped(ctx, c.registry, groups)

	c.mu.Lock()
	failed := toFailedSet(errs)
	for _, r := range slots {
		if !failed[r.cfg.Index] {
			r.state = StatePlaying
		}
	}
	c.mu.Unlock()

	return errs
}

// PauseAll pauses both layers of every effective slot without touching t0.
func (c *Controller) PauseAll(ctx context.Context) []SlotError {
	c.mu.Lock()
	slots := c.effectiveRuntimes()
	c.mu.Unlock()

	groups := groupByConn(slots, pauseCommands)
	errs := dispatchGrouped(ctx, c.registry, groups)

	c.mu.Lock()
	failed := toFailedSet(errs)
	for _, r := range slots {
		if !failed[r.cfg.Index] {
			r.state = StatePaused
		}
	}
	c.mu.Unlock()

	return errs
}

// ResyncAll re-aligns every Playing or Paused effective slot to tf via a
// dual-layer CUT or FADE swap: arm the standby layer on tf, then (per
// connection, serially within it) swap visibility and park the outgoing
// layer. Cold and Preloaded slots are not touched. A resync is a no-op,
// not an error, when no slot is currently Playing.
func (c *Controller) ResyncAll(ctx context.Context, mode ResyncMode, tf int64) []SlotError {
	c.mu.Lock()
	slots := c.effectiveRuntimes()
	var playing []*runtime
	anyPlaying := false
	for _, r := range slots {
		if r.state == StatePlaying || r.state == StatePaused {
			playing = append(playing, r)
		}
		if r.state == StatePlaying {
			anyPlaying = true
		}
	}
	fadeFrames := c.settings.FadeFrames
	postFadeDelay := c.settings.PostFadeDelay
	c.mu.Unlock()

	if !anyPlaying {
		return nil
	}

	// Phase 1: arm. One batch per connection, all slots on that connection.
	armGroups := groupByConn(playing, func(r *runtime) []string {
		return armCommands(r, tf)
	})
	armErrs := dispatchGrouped(ctx, c.registry, armGroups)
	armFailed := toFailedSet(armErrs)

	var armed []*runtime
	for _, r := range playing {
		if !armFailed[r.cfg.Index] {
			armed = append(armed, r)
		}
	}

	// Phase 2: swap, batch A then batch B, per connection.
	batchAGroups := groupByConn(armed, func(r *runtime) []string {
		return swapBatchACommands(r, mode, fadeFrames)
	})
	batchAErrs := dispatchGrouped(ctx, c.registry, batchAGroups)
	batchAFailed := toFailedSet(batchAErrs)

	var swapped []*runtime
	for _, r := range armed {
		if !batchAFailed[r.cfg.Index] {
			swapped = append(swapped, r)
		}
	}

	if mode == ResyncFade && postFadeDelay > 0 && len(swapped) > 0 {
		select {
		case <-time.After(postFadeDelay):
		case <-ctx.Done():
		}
	}

	batchBGroups := groupByConn(swapped, func(r *runtime) []string {
		return swapBatchBCommands(r)
	})
	batchBErrs := dispatchGrouped(ctx, c.registry, batchBGroups)
	batchBFailed := toFailedSet(batchBErrs)

	c.mu.Lock()
	for _, r := range swapped {
		if !batchBFailed[r.cfg.Index] {
			r.pair = r.pair.Swapped()
		}
	}
	c.mu.Unlock()

	var errs []SlotError
	errs = append(errs, armErrs...)
	errs = append(errs, batchAErrs...)
	errs = append(errs, batchBErrs...)

	c.mu.Lock()
	c.lastResyncErrors = errs
	c.mu.Unlock()

	return errs
}

func toFailedSet(errs []SlotError) map[int]bool {
	m := make(map[int]bool, len(errs))
	for _, e := range errs {
		m[e.SlotIndex] = true
	}
	return m
}

// TargetFrame returns the current target frame per the controller's clock,
// for the baseline (tcFrames=0) case used by resyncAll and the drift
// controller. Per-slot StartTimecode offsets are applied when each slot's
// own drift is sampled against this shared tf, not by computing a distinct
// tf per slot — this matches the spec's "tf is chosen once per resync,
// outside the per-connection loop" rule.
func (c *Controller) TargetFrame() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.TargetFrame(0)
}

// Snapshot renders the full status broadcast.
func (c *Controller) Snapshot(current map[int]int64, unknown map[int]bool) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	tf := c.clock.TargetFrame(0)
	rows := make([]RowStatus, 0, len(c.runtimes))
	for _, r := range c.runtimes {
		if !r.cfg.Effective() {
			continue
		}
		row := RowStatus{
			Index:        r.cfg.Index,
			Name:         r.cfg.Name,
			Host:         r.cfg.Host,
			Port:         r.cfg.Port,
			Channel:      r.cfg.Channel,
			BaseLayer:    r.cfg.BaseLayer,
			ActiveLayer:  r.pair.Active,
			StandbyLayer: r.pair.Standby,
			Clip:         r.cfg.Clip,
			Timecode:     r.cfg.StartTimecode,
			TargetFrame:  tf,
		}
		if f, ok := current[r.cfg.Index]; ok && !unknown[r.cfg.Index] {
			frame := f
			row.CurrentFrame = &frame
			drift := f - tf
			row.Drift = &drift
		}
		rows = append(rows, row)
	}

	return Snapshot{
		Mode:             c.mode,
		ResyncMode:       c.settings.ResyncMode,
		FadeFrames:       c.settings.FadeFrames,
		Started:          c.clock.Started(),
		T0:               c.clock.T0(),
		FPS:              c.settings.FPS,
		LoopFrames:       c.settings.LoopFrames,
		IntervalSeconds:  c.settings.IntervalSeconds,
		ToleranceFrames:  c.settings.ToleranceFrames,
		Rows:             rows,
		DroppedTicks:     c.droppedTicks,
		LastResyncErrors: c.lastResyncErrors,
	}
}

// EffectiveSlotsForSampling returns, under the control-plane mutex, the
// channel/layer and slot index of every effective slot's active layer, for
// the drift controller to sample.
func (c *Controller) EffectiveSlotsForSampling() []SampleTarget {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []SampleTarget
	for _, r := range c.runtimes {
		if !r.cfg.Effective() {
			continue
		}
		out = append(out, SampleTarget{
			SlotIndex: r.cfg.Index,
			Addr:      r.cfg.Addr(),
			Active:    r.activeLayer(),
		})
	}
	return out
}

// SampleTarget is what the drift controller needs to query one slot's
// active layer frame.
type SampleTarget struct {
	SlotIndex int
	Addr      string
	Active    amcp.Layer
}

// Registry exposes the connection registry so the drift controller can
// issue CALL ... FRAME queries without duplicating connection lookup.
func (c *Controller) Registry() *amcp.Registry {
	return c.registry
}

// IncDroppedTicks records that a drift-controller tick was skipped because
// a previous tick was still running (the reentrancy guard in C6).
func (c *Controller) IncDroppedTicks() {
	c.mu.Lock()
	c.droppedTicks++
	c.mu.Unlock()
}

// ToleranceFrames, ResyncModeAndFade and IntervalSeconds are read by the
// drift controller on every tick, so tolerance, mode and interval changes
// take effect on the next tick. PostFadeDelay is read by ResyncAll itself.
func (c *Controller) ToleranceFrames() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.ToleranceFrames
}

func (c *Controller) ResyncModeAndFade() (ResyncMode, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.ResyncMode, c.settings.FadeFrames
}

func (c *Controller) IntervalSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.IntervalSeconds
}
