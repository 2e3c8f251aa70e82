// SPDX-License-Identifier: MIT

// Package playout implements the per-slot dual-layer playout state machine
// (C4) and the cross-slot sync operations (C5) that drive it: preloadAll,
// startAll, pauseAll, and resyncAll.
package playout

import (
	"fmt"

	"github.com/playoutsync/engine/internal/amcp"
)

// State is a slot's position in the Cold -> Preloaded -> Playing <-> Paused
// state machine.
type State int

const (
	StateCold State = iota
	StatePreloaded
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StatePreloaded:
		return "preloaded"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Slot is a configured playout endpoint.
type Slot struct {
	ID            string
	Index         int
	Name          string
	Host          string
	Port          int
	Channel       int
	BaseLayer     int
	Clip          string
	StartTimecode string
	Enabled       bool
}

// Effective reports whether the slot should ever produce wire traffic:
// enabled, with a non-empty host and clip.
func (s Slot) Effective() bool {
	return s.Enabled && s.Host != "" && s.Clip != ""
}

// Addr returns the "host:port" key identifying the connection this slot
// targets.
func (s Slot) Addr() string {
	return amcp.Addr(s.Host, s.Port)
}

// Pair is a slot's dual-layer role assignment. Invariant: |Active-Standby|
// == 10 and {Active, Standby} == {BaseLayer, BaseLayer+10} in some order,
// mutated only inside a completed resync transaction.
type Pair struct {
	Active  int
	Standby int
}

// CanonicalPair returns the pair in its initial role assignment for a given
// base layer.
func CanonicalPair(baseLayer int) Pair {
	return Pair{Active: baseLayer, Standby: baseLayer + 10}
}

// Swapped returns the pair with active and standby roles exchanged.
func (p Pair) Swapped() Pair {
	return Pair{Active: p.Standby, Standby: p.Active}
}

// runtime is the mutable, in-process state tracked per slot: its static
// configuration, its current layer-pair role assignment, and its state
// machine position. All mutation happens under the owning Controller's
// control-plane mutex.
type runtime struct {
	cfg   Slot
	pair  Pair
	state State
}

func newRuntime(cfg Slot) *runtime {
	return &runtime{
		cfg:   cfg,
		pair:  CanonicalPair(cfg.BaseLayer),
		state: StateCold,
	}
}

// activeLayer and standbyLayer return the Layer values for wire commands.
func (r *runtime) activeLayer() amcp.Layer {
	return amcp.Layer{Channel: r.cfg.Channel, Layer: r.pair.Active}
}

func (r *runtime) standbyLayer() amcp.Layer {
	return amcp.Layer{Channel: r.cfg.Channel, Layer: r.pair.Standby}
}

// resetPair restores the canonical {BaseLayer, BaseLayer+10} assignment.
// Called whenever a slot's BaseLayer changes in config, or on startAll.
func (r *runtime) resetPair() {
	r.pair = CanonicalPair(r.cfg.BaseLayer)
}
