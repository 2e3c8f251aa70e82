// SPDX-License-Identifier: MIT

package playout

import "github.com/playoutsync/engine/internal/amcp"

// ResyncMode selects how a slot transitions from its active layer to its
// newly-armed standby layer during resyncAll.
type ResyncMode string

const (
	ResyncCut  ResyncMode = "CUT"
	ResyncFade ResyncMode = "FADE"
)

// preloadCommands renders the command sequence for one effective slot's
// contribution to a preloadAll batch: both layers loaded at frame 0,
// paused, hidden, with only the active layer at volume 1.
func preloadCommands(r *runtime) []string {
	active := r.activeLayer()
	standby := r.standbyLayer()

	return []string{
		amcp.LoadBG(active, r.cfg.Clip, 0),
		amcp.Pause(active),
		amcp.MixerOpacity(active, 0, 0),
		amcp.MixerVolume(active, 1, 0),

		amcp.LoadBG(standby, r.cfg.Clip, 0),
		amcp.Pause(standby),
		amcp.MixerOpacity(standby, 0, 0),
		amcp.MixerVolume(standby, 0, 0),
	}
}

// startCommands renders the command sequence for one effective slot's
// contribution to a startAll batch: both layers loaded at startFrame,
// paused, opacities zeroed, then the active layer is started and made
// visible.
func startCommands(r *runtime, startFrame int64) []string {
	active := r.activeLayer()
	standby := r.standbyLayer()

	return []string{
		amcp.LoadBG(active, r.cfg.Clip, startFrame),
		amcp.LoadBG(standby, r.cfg.Clip, startFrame),
		amcp.Pause(active),
		amcp.Pause(standby),
		amcp.MixerOpacity(active, 0, 0),
		amcp.MixerOpacity(standby, 0, 0),
		amcp.MixerVolume(active, 1, 0),
		amcp.MixerVolume(standby, 0, 0),
		amcp.Play(active),
		amcp.MixerOpacity(active, 1, 0),
	}
}

// pauseCommands renders the command sequence for one effective slot's
// contribution to a pauseAll batch.
func pauseCommands(r *runtime) []string {
	return []string{
		amcp.Pause(r.activeLayer()),
		amcp.Pause(r.standbyLayer()),
	}
}

// armCommands renders phase 1 of resyncAll for one slot: load the standby
// layer at the target frame, paused and fully hidden/muted.
func armCommands(r *runtime, tf int64) []string {
	standby := r.standbyLayer()
	return []string{
		amcp.LoadBG(standby, r.cfg.Clip, tf),
		amcp.Pause(standby),
		amcp.MixerOpacity(standby, 0, 0),
		amcp.MixerVolume(standby, 0, 0),
	}
}

// swapBatchACommands renders the first of the two phase-2 batches for a
// resync: make the standby layer visible and audible, hide and mute the
// outgoing active layer. CUT does it instantaneously (frames=0); FADE
// ramps it linearly over fadeFrames render cycles.
func swapBatchACommands(r *runtime, mode ResyncMode, fadeFrames int) []string {
	standby := r.standbyLayer()
	active := r.activeLayer()

	frames := 0
	if mode == ResyncFade {
		frames = fadeFrames
	}

	return []string{
		amcp.Play(standby),
		amcp.MixerOpacity(standby, 1, frames),
		amcp.MixerVolume(standby, 1, frames),
		amcp.MixerOpacity(active, 0, frames),
		amcp.MixerVolume(active, 0, frames),
	}
}

// swapBatchBCommands renders the second phase-2 batch: park the outgoing
// layer. Issued only after batch A has succeeded, and (for FADE) optionally
// delayed by postFadeDelay so the cross-fade has time to complete before
// the old layer is paused out from under it.
func swapBatchBCommands(r *runtime) []string {
	return []string{amcp.Pause(r.activeLayer())}
}
