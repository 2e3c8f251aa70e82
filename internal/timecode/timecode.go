// SPDX-License-Identifier: MIT

// Package timecode converts between HH:MM:SS:FF broadcast timecode strings
// and frame indices, and derives the clock-driven target frame for a
// looping playout.
package timecode

import (
	"strconv"
	"strings"
	"time"
)

// Parse converts an HH:MM:SS:FF timecode string to an absolute frame count
// at the given frame rate.
//
// Malformed input (wrong shape, non-numeric fields, negative fields) yields
// 0. Parse never fails; upstream validation at the control surface is the
// only defense against bad input reaching here.
//
// FF is not clamped to fps-1: a frame field greater than or equal to fps is
// arithmetic continuation into the next second, not an error. This mirrors
// the remote engine's own tolerance for the same input and must not change
// without revisiting every caller that assumes the identity in Format.
func Parse(tc string, fps float64) int64 {
	parts := strings.Split(tc, ":")
	if len(parts) != 4 {
		return 0
	}

	hh, okH := parseField(parts[0])
	mm, okM := parseField(parts[1])
	ss, okS := parseField(parts[2])
	ff, okF := parseField(parts[3])
	if !okH || !okM || !okS || !okF {
		return 0
	}
	if hh < 0 || mm < 0 || ss < 0 || ff < 0 {
		return 0
	}

	seconds := hh*3600 + mm*60 + ss
	return seconds*int64(fps) + ff
}

func parseField(s string) (int64, bool) {
	if len(s) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Format renders a frame count at the given frame rate back to
// HH:MM:SS:FF, with FF clamped into [0, fps) by construction. Format and
// Parse are only exact inverses of each other when the original FF field
// was itself less than fps (see property 6 in the design notes).
func Format(frames int64, fps float64) string {
	fpsInt := int64(fps)
	if fpsInt <= 0 {
		fpsInt = 1
	}
	ff := frames % fpsInt
	totalSeconds := frames / fpsInt
	ss := totalSeconds % 60
	mm := (totalSeconds / 60) % 60
	hh := totalSeconds / 3600

	return pad2(hh) + ":" + pad2(mm) + ":" + pad2(ss) + ":" + pad2(ff)
}

func pad2(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) < 2 {
		return "0" + s
	}
	return s
}

// Clock derives a modular target frame from a monotonic start instant.
//
// TargetFrame() = floor((now - t0) * fps + tcFrames) mod loopFrames, using
// a monotonic clock source (never wall clock, so NTP steps and daylight
// saving never perturb alignment). Before the clock is started, TargetFrame
// always returns 0.
type Clock struct {
	fps        float64
	loopFrames int64

	t0    time.Time // zero value means "not started"
	nowFn func() time.Time
}

// NewClock returns a Clock for the given frame rate and loop length. Both
// must be positive; callers are expected to validate settings before
// constructing a Clock.
func NewClock(fps float64, loopFrames int64) *Clock {
	return &Clock{
		fps:        fps,
		loopFrames: loopFrames,
		nowFn:      time.Now,
	}
}

// Start captures t0 at the current monotonic instant and returns it.
func (c *Clock) Start() time.Time {
	c.t0 = c.now()
	return c.t0
}

// Reset is an alias for Start, used by the "reset clock" operator action.
func (c *Clock) Reset() time.Time {
	return c.Start()
}

// T0 returns the last captured start instant, or the zero Time if the
// clock has never been started.
func (c *Clock) T0() time.Time {
	return c.t0
}

// Started reports whether Start has been called at least once.
func (c *Clock) Started() bool {
	return !c.t0.IsZero()
}

// TargetFrame computes the target frame for a slot whose own timecode
// offset (already converted to frames via Parse) is tcFrames.
func (c *Clock) TargetFrame(tcFrames int64) int64 {
	if !c.Started() {
		return 0
	}
	elapsed := c.now().Sub(c.t0)
	frame := int64(elapsed.Seconds()*c.fps) + tcFrames
	loop := c.loopFrames
	if loop <= 0 {
		return 0
	}
	mod := frame % loop
	if mod < 0 {
		mod += loop
	}
	return mod
}

func (c *Clock) now() time.Time {
	if c.nowFn != nil {
		return c.nowFn()
	}
	return time.Now()
}
