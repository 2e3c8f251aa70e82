// SPDX-License-Identifier: MIT

// Package drift implements the periodic drift controller (C6): while the
// process mode is AUTO, it samples each effective slot's active layer
// frame, compares it against the shared target frame, and triggers a
// dual-layer resync when any slot's drift exceeds tolerance.
package drift

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/playoutsync/engine/internal/playout"
)

// Controller runs the sampling loop. It satisfies the same Name()/Run(ctx)
// shape as amcp.Conn, so it can be supervised the same way.
type Controller struct {
	playout *playout.Controller
	logger  *slog.Logger

	ticking atomic.Bool
}

// New builds a drift Controller bound to pc.
func New(pc *playout.Controller, logger *slog.Logger) *Controller {
	return &Controller{playout: pc, logger: logger}
}

// Name satisfies the suture.Service / supervisor.Service interface.
func (c *Controller) Name() string {
	return "drift-controller"
}

// Run drives the sampling loop until ctx is cancelled. The tick interval
// tracks Controller.Settings().IntervalSeconds on every iteration, so a
// config update takes effect on the following tick without a restart.
func (c *Controller) Run(ctx context.Context) error {
	for {
		interval := c.intervalFor()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) intervalFor() time.Duration {
	seconds := c.playout.IntervalSeconds()
	if seconds <= 0 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

// tick is one sampling pass. It is single-flight: if the previous tick is
// still running (a slow or hung remote), this one is dropped rather than
// queued, and recorded via IncDroppedTicks.
func (c *Controller) tick(ctx context.Context) {
	if c.playout.Mode() != playout.ModeAuto {
		return
	}
	if !c.ticking.CompareAndSwap(false, true) {
		c.playout.IncDroppedTicks()
		return
	}
	defer c.ticking.Store(false)

	targets := c.playout.EffectiveSlotsForSampling()
	if len(targets) == 0 {
		return
	}

	tf := c.playout.TargetFrame()
	tolerance := c.playout.ToleranceFrames()
	resyncMode, _ := c.playout.ResyncModeAndFade()

	trigger := false
	for _, target := range targets {
		conn := c.playout.Registry().Get(target.Addr)
		frame, ok, err := conn.CallFrame(ctx, target.Active)
		if err != nil || !ok {
			if c.logger != nil {
				c.logger.Warn("drift sample failed", "slot", target.SlotIndex, "addr", target.Addr, "err", err)
			}
			continue
		}

		d := frame - tf
		if abs64(d) > tolerance {
			trigger = true
		}
	}

	if !trigger {
		return
	}

	if c.logger != nil {
		c.logger.Info("drift threshold exceeded, triggering resync", "target_frame", tf, "tolerance", tolerance)
	}
	errs := c.playout.ResyncAll(ctx, resyncMode, tf)
	for _, e := range errs {
		if c.logger != nil {
			c.logger.Warn("resync command failed", "slot", e.SlotIndex, "err", e.Err)
		}
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
