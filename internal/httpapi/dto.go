// SPDX-License-Identifier: MIT

package httpapi

import (
	"strings"

	"github.com/playoutsync/engine/internal/playout"
)

// statusDTO is the wire shape of a status snapshot, per spec.md §6: field
// names are the operator-facing camelCase ones, not the internal Go names.
type statusDTO struct {
	Mode                 string   `json:"mode"`
	ResyncMode           string   `json:"resyncMode"`
	FadeFrames           int      `json:"fadeFrames"`
	T0                   *int64   `json:"t0"`
	FPS                  float64  `json:"fps"`
	Frames               int64    `json:"frames"`
	AutosyncIntervalSec  int      `json:"autosyncIntervalSec"`
	DriftToleranceFrames int64    `json:"driftToleranceFrames"`
	Rows                 []rowDTO `json:"rows"`
	DroppedTicks         int64    `json:"droppedTicks"`
}

type rowDTO struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Channel      int    `json:"channel"`
	BaseLayer    int    `json:"baseLayer"`
	ActiveLayer  int    `json:"activeLayer"`
	StandbyLayer int    `json:"standbyLayer"`
	Clip         string `json:"clip"`
	Timecode     string `json:"timecode"`
	CurrentFrame *int64 `json:"currentFrame"`
	TargetFrame  int64  `json:"targetFrame"`
	Drift        *int64 `json:"drift"`
}

func toStatusDTO(snap playout.Snapshot) statusDTO {
	var t0 *int64
	if snap.Started {
		ms := snap.T0.UnixMilli()
		t0 = &ms
	}

	rows := make([]rowDTO, len(snap.Rows))
	for i, r := range snap.Rows {
		rows[i] = rowDTO{
			Index:        r.Index,
			Name:         r.Name,
			Host:         r.Host,
			Port:         r.Port,
			Channel:      r.Channel,
			BaseLayer:    r.BaseLayer,
			ActiveLayer:  r.ActiveLayer,
			StandbyLayer: r.StandbyLayer,
			Clip:         r.Clip,
			Timecode:     r.Timecode,
			CurrentFrame: r.CurrentFrame,
			TargetFrame:  r.TargetFrame,
			Drift:        r.Drift,
		}
	}

	return statusDTO{
		Mode:                 string(snap.Mode),
		ResyncMode:           string(snap.ResyncMode),
		FadeFrames:           snap.FadeFrames,
		T0:                   t0,
		FPS:                  snap.FPS,
		Frames:               snap.LoopFrames,
		AutosyncIntervalSec:  snap.IntervalSeconds,
		DriftToleranceFrames: snap.ToleranceFrames,
		Rows:                 rows,
		DroppedTicks:         snap.DroppedTicks,
	}
}

// slotDTO is the wire shape of one configured slot.
type slotDTO struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Channel       int    `json:"channel"`
	BaseLayer     int    `json:"baseLayer"`
	Clip          string `json:"clip"`
	StartTimecode string `json:"startTimecode"`
	Enabled       bool   `json:"enabled"`
}

// configDTO is the wire shape of GET /api/config's response and the
// accepted body of POST /api/config (every field optional on the way in).
type configDTO struct {
	FPS                  *float64  `json:"fps,omitempty"`
	Frames               *int64    `json:"frames,omitempty"`
	AutosyncIntervalSec  *int      `json:"autosyncIntervalSec,omitempty"`
	DriftToleranceFrames *int64    `json:"driftToleranceFrames,omitempty"`
	ResyncMode           *string   `json:"resyncMode,omitempty"`
	FadeFrames           *int      `json:"fadeFrames,omitempty"`
	Slots                []slotDTO `json:"slots,omitempty"`
}

func toConfigDTO(settings playout.Settings, slots []playout.Slot) configDTO {
	fps := settings.FPS
	frames := settings.LoopFrames
	interval := settings.IntervalSeconds
	tolerance := settings.ToleranceFrames
	resyncMode := string(settings.ResyncMode)
	fadeFrames := settings.FadeFrames

	slotDTOs := make([]slotDTO, len(slots))
	for i, s := range slots {
		slotDTOs[i] = slotDTO{
			ID:            s.ID,
			Name:          s.Name,
			Host:          s.Host,
			Port:          s.Port,
			Channel:       s.Channel,
			BaseLayer:     s.BaseLayer,
			Clip:          s.Clip,
			StartTimecode: s.StartTimecode,
			Enabled:       s.Enabled,
		}
	}

	return configDTO{
		FPS:                  &fps,
		Frames:               &frames,
		AutosyncIntervalSec:  &interval,
		DriftToleranceFrames: &tolerance,
		ResyncMode:           &resyncMode,
		FadeFrames:           &fadeFrames,
		Slots:                slotDTOs,
	}
}

// normalizeResyncMode upper-cases a user-supplied "cut"/"fade" string to
// match the internal playout.ResyncMode representation.
func normalizeResyncMode(s string) playout.ResyncMode {
	return playout.ResyncMode(strings.ToUpper(strings.TrimSpace(s)))
}
