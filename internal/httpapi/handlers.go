// SPDX-License-Identifier: MIT

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/playoutsync/engine/internal/config"
	"github.com/playoutsync/engine/internal/playout"
)

type errResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// writeOK renders {ok:true, ...fields of v} per spec.md §6. v may be nil
// (bare {ok:true}), a struct, or a map — it is marshaled and its top-level
// fields merged alongside "ok".
func writeOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	out := map[string]any{"ok": true}
	if v != nil {
		data, err := json.Marshal(v)
		if err == nil {
			var fields map[string]any
			if json.Unmarshal(data, &fields) == nil {
				for k, val := range fields {
					out[k] = val
				}
			}
		}
	}
	_ = json.NewEncoder(w).Encode(out)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errResponse{OK: false, Error: err.Error()})
}

// validateSettingsAndSlots reuses config.Document.Validate by wrapping the
// domain values in a throwaway document; the ambient fields (persist path,
// backup dir, listen addr) are irrelevant to validation.
func validateSettingsAndSlots(settings playout.Settings, slots []playout.Slot) error {
	doc := &config.Document{
		Settings: config.FromSettings(settings, "", "", 0, ""),
		Slots:    make([]config.SlotDoc, len(slots)),
	}
	for i, sl := range slots {
		doc.Slots[i] = config.FromSlot(sl)
	}
	return doc.Validate()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.playout.Snapshot(nil, nil)
	writeOK(w, toStatusDTO(snap))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeOK(w, toConfigDTO(s.playout.Settings(), s.playout.Slots()))
}

// handlePostConfig applies a partial config update. Unknown JSON keys are
// rejected silently (json.Decoder's default behavior), and the slot list
// is truncated to maxSlots, per spec.md §6.
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var body configDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	settings := s.playout.Settings()
	slots := s.playout.Slots()

	if body.FPS != nil {
		settings.FPS = *body.FPS
	}
	if body.Frames != nil {
		settings.LoopFrames = *body.Frames
	}
	if body.AutosyncIntervalSec != nil {
		settings.IntervalSeconds = *body.AutosyncIntervalSec
	}
	if body.DriftToleranceFrames != nil {
		settings.ToleranceFrames = *body.DriftToleranceFrames
	}
	if body.ResyncMode != nil {
		settings.ResyncMode = normalizeResyncMode(*body.ResyncMode)
	}
	if body.FadeFrames != nil {
		settings.FadeFrames = *body.FadeFrames
		settings.PostFadeDelay = playout.DefaultPostFadeDelay(settings.FadeFrames, settings.FPS)
	}
	if body.Slots != nil {
		newSlots := body.Slots
		if len(newSlots) > maxSlots {
			newSlots = newSlots[:maxSlots]
		}
		slots = make([]playout.Slot, len(newSlots))
		for i, sd := range newSlots {
			slots[i] = playout.Slot{
				ID:            sd.ID,
				Index:         i,
				Name:          sd.Name,
				Host:          sd.Host,
				Port:          sd.Port,
				Channel:       sd.Channel,
				BaseLayer:     sd.BaseLayer,
				Clip:          sd.Clip,
				StartTimecode: sd.StartTimecode,
				Enabled:       sd.Enabled,
			}
		}
	}

	if err := validateSettingsAndSlots(settings, slots); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	s.playout.ApplyConfig(settings, slots)

	keep := make(map[string]bool, len(slots))
	for _, sl := range slots {
		if sl.Effective() {
			keep[sl.Addr()] = true
		}
	}
	s.registry.Prune(keep)

	if s.persist != nil {
		if err := s.persist.Save(settings, slots); err != nil {
			writeErr(w, http.StatusInternalServerError, fmt.Errorf("persist config: %w", err))
			return
		}
	}

	writeOK(w, toConfigDTO(settings, slots))
}

func (s *Server) handlePostMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if !s.playout.SetMode(playout.Mode(body.Mode)) {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid mode %q", body.Mode))
		return
	}
	writeOK(w, map[string]string{"mode": body.Mode})
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	errs := s.playout.PreloadAll(r.Context())
	s.respondSyncResult(w, errs)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	errs := s.playout.StartAll(r.Context())
	s.respondSyncResult(w, errs)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	errs := s.playout.PauseAll(r.Context())
	s.respondSyncResult(w, errs)
}

func (s *Server) handlePostResync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode  *string `json:"mode"`
		Frame *int64  `json:"frame"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}

	resyncMode, _ := s.playout.ResyncModeAndFade()
	if body.Mode != nil {
		resyncMode = normalizeResyncMode(*body.Mode)
	}
	tf := s.playout.TargetFrame()
	if body.Frame != nil {
		tf = *body.Frame
	}

	errs := s.playout.ResyncAll(r.Context(), resyncMode, tf)
	s.respondSyncResult(w, errs)
}

func (s *Server) handleResetClock(w http.ResponseWriter, r *http.Request) {
	s.playout.ResetClock()
	writeOK(w, nil)
}

func (s *Server) respondSyncResult(w http.ResponseWriter, errs []playout.SlotError) {
	if len(errs) == 0 {
		writeOK(w, nil)
		return
	}
	type slotErrDTO struct {
		SlotIndex int    `json:"slotIndex"`
		Error     string `json:"error"`
	}
	out := make([]slotErrDTO, len(errs))
	for i, e := range errs {
		out[i] = slotErrDTO{SlotIndex: e.SlotIndex, Error: e.Err.Error()}
	}
	writeOK(w, map[string]any{"errors": out})
}
