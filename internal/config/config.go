// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/playoutsync/engine/internal/playout"
)

// DefaultConfigPath is the default location for the configuration file.
const DefaultConfigPath = "/etc/playoutsync/config.json"

// Document is the on-disk representation of the controller's full
// configuration: global settings plus the slot list.
type Document struct {
	Settings SettingsDoc `json:"settings" koanf:"settings"`
	Slots    []SlotDoc   `json:"slots" koanf:"slots"`
}

// SettingsDoc mirrors playout.Settings in a JSON/koanf-friendly shape
// (PostFadeDelay as whole milliseconds rather than time.Duration, which
// marshals as an opaque integer of nanoseconds and is awkward to hand-edit).
type SettingsDoc struct {
	FPS             float64 `json:"fps" koanf:"fps"`
	LoopFrames      int64   `json:"loop_frames" koanf:"loop_frames"`
	IntervalSeconds int     `json:"interval_seconds" koanf:"interval_seconds"`
	ToleranceFrames int64   `json:"tolerance_frames" koanf:"tolerance_frames"`
	ResyncMode      string  `json:"resync_mode" koanf:"resync_mode"`
	FadeFrames      int     `json:"fade_frames" koanf:"fade_frames"`
	PostFadeDelayMS int64   `json:"post_fade_delay_ms" koanf:"post_fade_delay_ms"`
	PersistPath     string  `json:"persist_path" koanf:"persist_path"`
	BackupDir       string  `json:"backup_dir" koanf:"backup_dir"`
	KeepBackups     int     `json:"keep_backups" koanf:"keep_backups"`
	ListenAddr      string  `json:"listen_addr" koanf:"listen_addr"`
}

// SlotDoc mirrors playout.Slot for JSON/koanf purposes.
type SlotDoc struct {
	ID            string `json:"id" koanf:"id"`
	Name          string `json:"name" koanf:"name"`
	Host          string `json:"host" koanf:"host"`
	Port          int    `json:"port" koanf:"port"`
	Channel       int    `json:"channel" koanf:"channel"`
	BaseLayer     int    `json:"base_layer" koanf:"base_layer"`
	Clip          string `json:"clip" koanf:"clip"`
	StartTimecode string `json:"start_timecode" koanf:"start_timecode"`
	Enabled       bool   `json:"enabled" koanf:"enabled"`
}

// ToSettings converts the on-disk form to the runtime type.
func (s SettingsDoc) ToSettings() playout.Settings {
	return playout.Settings{
		FPS:             s.FPS,
		LoopFrames:      s.LoopFrames,
		IntervalSeconds: s.IntervalSeconds,
		ToleranceFrames: s.ToleranceFrames,
		ResyncMode:      playout.ResyncMode(s.ResyncMode),
		FadeFrames:      s.FadeFrames,
		PostFadeDelay:   msToDuration(s.PostFadeDelayMS),
	}
}

// FromSettings converts the runtime type back to the on-disk form,
// preserving the process-level fields (PersistPath, BackupDir, KeepBackups,
// ListenAddr) that have no playout.Settings counterpart.
func FromSettings(s playout.Settings, persistPath, backupDir string, keepBackups int, listenAddr string) SettingsDoc {
	return SettingsDoc{
		FPS:             s.FPS,
		LoopFrames:      s.LoopFrames,
		IntervalSeconds: s.IntervalSeconds,
		ToleranceFrames: s.ToleranceFrames,
		ResyncMode:      string(s.ResyncMode),
		FadeFrames:      s.FadeFrames,
		PostFadeDelayMS: durationToMS(s.PostFadeDelay),
		PersistPath:     persistPath,
		BackupDir:       backupDir,
		KeepBackups:     keepBackups,
		ListenAddr:      listenAddr,
	}
}

// ToSlot converts the on-disk form to the runtime type. index is the slot's
// position in the configured list, used as playout.Slot.Index.
func (s SlotDoc) ToSlot(index int) playout.Slot {
	return playout.Slot{
		ID:            s.ID,
		Index:         index,
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

// FromSlot converts the runtime type back to the on-disk form.
func FromSlot(s playout.Slot) SlotDoc {
	return SlotDoc{
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

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func durationToMS(d time.Duration) int64 {
	return d.Milliseconds()
}

// RuntimeSlots converts a full document's slot list to runtime slots,
// assigning Index by position.
func (doc Document) RuntimeSlots() []playout.Slot {
	out := make([]playout.Slot, len(doc.Slots))
	for i, s := range doc.Slots {
		out[i] = s.ToSlot(i)
	}
	return out
}

// DefaultDocument returns a configuration with sensible defaults: no
// slots and settings matched to a common 50i/25p broadcast loop.
func DefaultDocument() *Document {
	fps := 50.0
	fadeFrames := 10
	return &Document{
		Settings: SettingsDoc{
			FPS:             fps,
			LoopFrames:      30000,
			IntervalSeconds: 5,
			ToleranceFrames: 1,
			ResyncMode:      string(playout.ResyncCut),
			FadeFrames:      fadeFrames,
			PostFadeDelayMS: durationToMS(playout.DefaultPostFadeDelay(fadeFrames, fps)),
			PersistPath:     DefaultConfigPath,
			BackupDir:       DefaultBackupDir,
			KeepBackups:     DefaultKeepBackups,
			ListenAddr:      ":8080",
		},
		Slots: nil,
	}
}

// Validate checks the document for invalid values before it is accepted as
// the running configuration.
func (doc *Document) Validate() error {
	if doc.Settings.FPS <= 0 {
		return fmt.Errorf("settings.fps must be positive")
	}
	if doc.Settings.LoopFrames <= 0 {
		return fmt.Errorf("settings.loop_frames must be positive")
	}
	if doc.Settings.IntervalSeconds <= 0 {
		return fmt.Errorf("settings.interval_seconds must be positive")
	}
	if doc.Settings.ToleranceFrames < 0 {
		return fmt.Errorf("settings.tolerance_frames must not be negative")
	}
	switch playout.ResyncMode(doc.Settings.ResyncMode) {
	case playout.ResyncCut, playout.ResyncFade:
	default:
		return fmt.Errorf("settings.resync_mode must be CUT or FADE (got %q)", doc.Settings.ResyncMode)
	}
	if doc.Settings.FadeFrames < 0 {
		return fmt.Errorf("settings.fade_frames must not be negative")
	}

	seen := make(map[string]bool, len(doc.Slots))
	for i, s := range doc.Slots {
		if s.ID == "" {
			return fmt.Errorf("slots[%d]: id must not be empty", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("slots[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if s.Enabled {
			if s.Host == "" {
				return fmt.Errorf("slots[%d] (%s): host must not be empty when enabled", i, s.ID)
			}
			if s.Clip == "" {
				return fmt.Errorf("slots[%d] (%s): clip must not be empty when enabled", i, s.ID)
			}
			if s.Port <= 0 {
				return fmt.Errorf("slots[%d] (%s): port must be positive when enabled", i, s.ID)
			}
		}
	}
	return nil
}

// atomicFile abstracts file operations used by Save, for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the document to path as indented JSON, atomically: write to a
// temp file in the same directory, fsync, chmod, then rename. A crash
// mid-write leaves either the old file or the new one, never a partial one.
func (doc *Document) Save(path string) error {
	return doc.saveWith(path, defaultCreateTemp)
}

func (doc *Document) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmpFile, err := createTemp(dir, ".config.*.json")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp config file: %w", err)
	}
	// Config may embed nothing sensitive today, but engine addresses and
	// clip paths are still operational detail; keep it owner+group only.
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config file: %w", err)
	}

	success = true
	return nil
}

// LoadFile reads and parses a JSON configuration file from disk.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is administrator-controlled
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &doc, nil
}
