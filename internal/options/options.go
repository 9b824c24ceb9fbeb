// Package options defines the user-selectable configuration of spec §6.
// CLI parsing itself stays out of scope (the host application owns it);
// this package only defines the typed struct and an optional YAML loader
// so a host can keep a small config file instead of wiring every field
// by hand.
package options

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SyncMode selects which clock the Player prefers as master.
type SyncMode string

const (
	SyncAudio    SyncMode = "audio"
	SyncVideo    SyncMode = "video"
	SyncExternal SyncMode = "ext"
)

// SeekMode selects whether seeks are interpreted as byte offsets or as
// stream time.
type SeekMode string

const (
	SeekAuto  SeekMode = "auto"
	SeekTime  SeekMode = "time"
	SeekBytes SeekMode = "bytes"
)

// FrameDrop mirrors decoder.FrameDropPolicy at the configuration layer.
type FrameDrop int8

const (
	FrameDropDisabled FrameDrop = -1
	FrameDropAuto     FrameDrop = 0
	FrameDropAlways   FrameDrop = 1
)

// ShowMode names the presentation mode for audio-only sources; show modes
// other than Video render no picture, and remain out of scope for this
// core (visualization rendering is an external collaborator per spec §1).
type ShowMode string

const (
	ShowVideo ShowMode = "video"
	ShowWaves ShowMode = "waves"
	ShowRDFT  ShowMode = "rdft"
)

// Options bundles every user-selectable knob named in spec §6.
type Options struct {
	Sync           SyncMode  `yaml:"sync"`
	Seek           SeekMode  `yaml:"seek"`
	FrameDrop      FrameDrop `yaml:"framedrop"`
	InfiniteBuffer bool      `yaml:"infinite_buffer"`
	Loop           int       `yaml:"loop"`
	StartSeconds   float64   `yaml:"start"`
	DurationSec    float64   `yaml:"duration"`
	Volume         int       `yaml:"volume"` // 0..100
	Autorotate     bool      `yaml:"autorotate"`
	GenPTS         bool      `yaml:"genpts"`
	Autoexit       bool      `yaml:"autoexit"`
	HWAccel        string    `yaml:"hwaccel"`
	ShowMode       ShowMode  `yaml:"show_mode"`
}

// Default returns the option set the teacher's zero-config player used
// implicitly: audio-master sync, no looping, autoexit off, full volume.
func Default() Options {
	return Options{
		Sync:     SyncAudio,
		Seek:     SeekAuto,
		Loop:     1,
		Volume:   100,
		ShowMode: ShowVideo,
	}
}

// LoadYAML reads and parses a YAML config file into o, leaving fields the
// file doesn't mention at their current (typically Default()) values.
func LoadYAML(path string, o *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("options: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, o); err != nil {
		return fmt.Errorf("options: parse %s: %w", path, err)
	}
	return nil
}
