package avebi

import "github.com/kestrelmedia/avplay/internal/options"

// Options mirrors internal/options.Options at the public surface, so host
// applications never need to import an internal package to configure a
// Player. See NewPlayerWithOptions.
type Options = options.Options

type SyncMode = options.SyncMode
type SeekMode = options.SeekMode
type FrameDrop = options.FrameDrop
type ShowMode = options.ShowMode

const (
	SyncAudio    = options.SyncAudio
	SyncVideo    = options.SyncVideo
	SyncExternal = options.SyncExternal
)

const (
	SeekAuto  = options.SeekAuto
	SeekTime  = options.SeekTime
	SeekBytes = options.SeekBytes
)

const (
	FrameDropDisabled = options.FrameDropDisabled
	FrameDropAuto     = options.FrameDropAuto
	FrameDropAlways   = options.FrameDropAlways
)

const (
	ShowVideo = options.ShowVideo
	ShowWaves = options.ShowWaves
	ShowRDFT  = options.ShowRDFT
)

// DefaultOptions returns the zero-config option set (audio-master sync, no
// loop, full volume) that NewPlayer/NewPlayerWithoutAudio use implicitly.
func DefaultOptions() Options { return options.Default() }

// LoadOptionsYAML reads a YAML config file into o, leaving fields it doesn't
// mention untouched (typically called on a DefaultOptions() value).
func LoadOptionsYAML(path string, o *Options) error { return options.LoadYAML(path, o) }
