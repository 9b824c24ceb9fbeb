// Package audiocb implements the audio output callback of spec §4.6: an
// io.Reader driven by the host audio device (here, an ebiten/audio.Player)
// that must always produce exactly len(buffer) bytes, resampling decoded
// frames to hardware format and advancing the audio clock against the
// device's playback position.
package audiocb

import (
	"math"
	"time"

	"github.com/kestrelmedia/avplay/internal/clockdom"
	"github.com/kestrelmedia/avplay/internal/decoder"
	"github.com/kestrelmedia/avplay/internal/filtergraph"
	"github.com/kestrelmedia/avplay/internal/fq"
	"github.com/kestrelmedia/avplay/internal/pq"
)

const (
	bytesPerSample = 2 // 16-bit PCM, ebiten's native audio.Player format
	channels       = 2 // ebiten audio.Player is always stereo
)

// diffCoef is exp(ln(0.01)/20): the exponential weight that converges the
// cumulative-diff average over about 20 frames (§4.6 "synchronize_audio").
var diffCoef = math.Exp(math.Log(0.01) / 20)

// Callback pulls decoded audio, resamples/stretches it to the hardware
// frame count, and tracks the audio clock. It implements io.Reader so it
// can be handed directly to ebiten's audio.Context.NewPlayer, mirroring
// the teacher's videoWithAudioController.Read.
type Callback struct {
	Queue    *fq.Queue[*decoder.AudioFrame]
	PacketQ  *pq.Queue
	Clock    *clockdom.Clock
	External *clockdom.Clock

	HWSampleRate int

	// HWBufSize is the device's nominal buffer size in bytes, used both
	// as the device-latency estimate and as diff_threshold's basis.
	HWBufSize int

	GetVolume func() float64
	GetMuted  func() bool
	// IsMaster reports whether audio is currently the sync master; when
	// true, synchronize_audio is skipped per §4.6.
	IsMaster func() bool

	leftover       []byte
	unwrittenBytes int

	// synchronize_audio state
	audioDiffCum   float64
	audioDiffCount int

	// shapes implements §4.8's negotiate-twice discovery: each frame's
	// decoder-side format is observed, then constrained to the hardware
	// device's opened format, so prepare only resamples when the two
	// actually disagree.
	shapes filtergraph.Graph[filtergraph.AudioShape]
}

// Read implements io.Reader, producing exactly len(p) bytes per call
// (property 7 in §8): silence on decode failure, resampled/volume-applied
// PCM otherwise.
func (c *Callback) Read(p []byte) (int, error) {
	now := time.Now()
	served := 0

	for served < len(p) {
		if len(c.leftover) == 0 {
			frame, ok := c.nextFrame()
			if !ok {
				c.fillSilence(p[served:])
				return len(p), nil
			}
			c.leftover = c.prepare(frame)
			c.Clock.Set((frame.PTS + frame.Duration).Seconds(), frame.Serial)
		}

		n := copy(p[served:], c.leftover)
		c.leftover = c.leftover[n:]
		served += n
	}

	c.unwrittenBytes = len(c.leftover)
	c.advanceDeviceClock(now)
	return served, nil
}

// nextFrame pulls the next audio frame, discarding any whose serial doesn't
// match the current packet-queue epoch (stale after a seek). It never
// blocks: Read runs on the OS audio thread, so an empty or fully-stale
// queue must fall through to silence rather than stall waiting on decode.
func (c *Callback) nextFrame() (*decoder.AudioFrame, bool) {
	for {
		frame, ok := c.Queue.PeekCurrent()
		if !ok {
			return nil, false
		}
		if frame.Serial != c.PacketQ.Serial() {
			c.Queue.Advance()
			continue
		}
		c.Queue.Advance()
		return frame, true
	}
}

// prepare applies volume/mute and, when audio is not the sync master,
// synchronize_audio's wanted-sample-count compensation via resampling.
func (c *Callback) prepare(frame *decoder.AudioFrame) []byte {
	data := frame.Data
	wanted := frame.NbSamples

	c.shapes.Observe(filtergraph.AudioShape{SampleRate: frame.SampleRate, Channels: frame.Channels})
	c.shapes.ConstrainToSink(filtergraph.AudioShape{SampleRate: c.HWSampleRate, Channels: frame.Channels})
	sink := c.shapes.Output()

	if c.IsMaster == nil || !c.IsMaster() {
		wanted = c.synchronizeAudio(frame)
	}
	if sink.SampleRate != frame.SampleRate && frame.SampleRate > 0 {
		wanted = wanted * sink.SampleRate / frame.SampleRate
	}
	if wanted != frame.NbSamples || sink.SampleRate != frame.SampleRate {
		data = resample(data, frame.NbSamples, wanted)
	}

	return c.applyVolume(data)
}

// synchronizeAudio implements §4.6's exponentially-weighted diff tracker:
// once >=20 samples have accumulated, if the running average exceeds
// diff_threshold (hw_buf_size/bytes_per_second), nudge the wanted sample
// count by the clamped diff, in seconds, times the sample rate.
func (c *Callback) synchronizeAudio(frame *decoder.AudioFrame) int {
	master := c.External.Get()
	clk := c.Clock.Get()
	if math.IsNaN(master) || math.IsNaN(clk) {
		return frame.NbSamples
	}
	diff := clk - master

	if math.Abs(diff) >= clockdom.NoSyncThreshold.Seconds() {
		c.audioDiffCum = 0
		c.audioDiffCount = 0
		return frame.NbSamples
	}

	c.audioDiffCum = diff + diffCoef*c.audioDiffCum
	c.audioDiffCount++
	if c.audioDiffCount < 20 {
		return frame.NbSamples
	}

	avg := c.audioDiffCum * (1 - diffCoef)
	bytesPerSecond := frame.SampleRate * channels * bytesPerSample
	diffThreshold := float64(c.HWBufSize) / float64(bytesPerSecond)
	if math.Abs(avg) < diffThreshold {
		return frame.NbSamples
	}

	wanted := frame.NbSamples + int(math.Round(diff*float64(frame.SampleRate)))
	minW := frame.NbSamples * 90 / 100
	maxW := frame.NbSamples * 110 / 100
	if wanted < minW {
		wanted = minW
	}
	if wanted > maxW {
		wanted = maxW
	}
	return wanted
}

func (c *Callback) applyVolume(data []byte) []byte {
	volume := 1.0
	if c.GetVolume != nil {
		volume = c.GetVolume()
	}
	if c.GetMuted != nil && c.GetMuted() {
		volume = 0
	}
	if volume == 1.0 {
		return data
	}
	out := make([]byte, len(data))
	for i := 0; i+1 < len(data); i += 2 {
		sample := int16(uint16(data[i]) | uint16(data[i+1])<<8)
		scaled := int32(float64(sample) * volume)
		if scaled > math.MaxInt16 {
			scaled = math.MaxInt16
		}
		if scaled < math.MinInt16 {
			scaled = math.MinInt16
		}
		out[i] = byte(uint16(scaled))
		out[i+1] = byte(uint16(scaled) >> 8)
	}
	return out
}

func (c *Callback) fillSilence(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

// advanceDeviceClock implements §4.5's "Audio clock update": after handing
// a buffer to the device, set the audio clock to account for the device's
// approximate hardware latency, and sync the external clock if they've
// drifted beyond NoSyncThreshold.
func (c *Callback) advanceDeviceClock(now time.Time) {
	bytesPerSecond := c.HWSampleRate * channels * bytesPerSample
	if bytesPerSecond == 0 {
		return
	}
	latency := float64(2*c.HWBufSize+c.unwrittenBytes) / float64(bytesPerSecond)
	cur := c.Clock.Get()
	if math.IsNaN(cur) {
		return
	}
	c.Clock.SetAt(cur-latency, c.Clock.Serial(), now)
	clockdom.SyncClockToSlave(c.External, c.Clock)
}

// resample performs linear interpolation to stretch/compress inSamples of
// audio into outSamples, at the same sample rate/layout (used both for
// synchronize_audio's compensation and for hardware-format mismatches).
// This is the one ambient concern this module implements on the standard
// library rather than a pack library: no swresample-equivalent binding
// appears anywhere in the retrieved corpus (see DESIGN.md), and reisen
// exposes no resampler of its own to wrap.
func resample(data []byte, inSamples, outSamples int) []byte {
	if inSamples <= 0 || outSamples <= 0 {
		return data
	}
	frameBytes := channels * bytesPerSample
	out := make([]byte, outSamples*frameBytes)
	ratio := float64(inSamples) / float64(outSamples)
	for i := 0; i < outSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx >= inSamples-1 {
			srcIdx = inSamples - 2
			if srcIdx < 0 {
				srcIdx = 0
			}
		}
		frac := srcPos - float64(srcIdx)
		for ch := 0; ch < channels; ch++ {
			a := sampleAt(data, srcIdx, ch, frameBytes)
			b := sampleAt(data, srcIdx+1, ch, frameBytes)
			v := int16(float64(a) + frac*float64(b-a))
			off := i*frameBytes + ch*bytesPerSample
			out[off] = byte(uint16(v))
			out[off+1] = byte(uint16(v) >> 8)
		}
	}
	return out
}

func sampleAt(data []byte, idx, ch, frameBytes int) int16 {
	off := idx*frameBytes + ch*bytesPerSample
	if off+1 >= len(data) || off < 0 {
		return 0
	}
	return int16(uint16(data[off]) | uint16(data[off+1])<<8)
}
