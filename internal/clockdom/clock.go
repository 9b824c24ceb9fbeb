// Package clockdom implements the three-clock model and the A/V
// synchronization math described in spec §4.5: a (pts, drift,
// last_updated, speed, paused, serial) clock that can change speed without
// a discontinuity, a master-clock selector, and the target-delay /
// late-drop / external-clock-speed formulas the presenter and audio
// callback drive from.
package clockdom

import (
	"math"
	"time"
)

// SyncType names which clock is used as the playback reference.
type SyncType uint8

const (
	SyncAudio SyncType = iota
	SyncVideo
	SyncExternal
)

const (
	// NoSyncThreshold disables drift correction entirely above this
	// magnitude: treated as a stream discontinuity, not drift.
	NoSyncThreshold = 10 * time.Second
	// AVSyncThresholdMin/Max bound the sync_threshold window used by the
	// target-delay formula.
	AVSyncThresholdMin = 40 * time.Millisecond
	AVSyncThresholdMax = 100 * time.Millisecond
	// AVSyncFrameduprThreshold is the "last_duration > 0.1s" cutoff that
	// distinguishes "wait" from "double up" in ComputeTargetDelay.
	AVSyncFrameduprThreshold = 100 * time.Millisecond
)

// Clock is one of {audio, video, external}. Reads while running are
// monotone; reads while paused return the frozen pts. QueueSerial, when
// non-nil, is consulted on every read: if it differs from the serial the
// clock was last Set under, the clock reads as undefined (NaN).
type Clock struct {
	ptsSeconds   float64
	driftSeconds float64
	lastUpdated  time.Time
	speed        float64
	paused       bool
	serial       int64

	// QueueSerial returns the current serial of the packet queue this
	// clock tracks staleness against. May be nil (external clock has none).
	QueueSerial func() int64
}

// New returns a Clock at speed 1.0, undefined until the first Set.
func New(queueSerial func() int64) *Clock {
	return &Clock{speed: 1.0, serial: -1, QueueSerial: queueSerial}
}

// Get returns the clock's current value in seconds, or NaN if undefined
// (either never set, or the tracked queue has moved to a new serial).
func (c *Clock) Get() float64 {
	if c.lastUpdated.IsZero() {
		return math.NaN()
	}
	if c.QueueSerial != nil && c.QueueSerial() != c.serial {
		return math.NaN()
	}
	if c.paused {
		return c.ptsSeconds
	}
	now := nowSeconds()
	return c.driftSeconds + now - (now-secondsOf(c.lastUpdated))*(1-c.speed)
}

// Set stamps the clock to pts at wall time now, under serial.
func (c *Clock) Set(ptsSeconds float64, serial int64) {
	c.setAt(ptsSeconds, serial, time.Now())
}

// SetAt stamps the clock to pts at the given wall time, under serial; used
// by the audio callback to backdate the clock by the estimated device
// latency (§4.5 "Audio clock update").
func (c *Clock) SetAt(ptsSeconds float64, serial int64, at time.Time) {
	c.setAt(ptsSeconds, serial, at)
}

func (c *Clock) setAt(ptsSeconds float64, serial int64, at time.Time) {
	c.ptsSeconds = ptsSeconds
	c.lastUpdated = at
	c.driftSeconds = ptsSeconds - secondsOf(at)
	c.serial = serial
}

// SetSpeed changes playback speed without introducing a discontinuity: the
// current value is first materialized via Get(), then re-set at the new
// speed from the same instant.
func (c *Clock) SetSpeed(speed float64) {
	cur := c.Get()
	c.speed = speed
	if !math.IsNaN(cur) {
		c.setAt(cur, c.serial, time.Now())
	}
}

func (c *Clock) Speed() float64 { return c.speed }

func (c *Clock) SetPaused(paused bool) {
	if paused && !c.paused {
		c.ptsSeconds = c.Get()
	}
	c.paused = paused
}

func (c *Clock) Paused() bool { return c.paused }

func (c *Clock) Serial() int64 { return c.serial }

func nowSeconds() float64      { return secondsOf(time.Now()) }
func secondsOf(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

// SyncClockToSlave nudges slave toward master when the two have drifted by
// more than NoSyncThreshold, used after both the audio callback (audio ->
// external) and the video presenter (video -> external) update their own
// clock (§4.5 "Audio/Video clock update").
func SyncClockToSlave(slave, master *Clock) {
	cur := slave.Get()
	ref := master.Get()
	if !math.IsNaN(ref) && (math.IsNaN(cur) || math.Abs(cur-ref) > NoSyncThreshold.Seconds()) {
		slave.setAt(ref, master.serial, time.Now())
	}
}

// Clocks bundles the three clocks plus the configured/selected sync mode.
type Clocks struct {
	Audio    *Clock
	Video    *Clock
	External *Clock
	Sync     SyncType
}

// NewClocks wires the three clocks, given accessors for the audio and video
// packet queues' current serial (the external clock tracks no queue).
func NewClocks(audioQueueSerial, videoQueueSerial func() int64) *Clocks {
	return &Clocks{
		Audio:    New(audioQueueSerial),
		Video:    New(videoQueueSerial),
		External: New(nil),
		Sync:     SyncAudio,
	}
}

// Master returns the clock currently selected as sync reference. If the
// configured/preferred stream is absent, falls back to the other stream's
// clock if that stream is present, otherwise to external.
func (c *Clocks) Master(hasVideo, hasAudio bool) *Clock {
	switch c.Sync {
	case SyncVideo:
		if hasVideo {
			return c.Video
		}
		if hasAudio {
			return c.Audio
		}
		return c.External
	case SyncAudio:
		if hasAudio {
			return c.Audio
		}
		if hasVideo {
			return c.Video
		}
		return c.External
	default:
		return c.External
	}
}

// AdjustExternalClockSpeed implements the realtime-input speed nudging of
// §4.5: if any active queue is nearly empty, slow down (floor 0.900); if
// both queues are comfortably full, speed up (ceiling 1.010); otherwise
// ease back toward 1.0.
func (c *Clocks) AdjustExternalClockSpeed(videoQueueLen, audioQueueLen int, hasVideo, hasAudio bool) {
	const (
		step  = 0.001
		floor = 0.900
		ceil  = 1.010
	)

	minLen := math.MaxInt32
	if hasVideo && videoQueueLen < minLen {
		minLen = videoQueueLen
	}
	if hasAudio && audioQueueLen < minLen {
		minLen = audioQueueLen
	}
	if !hasVideo && !hasAudio {
		return
	}

	anyLow := minLen <= 2
	allHigh := (!hasVideo || videoQueueLen >= 10) && (!hasAudio || audioQueueLen >= 10)

	speed := c.External.Speed()
	switch {
	case anyLow:
		speed = math.Max(floor, speed-step)
	case allHigh:
		speed = math.Min(ceil, speed+step)
	default:
		diff := 1.0 - speed
		if diff != 0 {
			adjust := step * diff / math.Abs(diff)
			if math.Abs(adjust) > math.Abs(diff) {
				speed = 1.0
			} else {
				speed += adjust
			}
		}
	}
	if speed != c.External.Speed() {
		c.External.SetSpeed(speed)
	}
}

// ComputeTargetDelay implements §4.5's target-delay formula for the next
// video frame: lastDuration is the clamped duration already computed by
// the caller (FrameDuration below); videoMaster reports whether video is
// currently the master clock (in which case no correction is applied).
func ComputeTargetDelay(lastDuration time.Duration, video, master *Clock, videoMaster bool) time.Duration {
	if videoMaster {
		return lastDuration
	}

	diff := video.Get() - master.Get()
	if math.IsNaN(diff) {
		return lastDuration
	}

	syncThreshold := clampDuration(lastDuration, AVSyncThresholdMin, AVSyncThresholdMax)
	diffDur := time.Duration(diff * float64(time.Second))

	if math.Abs(diff) >= NoSyncThreshold.Seconds() {
		return lastDuration
	}

	switch {
	case diffDur <= -syncThreshold:
		delay := lastDuration + diffDur
		if delay < 0 {
			delay = 0
		}
		return delay
	case diffDur >= syncThreshold && lastDuration > AVSyncFrameduprThreshold:
		return lastDuration + diffDur
	case diffDur >= syncThreshold:
		return 2 * lastDuration
	default:
		return lastDuration
	}
}

// FrameDuration computes last_duration = nextPTS - curPTS, clamped to
// fallback (the current frame's own stored duration) when the delta is
// NaN, non-positive, or exceeds maxFrameDuration.
func FrameDuration(curPTS, nextPTS, fallback, maxFrameDuration time.Duration) time.Duration {
	d := nextPTS - curPTS
	if d <= 0 || d > maxFrameDuration {
		return fallback
	}
	return d
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
