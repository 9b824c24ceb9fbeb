// Package presenter implements the video refresh-tick algorithm of spec
// §4.7: decides whether to display a new frame, re-blit the current one,
// or idle, and runs the late-frame-drop correction described in §4.5.
package presenter

import (
	"math"
	"time"

	"github.com/kestrelmedia/avplay/internal/clockdom"
	"github.com/kestrelmedia/avplay/internal/decoder"
	"github.com/kestrelmedia/avplay/internal/fq"
)

// RefreshRate is the nominal presenter tick period (§4.7: "100 Hz").
const RefreshRate = 10 * time.Millisecond

// MaxFrameDuration bounds the fallback used by clockdom.FrameDuration.
const MaxFrameDuration = time.Second

// Presenter drives the video refresh-tick loop. It holds no goroutine of
// its own: the host application (Player.Update, invoked by ebiten at the
// display's refresh rate) calls Tick once per frame.
type Presenter struct {
	VideoQueue *fq.Queue[*decoder.VideoFrame]
	SubQueue   *fq.Queue[*decoder.SubtitleFrame] // may be nil

	Clocks *clockdom.Clocks

	HasVideo, HasAudio bool
	RealtimeExternal   bool // realtime input under external master (§4.5)

	// FrameDropLate reports whether the late-drop correction is currently
	// enabled (disabled when video is the sync master).
	FrameDropLate func() bool

	// Paused/StepMode are read each tick; while StepMode is set, a paused
	// Tick runs the normal advance-and-display path once, then clears
	// StepMode through SetStep.
	Paused   func() bool
	StepMode func() bool
	SetStep  func(bool)

	// OnDisplay is invoked with the frame that should now be shown.
	OnDisplay func(*decoder.VideoFrame)

	frameTimer   float64 // wall seconds
	haveTimer    bool
	lastSerial   int64
	forceRefresh bool

	LateDrops int64
}

func nowSeconds() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) }

// Tick runs one iteration of the algorithm in §4.7. remainingIdle is the
// caller's hint for how long it may sleep/idle before calling Tick again
// (bounded by RefreshRate); it is advisory only under ebiten's fixed game
// loop, which calls Tick every frame regardless.
func (p *Presenter) Tick() (remainingIdle time.Duration) {
	if p.Clocks.Sync == clockdom.SyncExternal && p.RealtimeExternal {
		videoLen := p.VideoQueue.Remaining()
		p.Clocks.AdjustExternalClockSpeed(videoLen, 0, p.HasVideo, p.HasAudio)
	}

	if p.VideoQueue.Remaining() == 0 {
		return RefreshRate
	}

	for {
		vp, ok := p.VideoQueue.PeekCurrent()
		if !ok {
			return RefreshRate
		}
		if vp.Serial != p.currentQueueSerial() {
			p.VideoQueue.Advance()
			continue
		}
		break
	}

	if p.Paused != nil && p.Paused() && (p.StepMode == nil || !p.StepMode()) {
		p.displayCurrent()
		return RefreshRate
	}

	last, hasLast := p.VideoQueue.PeekLast()
	vp, _ := p.VideoQueue.PeekCurrent()

	if !hasLast || last.Serial != vp.Serial {
		p.frameTimer = nowSeconds()
		p.haveTimer = true
	}
	if !p.haveTimer {
		p.frameTimer = nowSeconds()
		p.haveTimer = true
	}

	fallback := vp.Duration
	var lastDuration time.Duration
	if hasLast {
		lastDuration = clockdom.FrameDuration(last.PTS, vp.PTS, fallback, MaxFrameDuration)
	} else {
		lastDuration = fallback
	}

	videoMaster := p.Clocks.Sync == clockdom.SyncVideo
	delay := clockdom.ComputeTargetDelay(lastDuration, p.Clocks.Video, p.Clocks.Master(p.HasVideo, p.HasAudio), videoMaster)

	now := nowSeconds()
	if now < p.frameTimer+delay.Seconds() {
		remaining := p.frameTimer + delay.Seconds() - now
		return durationFromSeconds(math.Min(remaining, RefreshRate.Seconds()))
	}

	p.frameTimer += delay.Seconds()
	if delay > 0 && now-p.frameTimer > 0.1 {
		p.frameTimer = now
	}

	p.Clocks.Video.Set(vp.PTS.Seconds(), vp.Serial)
	clockdom.SyncClockToSlave(p.Clocks.External, p.Clocks.Video)

	if p.VideoQueue.Remaining() >= 2 && (p.FrameDropLate == nil || p.FrameDropLate()) && !videoMaster {
		p.runLateDrop()
	}

	p.advanceSubtitles()

	p.VideoQueue.Advance()
	p.forceRefresh = true
	if p.StepMode != nil && p.StepMode() && p.SetStep != nil {
		p.SetStep(false)
	}

	if p.forceRefresh {
		p.displayCurrent()
		p.forceRefresh = false
	}
	return RefreshRate
}

// runLateDrop implements §4.5's "Late-frame drop (presenter)": if wall
// time has exceeded frame_timer+duration, release the current frame so the
// next one is shown in its place. At most one frame is dropped per call.
func (p *Presenter) runLateDrop() {
	cur, ok := p.VideoQueue.PeekCurrent()
	if !ok {
		return
	}
	next, ok := p.VideoQueue.PeekNext()
	if !ok {
		return
	}
	duration := clockdom.FrameDuration(cur.PTS, next.PTS, cur.Duration, MaxFrameDuration)
	if nowSeconds() > p.frameTimer+duration.Seconds() {
		p.VideoQueue.Advance()
		p.LateDrops++
	}
}

func (p *Presenter) advanceSubtitles() {
	if p.SubQueue == nil {
		return
	}
	for {
		sp, ok := p.SubQueue.PeekCurrent()
		if !ok {
			return
		}
		nowPTS := p.Clocks.Video.Get()
		if math.IsNaN(nowPTS) {
			return
		}
		displayEnd := sp.PTS.Seconds() + sp.End.Seconds()
		if nowPTS < displayEnd {
			return
		}
		p.SubQueue.Advance()
	}
}

// displayCurrent shows the last-shown slot (rindex), not PeekCurrent: after
// Advance() flips rindex_shown, PeekCurrent points one frame ahead, while
// PeekLast still holds the frame whose pts was just set on the video clock.
// Before any Advance in this tick (the Paused path), rindex_shown is 0 and
// the two coincide, so this is correct for both callers.
func (p *Presenter) displayCurrent() {
	vp, ok := p.VideoQueue.PeekLast()
	if !ok || p.OnDisplay == nil {
		return
	}
	p.OnDisplay(vp)
}

func (p *Presenter) currentQueueSerial() int64 {
	if p.Clocks.Video.QueueSerial == nil {
		return 0
	}
	return p.Clocks.Video.QueueSerial()
}

func durationFromSeconds(s float64) time.Duration {
	if s < 0 {
		s = 0
	}
	return time.Duration(s * float64(time.Second))
}
