package decoder

import (
	"fmt"
	"math"
	"time"

	"github.com/erparts/reisen"

	"github.com/kestrelmedia/avplay/internal/clockdom"
	"github.com/kestrelmedia/avplay/internal/filtergraph"
	"github.com/kestrelmedia/avplay/internal/fq"
	"github.com/kestrelmedia/avplay/internal/pq"
)

// VideoFrame is the decoded unit produced by the video decoder driver.
type VideoFrame struct {
	Image    *reisen.VideoFrame
	Width    int
	Height   int
	PTS      time.Duration
	Duration time.Duration
	Pos      int64
	Serial   int64

	// Uploaded reports whether the texture has been synced to Image's
	// pixels yet. Neither the Presenter nor the Player sets it, so it stays
	// false.
	Uploaded bool
	// ShapeChanged reports whether this frame's dimensions differ from the
	// previous one, per the §4.8 negotiation graph; the sink (Player) uses
	// it to decide whether its display texture needs reallocating.
	ShapeChanged bool
	// FlipV marks a vertical flip requirement due to negative stride.
	// reisen always hands rows top-down, so this stays false; the field
	// exists so a future source that does emit negative strides needs no
	// frame-queue or presenter change.
	FlipV bool
}

func (f *VideoFrame) GetSerial() int64 { return f.Serial }

// VideoDriver pulls packet tokens from Queue, drains reisen's decoded video
// frames, and pushes them (subject to early frame drop) into Out.
type VideoDriver struct {
	Queue  *pq.Queue
	Out    *fq.Queue[*VideoFrame]
	Stream *reisen.VideoStream

	Policy     TimestampPolicy
	DropPolicy FrameDropPolicy
	// MasterClock and VideoClockSerial feed the early-drop test (§4.3):
	// diff = frame.pts - master_clock, gated on decoder serial == video
	// clock serial and on video not being the sync master.
	MasterClock      func() *clockdom.Clock
	VideoClockSerial func() int64
	VideoIsMaster    func() bool
	StartPTS         time.Duration
	// EndPTS implements the play-range filter (§4.4 step 8): frames at or
	// past this timestamp are treated as end-of-stream rather than queued.
	// Zero means unbounded.
	EndPTS time.Duration

	Stats Stats

	serial   int64
	nextPTS  time.Duration
	finished finishedAt
	shapes   filtergraph.Graph[filtergraph.VideoShape]
}

// FinishedAtSerial reports whether this driver hit EOF at the given serial,
// used by the reader's completion predicate.
func (d *VideoDriver) FinishedAtSerial(serial int64) bool { return d.finished.FinishedAtSerial(serial) }

// Run drives the decode loop until the packet queue aborts or a fatal codec
// error occurs.
func (d *VideoDriver) Run() error {
	d.nextPTS = d.StartPTS
	for {
		tok := waitForToken(d.Queue)
		if tok.result == pq.Aborted {
			return nil
		}
		if tok.result != pq.Got {
			continue
		}
		pkt := tok.pkt

		if pkt.Serial != d.serial {
			// feed phase: serial changed under us, flush and restart.
			d.serial = pkt.Serial
			d.nextPTS = d.StartPTS
			d.finished.clear()
		}
		if pkt.Null {
			d.finished.markAt(d.serial)
			continue
		}
		if pkt.Serial != d.Queue.Serial() {
			continue // stale relative to a newer flush; discard
		}

		// drain phase: reisen may or may not have a frame ready yet.
		frame, found, err := d.Stream.ReadVideoFrame()
		if err != nil {
			d.Stats.DecodeErrors++
			return fmt.Errorf("video decode: %w", err)
		}
		if !found || frame == nil {
			continue
		}
		d.Stats.FramesDecoded++

		pts, err := frame.PresentationOffset()
		if err != nil || pts < 0 {
			pts = d.nextPTS
		}
		d.nextPTS = pts + d.frameDuration()

		if d.EndPTS > 0 && pts >= d.EndPTS {
			d.finished.markAt(d.serial)
			continue
		}

		if d.shouldEarlyDrop(pts, d.serial) {
			d.Stats.EarlyDrops++
			continue
		}

		shape := filtergraph.VideoShape{Width: d.Stream.Width(), Height: d.Stream.Height()}
		changed := d.shapes.Observe(shape)

		idx, ok := d.Out.PeekWritable()
		if !ok {
			return nil
		}
		d.Out.Write(idx, &VideoFrame{
			Image:        frame,
			Width:        shape.Width,
			Height:       shape.Height,
			PTS:          pts,
			Duration:     d.frameDuration(),
			Serial:       d.serial,
			ShapeChanged: changed,
		})
		d.Out.Push()
	}
}

// shouldEarlyDrop implements §4.3's "Early frame drop (video only)": drop
// iff every condition holds: diff finite, |diff| < NO_SYNC_THRESHOLD,
// diff - lastFilterDelay < 0 (filter delay treated as 0, no filter graph
// latency is tracked independently here), decoder serial == video clock
// serial, and the packet queue still holds at least one packet.
func (d *VideoDriver) shouldEarlyDrop(pts time.Duration, serial int64) bool {
	switch d.DropPolicy {
	case FrameDropNever:
		return false
	case FrameDropAlways:
		// fallthrough to the diff test below; "always" still requires a
		// real, bounded diff so a cold-start undefined clock never drops.
	default:
		if d.VideoIsMaster != nil && d.VideoIsMaster() {
			return false
		}
	}
	if d.MasterClock == nil {
		return false
	}
	master := d.MasterClock()
	if master == nil {
		return false
	}
	masterSeconds := master.Get()
	if math.IsNaN(masterSeconds) {
		return false
	}
	diff := pts.Seconds() - masterSeconds
	if math.IsNaN(diff) || math.Abs(diff) >= NoSyncThreshold.Seconds() {
		return false
	}
	if diff >= 0 {
		return false
	}
	if d.VideoClockSerial != nil && d.VideoClockSerial() != serial {
		return false
	}
	return d.Queue.NbPackets() >= 1
}

func (d *VideoDriver) frameDuration() time.Duration {
	num, denom := d.Stream.FrameRate()
	if num == 0 {
		return 0
	}
	return time.Duration(denom) * time.Second / time.Duration(num)
}
