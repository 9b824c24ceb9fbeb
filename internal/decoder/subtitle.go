package decoder

import (
	"fmt"
	"time"

	"github.com/kestrelmedia/avplay/internal/fq"
	"github.com/kestrelmedia/avplay/internal/pq"
)

// SubtitleRect is one rectangle of a decoded subtitle frame (text or
// bitmap region); rasterization itself stays out of scope per spec §1.
type SubtitleRect struct {
	X, Y, W, H int
	Text       string
}

// SubtitleFrame is the decoded unit produced by the subtitle decoder
// driver: a rect list plus a display window relative to PTS.
type SubtitleFrame struct {
	Rects  []SubtitleRect
	PTS    time.Duration
	Start  time.Duration // display start, relative to PTS
	End    time.Duration // display end, relative to PTS
	Serial int64
}

func (f *SubtitleFrame) GetSerial() int64 { return f.Serial }

// SubtitleSource abstracts the one-shot subtitle decode entrypoint
// (§6: "decode_subtitle(ctx, pkt, &out)"). It is a local interface rather
// than a concrete reisen type because the evidenced reisen API (used by
// the teacher repo) exposes no subtitle stream; see DESIGN.md. Any
// collaborator providing subtitle streams can satisfy this without the
// rest of the pipeline changing.
type SubtitleSource interface {
	// DecodeSubtitle decodes the next pending subtitle packet, returning
	// found=false when none is ready yet (mirrors reisen's ReadVideoFrame
	// / ReadAudioFrame "skip" semantics).
	DecodeSubtitle() (rects []SubtitleRect, pts, start, end time.Duration, found bool, err error)
}

// SubtitleDriver mirrors VideoDriver/AudioDriver for the subtitle stream.
// keep_last is false for subtitle frame queues (§4.2), so a stream switch
// cleanly overwrites rather than holding the old rectangle.
type SubtitleDriver struct {
	Queue  *pq.Queue
	Out    *fq.Queue[*SubtitleFrame]
	Source SubtitleSource

	StartPTS time.Duration
	Stats    Stats

	serial   int64
	finished finishedAt
}

func (d *SubtitleDriver) FinishedAtSerial(serial int64) bool { return d.finished.FinishedAtSerial(serial) }

// Run drives the decode loop. If Source or Queue is nil (no subtitle stream,
// the common case), Run returns immediately: the pipeline simply carries no
// subtitle component.
func (d *SubtitleDriver) Run() error {
	if d.Source == nil || d.Queue == nil {
		return nil
	}
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
			d.serial = pkt.Serial
			d.finished.clear()
		}
		if pkt.Null {
			d.finished.markAt(d.serial)
			continue
		}
		if pkt.Serial != d.Queue.Serial() {
			continue
		}

		rects, pts, start, end, found, err := d.Source.DecodeSubtitle()
		if err != nil {
			d.Stats.DecodeErrors++
			return fmt.Errorf("subtitle decode: %w", err)
		}
		if !found {
			continue
		}
		d.Stats.FramesDecoded++

		idx, ok := d.Out.PeekWritable()
		if !ok {
			return nil
		}
		d.Out.Write(idx, &SubtitleFrame{
			Rects:  rects,
			PTS:    pts,
			Start:  start,
			End:    end,
			Serial: d.serial,
		})
		d.Out.Push()
	}
}
