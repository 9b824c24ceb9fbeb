// Package reader implements the reader/demuxer loop of spec §4.4: opens the
// container, paces ingestion against queue fullness, serves seeks, injects
// end-of-stream markers, and loops or exits at completion.
package reader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erparts/reisen"
	"golang.org/x/time/rate"

	"github.com/kestrelmedia/avplay/internal/pq"
)

// SeekMode selects whether a pending seek targets stream time or raw bytes.
// reisen only evidences time-based rewind, so ByBytes degrades to the same
// Rewind call; see DESIGN.md.
type SeekMode uint8

const (
	SeekByTime SeekMode = iota
	SeekByBytes
)

// SeekRequest describes a pending seek, set by the owning Player through
// RequestSeek and consumed only by the reader.
type SeekRequest struct {
	Target time.Duration
	Mode   SeekMode
}

// Completion reports whether a stream's decoder has finished at the given
// serial, used by the reader's end-of-playback predicate (§4.4 step 6).
type Completion interface {
	FinishedAtSerial(serial int64) bool
}

// FrameQueueEmpty reports whether a stream's frame queue currently holds no
// frames, the other half of the completion predicate.
type FrameQueueEmpty func() bool

// stream bundles one elementary stream's packet queue with the bits the
// reader needs to judge completion and backpressure, independent of kind.
type stream struct {
	kind       pq.Kind
	index      int
	queue      *pq.Queue
	completion Completion
	frameEmpty FrameQueueEmpty
	active     bool
}

// Reader owns the demuxing cursor and drives the main loop described by
// §4.4. It is built by the Player, which owns the reisen.Media and stream
// objects; Reader only sequences calls against them.
type Reader struct {
	Media *reisen.Media

	Video *reisen.VideoStream
	Audio *reisen.AudioStream

	VideoQueue *pq.Queue
	AudioQueue *pq.Queue
	SubQueue   *pq.Queue // may stay perpetually empty; see decoder.SubtitleDriver

	VideoCompletion Completion
	AudioCompletion Completion
	SubCompletion   Completion

	VideoFrameEmpty FrameQueueEmpty
	AudioFrameEmpty FrameQueueEmpty
	SubFrameEmpty   FrameQueueEmpty

	// ExternalClockReset is called with the seek target whenever a seek
	// completes, per §4.4 step 3; defined is false for byte-mode seeks,
	// whose target is not a stream time.
	ExternalClockReset func(target time.Duration, defined bool)

	// InfiniteBuffer disables the 15MiB/"enough" backpressure ceiling.
	InfiniteBuffer bool
	// Loop is the configured loop count; 0 means infinite.
	Loop int
	// Autoexit causes the reader to terminate at natural end of stream
	// instead of idling.
	Autoexit bool
	// Start/Duration describe the play range (§4.4 step 8). Reader does not
	// apply them itself: the decoder drivers filter frames by StartPTS/EndPTS.
	Start    time.Duration
	Duration time.Duration // 0 means unbounded

	Logger interface{ Printf(string, ...any) }

	seekMu      sync.Mutex
	pendingSeek *SeekRequest
	paused      atomic.Bool
	abort       atomic.Bool

	loopsPlayed int
	// queueAttachmentsReq is set by serviceSeek and cleared by
	// serviceAttachedPicture (§4.4 steps 3-4).
	queueAttachmentsReq bool
}

// RequestSeek sets the pending seek under seekMu; only the reader consumes
// it, observing it at the top of its next iteration.
func (r *Reader) RequestSeek(target time.Duration, mode SeekMode) {
	r.seekMu.Lock()
	defer r.seekMu.Unlock()
	r.pendingSeek = &SeekRequest{Target: target, Mode: mode}
}

func (r *Reader) SetPaused(paused bool) { r.paused.Store(paused) }
func (r *Reader) RequestAbort()         { r.abort.Store(true) }

func (r *Reader) streams() []stream {
	out := make([]stream, 0, 3)
	if r.Video != nil {
		out = append(out, stream{pq.Video, r.Video.Index(), r.VideoQueue, r.VideoCompletion, r.VideoFrameEmpty, true})
	}
	if r.Audio != nil {
		out = append(out, stream{pq.Audio, r.Audio.Index(), r.AudioQueue, r.AudioCompletion, r.AudioFrameEmpty, true})
	}
	return out
}

// Run executes the main loop (§4.4) until abort, a fatal I/O error, or
// (when Autoexit is set) natural completion. ctx cancellation is honored
// at each backpressure wait.
func (r *Reader) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(10*time.Millisecond), 1)

	for {
		if r.abort.Load() || ctx.Err() != nil {
			return nil
		}

		if err := r.serviceSeek(); err != nil {
			return err
		}
		r.serviceAttachedPicture()

		if r.backpressured() {
			_ = limiter.Wait(ctx)
			continue
		}

		if !r.paused.Load() && r.allFinishedAndDrained() {
			if r.Loop == 0 || r.loopsPlayed+1 < r.Loop {
				r.loopsPlayed++
				r.RequestSeek(0, SeekByTime)
				continue
			}
			if r.Autoexit {
				return nil
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		// reisen reports end of stream via found=false rather than a
		// distinct error (mirrors the teacher's internalReadVideoFrame
		// loop), so any non-nil err here is a genuine I/O error.
		pkt, found, err := r.Media.ReadPacket()
		if err != nil {
			if r.Autoexit {
				return fmt.Errorf("reader: %w", err)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !found {
			r.injectEOF()
			continue
		}

		r.route(pkt)
	}
}

func (r *Reader) serviceSeek() error {
	r.seekMu.Lock()
	req := r.pendingSeek
	r.pendingSeek = nil
	r.seekMu.Unlock()
	if req == nil {
		return nil
	}

	target := req.Target
	if r.Video != nil {
		if err := r.Video.Rewind(target); err != nil {
			return fmt.Errorf("seek video: %w", err)
		}
	}
	if r.Audio != nil {
		if err := r.Audio.Rewind(target); err != nil {
			return fmt.Errorf("seek audio: %w", err)
		}
	}

	r.VideoQueue.Flush()
	r.AudioQueue.Flush()
	if r.SubQueue != nil {
		r.SubQueue.Flush()
	}
	r.queueAttachmentsReq = true

	if r.ExternalClockReset != nil {
		r.ExternalClockReset(target, req.Mode == SeekByTime)
	}
	return nil
}

// serviceAttachedPicture implements §4.4 step 4: if a seek just completed
// and the video stream carries an embedded still image, enqueue a reference
// copy of it followed by a null terminator, so it displays once and is then
// treated as end-of-stream. reisen's evidenced API (see DESIGN.md) exposes
// no attached-picture disposition to detect this with, so this always
// clears the flag without enqueuing anything; the one-shot contract (flag
// set once per seek, serviced at most once) is preserved for a future
// container/demuxer binding that does expose it.
func (r *Reader) serviceAttachedPicture() {
	if !r.queueAttachmentsReq {
		return
	}
	r.queueAttachmentsReq = false
}

// backpressured implements §4.4 step 5: wait when total queued bytes
// exceed 15MiB, or every active stream already has "enough".
func (r *Reader) backpressured() bool {
	if r.InfiniteBuffer {
		return false
	}
	const ceiling = 15 * 1024 * 1024

	var total int64
	allEnough := true
	any := false
	for _, s := range r.streams() {
		any = true
		total += s.queue.ByteSize()
		if !s.queue.HasEnough() {
			allEnough = false
		}
	}
	if !any {
		return false
	}
	return total > ceiling || allEnough
}

// allFinishedAndDrained implements §4.4 step 6's completion predicate.
func (r *Reader) allFinishedAndDrained() bool {
	for _, s := range r.streams() {
		if s.completion == nil || !s.completion.FinishedAtSerial(s.queue.Serial()) {
			return false
		}
		if s.frameEmpty == nil || !s.frameEmpty() {
			return false
		}
	}
	return true
}

func (r *Reader) injectEOF() {
	for _, s := range r.streams() {
		s.queue.Put(pq.Packet{Stream: s.kind, Null: true})
	}
}

// route implements §4.4 step 9: dispatch by stream type/index, discarding
// unmatched packets. The play-range filter (step 8) is applied one stage
// downstream, in the decoder drivers, since reisen's Packet carries no pts
// and only the decoded frame does (see DESIGN.md).
func (r *Reader) route(pkt *reisen.Packet) {
	switch pkt.Type() {
	case reisen.StreamVideo:
		if r.Video != nil && pkt.StreamIndex() == r.Video.Index() {
			r.VideoQueue.Put(pq.Packet{Stream: pq.Video})
		}
	case reisen.StreamAudio:
		if r.Audio != nil && pkt.StreamIndex() == r.Audio.Index() {
			r.AudioQueue.Put(pq.Packet{Stream: pq.Audio})
		}
	default:
		// subtitle or unknown stream types: no queue wired, discard.
	}
}
