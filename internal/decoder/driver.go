// Package decoder implements the decoder driver described by spec §4.3: one
// task per stream kind, pulling packet tokens, feeding/draining the codec,
// and producing serial-tagged frames for the frame queue. Per SPEC_FULL.md
// §0, reisen couples demuxing with decoder-feeding inside Media.ReadPacket,
// so the "feed phase" here acknowledges an already-fed packet token and the
// "drain phase" pulls whatever reisen now has ready.
package decoder

import (
	"time"

	"github.com/kestrelmedia/avplay/internal/pq"
)

// TimestampPolicy names how a video frame's presentation timestamp is
// derived, per §4.3's "Timestamp policy". VideoDriver.Run does not consult
// it: every frame's pts comes from reisen's PresentationOffset, falling back
// to the synthesized nextPTS, whatever the policy.
type TimestampPolicy uint8

const (
	// BestEffort uses the codec's best-effort timestamp (the default).
	BestEffort TimestampPolicy = iota
	// RawPTS forces use of the container's raw pts field.
	RawPTS
	// DTSOnly ignores pts entirely and uses dts.
	DTSOnly
)

// NoSyncThreshold mirrors clockdom.NoSyncThreshold for the early-drop test
// in video.go; the two constants must stay equal.
const NoSyncThreshold = 10 * time.Second

// FrameDropPolicy controls the early-drop behavior of the video decoder.
type FrameDropPolicy int8

const (
	// FrameDropAuto drops only when video isn't the sync master.
	FrameDropAuto FrameDropPolicy = iota
	// FrameDropNever disables early dropping unconditionally.
	FrameDropNever
	// FrameDropAlways drops regardless of sync mode.
	FrameDropAlways
)

// Stats accumulates counters a decoder driver updates as it runs; the
// Player exposes them through its Metrics registrations.
type Stats struct {
	FramesDecoded  int64
	EarlyDrops     int64
	DecodeErrors   int64
	LastFinishedAt int64 // not written by the drivers; EOF state is reported by FinishedAtSerial
}

// finishedAt records the serial at which decode reached EOF, used by the
// reader's completion predicate (§4.4 step 6). set is false while not
// finished.
type finishedAt struct {
	serial int64
	set    bool
}

func (f *finishedAt) markAt(serial int64) {
	f.serial = serial
	f.set = true
}

func (f *finishedAt) clear() {
	f.set = false
}

func (f *finishedAt) FinishedAtSerial(current int64) bool {
	return f.set && f.serial == current
}

// drainToken is returned by waitForToken to tell a driver loop whether it
// consumed a real packet, an EOF terminator, or the queue aborted.
type drainToken struct {
	pkt    pq.Packet
	result pq.GetResult
}

func waitForToken(q *pq.Queue) drainToken {
	pkt, res := q.Get(true)
	return drainToken{pkt: pkt, result: res}
}
