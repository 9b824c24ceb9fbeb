package presenter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmedia/avplay/internal/clockdom"
	"github.com/kestrelmedia/avplay/internal/decoder"
	"github.com/kestrelmedia/avplay/internal/fq"
	"github.com/kestrelmedia/avplay/internal/pq"
)

func pushVideoFrame(t *testing.T, q *fq.Queue[*decoder.VideoFrame], f *decoder.VideoFrame) {
	t.Helper()
	idx, ok := q.PeekWritable()
	require.True(t, ok)
	q.Write(idx, f)
	q.Push()
}

func newTestPresenter() (*Presenter, *fq.Queue[*decoder.VideoFrame], *clockdom.Clocks) {
	pktq := pq.New()
	videoFrames := fq.New[*decoder.VideoFrame](3, true, pktq)
	clocks := clockdom.NewClocks(pktq.Serial, pktq.Serial)
	p := &Presenter{
		VideoQueue: videoFrames,
		Clocks:     clocks,
		HasVideo:   true,
	}
	return p, videoFrames, clocks
}

func TestTickIdlesOnEmptyQueue(t *testing.T) {
	p, _, _ := newTestPresenter()
	d := p.Tick()
	assert.Equal(t, RefreshRate, d)
}

func TestTickDisplaysCurrentWhenPaused(t *testing.T) {
	p, q, _ := newTestPresenter()
	pushVideoFrame(t, q, &decoder.VideoFrame{PTS: 0, Duration: 33 * time.Millisecond})

	var displayed *decoder.VideoFrame
	p.OnDisplay = func(vp *decoder.VideoFrame) { displayed = vp }
	p.Paused = func() bool { return true }

	p.Tick()
	require.NotNil(t, displayed)
	assert.Equal(t, time.Duration(0), displayed.PTS)
}

func TestTickAdvancesAndDisplaysWhenDue(t *testing.T) {
	p, q, clocks := newTestPresenter()
	pushVideoFrame(t, q, &decoder.VideoFrame{PTS: 0})
	pushVideoFrame(t, q, &decoder.VideoFrame{PTS: 2 * time.Millisecond})

	clocks.Sync = clockdom.SyncVideo // video is its own master: no delay correction
	var displayed []*decoder.VideoFrame
	p.OnDisplay = func(vp *decoder.VideoFrame) { displayed = append(displayed, vp) }

	// first tick: zero-duration frame is immediately due, and displayCurrent
	// shows the last-shown slot (the frame whose pts was just set).
	p.Tick()
	require.Len(t, displayed, 1)
	assert.Equal(t, time.Duration(0), displayed[0].PTS)

	// second tick: enough real time has passed for the 2ms inter-frame gap,
	// so the second frame becomes due and gets displayed in turn.
	time.Sleep(5 * time.Millisecond)
	p.Tick()
	require.Len(t, displayed, 2)
	assert.Equal(t, 2*time.Millisecond, displayed[1].PTS)
}

func TestTickDropsStaleSerialFrames(t *testing.T) {
	p, q, clocks := newTestPresenter()
	pushVideoFrame(t, q, &decoder.VideoFrame{PTS: 0, Serial: 0})
	clocks.Video.QueueSerial = func() int64 { return 1 } // simulate a flush after enqueue

	d := p.Tick()
	assert.Equal(t, RefreshRate, d)
	assert.Equal(t, 0, q.Remaining(), "stale-serial frame must be discarded rather than displayed")
}
