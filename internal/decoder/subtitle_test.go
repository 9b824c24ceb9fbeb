package decoder

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmedia/avplay/internal/fq"
	"github.com/kestrelmedia/avplay/internal/pq"
)

type fakeSubtitleSource struct {
	rects []SubtitleRect
	pts   time.Duration
	err   error
	calls int
}

func (f *fakeSubtitleSource) DecodeSubtitle() ([]SubtitleRect, time.Duration, time.Duration, time.Duration, bool, error) {
	f.calls++
	if f.err != nil {
		return nil, 0, 0, 0, false, f.err
	}
	return f.rects, f.pts, 0, time.Second, true, nil
}

func TestSubtitleDriverNilSourceReturnsImmediately(t *testing.T) {
	d := &SubtitleDriver{Queue: pq.New(), Out: fq.New[*SubtitleFrame](4, false, pq.New())}
	err := d.Run()
	assert.NoError(t, err)
}

func TestSubtitleDriverDecodesAndQueues(t *testing.T) {
	queue := pq.New()
	out := fq.New[*SubtitleFrame](4, false, queue)
	src := &fakeSubtitleSource{rects: []SubtitleRect{{Text: "hi"}}, pts: 42 * time.Millisecond}
	d := &SubtitleDriver{Queue: queue, Out: out, Source: src}

	queue.Put(pq.Packet{Stream: pq.Subtitle})
	queue.Put(pq.Packet{Stream: pq.Subtitle, Null: true})

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()

	require.Eventually(t, func() bool { return d.FinishedAtSerial(0) }, time.Second, time.Millisecond)

	frame, ok := out.PeekCurrent()
	require.True(t, ok)
	assert.Equal(t, 42*time.Millisecond, frame.PTS)
	assert.Equal(t, "hi", frame.Rects[0].Text)

	queue.Abort()
	out.Signal()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Abort")
	}
}

func TestSubtitleDriverPropagatesDecodeError(t *testing.T) {
	queue := pq.New()
	out := fq.New[*SubtitleFrame](4, false, queue)
	src := &fakeSubtitleSource{err: errors.New("boom")}
	d := &SubtitleDriver{Queue: queue, Out: out, Source: src}

	queue.Put(pq.Packet{Stream: pq.Subtitle})

	err := d.Run()
	require.Error(t, err)
	assert.EqualValues(t, 1, d.Stats.DecodeErrors)
}
