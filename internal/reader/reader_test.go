package reader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmedia/avplay/internal/pq"
)

// newBareReader builds a Reader with no Video/Audio reisen streams wired
// (those are concrete, unfakeable reisen types), exercising every method
// whose logic doesn't require an actual demuxed stream.
func newBareReader() (*Reader, *pq.Queue, *pq.Queue) {
	videoQ := pq.New()
	audioQ := pq.New()
	return &Reader{
		VideoQueue: videoQ,
		AudioQueue: audioQ,
		Loop:       1,
	}, videoQ, audioQ
}

func TestRequestSeekStoresPending(t *testing.T) {
	r, _, _ := newBareReader()
	r.RequestSeek(5*time.Second, SeekByTime)
	r.seekMu.Lock()
	req := r.pendingSeek
	r.seekMu.Unlock()
	require.NotNil(t, req)
	assert.Equal(t, 5*time.Second, req.Target)
	assert.Equal(t, SeekByTime, req.Mode)
}

func TestServiceSeekNoopWithoutPendingRequest(t *testing.T) {
	r, videoQ, _ := newBareReader()
	beforeSerial := videoQ.Serial()
	require.NoError(t, r.serviceSeek())
	assert.Equal(t, beforeSerial, videoQ.Serial())
	assert.False(t, r.queueAttachmentsReq)
}

func TestServiceSeekFlushesQueuesAndResetsExternalClock(t *testing.T) {
	r, videoQ, audioQ := newBareReader()
	var resetTarget time.Duration
	var resetDefined bool
	r.ExternalClockReset = func(target time.Duration, defined bool) {
		resetTarget, resetDefined = target, defined
	}

	r.RequestSeek(7*time.Second, SeekByTime)
	require.NoError(t, r.serviceSeek())

	assert.EqualValues(t, 1, videoQ.Serial())
	assert.EqualValues(t, 1, audioQ.Serial())
	assert.Equal(t, 7*time.Second, resetTarget)
	assert.True(t, resetDefined)
	assert.True(t, r.queueAttachmentsReq, "serviceSeek must arm the attached-picture flag")

	r.seekMu.Lock()
	pending := r.pendingSeek
	r.seekMu.Unlock()
	assert.Nil(t, pending, "serviceSeek must consume the pending request")
}

func TestServiceAttachedPictureClearsFlagOnce(t *testing.T) {
	r, _, _ := newBareReader()
	r.RequestSeek(0, SeekByTime)
	require.NoError(t, r.serviceSeek())
	require.True(t, r.queueAttachmentsReq)

	r.serviceAttachedPicture()
	assert.False(t, r.queueAttachmentsReq)

	// calling again with the flag already clear must stay a no-op.
	r.serviceAttachedPicture()
	assert.False(t, r.queueAttachmentsReq)
}

func TestBackpressuredFalseWithNoActiveStreams(t *testing.T) {
	r, _, _ := newBareReader()
	assert.False(t, r.backpressured())
}

func TestBackpressuredIgnoredWhenInfiniteBuffer(t *testing.T) {
	r, _, _ := newBareReader()
	r.InfiniteBuffer = true
	assert.False(t, r.backpressured())
}

func TestAllFinishedAndDrainedTrueWithNoStreams(t *testing.T) {
	r, _, _ := newBareReader()
	assert.True(t, r.allFinishedAndDrained())
}

func TestRunTerminatesOnAutoexitWithNoStreamsAndLoopExhausted(t *testing.T) {
	r, _, _ := newBareReader()
	r.Loop = 1
	r.Autoexit = true

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not terminate on natural end of stream with Autoexit set")
	}
}

func TestRunLoopsWhenLoopIsZero(t *testing.T) {
	r, _, _ := newBareReader()
	r.Loop = 0 // infinite

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	// give it a few iterations to loop via RequestSeek(0, ...), then abort.
	time.Sleep(20 * time.Millisecond)
	r.RequestAbort()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not honor RequestAbort")
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	r, _, _ := newBareReader()
	r.Loop = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not honor context cancellation")
	}
}

func TestSetPausedStoresFlag(t *testing.T) {
	r, _, _ := newBareReader()
	r.SetPaused(true)
	assert.True(t, r.paused.Load())
	// while paused, Run skips the completion check and falls through to
	// Media.ReadPacket, which needs a real reisen.Media, so only the stored
	// flag is checked here.
}
