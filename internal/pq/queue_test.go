package pq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestQueuePutGetFIFO(t *testing.T) {
	q := New()
	require.True(t, q.Put(Packet{Stream: Video, Duration: time.Second}))
	require.True(t, q.Put(Packet{Stream: Audio, Duration: time.Second}))

	p1, res := q.Get(false)
	require.Equal(t, Got, res)
	assert.Equal(t, Video, p1.Stream)

	p2, res := q.Get(false)
	require.Equal(t, Got, res)
	assert.Equal(t, Audio, p2.Stream)

	_, res = q.Get(false)
	assert.Equal(t, Empty, res)
}

func TestQueuePutStampsCurrentSerial(t *testing.T) {
	q := New()
	q.Flush() // serial 0 -> 1
	require.True(t, q.Put(Packet{Stream: Video}))
	pkt, res := q.Get(false)
	require.Equal(t, Got, res)
	assert.EqualValues(t, 1, pkt.Serial)
}

func TestQueueFlushIncrementsSerialAndDrains(t *testing.T) {
	q := New()
	require.True(t, q.Put(Packet{Stream: Video}))
	require.True(t, q.Put(Packet{Stream: Audio}))
	before := q.Serial()

	q.Flush()

	assert.Equal(t, before+1, q.Serial())
	assert.Equal(t, 0, q.NbPackets())
	assert.Zero(t, q.ByteSize())
	_, res := q.Get(false)
	assert.Equal(t, Empty, res)
}

func TestQueueAbortUnblocksGet(t *testing.T) {
	q := New()
	done := make(chan GetResult, 1)
	go func() {
		_, res := q.Get(true)
		done <- res
	}()

	time.Sleep(10 * time.Millisecond)
	q.Abort()

	select {
	case res := <-done:
		assert.Equal(t, Aborted, res)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Abort")
	}
	assert.True(t, q.Aborted())
	assert.False(t, q.Put(Packet{Stream: Video}))
}

func TestQueueStartClearsAbort(t *testing.T) {
	q := New()
	q.Abort()
	require.True(t, q.Aborted())
	q.Start()
	assert.False(t, q.Aborted())
	assert.True(t, q.Put(Packet{Stream: Video}))
}

func TestQueueHasEnough(t *testing.T) {
	q := New()
	assert.False(t, q.HasEnough())
	for i := 0; i < 30; i++ {
		q.Put(Packet{Stream: Video, Duration: 100 * time.Millisecond})
	}
	assert.True(t, q.HasEnough())
}

// TestQueueSerialMonotonic is a property check (§8): Flush/Start only ever
// move the serial forward, regardless of the interleaving of puts/gets.
func TestQueueSerialMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		q := New()
		last := q.Serial()
		ops := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 30).Draw(rt, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				q.Put(Packet{Stream: Video})
			case 1:
				q.Get(false)
			case 2:
				q.Flush()
			case 3:
				q.Start()
			}
			cur := q.Serial()
			if cur < last {
				rt.Fatalf("serial decreased: %d -> %d", last, cur)
			}
			last = cur
		}
	})
}
