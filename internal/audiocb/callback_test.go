package audiocb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kestrelmedia/avplay/internal/clockdom"
	"github.com/kestrelmedia/avplay/internal/decoder"
	"github.com/kestrelmedia/avplay/internal/filtergraph"
	"github.com/kestrelmedia/avplay/internal/fq"
	"github.com/kestrelmedia/avplay/internal/pq"
)

func pcmFrame(nbSamples int, serial int64) *decoder.AudioFrame {
	data := make([]byte, nbSamples*channels*bytesPerSample)
	for i := range data {
		data[i] = byte(i + 1) // non-zero, so silence vs. real data is distinguishable
	}
	return &decoder.AudioFrame{Data: data, NbSamples: nbSamples, SampleRate: 48000, Serial: serial}
}

func newTestCallback(cap int) (*Callback, *fq.Queue[*decoder.AudioFrame], *pq.Queue) {
	pktq := pq.New()
	queue := fq.New[*decoder.AudioFrame](cap, true, pktq)
	clocks := clockdom.NewClocks(pktq.Serial, pktq.Serial)
	cb := &Callback{
		Queue:        queue,
		PacketQ:      pktq,
		Clock:        clocks.Audio,
		External:     clocks.External,
		HWSampleRate: 48000,
		HWBufSize:    4096,
	}
	return cb, queue, pktq
}

func pushAudioFrame(t *testing.T, q *fq.Queue[*decoder.AudioFrame], f *decoder.AudioFrame) {
	t.Helper()
	idx, ok := q.PeekWritable()
	require.True(t, ok)
	q.Write(idx, f)
	q.Push()
}

// TestReadAlwaysFillsRequestedLength is property 7 in §8: Read must produce
// exactly len(p) bytes every call, whether or not a frame is available.
func TestReadAlwaysFillsRequestedLength(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cb, queue, _ := newTestCallback(4)
		if rapid.Bool().Draw(rt, "pushFrame") {
			pushAudioFrame(t, queue, pcmFrame(rapid.IntRange(1, 512).Draw(rt, "nbSamples"), 0))
		}
		buf := make([]byte, rapid.IntRange(1, 8192).Draw(rt, "bufLen"))
		n, err := cb.Read(buf)
		if err != nil {
			rt.Fatalf("Read returned an error: %v", err)
		}
		if n != len(buf) {
			rt.Fatalf("Read served %d bytes, want %d", n, len(buf))
		}
	})
}

func TestReadFillsSilenceWhenQueueEmpty(t *testing.T) {
	cb, _, _ := newTestCallback(4)
	buf := make([]byte, 256)
	for i := range buf {
		buf[i] = 0xFF
	}
	n, err := cb.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	for _, b := range buf {
		assert.EqualValues(t, 0, b)
	}
}

func TestReadDiscardsStaleSerialFrames(t *testing.T) {
	cb, queue, pktq := newTestCallback(4)
	pushAudioFrame(t, queue, pcmFrame(128, 0))
	pktq.Flush() // bumps serial to 1, frame above is now stale

	buf := make([]byte, 64)
	n, err := cb.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	for _, b := range buf {
		assert.EqualValues(t, 0, b, "stale-serial frame must not be played back as audio")
	}
}

func TestReadSetsClockFromFramePTSAndDuration(t *testing.T) {
	cb, queue, _ := newTestCallback(4)
	f := pcmFrame(128, 0)
	f.PTS = 0
	f.Duration = sampleDuration(128, 48000)
	pushAudioFrame(t, queue, f)

	buf := make([]byte, len(f.Data))
	_, err := cb.Read(buf)
	require.NoError(t, err)
	// Read stamps pts+duration, then advanceDeviceClock backdates it by the
	// device latency (2*HWBufSize bytes; nothing left unwritten here).
	latency := float64(2*cb.HWBufSize) / float64(cb.HWSampleRate*channels*bytesPerSample)
	assert.InDelta(t, f.Duration.Seconds()-latency, cb.Clock.Get(), 0.01)
}

func TestReadResamplesWhenFrameRateMismatchesHardware(t *testing.T) {
	cb, queue, _ := newTestCallback(4)
	cb.HWSampleRate = 44100
	f := pcmFrame(128, 0)
	f.SampleRate = 48000 // mismatches HWSampleRate: prepare must resample
	f.Channels = 2
	pushAudioFrame(t, queue, f)

	buf := make([]byte, len(f.Data))
	_, err := cb.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, filtergraph.AudioShape{SampleRate: 44100, Channels: 2}, cb.shapes.Output())
}

func TestApplyVolumeMuteSilences(t *testing.T) {
	cb, _, _ := newTestCallback(4)
	data := []byte{0x00, 0x10, 0xFF, 0x7F}
	cb.GetMuted = func() bool { return true }
	out := cb.applyVolume(data)
	for _, b := range out {
		assert.EqualValues(t, 0, b)
	}
}

func TestApplyVolumeFullVolumeIsNoop(t *testing.T) {
	cb, _, _ := newTestCallback(4)
	data := []byte{0x00, 0x10, 0xFF, 0x7F}
	cb.GetVolume = func() float64 { return 1.0 }
	out := cb.applyVolume(data)
	assert.Equal(t, data, out)
}

func TestResamplePreservesLength(t *testing.T) {
	in := pcmFrame(100, 0).Data
	out := resample(in, 100, 150)
	assert.Equal(t, 150*channels*bytesPerSample, len(out))
}

func TestResampleNoopWhenSameLength(t *testing.T) {
	in := pcmFrame(100, 0).Data
	out := resample(in, 100, 100)
	// linear interpolation with ratio 1.0 should reconstruct every sample.
	require.Equal(t, len(in), len(out))
	assert.Equal(t, in[:4], out[:4])
}
