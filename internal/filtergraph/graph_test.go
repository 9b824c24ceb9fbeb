package filtergraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestObserveTrueOnFirstCall(t *testing.T) {
	g := New[VideoShape]()
	assert.True(t, g.Observe(VideoShape{Width: 640, Height: 480}))
}

func TestObserveFalseWhenShapeUnchanged(t *testing.T) {
	g := New[VideoShape]()
	shape := VideoShape{Width: 640, Height: 480}
	g.Observe(shape)
	assert.False(t, g.Observe(shape))
	assert.False(t, g.Observe(shape))
}

func TestObserveTrueWhenShapeChanges(t *testing.T) {
	g := New[VideoShape]()
	g.Observe(VideoShape{Width: 640, Height: 480})
	assert.True(t, g.Observe(VideoShape{Width: 1280, Height: 720}))
}

func TestConstrainToSinkTrueOnFirstCall(t *testing.T) {
	g := New[AudioShape]()
	assert.True(t, g.ConstrainToSink(AudioShape{SampleRate: 48000, Channels: 2}))
}

func TestConstrainToSinkFalseWhenUnchanged(t *testing.T) {
	g := New[AudioShape]()
	constraint := AudioShape{SampleRate: 48000, Channels: 2}
	g.ConstrainToSink(constraint)
	assert.False(t, g.ConstrainToSink(constraint))
}

func TestOutputFallsBackToDecoderShapeWithoutSink(t *testing.T) {
	g := New[VideoShape]()
	shape := VideoShape{Width: 640, Height: 480}
	g.Observe(shape)
	assert.Equal(t, shape, g.Output())
}

func TestOutputPrefersSinkConstraintOnceApplied(t *testing.T) {
	g := New[AudioShape]()
	g.Observe(AudioShape{SampleRate: 44100, Channels: 2})
	sink := AudioShape{SampleRate: 48000, Channels: 2}
	g.ConstrainToSink(sink)
	assert.Equal(t, sink, g.Output())
}

// TestObserveRebuildMatchesChangeSequence checks Observe's return value
// against a plain "did it change from the previous call" model over random
// sequences of shapes, including repeats.
func TestObserveRebuildMatchesChangeSequence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := New[int]()
		var prev int
		first := true
		n := rapid.IntRange(1, 30).Draw(rt, "n")
		for i := 0; i < n; i++ {
			shape := rapid.IntRange(0, 3).Draw(rt, "shape")
			want := first || shape != prev
			got := g.Observe(shape)
			if got != want {
				rt.Fatalf("Observe(%d) after prev=%d first=%v: got %v, want %v", shape, prev, first, got, want)
			}
			prev = shape
			first = false
		}
	})
}
