// Package filtergraph implements the reconfigurable format-negotiation
// described in spec §4.8: both audio and video frames pass through a graph
// that is rebuilt whenever the input's shape changes, and whose output
// format is negotiated against the downstream sink.
//
// reisen and ebiten expose no filter-graph construct of their own (no
// libavfilter binding appears anywhere in the retrieved corpus — see
// DESIGN.md), so this package tracks the negotiation state machine the
// spec describes and performs the one conversion actually needed in this
// pipeline (audio resampling on hardware mismatch, already implemented in
// internal/audiocb); video pixel/colorspace conversion is a no-op here
// because reisen always hands ebiten-ready RGBA pixels (see DESIGN.md).
package filtergraph

// VideoShape fingerprints the properties that force a video graph rebuild.
type VideoShape struct {
	Width, Height int
	PixFmt        string
	Colorspace    string
}

// AudioShape fingerprints the properties that force an audio graph rebuild.
type AudioShape struct {
	SampleRate int
	Channels   int
	Format     string
}

// Graph tracks one stream's current negotiated shape and whether the sink
// constraint has been applied yet (the "negotiated twice" rule for audio:
// once unconstrained to discover the decoder-side format, then
// reconfigured once the hardware device is open).
type Graph[S comparable] struct {
	current        S
	sinkConstraint S
	haveSink       bool
	built          bool
}

// New returns an unbuilt Graph.
func New[S comparable]() *Graph[S] { return &Graph[S]{} }

// Observe feeds the current decoder-side shape. It returns true the first
// time it is called, and again any time shape changes relative to the last
// call — both cases mean "rebuild required".
func (g *Graph[S]) Observe(shape S) (rebuild bool) {
	var zero S
	if !g.built || g.current != shape {
		g.current = shape
		g.built = true
		return true
	}
	_ = zero
	return false
}

// ConstrainToSink applies the downstream sink's required shape (texture
// format for video, the opened audio device's format for audio). Returns
// true the first time it is called, and again any time shape differs from
// the previously applied constraint.
func (g *Graph[S]) ConstrainToSink(shape S) (rebuild bool) {
	if !g.haveSink || g.sinkConstraint != shape {
		g.sinkConstraint = shape
		g.haveSink = true
		return true
	}
	return false
}

// Output returns the shape downstream consumers should expect: the sink
// constraint once one has been applied, otherwise the raw decoder shape.
func (g *Graph[S]) Output() S {
	if g.haveSink {
		return g.sinkConstraint
	}
	return g.current
}
