package decoder

import (
	"fmt"
	"time"

	"github.com/erparts/reisen"

	"github.com/kestrelmedia/avplay/internal/fq"
	"github.com/kestrelmedia/avplay/internal/pq"
)

// AudioFrame is the decoded unit produced by the audio decoder driver.
type AudioFrame struct {
	Raw        *reisen.AudioFrame
	Data       []byte
	SampleRate int
	Channels   int
	NbSamples  int
	PTS        time.Duration
	Duration   time.Duration
	Serial     int64
}

func (f *AudioFrame) GetSerial() int64 { return f.Serial }

// AudioDriver mirrors VideoDriver for the audio stream. It has no early
// frame drop (§4.3 reserves that for video) but does synthesize pts via
// nextPTS when reisen reports none, incremented by nb_samples/sample_rate
// per frame, per the audio timestamp policy.
type AudioDriver struct {
	Queue  *pq.Queue
	Out    *fq.Queue[*AudioFrame]
	Stream *reisen.AudioStream

	StartPTS time.Duration
	// EndPTS implements the play-range filter (§4.4 step 8), mirroring
	// VideoDriver.EndPTS. Zero means unbounded.
	EndPTS time.Duration
	Stats  Stats

	serial   int64
	nextPTS  time.Duration
	finished finishedAt
}

func (d *AudioDriver) FinishedAtSerial(serial int64) bool { return d.finished.FinishedAtSerial(serial) }

func (d *AudioDriver) Run() error {
	d.nextPTS = d.StartPTS
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
			d.nextPTS = d.StartPTS
			d.finished.clear()
		}
		if pkt.Null {
			d.finished.markAt(d.serial)
			continue
		}
		if pkt.Serial != d.Queue.Serial() {
			continue
		}

		frame, found, err := d.Stream.ReadAudioFrame()
		if err != nil {
			d.Stats.DecodeErrors++
			return fmt.Errorf("audio decode: %w", err)
		}
		if !found || frame == nil {
			continue
		}
		d.Stats.FramesDecoded++

		data := frame.Data()
		sampleRate := d.Stream.SampleRate()
		channels := 2
		nbSamples := bytesToSamples(len(data), channels)

		pts, err := frame.PresentationOffset()
		if err != nil || pts < 0 {
			pts = d.nextPTS
		}
		d.nextPTS = pts + sampleDuration(nbSamples, sampleRate)

		if d.EndPTS > 0 && pts >= d.EndPTS {
			d.finished.markAt(d.serial)
			continue
		}

		idx, ok := d.Out.PeekWritable()
		if !ok {
			return nil
		}
		d.Out.Write(idx, &AudioFrame{
			Raw:        frame,
			Data:       data,
			SampleRate: sampleRate,
			Channels:   channels,
			NbSamples:  nbSamples,
			PTS:        pts,
			Duration:   sampleDuration(nbSamples, sampleRate),
			Serial:     d.serial,
		})
		d.Out.Push()
	}
}

func bytesToSamples(nbytes, channels int) int {
	const bytesPerSample = 2 // 16-bit PCM, matching ebiten's audio format
	frame := bytesPerSample * channels
	if frame == 0 {
		return 0
	}
	return nbytes / frame
}

func sampleDuration(nbSamples, sampleRate int) time.Duration {
	if sampleRate == 0 {
		return 0
	}
	return time.Duration(nbSamples) * time.Second / time.Duration(sampleRate)
}
