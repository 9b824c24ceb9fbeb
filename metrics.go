package avebi

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the pipeline observability counters/gauges named in
// SPEC_FULL.md's domain stack: packet-queue depth, frame drops, decode
// errors, and clock drift. NewMetrics registers these on the given
// Registry (or a private one if none is given), and a Player records into
// them once attached with Player.AttachMetrics; scraping/exposition over
// HTTP is left to the host application.
type Metrics struct {
	QueueBytes     *prometheus.GaugeVec
	QueuePackets   *prometheus.GaugeVec
	FramesDecoded  *prometheus.CounterVec
	EarlyDrops     prometheus.Counter
	LateDrops      prometheus.Counter
	DecodeErrors   *prometheus.CounterVec
	ClockDriftSecs prometheus.Gauge
}

// NewMetrics constructs and registers a Metrics bundle on reg. If reg is
// nil, a private (unregistered-anywhere-else) registry is created so the
// Player always has somewhere to record into.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		QueueBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "avplay",
			Name:      "packet_queue_bytes",
			Help:      "Approximate bytes currently queued per stream.",
		}, []string{"stream"}),
		QueuePackets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "avplay",
			Name:      "packet_queue_packets",
			Help:      "Packets currently queued per stream.",
		}, []string{"stream"}),
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avplay",
			Name:      "frames_decoded_total",
			Help:      "Frames decoded per stream.",
		}, []string{"stream"}),
		EarlyDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avplay",
			Name:      "video_early_drops_total",
			Help:      "Video frames dropped by the decoder before entering the frame queue.",
		}),
		LateDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "avplay",
			Name:      "video_late_drops_total",
			Help:      "Video frames dropped by the presenter due to presentation jitter.",
		}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "avplay",
			Name:      "decode_errors_total",
			Help:      "Unrecoverable decode errors per stream.",
		}, []string{"stream"}),
		ClockDriftSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "avplay",
			Name:      "av_clock_drift_seconds",
			Help:      "abs(video_clock - master_clock), sampled once per presenter tick.",
		}),
	}
	reg.MustRegister(m.QueueBytes, m.QueuePackets, m.FramesDecoded, m.EarlyDrops, m.LateDrops, m.DecodeErrors, m.ClockDriftSecs)
	return m
}
