package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the per-invocation observability counters for the selection
// pipeline.
type Metrics struct {
	SelectionDuration *prometheus.HistogramVec
	EncodeDuration    prometheus.Histogram
	FallbackTotal     *prometheus.CounterVec
	FramesSelected    *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SelectionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "framesieve_selection_duration_seconds",
			Help:    "Time spent selecting frames, by strategy.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"strategy"}),
		EncodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "framesieve_encode_duration_seconds",
			Help:    "Time spent generating embeddings per event batch.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		FallbackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "framesieve_selection_fallback_total",
			Help: "Selections that degraded to a fallback path, by strategy.",
		}, []string{"strategy"}),
		FramesSelected: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "framesieve_frames_selected",
			Help:    "Number of frames in the final selection, by strategy.",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}, []string{"strategy"}),
	}
}
