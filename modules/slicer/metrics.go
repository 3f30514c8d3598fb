package slicer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "mp3slice"

var (
	metricSlicesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: module,
		Name:      "slices_total",
		Help:      "Slices attempted, by result.",
	}, []string{"result"})

	metricBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: module,
		Name:      "bytes_written_total",
		Help:      "Slice bytes copied to files and HTTP responses.",
	})

	metricProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: module,
		Name:      "probes_total",
		Help:      "Frame header probes, by result.",
	}, []string{"result"})

	metricProbeWindows = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: module,
		Name:      "probe_windows",
		Help:      "Probe windows read before a frame header was found.",
		Buckets:   []float64{1, 2, 3, 4, 8},
	})

	metricHeaderOffset = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: module,
		Name:      "header_offset_bytes",
		Help:      "Absolute byte offset of the first frame header.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
	})

	metricRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: module,
		Name:      "retries_total",
		Help:      "Requests retried after a transient error, by operation.",
	}, []string{"op"})
)
