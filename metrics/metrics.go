// Package metrics registers the process-wide Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SegmentsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rfdiscovery_segments_completed_total",
		Help: "Segments scanned to completion.",
	})
	SegmentsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rfdiscovery_segments_failed_total",
		Help: "Segments that failed during a scan.",
	})
	Detections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rfdiscovery_detections_total",
		Help: "Raw detections returned by the detector.",
	})
	SignalsDiscovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rfdiscovery_signals_discovered_total",
		Help: "New deduplicated signals created.",
	})
	SignalsPromoted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rfdiscovery_signals_promoted_total",
		Help: "Signals promoted to assets.",
	})
	TransformRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rfdiscovery_transform_runs_total",
		Help: "Layer transform invocations by layer and outcome.",
	}, []string{"layer", "status"})
	TransformDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rfdiscovery_transform_duration_seconds",
		Help:    "Layer transform duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"layer"})
	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rfdiscovery_scan_duration_seconds",
		Help:    "Detector scan duration per segment.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(
		SegmentsCompleted,
		SegmentsFailed,
		Detections,
		SignalsDiscovered,
		SignalsPromoted,
		TransformRuns,
		TransformDuration,
		ScanDuration,
	)
}
