package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InspectionsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "defactra_inspections_processed_total",
		Help: "Total number of inspection jobs processed, by status",
	}, []string{"status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "defactra_inspection_stage_duration_seconds",
		Help:    "Duration of each inspection stage",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
	}, []string{"stage"})

	FramesSampledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "defactra_frames_sampled_total",
		Help: "Total number of frames sampled across all videos",
	})

	FramesClassifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "defactra_frames_classified_total",
		Help: "Classified frames, by outcome (property, non_property, degraded)",
	}, []string{"outcome"})

	ClassifierLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "defactra_classifier_latency_seconds",
		Help:    "Latency of a single frame classification call",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
	})

	SeverityCoercionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "defactra_severity_coercions_total",
		Help: "Detections whose severity was outside the allowed set",
	})

	DefectsDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "defactra_defects_detected_total",
		Help: "Defects detected, by severity",
	}, []string{"severity"})

	RateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "defactra_classifier_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a classifier rate limit slot",
		Buckets: []float64{0, 0.1, 0.5, 1, 5, 15, 30, 60},
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "defactra_active_workers",
		Help: "Number of currently active workers analyzing videos",
	})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "defactra_retry_total",
		Help: "Total number of retries",
	}, []string{"attempt"})

	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "defactra_uploads_total",
		Help: "Inspection video uploads received, by result",
	}, []string{"result"})
)
