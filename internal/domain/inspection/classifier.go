package inspection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	"github.com/defactra/defactra-inspection-service/internal/infra/metrics"
	"go.uber.org/zap"
)

const (
	DefaultClassifierTimeout = 20 * time.Second

	degradedConditionScore = 70
	degradedConfidence     = 50.0
	degradedDefectLabel    = "Analysis Unavailable - Manual Inspection Required"
)

var errNilResult = errors.New("classifier returned no result")

// ClassifierAdapter turns every classifier call into a FrameResult. Failures,
// timeouts and panics become degraded results so one bad frame never stops
// the analysis of a video.
//
// A limiter, when set, is waited on with the caller's context before the
// timeout starts, so time spent queueing for quota never degrades a frame.
type ClassifierAdapter struct {
	classifier port.ImageClassifier
	limiter    port.RateLimiter
	timeout    time.Duration
	logger     *zap.Logger
}

func NewClassifierAdapter(classifier port.ImageClassifier, limiter port.RateLimiter, timeout time.Duration, logger *zap.Logger) *ClassifierAdapter {
	if timeout <= 0 {
		timeout = DefaultClassifierTimeout
	}
	return &ClassifierAdapter{classifier: classifier, limiter: limiter, timeout: timeout, logger: logger}
}

type classifyOutcome struct {
	result *entity.FrameResult
	err    error
}

func (a *ClassifierAdapter) Classify(ctx context.Context, frame entity.SampledFrame) entity.FrameResult {
	log := a.logger.With(zap.Int("frame_index", frame.Index), zap.Float64("timestamp", frame.Timestamp))

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			log.Warn("rate limiter refused classifier call, substituting degraded result", zap.Error(err))
			metrics.FramesClassifiedTotal.WithLabelValues("degraded").Inc()
			return DegradedFrameResult(frame, fmt.Errorf("rate limiter: %w", err))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	// Buffered so the goroutine can finish after we stop waiting on it.
	outcomeCh := make(chan classifyOutcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcomeCh <- classifyOutcome{err: fmt.Errorf("classifier panic: %v", r)}
			}
		}()
		result, err := a.classifier.ClassifyImage(callCtx, frame.Image)
		outcomeCh <- classifyOutcome{result: result, err: err}
	}()

	var outcome classifyOutcome
	select {
	case outcome = <-outcomeCh:
	case <-callCtx.Done():
		outcome = classifyOutcome{err: fmt.Errorf("classifier call abandoned: %w", callCtx.Err())}
	}
	metrics.ClassifierLatency.Observe(time.Since(start).Seconds())

	if outcome.err == nil && outcome.result == nil {
		outcome.err = errNilResult
	}
	if outcome.err != nil {
		log.Warn("frame classification failed, substituting degraded result", zap.Error(outcome.err))
		metrics.FramesClassifiedTotal.WithLabelValues("degraded").Inc()
		return DegradedFrameResult(frame, outcome.err)
	}

	result := *outcome.result
	result.Detections = a.normalizeDetections(result.Detections, log)
	if result.IsPropertyImage {
		metrics.FramesClassifiedTotal.WithLabelValues("property").Inc()
	} else {
		metrics.FramesClassifiedTotal.WithLabelValues("non_property").Inc()
	}
	return result
}

func (a *ClassifierAdapter) normalizeDetections(detections []entity.Detection, log *zap.Logger) []entity.Detection {
	if len(detections) == 0 {
		return nil
	}
	out := make([]entity.Detection, len(detections))
	for i, d := range detections {
		if severity, ok := entity.ParseSeverity(string(d.Severity)); ok {
			d.Severity = severity
		} else {
			log.Warn("detection severity coerced to medium",
				zap.String("detected_object", d.DetectedObject),
				zap.String("severity", string(d.Severity)),
			)
			metrics.SeverityCoercionsTotal.Inc()
			d.Severity = entity.SeverityMedium
		}
		out[i] = d
	}
	return out
}

// DegradedFrameResult is the placeholder used when a frame could not be
// classified. Its single detection names the frame so reviewers can find it.
func DegradedFrameResult(frame entity.SampledFrame, cause error) entity.FrameResult {
	return entity.FrameResult{
		IsPropertyImage:       true,
		OverallConditionScore: degradedConditionScore,
		UsabilityRating:       entity.UsabilityFair,
		OverallAssessment:     "Automated analysis was unavailable for this frame.",
		Degraded:              true,
		Detections: []entity.Detection{{
			DetectedObject:  degradedDefectLabel,
			Severity:        entity.SeverityMedium,
			ConfidenceScore: degradedConfidence,
			Location:        "Unable to analyze",
			Description: fmt.Sprintf(
				"Automated analysis was unavailable for frame %d at %s (%v). Manual inspection of this part of the video is recommended.",
				frame.Index, FormatTimestamp(frame.Timestamp), cause,
			),
			RepairPriority:  "urgent",
			EstimatedImpact: "Unknown - requires professional assessment",
		}},
	}
}
