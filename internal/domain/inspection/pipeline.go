package inspection

import (
	"context"
	"errors"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/infra/metrics"
	"go.uber.org/zap"
)

const (
	noScoreDefault   = 100.0
	noDefectsMessage = "No defects detected in video"
)

// FrameObserver sees every property frame while its pixels are still
// available. It may annotate the analysis record before it is stored.
type FrameObserver interface {
	ObserveFrame(frame entity.SampledFrame, analysis *entity.FrameAnalysis)
}

// VideoAnalysisPipeline samples a video, classifies every sampled frame in
// order and folds the results into a VideoAnalysisResult.
type VideoAnalysisPipeline struct {
	sampler    *FrameSampler
	classifier *ClassifierAdapter
	logger     *zap.Logger
}

func NewVideoAnalysisPipeline(sampler *FrameSampler, classifier *ClassifierAdapter, logger *zap.Logger) *VideoAnalysisPipeline {
	return &VideoAnalysisPipeline{sampler: sampler, classifier: classifier, logger: logger}
}

// Run never returns an error: an unreadable video or a cancelled context
// yields a result with Success=false, per-frame problems degrade in place.
func (p *VideoAnalysisPipeline) Run(ctx context.Context, videoPath string, progress ProgressFunc, observers ...FrameObserver) entity.VideoAnalysisResult {
	log := p.logger.With(zap.String("video_path", videoPath))

	var fraction float64
	seq, err := p.sampler.Open(ctx, videoPath, func(f float64) { fraction = f })
	if err != nil {
		log.Error("video could not be opened", zap.Error(err))
		return failedResult(entity.VideoInfo{}, err)
	}
	defer seq.Close()

	acc := newAccumulator()
	for frame, err := range seq.All(ctx) {
		if err != nil {
			var openErr *VideoOpenError
			if errors.As(err, &openErr) {
				log.Error("video has no readable frames", zap.Error(err))
			} else {
				log.Warn("video analysis interrupted", zap.Error(err), zap.Int("frames_done", acc.sampled))
			}
			return failedResult(seq.Info(), err)
		}
		metrics.FramesSampledTotal.Inc()

		result := p.classifier.Classify(ctx, frame)
		acc.add(frame, result, observers)

		if progress != nil {
			progress(fraction)
		}
	}

	res := acc.build(seq.Info())
	log.Info("video analysis finished",
		zap.Int("frames_analyzed", res.FramesAnalyzed),
		zap.Int("non_property_frames", res.NonPropertyFrames),
		zap.Int("degraded_frames", res.DegradedFrames),
		zap.Int("total_defects", res.TotalDefects),
		zap.Int("unique_defect_types", res.UniqueDefectTypes),
		zap.Float64("average_score", res.AverageConditionScore),
	)
	return res
}

func failedResult(info entity.VideoInfo, err error) entity.VideoAnalysisResult {
	return entity.VideoAnalysisResult{
		Success:        false,
		Error:          err.Error(),
		Video:          info,
		SeverityCounts: entity.NewSeverityCounts(),
		DefectTimeline: map[string]*entity.DefectTimelineEntry{},
	}
}

type accumulator struct {
	sampled     int
	nonProperty int
	degraded    int
	analyses    []entity.FrameAnalysis
	detections  []entity.FrameDetection
}

func newAccumulator() *accumulator {
	return &accumulator{
		analyses:   []entity.FrameAnalysis{},
		detections: []entity.FrameDetection{},
	}
}

func (a *accumulator) add(frame entity.SampledFrame, result entity.FrameResult, observers []FrameObserver) {
	a.sampled++
	if !result.IsPropertyImage {
		a.nonProperty++
		return
	}
	if result.Degraded {
		a.degraded++
	}

	label := FormatTimestamp(frame.Timestamp)
	analysis := entity.FrameAnalysis{
		FrameIndex:     frame.Index,
		Timestamp:      frame.Timestamp,
		TimestampLabel: label,
		Detections:     result.Detections,
		OverallScore:   result.OverallConditionScore,
		Usability:      entity.ParseUsability(string(result.UsabilityRating)),
		Degraded:       result.Degraded,
	}
	for _, o := range observers {
		o.ObserveFrame(frame, &analysis)
	}
	a.analyses = append(a.analyses, analysis)

	for _, d := range result.Detections {
		a.detections = append(a.detections, entity.FrameDetection{
			Detection:      d,
			FrameIndex:     frame.Index,
			Timestamp:      frame.Timestamp,
			TimestampLabel: label,
		})
	}
}

func (a *accumulator) build(info entity.VideoInfo) entity.VideoAnalysisResult {
	res := entity.VideoAnalysisResult{
		Success:           true,
		Video:             info,
		FramesAnalyzed:    a.sampled,
		NonPropertyFrames: a.nonProperty,
		PropertyFrames:    len(a.analyses),
		DegradedFrames:    a.degraded,
		SeverityCounts:    entity.NewSeverityCounts(),
		FrameAnalyses:     a.analyses,
		Detections:        a.detections,
		DefectTimeline:    map[string]*entity.DefectTimelineEntry{},
	}

	if len(a.detections) == 0 {
		res.AverageConditionScore = noScoreDefault
		res.Message = noDefectsMessage
		return res
	}

	for _, d := range a.detections {
		res.SeverityCounts[d.Severity]++
		metrics.DefectsDetectedTotal.WithLabelValues(string(d.Severity)).Inc()
	}
	for _, f := range a.analyses {
		if len(f.Detections) > 0 {
			res.FramesWithDefects++
		}
	}
	res.TotalDefects = len(a.detections)
	res.AverageConditionScore = averageConditionScore(a.analyses)
	res.DefectTimeline = BuildDefectTimeline(a.detections)
	res.UniqueDefectTypes = len(res.DefectTimeline)
	return res
}

// averageConditionScore is the mean over frames that reported a positive
// score. With nothing scored it assumes the property is fine.
func averageConditionScore(analyses []entity.FrameAnalysis) float64 {
	var sum, n int
	for _, f := range analyses {
		if f.OverallScore > 0 {
			sum += f.OverallScore
			n++
		}
	}
	if n == 0 {
		return noScoreDefault
	}
	return float64(sum) / float64(n)
}
