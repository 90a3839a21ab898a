package inspection

import (
	"github.com/corona10/goimagehash"
	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"go.uber.org/zap"
)

const (
	DefaultKeyFramesMax      = 10
	DefaultKeyFramesDistance = 6
)

// KeyFrame is a retained property frame that carried at least one detection.
type KeyFrame struct {
	Frame      entity.SampledFrame
	Detections []entity.Detection
	Hash       *goimagehash.ImageHash
}

// KeyFrameCollector keeps up to limit frames with detections, dropping frames
// whose perceptual hash is within distance (inclusive) of one already kept.
// A distance of 0 drops only exact hash matches. It also
// records each frame's pHash on its analysis.
type KeyFrameCollector struct {
	limit    int
	distance int
	logger   *zap.Logger
	kept     []KeyFrame
}

func NewKeyFrameCollector(limit, distance int, logger *zap.Logger) *KeyFrameCollector {
	if limit <= 0 {
		limit = DefaultKeyFramesMax
	}
	if distance < 0 {
		distance = DefaultKeyFramesDistance
	}
	return &KeyFrameCollector{limit: limit, distance: distance, logger: logger}
}

func (c *KeyFrameCollector) ObserveFrame(frame entity.SampledFrame, analysis *entity.FrameAnalysis) {
	if frame.Image == nil {
		return
	}
	hash, err := goimagehash.PerceptionHash(frame.Image)
	if err != nil {
		c.logger.Debug("perceptual hash failed", zap.Int("frame_index", frame.Index), zap.Error(err))
		return
	}
	analysis.PerceptualHash = hash.ToString()

	if len(analysis.Detections) == 0 || len(c.kept) >= c.limit {
		return
	}
	for _, k := range c.kept {
		dist, err := hash.Distance(k.Hash)
		if err != nil {
			continue
		}
		if dist <= c.distance {
			c.logger.Debug("skipping near-duplicate key frame",
				zap.Int("frame_index", frame.Index),
				zap.Int("duplicate_of", k.Frame.Index),
				zap.Int("distance", dist),
			)
			return
		}
	}
	c.kept = append(c.kept, KeyFrame{Frame: frame, Detections: analysis.Detections, Hash: hash})
}

func (c *KeyFrameCollector) KeyFrames() []KeyFrame {
	return c.kept
}
