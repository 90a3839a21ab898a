package inspection

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"math/rand"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/domain/port"
)

// indexedImage lets fake classifiers know which frame they are looking at.
type indexedImage struct {
	*image.Gray
	index int
}

// patternImage draws blocky noise seeded by kind so that perceptual hashes
// match within a kind and differ between kinds.
func patternImage(kind int) *image.Gray {
	rng := rand.New(rand.NewSource(int64(kind) + 1))
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for by := 0; by < 64; by += 8 {
		for bx := 0; bx < 64; bx += 8 {
			v := uint8(rng.Intn(256))
			for y := by; y < by+8; y++ {
				for x := bx; x < bx+8; x++ {
					img.SetGray(x, y, color.Gray{Y: v})
				}
			}
		}
	}
	return img
}

type fakeStream struct {
	info      entity.VideoInfo
	readable  int
	grabErrAt int
	retErrAt  int
	pattern   func(index int) int

	pos       int
	retrieved []int
	closed    int
}

func newFakeStream(totalFrames int, fps float64) *fakeStream {
	return &fakeStream{
		info:      entity.VideoInfo{TotalFrames: totalFrames, FPS: fps, Width: 64, Height: 64, Format: "MP4"},
		readable:  totalFrames,
		grabErrAt: -1,
		retErrAt:  -1,
	}
}

func (s *fakeStream) Info() entity.VideoInfo { return s.info }

func (s *fakeStream) Grab() error {
	if s.pos == s.grabErrAt {
		return errors.New("corrupt packet")
	}
	if s.pos >= s.readable {
		return io.EOF
	}
	s.pos++
	return nil
}

func (s *fakeStream) Retrieve() (image.Image, error) {
	index := s.pos - 1
	if index == s.retErrAt {
		return nil, errors.New("decode failed")
	}
	s.retrieved = append(s.retrieved, index)
	kind := 0
	if s.pattern != nil {
		kind = s.pattern(index)
	}
	return indexedImage{Gray: patternImage(kind), index: index}, nil
}

func (s *fakeStream) Close() error {
	s.closed++
	return nil
}

type fakeDecoder struct {
	stream  *fakeStream
	openErr error
}

func (d *fakeDecoder) Open(_ context.Context, _ string) (port.VideoStream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.stream, nil
}

func (d *fakeDecoder) Probe(_ context.Context, _ string) (entity.VideoInfo, error) {
	if d.openErr != nil {
		return entity.VideoInfo{}, d.openErr
	}
	return d.stream.info, nil
}

type classifierFunc func(ctx context.Context, index int) (*entity.FrameResult, error)

func (f classifierFunc) ClassifyImage(ctx context.Context, img image.Image) (*entity.FrameResult, error) {
	index := -1
	if ii, ok := img.(indexedImage); ok {
		index = ii.index
	}
	return f(ctx, index)
}

func propertyResult(score int, detections ...entity.Detection) *entity.FrameResult {
	return &entity.FrameResult{
		IsPropertyImage:       true,
		OverallConditionScore: score,
		UsabilityRating:       entity.UsabilityGood,
		Detections:            detections,
	}
}

func detection(label string, severity entity.Severity, confidence float64) entity.Detection {
	return entity.Detection{
		DetectedObject:  label,
		Severity:        severity,
		ConfidenceScore: confidence,
		Location:        "north wall",
		Description:     label + " observed",
		RepairPriority:  "routine",
		EstimatedImpact: "cosmetic",
	}
}
