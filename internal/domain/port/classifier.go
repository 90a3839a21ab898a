package port

import (
	"context"
	"image"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
)

type ImageClassifier interface {
	ClassifyImage(ctx context.Context, img image.Image) (*entity.FrameResult, error)
}

// RateLimiter blocks until the caller may issue one more request.
type RateLimiter interface {
	Wait(ctx context.Context) error
}
