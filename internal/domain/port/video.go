package port

import (
	"context"
	"image"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
)

// VideoStream is an opened, sequentially read video. Grab advances one
// frame and returns io.EOF at the end of the stream; Retrieve decodes the
// most recently grabbed frame into a newly allocated image.
type VideoStream interface {
	Info() entity.VideoInfo
	Grab() error
	Retrieve() (image.Image, error)
	Close() error
}

type VideoDecoder interface {
	Open(ctx context.Context, videoPath string) (VideoStream, error)
	Probe(ctx context.Context, videoPath string) (entity.VideoInfo, error)
}
