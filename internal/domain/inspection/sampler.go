package inspection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	"go.uber.org/zap"
)

const (
	DefaultFrameInterval = 30
	DefaultMaxFrames     = 100
	DefaultMinFrames     = 10
)

// ErrNoFrames is wrapped by VideoOpenError when a source opens but yields
// no readable frame.
var ErrNoFrames = errors.New("no readable frames in video")

// VideoOpenError reports a video that could not be opened or decoded at all.
type VideoOpenError struct {
	Path string
	Err  error
}

func (e *VideoOpenError) Error() string {
	return fmt.Sprintf("open video %s: %v", e.Path, e.Err)
}

func (e *VideoOpenError) Unwrap() error {
	return e.Err
}

// ProgressFunc receives a completion fraction in [0, 1].
type ProgressFunc func(fraction float64)

type SamplerConfig struct {
	FrameInterval int `yaml:"frame_interval"`
	MaxFrames     int `yaml:"max_frames"`
	MinFrames     int `yaml:"min_frames"`
}

func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		FrameInterval: DefaultFrameInterval,
		MaxFrames:     DefaultMaxFrames,
		MinFrames:     DefaultMinFrames,
	}
}

func (c SamplerConfig) withDefaults() SamplerConfig {
	if c.FrameInterval <= 0 {
		c.FrameInterval = DefaultFrameInterval
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = DefaultMaxFrames
	}
	if c.MinFrames <= 0 {
		c.MinFrames = DefaultMinFrames
	}
	return c
}

// EffectiveInterval shrinks the stride for short videos so that they still
// yield MinFrames samples when they have that many frames.
func (c SamplerConfig) EffectiveInterval(totalFrames int) int {
	c = c.withDefaults()
	if totalFrames < c.MinFrames*c.FrameInterval {
		return max(1, totalFrames/c.MinFrames)
	}
	return c.FrameInterval
}

// ExpectedSamples is the progress denominator: min(T/interval, MaxFrames).
func (c SamplerConfig) ExpectedSamples(totalFrames int) int {
	c = c.withDefaults()
	return min(totalFrames/c.EffectiveInterval(totalFrames), c.MaxFrames)
}

type FrameSampler struct {
	decoder port.VideoDecoder
	cfg     SamplerConfig
	logger  *zap.Logger
}

func NewFrameSampler(decoder port.VideoDecoder, cfg SamplerConfig, logger *zap.Logger) *FrameSampler {
	return &FrameSampler{decoder: decoder, cfg: cfg.withDefaults(), logger: logger}
}

func (s *FrameSampler) Config() SamplerConfig {
	return s.cfg
}

// Open starts a sampling pass over videoPath. The returned sequence owns the
// decoder handle until it is exhausted or closed.
func (s *FrameSampler) Open(ctx context.Context, videoPath string, progress ProgressFunc) (*FrameSequence, error) {
	stream, err := s.decoder.Open(ctx, videoPath)
	if err != nil {
		return nil, &VideoOpenError{Path: videoPath, Err: err}
	}

	info := stream.Info()
	interval := s.cfg.EffectiveInterval(info.TotalFrames)
	expected := s.cfg.ExpectedSamples(info.TotalFrames)
	if expected <= 0 {
		expected = s.cfg.MaxFrames
	}

	s.logger.Debug("video opened for sampling",
		zap.String("path", videoPath),
		zap.Int("total_frames", info.TotalFrames),
		zap.Float64("fps", info.FPS),
		zap.Int("interval", interval),
		zap.Int("expected_samples", expected),
	)

	return &FrameSequence{
		stream:    stream,
		path:      videoPath,
		info:      info,
		interval:  interval,
		maxFrames: s.cfg.MaxFrames,
		expected:  expected,
		progress:  progress,
		logger:    s.logger,
	}, nil
}

// FrameSequence is a single forward pass over the sampled frames of a video.
// It is not safe for concurrent use and cannot be restarted.
type FrameSequence struct {
	stream    port.VideoStream
	path      string
	info      entity.VideoInfo
	interval  int
	maxFrames int
	expected  int
	progress  ProgressFunc
	logger    *zap.Logger

	position int
	emitted  int
	closed   bool
	closeErr error
}

func (q *FrameSequence) Info() entity.VideoInfo { return q.info }
func (q *FrameSequence) Interval() int          { return q.interval }
func (q *FrameSequence) Expected() int          { return q.expected }
func (q *FrameSequence) Emitted() int           { return q.emitted }

// Next returns the next sampled frame. ok is false once the stream is
// exhausted or MaxFrames frames have been emitted. The only errors are a
// *VideoOpenError when not even the first frame can be read, and the
// context's error on cancellation.
func (q *FrameSequence) Next(ctx context.Context) (frame entity.SampledFrame, ok bool, err error) {
	if q.closed || q.emitted >= q.maxFrames {
		q.Close()
		return entity.SampledFrame{}, false, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			q.Close()
			return entity.SampledFrame{}, false, err
		}

		index := q.position
		if err := q.stream.Grab(); err != nil {
			return entity.SampledFrame{}, false, q.stop(index, err)
		}
		q.position++

		if index%q.interval != 0 {
			continue
		}

		img, err := q.stream.Retrieve()
		if err != nil {
			return entity.SampledFrame{}, false, q.stop(index, err)
		}

		q.emitted++
		frame = entity.SampledFrame{
			Image:     img,
			Timestamp: frameTimestamp(index, q.info.FPS),
			Index:     index,
		}
		if q.progress != nil {
			q.progress(math.Min(float64(q.emitted)/float64(q.expected), 1.0))
		}
		if q.emitted >= q.maxFrames {
			q.Close()
		}
		return frame, true, nil
	}
}

// stop closes the sequence after a read failure at index. A failure on the
// very first frame is fatal; later failures end the stream the same way EOF
// does.
func (q *FrameSequence) stop(index int, err error) error {
	q.Close()
	if index == 0 {
		if errors.Is(err, io.EOF) {
			err = ErrNoFrames
		}
		return &VideoOpenError{Path: q.path, Err: err}
	}
	if !errors.Is(err, io.EOF) {
		q.logger.Warn("frame read failed, ending stream early",
			zap.String("path", q.path),
			zap.Int("frame_index", index),
			zap.Error(err),
		)
	}
	return nil
}

// All adapts the sequence to a range-over-func loop. Breaking out of the
// loop releases the decoder.
func (q *FrameSequence) All(ctx context.Context) iter.Seq2[entity.SampledFrame, error] {
	return func(yield func(entity.SampledFrame, error) bool) {
		defer q.Close()
		for {
			frame, ok, err := q.Next(ctx)
			if err != nil {
				yield(entity.SampledFrame{}, err)
				return
			}
			if !ok || !yield(frame, nil) {
				return
			}
		}
	}
}

// Close releases the decoder. It is idempotent.
func (q *FrameSequence) Close() error {
	if q.closed {
		return q.closeErr
	}
	q.closed = true
	q.closeErr = q.stream.Close()
	return q.closeErr
}

func frameTimestamp(index int, fps float64) float64 {
	if fps <= 0 {
		return 0
	}
	return float64(index) / fps
}
