package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	"go.uber.org/zap"
)

// Decoder reads videos through the ffprobe and ffmpeg binaries. Frames are
// piped as raw RGB24 so nothing is written to disk.
type Decoder struct {
	ffmpegPath  string
	ffprobePath string
	logger      *zap.Logger
}

func NewDecoder(ffmpegPath, ffprobePath string, logger *zap.Logger) *Decoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Decoder{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

func (d *Decoder) Probe(ctx context.Context, videoPath string) (entity.VideoInfo, error) {
	cmd := exec.CommandContext(ctx, d.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate,nb_frames,duration:format=format_name,duration",
		"-of", "json",
		videoPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return entity.VideoInfo{}, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbeOutput(output)
}

func parseProbeOutput(output []byte) (entity.VideoInfo, error) {
	var probe probeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return entity.VideoInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return entity.VideoInfo{}, errors.New("no video stream found")
	}
	s := probe.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return entity.VideoInfo{}, fmt.Errorf("invalid frame size %dx%d", s.Width, s.Height)
	}

	fps := parseFrameRate(s.AvgFrameRate)
	if fps <= 0 {
		fps = parseFrameRate(s.RFrameRate)
	}

	total, _ := strconv.Atoi(s.NbFrames)
	if total <= 0 && fps > 0 {
		duration := parseFloat(s.Duration)
		if duration <= 0 {
			duration = parseFloat(probe.Format.Duration)
		}
		total = int(math.Round(duration * fps))
	}

	format, _, _ := strings.Cut(probe.Format.FormatName, ",")
	return entity.VideoInfo{
		TotalFrames: total,
		FPS:         fps,
		Width:       s.Width,
		Height:      s.Height,
		Format:      strings.ToUpper(format),
	}, nil
}

// parseFrameRate accepts ffprobe rationals such as "30000/1001" and plain
// numbers. Unknown rates ("0/0") come back as 0.
func parseFrameRate(raw string) float64 {
	num, den, found := strings.Cut(raw, "/")
	if !found {
		return parseFloat(raw)
	}
	n, d := parseFloat(num), parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func (d *Decoder) Open(ctx context.Context, videoPath string) (port.VideoStream, error) {
	info, err := d.Probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, d.ffmpegPath,
		"-v", "error",
		"-nostdin",
		"-i", videoPath,
		"-map", "0:v:0",
		"-vsync", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := &limitedBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	d.logger.Debug("ffmpeg decoder started",
		zap.String("path", videoPath),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Int("total_frames", info.TotalFrames),
	)

	return newRawStream(info, stdout, cmd, stderr), nil
}

// rawStream splits an RGB24 byte stream into frames. Grab reads the next
// frame's bytes, Retrieve converts the last grabbed frame into an image.
type rawStream struct {
	info   entity.VideoInfo
	reader *bufio.Reader
	frame  []byte
	cmd    *exec.Cmd
	stderr *limitedBuffer
	closed bool
}

func newRawStream(info entity.VideoInfo, r io.Reader, cmd *exec.Cmd, stderr *limitedBuffer) *rawStream {
	return &rawStream{
		info:   info,
		reader: bufio.NewReaderSize(r, 1<<20),
		frame:  make([]byte, info.Width*info.Height*3),
		cmd:    cmd,
		stderr: stderr,
	}
}

func (s *rawStream) Info() entity.VideoInfo { return s.info }

func (s *rawStream) Grab() error {
	if s.closed {
		return io.EOF
	}
	_, err := io.ReadFull(s.reader, s.frame)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		if msg := s.stderrText(); msg != "" {
			return fmt.Errorf("ffmpeg: %s", msg)
		}
		return io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("truncated frame: %w", err)
	default:
		return fmt.Errorf("read frame: %w", err)
	}
}

func (s *rawStream) Retrieve() (image.Image, error) {
	w, h := s.info.Width, s.info.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i < len(s.frame); i, j = i+3, j+4 {
		img.Pix[j] = s.frame[i]
		img.Pix[j+1] = s.frame[i+1]
		img.Pix[j+2] = s.frame[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

// Close stops ffmpeg if it is still producing frames and reaps the process.
func (s *rawStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	if s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}

func (s *rawStream) stderrText() string {
	if s.stderr == nil {
		return ""
	}
	return strings.TrimSpace(s.stderr.String())
}

// limitedBuffer keeps the first limit bytes of ffmpeg's diagnostics. It is
// written by the exec copy goroutine while Grab may read it.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
