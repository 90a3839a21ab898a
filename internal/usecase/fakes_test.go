package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/domain/inspection"
	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	"github.com/defactra/defactra-inspection-service/internal/infra/ffmpeg"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

type indexedImage struct {
	*image.Gray
	index int
}

type fakeStream struct {
	info entity.VideoInfo
	pos  int
}

func (s *fakeStream) Info() entity.VideoInfo { return s.info }

func (s *fakeStream) Grab() error {
	if s.pos >= s.info.TotalFrames {
		return io.EOF
	}
	s.pos++
	return nil
}

func (s *fakeStream) Retrieve() (image.Image, error) {
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x * y) % 255)})
		}
	}
	return indexedImage{Gray: img, index: s.pos - 1}, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeDecoder struct {
	info    entity.VideoInfo
	openErr error
}

func (d *fakeDecoder) Open(_ context.Context, _ string) (port.VideoStream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return &fakeStream{info: d.info}, nil
}

func (d *fakeDecoder) Probe(_ context.Context, _ string) (entity.VideoInfo, error) {
	if d.openErr != nil {
		return entity.VideoInfo{}, d.openErr
	}
	return d.info, nil
}

type classifierFunc func(index int) (*entity.FrameResult, error)

func (f classifierFunc) ClassifyImage(_ context.Context, img image.Image) (*entity.FrameResult, error) {
	index := -1
	if ii, ok := img.(indexedImage); ok {
		index = ii.index
	}
	return f(index)
}

func cleanFrames(int) (*entity.FrameResult, error) {
	return &entity.FrameResult{IsPropertyImage: true, OverallConditionScore: 90, UsabilityRating: entity.UsabilityGood}, nil
}

type fakeJobRepo struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]entity.Job
	history []entity.JobState
	findErr error
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]entity.Job{}}
}

func (r *fakeJobRepo) Create(_ context.Context, job *entity.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = *job
	r.history = append(r.history, job.State)
	return nil
}

func (r *fakeJobRepo) Update(ctx context.Context, job *entity.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return port.ErrNotFound
	}
	r.jobs[job.ID] = *job
	r.history = append(r.history, job.State)
	return nil
}

func (r *fakeJobRepo) FindByID(_ context.Context, id uuid.UUID) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	job, ok := r.jobs[id]
	if !ok {
		return nil, port.ErrNotFound
	}
	return &job, nil
}

func (r *fakeJobRepo) get(id uuid.UUID) entity.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

type fakePropertyStore struct {
	properties map[uuid.UUID]entity.Property
	rooms      map[uuid.UUID]entity.Room
	findings   []entity.Finding
	deletes    int
	txFailures int
	risk       *entity.RiskScore
}

func newFakePropertyStore() *fakePropertyStore {
	return &fakePropertyStore{
		properties: map[uuid.UUID]entity.Property{},
		rooms:      map[uuid.UUID]entity.Room{},
	}
}

func (s *fakePropertyStore) InsertProperty(_ context.Context, p entity.Property) error {
	if _, ok := s.properties[p.ID]; !ok {
		s.properties[p.ID] = p
	}
	return nil
}

func (s *fakePropertyStore) InsertRoom(_ context.Context, r entity.Room) error {
	if _, ok := s.rooms[r.ID]; !ok {
		s.rooms[r.ID] = r
	}
	return nil
}

func (s *fakePropertyStore) InsertFinding(_ context.Context, f entity.Finding) error {
	s.findings = append(s.findings, f)
	return nil
}

func (s *fakePropertyStore) DeleteFindingsForJob(_ context.Context, jobID uuid.UUID) error {
	s.deletes++
	kept := s.findings[:0]
	for _, f := range s.findings {
		if f.JobID != jobID {
			kept = append(kept, f)
		}
	}
	s.findings = kept
	return nil
}

func (s *fakePropertyStore) PropertyRiskScore(_ context.Context, propertyID uuid.UUID) (*entity.RiskScore, error) {
	if s.risk == nil {
		return nil, port.ErrNotFound
	}
	risk := *s.risk
	risk.PropertyID = propertyID
	return &risk, nil
}

// WithinTx rolls the findings back when fn fails or a failure is injected.
func (s *fakePropertyStore) WithinTx(_ context.Context, fn func(port.PropertyStore) error) error {
	snapshot := append([]entity.Finding(nil), s.findings...)
	err := fn(s)
	if err == nil && s.txFailures > 0 {
		s.txFailures--
		err = errors.New("serialization failure")
	}
	if err != nil {
		s.findings = snapshot
		return err
	}
	return nil
}

type fakeVideoStorage struct {
	downloadErr error
	onDownload  func()
	downloads   int
	uploaded    map[string][]byte
	contentType map[string]string
	uploadErr   error
}

func newFakeVideoStorage() *fakeVideoStorage {
	return &fakeVideoStorage{uploaded: map[string][]byte{}, contentType: map[string]string{}}
}

func (s *fakeVideoStorage) UploadVideo(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.uploaded[key] = data
	s.contentType[key] = contentType
	return nil
}

func (s *fakeVideoStorage) DownloadVideo(ctx context.Context, _ string, dest string) error {
	s.downloads++
	if s.onDownload != nil {
		s.onDownload()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.downloadErr != nil {
		return s.downloadErr
	}
	return os.WriteFile(dest, []byte("video"), 0o644)
}

type fakeReportStorage struct {
	objects map[string][]byte
}

func newFakeReportStorage() *fakeReportStorage {
	return &fakeReportStorage{objects: map[string][]byte{}}
}

func (s *fakeReportStorage) put(key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[key] = data
	return nil
}

func (s *fakeReportStorage) UploadReport(_ context.Context, key string, r io.Reader, _ int64) error {
	return s.put(key, r)
}

func (s *fakeReportStorage) UploadKeyFrames(_ context.Context, key string, r io.Reader, _ int64) error {
	return s.put(key, r)
}

func (s *fakeReportStorage) GetReport(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := s.objects[key]
	if !ok {
		return nil, port.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakePublisher struct {
	mu       sync.Mutex
	statuses []entity.InspectionStatusMessage
	requests [][]byte
	err      error
}

func (p *fakePublisher) PublishStatus(_ context.Context, msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var status entity.InspectionStatusMessage
	if err := json.Unmarshal(msg, &status); err != nil {
		return err
	}
	p.statuses = append(p.statuses, status)
	return nil
}

func (p *fakePublisher) PublishRequest(_ context.Context, msg []byte) error {
	if p.err != nil {
		return p.err
	}
	p.requests = append(p.requests, msg)
	return nil
}

func (p *fakePublisher) last() entity.InspectionStatusMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[len(p.statuses)-1]
}

type fakeDLQ struct {
	reasons []string
	bodies  [][]byte
}

func (d *fakeDLQ) PublishToDLQ(ctx context.Context, msg []byte, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.reasons = append(d.reasons, reason)
	d.bodies = append(d.bodies, msg)
	return nil
}

type fakeNotifier struct {
	notices []port.FailureNotice
}

func (n *fakeNotifier) NotifyFailure(_ context.Context, notice port.FailureNotice) error {
	n.notices = append(n.notices, notice)
	return nil
}

type analyzeFixture struct {
	uc         *AnalyzeVideoUseCase
	decoder    *fakeDecoder
	jobs       *fakeJobRepo
	properties *fakePropertyStore
	videos     *fakeVideoStorage
	reports    *fakeReportStorage
	publisher  *fakePublisher
	dlq        *fakeDLQ
	notifier   *fakeNotifier
}

func newAnalyzeFixture(t *testing.T, classifier classifierFunc) *analyzeFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &analyzeFixture{
		decoder:    &fakeDecoder{info: entity.VideoInfo{TotalFrames: 300, FPS: 30, Width: 32, Height: 32, Format: "MP4"}},
		jobs:       newFakeJobRepo(),
		properties: newFakePropertyStore(),
		videos:     newFakeVideoStorage(),
		reports:    newFakeReportStorage(),
		publisher:  &fakePublisher{},
		dlq:        &fakeDLQ{},
		notifier:   &fakeNotifier{},
	}

	sampler := inspection.NewFrameSampler(f.decoder, inspection.DefaultSamplerConfig(), logger)
	pipeline := inspection.NewVideoAnalysisPipeline(sampler, inspection.NewClassifierAdapter(classifier, nil, time.Second, logger), logger)

	f.uc = NewAnalyzeVideoUseCase(AnalyzeVideoDeps{
		Jobs:       f.jobs,
		Properties: f.properties,
		Videos:     f.videos,
		Reports:    f.reports,
		Decoder:    f.decoder,
		Pipeline:   pipeline,
		Archiver:   ffmpeg.NewArchiver(),
		Publisher:  f.publisher,
		DLQ:        f.dlq,
		Notifier:   f.notifier,
	}, logger, AnalyzeVideoConfig{
		TempDir:           t.TempDir(),
		MaxRetries:        3,
		KeyFramesMax:      5,
		KeyFramesDistance: 6,
	})
	return f
}

func requestMessage(t *testing.T) (entity.InspectionRequestMessage, []byte) {
	t.Helper()
	msg := entity.InspectionRequestMessage{
		JobID:      uuid.New(),
		PropertyID: uuid.New(),
		RoomID:     uuid.New(),
		VideoKey:   "prop/job.mp4",
		FileSize:   1024,
		UserEmail:  "owner@example.com",
		Property: entity.PropertyDetails{
			Address:  "12 Elm Street",
			City:     "Springfield",
			RoomName: "Kitchen",
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return msg, raw
}
