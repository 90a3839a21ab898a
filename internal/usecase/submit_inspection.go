package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	"github.com/defactra/defactra-inspection-service/internal/infra/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrInvalidSubmission is wrapped by every validation failure of a submission.
var ErrInvalidSubmission = errors.New("invalid inspection submission")

var allowedVideoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

// SubmitInspectionInput is one uploaded walkthrough video plus the property
// it belongs to. A zero PropertyID registers a new property.
type SubmitInspectionInput struct {
	PropertyID uuid.UUID
	UserEmail  string
	Property   entity.PropertyDetails
	Filename   string
	Size       int64
	Video      io.Reader
}

type SubmitInspectionOutput struct {
	JobID      uuid.UUID       `json:"job_id"`
	PropertyID uuid.UUID       `json:"property_id"`
	RoomID     uuid.UUID       `json:"room_id"`
	State      entity.JobState `json:"state"`
}

type SubmitInspectionUseCase struct {
	jobs       port.JobRepository
	videos     port.VideoStorage
	publisher  port.RequestPublisher
	maxRetries int
	logger     *zap.Logger
}

func NewSubmitInspectionUseCase(
	jobs port.JobRepository,
	videos port.VideoStorage,
	publisher port.RequestPublisher,
	maxRetries int,
	logger *zap.Logger,
) *SubmitInspectionUseCase {
	return &SubmitInspectionUseCase{
		jobs:       jobs,
		videos:     videos,
		publisher:  publisher,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

func (uc *SubmitInspectionUseCase) Execute(ctx context.Context, in SubmitInspectionInput) (*SubmitInspectionOutput, error) {
	contentType, err := validateSubmission(in)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	propertyID := in.PropertyID
	if propertyID == uuid.Nil {
		propertyID = uuid.New()
	}
	job := entity.NewJob(propertyID, strings.TrimSpace(in.UserEmail), uc.maxRetries)
	log := uc.logger.With(zap.String("job_id", job.ID.String()), zap.String("property_id", propertyID.String()))

	ext := strings.ToLower(filepath.Ext(in.Filename))
	videoKey := fmt.Sprintf("%s/%s%s", propertyID, job.ID, ext)
	if err := uc.videos.UploadVideo(ctx, videoKey, in.Video, in.Size, contentType); err != nil {
		log.Error("failed to store uploaded video", zap.Error(err))
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := job.MarkUploaded(videoKey); err != nil {
		return nil, err
	}
	if err := uc.jobs.Create(ctx, job); err != nil {
		log.Error("failed to create job record", zap.Error(err))
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create job: %w", err)
	}

	msg, err := json.Marshal(entity.InspectionRequestMessage{
		JobID:      job.ID,
		PropertyID: propertyID,
		RoomID:     job.RoomID,
		VideoKey:   videoKey,
		FileSize:   in.Size,
		UserEmail:  job.UserEmail,
		Property:   normalizeDetails(in.Property),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := uc.publisher.PublishRequest(ctx, msg); err != nil {
		log.Error("failed to publish inspection request", zap.Error(err))
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	log.Info("inspection submitted", zap.String("video_key", videoKey), zap.Int64("size", in.Size))

	return &SubmitInspectionOutput{
		JobID:      job.ID,
		PropertyID: propertyID,
		RoomID:     job.RoomID,
		State:      job.State,
	}, nil
}

func validateSubmission(in SubmitInspectionInput) (string, error) {
	if strings.TrimSpace(in.Property.Address) == "" {
		return "", fmt.Errorf("%w: property address is required", ErrInvalidSubmission)
	}
	if strings.TrimSpace(in.Property.RoomName) == "" {
		return "", fmt.Errorf("%w: room name is required", ErrInvalidSubmission)
	}
	if in.Video == nil || in.Size <= 0 {
		return "", fmt.Errorf("%w: video file is empty", ErrInvalidSubmission)
	}
	contentType, ok := allowedVideoExtensions[strings.ToLower(filepath.Ext(in.Filename))]
	if !ok {
		return "", fmt.Errorf("%w: unsupported video format %q", ErrInvalidSubmission, filepath.Ext(in.Filename))
	}
	return contentType, nil
}

func normalizeDetails(p entity.PropertyDetails) entity.PropertyDetails {
	p.Address = strings.TrimSpace(p.Address)
	p.City = strings.TrimSpace(p.City)
	p.PropertyType = strings.TrimSpace(p.PropertyType)
	p.RoomName = strings.TrimSpace(p.RoomName)
	return p
}
