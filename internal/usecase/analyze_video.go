package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/domain/inspection"
	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	"github.com/defactra/defactra-inspection-service/internal/infra/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// bookkeepingTimeout bounds the job updates made after a delivery's context
// has been cancelled.
const bookkeepingTimeout = 5 * time.Second

type AnalyzeVideoUseCase struct {
	jobs       port.JobRepository
	properties port.PropertyStore
	videos     port.VideoStorage
	reports    port.ReportStorage
	decoder    port.VideoDecoder
	pipeline   *inspection.VideoAnalysisPipeline
	archiver   port.Archiver
	publisher  port.StatusPublisher
	dlq        port.DLQPublisher
	notifier   port.FailureNotifier
	logger     *zap.Logger
	cfg        AnalyzeVideoConfig
	tracer     trace.Tracer
}

type AnalyzeVideoConfig struct {
	TempDir           string
	MaxRetries        int
	KeyFramesMax      int
	KeyFramesDistance int
}

type AnalyzeVideoDeps struct {
	Jobs       port.JobRepository
	Properties port.PropertyStore
	Videos     port.VideoStorage
	Reports    port.ReportStorage
	Decoder    port.VideoDecoder
	Pipeline   *inspection.VideoAnalysisPipeline
	Archiver   port.Archiver
	Publisher  port.StatusPublisher
	DLQ        port.DLQPublisher
	Notifier   port.FailureNotifier
}

func NewAnalyzeVideoUseCase(deps AnalyzeVideoDeps, logger *zap.Logger, cfg AnalyzeVideoConfig) *AnalyzeVideoUseCase {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &AnalyzeVideoUseCase{
		jobs:       deps.Jobs,
		properties: deps.Properties,
		videos:     deps.Videos,
		reports:    deps.Reports,
		decoder:    deps.Decoder,
		pipeline:   deps.Pipeline,
		archiver:   deps.Archiver,
		publisher:  deps.Publisher,
		dlq:        deps.DLQ,
		notifier:   deps.Notifier,
		logger:     logger,
		cfg:        cfg,
		tracer:     otel.Tracer("usecase"),
	}
}

// inspectionRun carries one delivery through the worker steps.
type inspectionRun struct {
	msg     entity.InspectionRequestMessage
	raw     []byte
	job     *entity.Job
	workDir string
	log     *zap.Logger

	result    entity.VideoAnalysisResult
	keyFrames *inspection.KeyFrameCollector
}

// Execute handles one inspection.requested delivery. A nil error acks the
// message; a non-nil error asks the consumer to redeliver it later.
func (uc *AnalyzeVideoUseCase) Execute(ctx context.Context, rawMsg []byte) error {
	ctx, span := uc.tracer.Start(ctx, "AnalyzeVideoUseCase.Execute")
	defer span.End()

	start := time.Now()

	var msg entity.InspectionRequestMessage
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		uc.logger.Error("failed to unmarshal message", zap.Error(err), zap.ByteString("body", rawMsg))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "unmarshal_error: "+err.Error())
		metrics.InspectionsProcessedTotal.WithLabelValues("malformed").Inc()
		return nil
	}

	span.SetAttributes(
		attribute.String("job.id", msg.JobID.String()),
		attribute.String("job.property_id", msg.PropertyID.String()),
		attribute.String("job.video_key", msg.VideoKey),
	)

	run := &inspectionRun{
		msg: msg,
		raw: rawMsg,
		log: uc.logger.With(zap.String("job_id", msg.JobID.String()), zap.String("video_key", msg.VideoKey)),
	}

	job, err := uc.loadJob(ctx, run)
	if err != nil {
		return err
	}
	run.job = job

	if job.State.Terminal() {
		run.log.Info("job already has a report, skipping redelivery")
		return nil
	}
	if !job.CanRetry() {
		run.log.Warn("job exhausted retries, sending to DLQ", zap.Int("attempt", job.Attempt))
		return uc.handlePermanentFailure(ctx, run, "max retries exceeded")
	}

	if err := uc.startAttempt(job); err != nil {
		run.log.Error("job cannot be analyzed from its current state", zap.Error(err))
		return uc.handlePermanentFailure(ctx, run, err.Error())
	}
	if err := uc.jobs.Update(ctx, job); err != nil {
		run.log.Error("failed to update job to ANALYZING", zap.Error(err))
		return fmt.Errorf("update job: %w", err)
	}
	uc.publishStatus(ctx, run, 0)

	if err := uc.analyze(ctx, run); err != nil {
		return err
	}

	metrics.StageDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())
	return nil
}

// loadJob returns the stored job, or records a new one for a request that was
// published without going through the HTTP intake.
func (uc *AnalyzeVideoUseCase) loadJob(ctx context.Context, run *inspectionRun) (*entity.Job, error) {
	job, err := uc.jobs.FindByID(ctx, run.msg.JobID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, port.ErrNotFound) {
		run.log.Error("failed to load job", zap.Error(err))
		return nil, fmt.Errorf("load job: %w", err)
	}

	job = entity.NewJob(run.msg.PropertyID, run.msg.UserEmail, uc.cfg.MaxRetries)
	job.ID = run.msg.JobID
	if run.msg.RoomID != uuid.Nil {
		job.RoomID = run.msg.RoomID
	}
	if err := job.MarkUploaded(run.msg.VideoKey); err != nil {
		return nil, err
	}
	if err := uc.jobs.Create(ctx, job); err != nil {
		run.log.Error("failed to create job record", zap.Error(err))
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// startAttempt moves the job to ANALYZING. A job left COMPLETE by an
// interrupted report upload is failed first so the attempt is counted.
func (uc *AnalyzeVideoUseCase) startAttempt(job *entity.Job) error {
	if job.State == entity.JobStateComplete {
		job.MarkFailed("report generation interrupted")
	}
	return job.MarkAnalyzing()
}

func (uc *AnalyzeVideoUseCase) analyze(ctx context.Context, run *inspectionRun) error {
	run.workDir = filepath.Join(uc.cfg.TempDir, run.job.ID.String())
	if err := os.MkdirAll(run.workDir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(run.workDir)

	videoPath := filepath.Join(run.workDir, "input"+filepath.Ext(run.msg.VideoKey))
	if err := uc.stage(ctx, "download", func(ctx context.Context) error {
		return uc.videos.DownloadVideo(ctx, run.msg.VideoKey, videoPath)
	}); err != nil {
		run.log.Error("failed to download video", zap.Error(err))
		return uc.handleRetryableFailure(ctx, run, "download_video: "+err.Error())
	}

	if info, err := uc.decoder.Probe(ctx, videoPath); err != nil {
		run.log.Warn("video probe failed", zap.Error(err))
	} else {
		run.log.Info("video probed",
			zap.Int("total_frames", info.TotalFrames),
			zap.Float64("fps", info.FPS),
			zap.Float64("duration_secs", info.Duration()),
			zap.String("format", info.Format),
		)
	}

	_ = uc.stage(ctx, "analyze", func(ctx context.Context) error {
		run.keyFrames = inspection.NewKeyFrameCollector(uc.cfg.KeyFramesMax, uc.cfg.KeyFramesDistance, run.log)
		progress := &progressReporter{publish: func(f float64) {
			run.log.Info("analysis progress", zap.Float64("progress", f))
			uc.publishStatus(ctx, run, f)
		}}
		run.result = uc.pipeline.Run(ctx, videoPath, progress.report, run.keyFrames)
		return nil
	})

	if !run.result.Success {
		if ctx.Err() != nil {
			return uc.handleInterrupted(ctx, run, "analysis cancelled: "+ctx.Err().Error())
		}
		return uc.handlePermanentFailure(ctx, run, run.result.Error)
	}

	if err := uc.stage(ctx, "persist", func(ctx context.Context) error {
		return uc.persistFindings(ctx, run)
	}); err != nil {
		run.log.Error("failed to persist findings", zap.Error(err))
		return uc.handleRetryableFailure(ctx, run, "persist_findings: "+err.Error())
	}

	if err := run.job.MarkComplete(run.result); err != nil {
		return uc.handlePermanentFailure(ctx, run, err.Error())
	}
	if err := uc.jobs.Update(ctx, run.job); err != nil {
		run.log.Error("failed to update job to COMPLETE", zap.Error(err))
		return fmt.Errorf("update job complete: %w", err)
	}
	uc.publishStatus(ctx, run, 1)

	var reportKey, keyFramesKey string
	if err := uc.stage(ctx, "report", func(ctx context.Context) error {
		var err error
		reportKey, keyFramesKey, err = uc.publishReport(ctx, run)
		return err
	}); err != nil {
		run.log.Error("failed to publish report", zap.Error(err))
		return uc.handleRetryableFailure(ctx, run, "publish_report: "+err.Error())
	}

	if err := run.job.MarkReportReady(reportKey, keyFramesKey); err != nil {
		return uc.handlePermanentFailure(ctx, run, err.Error())
	}
	if err := uc.jobs.Update(ctx, run.job); err != nil {
		run.log.Error("failed to update job to REPORT_READY", zap.Error(err))
		return fmt.Errorf("update job report ready: %w", err)
	}
	uc.publishStatus(ctx, run, 1)
	metrics.InspectionsProcessedTotal.WithLabelValues("report_ready").Inc()

	run.log.Info("inspection completed",
		zap.Int("frames_analyzed", run.result.FramesAnalyzed),
		zap.Int("total_defects", run.result.TotalDefects),
		zap.Float64("average_score", run.result.AverageConditionScore),
		zap.String("report_key", reportKey),
		zap.String("key_frames_key", keyFramesKey),
	)
	return nil
}

// stage runs fn inside a span and records its duration.
func (uc *AnalyzeVideoUseCase) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := uc.tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return nil
}

// persistFindings replaces the job's findings in a single transaction, so a
// redelivered job never leaves duplicates behind.
func (uc *AnalyzeVideoUseCase) persistFindings(ctx context.Context, run *inspectionRun) error {
	now := time.Now().UTC()
	return uc.properties.WithinTx(ctx, func(store port.PropertyStore) error {
		if err := store.InsertProperty(ctx, entity.Property{
			ID:              run.job.PropertyID,
			PropertyDetails: run.msg.Property,
			CreatedAt:       now,
		}); err != nil {
			return err
		}
		if err := store.InsertRoom(ctx, entity.Room{
			ID:         run.job.RoomID,
			PropertyID: run.job.PropertyID,
			Name:       roomName(run.msg.Property),
		}); err != nil {
			return err
		}
		if err := store.DeleteFindingsForJob(ctx, run.job.ID); err != nil {
			return err
		}
		for _, d := range run.result.Detections {
			if err := store.InsertFinding(ctx, entity.Finding{
				ID:          uuid.New(),
				DetectionID: uuid.New(),
				JobID:       run.job.ID,
				RoomID:      run.job.RoomID,
				Detection:   d,
				FindingText: findingText(d),
				AIGenerated: true,
				InspectedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func roomName(p entity.PropertyDetails) string {
	if p.RoomName == "" {
		return "Unspecified"
	}
	return p.RoomName
}

func findingText(d entity.FrameDetection) string {
	text := fmt.Sprintf("%s (%s) at %s", d.DetectedObject, d.Severity, d.TimestampLabel)
	if d.Location != "" {
		text += ", " + d.Location
	}
	if d.Description != "" {
		text += ": " + d.Description
	}
	return text
}

// handleRetryableFailure counts the attempt and asks the consumer to retry.
// A failure caused by the delivery's context being cancelled is an
// interruption instead and never consumes an attempt.
func (uc *AnalyzeVideoUseCase) handleRetryableFailure(ctx context.Context, run *inspectionRun, errMsg string) error {
	if ctx.Err() != nil {
		return uc.handleInterrupted(ctx, run, errMsg)
	}

	run.job.MarkFailed(errMsg)
	if err := uc.jobs.Update(ctx, run.job); err != nil {
		run.log.Error("failed to record job failure", zap.Error(err))
	}

	if !run.job.CanRetry() {
		return uc.handlePermanentFailure(ctx, run, errMsg)
	}

	metrics.RetryTotal.WithLabelValues(strconv.Itoa(run.job.Attempt)).Inc()
	uc.publishStatus(ctx, run, 0)

	return fmt.Errorf("retryable failure (attempt %d/%d): %s", run.job.Attempt, run.job.MaxAttempts, errMsg)
}

// handleInterrupted records a job stopped by shutdown. The attempt is given
// back and the returned error makes the consumer requeue the delivery.
func (uc *AnalyzeVideoUseCase) handleInterrupted(ctx context.Context, run *inspectionRun, errMsg string) error {
	cause := ctx.Err()
	ctx, cancel := detached(ctx)
	defer cancel()

	run.job.MarkInterrupted(errMsg)
	if err := uc.jobs.Update(ctx, run.job); err != nil {
		run.log.Error("failed to record interrupted job", zap.Error(err))
	}
	uc.publishStatus(ctx, run, 0)
	metrics.InspectionsProcessedTotal.WithLabelValues("interrupted").Inc()

	run.log.Warn("inspection interrupted, leaving it for redelivery", zap.String("reason", errMsg))
	return fmt.Errorf("inspection interrupted: %w", cause)
}

// handlePermanentFailure fails the job for good and acks the delivery.
func (uc *AnalyzeVideoUseCase) handlePermanentFailure(ctx context.Context, run *inspectionRun, errMsg string) error {
	ctx, cancel := detached(ctx)
	defer cancel()

	run.job.MarkFailed(errMsg)
	if err := uc.jobs.Update(ctx, run.job); err != nil {
		run.log.Error("failed to record job failure", zap.Error(err))
	}

	if err := uc.dlq.PublishToDLQ(ctx, run.raw, errMsg); err != nil {
		run.log.Error("failed to publish to DLQ", zap.Error(err))
	}
	uc.publishStatus(ctx, run, 0)
	metrics.InspectionsProcessedTotal.WithLabelValues("failed").Inc()

	_ = uc.notifier.NotifyFailure(ctx, port.FailureNotice{
		Email:    run.job.UserEmail,
		JobID:    run.job.ID.String(),
		Address:  run.msg.Property.Address,
		VideoKey: run.msg.VideoKey,
		Reason:   errMsg,
	})

	run.log.Warn("inspection failed permanently", zap.String("reason", errMsg))
	return nil
}

func (uc *AnalyzeVideoUseCase) publishStatus(ctx context.Context, run *inspectionRun, progress float64) {
	status := entity.NewStatusMessage(run.job)
	status.Progress = progress
	data, _ := json.Marshal(status)
	if err := uc.publisher.PublishStatus(ctx, data); err != nil {
		run.log.Error("failed to publish status", zap.Error(err))
	}
}

// detached outlives the delivery's context so failures can still be recorded
// during shutdown.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

// progressReporter forwards progress once per completed tenth.
type progressReporter struct {
	lastDecile int
	publish    func(fraction float64)
}

func (p *progressReporter) report(fraction float64) {
	decile := int(fraction * 10)
	if decile <= p.lastDecile {
		return
	}
	p.lastDecile = decile
	p.publish(fraction)
}
