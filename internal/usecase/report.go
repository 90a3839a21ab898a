package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"time"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/domain/inspection"
	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const keyFrameJPEGQuality = 90

// InspectionReport is the JSON document stored for every finished job.
type InspectionReport struct {
	JobID       uuid.UUID              `json:"job_id"`
	PropertyID  uuid.UUID              `json:"property_id"`
	RoomID      uuid.UUID              `json:"room_id"`
	Property    entity.PropertyDetails `json:"property"`
	GeneratedAt time.Time              `json:"generated_at"`
	Video       entity.VideoInfo       `json:"video"`
	Duration    float64                `json:"duration_seconds"`

	Summary        ReportSummary                `json:"summary"`
	DefectTimeline []entity.DefectTimelineEntry `json:"defect_timeline"`
	FrameAnalyses  []entity.FrameAnalysis       `json:"frame_analyses"`
	KeyFrames      []KeyFrameRef                `json:"key_frames"`
	Risk           *entity.RiskScore            `json:"property_risk,omitempty"`
}

type ReportSummary struct {
	Message               string                  `json:"message,omitempty"`
	FramesAnalyzed        int                     `json:"frames_analyzed"`
	PropertyFrames        int                     `json:"property_frames"`
	NonPropertyFrames     int                     `json:"non_property_frames"`
	DegradedFrames        int                     `json:"degraded_frames"`
	FramesWithDefects     int                     `json:"frames_with_defects"`
	TotalDefects          int                     `json:"total_defects"`
	UniqueDefectTypes     int                     `json:"unique_defect_types"`
	SeverityCounts        map[entity.Severity]int `json:"defect_summary"`
	AverageConditionScore float64                 `json:"average_score"`
}

// KeyFrameRef names an image in the key-frames archive.
type KeyFrameRef struct {
	File           string `json:"file"`
	FrameIndex     int    `json:"frame_number"`
	TimestampLabel string `json:"timestamp_formatted"`
	Defects        int    `json:"defects"`
	PerceptualHash string `json:"perceptual_hash"`
}

func reportKey(propertyID, jobID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/report.json", propertyID, jobID)
}

func keyFramesKey(propertyID, jobID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/key_frames.zip", propertyID, jobID)
}

func buildReport(run *inspectionRun, keyFrames []KeyFrameRef, risk *entity.RiskScore) InspectionReport {
	res := run.result
	if keyFrames == nil {
		keyFrames = []KeyFrameRef{}
	}
	return InspectionReport{
		JobID:       run.job.ID,
		PropertyID:  run.job.PropertyID,
		RoomID:      run.job.RoomID,
		Property:    run.msg.Property,
		GeneratedAt: time.Now().UTC(),
		Video:       res.Video,
		Duration:    res.Video.Duration(),
		Summary: ReportSummary{
			Message:               res.Message,
			FramesAnalyzed:        res.FramesAnalyzed,
			PropertyFrames:        res.PropertyFrames,
			NonPropertyFrames:     res.NonPropertyFrames,
			DegradedFrames:        res.DegradedFrames,
			FramesWithDefects:     res.FramesWithDefects,
			TotalDefects:          res.TotalDefects,
			UniqueDefectTypes:     res.UniqueDefectTypes,
			SeverityCounts:        res.SeverityCounts,
			AverageConditionScore: res.AverageConditionScore,
		},
		DefectTimeline: entity.SortTimeline(res.DefectTimeline),
		FrameAnalyses:  res.FrameAnalyses,
		KeyFrames:      keyFrames,
		Risk:           risk,
	}
}

// publishReport uploads the key-frame archive (when there is one) and the
// report document. It returns their object keys.
func (uc *AnalyzeVideoUseCase) publishReport(ctx context.Context, run *inspectionRun) (string, string, error) {
	var zipKey string
	refs, err := uc.uploadKeyFrames(ctx, run)
	if err != nil {
		return "", "", err
	}
	if len(refs) > 0 {
		zipKey = keyFramesKey(run.job.PropertyID, run.job.ID)
	}

	risk, err := uc.properties.PropertyRiskScore(ctx, run.job.PropertyID)
	if err != nil {
		run.log.Warn("risk score unavailable for report", zap.Error(err))
		risk = nil
	}

	doc, err := json.MarshalIndent(buildReport(run, refs, risk), "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode report: %w", err)
	}
	key := reportKey(run.job.PropertyID, run.job.ID)
	if err := uc.reports.UploadReport(ctx, key, bytes.NewReader(doc), int64(len(doc))); err != nil {
		return "", "", err
	}
	return key, zipKey, nil
}

func (uc *AnalyzeVideoUseCase) uploadKeyFrames(ctx context.Context, run *inspectionRun) ([]KeyFrameRef, error) {
	var frames []inspection.KeyFrame
	if run.keyFrames != nil {
		frames = run.keyFrames.KeyFrames()
	}
	if len(frames) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	refs := make([]KeyFrameRef, 0, len(frames))
	entries := make([]port.ArchiveEntry, 0, len(frames))
	for _, kf := range frames {
		name := fmt.Sprintf("frame_%06d.jpg", kf.Frame.Index)
		entries = append(entries, port.ArchiveEntry{
			Name:     name,
			Modified: now,
			Write: func(w io.Writer) error {
				if err := jpeg.Encode(w, kf.Frame.Image, &jpeg.Options{Quality: keyFrameJPEGQuality}); err != nil {
					return fmt.Errorf("encode key frame %d: %w", kf.Frame.Index, err)
				}
				return nil
			},
		})
		refs = append(refs, KeyFrameRef{
			File:           name,
			FrameIndex:     kf.Frame.Index,
			TimestampLabel: inspection.FormatTimestamp(kf.Frame.Timestamp),
			Defects:        len(kf.Detections),
			PerceptualHash: kf.Hash.ToString(),
		})
	}

	var buf bytes.Buffer
	if err := uc.archiver.Archive(ctx, &buf, entries); err != nil {
		return nil, fmt.Errorf("archive key frames: %w", err)
	}
	key := keyFramesKey(run.job.PropertyID, run.job.ID)
	if err := uc.reports.UploadKeyFrames(ctx, key, &buf, int64(buf.Len())); err != nil {
		return nil, err
	}
	return refs, nil
}
