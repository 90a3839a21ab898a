package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	"github.com/defactra/defactra-inspection-service/internal/usecase"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to a temp file.
const multipartMemory = 32 << 20

type jobView struct {
	JobID          uuid.UUID       `json:"job_id"`
	PropertyID     uuid.UUID       `json:"property_id"`
	RoomID         uuid.UUID       `json:"room_id"`
	State          entity.JobState `json:"state"`
	VideoKey       string          `json:"video_key"`
	ReportKey      string          `json:"report_key,omitempty"`
	KeyFramesKey   string          `json:"key_frames_key,omitempty"`
	FramesAnalyzed int             `json:"frames_analyzed"`
	DefectsFound   int             `json:"defects_found"`
	AverageScore   float64         `json:"average_score"`
	Duration       float64         `json:"duration_seconds"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

func newJobView(j *entity.Job) jobView {
	return jobView{
		JobID:          j.ID,
		PropertyID:     j.PropertyID,
		RoomID:         j.RoomID,
		State:          j.State,
		VideoKey:       j.VideoKey,
		ReportKey:      j.ReportKey,
		KeyFramesKey:   j.KeyFramesKey,
		FramesAnalyzed: j.FramesAnalyzed,
		DefectsFound:   j.DefectsFound,
		AverageScore:   j.AverageScore,
		Duration:       j.VideoDuration,
		Attempt:        j.Attempt,
		MaxAttempts:    j.MaxAttempts,
		ErrorMessage:   j.ErrorMessage,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		CompletedAt:    j.CompletedAt,
	}
}

func (h *Handler) submitInspection(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUploadBytes {
		writeError(w, r, http.StatusRequestEntityTooLarge, "upload_too_large",
			fmt.Sprintf("upload exceeds %d bytes", h.maxUploadBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "upload_too_large",
				fmt.Sprintf("upload exceeds %d bytes", h.maxUploadBytes))
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "missing_video", "a video file is required in the 'video' field")
		return
	}
	defer file.Close()

	in, err := submissionFromForm(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_field", err.Error())
		return
	}
	in.Filename = header.Filename
	in.Size = header.Size
	in.Video = file

	out, err := h.submitter.Execute(r.Context(), in)
	if err != nil {
		if errors.Is(err, usecase.ErrInvalidSubmission) {
			writeError(w, r, http.StatusBadRequest, "invalid_submission", err.Error())
			return
		}
		h.logger.Error("inspection submission failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal_error", "could not accept the inspection")
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func submissionFromForm(r *http.Request) (usecase.SubmitInspectionInput, error) {
	in := usecase.SubmitInspectionInput{
		UserEmail: r.FormValue("user_email"),
		Property: entity.PropertyDetails{
			Address:      r.FormValue("address"),
			City:         r.FormValue("city"),
			PropertyType: r.FormValue("property_type"),
			RoomName:     r.FormValue("room_name"),
		},
	}

	if raw := strings.TrimSpace(r.FormValue("property_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return in, fmt.Errorf("property_id: %w", err)
		}
		in.PropertyID = id
	}

	ints := []struct {
		field string
		dst   *int
	}{
		{"bedrooms", &in.Property.Bedrooms},
		{"area_sqft", &in.Property.AreaSqft},
		{"year_built", &in.Property.YearBuilt},
	}
	for _, f := range ints {
		raw := strings.TrimSpace(r.FormValue(f.field))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return in, fmt.Errorf("%s must be a non-negative integer", f.field)
		}
		*f.dst = v
	}
	return in, nil
}

func (h *Handler) getInspection(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if job.State != entity.JobStateReportReady {
		writeError(w, r, http.StatusConflict, "report_not_ready",
			fmt.Sprintf("report not available while the inspection is %s", job.State))
		return
	}

	report, err := h.reports.GetReport(r.Context(), job.ReportKey)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "report_not_found", "report object is missing")
			return
		}
		h.logger.Error("failed to read report", zap.String("job_id", job.ID.String()), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal_error", "could not read the report")
		return
	}
	defer report.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, report); err != nil {
		h.logger.Warn("report stream interrupted", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

func (h *Handler) getPropertyRisk(w http.ResponseWriter, r *http.Request) {
	propertyID, err := uuid.Parse(chi.URLParam(r, "propertyID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_id", "property id must be a UUID")
		return
	}

	risk, err := h.risk.PropertyRiskScore(r.Context(), propertyID)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "no findings recorded for this property")
			return
		}
		h.logger.Error("failed to load risk score", zap.String("property_id", propertyID.String()), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal_error", "could not compute the risk score")
		return
	}
	writeJSON(w, http.StatusOK, risk)
}

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*entity.Job, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_id", "job id must be a UUID")
		return nil, false
	}

	job, err := h.jobs.FindByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "inspection not found")
			return nil, false
		}
		h.logger.Error("failed to load job", zap.String("job_id", jobID.String()), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal_error", "could not load the inspection")
		return nil, false
	}
	return job, true
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}
