package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/usecase"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Submitter interface {
	Execute(ctx context.Context, in usecase.SubmitInspectionInput) (*usecase.SubmitInspectionOutput, error)
}

type JobFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
}

type ReportReader interface {
	GetReport(ctx context.Context, objectKey string) (io.ReadCloser, error)
}

type RiskReader interface {
	PropertyRiskScore(ctx context.Context, propertyID uuid.UUID) (*entity.RiskScore, error)
}

type Handler struct {
	submitter      Submitter
	jobs           JobFinder
	reports        ReportReader
	risk           RiskReader
	maxUploadBytes int64
	logger         *zap.Logger
}

func NewHandler(submitter Submitter, jobs JobFinder, reports ReportReader, risk RiskReader, maxUploadBytes int64, logger *zap.Logger) *Handler {
	return &Handler{
		submitter:      submitter,
		jobs:           jobs,
		reports:        reports,
		risk:           risk,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/inspections", func(r chi.Router) {
		r.Post("/", h.submitInspection)
		r.Get("/{jobID}", h.getInspection)
		r.Get("/{jobID}/report", h.getReport)
	})
	r.Get("/properties/{propertyID}/risk", h.getPropertyRisk)

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_ip", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
