package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, job *entity.Job) error {
	query := `
		INSERT INTO inspection_jobs (
			id, property_id, room_id, user_email, video_key, report_key,
			key_frames_key, state, frames_analyzed, defects_found,
			average_score, video_duration, attempt, max_attempts,
			error_message, created_at, updated_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

	_, err := r.pool.Exec(ctx, query,
		job.ID, job.PropertyID, job.RoomID, job.UserEmail, job.VideoKey,
		job.ReportKey, job.KeyFramesKey, string(job.State),
		job.FramesAnalyzed, job.DefectsFound, job.AverageScore,
		job.VideoDuration, job.Attempt, job.MaxAttempts,
		job.ErrorMessage, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) Update(ctx context.Context, job *entity.Job) error {
	query := `
		UPDATE inspection_jobs SET
			state=$2, video_key=$3, report_key=$4, key_frames_key=$5,
			frames_analyzed=$6, defects_found=$7, average_score=$8,
			video_duration=$9, attempt=$10, error_message=$11,
			updated_at=$12, completed_at=$13
		WHERE id=$1`

	tag, err := r.pool.Exec(ctx, query,
		job.ID, string(job.State), job.VideoKey, job.ReportKey,
		job.KeyFramesKey, job.FramesAnalyzed, job.DefectsFound,
		job.AverageScore, job.VideoDuration, job.Attempt,
		job.ErrorMessage, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, port.ErrNotFound)
	}
	return nil
}

func (r *JobRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	query := `
		SELECT id, property_id, room_id, user_email, video_key, report_key,
			key_frames_key, state, frames_analyzed, defects_found,
			average_score, video_duration, attempt, max_attempts,
			error_message, created_at, updated_at, completed_at
		FROM inspection_jobs WHERE id=$1`

	job := &entity.Job{}
	var state string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.PropertyID, &job.RoomID, &job.UserEmail, &job.VideoKey,
		&job.ReportKey, &job.KeyFramesKey, &state,
		&job.FramesAnalyzed, &job.DefectsFound, &job.AverageScore,
		&job.VideoDuration, &job.Attempt, &job.MaxAttempts,
		&job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("find job %s: %w", id, port.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find job by id: %w", err)
	}
	job.State = entity.JobState(state)
	return job, nil
}
