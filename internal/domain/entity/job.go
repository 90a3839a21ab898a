package entity

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobStateIdle        JobState = "IDLE"
	JobStateUploaded    JobState = "UPLOADED"
	JobStateAnalyzing   JobState = "ANALYZING"
	JobStateComplete    JobState = "COMPLETE"
	JobStateReportReady JobState = "REPORT_READY"
	JobStateFailed      JobState = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid job state transition")

var transitions = map[JobState][]JobState{
	JobStateIdle:        {JobStateUploaded},
	JobStateUploaded:    {JobStateAnalyzing, JobStateFailed},
	JobStateAnalyzing:   {JobStateAnalyzing, JobStateComplete, JobStateFailed},
	JobStateComplete:    {JobStateReportReady, JobStateFailed},
	JobStateFailed:      {JobStateAnalyzing},
	JobStateReportReady: nil,
}

func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s JobState) Terminal() bool {
	return s == JobStateReportReady
}

// Job is one video inspection moving through the upload, analysis and
// reporting workflow.
type Job struct {
	ID             uuid.UUID
	PropertyID     uuid.UUID
	RoomID         uuid.UUID
	UserEmail      string
	VideoKey       string
	ReportKey      string
	KeyFramesKey   string
	State          JobState
	FramesAnalyzed int
	DefectsFound   int
	AverageScore   float64
	VideoDuration  float64
	Attempt        int
	MaxAttempts    int
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

func NewJob(propertyID uuid.UUID, userEmail string, maxAttempts int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.New(),
		PropertyID:  propertyID,
		RoomID:      uuid.New(),
		UserEmail:   userEmail,
		State:       JobStateIdle,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (j *Job) transition(next JobState) error {
	if !j.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, next)
	}
	j.State = next
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (j *Job) MarkUploaded(videoKey string) error {
	if err := j.transition(JobStateUploaded); err != nil {
		return err
	}
	j.VideoKey = videoKey
	return nil
}

func (j *Job) MarkAnalyzing() error {
	if err := j.transition(JobStateAnalyzing); err != nil {
		return err
	}
	j.Attempt++
	j.ErrorMessage = ""
	return nil
}

func (j *Job) MarkComplete(result VideoAnalysisResult) error {
	if err := j.transition(JobStateComplete); err != nil {
		return err
	}
	j.FramesAnalyzed = result.FramesAnalyzed
	j.DefectsFound = result.TotalDefects
	j.AverageScore = result.AverageConditionScore
	j.VideoDuration = result.Video.Duration()
	return nil
}

func (j *Job) MarkReportReady(reportKey, keyFramesKey string) error {
	if err := j.transition(JobStateReportReady); err != nil {
		return err
	}
	now := j.UpdatedAt
	j.ReportKey = reportKey
	j.KeyFramesKey = keyFramesKey
	j.CompletedAt = &now
	return nil
}

// MarkFailed records the failure. It is allowed from every non-terminal
// state that has started work, so a job can always be marked failed.
func (j *Job) MarkFailed(errMsg string) {
	if j.State.CanTransitionTo(JobStateFailed) {
		j.State = JobStateFailed
	}
	j.ErrorMessage = errMsg
	j.UpdatedAt = time.Now().UTC()
}

// MarkInterrupted fails the current attempt without counting it. Used when
// the worker stops mid-job rather than the job itself failing.
func (j *Job) MarkInterrupted(reason string) {
	j.MarkFailed(reason)
	if j.Attempt > 0 {
		j.Attempt--
	}
}

func (j *Job) CanRetry() bool {
	return j.Attempt < j.MaxAttempts
}
