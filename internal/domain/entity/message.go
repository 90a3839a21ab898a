package entity

import "github.com/google/uuid"

// PropertyDetails describes the inspected property and area as entered at
// upload time.
type PropertyDetails struct {
	Address      string `json:"address"`
	City         string `json:"city"`
	PropertyType string `json:"property_type"`
	Bedrooms     int    `json:"bedrooms"`
	AreaSqft     int    `json:"area_sqft"`
	YearBuilt    int    `json:"year_built"`
	RoomName     string `json:"room_name"`
}

// InspectionRequestMessage is the inbound message from the inspection.requested queue.
type InspectionRequestMessage struct {
	JobID      uuid.UUID       `json:"job_id"`
	PropertyID uuid.UUID       `json:"property_id"`
	RoomID     uuid.UUID       `json:"room_id"`
	VideoKey   string          `json:"video_key"`
	FileSize   int64           `json:"file_size"`
	UserEmail  string          `json:"user_email"`
	Property   PropertyDetails `json:"property"`
}

// InspectionStatusMessage is the outbound message published to the inspection.status queue.
type InspectionStatusMessage struct {
	JobID          uuid.UUID `json:"job_id"`
	PropertyID     uuid.UUID `json:"property_id"`
	State          JobState  `json:"state"`
	VideoKey       string    `json:"video_key"`
	ReportKey      string    `json:"report_key,omitempty"`
	KeyFramesKey   string    `json:"key_frames_key,omitempty"`
	Progress       float64   `json:"progress,omitempty"`
	FramesAnalyzed int       `json:"frames_analyzed,omitempty"`
	DefectsFound   int       `json:"defects_found,omitempty"`
	AverageScore   float64   `json:"average_score,omitempty"`
	Duration       float64   `json:"duration_seconds,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	Attempt        int       `json:"attempt"`
	MaxAttempts    int       `json:"max_attempts"`
}

func NewStatusMessage(job *Job) InspectionStatusMessage {
	return InspectionStatusMessage{
		JobID:          job.ID,
		PropertyID:     job.PropertyID,
		State:          job.State,
		VideoKey:       job.VideoKey,
		ReportKey:      job.ReportKey,
		KeyFramesKey:   job.KeyFramesKey,
		FramesAnalyzed: job.FramesAnalyzed,
		DefectsFound:   job.DefectsFound,
		AverageScore:   job.AverageScore,
		Duration:       job.VideoDuration,
		ErrorMessage:   job.ErrorMessage,
		Attempt:        job.Attempt,
		MaxAttempts:    job.MaxAttempts,
	}
}
