package entity

import (
	"time"

	"github.com/google/uuid"
)

type Property struct {
	ID uuid.UUID
	PropertyDetails
	CreatedAt time.Time
}

type Room struct {
	ID          uuid.UUID
	PropertyID  uuid.UUID
	Name        string
	RoomType    string
	FloorNumber int
}

// Finding is a stored defect produced from one frame detection.
type Finding struct {
	ID             uuid.UUID
	DetectionID    uuid.UUID
	JobID          uuid.UUID
	RoomID         uuid.UUID
	Detection      FrameDetection
	FindingText    string
	InspectorNotes string
	AIGenerated    bool
	InspectedAt    time.Time
}

// RiskScore is the per-property aggregate over all stored findings.
type RiskScore struct {
	PropertyID    uuid.UUID `json:"property_id"`
	Score         int       `json:"property_risk_score"`
	Grade         string    `json:"property_grade"`
	Category      string    `json:"property_risk_category"`
	TotalDefects  int       `json:"total_defects"`
	TotalCritical int       `json:"total_critical"`
	TotalHigh     int       `json:"total_high"`
	TotalRooms    int       `json:"total_rooms"`
	HighRiskRooms int       `json:"high_risk_rooms"`
}

const (
	RiskHigh   = "High"
	RiskMedium = "Medium"
	RiskLow    = "Low"
)

// ClassifyRisk maps a 0-100 risk score to a letter grade and a category.
func ClassifyRisk(score int) (grade, category string) {
	switch {
	case score >= 60:
		category = RiskHigh
	case score >= 25:
		category = RiskMedium
	default:
		category = RiskLow
	}

	switch {
	case score < 10:
		grade = "A"
	case score < 25:
		grade = "B"
	case score < 40:
		grade = "C"
	case score < 60:
		grade = "D"
	case score < 80:
		grade = "E"
	default:
		grade = "F"
	}
	return grade, category
}
