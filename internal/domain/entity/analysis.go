package entity

import (
	"image"
	"sort"
	"strings"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists the accepted severities from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ParseSeverity accepts case and surrounding whitespace variations of a
// known severity. ok is false for anything else, including the empty string.
func ParseSeverity(raw string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	return s, s.Valid()
}

type UsabilityRating string

const (
	UsabilityExcellent UsabilityRating = "excellent"
	UsabilityGood      UsabilityRating = "good"
	UsabilityFair      UsabilityRating = "fair"
	UsabilityPoor      UsabilityRating = "poor"
	UsabilityUnsafe    UsabilityRating = "unsafe"
	UsabilityUnknown   UsabilityRating = "unknown"
)

func ParseUsability(raw string) UsabilityRating {
	u := UsabilityRating(strings.ToLower(strings.TrimSpace(raw)))
	switch u {
	case UsabilityExcellent, UsabilityGood, UsabilityFair, UsabilityPoor, UsabilityUnsafe:
		return u
	}
	return UsabilityUnknown
}

// VideoInfo describes an opened video source.
type VideoInfo struct {
	TotalFrames int     `json:"total_frames"`
	FPS         float64 `json:"fps"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Format      string  `json:"format,omitempty"`
}

// Duration is the length of the video in seconds, or 0 when the frame rate
// is unknown.
func (v VideoInfo) Duration() float64 {
	if v.FPS <= 0 {
		return 0
	}
	return float64(v.TotalFrames) / v.FPS
}

// SampledFrame is one decoded frame. Index is the position in the source
// stream, not in the sampled sequence.
type SampledFrame struct {
	Image     image.Image
	Timestamp float64
	Index     int
}

// Detection is one defect instance reported by the classifier for a frame.
type Detection struct {
	DetectedObject  string   `json:"detected_object"`
	Severity        Severity `json:"severity"`
	ConfidenceScore float64  `json:"confidence_score"`
	Location        string   `json:"location"`
	Description     string   `json:"description"`
	RepairPriority  string   `json:"repair_priority"`
	EstimatedImpact string   `json:"estimated_impact"`
}

// FrameResult is the classifier's verdict for a single image.
type FrameResult struct {
	IsPropertyImage       bool            `json:"is_property_image"`
	OverallConditionScore int             `json:"overall_condition_score"`
	UsabilityRating       UsabilityRating `json:"usability_rating"`
	OverallAssessment     string          `json:"overall_assessment,omitempty"`
	Detections            []Detection     `json:"detections"`
	// Degraded marks a placeholder result substituted for a failed call.
	Degraded bool `json:"degraded,omitempty"`
}

// FrameAnalysis is the per-frame record kept for property frames.
type FrameAnalysis struct {
	FrameIndex     int             `json:"frame_number"`
	Timestamp      float64         `json:"timestamp"`
	TimestampLabel string          `json:"timestamp_formatted"`
	Detections     []Detection     `json:"detections"`
	OverallScore   int             `json:"overall_score"`
	Usability      UsabilityRating `json:"usability"`
	Degraded       bool            `json:"degraded,omitempty"`
	PerceptualHash string          `json:"perceptual_hash,omitempty"`
}

// FrameDetection is a Detection tagged with the frame it was found in.
type FrameDetection struct {
	Detection
	FrameIndex     int     `json:"frame_number"`
	Timestamp      float64 `json:"timestamp"`
	TimestampLabel string  `json:"timestamp_formatted"`
}

type Occurrence struct {
	Timestamp      float64 `json:"timestamp"`
	TimestampLabel string  `json:"timestamp_formatted"`
	FrameIndex     int     `json:"frame_number"`
	Confidence     float64 `json:"confidence"`
	Location       string  `json:"location"`
	Description    string  `json:"description"`
}

// DefectTimelineEntry aggregates every occurrence of one defect identity.
// DefectType and Severity come from the first occurrence.
type DefectTimelineEntry struct {
	DefectType    string       `json:"defect_type"`
	Severity      Severity     `json:"severity"`
	Occurrences   []Occurrence `json:"occurrences"`
	FirstSeen     float64      `json:"first_seen"`
	LastSeen      float64      `json:"last_seen"`
	FrameCount    int          `json:"frame_count"`
	AvgConfidence float64      `json:"avg_confidence"`
}

// SortTimeline returns the timeline entries ordered by first appearance,
// ties broken by defect type.
func SortTimeline(timeline map[string]*DefectTimelineEntry) []DefectTimelineEntry {
	entries := make([]DefectTimelineEntry, 0, len(timeline))
	for _, e := range timeline {
		entries = append(entries, *e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].FirstSeen != entries[j].FirstSeen {
			return entries[i].FirstSeen < entries[j].FirstSeen
		}
		return entries[i].DefectType < entries[j].DefectType
	})
	return entries
}

// VideoAnalysisResult is the outcome of one pipeline run. Success is false
// only when the video could not be read at all.
type VideoAnalysisResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	Video                 VideoInfo                       `json:"video"`
	FramesAnalyzed        int                             `json:"frames_analyzed"`
	NonPropertyFrames     int                             `json:"non_property_frames"`
	PropertyFrames        int                             `json:"property_frames"`
	DegradedFrames        int                             `json:"degraded_frames"`
	FramesWithDefects     int                             `json:"frames_with_defects"`
	TotalDefects          int                             `json:"total_defects"`
	UniqueDefectTypes     int                             `json:"unique_defect_types"`
	SeverityCounts        map[Severity]int                `json:"defect_summary"`
	AverageConditionScore float64                         `json:"average_score"`
	FrameAnalyses         []FrameAnalysis                 `json:"frame_analyses"`
	Detections            []FrameDetection                `json:"all_detections"`
	DefectTimeline        map[string]*DefectTimelineEntry `json:"defect_timeline"`
}

// NewSeverityCounts returns a tally with every severity present at zero.
func NewSeverityCounts() map[Severity]int {
	counts := make(map[Severity]int, len(Severities))
	for _, s := range Severities {
		counts[s] = 0
	}
	return counts
}
