package inspection

import (
	"strings"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
)

const unknownDefect = "Unknown"

// NormalizeDefectKey is the identity used to group detections: two labels
// name the same defect iff they are equal after lowercasing and trimming.
func NormalizeDefectKey(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// BuildDefectTimeline groups detections by normalized label in a single
// forward pass. Each entry keeps the label and severity of its first
// occurrence; the map imposes no order, use entity.SortTimeline to display.
func BuildDefectTimeline(detections []entity.FrameDetection) map[string]*entity.DefectTimelineEntry {
	timeline := make(map[string]*entity.DefectTimelineEntry)

	for _, d := range detections {
		label := d.DetectedObject
		if strings.TrimSpace(label) == "" {
			label = unknownDefect
		}
		key := NormalizeDefectKey(label)

		entry, ok := timeline[key]
		if !ok {
			entry = &entity.DefectTimelineEntry{
				DefectType: label,
				Severity:   d.Severity,
				FirstSeen:  d.Timestamp,
				LastSeen:   d.Timestamp,
			}
			timeline[key] = entry
		}

		entry.Occurrences = append(entry.Occurrences, entity.Occurrence{
			Timestamp:      d.Timestamp,
			TimestampLabel: d.TimestampLabel,
			FrameIndex:     d.FrameIndex,
			Confidence:     d.ConfidenceScore,
			Location:       d.Location,
			Description:    d.Description,
		})
		entry.FirstSeen = min(entry.FirstSeen, d.Timestamp)
		entry.LastSeen = max(entry.LastSeen, d.Timestamp)
		entry.FrameCount++
	}

	for _, entry := range timeline {
		var sum float64
		for _, o := range entry.Occurrences {
			sum += o.Confidence
		}
		entry.AvgConfidence = sum / float64(len(entry.Occurrences))
	}

	return timeline
}
