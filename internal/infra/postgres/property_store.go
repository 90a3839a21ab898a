package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/defactra/defactra-inspection-service/internal/domain/port"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PropertyStore persists properties, rooms, detections and findings. Every
// statement is parameterised.
type PropertyStore struct {
	db dbtx
}

func NewPropertyStore(pool *pgxpool.Pool) *PropertyStore {
	return &PropertyStore{db: pool}
}

// InsertProperty is idempotent on property_id.
func (s *PropertyStore) InsertProperty(ctx context.Context, p entity.Property) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO properties (
			property_id, address, city, property_type, bedrooms,
			area_sqft, year_built, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (property_id) DO NOTHING`,
		p.ID, p.Address, p.City, p.PropertyType, p.Bedrooms,
		p.AreaSqft, p.YearBuilt, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert property: %w", err)
	}
	return nil
}

// InsertRoom is idempotent on room_id.
func (s *PropertyStore) InsertRoom(ctx context.Context, r entity.Room) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO rooms (room_id, property_id, room_name, room_type, floor_number)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (room_id) DO NOTHING`,
		r.ID, r.PropertyID, r.Name, r.RoomType, r.FloorNumber,
	)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// InsertFinding writes the detection row and the finding that references it.
func (s *PropertyStore) InsertFinding(ctx context.Context, f entity.Finding) error {
	d := f.Detection
	_, err := s.db.Exec(ctx, `
		INSERT INTO ai_detections (
			detection_id, job_id, room_id, detected_object, severity,
			confidence_score, location, description, repair_priority,
			estimated_impact, frame_number, timestamp_seconds
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		f.DetectionID, f.JobID, f.RoomID, d.DetectedObject, string(d.Severity),
		d.ConfidenceScore, d.Location, d.Description, d.RepairPriority,
		d.EstimatedImpact, d.FrameIndex, d.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO findings (
			finding_id, detection_id, job_id, room_id, finding_text,
			inspector_notes, ai_generated, inspected_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		f.ID, f.DetectionID, f.JobID, f.RoomID, f.FindingText,
		f.InspectorNotes, f.AIGenerated, f.InspectedAt,
	)
	if err != nil {
		return fmt.Errorf("insert finding: %w", err)
	}
	return nil
}

// DeleteFindingsForJob removes what a previous attempt of the job stored.
func (s *PropertyStore) DeleteFindingsForJob(ctx context.Context, jobID uuid.UUID) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM findings WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete findings: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM ai_detections WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("delete detections: %w", err)
	}
	return nil
}

func (s *PropertyStore) PropertyRiskScore(ctx context.Context, propertyID uuid.UUID) (*entity.RiskScore, error) {
	rs := &entity.RiskScore{PropertyID: propertyID}
	err := s.db.QueryRow(ctx, `
		SELECT property_risk_score, total_defects, total_critical,
			total_high, total_rooms, high_risk_rooms
		FROM property_risk_scores WHERE property_id = $1`, propertyID,
	).Scan(&rs.Score, &rs.TotalDefects, &rs.TotalCritical, &rs.TotalHigh, &rs.TotalRooms, &rs.HighRiskRooms)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("risk score for %s: %w", propertyID, port.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query risk score: %w", err)
	}
	rs.Grade, rs.Category = entity.ClassifyRisk(rs.Score)
	return rs, nil
}

// WithinTx commits when fn returns nil and rolls back otherwise. Nested
// calls run inside a savepoint.
func (s *PropertyStore) WithinTx(ctx context.Context, fn func(port.PropertyStore) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&PropertyStore{db: tx})
	})
}
