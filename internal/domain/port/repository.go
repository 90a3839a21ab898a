package port

import (
	"context"
	"errors"

	"github.com/defactra/defactra-inspection-service/internal/domain/entity"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

type JobRepository interface {
	Create(ctx context.Context, job *entity.Job) error
	Update(ctx context.Context, job *entity.Job) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
}

type PropertyStore interface {
	InsertProperty(ctx context.Context, property entity.Property) error
	InsertRoom(ctx context.Context, room entity.Room) error
	InsertFinding(ctx context.Context, finding entity.Finding) error
	DeleteFindingsForJob(ctx context.Context, jobID uuid.UUID) error
	PropertyRiskScore(ctx context.Context, propertyID uuid.UUID) (*entity.RiskScore, error)
	// WithinTx runs fn against a store bound to a single transaction.
	WithinTx(ctx context.Context, fn func(store PropertyStore) error) error
}
