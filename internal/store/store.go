package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/promogate/release-gate/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict signals an optimistic row-version mismatch; the caller must
	// re-fetch and retry.
	ErrConflict = errors.New("row version conflict")

	// ErrDuplicateRelease signals the (application, version, environment)
	// uniqueness constraint.
	ErrDuplicateRelease = errors.New("release already exists for this application, version and environment")

	// ErrDuplicateApproval signals a second decided approval by the same
	// approver on the same release.
	ErrDuplicateApproval = errors.New("approver already decided on this release")

	// ErrDuplicateIdempotencyKey signals an idempotency key already bound to an
	// existing release. The caller should fetch that release by key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

// Store is the persistence boundary for the release gate. All mutating service
// operations run inside WithinTx so a state change and its audit/timeline rows
// commit or fail together.
type Store interface {
	CreateApplication(ctx context.Context, in ApplicationInput) (models.Application, error)
	GetApplication(ctx context.Context, id uuid.UUID) (models.Application, error)
	ListApplications(ctx context.Context, limit, offset int) ([]models.Application, error)
	UpdateApplication(ctx context.Context, in ApplicationInput) (models.Application, error)
	DeleteApplication(ctx context.Context, id uuid.UUID) error

	CreateRelease(ctx context.Context, in ReleaseInput) (models.Release, error)
	GetRelease(ctx context.Context, id uuid.UUID) (models.Release, error)
	// GetReleaseForUpdate locks the row for the rest of the transaction. Only
	// meaningful inside WithinTx.
	GetReleaseForUpdate(ctx context.Context, id uuid.UUID) (models.Release, error)
	GetReleaseByIdempotencyKey(ctx context.Context, key string) (models.Release, error)
	FindRelease(ctx context.Context, appID uuid.UUID, version string, env models.Environment) (models.Release, error)
	ListReleasesByApplication(ctx context.Context, appID uuid.UUID, limit, offset int) ([]models.Release, error)
	ListReleasesByStatus(ctx context.Context, status models.Status, limit, offset int) ([]models.Release, error)
	UpdateReleaseFields(ctx context.Context, in ReleaseUpdate) (models.Release, error)
	SetReleaseEnvironment(ctx context.Context, id uuid.UUID, env models.Environment) (models.Release, error)
	SetReleaseStatus(ctx context.Context, id uuid.UUID, status models.Status, deployedAt *time.Time) (models.Release, error)
	DeleteRelease(ctx context.Context, id uuid.UUID) error

	CreateApproval(ctx context.Context, in ApprovalInput) (models.Approval, error)
	GetApproval(ctx context.Context, id uuid.UUID) (models.Approval, error)
	UpdateApprovalOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, notes string) (models.Approval, error)
	CountApprovedApprovals(ctx context.Context, releaseID uuid.UUID) (int, error)
	ListApprovalsByRelease(ctx context.Context, releaseID uuid.UUID) ([]models.Approval, error)
	LatestApprovalForRelease(ctx context.Context, releaseID uuid.UUID) (models.Approval, error)
	ListPendingApprovalsByApprover(ctx context.Context, approverEmail string) ([]models.Approval, error)

	AppendReleaseEvent(ctx context.Context, in EventInput) (models.ReleaseEvent, error)
	ListReleaseEvents(ctx context.Context, releaseID uuid.UUID) ([]models.ReleaseEvent, error)
	AppendAuditRecord(ctx context.Context, in AuditInput) (models.AuditRecord, error)
	ListAuditRecords(ctx context.Context, filter AuditFilter) ([]models.AuditRecord, error)

	WithinTx(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
}

type ApplicationInput struct {
	ID        uuid.UUID
	Name      string
	OwnerTeam string
	RepoURL   string
}

type ReleaseInput struct {
	ID             uuid.UUID
	ApplicationID  uuid.UUID
	Version        string
	Environment    models.Environment
	EvidenceURL    string
	EvidenceScore  int
	IdempotencyKey string
}

// ReleaseUpdate edits release fields through the optimistic-concurrency path.
// ExpectedRowVersion nil skips the check; a mismatch yields ErrConflict.
type ReleaseUpdate struct {
	ID                 uuid.UUID
	Version            string
	Environment        models.Environment
	EvidenceURL        string
	EvidenceScore      int
	ExpectedRowVersion *int
}

type ApprovalInput struct {
	ID            uuid.UUID
	ReleaseID     uuid.UUID
	ApproverEmail string
	Outcome       models.Outcome
	Notes         string
}

type EventInput struct {
	ReleaseID uuid.UUID
	EventType models.EventType
	Status    models.Status
	Actor     string
	Notes     string
}

type AuditInput struct {
	Actor         string
	Action        string
	EntityType    string
	EntityID      string
	Payload       json.RawMessage
	CorrelationID string
}

type AuditFilter struct {
	EntityType string
	EntityID   string
	Limit      int
	Offset     int
}
