package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/promogate/release-gate/internal/models"
	"github.com/promogate/release-gate/internal/policy"
	"github.com/promogate/release-gate/internal/scoring"
	"github.com/promogate/release-gate/internal/store"
)

// Service owns the release state machine. Every mutating operation runs inside
// one store transaction so the state change, its timeline event and its audit
// record commit or fail together.
type Service struct {
	store  store.Store
	engine *policy.Engine
	now    func() time.Time
}

func New(st store.Store, engine *policy.Engine) *Service {
	return &Service{store: st, engine: engine, now: time.Now}
}

// Policy exposes the engine for the HTTP layer (checklist thresholds, reload).
func (s *Service) Policy() *policy.Engine {
	return s.engine
}

func actorOr(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

func auditPayload(kv map[string]interface{}) json.RawMessage {
	b, err := json.Marshal(kv)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

type CreateReleaseRequest struct {
	ApplicationID  uuid.UUID
	Version        string
	Environment    models.Environment
	EvidenceURL    string
	EvidenceScore  *int
	IdempotencyKey string
	Actor          string
}

// CreateRelease persists a new release at status PENDING. When an evidence URL
// is supplied without an explicit score, the score is computed from the URL
// text. A repeated call with the same idempotency key returns the release
// created by the first call.
func (s *Service) CreateRelease(ctx context.Context, req CreateReleaseRequest) (models.Release, error) {
	if req.ApplicationID == uuid.Nil {
		return models.Release{}, validationf("applicationId required")
	}
	if req.Version == "" {
		return models.Release{}, validationf("version required")
	}
	if req.Environment == "" {
		req.Environment = models.EnvDev
	}

	score := 0
	switch {
	case req.EvidenceScore != nil:
		if *req.EvidenceScore < 0 || *req.EvidenceScore > scoring.MaxScore {
			return models.Release{}, validationf("evidenceScore must be between 0 and %d", scoring.MaxScore)
		}
		score = *req.EvidenceScore
	case req.EvidenceURL != "":
		score = scoring.Calculate(req.EvidenceURL)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetReleaseByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return models.Release{}, fmt.Errorf("idempotency check: %w", err)
		}
	}

	actor := actorOr(req.Actor)
	var created models.Release
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		if _, err := tx.GetApplication(ctx, req.ApplicationID); err != nil {
			return err
		}
		rel, err := tx.CreateRelease(ctx, store.ReleaseInput{
			ApplicationID:  req.ApplicationID,
			Version:        req.Version,
			Environment:    req.Environment,
			EvidenceURL:    req.EvidenceURL,
			EvidenceScore:  score,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		if _, err := tx.AppendReleaseEvent(ctx, store.EventInput{
			ReleaseID: rel.ID,
			EventType: models.EventCreated,
			Status:    rel.Status,
			Actor:     actor,
			Notes:     fmt.Sprintf("release %s created in %s", rel.Version, rel.Environment),
		}); err != nil {
			return err
		}
		if _, err := tx.AppendAuditRecord(ctx, store.AuditInput{
			Actor:      actor,
			Action:     "release.create",
			EntityType: "release",
			EntityID:   rel.ID.String(),
			Payload: auditPayload(map[string]interface{}{
				"applicationId": rel.ApplicationID.String(),
				"version":       rel.Version,
				"environment":   rel.Environment,
				"evidenceScore": rel.EvidenceScore,
			}),
			CorrelationID: req.IdempotencyKey,
		}); err != nil {
			return err
		}
		created = rel
		return nil
	})
	if err != nil {
		// a concurrent create with the same key can win between the pre-check
		// and the insert; the key constraint points us at its release
		if req.IdempotencyKey != "" && errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			return s.store.GetReleaseByIdempotencyKey(ctx, req.IdempotencyKey)
		}
		return models.Release{}, err
	}
	log.Printf("[service] release %s created (%s %s)", created.ID, created.Version, created.Environment)
	return created, nil
}

func (s *Service) GetRelease(ctx context.Context, id uuid.UUID) (models.Release, error) {
	return s.store.GetRelease(ctx, id)
}

func (s *Service) ListReleasesByApplication(ctx context.Context, appID uuid.UUID, limit, offset int) ([]models.Release, error) {
	return s.store.ListReleasesByApplication(ctx, appID, limit, offset)
}

func (s *Service) ListReleasesByStatus(ctx context.Context, status models.Status, limit, offset int) ([]models.Release, error) {
	return s.store.ListReleasesByStatus(ctx, status, limit, offset)
}

type UpdateReleaseRequest struct {
	ID                 uuid.UUID
	Version            string
	Environment        models.Environment
	EvidenceURL        string
	EvidenceScore      *int
	ExpectedRowVersion *int
	Actor              string
}

// UpdateRelease edits release fields through the optimistic-concurrency path.
// A stale ExpectedRowVersion fails with store.ErrConflict and no state change.
// A new evidence URL without an explicit score is rescored.
func (s *Service) UpdateRelease(ctx context.Context, req UpdateReleaseRequest) (models.Release, error) {
	actor := actorOr(req.Actor)
	var updated models.Release
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		current, err := tx.GetReleaseForUpdate(ctx, req.ID)
		if err != nil {
			return err
		}

		version := req.Version
		if version == "" {
			version = current.Version
		}
		env := req.Environment
		if env == "" {
			env = current.Environment
		}
		evidenceURL := req.EvidenceURL
		if evidenceURL == "" {
			evidenceURL = current.EvidenceURL
		}

		score := current.EvidenceScore
		switch {
		case req.EvidenceScore != nil:
			if *req.EvidenceScore < 0 || *req.EvidenceScore > scoring.MaxScore {
				return validationf("evidenceScore must be between 0 and %d", scoring.MaxScore)
			}
			score = *req.EvidenceScore
		case req.EvidenceURL != "" && req.EvidenceURL != current.EvidenceURL:
			score = scoring.Calculate(req.EvidenceURL)
		}

		rel, err := tx.UpdateReleaseFields(ctx, store.ReleaseUpdate{
			ID:                 req.ID,
			Version:            version,
			Environment:        env,
			EvidenceURL:        evidenceURL,
			EvidenceScore:      score,
			ExpectedRowVersion: req.ExpectedRowVersion,
		})
		if err != nil {
			return err
		}
		if _, err := tx.AppendReleaseEvent(ctx, store.EventInput{
			ReleaseID: rel.ID,
			EventType: models.EventUpdated,
			Status:    rel.Status,
			Actor:     actor,
			Notes:     "release fields updated",
		}); err != nil {
			return err
		}
		if _, err := tx.AppendAuditRecord(ctx, store.AuditInput{
			Actor:      actor,
			Action:     "release.update",
			EntityType: "release",
			EntityID:   rel.ID.String(),
			Payload: auditPayload(map[string]interface{}{
				"version":       rel.Version,
				"environment":   rel.Environment,
				"evidenceScore": rel.EvidenceScore,
				"rowVersion":    rel.RowVersion,
			}),
		}); err != nil {
			return err
		}
		updated = rel
		return nil
	})
	if err != nil {
		return models.Release{}, err
	}
	return updated, nil
}

// Promote advances the release's environment in place after the policy engine
// allows the transition. The target slot must be free; the storage constraint
// on (application, version, environment) is the authority on that.
func (s *Service) Promote(ctx context.Context, releaseID uuid.UUID, target models.Environment, actor string) (models.Release, error) {
	actor = actorOr(actor)
	var promoted models.Release
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		rel, err := tx.GetReleaseForUpdate(ctx, releaseID)
		if err != nil {
			return err
		}
		from := rel.Environment

		approvals, err := tx.CountApprovedApprovals(ctx, releaseID)
		if err != nil {
			return err
		}

		decision := s.engine.ValidatePromotion(from, target, approvals, rel.EvidenceScore, rel.EvidenceURL)
		if !decision.Allowed {
			return &PolicyDeniedError{Reason: decision.Reason}
		}

		rel, err = tx.SetReleaseEnvironment(ctx, releaseID, target)
		if err != nil {
			return err
		}
		if _, err := tx.AppendReleaseEvent(ctx, store.EventInput{
			ReleaseID: rel.ID,
			EventType: models.EventPromoted,
			Status:    rel.Status,
			Actor:     actor,
			Notes:     fmt.Sprintf("promoted %s -> %s", from, target),
		}); err != nil {
			return err
		}
		if _, err := tx.AppendAuditRecord(ctx, store.AuditInput{
			Actor:      actor,
			Action:     "release.promote",
			EntityType: "release",
			EntityID:   rel.ID.String(),
			Payload: auditPayload(map[string]interface{}{
				"from":      from,
				"to":        target,
				"approvals": approvals,
				"reason":    decision.Reason,
			}),
		}); err != nil {
			return err
		}
		promoted = rel
		return nil
	})
	if err != nil {
		return models.Release{}, err
	}
	log.Printf("[service] release %s promoted to %s", promoted.ID, promoted.Environment)
	return promoted, nil
}

// Reject marks the release REJECTED. Rejecting twice is an error.
func (s *Service) Reject(ctx context.Context, releaseID uuid.UUID, notes, actor string) (models.Release, error) {
	actor = actorOr(actor)
	var rejected models.Release
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		rel, err := tx.GetReleaseForUpdate(ctx, releaseID)
		if err != nil {
			return err
		}
		if rel.Status == models.StatusRejected {
			return validationf("release %s is already rejected", releaseID)
		}
		rel, err = tx.SetReleaseStatus(ctx, releaseID, models.StatusRejected, nil)
		if err != nil {
			return err
		}
		if _, err := tx.AppendReleaseEvent(ctx, store.EventInput{
			ReleaseID: rel.ID,
			EventType: models.EventRejected,
			Status:    rel.Status,
			Actor:     actor,
			Notes:     notes,
		}); err != nil {
			return err
		}
		if _, err := tx.AppendAuditRecord(ctx, store.AuditInput{
			Actor:      actor,
			Action:     "release.reject",
			EntityType: "release",
			EntityID:   rel.ID.String(),
			Payload:    auditPayload(map[string]interface{}{"notes": notes}),
		}); err != nil {
			return err
		}
		rejected = rel
		return nil
	})
	if err != nil {
		return models.Release{}, err
	}
	return rejected, nil
}

// Deploy marks an APPROVED release in PROD as DEPLOYED and stamps the
// deployment timestamp.
func (s *Service) Deploy(ctx context.Context, releaseID uuid.UUID, notes, actor string) (models.Release, error) {
	actor = actorOr(actor)
	var deployed models.Release
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		rel, err := tx.GetReleaseForUpdate(ctx, releaseID)
		if err != nil {
			return err
		}
		if rel.Environment != models.EnvProd {
			return validationf("release must be in PROD to deploy, is in %s", rel.Environment)
		}
		if rel.Status == models.StatusDeployed {
			return validationf("release %s is already deployed", releaseID)
		}
		if rel.Status != models.StatusApproved {
			return validationf("release must be APPROVED to deploy, is %s", rel.Status)
		}
		now := s.now().UTC()
		rel, err = tx.SetReleaseStatus(ctx, releaseID, models.StatusDeployed, &now)
		if err != nil {
			return err
		}
		if _, err := tx.AppendReleaseEvent(ctx, store.EventInput{
			ReleaseID: rel.ID,
			EventType: models.EventDeployed,
			Status:    rel.Status,
			Actor:     actor,
			Notes:     notes,
		}); err != nil {
			return err
		}
		if _, err := tx.AppendAuditRecord(ctx, store.AuditInput{
			Actor:      actor,
			Action:     "release.deploy",
			EntityType: "release",
			EntityID:   rel.ID.String(),
			Payload:    auditPayload(map[string]interface{}{"deployedAt": now}),
		}); err != nil {
			return err
		}
		deployed = rel
		return nil
	})
	if err != nil {
		return models.Release{}, err
	}
	log.Printf("[service] release %s deployed", deployed.ID)
	return deployed, nil
}

// DeleteRelease hard-deletes a release; approvals and events cascade at the
// storage layer.
func (s *Service) DeleteRelease(ctx context.Context, releaseID uuid.UUID, actor string) error {
	actor = actorOr(actor)
	return s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.DeleteRelease(ctx, releaseID); err != nil {
			return err
		}
		_, err := tx.AppendAuditRecord(ctx, store.AuditInput{
			Actor:      actor,
			Action:     "release.delete",
			EntityType: "release",
			EntityID:   releaseID.String(),
		})
		return err
	})
}

// Checklist summarizes whether the release currently satisfies each individual
// PROD-promotion criterion. Read-only; performs no policy side effects.
func (s *Service) Checklist(ctx context.Context, releaseID uuid.UUID) (models.Checklist, error) {
	rel, err := s.store.GetRelease(ctx, releaseID)
	if err != nil {
		return models.Checklist{}, err
	}
	approvals, err := s.store.CountApprovedApprovals(ctx, releaseID)
	if err != nil {
		return models.Checklist{}, err
	}
	doc := s.engine.Source().Current()

	cl := models.Checklist{
		ReleaseID:     rel.ID,
		ApprovalsOK:   approvals >= doc.MinApprovals,
		EvidenceOK:    rel.EvidenceURL != "",
		ScoreOK:       rel.EvidenceScore >= doc.MinScore,
		FreezeOK:      !s.engine.FrozenFor(models.EnvProd),
		ApprovalCount: approvals,
		MinApprovals:  doc.MinApprovals,
		EvidenceScore: rel.EvidenceScore,
		MinScore:      doc.MinScore,
	}
	cl.Ready = cl.ApprovalsOK && cl.EvidenceOK && cl.ScoreOK && cl.FreezeOK
	return cl, nil
}

// Timeline lists a release's events ascending by time.
func (s *Service) Timeline(ctx context.Context, releaseID uuid.UUID) ([]models.ReleaseEvent, error) {
	if _, err := s.store.GetRelease(ctx, releaseID); err != nil {
		return nil, err
	}
	return s.store.ListReleaseEvents(ctx, releaseID)
}

// AuditTrail lists audit records for display, newest first.
func (s *Service) AuditTrail(ctx context.Context, filter store.AuditFilter) ([]models.AuditRecord, error) {
	return s.store.ListAuditRecords(ctx, filter)
}

// ReloadPolicy swaps in a fresh policy snapshot. Never fails: a broken source
// degrades to the built-in defaults.
func (s *Service) ReloadPolicy() *policy.Document {
	return s.engine.Source().Reload()
}

// Score exposes the evidence scoring function at the service boundary.
func (s *Service) Score(evidenceURL string) int {
	return scoring.Calculate(evidenceURL)
}
