package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/promogate/release-gate/internal/models"
	"github.com/promogate/release-gate/internal/store"
)

type RecordApprovalRequest struct {
	ReleaseID     uuid.UUID
	ApproverEmail string
	Outcome       models.Outcome
	Notes         string
}

// RecordApproval records one approver's decision on a release. The storage
// uniqueness constraint on decided (release, approver) pairs is the duplicate
// detection; a second decision by the same approver fails with
// store.ErrDuplicateApproval. An APPROVED decision moves a PENDING release to
// APPROVED so it becomes eligible for deployment.
func (s *Service) RecordApproval(ctx context.Context, req RecordApprovalRequest) (models.Approval, error) {
	if req.ApproverEmail == "" {
		return models.Approval{}, validationf("approver email required")
	}
	if !req.Outcome.Decided() {
		return models.Approval{}, validationf("outcome must be APPROVED or REJECTED")
	}

	var recorded models.Approval
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		rel, err := tx.GetReleaseForUpdate(ctx, req.ReleaseID)
		if err != nil {
			return err
		}
		ap, err := tx.CreateApproval(ctx, store.ApprovalInput{
			ReleaseID:     req.ReleaseID,
			ApproverEmail: req.ApproverEmail,
			Outcome:       req.Outcome,
			Notes:         req.Notes,
		})
		if err != nil {
			return err
		}

		status := rel.Status
		if req.Outcome == models.OutcomeApproved && rel.Status == models.StatusPending {
			rel, err = tx.SetReleaseStatus(ctx, req.ReleaseID, models.StatusApproved, nil)
			if err != nil {
				return err
			}
			status = rel.Status
		}

		eventType := models.EventApproved
		if req.Outcome == models.OutcomeRejected {
			eventType = models.EventRejected
		}
		if _, err := tx.AppendReleaseEvent(ctx, store.EventInput{
			ReleaseID: req.ReleaseID,
			EventType: eventType,
			Status:    status,
			Actor:     req.ApproverEmail,
			Notes:     req.Notes,
		}); err != nil {
			return err
		}
		if _, err := tx.AppendAuditRecord(ctx, store.AuditInput{
			Actor:      req.ApproverEmail,
			Action:     "approval.record",
			EntityType: "approval",
			EntityID:   ap.ID.String(),
			Payload: auditPayload(map[string]interface{}{
				"releaseId": req.ReleaseID.String(),
				"outcome":   req.Outcome,
			}),
		}); err != nil {
			return err
		}
		recorded = ap
		return nil
	})
	if err != nil {
		return models.Approval{}, err
	}
	return recorded, nil
}

// CorrectApproval updates an existing approval's outcome and notes. The same
// uniqueness rule applies: the corrected decision may not collide with another
// decided approval by the same approver on the same release.
func (s *Service) CorrectApproval(ctx context.Context, approvalID uuid.UUID, outcome models.Outcome, notes, actor string) (models.Approval, error) {
	if !outcome.Decided() {
		return models.Approval{}, validationf("outcome must be APPROVED or REJECTED")
	}
	actor = actorOr(actor)
	var corrected models.Approval
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		ap, err := tx.UpdateApprovalOutcome(ctx, approvalID, outcome, notes)
		if err != nil {
			return err
		}
		if _, err := tx.AppendAuditRecord(ctx, store.AuditInput{
			Actor:      actor,
			Action:     "approval.correct",
			EntityType: "approval",
			EntityID:   ap.ID.String(),
			Payload: auditPayload(map[string]interface{}{
				"releaseId": ap.ReleaseID.String(),
				"outcome":   outcome,
			}),
		}); err != nil {
			return err
		}
		corrected = ap
		return nil
	})
	if err != nil {
		return models.Approval{}, err
	}
	return corrected, nil
}

func (s *Service) CountApproved(ctx context.Context, releaseID uuid.UUID) (int, error) {
	return s.store.CountApprovedApprovals(ctx, releaseID)
}

func (s *Service) ListApprovals(ctx context.Context, releaseID uuid.UUID) ([]models.Approval, error) {
	if _, err := s.store.GetRelease(ctx, releaseID); err != nil {
		return nil, err
	}
	return s.store.ListApprovalsByRelease(ctx, releaseID)
}

func (s *Service) LatestApproval(ctx context.Context, releaseID uuid.UUID) (models.Approval, error) {
	return s.store.LatestApprovalForRelease(ctx, releaseID)
}

func (s *Service) PendingForApprover(ctx context.Context, approverEmail string) ([]models.Approval, error) {
	return s.store.ListPendingApprovalsByApprover(ctx, approverEmail)
}
