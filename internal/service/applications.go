package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/promogate/release-gate/internal/models"
	"github.com/promogate/release-gate/internal/store"
)

type CreateApplicationRequest struct {
	Name      string
	OwnerTeam string
	RepoURL   string
	Actor     string
}

func (s *Service) CreateApplication(ctx context.Context, req CreateApplicationRequest) (models.Application, error) {
	if req.Name == "" {
		return models.Application{}, validationf("application name required")
	}
	actor := actorOr(req.Actor)
	var created models.Application
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		app, err := tx.CreateApplication(ctx, store.ApplicationInput{
			Name:      req.Name,
			OwnerTeam: req.OwnerTeam,
			RepoURL:   req.RepoURL,
		})
		if err != nil {
			return err
		}
		if _, err := tx.AppendAuditRecord(ctx, store.AuditInput{
			Actor:      actor,
			Action:     "application.create",
			EntityType: "application",
			EntityID:   app.ID.String(),
			Payload:    auditPayload(map[string]interface{}{"name": app.Name, "ownerTeam": app.OwnerTeam}),
		}); err != nil {
			return err
		}
		created = app
		return nil
	})
	if err != nil {
		return models.Application{}, err
	}
	return created, nil
}

func (s *Service) GetApplication(ctx context.Context, id uuid.UUID) (models.Application, error) {
	return s.store.GetApplication(ctx, id)
}

func (s *Service) ListApplications(ctx context.Context, limit, offset int) ([]models.Application, error) {
	return s.store.ListApplications(ctx, limit, offset)
}

type UpdateApplicationRequest struct {
	ID        uuid.UUID
	Name      string
	OwnerTeam string
	RepoURL   string
	Actor     string
}

// UpdateApplication edits application metadata. Empty fields keep their
// current value.
func (s *Service) UpdateApplication(ctx context.Context, req UpdateApplicationRequest) (models.Application, error) {
	actor := actorOr(req.Actor)
	var updated models.Application
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		current, err := tx.GetApplication(ctx, req.ID)
		if err != nil {
			return err
		}
		name := req.Name
		if name == "" {
			name = current.Name
		}
		ownerTeam := req.OwnerTeam
		if ownerTeam == "" {
			ownerTeam = current.OwnerTeam
		}
		repoURL := req.RepoURL
		if repoURL == "" {
			repoURL = current.RepoURL
		}
		app, err := tx.UpdateApplication(ctx, store.ApplicationInput{
			ID:        req.ID,
			Name:      name,
			OwnerTeam: ownerTeam,
			RepoURL:   repoURL,
		})
		if err != nil {
			return err
		}
		if _, err := tx.AppendAuditRecord(ctx, store.AuditInput{
			Actor:      actor,
			Action:     "application.update",
			EntityType: "application",
			EntityID:   app.ID.String(),
			Payload:    auditPayload(map[string]interface{}{"name": app.Name, "ownerTeam": app.OwnerTeam}),
		}); err != nil {
			return err
		}
		updated = app
		return nil
	})
	if err != nil {
		return models.Application{}, err
	}
	return updated, nil
}

func (s *Service) DeleteApplication(ctx context.Context, id uuid.UUID, actor string) error {
	actor = actorOr(actor)
	return s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.DeleteApplication(ctx, id); err != nil {
			return err
		}
		_, err := tx.AppendAuditRecord(ctx, store.AuditInput{
			Actor:      actor,
			Action:     "application.delete",
			EntityType: "application",
			EntityID:   id.String(),
		})
		return err
	})
}
