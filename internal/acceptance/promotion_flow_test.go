package acceptance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/promogate/release-gate/internal/models"
	"github.com/promogate/release-gate/internal/policy"
	"github.com/promogate/release-gate/internal/service"
	"github.com/promogate/release-gate/internal/store"
)

func newService() *service.Service {
	quiet := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	engine := policy.NewEngineAt(policy.NewSource(""), func() time.Time { return quiet })
	return service.New(store.NewMemoryStore(), engine)
}

func TestPromotionFlowDevToProduction(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	app, err := svc.CreateApplication(ctx, service.CreateApplicationRequest{
		Name:      "checkout",
		OwnerTeam: "payments",
		Actor:     "alice@example.com",
	})
	if err != nil {
		t.Fatalf("create application: %v", err)
	}
	if app.ID == uuid.Nil {
		t.Fatalf("application id missing")
	}

	rel, err := svc.CreateRelease(ctx, service.CreateReleaseRequest{
		ApplicationID: app.ID,
		Version:       "2.3.0",
		Environment:   models.EnvDev,
		EvidenceURL:   "https://ci.example.com/test-PASS-report.json",
		Actor:         "alice@example.com",
	})
	if err != nil {
		t.Fatalf("create release: %v", err)
	}
	if rel.EvidenceScore < 70 {
		t.Fatalf("evidence should clear the score gate, got %d", rel.EvidenceScore)
	}

	rel, err = svc.Promote(ctx, rel.ID, models.EnvPreProd, "alice@example.com")
	if err != nil {
		t.Fatalf("promote to pre-prod: %v", err)
	}
	if rel.Environment != models.EnvPreProd {
		t.Fatalf("expected PRE_PROD, got %s", rel.Environment)
	}

	if _, err := svc.RecordApproval(ctx, service.RecordApprovalRequest{
		ReleaseID:     rel.ID,
		ApproverEmail: "qa-lead@example.com",
		Outcome:       models.OutcomeApproved,
		Notes:         "smoke suite green",
	}); err != nil {
		t.Fatalf("record approval: %v", err)
	}

	rel, err = svc.Promote(ctx, rel.ID, models.EnvProd, "alice@example.com")
	if err != nil {
		t.Fatalf("promote to prod: %v", err)
	}

	rel, err = svc.Deploy(ctx, rel.ID, "rollout wave 1", "release-bot")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if rel.Status != models.StatusDeployed || rel.DeployedAt == nil {
		t.Fatalf("deploy state incomplete: %+v", rel)
	}

	events, err := svc.Timeline(ctx, rel.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	want := []models.EventType{
		models.EventCreated,
		models.EventPromoted,
		models.EventApproved,
		models.EventPromoted,
		models.EventDeployed,
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d timeline events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Fatalf("timeline[%d]: expected %s, got %s", i, want[i], ev.EventType)
		}
	}

	records, err := svc.AuditTrail(ctx, store.AuditFilter{})
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	seen := map[string]bool{}
	for _, rec := range records {
		seen[rec.Action] = true
	}
	for _, action := range []string{"release.create", "release.promote", "approval.record", "release.deploy"} {
		if !seen[action] {
			t.Fatalf("audit trail missing action %s (have %v)", action, seen)
		}
	}
}

func TestPromotionFlowLowEvidenceDenied(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	app, err := svc.CreateApplication(ctx, service.CreateApplicationRequest{Name: "checkout"})
	if err != nil {
		t.Fatalf("create application: %v", err)
	}

	rel, err := svc.CreateRelease(ctx, service.CreateReleaseRequest{
		ApplicationID: app.ID,
		Version:       "2.4.0",
		Environment:   models.EnvDev,
		EvidenceURL:   "http://example.com/report",
	})
	if err != nil {
		t.Fatalf("create release: %v", err)
	}
	if rel.EvidenceScore >= 70 {
		t.Fatalf("weak evidence should not clear the gate, scored %d", rel.EvidenceScore)
	}

	if _, err := svc.Promote(ctx, rel.ID, models.EnvPreProd, ""); err != nil {
		t.Fatalf("promote to pre-prod: %v", err)
	}
	if _, err := svc.RecordApproval(ctx, service.RecordApprovalRequest{
		ReleaseID:     rel.ID,
		ApproverEmail: "qa-lead@example.com",
		Outcome:       models.OutcomeApproved,
	}); err != nil {
		t.Fatalf("record approval: %v", err)
	}

	_, err = svc.Promote(ctx, rel.ID, models.EnvProd, "")
	if !service.IsPolicyDenied(err) {
		t.Fatalf("expected policy denial, got %v", err)
	}

	// denial left no trace on the release itself
	cur, err := svc.GetRelease(ctx, rel.ID)
	if err != nil {
		t.Fatalf("get release: %v", err)
	}
	if cur.Environment != models.EnvPreProd {
		t.Fatalf("denied promotion must not move the release, got %s", cur.Environment)
	}

	events, err := svc.Timeline(ctx, rel.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	for _, ev := range events {
		if ev.EventType == models.EventPromoted && ev.Status == models.StatusApproved && cur.Environment == models.EnvProd {
			t.Fatalf("denied promotion recorded a PROD promote event")
		}
	}
}
