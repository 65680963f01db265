package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Environment is the closed set of deployment environments a release moves through.
type Environment string

const (
	EnvDev     Environment = "DEV"
	EnvPreProd Environment = "PRE_PROD"
	EnvProd    Environment = "PROD"
)

// ParseEnvironment rejects anything outside the known set.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToUpper(strings.TrimSpace(s))) {
	case EnvDev:
		return EnvDev, nil
	case EnvPreProd:
		return EnvPreProd, nil
	case EnvProd:
		return EnvProd, nil
	}
	return "", fmt.Errorf("unknown environment %q", s)
}

// Status is the release lifecycle status, orthogonal to the environment axis.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDeployed Status = "DEPLOYED"
	StatusRejected Status = "REJECTED"
)

func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusApproved:
		return StatusApproved, nil
	case StatusDeployed:
		return StatusDeployed, nil
	case StatusRejected:
		return StatusRejected, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Outcome is an approver's decision. Pending means the approver has not decided yet
// and is persisted as NULL.
type Outcome string

const (
	OutcomePending  Outcome = ""
	OutcomeApproved Outcome = "APPROVED"
	OutcomeRejected Outcome = "REJECTED"
)

func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(strings.ToUpper(strings.TrimSpace(s))) {
	case OutcomeApproved:
		return OutcomeApproved, nil
	case OutcomeRejected:
		return OutcomeRejected, nil
	}
	return "", fmt.Errorf("unknown outcome %q", s)
}

// Decided reports whether the outcome is a final decision rather than pending.
func (o Outcome) Decided() bool {
	return o == OutcomeApproved || o == OutcomeRejected
}

// EventType enumerates timeline entries recorded per release.
type EventType string

const (
	EventCreated  EventType = "CREATED"
	EventPromoted EventType = "PROMOTED"
	EventApproved EventType = "APPROVED"
	EventRejected EventType = "REJECTED"
	EventDeployed EventType = "DEPLOYED"
	EventUpdated  EventType = "UPDATED"
)

type Application struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	OwnerTeam string    `json:"ownerTeam"`
	RepoURL   string    `json:"repoUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// Release is one versioned build of one application targeted at one environment.
// (ApplicationID, Version, Environment) is unique; the environment field advances
// in place on promotion, no new row is created.
type Release struct {
	ID            uuid.UUID   `json:"id"`
	ApplicationID uuid.UUID   `json:"applicationId"`
	Version       string      `json:"version"`
	Environment   Environment `json:"environment"`
	Status        Status      `json:"status"`
	EvidenceURL   string      `json:"evidenceUrl,omitempty"`
	EvidenceScore int         `json:"evidenceScore"`
	// RowVersion is the optimistic-concurrency counter, incremented on field edits.
	RowVersion int        `json:"rowVersion"`
	CreatedAt  time.Time  `json:"createdAt"`
	DeployedAt *time.Time `json:"deployedAt,omitempty"`
}

type Approval struct {
	ID            uuid.UUID `json:"id"`
	ReleaseID     uuid.UUID `json:"releaseId"`
	ApproverEmail string    `json:"approverEmail"`
	Outcome       Outcome   `json:"outcome,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ReleaseEvent is one append-only timeline entry. Ordered ascending by CreatedAt
// per release; read back only for display, never for decisions.
type ReleaseEvent struct {
	ID        uuid.UUID `json:"id"`
	ReleaseID uuid.UUID `json:"releaseId"`
	EventType EventType `json:"eventType"`
	Status    Status    `json:"status"`
	Actor     string    `json:"actor"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditRecord is one append-only audit row. StreamStatus tracks downstream
// replication (kafka/s3) and is owned by the audit streamer, not the writer.
type AuditRecord struct {
	ID            uuid.UUID       `json:"id"`
	Actor         string          `json:"actor"`
	Action        string          `json:"action"`
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId,omitempty"`
	StreamStatus  string          `json:"-"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Checklist is the derived read-only view of a release's PROD-promotion readiness.
type Checklist struct {
	ReleaseID     uuid.UUID `json:"releaseId"`
	ApprovalsOK   bool      `json:"approvalsOk"`
	EvidenceOK    bool      `json:"evidenceOk"`
	ScoreOK       bool      `json:"scoreOk"`
	FreezeOK      bool      `json:"freezeOk"`
	Ready         bool      `json:"ready"`
	ApprovalCount int       `json:"approvalCount"`
	MinApprovals  int       `json:"minApprovals"`
	EvidenceScore int       `json:"evidenceScore"`
	MinScore      int       `json:"minScore"`
}
