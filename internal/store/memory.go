package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promogate/release-gate/internal/models"
)

// MemoryStore mirrors the Postgres store's constraints in memory for tests:
// the release slot uniqueness, the decided-approval uniqueness and the
// optimistic row version all behave as the real schema does.
type MemoryStore struct {
	mu           sync.RWMutex
	txMu         sync.Mutex
	applications map[uuid.UUID]models.Application
	releases     map[uuid.UUID]models.Release
	approvals    map[uuid.UUID]models.Approval
	idemKeys     map[string]uuid.UUID
	events       []models.ReleaseEvent
	audits       []models.AuditRecord
	seq          int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		applications: map[uuid.UUID]models.Application{},
		releases:     map[uuid.UUID]models.Release{},
		approvals:    map[uuid.UUID]models.Approval{},
		idemKeys:     map[string]uuid.UUID{},
	}
}

// WithinTx serializes transactional sections. Rollback is not simulated; the
// service orders its writes so validation failures happen before any mutation.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// next returns a strictly increasing timestamp so event ordering is stable
// even when two writes land in the same wall-clock nanosecond.
func (m *MemoryStore) next() time.Time {
	m.seq++
	return time.Now().UTC().Add(time.Duration(m.seq) * time.Microsecond)
}

func (m *MemoryStore) CreateApplication(ctx context.Context, in ApplicationInput) (models.Application, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	app := models.Application{
		ID:        in.ID,
		Name:      in.Name,
		OwnerTeam: in.OwnerTeam,
		RepoURL:   in.RepoURL,
		CreatedAt: m.next(),
	}
	m.applications[app.ID] = app
	return app, nil
}

func (m *MemoryStore) GetApplication(ctx context.Context, id uuid.UUID) (models.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.applications[id]
	if !ok {
		return models.Application{}, ErrNotFound
	}
	return app, nil
}

func (m *MemoryStore) ListApplications(ctx context.Context, limit, offset int) ([]models.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	apps := make([]models.Application, 0, len(m.applications))
	for _, app := range m.applications {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return paginate(apps, limit, offset), nil
}

func (m *MemoryStore) UpdateApplication(ctx context.Context, in ApplicationInput) (models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.applications[in.ID]
	if !ok {
		return models.Application{}, ErrNotFound
	}
	app.Name = in.Name
	app.OwnerTeam = in.OwnerTeam
	app.RepoURL = in.RepoURL
	m.applications[app.ID] = app
	return app, nil
}

func (m *MemoryStore) DeleteApplication(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.applications[id]; !ok {
		return ErrNotFound
	}
	delete(m.applications, id)
	return nil
}

func (m *MemoryStore) CreateRelease(ctx context.Context, in ReleaseInput) (models.Release, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rel := range m.releases {
		if rel.ApplicationID == in.ApplicationID && rel.Version == in.Version && rel.Environment == in.Environment {
			return models.Release{}, ErrDuplicateRelease
		}
	}
	if in.IdempotencyKey != "" {
		if _, taken := m.idemKeys[in.IdempotencyKey]; taken {
			return models.Release{}, ErrDuplicateIdempotencyKey
		}
	}
	rel := models.Release{
		ID:            in.ID,
		ApplicationID: in.ApplicationID,
		Version:       in.Version,
		Environment:   in.Environment,
		Status:        models.StatusPending,
		EvidenceURL:   in.EvidenceURL,
		EvidenceScore: in.EvidenceScore,
		CreatedAt:     m.next(),
	}
	m.releases[rel.ID] = rel
	if in.IdempotencyKey != "" {
		m.idemKeys[in.IdempotencyKey] = rel.ID
	}
	return rel, nil
}

func (m *MemoryStore) GetRelease(ctx context.Context, id uuid.UUID) (models.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rel, ok := m.releases[id]
	if !ok {
		return models.Release{}, ErrNotFound
	}
	return rel, nil
}

func (m *MemoryStore) GetReleaseForUpdate(ctx context.Context, id uuid.UUID) (models.Release, error) {
	return m.GetRelease(ctx, id)
}

func (m *MemoryStore) GetReleaseByIdempotencyKey(ctx context.Context, key string) (models.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.idemKeys[key]
	if !ok {
		return models.Release{}, ErrNotFound
	}
	rel, ok := m.releases[id]
	if !ok {
		return models.Release{}, ErrNotFound
	}
	return rel, nil
}

func (m *MemoryStore) FindRelease(ctx context.Context, appID uuid.UUID, version string, env models.Environment) (models.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rel := range m.releases {
		if rel.ApplicationID == appID && rel.Version == version && rel.Environment == env {
			return rel, nil
		}
	}
	return models.Release{}, ErrNotFound
}

func (m *MemoryStore) sortedReleases(match func(models.Release) bool) []models.Release {
	var releases []models.Release
	for _, rel := range m.releases {
		if match(rel) {
			releases = append(releases, rel)
		}
	}
	sort.Slice(releases, func(i, j int) bool { return releases[i].CreatedAt.After(releases[j].CreatedAt) })
	return releases
}

func (m *MemoryStore) ListReleasesByApplication(ctx context.Context, appID uuid.UUID, limit, offset int) ([]models.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	releases := m.sortedReleases(func(r models.Release) bool { return r.ApplicationID == appID })
	return paginate(releases, limit, offset), nil
}

func (m *MemoryStore) ListReleasesByStatus(ctx context.Context, status models.Status, limit, offset int) ([]models.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	releases := m.sortedReleases(func(r models.Release) bool { return r.Status == status })
	return paginate(releases, limit, offset), nil
}

func (m *MemoryStore) UpdateReleaseFields(ctx context.Context, in ReleaseUpdate) (models.Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.releases[in.ID]
	if !ok {
		return models.Release{}, ErrNotFound
	}
	if in.ExpectedRowVersion != nil && rel.RowVersion != *in.ExpectedRowVersion {
		return models.Release{}, ErrConflict
	}
	for _, other := range m.releases {
		if other.ID != rel.ID && other.ApplicationID == rel.ApplicationID && other.Version == in.Version && other.Environment == in.Environment {
			return models.Release{}, ErrDuplicateRelease
		}
	}
	rel.Version = in.Version
	rel.Environment = in.Environment
	rel.EvidenceURL = in.EvidenceURL
	rel.EvidenceScore = in.EvidenceScore
	rel.RowVersion++
	m.releases[rel.ID] = rel
	return rel, nil
}

func (m *MemoryStore) SetReleaseEnvironment(ctx context.Context, id uuid.UUID, env models.Environment) (models.Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.releases[id]
	if !ok {
		return models.Release{}, ErrNotFound
	}
	for _, other := range m.releases {
		if other.ID != id && other.ApplicationID == rel.ApplicationID && other.Version == rel.Version && other.Environment == env {
			return models.Release{}, ErrDuplicateRelease
		}
	}
	rel.Environment = env
	m.releases[id] = rel
	return rel, nil
}

func (m *MemoryStore) SetReleaseStatus(ctx context.Context, id uuid.UUID, status models.Status, deployedAt *time.Time) (models.Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.releases[id]
	if !ok {
		return models.Release{}, ErrNotFound
	}
	rel.Status = status
	if deployedAt != nil {
		t := *deployedAt
		rel.DeployedAt = &t
	}
	m.releases[id] = rel
	return rel, nil
}

func (m *MemoryStore) DeleteRelease(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.releases[id]; !ok {
		return ErrNotFound
	}
	delete(m.releases, id)
	for apID, ap := range m.approvals {
		if ap.ReleaseID == id {
			delete(m.approvals, apID)
		}
	}
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.ReleaseID != id {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return nil
}

func (m *MemoryStore) CreateApproval(ctx context.Context, in ApprovalInput) (models.Approval, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.Outcome.Decided() {
		for _, ap := range m.approvals {
			if ap.ReleaseID == in.ReleaseID && ap.ApproverEmail == in.ApproverEmail && ap.Outcome.Decided() {
				return models.Approval{}, ErrDuplicateApproval
			}
		}
	}
	ap := models.Approval{
		ID:            in.ID,
		ReleaseID:     in.ReleaseID,
		ApproverEmail: in.ApproverEmail,
		Outcome:       in.Outcome,
		Notes:         in.Notes,
		CreatedAt:     m.next(),
	}
	m.approvals[ap.ID] = ap
	return ap, nil
}

func (m *MemoryStore) GetApproval(ctx context.Context, id uuid.UUID) (models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ap, ok := m.approvals[id]
	if !ok {
		return models.Approval{}, ErrNotFound
	}
	return ap, nil
}

func (m *MemoryStore) UpdateApprovalOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, notes string) (models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ap, ok := m.approvals[id]
	if !ok {
		return models.Approval{}, ErrNotFound
	}
	if outcome.Decided() {
		for otherID, other := range m.approvals {
			if otherID != id && other.ReleaseID == ap.ReleaseID && other.ApproverEmail == ap.ApproverEmail && other.Outcome.Decided() {
				return models.Approval{}, ErrDuplicateApproval
			}
		}
	}
	ap.Outcome = outcome
	if notes != "" {
		ap.Notes = notes
	}
	m.approvals[id] = ap
	return ap, nil
}

func (m *MemoryStore) CountApprovedApprovals(ctx context.Context, releaseID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, ap := range m.approvals {
		if ap.ReleaseID == releaseID && ap.Outcome == models.OutcomeApproved {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) sortedApprovals(match func(models.Approval) bool) []models.Approval {
	var approvals []models.Approval
	for _, ap := range m.approvals {
		if match(ap) {
			approvals = append(approvals, ap)
		}
	}
	sort.Slice(approvals, func(i, j int) bool { return approvals[i].CreatedAt.Before(approvals[j].CreatedAt) })
	return approvals
}

func (m *MemoryStore) ListApprovalsByRelease(ctx context.Context, releaseID uuid.UUID) ([]models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedApprovals(func(a models.Approval) bool { return a.ReleaseID == releaseID }), nil
}

func (m *MemoryStore) LatestApprovalForRelease(ctx context.Context, releaseID uuid.UUID) (models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	approvals := m.sortedApprovals(func(a models.Approval) bool { return a.ReleaseID == releaseID })
	if len(approvals) == 0 {
		return models.Approval{}, ErrNotFound
	}
	return approvals[len(approvals)-1], nil
}

func (m *MemoryStore) ListPendingApprovalsByApprover(ctx context.Context, approverEmail string) ([]models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedApprovals(func(a models.Approval) bool {
		return a.ApproverEmail == approverEmail && !a.Outcome.Decided()
	}), nil
}

func (m *MemoryStore) AppendReleaseEvent(ctx context.Context, in EventInput) (models.ReleaseEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := models.ReleaseEvent{
		ID:        uuid.New(),
		ReleaseID: in.ReleaseID,
		EventType: in.EventType,
		Status:    in.Status,
		Actor:     in.Actor,
		Notes:     in.Notes,
		CreatedAt: m.next(),
	}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *MemoryStore) ListReleaseEvents(ctx context.Context, releaseID uuid.UUID) ([]models.ReleaseEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []models.ReleaseEvent
	for _, ev := range m.events {
		if ev.ReleaseID == releaseID {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

func (m *MemoryStore) AppendAuditRecord(ctx context.Context, in AuditInput) (models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := models.AuditRecord{
		ID:            uuid.New(),
		Actor:         in.Actor,
		Action:        in.Action,
		EntityType:    in.EntityType,
		EntityID:      in.EntityID,
		Payload:       append([]byte(nil), ensureJSON(in.Payload)...),
		CorrelationID: in.CorrelationID,
		StreamStatus:  "pending",
		CreatedAt:     m.next(),
	}
	m.audits = append(m.audits, rec)
	return rec, nil
}

func (m *MemoryStore) ListAuditRecords(ctx context.Context, filter AuditFilter) ([]models.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var records []models.AuditRecord
	for _, rec := range m.audits {
		if filter.EntityType != "" && rec.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && rec.EntityID != filter.EntityID {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.After(records[j].CreatedAt) })
	return paginate(records, filter.Limit, filter.Offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	limit = normalizeLimit(limit)
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}
