package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/promogate/release-gate/internal/models"
)

// Constraint names from migrations/0001_init.sql. Violations of these are the
// duplicate-detection signal; there is no check-then-insert in application code.
const (
	constraintReleaseSlot      = "releases_app_version_env_key"
	constraintReleaseIdemKey   = "releases_idempotency_key_key"
	constraintDecidedApprovals = "approvals_release_approver_decided_idx"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PGStore is the Postgres-backed store.
type PGStore struct {
	db *sql.DB
	q  queryer
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, q: db}
}

// WithinTx runs fn against a transaction-scoped store. Everything fn writes
// commits or rolls back as one unit.
func (s *PGStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		// already inside a transaction; reuse it
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&PGStore{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case constraintReleaseSlot:
		return ErrDuplicateRelease
	case constraintReleaseIdemKey:
		return ErrDuplicateIdempotencyKey
	case constraintDecidedApprovals:
		return ErrDuplicateApproval
	}
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// --- applications ---

func scanApplication(row rowScanner) (models.Application, error) {
	var app models.Application
	if err := row.Scan(&app.ID, &app.Name, &app.OwnerTeam, &app.RepoURL, &app.CreatedAt); err != nil {
		return models.Application{}, err
	}
	return app, nil
}

func (s *PGStore) CreateApplication(ctx context.Context, in ApplicationInput) (models.Application, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	const query = `
		INSERT INTO applications (id, name, owner_team, repo_url)
		VALUES ($1,$2,$3,$4)
		RETURNING id, name, owner_team, repo_url, created_at
	`
	app, err := scanApplication(s.q.QueryRowContext(ctx, query, in.ID, in.Name, in.OwnerTeam, in.RepoURL))
	if err != nil {
		return models.Application{}, fmt.Errorf("insert application: %w", err)
	}
	return app, nil
}

func (s *PGStore) GetApplication(ctx context.Context, id uuid.UUID) (models.Application, error) {
	const query = `SELECT id, name, owner_team, repo_url, created_at FROM applications WHERE id=$1`
	app, err := scanApplication(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Application{}, ErrNotFound
		}
		return models.Application{}, fmt.Errorf("get application: %w", err)
	}
	return app, nil
}

func (s *PGStore) ListApplications(ctx context.Context, limit, offset int) ([]models.Application, error) {
	const query = `
		SELECT id, name, owner_team, repo_url, created_at
		FROM applications ORDER BY name LIMIT $1 OFFSET $2
	`
	if offset < 0 {
		offset = 0
	}
	rows, err := s.q.QueryContext(ctx, query, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var apps []models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applications: %w", err)
	}
	return apps, nil
}

func (s *PGStore) UpdateApplication(ctx context.Context, in ApplicationInput) (models.Application, error) {
	const query = `
		UPDATE applications SET name=$2, owner_team=$3, repo_url=$4
		WHERE id=$1
		RETURNING id, name, owner_team, repo_url, created_at
	`
	app, err := scanApplication(s.q.QueryRowContext(ctx, query, in.ID, in.Name, in.OwnerTeam, in.RepoURL))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Application{}, ErrNotFound
		}
		return models.Application{}, fmt.Errorf("update application: %w", err)
	}
	return app, nil
}

func (s *PGStore) DeleteApplication(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM applications WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete application: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- releases ---

const releaseColumns = `id, application_id, version, environment, status, evidence_url, evidence_score, row_version, created_at, deployed_at`

func scanRelease(row rowScanner) (models.Release, error) {
	var (
		rel         models.Release
		evidenceURL sql.NullString
		deployedAt  sql.NullTime
	)
	if err := row.Scan(
		&rel.ID,
		&rel.ApplicationID,
		&rel.Version,
		&rel.Environment,
		&rel.Status,
		&evidenceURL,
		&rel.EvidenceScore,
		&rel.RowVersion,
		&rel.CreatedAt,
		&deployedAt,
	); err != nil {
		return models.Release{}, err
	}
	if evidenceURL.Valid {
		rel.EvidenceURL = evidenceURL.String
	}
	if deployedAt.Valid {
		t := deployedAt.Time
		rel.DeployedAt = &t
	}
	return rel, nil
}

func nullIfEmpty(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func (s *PGStore) CreateRelease(ctx context.Context, in ReleaseInput) (models.Release, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO releases (id, application_id, version, environment, status, evidence_url, evidence_score, idempotency_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING ` + releaseColumns
	row := s.q.QueryRowContext(ctx, query,
		in.ID, in.ApplicationID, in.Version, in.Environment, models.StatusPending,
		nullIfEmpty(in.EvidenceURL), in.EvidenceScore, nullIfEmpty(in.IdempotencyKey))
	rel, err := scanRelease(row)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return models.Release{}, mapped
		}
		return models.Release{}, fmt.Errorf("insert release: %w", err)
	}
	return rel, nil
}

func (s *PGStore) GetRelease(ctx context.Context, id uuid.UUID) (models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE id=$1`
	rel, err := scanRelease(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Release{}, ErrNotFound
		}
		return models.Release{}, fmt.Errorf("get release: %w", err)
	}
	return rel, nil
}

func (s *PGStore) GetReleaseForUpdate(ctx context.Context, id uuid.UUID) (models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE id=$1 FOR UPDATE`
	rel, err := scanRelease(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Release{}, ErrNotFound
		}
		return models.Release{}, fmt.Errorf("lock release: %w", err)
	}
	return rel, nil
}

func (s *PGStore) GetReleaseByIdempotencyKey(ctx context.Context, key string) (models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE idempotency_key=$1`
	rel, err := scanRelease(s.q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Release{}, ErrNotFound
		}
		return models.Release{}, fmt.Errorf("get release by idempotency key: %w", err)
	}
	return rel, nil
}

func (s *PGStore) FindRelease(ctx context.Context, appID uuid.UUID, version string, env models.Environment) (models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE application_id=$1 AND version=$2 AND environment=$3`
	rel, err := scanRelease(s.q.QueryRowContext(ctx, query, appID, version, env))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Release{}, ErrNotFound
		}
		return models.Release{}, fmt.Errorf("find release: %w", err)
	}
	return rel, nil
}

func (s *PGStore) listReleases(ctx context.Context, query string, args ...interface{}) ([]models.Release, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()

	var releases []models.Release
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		releases = append(releases, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate releases: %w", err)
	}
	return releases, nil
}

func (s *PGStore) ListReleasesByApplication(ctx context.Context, appID uuid.UUID, limit, offset int) ([]models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE application_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	if offset < 0 {
		offset = 0
	}
	return s.listReleases(ctx, query, appID, normalizeLimit(limit), offset)
}

func (s *PGStore) ListReleasesByStatus(ctx context.Context, status models.Status, limit, offset int) ([]models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE status=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	if offset < 0 {
		offset = 0
	}
	return s.listReleases(ctx, query, status, normalizeLimit(limit), offset)
}

func (s *PGStore) UpdateReleaseFields(ctx context.Context, in ReleaseUpdate) (models.Release, error) {
	query := `
		UPDATE releases
		SET version=$2, environment=$3, evidence_url=$4, evidence_score=$5, row_version=row_version+1
		WHERE id=$1 AND ($6::int IS NULL OR row_version=$6)
		RETURNING ` + releaseColumns
	var expected interface{}
	if in.ExpectedRowVersion != nil {
		expected = *in.ExpectedRowVersion
	}
	row := s.q.QueryRowContext(ctx, query, in.ID, in.Version, in.Environment, nullIfEmpty(in.EvidenceURL), in.EvidenceScore, expected)
	rel, err := scanRelease(row)
	if err == nil {
		return rel, nil
	}
	if mapped := mapUniqueViolation(err); mapped != err {
		return models.Release{}, mapped
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Release{}, fmt.Errorf("update release: %w", err)
	}
	// no row matched: distinguish a missing release from a stale row version
	if _, getErr := s.GetRelease(ctx, in.ID); getErr != nil {
		return models.Release{}, getErr
	}
	return models.Release{}, ErrConflict
}

func (s *PGStore) SetReleaseEnvironment(ctx context.Context, id uuid.UUID, env models.Environment) (models.Release, error) {
	query := `UPDATE releases SET environment=$2 WHERE id=$1 RETURNING ` + releaseColumns
	rel, err := scanRelease(s.q.QueryRowContext(ctx, query, id, env))
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return models.Release{}, mapped
		}
		if errors.Is(err, sql.ErrNoRows) {
			return models.Release{}, ErrNotFound
		}
		return models.Release{}, fmt.Errorf("set release environment: %w", err)
	}
	return rel, nil
}

func (s *PGStore) SetReleaseStatus(ctx context.Context, id uuid.UUID, status models.Status, deployedAt *time.Time) (models.Release, error) {
	query := `UPDATE releases SET status=$2, deployed_at=COALESCE($3::timestamptz, deployed_at) WHERE id=$1 RETURNING ` + releaseColumns
	rel, err := scanRelease(s.q.QueryRowContext(ctx, query, id, status, deployedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Release{}, ErrNotFound
		}
		return models.Release{}, fmt.Errorf("set release status: %w", err)
	}
	return rel, nil
}

// DeleteRelease hard-deletes a release. Approvals and events cascade via the
// foreign keys declared in the schema.
func (s *PGStore) DeleteRelease(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM releases WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- approvals ---

const approvalColumns = `id, release_id, approver_email, outcome, notes, created_at`

func scanApproval(row rowScanner) (models.Approval, error) {
	var (
		ap      models.Approval
		outcome sql.NullString
		notes   sql.NullString
	)
	if err := row.Scan(&ap.ID, &ap.ReleaseID, &ap.ApproverEmail, &outcome, &notes, &ap.CreatedAt); err != nil {
		return models.Approval{}, err
	}
	if outcome.Valid {
		ap.Outcome = models.Outcome(outcome.String)
	}
	if notes.Valid {
		ap.Notes = notes.String
	}
	return ap, nil
}

func outcomeArg(o models.Outcome) interface{} {
	if !o.Decided() {
		return nil
	}
	return string(o)
}

func (s *PGStore) CreateApproval(ctx context.Context, in ApprovalInput) (models.Approval, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO approvals (id, release_id, approver_email, outcome, notes)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING ` + approvalColumns
	row := s.q.QueryRowContext(ctx, query, in.ID, in.ReleaseID, in.ApproverEmail, outcomeArg(in.Outcome), nullIfEmpty(in.Notes))
	ap, err := scanApproval(row)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return models.Approval{}, mapped
		}
		return models.Approval{}, fmt.Errorf("insert approval: %w", err)
	}
	return ap, nil
}

func (s *PGStore) GetApproval(ctx context.Context, id uuid.UUID) (models.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id=$1`
	ap, err := scanApproval(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Approval{}, ErrNotFound
		}
		return models.Approval{}, fmt.Errorf("get approval: %w", err)
	}
	return ap, nil
}

func (s *PGStore) UpdateApprovalOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, notes string) (models.Approval, error) {
	query := `
		UPDATE approvals SET outcome=$2, notes=COALESCE($3::text, notes)
		WHERE id=$1
		RETURNING ` + approvalColumns
	row := s.q.QueryRowContext(ctx, query, id, outcomeArg(outcome), nullIfEmpty(notes))
	ap, err := scanApproval(row)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return models.Approval{}, mapped
		}
		if errors.Is(err, sql.ErrNoRows) {
			return models.Approval{}, ErrNotFound
		}
		return models.Approval{}, fmt.Errorf("update approval: %w", err)
	}
	return ap, nil
}

func (s *PGStore) CountApprovedApprovals(ctx context.Context, releaseID uuid.UUID) (int, error) {
	const query = `SELECT COUNT(*) FROM approvals WHERE release_id=$1 AND outcome=$2`
	var count int
	if err := s.q.QueryRowContext(ctx, query, releaseID, models.OutcomeApproved).Scan(&count); err != nil {
		return 0, fmt.Errorf("count approved: %w", err)
	}
	return count, nil
}

func (s *PGStore) listApprovals(ctx context.Context, query string, args ...interface{}) ([]models.Approval, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []models.Approval
	for rows.Next() {
		ap, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, ap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return approvals, nil
}

func (s *PGStore) ListApprovalsByRelease(ctx context.Context, releaseID uuid.UUID) ([]models.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE release_id=$1 ORDER BY created_at`
	return s.listApprovals(ctx, query, releaseID)
}

func (s *PGStore) LatestApprovalForRelease(ctx context.Context, releaseID uuid.UUID) (models.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE release_id=$1 ORDER BY created_at DESC LIMIT 1`
	ap, err := scanApproval(s.q.QueryRowContext(ctx, query, releaseID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Approval{}, ErrNotFound
		}
		return models.Approval{}, fmt.Errorf("latest approval: %w", err)
	}
	return ap, nil
}

func (s *PGStore) ListPendingApprovalsByApprover(ctx context.Context, approverEmail string) ([]models.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE approver_email=$1 AND outcome IS NULL ORDER BY created_at`
	return s.listApprovals(ctx, query, approverEmail)
}

// --- timeline events ---

const eventColumns = `id, release_id, event_type, status, actor, notes, created_at`

func scanEvent(row rowScanner) (models.ReleaseEvent, error) {
	var (
		ev    models.ReleaseEvent
		notes sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.ReleaseID, &ev.EventType, &ev.Status, &ev.Actor, &notes, &ev.CreatedAt); err != nil {
		return models.ReleaseEvent{}, err
	}
	if notes.Valid {
		ev.Notes = notes.String
	}
	return ev, nil
}

func (s *PGStore) AppendReleaseEvent(ctx context.Context, in EventInput) (models.ReleaseEvent, error) {
	query := `
		INSERT INTO release_events (id, release_id, event_type, status, actor, notes)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING ` + eventColumns
	row := s.q.QueryRowContext(ctx, query, uuid.New(), in.ReleaseID, in.EventType, in.Status, in.Actor, nullIfEmpty(in.Notes))
	ev, err := scanEvent(row)
	if err != nil {
		return models.ReleaseEvent{}, fmt.Errorf("insert release event: %w", err)
	}
	return ev, nil
}

func (s *PGStore) ListReleaseEvents(ctx context.Context, releaseID uuid.UUID) ([]models.ReleaseEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM release_events WHERE release_id=$1 ORDER BY created_at ASC`
	rows, err := s.q.QueryContext(ctx, query, releaseID)
	if err != nil {
		return nil, fmt.Errorf("list release events: %w", err)
	}
	defer rows.Close()

	var events []models.ReleaseEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan release event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate release events: %w", err)
	}
	return events, nil
}

// --- audit ---

const auditColumns = `id, actor, action, entity_type, entity_id, payload, correlation_id, stream_status, created_at`

func scanAudit(row rowScanner) (models.AuditRecord, error) {
	var (
		rec         models.AuditRecord
		payload     []byte
		correlation sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Actor, &rec.Action, &rec.EntityType, &rec.EntityID, &payload, &correlation, &rec.StreamStatus, &rec.CreatedAt); err != nil {
		return models.AuditRecord{}, err
	}
	rec.Payload = append([]byte(nil), payload...)
	if correlation.Valid {
		rec.CorrelationID = correlation.String
	}
	return rec, nil
}

func ensureJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func (s *PGStore) AppendAuditRecord(ctx context.Context, in AuditInput) (models.AuditRecord, error) {
	query := `
		INSERT INTO audit_records (id, actor, action, entity_type, entity_id, payload, correlation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING ` + auditColumns
	row := s.q.QueryRowContext(ctx, query, uuid.New(), in.Actor, in.Action, in.EntityType, in.EntityID, ensureJSON(in.Payload), nullIfEmpty(in.CorrelationID))
	rec, err := scanAudit(row)
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("insert audit record: %w", err)
	}
	return rec, nil
}

func (s *PGStore) ListAuditRecords(ctx context.Context, filter AuditFilter) ([]models.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.EntityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", argPos)
		args = append(args, filter.EntityType)
		argPos++
	}
	if filter.EntityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", argPos)
		args = append(args, filter.EntityID)
		argPos++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

// --- audit streaming (used by internal/audit, not part of the Store interface) ---

// FetchPendingAuditForStreaming claims up to limit committed audit rows for
// downstream replication. Claimed rows move to in_progress so concurrent
// streamers skip them.
func (s *PGStore) FetchPendingAuditForStreaming(ctx context.Context, limit int) ([]models.AuditRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("streaming requires a root store")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT ` + auditColumns + `
		FROM audit_records
		WHERE stream_status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.QueryContext(ctx, query, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("select pending audit: %w", err)
	}
	var claimed []models.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending audit: %w", err)
		}
		claimed = append(claimed, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending audit: %w", err)
	}
	rows.Close()

	for i := range claimed {
		if _, err := tx.ExecContext(ctx, `UPDATE audit_records SET stream_status='in_progress' WHERE id=$1`, claimed[i].ID); err != nil {
			return nil, fmt.Errorf("claim audit record: %w", err)
		}
		claimed[i].StreamStatus = "in_progress"
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// MarkAuditStreamResult records the outcome of replicating one audit row.
// Failures return to pending so the next poll retries them.
func (s *PGStore) MarkAuditStreamResult(ctx context.Context, id uuid.UUID, ok bool) error {
	status := "streamed"
	if !ok {
		status = "pending"
	}
	if _, err := s.q.ExecContext(ctx, `UPDATE audit_records SET stream_status=$2 WHERE id=$1`, id, status); err != nil {
		return fmt.Errorf("mark audit stream result: %w", err)
	}
	return nil
}
