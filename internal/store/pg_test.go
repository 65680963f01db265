package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promogate/release-gate/internal/models"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func releaseRows(id, appID uuid.UUID) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "application_id", "version", "environment", "status",
		"evidence_url", "evidence_score", "row_version", "created_at", "deployed_at",
	}).AddRow(id, appID, "1.0.0", "DEV", "PENDING", nil, 0, 0, time.Now(), nil)
}

func TestPGCreateReleaseMapsSlotConstraint(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO releases").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "releases_app_version_env_key"})

	_, err := st.CreateRelease(context.Background(), ReleaseInput{
		ApplicationID: uuid.New(),
		Version:       "1.0.0",
		Environment:   models.EnvDev,
	})
	assert.ErrorIs(t, err, ErrDuplicateRelease)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateReleaseMapsIdempotencyKeyConstraint(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO releases").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "releases_idempotency_key_key"})

	_, err := st.CreateRelease(context.Background(), ReleaseInput{
		ApplicationID:  uuid.New(),
		Version:        "1.0.0",
		Environment:    models.EnvDev,
		IdempotencyKey: "deploy-train-42",
	})
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateApprovalMapsDecidedConstraint(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO approvals").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "approvals_release_approver_decided_idx"})

	_, err := st.CreateApproval(context.Background(), ApprovalInput{
		ReleaseID:     uuid.New(),
		ApproverEmail: "qa@example.com",
		Outcome:       models.OutcomeApproved,
	})
	assert.ErrorIs(t, err, ErrDuplicateApproval)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGUnrelatedUniqueViolationNotMapped(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO releases").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "some_other_constraint"})

	_, err := st.CreateRelease(context.Background(), ReleaseInput{
		ApplicationID: uuid.New(),
		Version:       "1.0.0",
		Environment:   models.EnvDev,
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateRelease)
	assert.NotErrorIs(t, err, ErrDuplicateApproval)
}

func TestPGGetReleaseNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM releases WHERE id").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetRelease(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPGGetRelease(t *testing.T) {
	st, mock := newMockStore(t)
	id, appID := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM releases WHERE id").
		WithArgs(id).
		WillReturnRows(releaseRows(id, appID))

	rel, err := st.GetRelease(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, rel.ID)
	assert.Equal(t, models.EnvDev, rel.Environment)
	assert.Equal(t, models.StatusPending, rel.Status)
	assert.Nil(t, rel.DeployedAt)
}

func TestPGUpdateReleaseFieldsStaleRowVersion(t *testing.T) {
	st, mock := newMockStore(t)
	id, appID := uuid.New(), uuid.New()
	stale := 3

	// update matches no rows, follow-up read finds the release: conflict
	mock.ExpectQuery("UPDATE releases").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM releases WHERE id").
		WithArgs(id).
		WillReturnRows(releaseRows(id, appID))

	_, err := st.UpdateReleaseFields(context.Background(), ReleaseUpdate{
		ID:                 id,
		Version:            "1.0.1",
		Environment:        models.EnvDev,
		ExpectedRowVersion: &stale,
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGUpdateReleaseFieldsMissingRelease(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE releases").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM releases WHERE id").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := st.UpdateReleaseFields(context.Background(), ReleaseUpdate{
		ID:          id,
		Version:     "1.0.1",
		Environment: models.EnvDev,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPGUpdateApplication(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE applications").
		WithArgs(id, "checkout", "platform", "https://git.example.com/platform/checkout").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "owner_team", "repo_url", "created_at"}).
			AddRow(id, "checkout", "platform", "https://git.example.com/platform/checkout", time.Now()))

	app, err := st.UpdateApplication(context.Background(), ApplicationInput{
		ID:        id,
		Name:      "checkout",
		OwnerTeam: "platform",
		RepoURL:   "https://git.example.com/platform/checkout",
	})
	require.NoError(t, err)
	assert.Equal(t, "platform", app.OwnerTeam)

	mock.ExpectQuery("UPDATE applications").
		WillReturnError(sql.ErrNoRows)
	_, err = st.UpdateApplication(context.Background(), ApplicationInput{ID: uuid.New(), Name: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPGWithinTxCommitsOnSuccess(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM releases").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.WithinTx(context.Background(), func(tx Store) error {
		return tx.DeleteRelease(context.Background(), id)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGWithinTxRollsBackOnError(t *testing.T) {
	st, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := st.WithinTx(context.Background(), func(tx Store) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCountApprovedApprovals(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(id, "APPROVED").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := st.CountApprovedApprovals(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPGDeleteReleaseNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("DELETE FROM releases").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.DeleteRelease(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPGFetchPendingAuditClaimsRows(t *testing.T) {
	st, mock := newMockStore(t)
	recID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM audit_records").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "actor", "action", "entity_type", "entity_id",
			"payload", "correlation_id", "stream_status", "created_at",
		}).AddRow(recID, "alice@example.com", "release.promote", "release", uuid.New().String(),
			[]byte(`{"from":"DEV","to":"PRE_PROD"}`), nil, "pending", time.Now()))
	mock.ExpectExec("UPDATE audit_records SET stream_status='in_progress'").
		WithArgs(recID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := st.FetchPendingAuditForStreaming(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "in_progress", claimed[0].StreamStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGMarkAuditStreamResult(t *testing.T) {
	st, mock := newMockStore(t)
	recID := uuid.New()

	mock.ExpectExec("UPDATE audit_records SET stream_status").
		WithArgs(recID, "streamed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.MarkAuditStreamResult(context.Background(), recID, true))

	mock.ExpectExec("UPDATE audit_records SET stream_status").
		WithArgs(recID, "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.MarkAuditStreamResult(context.Background(), recID, false))
	assert.NoError(t, mock.ExpectationsWereMet())
}
