package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualboard/qualboard/internal/models"
	"github.com/qualboard/qualboard/internal/store"
)

func newMock(t *testing.T) (*store.PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewPGStore(db), mock
}

func executionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "criterion_target_id", "status", "display_value", "log_content", "log_object_key",
		"evaluated_maturity", "branch", "commit_hash", "workflow_type", "batch_id", "build_number",
		"executed_by", "executed_at", "updated_at",
		"criterion_name", "target_name", "repository_name",
	})
}

func TestResolveEvaluationRule(t *testing.T) {
	st, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"id", "criterion_id", "maturity", "pattern_id", "ruleset", "name", "text"}).
		AddRow(7, 3, "ML2", 5, `[0, 5]`, "lint", `(\d+) error`)
	mock.ExpectQuery("SELECT er.id, er.criterion_id, er.maturity").
		WithArgs("lint", "ML2").
		WillReturnRows(rows)

	rule, err := st.ResolveEvaluationRule(context.Background(), "lint", "ML2")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rule.ID)
	require.NotNil(t, rule.Maturity)
	assert.Equal(t, "ML2", *rule.Maturity)
	assert.Equal(t, `(\d+) error`, rule.PatternText)
	assert.Equal(t, "lint", rule.CriterionName)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveEvaluationRuleNotFound(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectQuery("SELECT er.id, er.criterion_id, er.maturity").
		WithArgs("lint", "ML1").
		WillReturnError(sql.ErrNoRows)

	_, err := st.ResolveEvaluationRule(context.Background(), "lint", "ML1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreatePendingExecutionReusesRow(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM executions").
		WithArgs(int64(4), "develop", "IP").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectQuery("SELECT(.|\n)+FROM executions e").
		WithArgs(int64(11)).
		WillReturnRows(executionRows().AddRow(
			11, 4, "PENDING", nil, nil, nil,
			"ML1", "develop", nil, "IP", nil, nil,
			"tester", now, now,
			"lint", "libcore", "core",
		))
	mock.ExpectCommit()

	exec, created, err := st.GetOrCreatePendingExecution(context.Background(), store.ExecutionInput{
		CriterionTargetID: 4,
		Branch:            "develop",
		WorkflowType:      "IP",
		EvaluatedMaturity: "ML1",
		ExecutedBy:        "tester",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(11), exec.ID)
	assert.Equal(t, models.StatusPending, exec.Status)
	assert.Equal(t, "core", exec.RepositoryName)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreatePendingExecutionInserts(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM executions").
		WithArgs(int64(4), "develop", "IP").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO executions").
		WithArgs(int64(4), "develop", "IP", "ML1", "tester").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
	mock.ExpectQuery("SELECT(.|\n)+FROM executions e").
		WithArgs(int64(12)).
		WillReturnRows(executionRows().AddRow(
			12, 4, "REQUESTED", nil, nil, nil,
			"ML1", "develop", nil, "IP", nil, nil,
			"tester", now, now,
			"lint", "libcore", "core",
		))
	mock.ExpectCommit()

	exec, created, err := st.GetOrCreatePendingExecution(context.Background(), store.ExecutionInput{
		CriterionTargetID: 4,
		Branch:            "develop",
		WorkflowType:      "IP",
		EvaluatedMaturity: "ML1",
		ExecutedBy:        "tester",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(12), exec.ID)
	assert.Equal(t, models.StatusRequested, exec.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkFailByBuildNumber(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectExec("UPDATE executions").
		WithArgs(int64(42), models.StatusFailed, "Failed in execution",
			models.StatusSuccess, models.StatusFailed, models.StatusDMNotReady, models.StatusExecNotReady).
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := st.BulkFailByBuildNumber(context.Background(), 42, "Failed in execution")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkBatchSubmittedOnlyOnce(t *testing.T) {
	st, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE execution_batches").
		WithArgs(int64(9), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE execution_batches").
		WithArgs(int64(9), at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, st.MarkBatchSubmitted(context.Background(), 9, at))
	assert.ErrorIs(t, st.MarkBatchSubmitted(context.Background(), 9, at), store.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCriterionTargetByNames(t *testing.T) {
	st, mock := newMock(t)

	rows := sqlmock.NewRows([]string{
		"id", "criterion_id", "target_id", "recent_id",
		"criterion_name", "target_name", "repository_id", "repository_name",
	}).AddRow(4, 3, 2, 11, "lint", "libcore", 1, "core")
	mock.ExpectQuery("SELECT ct.id, ct.criterion_id, ct.target_id, ct.recent_id").
		WithArgs("lint", "libcore").
		WillReturnRows(rows)

	ct, err := st.GetCriterionTargetByNames(context.Background(), "lint", "libcore")
	require.NoError(t, err)
	assert.Equal(t, int64(4), ct.ID)
	require.NotNil(t, ct.RecentID)
	assert.Equal(t, int64(11), *ct.RecentID)
	assert.Equal(t, "core", ct.RepositoryName)

	assert.NoError(t, mock.ExpectationsWereMet())
}
