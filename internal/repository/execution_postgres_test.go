package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/loopmail/loopmail/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionRepository_CreateExecutionGuard(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewExecutionRepository(db)

	execution := &domain.WorkflowExecution{
		ID:         "ex1",
		ProjectID:  "p1",
		WorkflowID: "wf1",
		ContactID:  "c1",
		Status:     domain.ExecutionStatusRunning,
	}

	// Without re-entry the guard matches any prior execution of the workflow
	// for the contact, active or not
	mock.ExpectExec(`INSERT INTO workflow_executions[\s\S]*WHERE NOT EXISTS`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := repo.CreateExecution(context.Background(), execution, false)
	require.NoError(t, err)
	assert.True(t, created)

	// Second trigger is skipped by the guard
	mock.ExpectExec("INSERT INTO workflow_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err = repo.CreateExecution(context.Background(), execution, false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepository_CreateExecutionReentryNarrowsGuard(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewExecutionRepository(db)

	execution := &domain.WorkflowExecution{
		ID:         "ex2",
		ProjectID:  "p1",
		WorkflowID: "wf1",
		ContactID:  "c1",
		Status:     domain.ExecutionStatusRunning,
	}

	// With re-entry only an active execution blocks: the guard subquery
	// narrows to running and waiting rows
	mock.ExpectExec(`INSERT INTO workflow_executions[\s\S]*status IN \('running', 'waiting'\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := repo.CreateExecution(context.Background(), execution, true)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepository_ClaimStepExecution(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewExecutionRepository(db)

	mock.ExpectExec("UPDATE step_executions").
		WithArgs("p1", "se1", sqlmock.AnyArg(), domain.StepExecutionStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := repo.ClaimStepExecution(context.Background(), "p1", "se1")
	require.NoError(t, err)
	assert.True(t, claimed)

	// Redelivered job: the step is no longer pending
	mock.ExpectExec("UPDATE step_executions").
		WithArgs("p1", "se1", sqlmock.AnyArg(), domain.StepExecutionStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err = repo.ClaimStepExecution(context.Background(), "p1", "se1")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionRepository_ClaimWaitingStepExecution(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewExecutionRepository(db)

	mock.ExpectExec("UPDATE step_executions").
		WithArgs("p1", "se1", sqlmock.AnyArg(), domain.StepExecutionStatusWaiting).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := repo.ClaimWaitingStepExecution(context.Background(), "p1", "se1")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
