package usecase

import (
	"testing"

	"FxDesk/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.StateIdle, models.StateCollecting))
	assert.True(t, CanTransition(models.StateSizing, models.StateApproved))
	assert.True(t, CanTransition(models.StateAwaitingReview, models.StateDeferred))
	assert.False(t, CanTransition(models.StateIdle, models.StateApproved))
	assert.False(t, CanTransition(models.StateCollecting, models.StateAwaitingReview))
	assert.False(t, CanTransition(models.StateAggregating, models.StateDeferred))

	for _, terminal := range []models.RunState{models.StateApproved, models.StateRejected, models.StateDeferred, models.StateFailed} {
		for _, to := range []models.RunState{models.StateIdle, models.StateCollecting, models.StateFailed, models.StateApproved} {
			assert.False(t, CanTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestApplyTransition(t *testing.T) {
	run := models.WorkflowRun{State: models.StateIdle}

	require.NoError(t, applyTransition(&run, models.StateCollecting, "", t0))
	assert.Nil(t, run.FinishedAt)

	err := applyTransition(&run, models.StateApproved, "skip ahead", t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.StateCollecting, run.State)

	err = applyTransition(&run, models.StateFailed, "", t0)
	assert.ErrorIs(t, err, ErrInvariantViolation, "terminal states need a reason")

	require.NoError(t, applyTransition(&run, models.StateFailed, "boom", t0))
	assert.Equal(t, "boom", run.Reason)
	require.NotNil(t, run.FinishedAt)
	require.Len(t, run.History, 2)
	assert.Equal(t, models.Transition{From: models.StateCollecting, To: models.StateFailed, At: t0, Reason: "boom"}, run.History[1])
}
