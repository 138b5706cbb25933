package usecase

import (
	"fmt"
	"time"

	"FxDesk/internal/domain/models"
)

var transitions = map[models.RunState][]models.RunState{
	models.StateIdle:           {models.StateCollecting, models.StateFailed},
	models.StateCollecting:     {models.StateAggregating, models.StateFailed},
	models.StateAggregating:    {models.StateSizing, models.StateRejected, models.StateFailed},
	models.StateSizing:         {models.StateAwaitingReview, models.StateApproved, models.StateRejected, models.StateFailed},
	models.StateAwaitingReview: {models.StateApproved, models.StateRejected, models.StateDeferred, models.StateFailed},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to models.RunState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// applyTransition moves run to the next state and appends the history entry.
// Terminal states need a reason.
func applyTransition(run *models.WorkflowRun, to models.RunState, reason string, at time.Time) error {
	from := run.State
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to.IsTerminal() && reason == "" {
		return fmt.Errorf("%w: terminal state %s without reason", ErrInvariantViolation, to)
	}
	run.State = to
	run.UpdatedAt = at
	run.History = append(run.History, models.Transition{From: from, To: to, At: at, Reason: reason})
	if to.IsTerminal() {
		run.Reason = reason
		fin := at
		run.FinishedAt = &fin
	}
	return nil
}
