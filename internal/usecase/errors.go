package usecase

import "errors"

var (
	ErrProducerTimeout    = errors.New("producer timed out")
	ErrExecutionFailure   = errors.New("execution failed")
	ErrInvariantViolation = errors.New("orchestrator invariant violated")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrRunNotFound        = errors.New("run not found")
	ErrNotAwaitingReview  = errors.New("run is not awaiting review")
	ErrDecisionPending    = errors.New("a decision is already pending")
	ErrRunFinished        = errors.New("run already finished")
	ErrInvalidTrigger     = errors.New("invalid trigger")
)

var (
	ErrInvalidDecision = errors.New("invalid decision")
	ErrShuttingDown    = errors.New("orchestrator is shutting down")
)
