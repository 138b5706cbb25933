package models

import "time"

// RunState is a workflow run's position in the state machine.
type RunState string

const (
	StateIdle           RunState = "Idle"
	StateCollecting     RunState = "Collecting"
	StateAggregating    RunState = "Aggregating"
	StateSizing         RunState = "Sizing"
	StateAwaitingReview RunState = "AwaitingReview"
	StateApproved       RunState = "Approved"
	StateRejected       RunState = "Rejected"
	StateDeferred       RunState = "Deferred"
	StateFailed         RunState = "Failed"
)

func (s RunState) IsTerminal() bool {
	switch s {
	case StateApproved, StateRejected, StateDeferred, StateFailed:
		return true
	default:
		return false
	}
}

// Settled reports whether the run no longer progresses without outside input.
func (s RunState) Settled() bool {
	return s.IsTerminal() || s == StateAwaitingReview
}

// ParseRunState returns the state named s, case-sensitively.
func ParseRunState(s string) (RunState, bool) {
	switch st := RunState(s); st {
	case StateIdle, StateCollecting, StateAggregating, StateSizing, StateAwaitingReview,
		StateApproved, StateRejected, StateDeferred, StateFailed:
		return st, true
	}
	return "", false
}

// Transition is one entry of a run's history.
type Transition struct {
	From   RunState  `json:"from"`
	To     RunState  `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// HumanDecision is a reviewer's verdict on a proposal.
type HumanDecision struct {
	Decision  Decision  `json:"decision"`
	Reviewer  string    `json:"reviewer"`
	Note      string    `json:"note,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// WorkflowRun is the full record of one recommendation run.
type WorkflowRun struct {
	RunID           string            `json:"run_id"`
	State           RunState          `json:"state"`
	Trigger         Trigger           `json:"trigger"`
	Signals         map[string]Signal `json:"signals,omitempty"`
	Thesis          *Thesis           `json:"thesis,omitempty"`
	Proposal        *OrderProposal    `json:"proposal,omitempty"`
	Decision        *HumanDecision    `json:"human_decision,omitempty"`
	Execution       *ExecutionRecord  `json:"execution,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	FailedComponent string            `json:"failed_component,omitempty"`
	History         []Transition      `json:"history"`
	StartedAt       time.Time         `json:"started_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
}

// Clone returns a deep copy that shares nothing with r.
func (r WorkflowRun) Clone() WorkflowRun {
	out := r
	out.Trigger = r.Trigger.Clone()
	if r.Signals != nil {
		out.Signals = make(map[string]Signal, len(r.Signals))
		for k, v := range r.Signals {
			out.Signals[k] = v
		}
	}
	if r.Thesis != nil {
		t := r.Thesis.Clone()
		out.Thesis = &t
	}
	if r.Proposal != nil {
		p := r.Proposal.Clone()
		out.Proposal = &p
	}
	if r.Decision != nil {
		d := *r.Decision
		out.Decision = &d
	}
	if r.Execution != nil {
		e := *r.Execution
		out.Execution = &e
	}
	if r.FinishedAt != nil {
		f := *r.FinishedAt
		out.FinishedAt = &f
	}
	out.History = append([]Transition(nil), r.History...)
	return out
}
