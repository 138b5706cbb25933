package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "Pending"
	ProposalApproved ProposalStatus = "Approved"
	ProposalRejected ProposalStatus = "Rejected"
	ProposalDeferred ProposalStatus = "Deferred"
)

// Violation is a failed risk check.
type Violation struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Risk check codes.
const (
	ViolationRRTooLow          = "RR_TOO_LOW"
	ViolationCorrelation       = "CORRELATION_LIMIT"
	ViolationConfidenceTooLow  = "CONFIDENCE_TOO_LOW"
	ViolationNonPositiveEquity = "NON_POSITIVE_EQUITY"
	ViolationPositionTooSmall  = "POSITION_TOO_SMALL"
)

// OrderProposal is a sized order awaiting approval.
type OrderProposal struct {
	ProposalID   string          `json:"proposal_id"`
	ThesisRef    string          `json:"thesis_ref"`
	Instrument   string          `json:"instrument"`
	Direction    Direction       `json:"direction"`
	Entry        decimal.Decimal `json:"entry_price"`
	Stop         decimal.Decimal `json:"stop_price"`
	Target       decimal.Decimal `json:"target_price"`
	Units        int64           `json:"position_size"`
	MicroLots    decimal.Decimal `json:"micro_lots"`
	RiskFraction decimal.Decimal `json:"risk_fraction"`
	RiskAmount   decimal.Decimal `json:"risk_amount"`
	RewardToRisk decimal.Decimal `json:"reward_to_risk_ratio"`
	Status       ProposalStatus  `json:"status"`
	Violations   []Violation     `json:"violations,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ViolationCodes lists the codes of all violations.
func (p OrderProposal) ViolationCodes() []string {
	codes := make([]string, 0, len(p.Violations))
	for _, v := range p.Violations {
		codes = append(codes, v.Code)
	}
	return codes
}

func (p OrderProposal) Clone() OrderProposal {
	out := p
	out.Violations = append([]Violation(nil), p.Violations...)
	return out
}

type ExecutionStatus string

const (
	ExecutionSubmitted ExecutionStatus = "submitted"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSkipped   ExecutionStatus = "skipped"
)

// ExecutionAck is the broker's answer to a submitted order.
type ExecutionAck struct {
	OrderID    string          `json:"order_id"`
	FillPrice  decimal.Decimal `json:"fill_price"`
	AcceptedAt time.Time       `json:"accepted_at"`
}

// ExecutionRecord is the outcome of the single submit attempt of a run.
type ExecutionRecord struct {
	Status      ExecutionStatus `json:"status"`
	OrderID     string          `json:"order_id,omitempty"`
	FillPrice   decimal.Decimal `json:"fill_price"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}
