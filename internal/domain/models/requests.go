package models

import (
	"fmt"
	"strings"
	"time"

	"FxDesk/pkg/util"

	"github.com/shopspring/decimal"
)

// Requests shared by the HTTP API and the Kafka trigger topic.

type PositionRequest struct {
	Instrument string `json:"instrument" validate:"required,min=3,max=10"`
	Direction  string `json:"direction" validate:"required,oneof=long short"`
	Units      int64  `json:"units" validate:"gt=0"`
}

type TriggerRequest struct {
	RunID         string            `json:"run_id" validate:"omitempty,max=64"`
	Instrument    string            `json:"instrument" validate:"required,min=3,max=10"`
	AsOf          string            `json:"as_of_time"`
	AccountEquity float64           `json:"account_equity" default:"10000"`
	OpenPositions []PositionRequest `json:"open_positions" validate:"omitempty,max=50,dive"`
}

// ToTrigger converts the request, defaulting AsOf to now. AsOf accepts
// RFC3339 or unix seconds.
func (r TriggerRequest) ToTrigger(now time.Time, src TriggerSource) (Trigger, error) {
	in, err := ParseInstrument(r.Instrument)
	if err != nil {
		return Trigger{}, err
	}
	asOf := now
	if r.AsOf != "" {
		t, ok := util.ParseTime(r.AsOf)
		if !ok {
			return Trigger{}, fmt.Errorf("invalid as_of_time %q", r.AsOf)
		}
		asOf = t
	}
	positions := make([]Position, 0, len(r.OpenPositions))
	for _, p := range r.OpenPositions {
		pin, err := ParseInstrument(p.Instrument)
		if err != nil {
			return Trigger{}, fmt.Errorf("open position: %w", err)
		}
		positions = append(positions, Position{Instrument: pin.Symbol, Direction: Direction(p.Direction), Units: p.Units})
	}
	return Trigger{
		RunID:         strings.TrimSpace(r.RunID),
		Instrument:    in.Symbol,
		AsOf:          asOf.UTC(),
		AccountEquity: decimal.NewFromFloat(r.AccountEquity),
		OpenPositions: positions,
		Source:        src,
	}, nil
}

type DecisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	Reviewer string `json:"reviewer" validate:"required,max=64"`
	Note     string `json:"note" validate:"max=512"`
}

func (r DecisionRequest) ToDecision(now time.Time) HumanDecision {
	return HumanDecision{
		Decision:  Decision(r.Decision),
		Reviewer:  r.Reviewer,
		Note:      r.Note,
		DecidedAt: now.UTC(),
	}
}

type ListRunsRequest struct {
	State      string `query:"state" validate:"omitempty,oneof=Idle Collecting Aggregating Sizing AwaitingReview Approved Rejected Deferred Failed"`
	Instrument string `query:"instrument"`
	Limit      int    `query:"limit" default:"50" validate:"gte=1,lte=500"`
}

type InvalidateCacheRequest struct {
	Query string `query:"query" json:"query" validate:"omitempty,max=512"`
	TopK  int    `query:"top_k" json:"top_k" default:"10" validate:"gte=1,lte=100"`
}
