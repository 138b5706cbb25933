package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TriggerSource string

const (
	SourceHTTP      TriggerSource = "http"
	SourceKafka     TriggerSource = "kafka"
	SourceScheduler TriggerSource = "scheduler"
	SourceCLI       TriggerSource = "cli"
)

// Position is an open position used for correlation checks.
type Position struct {
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	Units      int64     `json:"units"`
}

// Trigger starts a workflow run. An empty RunID gets one assigned.
type Trigger struct {
	RunID         string          `json:"run_id,omitempty"`
	Instrument    string          `json:"instrument"`
	AsOf          time.Time       `json:"as_of_time"`
	AccountEquity decimal.Decimal `json:"account_equity"`
	OpenPositions []Position      `json:"open_positions,omitempty"`
	Source        TriggerSource   `json:"source"`
}

func (t Trigger) Clone() Trigger {
	out := t
	out.OpenPositions = append([]Position(nil), t.OpenPositions...)
	return out
}
