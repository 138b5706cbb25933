package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Thesis is the aggregated view of all signals for one instrument.
type Thesis struct {
	Instrument          string          `json:"instrument"`
	Direction           Direction       `json:"direction"`
	CompositeConfidence float64         `json:"composite_confidence"`
	Signals             []Signal        `json:"supporting_signals"`
	Entry               decimal.Decimal `json:"entry_price"`
	Stop                decimal.Decimal `json:"stop_price"`
	Target              decimal.Decimal `json:"target_price"`
	NoTradeReason       string          `json:"no_trade_reason,omitempty"`
	ComputedAt          time.Time       `json:"computed_at"`
}

// IsTrade reports whether the thesis argues for a position.
func (t Thesis) IsTrade() bool {
	return t.Direction == Long || t.Direction == Short
}

// Ref identifies the thesis inside a proposal.
func (t Thesis) Ref() string {
	return fmt.Sprintf("%s:%s:%d", t.Instrument, t.Direction, t.ComputedAt.UnixMilli())
}

// Signal returns the supporting signal of producerID.
func (t Thesis) Signal(producerID string) (Signal, bool) {
	for _, s := range t.Signals {
		if s.ProducerID() == producerID {
			return s, true
		}
	}
	return Signal{}, false
}

func (t Thesis) Clone() Thesis {
	out := t
	out.Signals = append([]Signal(nil), t.Signals...)
	return out
}
